// The broker supervisor wires the pieces together and owns their
// lifetimes: transactor and event fan-out first, then the TCP listeners,
// then the Shine passthrough. Shutdown stops the upstream sessions first,
// then the transactor and the inverter port, and closes the sniff
// observers last.

package broker

import (
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/l4m4re/growatt-rtu-broker/internal/config"
	"github.com/l4m4re/growatt-rtu-broker/internal/downstream"
	"github.com/l4m4re/growatt-rtu-broker/internal/metrics"
	"github.com/l4m4re/growatt-rtu-broker/internal/serport"
	"github.com/l4m4re/growatt-rtu-broker/internal/sim"
	"github.com/l4m4re/growatt-rtu-broker/internal/upstream"
	"github.com/l4m4re/growatt-rtu-broker/internal/wire"
)

type Broker struct {
	cfg *config.Config
	log zerolog.Logger

	hub     *wire.Hub
	metrics *metrics.Metrics
	fileLog *wire.FileLog
	sniffer *wire.Sniffer

	invPort   *serport.Port // nil in simulator mode
	tr        *downstream.Transactor
	listeners []*upstream.Listener
	shine     *upstream.Shine
	httpSrv   *http.Server

	stopReopen chan struct{}
}

// New builds a broker from validated configuration. Any error here is a
// fatal startup failure: the initial port open and the binds must succeed.
func New(cfg *config.Config, log zerolog.Logger) (*Broker, error) {
	b := &Broker{
		cfg:        cfg,
		log:        log,
		metrics:    metrics.New(),
		stopReopen: make(chan struct{}),
	}
	b.hub = wire.NewHub(b.metrics)

	fileLog, err := wire.NewFileLog(cfg.LogPath)
	if err != nil {
		return nil, fmt.Errorf("wire log: %w", err)
	}
	if fileLog != nil {
		b.fileLog = fileLog
		b.hub.Attach(fileLog)
	}

	if cfg.SniffEnabled() {
		sniffer, err := wire.NewSniffer(cfg.SniffBind, log)
		if err != nil {
			return nil, fmt.Errorf("sniff bind: %w", err)
		}
		sniffer.Gauge = b.metrics.Observers
		b.sniffer = sniffer
		b.hub.Attach(sniffer)
	}

	var port downstream.DevicePort
	if cfg.SimDataset != "" {
		ds, err := sim.LoadDataset(cfg.SimDataset)
		if err != nil {
			return nil, err
		}
		port = sim.NewInverter(ds)
		log.Info().Str("dataset", cfg.SimDataset).Msg("running against dataset simulator")
	} else {
		invPort, err := serport.Open(serport.Config{
			Device: cfg.Inverter,
			Baud:   cfg.InverterBaud(),
			Format: cfg.InverterBytes(),
		}, log)
		if err != nil {
			return nil, fmt.Errorf("inverter: %w", err)
		}
		invPort.Notify = func(up bool) {
			name := "inverter_offline"
			if up {
				name = "inverter_online"
			}
			b.hub.Emit(wire.Info(name, cfg.Inverter))
		}
		b.invPort = invPort
		port = invPort
	}

	b.tr = downstream.New(port, b.hub, log, cfg.MinPeriodDuration(), cfg.ReadTimeoutDuration())

	for _, bind := range []string{cfg.TCPBind, cfg.TCPAltBind} {
		if bind == "" || bind == "-" {
			continue
		}
		l, err := upstream.NewListener(bind, b.tr, cfg.Rules, b.hub, log)
		if err != nil {
			return nil, fmt.Errorf("tcp bind %s: %w", bind, err)
		}
		b.listeners = append(b.listeners, l)
	}

	if cfg.ShineEnabled() {
		b.shine = upstream.NewShine(serport.Config{
			Device: cfg.Shine,
			Baud:   cfg.ShineBaudRate(),
			Format: cfg.ShineFormat(),
		}, b.tr, b.hub, log)
	}

	if cfg.MetricsEnabled() {
		b.httpSrv = &http.Server{Addr: cfg.MetricsBind, Handler: b.metrics.Handler()}
	}
	return b, nil
}

// Start launches every component in dependency order.
func (b *Broker) Start() {
	go b.tr.Run()
	if b.sniffer != nil {
		go b.sniffer.Run()
	}
	if b.invPort != nil {
		go b.invPort.ManageReopen(b.stopReopen)
	}
	for _, l := range b.listeners {
		go l.Run()
	}
	if b.shine != nil {
		go b.shine.Run()
	}
	if b.httpSrv != nil {
		go func() {
			if err := b.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				b.log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}
	b.hub.Emit(wire.Info("broker_up", b.cfg.Inverter))
	b.log.Info().
		Str("inverter", b.cfg.Inverter).
		Str("shine", b.cfg.Shine).
		Str("tcp", b.cfg.TCPBind).
		Str("tcp_alt", b.cfg.TCPAltBind).
		Str("sniff", b.cfg.SniffBind).
		Msg("broker up")
}

// Stop shuts the broker down: no new connections, the in-flight
// transaction drains, ports close, observers get a farewell.
func (b *Broker) Stop() {
	for _, l := range b.listeners {
		l.Close()
	}
	if b.shine != nil {
		b.shine.Close()
	}
	b.tr.Stop()
	close(b.stopReopen)
	if b.invPort != nil {
		b.invPort.Close()
	}
	if b.httpSrv != nil {
		b.httpSrv.Close()
	}
	if b.sniffer != nil {
		b.sniffer.Close()
	}
	b.fileLog.Close()
	b.log.Info().Msg("broker stopped")
}

// PrimaryAddr returns the first TCP listener's bound address.
func (b *Broker) PrimaryAddr() net.Addr {
	if len(b.listeners) == 0 {
		return nil
	}
	return b.listeners[0].Addr()
}

// SniffAddr returns the sniff listener's bound address, or nil.
func (b *Broker) SniffAddr() net.Addr {
	if b.sniffer == nil {
		return nil
	}
	return b.sniffer.Addr()
}

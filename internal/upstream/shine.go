// Shine passthrough: the vendor monitoring dongle keeps talking its native
// RTU on its own serial leg, and the broker relays each of its polls through
// the shared transactor. The dongle owns its retry logic; on any failure we
// simply stay quiet.

package upstream

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/l4m4re/growatt-rtu-broker/internal/downstream"
	"github.com/l4m4re/growatt-rtu-broker/internal/mbus"
	"github.com/l4m4re/growatt-rtu-broker/internal/serport"
	"github.com/l4m4re/growatt-rtu-broker/internal/wire"
)

const (
	// shineReadTimeout bounds one idle wait for a dongle frame; short
	// enough that Close stays responsive.
	shineReadTimeout = time.Second

	shineOpenRetry = 5 * time.Second
	shineReopen    = 2 * time.Second
)

const originShine = "SHINE"

type shinePort interface {
	ReadFrame(first time.Duration, need func([]byte) int) ([]byte, error)
	WriteAll(frame []byte) error
	Close() error
}

type Shine struct {
	cfg  serport.Config
	tr   *downstream.Transactor
	hub  *wire.Hub
	log  zerolog.Logger
	open func() (shinePort, error)
	stop chan struct{}
	done chan struct{}
}

func NewShine(cfg serport.Config, tr *downstream.Transactor, hub *wire.Hub, log zerolog.Logger) *Shine {
	s := &Shine{
		cfg:  cfg,
		tr:   tr,
		hub:  hub,
		log:  log.With().Str("component", "shine").Str("port", cfg.Device).Logger(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.open = func() (shinePort, error) {
		return serport.Open(cfg, log)
	}
	return s
}

// Run keeps the passthrough alive: open the dongle port, relay frames, and
// on any port loss back off and reopen. A missing dongle never affects the
// TCP side.
func (s *Shine) Run() {
	defer close(s.done)
	for {
		port, err := s.open()
		if err != nil {
			s.log.Warn().Err(err).Msg("shine port open failed")
			if !s.sleep(shineOpenRetry) {
				return
			}
			continue
		}
		s.hub.Emit(wire.Info("shine_online", s.cfg.Device))
		s.serve(port)
		port.Close()
		s.hub.Emit(wire.Info("shine_offline", s.cfg.Device))
		if !s.sleep(shineReopen) {
			return
		}
	}
}

func (s *Shine) serve(port shinePort) {
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		frame, err := port.ReadFrame(shineReadTimeout, mbus.RequestNeed)
		if err != nil {
			s.log.Warn().Err(err).Msg("shine port lost")
			return
		}
		if len(frame) == 0 {
			continue // idle line
		}
		if !mbus.VerifyCRC(frame) {
			reason := wire.ReasonCrcMismatch
			if len(frame) < 4 {
				reason = wire.ReasonShortFrame
			}
			e := wire.FrameEvent(wire.RoleErr, frame, mbus.Decode(frame))
			e.FromClient = originShine
			e.Reason = reason
			s.hub.Emit(e)
			continue // the dongle will retry on its own
		}

		resp := s.tr.Transact(originShine, frame, true)
		if resp.Failure != downstream.FailNone {
			// no synthetic reply on the serial leg
			continue
		}
		if err := port.WriteAll(resp.Frame); err != nil {
			s.log.Warn().Err(err).Msg("shine reply write failed")
			return
		}
	}
}

func (s *Shine) sleep(d time.Duration) bool {
	select {
	case <-s.stop:
		return false
	case <-time.After(d):
		return true
	}
}

// Close stops the session and waits for it to wind down.
func (s *Shine) Close() {
	close(s.stop)
	<-s.done
}

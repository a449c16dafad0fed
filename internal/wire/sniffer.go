package wire

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// observerQueueLen bounds each observer's pending line queue. An observer
// that falls this far behind is evicted rather than allowed to backpressure
// the transactor.
const observerQueueLen = 256

const observerWriteTimeout = 5 * time.Second

// ObserverGauge is the slice of a metrics gauge the sniffer needs.
// prometheus.Gauge satisfies it.
type ObserverGauge interface {
	Inc()
	Dec()
}

// Sniffer accepts TCP observers and streams every event to each of them as
// JSON lines. Enqueue never blocks; slow observers get dropped.
type Sniffer struct {
	ln    net.Listener
	log   zerolog.Logger
	Gauge ObserverGauge

	mu     sync.Mutex
	obs    map[*observer]struct{}
	closed bool
}

type observer struct {
	conn net.Conn
	ch   chan []byte
}

func NewSniffer(bind string, log zerolog.Logger) (*Sniffer, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, err
	}
	return &Sniffer{
		ln:  ln,
		log: log.With().Str("component", "sniffer").Logger(),
		obs: make(map[*observer]struct{}),
	}, nil
}

func (s *Sniffer) Addr() net.Addr { return s.ln.Addr() }

// Run accepts observers until the listener is closed.
func (s *Sniffer) Run() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		o := &observer{conn: conn, ch: make(chan []byte, observerQueueLen)}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.obs[o] = struct{}{}
		s.mu.Unlock()
		if s.Gauge != nil {
			s.Gauge.Inc()
		}
		s.log.Info().Str("peer", conn.RemoteAddr().String()).Msg("observer attached")
		go s.pump(o)
	}
}

// pump drains one observer's queue onto its socket. It owns the conn's
// write side; a write failure drops the observer.
func (s *Sniffer) pump(o *observer) {
	defer o.conn.Close()
	for line := range o.ch {
		o.conn.SetWriteDeadline(time.Now().Add(observerWriteTimeout))
		if _, err := o.conn.Write(line); err != nil {
			s.drop(o, "write failed")
			return
		}
	}
}

// drop removes the observer and closes its queue. A queue is only ever
// closed by whoever removes its observer from the set (here, Handle on
// overrun, or Close), always under the same lock that guards Handle's sends.
func (s *Sniffer) drop(o *observer, why string) {
	s.mu.Lock()
	_, ok := s.obs[o]
	if ok {
		delete(s.obs, o)
		close(o.ch)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.Gauge != nil {
		s.Gauge.Dec()
	}
	s.log.Info().Str("peer", o.conn.RemoteAddr().String()).Str("why", why).Msg("observer dropped")
}

// Handle enqueues the event to every observer without blocking. An observer
// whose queue is full has fallen too far behind and is evicted.
func (s *Sniffer) Handle(e Event) {
	line := e.Line()
	var overrun []*observer
	s.mu.Lock()
	for o := range s.obs {
		select {
		case o.ch <- line:
		default:
			overrun = append(overrun, o)
		}
	}
	for _, o := range overrun {
		delete(s.obs, o)
		close(o.ch)
	}
	s.mu.Unlock()
	for _, o := range overrun {
		o.conn.Close()
		if s.Gauge != nil {
			s.Gauge.Dec()
		}
		s.log.Warn().Str("peer", o.conn.RemoteAddr().String()).Msg("observer overrun, evicted")
	}
}

// Close announces shutdown to the observers, then tears everything down.
func (s *Sniffer) Close() error {
	s.Handle(Info("broker_shutdown", ""))
	err := s.ln.Close()
	s.mu.Lock()
	s.closed = true
	for o := range s.obs {
		delete(s.obs, o)
		close(o.ch)
	}
	s.mu.Unlock()
	return err
}

// Serial port adapter shared by the inverter and Shine legs. It wraps a
// go.bug.st port with frame-oriented reads and a closed flag: on any OS
// error the adapter parks itself and fails fast until a reopen (driven by
// the supervisor) brings it back.

package serport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

var ErrClosed = errors.New("serial port closed")

// interByteTimeout ends a frame read once the line goes quiet. Modbus wants
// 3.5 character times (~4 ms at 9600 baud); a longer value is fine because
// expected frame lengths are known for the common functions and the bus is
// quiescent between paced transactions.
const interByteTimeout = 50 * time.Millisecond

// maxFrame is the largest RTU frame: unit + function + 252 payload + CRC.
const maxFrame = 256

const (
	reopenBackoffMin = 250 * time.Millisecond
	reopenBackoffMax = 5 * time.Second
)

type Config struct {
	Device string
	Baud   int
	Format string
}

type Port struct {
	cfg  Config
	mode *serial.Mode
	log  zerolog.Logger

	// Notify, when set, observes up/down transitions. Set before first use.
	Notify func(up bool)

	mu     sync.Mutex
	port   serial.Port
	closed bool
	kick   chan struct{} // pinged when the port parks itself
}

// Open opens the device and flushes both directions so a stale byte from
// before our time is never mistaken for traffic.
func Open(cfg Config, log zerolog.Logger) (*Port, error) {
	mode, err := ParseMode(cfg.Baud, cfg.Format)
	if err != nil {
		return nil, err
	}
	p := &Port{
		cfg:  cfg,
		mode: mode,
		log:  log.With().Str("port", cfg.Device).Logger(),
		kick: make(chan struct{}, 1),
	}
	if err := p.open(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Port) open() error {
	port, err := serial.Open(p.cfg.Device, p.mode)
	if err != nil {
		return fmt.Errorf("%s: %w", p.cfg.Device, err)
	}
	port.ResetInputBuffer()
	port.ResetOutputBuffer()
	p.mu.Lock()
	p.port = port
	p.closed = false
	p.mu.Unlock()
	return nil
}

func (p *Port) Device() string { return p.cfg.Device }

func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// park marks the adapter closed after an OS error. Pending and future I/O
// fails fast until the reopen loop succeeds.
func (p *Port) park(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	port := p.port
	p.port = nil
	p.mu.Unlock()

	p.log.Warn().Err(err).Msg("serial port lost")
	if port != nil {
		port.Close()
	}
	select {
	case p.kick <- struct{}{}:
	default:
	}
	if p.Notify != nil {
		p.Notify(false)
	}
}

func (p *Port) get() (serial.Port, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.port == nil {
		return nil, ErrClosed
	}
	return p.port, nil
}

// Drain throws away anything sitting in the OS receive buffer.
func (p *Port) Drain() {
	if port, err := p.get(); err == nil {
		port.ResetInputBuffer()
	}
}

// WriteAll writes the whole frame or fails. Concurrent WriteAll calls do
// not interleave: the underlying write is a single syscall per chunk and
// each leg has exactly one writer by construction.
func (p *Port) WriteAll(frame []byte) error {
	port, err := p.get()
	if err != nil {
		return err
	}
	for n := 0; n < len(frame); {
		w, err := port.Write(frame[n:])
		if err != nil {
			p.park(err)
			return fmt.Errorf("write %s: %w", p.cfg.Device, err)
		}
		n += w
	}
	return nil
}

// ReadFrame accumulates one frame. It waits up to first for the opening
// byte; with nothing on the line it returns (nil, nil). After that it asks
// need how many more bytes the frame requires: a positive count is read
// with the inter-byte timeout, 0 ends the frame, and -1 switches to
// gap-terminated reads. A quiet line ends the frame either way; the caller
// classifies whatever accumulated.
func (p *Port) ReadFrame(first time.Duration, need func([]byte) int) ([]byte, error) {
	port, err := p.get()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, maxFrame)
	chunk := make([]byte, maxFrame)

	port.SetReadTimeout(first)
	n, err := port.Read(chunk)
	if err != nil {
		p.park(err)
		return nil, fmt.Errorf("read %s: %w", p.cfg.Device, err)
	}
	if n == 0 {
		return nil, nil
	}
	buf = append(buf, chunk[:n]...)

	port.SetReadTimeout(interByteTimeout)
	for len(buf) < maxFrame {
		rem := need(buf)
		if rem == 0 {
			break
		}
		want := len(chunk)
		if rem > 0 {
			want = rem
		}
		n, err := port.Read(chunk[:want])
		if err != nil {
			p.park(err)
			return nil, fmt.Errorf("read %s: %w", p.cfg.Device, err)
		}
		if n == 0 {
			break // line went quiet
		}
		buf = append(buf, chunk[:n]...)
	}
	return buf, nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

// ManageReopen restores a parked port with capped exponential backoff.
// Run as a goroutine; returns when stop closes.
func (p *Port) ManageReopen(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-p.kick:
		}
		backoff := reopenBackoffMin
		for {
			select {
			case <-stop:
				return
			case <-time.After(backoff):
			}
			if err := p.open(); err == nil {
				p.log.Info().Msg("serial port reopened")
				if p.Notify != nil {
					p.Notify(true)
				}
				break
			}
			if backoff *= 2; backoff > reopenBackoffMax {
				backoff = reopenBackoffMax
			}
		}
	}
}

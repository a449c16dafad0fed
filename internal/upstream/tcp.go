// Modbus/TCP listener sessions. Each bound endpoint accepts connections
// concurrently; each connection reads MBAP frames in a loop, pushes them
// through the transactor and answers with the downstream reply or a gateway
// exception. Connections never share state; global serialization happens in
// the transactor.

package upstream

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/l4m4re/growatt-rtu-broker/internal/config"
	"github.com/l4m4re/growatt-rtu-broker/internal/downstream"
	"github.com/l4m4re/growatt-rtu-broker/internal/mbus"
	"github.com/l4m4re/growatt-rtu-broker/internal/wire"
)

// Modbus exception codes the gateway synthesizes.
const (
	excIllegalFunction = 0x01
	excIllegalAddress  = 0x02
	excDeviceFailure   = 0x04
	excGatewayPath     = 0x0A
	excGatewayTarget   = 0x0B
)

type Listener struct {
	ln    net.Listener
	tr    *downstream.Transactor
	rules []config.Rule
	hub   *wire.Hub
	log   zerolog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func NewListener(bind string, tr *downstream.Transactor, rules []config.Rule, hub *wire.Hub, log zerolog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, err
	}
	return &Listener{
		ln:    ln,
		tr:    tr,
		rules: rules,
		hub:   hub,
		log:   log.With().Str("component", "tcp").Str("bind", ln.Addr().String()).Logger(),
		conns: make(map[net.Conn]struct{}),
	}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Run accepts connections until Close. Acceptance never waits on the
// transactor; every connection runs on its own goroutine.
func (l *Listener) Run() {
	l.log.Info().Msg("modbus tcp listener up")
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			conn.Close()
			return
		}
		l.conns[conn] = struct{}{}
		l.mu.Unlock()
		go l.handle(conn)
	}
}

func (l *Listener) forget(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

func (l *Listener) handle(conn net.Conn) {
	peer := "TCP:" + conn.RemoteAddr().String()
	defer conn.Close()
	defer l.forget(conn)
	for {
		tid, uid, pdu, err := mbus.ReadMBAP(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				l.log.Warn().Str("peer", peer).Err(err).Msg("closing client")
				if errors.Is(err, mbus.ErrProtocol) {
					e := wire.Event{Role: wire.RoleErr, FromClient: peer, Reason: wire.ReasonProtocol}
					l.hub.Emit(e)
					// half-close first: the rest of the rejected frame is
					// still unread, and a bare close would reset the peer
					// instead of ending its stream cleanly
					if tc, ok := conn.(*net.TCPConn); ok {
						tc.CloseWrite()
					}
				}
			}
			return
		}

		rtu := mbus.RTUFromMBAP(uid, pdu)
		fn := pdu[0]

		if !config.Allowed(l.rules, mbus.Decode(rtu)) {
			l.log.Warn().Str("peer", peer).Uint8("fn", fn).Msg("rejected by rules")
			if err := mbus.WriteMBAP(conn, tid, uid, []byte{fn | 0x80, excIllegalAddress}); err != nil {
				return
			}
			continue
		}

		resp := l.tr.Transact(peer, rtu, true)
		if resp.Failure != downstream.FailNone {
			if err := mbus.WriteMBAP(conn, tid, uid, []byte{fn | 0x80, exceptionCode(resp.Failure)}); err != nil {
				return
			}
			continue
		}

		ruid, rpdu := mbus.PDUFromRTU(resp.Frame)
		if err := mbus.WriteMBAP(conn, tid, ruid, rpdu); err != nil {
			// peer went away mid-transaction; the response is discarded
			return
		}
	}
}

// exceptionCode maps a transaction failure onto the Modbus exception the
// TCP client sees.
func exceptionCode(f downstream.Failure) byte {
	switch f {
	case downstream.FailTimeout:
		return excGatewayTarget
	case downstream.FailPortClosed, downstream.FailShutdown:
		return excGatewayPath
	default:
		// CRC mismatch, short frame, write failure: the device answered
		// garbage or the wire ate the request
		return excDeviceFailure
	}
}

// Close stops accepting and tears down every live connection.
func (l *Listener) Close() error {
	err := l.ln.Close()
	l.mu.Lock()
	l.closed = true
	for conn := range l.conns {
		conn.Close()
		delete(l.conns, conn)
	}
	l.mu.Unlock()
	return err
}

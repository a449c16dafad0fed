// The transactor is the single master of the inverter bus. Every upstream
// session funnels its requests through one worker goroutine, which gives the
// bus its one-transaction-at-a-time guarantee and global FIFO ordering for
// free. The worker enforces the minimum inter-transaction period the
// inverter needs and pairs every request with exactly one outcome.

package downstream

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/l4m4re/growatt-rtu-broker/internal/mbus"
	"github.com/l4m4re/growatt-rtu-broker/internal/serport"
	"github.com/l4m4re/growatt-rtu-broker/internal/wire"
)

// DevicePort is the slice of the serial adapter the transactor drives.
// The dataset simulator implements it too.
type DevicePort interface {
	Drain()
	WriteAll(frame []byte) error
	ReadFrame(first time.Duration, need func([]byte) int) ([]byte, error)
	Closed() bool
}

type Failure int

const (
	FailNone Failure = iota
	FailTimeout
	FailShortFrame
	FailCrcMismatch
	FailWriteFailed
	FailPortClosed
	FailShutdown
)

// Reason names the failure for ERR events and logs.
func (f Failure) Reason() string {
	switch f {
	case FailTimeout:
		return wire.ReasonTimeout
	case FailShortFrame:
		return wire.ReasonShortFrame
	case FailCrcMismatch:
		return wire.ReasonCrcMismatch
	case FailWriteFailed:
		return wire.ReasonWriteFailed
	case FailPortClosed:
		return wire.ReasonPortClosed
	case FailShutdown:
		return wire.ReasonShutdown
	}
	return ""
}

// Response is the outcome of one transaction. Frame holds the full RTU
// reply (CRC included) when Failure is FailNone.
type Response struct {
	Frame      []byte
	Failure    Failure
	ReceivedAt time.Time
}

type request struct {
	origin string
	frame  []byte
	hasCRC bool
	reply  chan Response
}

type Transactor struct {
	port        DevicePort
	hub         *wire.Hub
	log         zerolog.Logger
	minPeriod   time.Duration
	readTimeout time.Duration

	reqs chan *request
	stop chan struct{}
	done chan struct{}

	lastEnd time.Time // mutated only by the worker
}

func New(port DevicePort, hub *wire.Hub, log zerolog.Logger, minPeriod, readTimeout time.Duration) *Transactor {
	return &Transactor{
		port:        port,
		hub:         hub,
		log:         log.With().Str("component", "transactor").Logger(),
		minPeriod:   minPeriod,
		readTimeout: readTimeout,
		reqs:        make(chan *request, 32),
		// lastEnd's zero value is long ago, so the first request runs
		// without a pacing delay.
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Transact executes one exchange and blocks until its outcome is known.
// origin tags the requester for events ("SHINE", "TCP:host:port"). frame is
// unit-id + function + payload; when hasCRC is set the trailer is verified
// instead of appended, and a wrong trailer fails the transaction.
func (t *Transactor) Transact(origin string, frame []byte, hasCRC bool) Response {
	req := &request{
		origin: origin,
		frame:  frame,
		hasCRC: hasCRC,
		reply:  make(chan Response, 1),
	}
	select {
	case t.reqs <- req:
	case <-t.stop:
		return Response{Failure: FailShutdown}
	}
	select {
	case resp := <-req.reply:
		return resp
	case <-t.done:
		// the worker exited; it may still have replied before draining
		select {
		case resp := <-req.reply:
			return resp
		default:
			return Response{Failure: FailShutdown}
		}
	}
}

// Run processes requests until Stop. One request at a time, in arrival
// order.
func (t *Transactor) Run() {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			t.drain()
			return
		case req := <-t.reqs:
			req.reply <- t.execute(req)
		}
	}
}

// Stop ends the worker after the in-flight transaction, failing anything
// still queued, and waits for it to exit.
func (t *Transactor) Stop() {
	close(t.stop)
	<-t.done
}

func (t *Transactor) drain() {
	for {
		select {
		case req := <-t.reqs:
			req.reply <- Response{Failure: FailShutdown}
		default:
			return
		}
	}
}

func (t *Transactor) execute(req *request) Response {
	// pacing: the inverter needs quiet time between transactions
	if wait := t.minPeriod - time.Since(t.lastEnd); wait > 0 {
		select {
		case <-time.After(wait):
		case <-t.stop:
			return Response{Failure: FailShutdown}
		}
	}

	// a late reply to an earlier transaction must not become this one's
	t.port.Drain()

	frame := req.frame
	crcBad := false
	if req.hasCRC {
		crcBad = !mbus.VerifyCRC(frame)
	} else {
		frame = mbus.AppendCRC(append([]byte(nil), frame...))
	}
	info := mbus.Decode(frame)

	reqEvent := wire.FrameEvent(wire.RoleReq, frame, info)
	reqEvent.FromClient = req.origin
	t.hub.Emit(reqEvent)

	if t.port.Closed() {
		return t.fail(req, info, nil, FailPortClosed)
	}
	if crcBad {
		return t.fail(req, info, nil, FailCrcMismatch)
	}

	if err := t.port.WriteAll(frame); err != nil {
		t.lastEnd = time.Now()
		if errors.Is(err, serport.ErrClosed) {
			return t.fail(req, info, nil, FailPortClosed)
		}
		return t.fail(req, info, nil, FailWriteFailed)
	}

	reqFn := frame[1]
	resp, err := t.port.ReadFrame(t.readTimeout, func(buf []byte) int {
		return mbus.ResponseNeed(reqFn, buf)
	})
	t.lastEnd = time.Now()
	if err != nil {
		return t.fail(req, info, resp, FailPortClosed)
	}

	switch {
	case len(resp) == 0:
		return t.fail(req, info, nil, FailTimeout)
	case len(resp) < 4:
		return t.fail(req, info, resp, FailShortFrame)
	case !mbus.VerifyCRC(resp):
		return t.fail(req, info, resp, FailCrcMismatch)
	}

	// report the request's registers on the RSP event so observers see
	// matching addr/count on both halves of the pair
	rspEvent := wire.FrameEvent(wire.RoleRsp, resp, info)
	rspEvent.ToClient = req.origin
	t.hub.Emit(rspEvent)
	return Response{Frame: resp, ReceivedAt: time.Now()}
}

func (t *Transactor) fail(req *request, info mbus.Info, got []byte, failure Failure) Response {
	e := wire.FrameEvent(wire.RoleErr, got, info)
	if e.UID == nil && len(req.frame) >= 2 {
		uid, fn := int(req.frame[0]), int(req.frame[1])
		e.UID, e.Func = &uid, &fn
	}
	e.ToClient = req.origin
	e.Reason = failure.Reason()
	t.hub.Emit(e)
	t.log.Warn().Str("origin", req.origin).Str("reason", failure.Reason()).Msg("transaction failed")
	return Response{Failure: failure, ReceivedAt: time.Now()}
}

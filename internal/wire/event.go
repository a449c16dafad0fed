// Wire events describe every request/response exchanged with the inverter
// plus broker lifecycle transitions. They are serialized as one JSON object
// per line; the field set is a contract consumed by log analysis tooling and
// live sniff observers, so it is shaped by hand rather than derived from
// internal types.

package wire

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/l4m4re/growatt-rtu-broker/internal/mbus"
)

type Role string

const (
	RoleReq  Role = "REQ"
	RoleRsp  Role = "RSP"
	RoleErr  Role = "ERR"
	RoleInfo Role = "INFO"
)

// Failure reasons carried by ERR events.
const (
	ReasonTimeout     = "timeout"
	ReasonShortFrame  = "short_frame"
	ReasonCrcMismatch = "crc_mismatch"
	ReasonWriteFailed = "write_failed"
	ReasonPortClosed  = "port_closed"
	ReasonProtocol    = "protocol_error"
	ReasonOverrun     = "overrun"
	ReasonShutdown    = "shutdown"
)

type Event struct {
	TS         string `json:"ts"`
	Role       Role   `json:"role"`
	FromClient string `json:"from_client,omitempty"`
	ToClient   string `json:"to_client,omitempty"`
	UID        *int   `json:"uid,omitempty"`
	Func       *int   `json:"func,omitempty"`
	Addr       *int   `json:"addr,omitempty"`
	Count      *int   `json:"count,omitempty"`
	Value      *int   `json:"value,omitempty"`
	Bytes      int    `json:"bytes,omitempty"`
	CrcOK      *bool  `json:"crc_ok,omitempty"`
	Hex        string `json:"hex,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Name       string `json:"event,omitempty"`
	Port       string `json:"port,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func timestamp() string {
	return time.Now().Format("2006-01-02T15:04:05.000")
}

// FrameEvent builds a REQ/RSP/ERR event from an RTU frame. info supplies the
// decoded addr/count/value fields; for responses the caller passes the
// request's decode so both halves of a pair report the same registers.
func FrameEvent(role Role, frame []byte, info mbus.Info) Event {
	e := Event{
		Role:  role,
		Bytes: len(frame),
		Hex:   hex.EncodeToString(frame),
	}
	if len(frame) >= 2 {
		uid, fn := int(frame[0]), int(frame[1])
		e.UID = &uid
		e.Func = &fn
	}
	crcOK := mbus.VerifyCRC(frame)
	e.CrcOK = &crcOK
	if info.Addr != nil {
		v := int(*info.Addr)
		e.Addr = &v
	}
	if info.Count != nil {
		v := int(*info.Count)
		e.Count = &v
	}
	if info.Value != nil {
		v := int(*info.Value)
		e.Value = &v
	}
	return e
}

// Info builds an INFO lifecycle event (port up/down, shutdown, startup).
func Info(name, port string) Event {
	return Event{Role: RoleInfo, Name: name, Port: port}
}

// Line renders the event as a newline-terminated JSON line, stamping the
// timestamp if the producer did not.
func (e Event) Line() []byte {
	if e.TS == "" {
		e.TS = timestamp()
	}
	b, err := json.Marshal(e)
	if err != nil {
		// Event has no unmarshalable fields; this cannot fire.
		return nil
	}
	return append(b, '\n')
}

// Minimal Modbus RTU framing: enough to size frames on the wire and to
// decode the fields the sniff stream reports. The broker never interprets
// register contents; that stays with the devices on either end.

package mbus

import (
	"encoding/binary"
	"errors"
)

var (
	ErrShort    = errors.New("too few bytes received")
	ErrProtocol = errors.New("mbap header violation")
)

// Function codes with known frame geometry. Anything else falls back to
// gap-terminated reads.
const (
	FnReadCoils     = 0x01
	FnReadDiscrete  = 0x02
	FnReadHolding   = 0x03
	FnReadInput     = 0x04
	FnWriteSingle   = 0x06
	FnWriteMultiple = 0x10
)

// RequestNeed returns the number of further bytes required to complete the
// request frame accumulated in buf, 0 if buf is a complete frame, or -1 if
// the length cannot be inferred (unknown function: read until the line goes
// quiet instead).
func RequestNeed(buf []byte) int {
	l := len(buf)
	if l < 2 {
		return 5 - l // minimum frame is unit+fn+CRC plus one payload byte
	}
	switch buf[1] {
	case FnReadCoils, FnReadDiscrete, FnReadHolding, FnReadInput, FnWriteSingle:
		// UID-1 FN-1 ADDR-2 CNT/VAL-2 CRC-2
		return need(l, 8)
	case FnWriteMultiple:
		// UID-1 FN-1 ADDR-2 CNT-2 LEN-1 DATA-LEN CRC-2
		if l < 7 {
			return 9 - l
		}
		return need(l, int(buf[6])+9)
	}
	return -1
}

// ResponseNeed is RequestNeed for the response direction. The expected
// geometry depends on the function code of the request that elicited it.
func ResponseNeed(reqFn byte, buf []byte) int {
	l := len(buf)
	if l < 2 {
		return 5 - l
	}
	if buf[1]&0x80 != 0 {
		// UID-1 FN-1 EXC-1 CRC-2
		return need(l, 5)
	}
	switch reqFn {
	case FnReadCoils, FnReadDiscrete, FnReadHolding, FnReadInput:
		// UID-1 FN-1 LEN-1 DATA-LEN CRC-2
		if l < 3 {
			return 3 - l
		}
		return need(l, int(buf[2])+5)
	case FnWriteSingle, FnWriteMultiple:
		// UID-1 FN-1 ADDR-2 VAL/CNT-2 CRC-2
		return need(l, 8)
	}
	return -1
}

func need(have, want int) int {
	if have >= want {
		return 0
	}
	return want - have
}

// Info carries the best-effort decode of a frame for event reporting.
// Addr, Count and Value are nil when the function code is not understood.
type Info struct {
	UID   uint8
	Func  uint8
	Addr  *uint16
	Count *uint16
	Value *uint16
}

// Decode extracts sniff-stream fields from an RTU frame (CRC included).
// Unknown function codes leave the optional fields absent; frames shorter
// than a minimal RTU frame decode to a zero Info.
func Decode(frame []byte) Info {
	if len(frame) < 4 {
		return Info{}
	}
	info := Info{UID: frame[0], Func: frame[1]}
	body := frame[2 : len(frame)-2]
	u16 := func(b []byte) *uint16 {
		v := binary.BigEndian.Uint16(b)
		return &v
	}
	switch info.Func {
	case FnReadCoils, FnReadDiscrete, FnReadHolding, FnReadInput:
		if len(body) >= 4 {
			info.Addr = u16(body[0:2])
			info.Count = u16(body[2:4])
		}
	case FnWriteSingle:
		if len(body) >= 4 {
			info.Addr = u16(body[0:2])
			info.Value = u16(body[2:4])
		}
	case FnWriteMultiple:
		if len(body) >= 4 {
			info.Addr = u16(body[0:2])
			info.Count = u16(body[2:4])
		}
	}
	return info
}

// A dataset-backed stand-in for the inverter. It implements the same port
// surface as the serial adapter, so the whole broker (TCP sessions, Shine,
// transactor, sniffing) runs unmodified against canned register data. Used
// for development without hardware and for end-to-end tests.

package sim

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/l4m4re/growatt-rtu-broker/internal/mbus"
)

// Dataset holds register tables. Missing addresses read as zero.
type Dataset struct {
	Holding map[uint16]uint16
	Input   map[uint16]uint16
}

// LoadDataset reads the JSON shape the capture tooling emits:
// {"holding": {"30": 100}, "input": {"0": 401}, "_source": "..."}
func LoadDataset(path string) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Holding map[string]uint16 `json:"holding"`
		Input   map[string]uint16 `json:"input"`
		Source  string            `json:"_source"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	ds := &Dataset{Holding: map[uint16]uint16{}, Input: map[uint16]uint16{}}
	for k, v := range doc.Holding {
		addr, err := strconv.ParseUint(k, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: holding address %q", path, k)
		}
		ds.Holding[uint16(addr)] = v
	}
	for k, v := range doc.Input {
		addr, err := strconv.ParseUint(k, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: input address %q", path, k)
		}
		ds.Input[uint16(addr)] = v
	}
	return ds, nil
}

// Inverter answers like a single slow device on a private bus: the reply to
// the last written request is what the next read returns.
type Inverter struct {
	mu      sync.Mutex
	ds      *Dataset
	pending []byte
}

func NewInverter(ds *Dataset) *Inverter {
	if ds == nil {
		ds = &Dataset{Holding: map[uint16]uint16{}, Input: map[uint16]uint16{}}
	}
	if ds.Holding == nil {
		ds.Holding = map[uint16]uint16{}
	}
	if ds.Input == nil {
		ds.Input = map[uint16]uint16{}
	}
	return &Inverter{ds: ds}
}

func (inv *Inverter) Drain() {
	inv.mu.Lock()
	inv.pending = nil
	inv.mu.Unlock()
}

func (inv *Inverter) WriteAll(frame []byte) error {
	inv.mu.Lock()
	inv.pending = append([]byte(nil), frame...)
	inv.mu.Unlock()
	return nil
}

func (inv *Inverter) ReadFrame(first time.Duration, need func([]byte) int) ([]byte, error) {
	inv.mu.Lock()
	req := inv.pending
	inv.pending = nil
	inv.mu.Unlock()
	if req == nil {
		return nil, nil
	}
	return inv.Respond(req), nil
}

func (inv *Inverter) Closed() bool { return false }

// Respond computes the RTU reply to one request frame. A frame a real
// device would ignore (bad CRC, too short) gets no reply at all.
func (inv *Inverter) Respond(req []byte) []byte {
	if !mbus.VerifyCRC(req) {
		return nil
	}
	uid, fn := req[0], req[1]
	body := req[2 : len(req)-2]

	inv.mu.Lock()
	defer inv.mu.Unlock()
	switch fn {
	case mbus.FnReadHolding, mbus.FnReadInput:
		if len(body) < 4 {
			return exception(uid, fn, 0x03)
		}
		addr := binary.BigEndian.Uint16(body[0:2])
		count := binary.BigEndian.Uint16(body[2:4])
		if count < 1 || count > 125 {
			return exception(uid, fn, 0x03)
		}
		table := inv.ds.Holding
		if fn == mbus.FnReadInput {
			table = inv.ds.Input
		}
		out := []byte{uid, fn, byte(count * 2)}
		for a := addr; a < addr+count; a++ {
			out = binary.BigEndian.AppendUint16(out, table[a])
		}
		return mbus.AppendCRC(out)

	case mbus.FnWriteSingle:
		if len(body) < 4 {
			return exception(uid, fn, 0x03)
		}
		addr := binary.BigEndian.Uint16(body[0:2])
		inv.ds.Holding[addr] = binary.BigEndian.Uint16(body[2:4])
		// fc6 echoes the request
		return append([]byte(nil), req...)

	case mbus.FnWriteMultiple:
		if len(body) < 5 {
			return exception(uid, fn, 0x03)
		}
		addr := binary.BigEndian.Uint16(body[0:2])
		count := binary.BigEndian.Uint16(body[2:4])
		data := body[5:]
		if int(body[4]) != len(data) || int(count)*2 != len(data) {
			return exception(uid, fn, 0x03)
		}
		for i := uint16(0); i < count; i++ {
			inv.ds.Holding[addr+i] = binary.BigEndian.Uint16(data[i*2:])
		}
		out := []byte{uid, fn}
		out = binary.BigEndian.AppendUint16(out, addr)
		out = binary.BigEndian.AppendUint16(out, count)
		return mbus.AppendCRC(out)
	}
	return exception(uid, fn, 0x01)
}

func exception(uid, fn, code byte) []byte {
	return mbus.AppendCRC([]byte{uid, fn | 0x80, code})
}

package sim

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/l4m4re/growatt-rtu-broker/internal/mbus"
)

func TestLoadDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ds.json")
	doc := `{"holding": {"0": 100, "30": 7}, "input": {"0": 401}, "_source": "bench capture"}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	ds, err := LoadDataset(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ds.Holding[0] != 100 || ds.Holding[30] != 7 || ds.Input[0] != 401 {
		t.Fatalf("dataset: %+v", ds)
	}

	if err := os.WriteFile(path, []byte(`{"holding": {"x": 1}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDataset(path); err == nil {
		t.Fatalf("bad address key must fail")
	}
}

func TestReadHolding(t *testing.T) {
	inv := NewInverter(&Dataset{Holding: map[uint16]uint16{0: 100}})
	req := mbus.AppendCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02})
	resp := inv.Respond(req)
	want := []byte{0x01, 0x03, 0x04, 0x00, 0x64, 0x00, 0x00}
	if !mbus.VerifyCRC(resp) {
		t.Fatalf("response CRC invalid: %X", resp)
	}
	if !bytes.Equal(resp[:len(resp)-2], want) {
		t.Fatalf("response: %X, want %X…", resp, want)
	}
}

func TestWriteReadBack(t *testing.T) {
	inv := NewInverter(nil)
	wr := mbus.AppendCRC([]byte{0x01, 0x06, 0x00, 0x2D, 0x04, 0xD2})
	echo := inv.Respond(wr)
	if !bytes.Equal(echo, wr) {
		t.Fatalf("fc6 must echo the request: %X", echo)
	}
	rd := mbus.AppendCRC([]byte{0x01, 0x03, 0x00, 0x2D, 0x00, 0x01})
	resp := inv.Respond(rd)
	if resp[2] != 2 || resp[3] != 0x04 || resp[4] != 0xD2 {
		t.Fatalf("read back: %X", resp)
	}
}

func TestWriteMultiple(t *testing.T) {
	inv := NewInverter(nil)
	req := mbus.AppendCRC([]byte{0x01, 0x10, 0x00, 0x10, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x00, 0x0B})
	resp := inv.Respond(req)
	want := []byte{0x01, 0x10, 0x00, 0x10, 0x00, 0x02}
	if !bytes.Equal(resp[:len(resp)-2], want) {
		t.Fatalf("fc16 reply: %X", resp)
	}
	if inv.ds.Holding[0x10] != 0x0A || inv.ds.Holding[0x11] != 0x0B {
		t.Fatalf("registers not written: %+v", inv.ds.Holding)
	}
}

func TestUnknownFunction(t *testing.T) {
	inv := NewInverter(nil)
	req := mbus.AppendCRC([]byte{0x01, 0x2B, 0x0E, 0x01})
	resp := inv.Respond(req)
	if resp[1] != 0xAB || resp[2] != 0x01 {
		t.Fatalf("want illegal-function exception, got %X", resp)
	}
}

func TestIgnoresGarbage(t *testing.T) {
	inv := NewInverter(nil)
	if resp := inv.Respond([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02, 0xFF, 0xFF}); resp != nil {
		t.Fatalf("bad CRC must be ignored, got %X", resp)
	}
}

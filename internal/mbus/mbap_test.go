package mbus

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestMBAPRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pdu := []byte{0x03, 0x00, 0x00, 0x00, 0x02}
	if err := WriteMBAP(&buf, 0x0001, 1, pdu); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("frame: %X, want %X", buf.Bytes(), want)
	}

	tid, uid, got, err := ReadMBAP(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if tid != 1 || uid != 1 {
		t.Errorf("tid/uid: %d/%d", tid, uid)
	}
	if !bytes.Equal(got, pdu) {
		t.Errorf("pdu: %X", got)
	}
}

func TestMBAPRejectsProtocolID(t *testing.T) {
	frame := []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
	_, _, _, err := ReadMBAP(bytes.NewReader(frame))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("want ErrProtocol, got %v", err)
	}
}

func TestMBAPRejectsLength(t *testing.T) {
	for _, length := range []uint16{0, 1, 254, 1024} {
		frame := []byte{0x00, 0x01, 0x00, 0x00, byte(length >> 8), byte(length), 0x01}
		_, _, _, err := ReadMBAP(bytes.NewReader(frame))
		if !errors.Is(err, ErrProtocol) {
			t.Errorf("length %d: want ErrProtocol, got %v", length, err)
		}
	}
}

func TestMBAPShortReads(t *testing.T) {
	// clean close before the header is plain EOF
	_, _, _, err := ReadMBAP(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("empty stream: want io.EOF, got %v", err)
	}
	// torn header
	_, _, _, err = ReadMBAP(bytes.NewReader([]byte{0x00, 0x01, 0x00}))
	if !errors.Is(err, ErrShort) {
		t.Fatalf("torn header: want ErrShort, got %v", err)
	}
	// header promises more PDU than the stream holds
	frame := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03}
	_, _, _, err = ReadMBAP(bytes.NewReader(frame))
	if !errors.Is(err, ErrShort) {
		t.Fatalf("torn body: want ErrShort, got %v", err)
	}
}

func TestRTUFromMBAP(t *testing.T) {
	rtu := RTUFromMBAP(1, []byte{0x03, 0x00, 0x00, 0x00, 0x02})
	want := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02, 0xC4, 0x0B}
	if !bytes.Equal(rtu, want) {
		t.Fatalf("rtu: %X, want %X", rtu, want)
	}
	uid, pdu := PDUFromRTU(rtu)
	if uid != 1 || !bytes.Equal(pdu, []byte{0x03, 0x00, 0x00, 0x00, 0x02}) {
		t.Errorf("round trip: uid %d pdu %X", uid, pdu)
	}
}

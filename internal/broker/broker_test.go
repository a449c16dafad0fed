package broker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/l4m4re/growatt-rtu-broker/internal/config"
)

func writeDataset(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ds.json")
	doc := `{"holding": {"0": 100, "1": 0}, "input": {"0": 401}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func startBroker(t *testing.T, minPeriod float64) *Broker {
	t.Helper()
	cfg := &config.Config{
		SimDataset:  writeDataset(t),
		TCPBind:     "127.0.0.1:0",
		TCPAltBind:  "127.0.0.1:0",
		SniffBind:   "127.0.0.1:0",
		LogPath:     "-",
		MinPeriod:   minPeriod,
		ReadTimeout: 0.5,
		Baud:        9600,
		Bytes:       "8E1",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	b, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

var mbapReadHolding = []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x02}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestEndToEndReadHolding(t *testing.T) {
	b := startBroker(t, 0)
	conn := dial(t, b.PrimaryAddr())

	if _, err := conn.Write(mbapReadHolding); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 13)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x07, 0x01, 0x03, 0x04, 0x00, 0x64, 0x00, 0x00}
	if !bytes.Equal(reply, want) {
		t.Fatalf("reply: %X, want %X", reply, want)
	}
}

func TestEndToEndSniffPair(t *testing.T) {
	b := startBroker(t, 0)
	obs := dial(t, b.SniffAddr())
	// give the sniffer a beat to register the observer
	time.Sleep(50 * time.Millisecond)

	conn := dial(t, b.PrimaryAddr())
	if _, err := conn.Write(mbapReadHolding); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 13)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatal(err)
	}

	reader := bufio.NewReader(obs)
	var pair []map[string]any
	for len(pair) < 2 {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Fatalf("observer read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("bad JSON line %q: %v", line, err)
		}
		if m["role"] == "REQ" || m["role"] == "RSP" {
			pair = append(pair, m)
		}
	}
	if pair[0]["role"] != "REQ" || pair[1]["role"] != "RSP" {
		t.Fatalf("order: %v then %v", pair[0]["role"], pair[1]["role"])
	}
	for i, m := range pair {
		if m["uid"] != float64(1) || m["func"] != float64(3) {
			t.Errorf("line %d uid/func: %v/%v", i, m["uid"], m["func"])
		}
		if m["addr"] != float64(0) || m["count"] != float64(2) {
			t.Errorf("line %d addr/count: %v/%v", i, m["addr"], m["count"])
		}
		if m["crc_ok"] != true {
			t.Errorf("line %d crc_ok: %v", i, m["crc_ok"])
		}
	}
	if pair[1]["hex"] != "01030400640000bbec" {
		t.Errorf("rsp hex: %v", pair[1]["hex"])
	}
}

func TestEndToEndPacingAcrossEndpoints(t *testing.T) {
	const minPeriod = 150 * time.Millisecond
	b := startBroker(t, minPeriod.Seconds())

	primary := dial(t, b.PrimaryAddr())
	alt := dial(t, b.listeners[1].Addr())

	var wg sync.WaitGroup
	done := make([]time.Time, 2)
	start := time.Now()
	for i, conn := range []net.Conn{primary, alt} {
		wg.Add(1)
		go func(i int, conn net.Conn) {
			defer wg.Done()
			conn.Write(mbapReadHolding)
			reply := make([]byte, 13)
			io.ReadFull(conn, reply)
			done[i] = time.Now()
		}(i, conn)
	}
	wg.Wait()

	last := done[0]
	if done[1].After(last) {
		last = done[1]
	}
	if gap := last.Sub(start); gap < minPeriod-10*time.Millisecond {
		t.Fatalf("second transaction finished after %v, want >= %v", gap, minPeriod)
	}
}

func TestEndToEndWireLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wire.jsonl")
	cfg := &config.Config{
		SimDataset:  writeDataset(t),
		TCPBind:     "127.0.0.1:0",
		LogPath:     path,
		MinPeriod:   0,
		ReadTimeout: 0.5,
		Baud:        9600,
		Bytes:       "8E1",
	}
	b, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b.Start()

	conn := dial(t, b.PrimaryAddr())
	conn.Write(mbapReadHolding)
	reply := make([]byte, 13)
	io.ReadFull(conn, reply)
	b.Stop()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	if len(lines) < 3 { // broker_up, REQ, RSP
		t.Fatalf("log lines: %d", len(lines))
	}
	for _, line := range lines {
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
	}
}

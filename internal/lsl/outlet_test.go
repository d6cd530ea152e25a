package lsl

import (
	"encoding/binary"
	"encoding/xml"
	"errors"
	"io"
	"math"
	"net"
	"testing"
	"time"

	"github.com/qualisys/qualisys-lsl-app/internal/qtm"
	"github.com/qualisys/qualisys-lsl-app/internal/schema"
)

func testSchema(t *testing.T) schema.Schema {
	t.Helper()
	s, err := schema.Resolve(qtm.ComponentConfig{
		Frequency: 100,
		Markers:   []string{"m0"},
		Euler:     qtm.EulerConvention{First: "Roll", Second: "Pitch", Third: "Yaw"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return s
}

func TestStreamInfoXML(t *testing.T) {
	info := NewStreamInfo(testSchema(t), "127.0.0.1:22223")
	doc, err := info.XML()
	if err != nil {
		t.Fatalf("xml: %v", err)
	}
	var back StreamInfo
	if err := xml.Unmarshal(doc, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Name != "Qualisys" || back.Type != "Mocap" || back.ChannelCount != 3 {
		t.Fatalf("info header: %+v", back)
	}
	if back.NominalRate != 100 || back.ChannelFormat != "float32" {
		t.Fatalf("info rate/format: %+v", back)
	}
	if len(back.Desc.Channels) != 3 || back.Desc.Channels[0].Label != "m0_X" {
		t.Fatalf("info channels: %+v", back.Desc.Channels)
	}
	if back.UID == "" {
		t.Fatalf("missing uid")
	}
}

func TestOutletDeliversToConsumer(t *testing.T) {
	info := NewStreamInfo(testSchema(t), "test")
	o, err := Open(info, Options{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = o.Close() }()

	conn, err := net.Dial("tcp", o.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// Info document first.
	doc := readRecord(t, conn)
	var got StreamInfo
	if err := xml.Unmarshal(doc, &got); err != nil {
		t.Fatalf("info doc: %v", err)
	}
	if got.UID != info.UID {
		t.Fatalf("uid mismatch: %q vs %q", got.UID, info.UID)
	}

	// Wait for the pump to see the consumer before pushing.
	waitFor(t, func() bool { return o.Stats().Consumers == 1 })
	if err := o.Push(schema.Sample{Values: []float32{1, 2, 3}, Timestamp: 42.5}); err != nil {
		t.Fatalf("push: %v", err)
	}

	rec := readRecord(t, conn)
	if len(rec) != 8+4*3 {
		t.Fatalf("record length: %d", len(rec))
	}
	ts := math.Float64frombits(binary.LittleEndian.Uint64(rec[0:8]))
	if ts != 42.5 {
		t.Fatalf("timestamp: %v", ts)
	}
	v0 := math.Float32frombits(binary.LittleEndian.Uint32(rec[8:12]))
	if v0 != 1 {
		t.Fatalf("value 0: %v", v0)
	}
}

func TestOutletDropOldest(t *testing.T) {
	// White-box: no pump running, so the queue fills and overflows
	// deterministically.
	o := &Outlet{
		queue:     make(chan schema.Sample, 2),
		consumers: make(map[*consumer]struct{}),
	}
	for i := 0; i < 10; i++ {
		if err := o.Push(schema.Sample{Values: []float32{float32(i)}}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	st := o.Stats()
	if st.Pushed != 10 {
		t.Fatalf("pushed: %d", st.Pushed)
	}
	if st.Dropped != 8 {
		t.Fatalf("dropped: %d, want 8", st.Dropped)
	}
	// The oldest samples went first: the queue holds the two newest.
	if s := <-o.queue; s.Values[0] != 8 {
		t.Fatalf("queue head: %v", s.Values[0])
	}
	if s := <-o.queue; s.Values[0] != 9 {
		t.Fatalf("queue tail: %v", s.Values[0])
	}
}

func TestOutletCloseIdempotent(t *testing.T) {
	o, err := Open(NewStreamInfo(testSchema(t), "test"), Options{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := o.Push(schema.Sample{Values: []float32{1}}); !errors.Is(err, ErrOutletClosed) {
		t.Fatalf("expected ErrOutletClosed, got %v", err)
	}
}

func readRecord(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		t.Fatalf("read header: %v", err)
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return buf
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

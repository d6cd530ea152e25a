package qtm

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

// newFakeQTM starts a listener that accepts one connection and speaks just
// enough of the RT protocol for the session under test.
func newFakeQTM(t *testing.T, serve func(conn net.Conn)) ConnectionTarget {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return ConnectionTarget{Host: "127.0.0.1", Port: port}
}

func serveHandshake(t *testing.T, conn net.Conn) bool {
	t.Helper()
	if err := writePacket(conn, packetCommand, []byte(welcomeMessage)); err != nil {
		return false
	}
	p, err := readPacket(conn)
	if err != nil || p.asString() != "Version "+ProtocolVersion {
		return false
	}
	return writePacket(conn, packetCommand, []byte("Version set to "+ProtocolVersion)) == nil
}

func TestConnectUnreachable(t *testing.T) {
	// A port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	target := ConnectionTarget{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	_ = ln.Close()

	_, err = Connect(context.Background(), target)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestConnectRejectsBadTarget(t *testing.T) {
	if _, err := Connect(context.Background(), ConnectionTarget{Host: "", Port: 22223}); err == nil {
		t.Fatalf("expected error for empty host")
	}
	if _, err := Connect(context.Background(), ConnectionTarget{Host: "h", Port: 0}); err == nil {
		t.Fatalf("expected error for port out of range")
	}
}

func TestConnectProtocolMismatch(t *testing.T) {
	target := newFakeQTM(t, func(conn net.Conn) {
		_ = writePacket(conn, packetCommand, []byte("SMTP ready"))
	})
	_, err := Connect(context.Background(), target)
	if !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("expected ErrProtocolMismatch, got %v", err)
	}
}

func TestSessionCommandsEventsAndFrames(t *testing.T) {
	target := newFakeQTM(t, func(conn net.Conn) {
		if !serveHandshake(t, conn) {
			return
		}
		for {
			p, err := readPacket(conn)
			if err != nil {
				return
			}
			cmd := p.asString()
			switch {
			case strings.HasPrefix(cmd, "GetParameters"):
				_ = writePacket(conn, packetXML, []byte(paramsXML))
			case cmd == "StreamFrames AllFrames 3D 6DEuler":
				_ = writePacket(conn, packetCommand, []byte("Ok"))
				_ = writePacket(conn, packetEvent, []byte{byte(EventCaptureStarted)})
				_ = writePacket(conn, packetData, buildDataPacket(Frame{
					Number:    7,
					Timestamp: 1000,
					Markers:   [][3]float32{{1, 2, 3}, {4, 5, 6}},
					Bodies:    [][6]float32{{1, 1, 1, 0, 0, 0}},
				}))
			case cmd == "StreamFrames Stop":
				_ = writePacket(conn, packetCommand, []byte("Ok"))
				_ = writePacket(conn, packetEvent, []byte{byte(EventCaptureStopped)})
			default:
				_ = writePacket(conn, packetError, []byte("Unknown command"))
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Connect(ctx, target)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = s.Close() }()

	cfg, err := s.Parameters(ctx)
	if err != nil {
		t.Fatalf("parameters: %v", err)
	}
	if cfg.MarkerCount() != 2 || cfg.BodyCount() != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	if err := s.StreamFrames(ctx); err != nil {
		t.Fatalf("stream frames: %v", err)
	}
	select {
	case e := <-s.Events():
		if e != EventCaptureStarted {
			t.Fatalf("expected capture started, got %v", e)
		}
	case <-ctx.Done():
		t.Fatalf("no start event")
	}
	select {
	case f := <-s.Frames():
		if f.Number != 7 || len(f.Markers) != 2 || len(f.Bodies) != 1 {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-ctx.Done():
		t.Fatalf("no frame")
	}

	if err := s.StopFrames(ctx); err != nil {
		t.Fatalf("stop frames: %v", err)
	}
	select {
	case e := <-s.Events():
		if e != EventCaptureStopped {
			t.Fatalf("expected capture stopped, got %v", e)
		}
	case <-ctx.Done():
		t.Fatalf("no stop event")
	}
}

func TestSessionConnectionLost(t *testing.T) {
	target := newFakeQTM(t, func(conn net.Conn) {
		if !serveHandshake(t, conn) {
			return
		}
		// Die without warning.
		_ = conn.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Connect(ctx, target)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = s.Close() }()

	select {
	case e, ok := <-s.Events():
		if !ok || e != EventConnectionClosed {
			t.Fatalf("expected connection closed event, got %v (open=%v)", e, ok)
		}
	case <-ctx.Done():
		t.Fatalf("no connection closed event")
	}
	if _, ok := <-s.Frames(); ok {
		t.Fatalf("frame channel should be closed")
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	target := newFakeQTM(t, func(conn net.Conn) {
		if !serveHandshake(t, conn) {
			return
		}
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	})
	s, err := Connect(context.Background(), target)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

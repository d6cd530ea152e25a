package qtm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/qualisys/qualisys-lsl-app/internal/logx"
)

const (
	// DefaultPort is the QTM RT "little-endian" server port.
	DefaultPort = 22223
	// ProtocolVersion is the RT protocol version this client negotiates.
	ProtocolVersion = "1.19"

	welcomeMessage   = "QTM RT Interface connected"
	handshakeTimeout = 5 * time.Second
)

var (
	// ErrUnreachable reports that the TCP connection could not be established.
	ErrUnreachable = errors.New("qtm: server unreachable")
	// ErrProtocolMismatch reports an unrecognized handshake response.
	ErrProtocolMismatch = errors.New("qtm: protocol mismatch")
)

// ProtocolError reports a malformed or unexpected response on an established
// session.
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("qtm: %s: %s", e.Op, e.Detail)
}

// ConnectionTarget identifies the QTM server to connect to. It is immutable
// once a connection attempt starts.
type ConnectionTarget struct {
	Host string
	Port int
}

// Validate checks the target before a connection attempt.
func (t ConnectionTarget) Validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return errors.New("qtm: empty host")
	}
	if t.Port < 1 || t.Port > 65535 {
		return fmt.Errorf("qtm: port %d out of range", t.Port)
	}
	return nil
}

func (t ConnectionTarget) addr() string {
	return net.JoinHostPort(t.Host, fmt.Sprint(t.Port))
}

// Session is an established connection to a QTM RT server. It owns the socket
// and a reader goroutine; control events and data frames are exposed as
// channels so a consumer can block on both without polling. A Session is not
// restartable: once closed, connect again.
type Session struct {
	conn   net.Conn
	target ConnectionTarget

	frames chan Frame
	events chan Event

	cmdMu   sync.Mutex // one command round-trip at a time
	replyMu sync.Mutex
	pending chan packet

	closeOnce sync.Once
	done      chan struct{}
}

// Connect dials the QTM server and performs the welcome/version handshake.
// It returns ErrUnreachable if the socket cannot be opened and
// ErrProtocolMismatch if the peer does not speak the expected protocol.
// No retry policy lives here.
func Connect(ctx context.Context, target ConnectionTarget) (*Session, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target.addr())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	s := &Session{
		conn:   conn,
		target: target,
		frames: make(chan Frame, 64),
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	if err := s.handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go s.readLoop()
	return s, nil
}

func (s *Session) handshake() error {
	deadline := time.Now().Add(handshakeTimeout)
	_ = s.conn.SetDeadline(deadline)
	defer func() { _ = s.conn.SetDeadline(time.Time{}) }()

	p, err := readPacket(s.conn)
	if err != nil {
		return fmt.Errorf("%w: reading welcome: %v", ErrProtocolMismatch, err)
	}
	if p.Type != packetCommand || p.asString() != welcomeMessage {
		return fmt.Errorf("%w: unexpected welcome %q", ErrProtocolMismatch, p.asString())
	}
	if err := writePacket(s.conn, packetCommand, []byte("Version "+ProtocolVersion)); err != nil {
		return fmt.Errorf("%w: sending version: %v", ErrProtocolMismatch, err)
	}
	p, err = readPacket(s.conn)
	if err != nil {
		return fmt.Errorf("%w: reading version reply: %v", ErrProtocolMismatch, err)
	}
	want := "Version set to " + ProtocolVersion
	if p.Type != packetCommand || p.asString() != want {
		return fmt.Errorf("%w: version reply %q", ErrProtocolMismatch, p.asString())
	}
	return nil
}

// Target returns the target this session was connected to.
func (s *Session) Target() ConnectionTarget { return s.target }

// Events returns the asynchronous control event channel. It is closed when
// the session dies; EventConnectionClosed is delivered first.
func (s *Session) Events() <-chan Event { return s.events }

// Frames returns the data frame channel. It is closed together with Events.
func (s *Session) Frames() <-chan Frame { return s.frames }

// Parameters queries the enabled General, 3D and 6D components and returns
// the parsed snapshot.
func (s *Session) Parameters(ctx context.Context) (ComponentConfig, error) {
	p, err := s.roundTrip(ctx, "GetParameters General 3D 6D")
	if err != nil {
		return ComponentConfig{}, err
	}
	if p.Type != packetXML {
		return ComponentConfig{}, &ProtocolError{Op: "parameters", Detail: fmt.Sprintf("unexpected reply %q", p.asString())}
	}
	return ParseParameters(p.Payload)
}

// StreamFrames asks QTM to start pushing 3D and 6D Euler data frames.
func (s *Session) StreamFrames(ctx context.Context) error {
	return s.expectOk(ctx, "StreamFrames AllFrames 3D 6DEuler")
}

// StopFrames asks QTM to stop the data feed. The session stays usable.
func (s *Session) StopFrames(ctx context.Context) error {
	return s.expectOk(ctx, "StreamFrames Stop")
}

func (s *Session) expectOk(ctx context.Context, cmd string) error {
	p, err := s.roundTrip(ctx, cmd)
	if err != nil {
		return err
	}
	if p.Type != packetCommand || p.asString() != "Ok" {
		return &ProtocolError{Op: cmd, Detail: p.asString()}
	}
	return nil
}

func (s *Session) roundTrip(ctx context.Context, cmd string) (packet, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	reply := make(chan packet, 1)
	s.replyMu.Lock()
	s.pending = reply
	s.replyMu.Unlock()
	defer func() {
		s.replyMu.Lock()
		s.pending = nil
		s.replyMu.Unlock()
	}()

	if err := writePacket(s.conn, packetCommand, []byte(cmd)); err != nil {
		return packet{}, &ProtocolError{Op: cmd, Detail: err.Error()}
	}
	select {
	case <-ctx.Done():
		return packet{}, ctx.Err()
	case <-s.done:
		return packet{}, &ProtocolError{Op: cmd, Detail: "session closed"}
	case p := <-reply:
		if p.Type == packetError {
			return packet{}, &ProtocolError{Op: cmd, Detail: p.asString()}
		}
		return p, nil
	}
}

func (s *Session) readLoop() {
	defer func() {
		// Wake a blocked consumer before the channels close so the loss is
		// observed as an event, not just an EOF.
		select {
		case s.events <- EventConnectionClosed:
		default:
		}
		close(s.events)
		close(s.frames)
	}()
	for {
		p, err := readPacket(s.conn)
		if err != nil {
			select {
			case <-s.done:
			default:
				logx.Log.Debug().Err(err).Msg("qtm read loop terminated")
			}
			return
		}
		switch p.Type {
		case packetCommand, packetXML, packetError:
			s.deliverReply(p)
		case packetData:
			f, err := parseDataPacket(p.Payload)
			if err != nil {
				logx.Log.Warn().Err(err).Msg("discarding malformed data packet")
				continue
			}
			s.deliverFrame(f)
		case packetEvent:
			if len(p.Payload) >= 1 {
				s.deliverEvent(Event(p.Payload[0]))
			}
		case packetNoData, packetC3D:
			// Not subscribed; ignore.
		}
	}
}

func (s *Session) deliverReply(p packet) {
	s.replyMu.Lock()
	ch := s.pending
	s.pending = nil
	s.replyMu.Unlock()
	if ch != nil {
		ch <- p
		return
	}
	logx.Log.Debug().Str("reply", p.asString()).Msg("unsolicited reply from QTM")
}

// deliverFrame never blocks the read loop: if the consumer lags behind, the
// oldest buffered frame is discarded. This keeps command replies flowing even
// while the consumer is busy.
func (s *Session) deliverFrame(f Frame) {
	for {
		select {
		case s.frames <- f:
			return
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}

func (s *Session) deliverEvent(e Event) {
	select {
	case s.events <- e:
	default:
		logx.Log.Warn().Str("event", e.String()).Msg("event buffer full, dropping")
	}
}

// Close tears the session down. Safe to call multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

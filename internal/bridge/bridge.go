// Package bridge owns the connection lifecycle between the QTM source and
// the downstream outlet. It is the only component the front end talks to:
// start/stop requests come in through the control API, frame and control
// events come in from the session's reader goroutine, and both paths meet
// only in the transition function guarded by a single mutex.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/qualisys/qualisys-lsl-app/internal/logx"
	"github.com/qualisys/qualisys-lsl-app/internal/lsl"
	"github.com/qualisys/qualisys-lsl-app/internal/metrics"
	"github.com/qualisys/qualisys-lsl-app/internal/qtm"
	"github.com/qualisys/qualisys-lsl-app/internal/schema"
)

// State is the single authoritative bridge state.
type State string

const (
	StateDisconnected     State = "disconnected"
	StateConnectedWaiting State = "connected_waiting"
	StateStreaming        State = "streaming"
)

var stateNames = []string{
	string(StateDisconnected),
	string(StateConnectedWaiting),
	string(StateStreaming),
}

// Error kinds carried in notifications.
const (
	ErrKindConnect        = "connect_failed"
	ErrKindProtocol       = "protocol"
	ErrKindConnectionLost = "connection_lost"
	ErrKindSchema         = "schema"
	ErrKindSink           = "sink"
)

// ErrBusy reports a Start while the bridge is not Disconnected.
var ErrBusy = errors.New("bridge: already connected; stop first")

// Notification is one ordered state-change report delivered to subscribers.
type Notification struct {
	State   State     `json:"state"`
	ErrKind string    `json:"error,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Time    time.Time `json:"time"`
}

// Source is the upstream session as the bridge sees it.
type Source interface {
	Parameters(ctx context.Context) (qtm.ComponentConfig, error)
	StreamFrames(ctx context.Context) error
	StopFrames(ctx context.Context) error
	Events() <-chan qtm.Event
	Frames() <-chan qtm.Frame
	Close() error
}

// Outlet is the downstream stream instance as the bridge sees it.
type Outlet interface {
	Push(sample schema.Sample) error
	Addr() string
	Close() error
}

// Dialer connects to the upstream source.
type Dialer func(ctx context.Context, target qtm.ConnectionTarget) (Source, error)

// OutletOpener creates an outlet for a resolved schema.
type OutletOpener func(s schema.Schema, sourceID string) (Outlet, error)

// Options configures a Bridge. Zero-value Dial and OpenOutlet use the real
// qtm and lsl implementations.
type Options struct {
	Dial       Dialer
	OpenOutlet OutletOpener
	Store      StateStore
	// OutletAddr and OutletBuffer configure the default outlet opener.
	OutletAddr   string
	OutletBuffer int
	// NotifyBuffer is the per-subscriber notification buffer; 32 if zero.
	NotifyBuffer int
}

// Status is the snapshot served to the front end.
type Status struct {
	State      State  `json:"state"`
	Target     string `json:"target,omitempty"`
	Channels   int    `json:"channels"`
	OutletAddr string `json:"outlet_addr,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// Bridge is the state machine. All mutable state is guarded by mu; handles
// are replaced on transitions, never mutated in place.
type Bridge struct {
	dial       Dialer
	openOutlet OutletOpener
	notifyBuf  int

	startMu sync.Mutex // serializes Start/Stop against each other

	mu            sync.Mutex
	state         State
	target        qtm.ConnectionTarget
	session       Source
	sessionCancel context.CancelFunc
	outlet        Outlet
	sch           schema.Schema
	clock         *schema.Clock
	lastFrame     uint32
	haveFrame     bool
	lastError     string
	subs          map[chan Notification]struct{}

	saver chan Snapshot
	wg    sync.WaitGroup
}

// New constructs a Bridge in the Disconnected state.
func New(opts Options) *Bridge {
	b := &Bridge{
		dial:       opts.Dial,
		openOutlet: opts.OpenOutlet,
		notifyBuf:  opts.NotifyBuffer,
		state:      StateDisconnected,
		subs:       make(map[chan Notification]struct{}),
		saver:      make(chan Snapshot, 16),
	}
	if b.dial == nil {
		b.dial = func(ctx context.Context, target qtm.ConnectionTarget) (Source, error) {
			return qtm.Connect(ctx, target)
		}
	}
	if b.openOutlet == nil {
		b.openOutlet = func(s schema.Schema, sourceID string) (Outlet, error) {
			return lsl.Open(lsl.NewStreamInfo(s, sourceID), lsl.Options{Addr: opts.OutletAddr, Buffer: opts.OutletBuffer})
		}
	}
	if b.notifyBuf <= 0 {
		b.notifyBuf = 32
	}
	go runSaver(opts.Store, b.saver)
	metrics.SetBridgeState(string(StateDisconnected), stateNames)
	return b
}

// State returns the current bridge state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot for the control API.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{State: b.state, Channels: len(b.sch.Channels), LastError: b.lastError}
	if b.session != nil {
		st.Target = net.JoinHostPort(b.target.Host, fmt.Sprint(b.target.Port))
	}
	if b.outlet != nil {
		st.OutletAddr = b.outlet.Addr()
	}
	return st
}

// Subscribe registers a notification channel. The returned func cancels the
// subscription. Notifications are delivered in transition order; a subscriber
// that falls behind loses its oldest buffered notifications, never their
// order.
func (b *Bridge) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, b.notifyBuf)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Start connects to the QTM server and moves the bridge to ConnectedWaiting.
// On failure the bridge stays Disconnected and the error is both returned
// and reported through notifications. The bridge never reconnects on its
// own; every (re)connect is an explicit Start.
func (b *Bridge) Start(ctx context.Context, host string, port int) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	b.mu.Lock()
	if b.state != StateDisconnected {
		b.mu.Unlock()
		return ErrBusy
	}
	b.mu.Unlock()

	target := qtm.ConnectionTarget{Host: host, Port: port}
	if port == 0 {
		target.Port = qtm.DefaultPort
	}
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	src, err := b.dial(ctx, target)
	if err != nil {
		cancel()
		metrics.RecordConnectAttempt(false)
		b.mu.Lock()
		b.lastError = err.Error()
		b.emit(Notification{State: StateDisconnected, ErrKind: ErrKindConnect, Detail: err.Error(), Time: time.Now()})
		b.mu.Unlock()
		return err
	}
	metrics.RecordConnectAttempt(true)

	b.mu.Lock()
	b.target = target
	b.session = src
	b.sessionCancel = cancel
	b.lastError = ""
	b.haveFrame = false
	b.setState(StateConnectedWaiting, "", "")
	b.mu.Unlock()

	logx.Log.Info().Str("host", target.Host).Int("port", target.Port).Msg("connected to QTM, waiting for measurement")
	b.wg.Add(1)
	go b.run(sessionCtx, src)
	return nil
}

// Stop tears everything down and returns the bridge to Disconnected.
// Calling Stop while already Disconnected is a no-op.
func (b *Bridge) Stop() error {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	b.mu.Lock()
	if b.state == StateDisconnected && b.session == nil {
		b.mu.Unlock()
		return nil
	}
	src, out, cancel := b.clearSessionLocked()
	b.setState(StateDisconnected, "", "")
	b.mu.Unlock()

	b.shutdownSession(src, out, cancel, true)
	logx.Log.Info().Msg("bridge stopped")
	return nil
}

// run is the frame-receiving path: one goroutine per session consuming
// control events and data frames. It never blocks the control path; the
// session context is cancelled by Stop so a pending blocking read ends
// promptly.
func (b *Bridge) run(ctx context.Context, src Source) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src.Events():
			if !ok {
				b.connectionLost(src, "QTM event stream ended")
				return
			}
			logx.Log.Debug().Str("event", ev.String()).Msg("QTM event")
			switch {
			case ev == qtm.EventConnectionClosed:
				b.connectionLost(src, "disconnected from QTM")
				return
			case ev.StartsStreaming():
				b.beginStreaming(ctx, src)
			case ev.StopsStreaming():
				b.endStreaming(ctx, src)
			}
		case f, ok := <-src.Frames():
			if !ok {
				b.connectionLost(src, "QTM frame stream ended")
				return
			}
			b.handleFrame(ctx, src, f)
		}
	}
}

// beginStreaming resolves the schema, opens the outlet and starts the frame
// feed: ConnectedWaiting -> Streaming.
func (b *Bridge) beginStreaming(ctx context.Context, src Source) {
	b.mu.Lock()
	if b.session != src || b.state != StateConnectedWaiting {
		b.mu.Unlock()
		return
	}
	target := b.target
	b.mu.Unlock()

	cfg, err := src.Parameters(ctx)
	if err != nil {
		b.fail(src, ErrKindProtocol, err)
		return
	}
	sch, err := schema.Resolve(cfg)
	if err != nil {
		b.fail(src, ErrKindSchema, err)
		return
	}
	sourceID := net.JoinHostPort(target.Host, fmt.Sprint(target.Port))
	out, err := b.newOutlet(sch, sourceID)
	if err != nil {
		b.fail(src, ErrKindSink, err)
		return
	}
	if err := src.StreamFrames(ctx); err != nil {
		_ = out.Close()
		b.fail(src, ErrKindProtocol, err)
		return
	}

	b.mu.Lock()
	if b.session != src || b.state != StateConnectedWaiting {
		// Lost the session while setting up; drop the orphan outlet.
		b.mu.Unlock()
		_ = out.Close()
		return
	}
	b.outlet = out
	b.sch = sch
	b.clock = schema.NewClock()
	b.haveFrame = false
	b.setState(StateStreaming, "", "")
	b.mu.Unlock()
	logx.Log.Info().Int("channels", len(sch.Channels)).Float64("rate", sch.Rate).Msg("streaming")
}

// endStreaming closes the outlet: Streaming -> ConnectedWaiting. The session
// stays up, waiting for the next measurement.
func (b *Bridge) endStreaming(ctx context.Context, src Source) {
	b.mu.Lock()
	if b.session != src || b.state != StateStreaming {
		b.mu.Unlock()
		return
	}
	out := b.outlet
	b.outlet = nil
	b.sch = schema.Schema{}
	b.clock = nil
	b.setState(StateConnectedWaiting, "", "")
	b.mu.Unlock()

	if err := src.StopFrames(ctx); err != nil {
		logx.Log.Debug().Err(err).Msg("stop frames")
	}
	if out != nil {
		_ = out.Close()
	}
	logx.Log.Info().Msg("measurement stopped, outlet closed")
}

func (b *Bridge) handleFrame(ctx context.Context, src Source, f qtm.Frame) {
	metrics.RecordFrame()

	b.mu.Lock()
	if b.session != src || b.state != StateStreaming {
		b.mu.Unlock()
		return
	}
	rebuild := b.haveFrame && f.Number <= b.lastFrame
	var sample schema.Sample
	if !rebuild {
		var err error
		sample, err = schema.Decode(f, b.sch)
		if errors.Is(err, schema.ErrShapeMismatch) {
			rebuild = true
		} else if err != nil {
			b.mu.Unlock()
			metrics.RecordDecodeError("malformed")
			logx.Log.Warn().Err(err).Msg("dropping undecodable frame")
			return
		}
	}
	if rebuild {
		b.mu.Unlock()
		metrics.RecordDecodeError("shape_mismatch")
		b.rebuildSchema(ctx, src, f)
		return
	}
	sample.Timestamp = b.clock.Map(f.Timestamp)
	b.lastFrame = f.Number
	b.haveFrame = true
	out := b.outlet
	b.mu.Unlock()

	if err := out.Push(sample); err != nil {
		// A sink problem must not disrupt frame reception.
		metrics.RecordPushError()
		logx.Log.Warn().Err(err).Msg("outlet push failed")
	}
}

// rebuildSchema handles the one recoverable-in-place error: the upstream
// component shape changed (or a new measurement began) while the session is
// still valid. The schema is re-resolved and the outlet recreated; the
// triggering frame is decoded against the new schema so nothing is ever
// pushed against a stale one.
func (b *Bridge) rebuildSchema(ctx context.Context, src Source, f qtm.Frame) {
	metrics.RecordSchemaRebuild()
	logx.Log.Info().Uint32("frame", f.Number).Msg("component shape changed, re-resolving schema")

	cfg, err := src.Parameters(ctx)
	if err != nil {
		b.fail(src, ErrKindProtocol, err)
		return
	}
	sch, err := schema.Resolve(cfg)
	if err != nil {
		b.fail(src, ErrKindSchema, err)
		return
	}
	b.mu.Lock()
	if b.session != src || b.state != StateStreaming {
		b.mu.Unlock()
		return
	}
	target := b.target
	b.mu.Unlock()

	sourceID := net.JoinHostPort(target.Host, fmt.Sprint(target.Port))
	out, err := b.newOutlet(sch, sourceID)
	if err != nil {
		b.fail(src, ErrKindSink, err)
		return
	}

	b.mu.Lock()
	if b.session != src || b.state != StateStreaming {
		b.mu.Unlock()
		_ = out.Close()
		return
	}
	old := b.outlet
	b.outlet = out
	b.sch = sch
	b.clock = schema.NewClock()
	b.lastFrame = f.Number
	b.haveFrame = true
	clock := b.clock
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	sample, err := schema.Decode(f, sch)
	if err != nil {
		// Still off after a rebuild; drop the frame and wait for the next.
		metrics.RecordDecodeError("shape_mismatch")
		logx.Log.Warn().Err(err).Msg("frame still mismatched after schema rebuild")
		return
	}
	sample.Timestamp = clock.Map(f.Timestamp)
	if err := out.Push(sample); err != nil {
		metrics.RecordPushError()
		logx.Log.Warn().Err(err).Msg("outlet push failed")
	}
}

// connectionLost handles an I/O failure on an established session: close the
// outlet if open, drop the session, go Disconnected. No automatic reconnect.
func (b *Bridge) connectionLost(src Source, detail string) {
	b.mu.Lock()
	if b.session != src {
		b.mu.Unlock()
		return
	}
	s, out, cancel := b.clearSessionLocked()
	b.lastError = detail
	b.setState(StateDisconnected, ErrKindConnectionLost, detail)
	b.mu.Unlock()

	b.shutdownSession(s, out, cancel, false)
	logx.Log.Warn().Str("detail", detail).Msg("connection lost")
}

// fail is the non-recoverable error path out of an established session.
func (b *Bridge) fail(src Source, kind string, err error) {
	b.mu.Lock()
	if b.session != src {
		b.mu.Unlock()
		return
	}
	s, out, cancel := b.clearSessionLocked()
	b.lastError = err.Error()
	b.setState(StateDisconnected, kind, err.Error())
	b.mu.Unlock()

	b.shutdownSession(s, out, cancel, false)
	logx.Log.Error().Err(err).Str("kind", kind).Msg("bridge error")
}

// clearSessionLocked detaches and returns the session-scoped handles.
// Callers must hold b.mu.
func (b *Bridge) clearSessionLocked() (Source, Outlet, context.CancelFunc) {
	src, out, cancel := b.session, b.outlet, b.sessionCancel
	b.session = nil
	b.outlet = nil
	b.sessionCancel = nil
	b.sch = schema.Schema{}
	b.clock = nil
	b.haveFrame = false
	return src, out, cancel
}

func (b *Bridge) shutdownSession(src Source, out Outlet, cancel context.CancelFunc, polite bool) {
	if cancel != nil {
		cancel()
	}
	if out != nil {
		_ = out.Close()
	}
	if src != nil {
		if polite {
			ctx, c := context.WithTimeout(context.Background(), time.Second)
			_ = src.StopFrames(ctx)
			c()
		}
		_ = src.Close()
	}
}

// setState records the transition and emits one ordered notification.
// Callers must hold b.mu.
func (b *Bridge) setState(s State, errKind, detail string) {
	b.state = s
	metrics.SetBridgeState(string(s), stateNames)
	b.emit(Notification{State: s, ErrKind: errKind, Detail: detail, Time: time.Now()})
}

// emit delivers a notification to every subscriber and the state mirror.
// Callers must hold b.mu; delivery never blocks the transition.
func (b *Bridge) emit(n Notification) {
	for ch := range b.subs {
		for {
			select {
			case ch <- n:
			default:
				// Full: shed the subscriber's oldest notification and
				// retry; order is preserved either way.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
	snap := Snapshot{State: n.State, Detail: n.Detail, Channels: len(b.sch.Channels), UpdatedAt: n.Time}
	select {
	case b.saver <- snap:
	default:
	}
}

func (b *Bridge) newOutlet(sch schema.Schema, sourceID string) (Outlet, error) {
	return b.openOutlet(sch, sourceID)
}

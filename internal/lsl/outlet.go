package lsl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qualisys/qualisys-lsl-app/internal/logx"
	"github.com/qualisys/qualisys-lsl-app/internal/metrics"
	"github.com/qualisys/qualisys-lsl-app/internal/schema"
)

// DefaultBuffer is the default sample queue capacity: 180 samples, just
// under 2s at a 100 Hz capture rate.
const DefaultBuffer = 180

const (
	consumerSendBuffer = 32
	writeTimeout       = 5 * time.Second
)

// ErrOutletClosed reports a push to an outlet after Close.
var ErrOutletClosed = errors.New("lsl: outlet closed")

// SinkError reports an outlet creation or delivery failure on the sink side.
type SinkError struct {
	Op  string
	Err error
}

func (e *SinkError) Error() string { return fmt.Sprintf("lsl: %s: %v", e.Op, e.Err) }
func (e *SinkError) Unwrap() error { return e.Err }

// Options configures an outlet.
type Options struct {
	// Addr is the TCP listen address for consumers, e.g. ":16571".
	// Empty means an ephemeral port on all interfaces.
	Addr string
	// Buffer is the sample queue capacity; DefaultBuffer when zero.
	Buffer int
}

// Stats is a snapshot of outlet counters.
type Stats struct {
	Pushed    uint64
	Dropped   uint64
	Consumers int
}

// Outlet is one live downstream stream instance. Consumers attach over TCP
// and receive the info document followed by length-prefixed binary samples.
//
// Push never blocks on a slow sink: samples go through a bounded queue with
// drop-oldest overflow, and a consumer that cannot keep up with the pump is
// disconnected rather than allowed to stall it.
type Outlet struct {
	info StreamInfo
	doc  []byte
	ln   net.Listener

	queue chan schema.Sample

	mu     sync.RWMutex // guards closed against concurrent Push
	closed bool

	consMu    sync.Mutex
	consumers map[*consumer]struct{}

	pushed  atomic.Uint64
	dropped atomic.Uint64

	closeOnce sync.Once
	pumpDone  chan struct{}
}

type consumer struct {
	conn net.Conn
	send chan []byte
	once sync.Once
}

func (c *consumer) stop() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// Open declares the stream and starts accepting consumers.
func Open(info StreamInfo, opts Options) (*Outlet, error) {
	doc, err := info.XML()
	if err != nil {
		return nil, &SinkError{Op: "render info", Err: err}
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, &SinkError{Op: "listen", Err: err}
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	o := &Outlet{
		info:      info,
		doc:       doc,
		ln:        ln,
		queue:     make(chan schema.Sample, buffer),
		consumers: make(map[*consumer]struct{}),
		pumpDone:  make(chan struct{}),
	}
	go o.acceptLoop()
	go o.pump()
	logx.Log.Info().Str("addr", ln.Addr().String()).Str("uid", info.UID).
		Int("channels", info.ChannelCount).Float64("rate", info.NominalRate).
		Msg("outlet open")
	return o, nil
}

// Info returns the stream declaration.
func (o *Outlet) Info() StreamInfo { return o.info }

// Addr returns the address consumers connect to.
func (o *Outlet) Addr() string { return o.ln.Addr().String() }

// Stats returns current counters.
func (o *Outlet) Stats() Stats {
	o.consMu.Lock()
	n := len(o.consumers)
	o.consMu.Unlock()
	return Stats{Pushed: o.pushed.Load(), Dropped: o.dropped.Load(), Consumers: n}
}

// Push enqueues a sample. It never blocks: when the queue is full the oldest
// buffered sample is dropped and counted. Pushing to a closed outlet returns
// ErrOutletClosed.
func (o *Outlet) Push(sample schema.Sample) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrOutletClosed
	}
	for {
		select {
		case o.queue <- sample:
			o.pushed.Add(1)
			metrics.RecordPush()
			return nil
		default:
		}
		select {
		case <-o.queue:
			o.dropped.Add(1)
			metrics.RecordDrop(1)
		default:
		}
	}
}

// Close releases the listener, all consumer connections and the pump.
// Idempotent.
func (o *Outlet) Close() error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		close(o.queue)
		o.mu.Unlock()

		_ = o.ln.Close()
		<-o.pumpDone

		o.consMu.Lock()
		for c := range o.consumers {
			c.stop()
		}
		o.consumers = make(map[*consumer]struct{})
		o.consMu.Unlock()
		metrics.SetOutletConsumers(0)
		logx.Log.Info().Uint64("pushed", o.pushed.Load()).Uint64("dropped", o.dropped.Load()).
			Msg("outlet closed")
	})
	return nil
}

func (o *Outlet) acceptLoop() {
	for {
		conn, err := o.ln.Accept()
		if err != nil {
			return
		}
		o.mu.RLock()
		closed := o.closed
		o.mu.RUnlock()
		if closed {
			_ = conn.Close()
			return
		}
		c := &consumer{conn: conn, send: make(chan []byte, consumerSendBuffer)}
		o.consMu.Lock()
		o.consumers[c] = struct{}{}
		n := len(o.consumers)
		o.consMu.Unlock()
		metrics.SetOutletConsumers(n)
		logx.Log.Info().Str("remote", conn.RemoteAddr().String()).Msg("consumer attached")
		// The info document is always the first thing on the wire.
		c.send <- prefixed(o.doc)
		go o.writeLoop(c)
	}
}

func (o *Outlet) writeLoop(c *consumer) {
	defer o.removeConsumer(c)
	for b := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.conn.Write(b); err != nil {
			return
		}
	}
}

// removeConsumer unregisters c before closing it so the pump, which sends
// under consMu, can never write to a closed channel.
func (o *Outlet) removeConsumer(c *consumer) {
	o.consMu.Lock()
	_, ok := o.consumers[c]
	if ok {
		delete(o.consumers, c)
		metrics.SetOutletConsumers(len(o.consumers))
	}
	o.consMu.Unlock()
	c.stop()
	if ok {
		logx.Log.Info().Str("remote", c.conn.RemoteAddr().String()).Msg("consumer detached")
	}
}

func (o *Outlet) pump() {
	defer close(o.pumpDone)
	for sample := range o.queue {
		b := encodeSample(sample)
		o.consMu.Lock()
		var slow []*consumer
		for c := range o.consumers {
			select {
			case c.send <- b:
			default:
				// A consumer that cannot drain its buffer would stall
				// everyone; cut it loose.
				slow = append(slow, c)
			}
		}
		o.consMu.Unlock()
		for _, c := range slow {
			logx.Log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("dropping slow consumer")
			o.removeConsumer(c)
		}
	}
}

// encodeSample renders one sample record: a uint32 payload length, the
// float64 sink-domain timestamp, then the float32 channel values, all
// little-endian like the upstream protocol.
func encodeSample(s schema.Sample) []byte {
	payload := 8 + 4*len(s.Values)
	b := make([]byte, 4+payload)
	binary.LittleEndian.PutUint32(b[0:4], uint32(payload))
	binary.LittleEndian.PutUint64(b[4:12], math.Float64bits(s.Timestamp))
	for i, v := range s.Values {
		binary.LittleEndian.PutUint32(b[12+4*i:], math.Float32bits(v))
	}
	return b
}

func prefixed(doc []byte) []byte {
	b := make([]byte, 4+len(doc))
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(doc)))
	copy(b[4:], doc)
	return b
}

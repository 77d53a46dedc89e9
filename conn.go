// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package endpoint

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/endpoint/strand"
	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	Stopped  State = iota // not running; the initial state
	Starting              // Start is in progress
	Started               // running; calls may be issued
	Stopping              // Stop is in progress
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Started:
		return "STARTED"
	case Stopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("STATE:%d", int32(s))
	}
}

// DefaultTimeout is the call timeout used by a new Conn.
const DefaultTimeout = 5 * time.Second

// A MessageLogger logs a message exchanged with the remote endpoint.
type MessageLogger func(MessageInfo)

// A MessageInfo combines a message and a flag indicating whether the message
// was sent or received.
type MessageInfo struct {
	Data []byte // the message being logged
	Sent bool   // whether the message was sent (true) or received (false)
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

func (m MessageInfo) String() string {
	if len(m.Data) > 16 {
		return fmt.Sprintf("%v [%d bytes] %q ...", m.dir(), len(m.Data), m.Data[:16])
	}
	return fmt.Sprintf("%v [%d bytes] %q", m.dir(), len(m.Data), m.Data)
}

// A Conn is one endpoint of a connection: a client, or a session accepted by
// a server. A Conn serializes all its outbound operations, and correlates the
// replies it receives with the calls that requested them.
//
// Call Start with a channel to start the connection. Once started, a
// connection runs until Stop is called, the channel fails, or the remote
// endpoint closes it. A stopped connection may be started again with a new
// channel.
//
// Every Conn has its own execution context, a strand on which all its state
// changes, hooks and response callbacks run, one at a time. The methods of a
// Conn are safe for concurrent use by multiple goroutines.
type Conn struct {
	codec Codec
	keyer Keyer // non-nil if codec correlates by content

	state   atomic.Int32
	life    atomic.Uint64 // generation, incremented by each stop
	timeout atomic.Int64  // default call timeout
	metrics atomic.Pointer[connMetrics]

	strand *strand.Strand
	queue  *strand.Queue
	wake   *strand.Event

	out struct {
		// Must hold the lock to access these fields.
		sync.Mutex
		open bool
		ops  *queue.Queue[*op]
	}

	μ sync.Mutex

	sess    *session               // the current or most recent session
	onInit  func(context.Context)  // called when a session begins
	onStart func(context.Context, error)
	onStop  func(context.Context, error)
	onRecv  RecvFunc
	mlog    MessageLogger
	base    func() context.Context // return a new base context

	// These fields are only accessed on the strand.
	ctx   context.Context
	calls map[ID]*pending
	ids   idGen
}

// A session records the resources of one start/stop cycle of a Conn.
type session struct {
	life  uint64
	ch    Channel
	tasks *taskgroup.Group // reader and writer goroutines
	done  chan struct{}    // closed when the session has stopped
	err   error            // the error that ended the session; guarded by μ
}

// NewConn constructs a new stopped connection that uses codec to encode calls
// and correlate replies.
func NewConn(codec Codec) *Conn {
	if codec == nil {
		panic("endpoint: nil codec")
	}
	s := strand.New()
	c := &Conn{
		codec:  codec,
		strand: s,
		queue:  strand.NewQueue(s),
		wake:   strand.NewEvent(s),
		base:   context.Background,
		calls:  make(map[ID]*pending),
	}
	c.keyer, _ = codec.(Keyer)
	c.timeout.Store(int64(DefaultTimeout))
	c.metrics.Store(rootMetrics)
	c.out.ops = queue.New[*op]()
	c.ctx = c.newContext()
	s.OnPanic(func(any) { c.stats().callbackPanic.Add(1) })
	return c
}

// Metrics returns a metrics map for the connection. By default, metrics are
// shared among all connections; use Detach to give c its own metrics.
func (c *Conn) Metrics() *expvar.Map { return c.stats().emap }

// Detach gives c its own metrics map, separate from the metrics shared by
// other connections. Detach returns c to permit chaining.
func (c *Conn) Detach() *Conn { c.metrics.Store(newConnMetrics()); return c }

func (c *Conn) stats() *connMetrics { return c.metrics.Load() }

// State reports the current lifecycle state of c.
func (c *Conn) State() State { return State(c.state.Load()) }

// IsStarted reports whether c is started.
func (c *Conn) IsStarted() bool { return c.State() == Started }

// IsStopped reports whether c is stopped.
func (c *Conn) IsStopped() bool { return c.State() == Stopped }

// SetDefaultTimeout sets the timeout for calls that do not specify their own.
// If d <= 0, DefaultTimeout is used. SetDefaultTimeout returns c to permit
// chaining.
func (c *Conn) SetDefaultTimeout(d time.Duration) *Conn {
	if d <= 0 {
		d = DefaultTimeout
	}
	c.timeout.Store(int64(d))
	return c
}

// DefaultTimeout reports the timeout for calls that do not specify their own.
func (c *Conn) DefaultTimeout() time.Duration { return time.Duration(c.timeout.Load()) }

// OnInit registers a callback invoked on the strand each time c begins
// starting, before the channel is read. If f == nil the callback is removed.
func (c *Conn) OnInit(f func(context.Context)) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onInit = f
	return c
}

// OnStart registers a callback invoked on the strand once per start, after
// the start completes or fails. If the start failed, err reports why.
func (c *Conn) OnStart(f func(context.Context, error)) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onStart = f
	return c
}

// OnStop registers a callback invoked on the strand once per stop, after
// every pending call has been resolved. The error is the cause of the stop,
// or nil if the connection was stopped by Stop or closed cleanly.
func (c *Conn) OnStop(f func(context.Context, error)) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onStop = f
	return c
}

// OnRecv registers a handler for inbound messages that are not replies to a
// call made by c. Without a handler, such messages are discarded.
func (c *Conn) OnRecv(f RecvFunc) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onRecv = f
	return c
}

// LogMessages registers a callback that will be invoked on the strand for
// each message exchanged with the remote endpoint, including messages to be
// discarded. Passing nil disables message logging.
func (c *Conn) LogMessages(log MessageLogger) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.mlog = log
	return c
}

// NewContext registers a function that will be called to create the base
// context for hooks and callbacks when a session starts. If it is not set a
// background context is used.
func (c *Conn) NewContext(base func() context.Context) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	if base == nil {
		c.base = context.Background
	} else {
		c.base = base
	}
	return c
}

type connContextKey struct{}

type strandContextKey struct{}

// ContextConn returns the Conn associated with ctx, or nil if there is none.
// The contexts passed to hooks and callbacks have this value.
func ContextConn(ctx context.Context) *Conn {
	if v := ctx.Value(connContextKey{}); v != nil {
		return v.(*Conn)
	}
	return nil
}

// OffStrand returns a copy of ctx for use outside the execution context of
// its connection, for example by a goroutine started from a callback. A
// blocking call made with the context passed to a callback is refused with
// ErrNotSupported; a blocking call made with OffStrand(ctx) is not.
// ContextConn reports the same connection for both.
func OffStrand(ctx context.Context) context.Context {
	return context.WithValue(ctx, strandContextKey{}, (*Conn)(nil))
}

func (c *Conn) newContext() context.Context {
	c.μ.Lock()
	base := c.base
	c.μ.Unlock()
	ctx := context.WithValue(base(), connContextKey{}, c)
	return context.WithValue(ctx, strandContextKey{}, c)
}

// onStrand reports whether ctx belongs to the execution context of c.
func (c *Conn) onStrand(ctx context.Context) bool {
	v, _ := ctx.Value(strandContextKey{}).(*Conn)
	return v == c
}

// Post arranges for f to be called on the execution context of c.
func (c *Conn) Post(f func(context.Context)) {
	c.strand.Post(func() { c.invoke(func() { f(c.ctx) }) })
}

// Start starts c running on the given channel. It blocks until c has started
// or ctx ends. If c is not stopped, Start reports ErrAlreadyStarted.
//
// When called from the execution context of c (for example, from an OnStop
// hook), Start does not wait for the start to complete. As for Stop, the
// caller must pass the context given to the hook for this to be recognized.
func (c *Conn) Start(ctx context.Context, ch Channel) error {
	if ch == nil {
		panic("endpoint: start with nil channel")
	}
	c.μ.Lock()
	if !c.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		c.μ.Unlock()
		return ErrAlreadyStarted
	}
	s := &session{
		life:  c.life.Load(),
		ch:    ch,
		tasks: taskgroup.New(nil),
		done:  make(chan struct{}),
	}
	c.sess = s
	c.μ.Unlock()

	ready := make(chan error, 1)
	c.queue.Push(func(g *strand.Guard) {
		defer g.Release()
		ready <- c.begin(s)
	})
	if c.onStrand(ctx) {
		return nil
	}
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin runs on the strand as the first task of session s.
func (c *Conn) begin(s *session) error {
	c.ctx = c.newContext()

	c.μ.Lock()
	init := c.onInit
	c.μ.Unlock()
	if init != nil {
		c.invoke(func() { init(c.ctx) })
	}

	c.out.Lock()
	c.out.open = true
	c.out.Unlock()
	c.wake.Wait(c.drainer(s.life))

	s.tasks.Go(func() error {
		for {
			msg, err := s.ch.Recv()
			if err != nil {
				c.stop(s, err)
				return nil
			}
			c.strand.Post(func() { c.dispatch(s.life, msg) })
		}
	})

	var err error
	if !c.state.CompareAndSwap(int32(Starting), int32(Started)) {
		err = fmt.Errorf("start interrupted: %w", ErrAborted)
	}
	c.μ.Lock()
	start := c.onStart
	c.μ.Unlock()
	if start != nil {
		c.invoke(func() { start(c.ctx, err) })
	}
	return err
}

// Stop stops c and blocks until it has fully stopped or ctx ends. Every call
// still pending is resolved with ErrAborted before c reaches the stopped
// state. Stop is safe to call more than once, and from any goroutine.
//
// When called from the execution context of c, Stop initiates the stop and
// returns without waiting. The execution context is recognized only by the
// context passed to hooks and callbacks: code running there must pass that
// context (not, say, context.Background()) to Stop, or Stop will wait forever
// for a stop that cannot proceed until it returns.
//
// Stop reports the error that ended the session, if it ended for some reason
// other than Stop or a clean close of the channel.
func (c *Conn) Stop(ctx context.Context) error {
	s := c.stop(nil, nil)
	if s == nil || c.onStrand(ctx) {
		return nil
	}
	return c.waitSession(ctx, s)
}

// Wait blocks until the current session of c stops or ctx ends, and reports
// the error that ended it as Stop does. If c has never been started, Wait
// returns nil immediately.
func (c *Conn) Wait(ctx context.Context) error {
	c.μ.Lock()
	s := c.sess
	c.μ.Unlock()
	if s == nil {
		return nil
	}
	return c.waitSession(ctx, s)
}

// Err reports the error that ended the most recent session of c, or nil if
// c is running, was stopped by Stop, or its channel closed cleanly.
func (c *Conn) Err() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.sess == nil || treatErrorAsSuccess(c.sess.err) {
		return nil
	}
	return c.sess.err
}

func (c *Conn) waitSession(ctx context.Context, s *session) error {
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.tasks.Wait()

	c.μ.Lock()
	defer c.μ.Unlock()
	if treatErrorAsSuccess(s.err) {
		return nil
	}
	return s.err
}

// stop initiates a stop of session s (or the current session, if s == nil)
// with the given cause, and returns the session affected. It does not block.
// If s is not the current session, or a stop is already in progress, stop
// does nothing.
func (c *Conn) stop(s *session, cause error) *session {
	c.μ.Lock()
	if s == nil {
		s = c.sess
	} else if s != c.sess {
		c.μ.Unlock()
		return s
	}
	for {
		st := State(c.state.Load())
		if st != Starting && st != Started {
			c.μ.Unlock()
			return s // already stopping or stopped
		}
		if c.state.CompareAndSwap(int32(st), int32(Stopping)) {
			break
		}
	}
	c.μ.Unlock()

	// Closing the channel unblocks the reader and any write in flight, so the
	// queue can advance to the stop task. A channel may take a while to close
	// (for example, a websocket handshake), so it is closed off the strand.
	s.tasks.Go(func() error { s.ch.Close(); return nil })
	c.queue.Push(func(g *strand.Guard) {
		defer g.Release()
		c.finish(s, cause)
	})
	return s
}

// finish runs on the strand as the last task of session s. Every operation
// queued before it has already run, and all of them observed the stopping
// state.
func (c *Conn) finish(s *session, cause error) {
	c.life.Add(1)

	// Close the outbox. Anything still in it never reached the queue.
	c.out.Lock()
	c.out.open = false
	var stale []*op
	for {
		o, ok := c.out.ops.Pop()
		if !ok {
			break
		}
		stale = append(stale, o)
	}
	c.out.Unlock()
	c.wake.Cancel()
	for _, o := range stale {
		c.resolve(o, nil, ErrAborted)
	}

	// Resolve every call still waiting for a reply.
	for _, p := range c.calls {
		c.complete(p, nil, ErrAborted)
	}
	clear(c.calls)

	c.μ.Lock()
	s.err = cause
	stop := c.onStop
	c.μ.Unlock()

	c.state.Store(int32(Stopped))
	if stop != nil {
		if treatErrorAsSuccess(cause) {
			cause = nil
		}
		c.invoke(func() { stop(c.ctx, cause) })
	}
	close(s.done)
}

// drainer returns a waiter for the wake event that moves every operation in
// the outbox to the queue, then re-arms itself, for as long as the session
// with the given generation is current.
func (c *Conn) drainer(life uint64) func() {
	var drain func()
	drain = func() {
		if c.life.Load() != life {
			return
		}
		c.out.Lock()
		var ops []*op
		for {
			o, ok := c.out.ops.Pop()
			if !ok {
				break
			}
			ops = append(ops, o)
		}
		c.out.Unlock()
		for _, o := range ops {
			c.queue.Push(c.opTask(o))
		}
		c.wake.Wait(drain)
	}
	return drain
}

// dispatch routes an inbound message from the session with the given
// generation. It runs on the strand.
func (c *Conn) dispatch(life uint64, msg []byte) {
	if life != c.life.Load() {
		c.stats().msgDropped.Add(1)
		return
	}
	c.stats().msgRecv.Add(1)
	c.logMessage(msg, false)

	id, ok := c.replyID(msg)
	if !ok {
		c.μ.Lock()
		recv := c.onRecv
		c.μ.Unlock()
		if recv == nil {
			c.stats().msgDropped.Add(1)
			return
		}
		c.invoke(func() { recv(c.ctx, msg) })
		return
	}

	p, ok := c.calls[id]
	if !ok {
		// Silently discard a reply for an unknown, expired, or already
		// resolved call.
		c.stats().replyOrphan.Add(1)
		return
	}
	c.complete(p, msg, nil)
}

func (c *Conn) replyID(msg []byte) (id ID, ok bool) {
	defer func() {
		if x := recover(); x != nil {
			c.stats().callbackPanic.Add(1)
			id, ok = NoID, false
		}
	}()
	return c.codec.ReplyID(msg)
}

// write sends msg on the channel of the current session, and calls done on
// the strand with the result. The guard is held until the send completes.
// write must be called on the strand.
func (c *Conn) write(g *strand.Guard, msg []byte, done func(error)) {
	c.μ.Lock()
	s := c.sess
	c.μ.Unlock()

	c.logMessage(msg, true)
	s.tasks.Go(func() error {
		err := s.ch.Send(msg)
		c.strand.Post(func() {
			g.Release()
			if err == nil {
				c.stats().msgSent.Add(1)
			} else if c.State() == Started {
				c.stop(s, err) // a failed send is fatal to the session
			} else {
				err = ErrAborted // the channel was closed by a stop
			}
			done(err)
		})
		return nil
	})
}

func (c *Conn) logMessage(msg []byte, sent bool) {
	c.μ.Lock()
	log := c.mlog
	c.μ.Unlock()
	if log != nil {
		c.invoke(func() { log(MessageInfo{Data: msg, Sent: sent}) })
	}
}

// invoke calls a user-provided hook or callback, recovering a panic.
func (c *Conn) invoke(f func()) {
	defer func() {
		if x := recover(); x != nil {
			c.stats().callbackPanic.Add(1)
		}
	}()
	f()
}

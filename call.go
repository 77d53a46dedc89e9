// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/creachadair/endpoint/strand"
)

type opKind byte

const (
	opCall   opKind = iota // encode req with a key and await a reply
	opNotify               // encode req without a key
	opSend                 // send msg as given
)

// An op is an outbound operation submitted to a Conn. Once submitted, the
// fields of an op are only accessed on the strand.
type op struct {
	kind    opKind
	req     any
	msg     []byte
	life    uint64        // generation at submission
	timeout time.Duration // for calls

	// For calls, the timer armed at submission. It resolves the call with
	// ErrTimedOut whether or not the call has reached the queue.
	deadline time.Time
	timer    atomic.Pointer[time.Timer]

	key      ID    // the correlation key, once registered
	canceled error // if set, the op was canceled before it was dispatched
	resolved bool

	// done receives the outcome. For calls, msg is the raw reply message.
	done func(ctx context.Context, msg []byte, err error)
}

// A pending records a call registered in the correlation table.
type pending struct {
	key ID
	op  *op
}

// submit hands o to the execution context of c. It is safe to call from any
// goroutine. If c is not started, o is resolved with ErrNotConnected.
func (c *Conn) submit(o *op) {
	if o.kind == opCall {
		c.stats().callOut.Add(1)
		o.deadline = time.Now().Add(o.timeout)
		o.timer.Store(time.AfterFunc(o.timeout, func() { c.cancel(o, ErrTimedOut) }))
	}
	o.life = c.life.Load()
	if c.State() == Started {
		c.out.Lock()
		ok := c.out.open
		if ok {
			c.out.ops.Add(o)
		}
		c.out.Unlock()
		if ok {
			c.wake.Notify()
			return
		}
	}
	c.strand.Post(func() { c.resolve(o, nil, ErrNotConnected) })
}

// resolve delivers the outcome of o, if it has not already been delivered.
// It must be called on the strand.
func (c *Conn) resolve(o *op, msg []byte, err error) {
	if o.resolved {
		return
	}
	o.resolved = true
	if t := o.timer.Load(); t != nil {
		t.Stop()
	}
	if o.kind == opCall && err != nil {
		c.stats().callOutErr.Add(1)
		switch {
		case errors.Is(err, ErrTimedOut):
			c.stats().callTimeout.Add(1)
		case errors.Is(err, ErrAborted):
			c.stats().callAborted.Add(1)
		}
	}
	if o.done != nil {
		c.invoke(func() { o.done(c.ctx, msg, callError(o.key, err)) })
	}
}

// complete erases p from the correlation table and resolves its call. If p
// is no longer in the table its call was already resolved, and complete
// reports false. It must be called on the strand.
func (c *Conn) complete(p *pending, msg []byte, err error) bool {
	if c.calls[p.key] != p {
		return false
	}
	delete(c.calls, p.key)
	c.stats().callPending.Add(-1)
	c.resolve(p.op, msg, err)
	return true
}

// cancel resolves o with err, if it has not already been resolved. It is
// safe to call from any goroutine. An op canceled before it is dispatched is
// resolved at once, and skipped when the queue reaches it.
func (c *Conn) cancel(o *op, err error) {
	c.strand.Post(func() {
		if o.resolved {
			return
		}
		if p, ok := c.calls[o.key]; ok && p.op == o {
			c.complete(p, nil, err)
			return
		}
		o.canceled = err
		c.resolve(o, nil, err)
	})
}

// opTask returns a queue task that dispatches o.
func (c *Conn) opTask(o *op) strand.Task {
	return func(g *strand.Guard) {
		if err := c.checkLive(o); err != nil {
			g.Release()
			c.resolve(o, nil, err)
			return
		}
		switch o.kind {
		case opCall:
			c.dispatchCall(g, o)
		case opNotify:
			msg, err := c.encode(NoID, o.req)
			if err != nil {
				g.Release()
				c.resolve(o, nil, err)
				return
			}
			c.write(g, msg, func(err error) { c.resolve(o, nil, err) })
		case opSend:
			c.write(g, o.msg, func(err error) { c.resolve(o, nil, err) })
		default:
			panic(fmt.Sprintf("endpoint: unknown op kind %d", o.kind))
		}
	}
}

func (c *Conn) checkLive(o *op) error {
	switch {
	case o.canceled != nil:
		return o.canceled
	case o.life != c.life.Load(), c.State() != Started:
		return ErrAborted
	case !o.deadline.IsZero() && !time.Now().Before(o.deadline):
		return ErrTimedOut
	}
	return nil
}

// dispatchCall registers o in the correlation table and writes its message.
// The timer armed at submission still governs the call. If the write fails,
// the call is resolved with the error of the write.
func (c *Conn) dispatchCall(g *strand.Guard, o *op) {
	key, msg, err := c.encodeCall(o.req)
	if err != nil {
		g.Release()
		c.resolve(o, nil, err)
		return
	}
	o.key = key
	p := &pending{key: key, op: o}
	c.calls[key] = p
	c.stats().callPending.Add(1)
	c.write(g, msg, func(err error) {
		if err != nil {
			c.complete(p, nil, err)
		}
	})
}

// encodeCall assigns a correlation key to req and encodes it.
func (c *Conn) encodeCall(req any) (ID, []byte, error) {
	if c.keyer != nil {
		msg, err := c.encode(NoID, req)
		if err != nil {
			return NoID, nil, err
		}
		key, err := c.requestKey(msg)
		if err != nil {
			return NoID, nil, err
		} else if key == NoID {
			return NoID, nil, errors.New("codec assigned the reserved key")
		} else if _, ok := c.calls[key]; ok {
			return NoID, nil, fmt.Errorf("key %d: %w", key, ErrInProgress)
		}
		return key, msg, nil
	}
	key := c.ids.next(len(c.calls), func(id ID) bool {
		_, ok := c.calls[id]
		return ok
	})
	if key == NoID {
		return NoID, nil, fmt.Errorf("no keys available: %w", ErrInProgress)
	}
	msg, err := c.encode(key, req)
	return key, msg, err
}

func (c *Conn) encode(id ID, req any) (_ []byte, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("encode: %w", strand.PanicError{Value: x})
		}
	}()
	return c.codec.EncodeCall(id, req)
}

func (c *Conn) requestKey(msg []byte) (_ ID, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("request key: %w", strand.PanicError{Value: x})
		}
	}()
	return c.keyer.RequestKey(msg)
}

func (c *Conn) decode(msg []byte, v any) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("decode: %w", strand.PanicError{Value: x})
		}
	}()
	return c.codec.DecodeReply(msg, v)
}

// A Caller issues calls on a Conn with non-default settings. Construct one
// with the Timeout or Response methods of Conn; the settings may then be
// chained before issuing the call:
//
//	data, err := conn.Timeout(time.Second).Call(ctx, req)
//	conn.Timeout(time.Second).Response(handle).AsyncCall(req)
//
// A Caller is not safe for concurrent mutation, but once configured it may be
// used to issue any number of calls.
type Caller struct {
	c       *Conn
	timeout time.Duration
	rsp     ResponseFunc
}

// Timeout returns a Caller for c that issues calls with timeout d.
func (c *Conn) Timeout(d time.Duration) *Caller { return &Caller{c: c, timeout: d} }

// Response returns a Caller for c that delivers the results of asynchronous
// calls to f.
func (c *Conn) Response(f ResponseFunc) *Caller { return &Caller{c: c, rsp: f} }

// Timeout sets the call timeout for b. If d <= 0, the default timeout of the
// connection is used.
func (b *Caller) Timeout(d time.Duration) *Caller { b.timeout = d; return b }

// Response sets the response callback for asynchronous calls issued by b.
func (b *Caller) Response(f ResponseFunc) *Caller { b.rsp = f; return b }

func (b *Caller) callTimeout() time.Duration {
	if b.timeout > 0 {
		return b.timeout
	}
	return b.c.DefaultTimeout()
}

// Call issues a call on the connection and blocks until it is resolved, its
// timeout elapses, or ctx ends. The data returned are the decoded contents of
// the reply.
//
// A blocking call issued from the execution context of the connection would
// deadlock. Instead, the request is sent without awaiting a reply, and Call
// reports ErrNotSupported. This requires that ctx be the context passed to the
// hook or callback: with any other context, Call blocks the execution context
// of the connection until its timeout elapses, and no reply can arrive.
func (b *Caller) Call(ctx context.Context, req any) ([]byte, error) {
	msg, err := b.call(ctx, req)
	if err != nil {
		return nil, err
	}
	var data []byte
	if err := b.c.decode(msg, &data); err != nil {
		return nil, b.decodeError(msg, err)
	}
	return data, nil
}

// call issues a blocking call and returns the raw reply message.
func (b *Caller) call(ctx context.Context, req any) ([]byte, error) {
	c := b.c
	if c.onStrand(ctx) {
		c.submit(&op{kind: opNotify, req: req})
		return nil, callError(NoID, ErrNotSupported)
	}

	type result struct {
		msg []byte
		err error
	}
	ready := make(chan result, 1)
	o := &op{
		kind:    opCall,
		req:     req,
		timeout: b.callTimeout(),
		done: func(_ context.Context, msg []byte, err error) {
			ready <- result{msg, err}
		},
	}
	c.submit(o)

	// The op's own timer resolves it on the strand. The caller keeps a timer
	// of its own, so a caller that is itself blocking the strand still returns.
	deadline := time.NewTimer(time.Until(o.deadline))
	defer deadline.Stop()
	select {
	case r := <-ready:
		return r.msg, r.err
	case <-deadline.C:
		c.cancel(o, ErrTimedOut)
		return nil, callError(NoID, ErrTimedOut)
	case <-ctx.Done():
		c.cancel(o, ctx.Err())
		return nil, callError(NoID, ctx.Err())
	}
}

// AsyncCall issues a call on the connection and returns immediately. The
// outcome is delivered to the response callback of b, if one is set, on the
// execution context of the connection. The callback is invoked exactly once.
func (b *Caller) AsyncCall(req any) {
	f := b.rsp
	b.asyncCall(req, func(ctx context.Context, msg []byte, err error) {
		if f == nil {
			return
		}
		var data []byte
		if err == nil {
			if derr := b.c.decode(msg, &data); derr != nil {
				err, data = b.decodeError(msg, derr), nil
			}
		}
		f(ctx, data, err)
	})
}

func (b *Caller) asyncCall(req any, done func(context.Context, []byte, error)) {
	b.c.submit(&op{
		kind:    opCall,
		req:     req,
		timeout: b.callTimeout(),
		done:    done,
	})
}

func (b *Caller) decodeError(msg []byte, err error) error {
	id, _ := b.c.replyID(msg)
	return callError(id, err)
}

// Call issues a call on c with the default settings. See [Caller.Call].
func (c *Conn) Call(ctx context.Context, req any) ([]byte, error) {
	return c.invoker().Call(ctx, req)
}

// AsyncCall issues a call on c that delivers its outcome to f. If f == nil,
// the outcome is discarded. See [Caller.AsyncCall].
func (c *Conn) AsyncCall(req any, f ResponseFunc) {
	c.Response(f).AsyncCall(req)
}

// An Invoker is a *Conn or a *Caller, a value that can issue calls.
type Invoker interface {
	invoker() *Caller
}

func (c *Conn) invoker() *Caller   { return &Caller{c: c} }
func (b *Caller) invoker() *Caller { return b }

// CallAs issues a call via inv and blocks until it is resolved, as
// [Caller.Call] does, and decodes the reply into a value of type T.
func CallAs[T any](ctx context.Context, inv Invoker, req any) (T, error) {
	b := inv.invoker()
	var out T
	msg, err := b.call(ctx, req)
	if err != nil {
		return out, err
	}
	if err := b.c.decode(msg, &out); err != nil {
		return out, b.decodeError(msg, err)
	}
	return out, nil
}

// AsyncCallAs issues a call via inv, as [Caller.AsyncCall] does, and delivers
// the reply decoded as a value of type T to f.
func AsyncCallAs[T any](inv Invoker, req any, f func(context.Context, T, error)) {
	b := inv.invoker()
	b.asyncCall(req, func(ctx context.Context, msg []byte, err error) {
		var out T
		if err == nil {
			if derr := b.c.decode(msg, &out); derr != nil {
				err = b.decodeError(msg, derr)
			}
		}
		if f != nil {
			f(ctx, out, err)
		}
	})
}

// Send sends msg to the remote endpoint as given, without correlation. It
// blocks until the message is written or ctx ends. When called from the
// execution context of c, Send does not wait and reports nil.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	return c.oneWay(ctx, &op{kind: opSend, msg: msg})
}

// Notify encodes req as a message requesting no reply and sends it to the
// remote endpoint, as Send does.
func (c *Conn) Notify(ctx context.Context, req any) error {
	return c.oneWay(ctx, &op{kind: opNotify, req: req})
}

// AsyncSend sends msg as Send does, but does not wait. If done != nil, it is
// called on the execution context of c with the result of the write.
func (c *Conn) AsyncSend(msg []byte, done func(context.Context, error)) {
	o := &op{kind: opSend, msg: msg}
	if done != nil {
		o.done = func(ctx context.Context, _ []byte, err error) { done(ctx, err) }
	}
	c.submit(o)
}

func (c *Conn) oneWay(ctx context.Context, o *op) error {
	if c.onStrand(ctx) {
		c.submit(o)
		return nil
	}
	ready := make(chan error, 1)
	o.done = func(_ context.Context, _ []byte, err error) { ready <- err }
	c.submit(o)
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		c.cancel(o, ctx.Err())
		return ctx.Err()
	}
}

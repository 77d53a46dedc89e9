// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package endpoint_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/endpoint"
	"github.com/creachadair/endpoint/channel"
	"github.com/creachadair/endpoint/codec"
	"github.com/creachadair/endpoint/session"
	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

var frame codec.Frame

// newLocal returns a connected pair with their own metrics. Requests to B
// are served by testServer; calls from B to A are not served.
func newLocal() *session.Local {
	loc := session.NewLocal(frame, func(c *endpoint.Conn) { c.Detach() })
	loc.B.OnRecv(testServer())
	return loc
}

func stopLocal(t *testing.T, loc *session.Local) {
	t.Helper()
	if err := loc.Stop(context.Background()); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
}

// testServer serves these methods:
//
//	echo  -- reply with the request data
//	fail  -- reply with an error carrying the request data
//	dup   -- reply twice with the request data
//	sleep -- sleep for the duration in the request data, then echo it
//	drop  -- never reply
func testServer() endpoint.RecvFunc {
	mux := codec.Mux{
		"echo": func(_ context.Context, req *codec.Request) ([]byte, error) {
			return req.Data, nil
		},
		"fail": func(_ context.Context, req *codec.Request) ([]byte, error) {
			return nil, errors.New(string(req.Data))
		},
		"dup": func(ctx context.Context, req *codec.Request) ([]byte, error) {
			conn := endpoint.ContextConn(ctx)
			if err := conn.Send(ctx, frame.EncodeReply(req.ID, req.Data)); err != nil {
				return nil, err
			}
			return req.Data, nil
		},
		"sleep": func(_ context.Context, req *codec.Request) ([]byte, error) {
			d, err := time.ParseDuration(string(req.Data))
			if err != nil {
				return nil, err
			}
			time.Sleep(d)
			return req.Data, nil
		},
	}
	serve := frame.Responder(mux.Serve)
	return func(ctx context.Context, msg []byte) {
		if req, err := frame.ParseRequest(msg); err == nil && req.Method == "drop" {
			return
		}
		serve(ctx, msg)
	}
}

func call(method, data string) codec.Request {
	return codec.Request{Method: method, Data: []byte(data)}
}

func metric(c *endpoint.Conn, name string) int64 {
	return c.Metrics().Get(name).(*expvar.Int).Value()
}

// eventually polls cond until it reports true, or fails t after a while.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestNewConn(t *testing.T) {
	mtest.MustPanic(t, func() { endpoint.NewConn(nil) })

	c := endpoint.NewConn(frame)
	if got := c.State(); got != endpoint.Stopped {
		t.Errorf("New conn state: got %v, want %v", got, endpoint.Stopped)
	}
	if got := c.DefaultTimeout(); got != endpoint.DefaultTimeout {
		t.Errorf("Default timeout: got %v, want %v", got, endpoint.DefaultTimeout)
	}
	if got := c.SetDefaultTimeout(-1).DefaultTimeout(); got != endpoint.DefaultTimeout {
		t.Errorf("Reset timeout: got %v, want %v", got, endpoint.DefaultTimeout)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop unstarted: unexpected error: %v", err)
	}
	if err := c.Wait(context.Background()); err != nil {
		t.Errorf("Wait unstarted: unexpected error: %v", err)
	}
}

func TestCall(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal()
	defer stopLocal(t, loc)
	ctx := context.Background()

	t.Run("Echo", func(t *testing.T) {
		rsp, err := loc.A.Call(ctx, call("echo", "hello"))
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if got := string(rsp); got != "hello" {
			t.Errorf("Call: got %q, want %q", got, "hello")
		}
	})

	t.Run("RemoteError", func(t *testing.T) {
		rsp, err := loc.A.Call(ctx, call("fail", "oh no"))
		if err == nil {
			t.Fatalf("Call: got %q, want error", rsp)
		}
		var ce *endpoint.CallError
		if !errors.As(err, &ce) {
			t.Fatalf("Call: got error %[1]T (%[1]v), want *CallError", err)
		}
		if ce.ID == endpoint.NoID {
			t.Errorf("CallError: no ID in %v", ce)
		}
		var re *codec.Error
		if !errors.As(err, &re) {
			t.Fatalf("Call: got error %v, want *codec.Error", err)
		}
		want := &codec.Error{Code: codec.CodeServiceError, Message: "oh no"}
		if diff := cmp.Diff(want, re); diff != "" {
			t.Errorf("Remote error (-want, +got):\n%s", diff)
		}
	})

	t.Run("UnknownMethod", func(t *testing.T) {
		_, err := loc.A.Call(ctx, call("nonesuch", ""))
		var re *codec.Error
		if !errors.As(err, &re) || re.Code != codec.CodeUnknownMethod {
			t.Errorf("Call: got %v, want unknown method", err)
		}
	})

	t.Run("DuplicateReply", func(t *testing.T) {
		rsp, err := loc.A.Call(ctx, call("dup", "twice"))
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		} else if got := string(rsp); got != "twice" {
			t.Errorf("Call: got %q, want %q", got, "twice")
		}
		eventually(t, "unmatched reply", func() bool {
			return metric(loc.A, "replies_unmatched") == 1
		})
	})

	t.Run("NoResponder", func(t *testing.T) {
		// A has no receive handler, so calls from B to A are never answered.
		_, err := loc.B.Timeout(20*time.Millisecond).Call(ctx, call("echo", "x"))
		if !errors.Is(err, endpoint.ErrTimedOut) {
			t.Errorf("Call: got %v, want %v", err, endpoint.ErrTimedOut)
		}
	})

	if n := metric(loc.A, "calls_out"); n != 4 {
		t.Errorf("calls_out: got %d, want 4", n)
	}
	eventually(t, "no pending calls", func() bool {
		return metric(loc.A, "calls_pending") == 0 && metric(loc.B, "calls_pending") == 0
	})
}

func TestCallTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal()
	defer stopLocal(t, loc)
	ctx := context.Background()

	start := time.Now()
	rsp, err := loc.A.Timeout(50*time.Millisecond).Call(ctx, call("drop", ""))
	elapsed := time.Since(start)
	if !errors.Is(err, endpoint.ErrTimedOut) {
		t.Fatalf("Call: got (%q, %v), want %v", rsp, err, endpoint.ErrTimedOut)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Call took %v, want about 50ms", elapsed)
	}

	// A reply that arrives after the timeout is discarded.
	_, err = loc.A.Timeout(10*time.Millisecond).Call(ctx, call("sleep", "100ms"))
	if !errors.Is(err, endpoint.ErrTimedOut) {
		t.Errorf("Call: got %v, want %v", err, endpoint.ErrTimedOut)
	}
	eventually(t, "late reply", func() bool {
		return metric(loc.A, "replies_unmatched") == 1
	})
	eventually(t, "timeouts resolved", func() bool {
		return metric(loc.A, "calls_pending") == 0 && metric(loc.A, "calls_timed_out") == 2
	})

	// The connection is still usable.
	if _, err := loc.A.Call(ctx, call("echo", "ok")); err != nil {
		t.Errorf("Call after timeouts: unexpected error: %v", err)
	}
}

func TestCallContext(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal()
	defer stopLocal(t, loc)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := loc.A.Call(ctx, call("drop", ""))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Call: got %v, want %v", err, context.Canceled)
	}
	eventually(t, "no pending calls", func() bool {
		return metric(loc.A, "calls_pending") == 0
	})
}

func TestAsyncCall(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal()
	defer stopLocal(t, loc)

	const numCalls = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	got := make(map[string]int)

	wg.Add(numCalls)
	for i := range numCalls {
		loc.A.AsyncCall(call("echo", strconv.Itoa(i)), func(ctx context.Context, data []byte, err error) {
			defer wg.Done()
			if endpoint.ContextConn(ctx) != loc.A {
				t.Error("Callback context does not have the connection")
			}
			if err != nil {
				t.Errorf("Call %d: unexpected error: %v", i, err)
				return
			}
			mu.Lock()
			got[string(data)]++
			mu.Unlock()
		})
	}
	wg.Wait()

	for i := range numCalls {
		if n := got[strconv.Itoa(i)]; n != 1 {
			t.Errorf("Reply %d delivered %d times, want 1", i, n)
		}
	}
}

func TestAsyncCallTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal()
	defer stopLocal(t, loc)

	done := make(chan error, 2)
	loc.A.Timeout(10*time.Millisecond).Response(func(_ context.Context, data []byte, err error) {
		if data != nil {
			t.Errorf("Response: got data %q with error %v", data, err)
		}
		done <- err
	}).AsyncCall(call("drop", ""))

	if err := <-done; !errors.Is(err, endpoint.ErrTimedOut) {
		t.Errorf("Response: got %v, want %v", err, endpoint.ErrTimedOut)
	}
	select {
	case err := <-done:
		t.Errorf("Response called again with %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotConnected(t *testing.T) {
	defer leaktest.Check(t)()
	c := endpoint.NewConn(frame).Detach()
	ctx := context.Background()

	if _, err := c.Call(ctx, call("echo", "x")); !errors.Is(err, endpoint.ErrNotConnected) {
		t.Errorf("Call: got %v, want %v", err, endpoint.ErrNotConnected)
	}
	if err := c.Send(ctx, []byte("x")); !errors.Is(err, endpoint.ErrNotConnected) {
		t.Errorf("Send: got %v, want %v", err, endpoint.ErrNotConnected)
	}

	done := make(chan error, 1)
	c.AsyncCall(call("echo", "x"), func(ctx context.Context, _ []byte, err error) {
		if endpoint.ContextConn(ctx) != c {
			t.Error("Callback context does not have the connection")
		}
		done <- err
	})
	if err := <-done; !errors.Is(err, endpoint.ErrNotConnected) {
		t.Errorf("AsyncCall: got %v, want %v", err, endpoint.ErrNotConnected)
	}
	if n := metric(c, "calls_pending"); n != 0 {
		t.Errorf("calls_pending: got %d, want 0", n)
	}
}

func TestStopAborts(t *testing.T) {
	for _, numCalls := range []int{0, 1, 100} {
		t.Run(fmt.Sprint(numCalls), func(t *testing.T) { testStopAborts(t, numCalls) })
	}
}

func testStopAborts(t *testing.T, numCalls int) {
	defer leaktest.Check(t)()
	a2b, b2a := channel.Direct()
	a := endpoint.NewConn(frame).Detach()
	b := endpoint.NewConn(frame).Detach().OnRecv(testServer())
	ctx := context.Background()
	if err := a.Start(ctx, a2b); err != nil {
		t.Fatalf("Start A: %v", err)
	}
	if err := b.Start(ctx, b2a); err != nil {
		t.Fatalf("Start B: %v", err)
	}
	defer b.Stop(ctx)

	var mu sync.Mutex
	results := make(map[int][]error)
	for i := range numCalls {
		a.Timeout(time.Minute).Response(func(_ context.Context, _ []byte, err error) {
			mu.Lock()
			defer mu.Unlock()
			results[i] = append(results[i], err)
		}).AsyncCall(call("drop", ""))
	}
	eventually(t, "calls pending", func() bool {
		return metric(a, "calls_pending") == int64(numCalls)
	})

	if err := a.Stop(ctx); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}

	// Every call was resolved exactly once, before Stop returned.
	mu.Lock()
	defer mu.Unlock()
	for i := range numCalls {
		errs := results[i]
		if len(errs) != 1 || !errors.Is(errs[0], endpoint.ErrAborted) {
			t.Errorf("Call %d: got %v, want [%v]", i, errs, endpoint.ErrAborted)
		}
	}
	if len(results) != numCalls {
		t.Errorf("Got %d results, want %d", len(results), numCalls)
	}
	if n := metric(a, "calls_pending"); n != 0 {
		t.Errorf("calls_pending: got %d, want 0", n)
	}
	if n := metric(a, "calls_aborted"); n != int64(numCalls) {
		t.Errorf("calls_aborted: got %d, want %d", n, numCalls)
	}
}

func TestLifecycle(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, s)
	}
	c := endpoint.NewConn(frame).Detach().
		OnInit(func(ctx context.Context) { record("init") }).
		OnStart(func(ctx context.Context, err error) { record(fmt.Sprintf("start %v", err)) }).
		OnStop(func(ctx context.Context, err error) { record(fmt.Sprintf("stop %v", err)) })

	for i := range 3 {
		a2b, b2a := channel.Direct()
		srv := endpoint.NewConn(frame).OnRecv(testServer())
		if err := srv.Start(ctx, b2a); err != nil {
			t.Fatalf("Cycle %d: start server: %v", i, err)
		}

		if err := c.Start(ctx, a2b); err != nil {
			t.Fatalf("Cycle %d: Start: unexpected error: %v", i, err)
		}
		if !c.IsStarted() {
			t.Errorf("Cycle %d: state is %v, want %v", i, c.State(), endpoint.Started)
		}
		if err := c.Start(ctx, a2b); !errors.Is(err, endpoint.ErrAlreadyStarted) {
			t.Errorf("Cycle %d: second Start: got %v, want %v", i, err, endpoint.ErrAlreadyStarted)
		}
		if _, err := c.Call(ctx, call("echo", "x")); err != nil {
			t.Errorf("Cycle %d: Call: unexpected error: %v", i, err)
		}
		if err := c.Stop(ctx); err != nil {
			t.Errorf("Cycle %d: Stop: unexpected error: %v", i, err)
		}
		if err := c.Stop(ctx); err != nil {
			t.Errorf("Cycle %d: second Stop: unexpected error: %v", i, err)
		}
		if !c.IsStopped() {
			t.Errorf("Cycle %d: state is %v, want %v", i, c.State(), endpoint.Stopped)
		}
		if err := srv.Wait(ctx); err != nil {
			t.Errorf("Cycle %d: server Wait: unexpected error: %v", i, err)
		}
	}

	want := []string{
		"init", "start <nil>", "stop <nil>",
		"init", "start <nil>", "stop <nil>",
		"init", "start <nil>", "stop <nil>",
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("Hook events (-want, +got):\n%s", diff)
	}
}

func TestRemoteStop(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal()
	defer stopLocal(t, loc)
	ctx := context.Background()

	done := make(chan error, 1)
	loc.A.Timeout(time.Minute).Response(func(_ context.Context, _ []byte, err error) {
		done <- err
	}).AsyncCall(call("drop", ""))
	eventually(t, "call pending", func() bool {
		return metric(loc.A, "calls_pending") == 1
	})

	// When the remote endpoint stops, the channel closes and A stops too. A
	// clean close is not an error.
	if err := loc.B.Stop(ctx); err != nil {
		t.Errorf("Stop B: unexpected error: %v", err)
	}
	if err := loc.A.Wait(ctx); err != nil {
		t.Errorf("Wait A: unexpected error: %v", err)
	}
	if err := loc.A.Err(); err != nil {
		t.Errorf("Err A: unexpected error: %v", err)
	}
	if err := <-done; !errors.Is(err, endpoint.ErrAborted) {
		t.Errorf("Pending call: got %v, want %v", err, endpoint.ErrAborted)
	}
}

// failChannel is a channel whose sends always fail.
type failChannel struct {
	err  error
	done chan struct{}
	once sync.Once
}

func newFailChannel(err error) *failChannel {
	return &failChannel{err: err, done: make(chan struct{})}
}

func (f *failChannel) Send([]byte) error { return f.err }

func (f *failChannel) Recv() ([]byte, error) {
	<-f.done
	return nil, errors.New("closed")
}

func (f *failChannel) Close() error { f.once.Do(func() { close(f.done) }); return nil }

func TestSendFailure(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()
	errSend := errors.New("send failed")

	c := endpoint.NewConn(frame).Detach()
	if err := c.Start(ctx, newFailChannel(errSend)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The call fails with the send error at once, rather than timing out.
	start := time.Now()
	_, err := c.Timeout(time.Minute).Call(ctx, call("echo", "x"))
	if !errors.Is(err, errSend) {
		t.Errorf("Call: got %v, want %v", err, errSend)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Call took %v", elapsed)
	}

	// A failed send is fatal to the session.
	if err := c.Wait(ctx); !errors.Is(err, errSend) {
		t.Errorf("Wait: got %v, want %v", err, errSend)
	}
	if err := c.Err(); !errors.Is(err, errSend) {
		t.Errorf("Err: got %v, want %v", err, errSend)
	}
}

// countChannel records the number of concurrent sends on a channel.
type countChannel struct {
	endpoint.Channel
	active, peak atomic.Int32
}

func (c *countChannel) Send(msg []byte) error {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(100 * time.Microsecond)
	return c.Channel.Send(msg)
}

func TestSerializedSends(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	a2b, b2a := channel.Direct()
	cc := &countChannel{Channel: a2b}
	c := endpoint.NewConn(frame).Detach()
	if err := c.Start(ctx, cc); err != nil {
		t.Fatalf("Start: %v", err)
	}

	const numSenders = 8
	const numMessages = 25

	// Collect everything sent, and check that each sender's messages arrive
	// in the order they were sent.
	recv := taskgroup.Go(func() error {
		last := make(map[byte]int)
		for range numSenders * numMessages {
			msg, err := b2a.Recv()
			if err != nil {
				return err
			}
			who, seq := msg[0], int(msg[1])
			if prev, ok := last[who]; ok && seq != prev+1 {
				return fmt.Errorf("sender %d: got message %d after %d", who, seq, prev)
			}
			last[who] = seq
		}
		return nil
	})

	g := taskgroup.New(nil)
	for i := range numSenders {
		g.Go(func() error {
			for j := range numMessages {
				if err := c.Send(ctx, []byte{byte(i), byte(j)}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Send: unexpected error: %v", err)
	}
	if err := recv.Wait(); err != nil {
		t.Errorf("Receive: %v", err)
	}
	if p := cc.peak.Load(); p != 1 {
		t.Errorf("Peak concurrent sends: got %d, want 1", p)
	}
	if n := metric(c, "messages_sent"); n != numSenders*numMessages {
		t.Errorf("messages_sent: got %d, want %d", n, numSenders*numMessages)
	}
	if err := c.Stop(ctx); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
	b2a.Close()
}

func TestOnStrand(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	notified := make(chan *codec.Request, 1)
	loc := newLocal()
	defer stopLocal(t, loc)
	loc.B.OnRecv(func(_ context.Context, msg []byte) {
		if req, err := frame.ParseRequest(msg); err == nil {
			notified <- req
		}
	})

	t.Run("Call", func(t *testing.T) {
		done := make(chan error, 1)
		loc.A.Post(func(ctx context.Context) {
			_, err := loc.A.Call(ctx, call("echo", "from the strand"))
			done <- err
		})
		if err := <-done; !errors.Is(err, endpoint.ErrNotSupported) {
			t.Errorf("Call on strand: got %v, want %v", err, endpoint.ErrNotSupported)
		}

		// The request was still sent, as a notification.
		req := <-notified
		if req.ID != endpoint.NoID || string(req.Data) != "from the strand" {
			t.Errorf("Notification: got %+v", req)
		}
	})

	t.Run("OffStrand", func(t *testing.T) {
		loc.B.OnRecv(testServer())
		done := make(chan error, 1)
		loc.A.Post(func(ctx context.Context) {
			go func() {
				_, err := loc.A.Call(endpoint.OffStrand(ctx), call("echo", "x"))
				done <- err
			}()
		})
		if err := <-done; err != nil {
			t.Errorf("Call off strand: unexpected error: %v", err)
		}
	})

	t.Run("Stop", func(t *testing.T) {
		done := make(chan error, 1)
		loc.A.Post(func(ctx context.Context) {
			done <- loc.A.Stop(ctx) // must not wait for itself
		})
		if err := <-done; err != nil {
			t.Errorf("Stop on strand: unexpected error: %v", err)
		}
		if err := loc.A.Wait(ctx); err != nil {
			t.Errorf("Wait: unexpected error: %v", err)
		}
		if !loc.A.IsStopped() {
			t.Errorf("State: got %v, want %v", loc.A.State(), endpoint.Stopped)
		}
	})
}

func TestRestartFromStopHook(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	a2b, b2a := channel.Direct()
	c2d, d2c := channel.Direct()
	srv1 := endpoint.NewConn(frame).OnRecv(testServer())
	srv2 := endpoint.NewConn(frame).OnRecv(testServer())
	srv1.Start(ctx, b2a)
	srv2.Start(ctx, d2c)
	defer srv2.Stop(ctx)

	var restarted atomic.Bool
	c := endpoint.NewConn(frame).Detach()
	c.OnStop(func(ctx context.Context, err error) {
		if restarted.CompareAndSwap(false, true) {
			if err := c.Start(ctx, c2d); err != nil {
				t.Errorf("Restart: unexpected error: %v", err)
			}
		}
	})
	if err := c.Start(ctx, a2b); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv1.Stop(ctx) // closes the first channel

	eventually(t, "restart", func() bool { return restarted.Load() && c.IsStarted() })
	if _, err := c.Call(ctx, call("echo", "again")); err != nil {
		t.Errorf("Call after restart: unexpected error: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
}

func TestCallbackPanic(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal()
	defer stopLocal(t, loc)
	ctx := context.Background()

	done := make(chan struct{})
	loc.A.AsyncCall(call("echo", "x"), func(context.Context, []byte, error) {
		defer close(done)
		panic("oh no")
	})
	<-done
	eventually(t, "panic counted", func() bool {
		return metric(loc.A, "callback_panics") == 1
	})

	if _, err := loc.A.Call(ctx, call("echo", "y")); err != nil {
		t.Errorf("Call after panic: unexpected error: %v", err)
	}
}

func TestConcurrentStop(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal()
	defer stopLocal(t, loc)
	ctx := context.Background()

	const numCallers = 10
	const numCalls = 20

	// Every call must resolve, whether it completes, is aborted by the stop,
	// or fails because the connection is already stopped.
	g := taskgroup.New(nil)
	for range numCallers {
		g.Go(func() error {
			for range numCalls {
				_, err := loc.A.Call(ctx, call("sleep", "1ms"))
				switch {
				case err == nil, errors.Is(err, endpoint.ErrAborted), errors.Is(err, endpoint.ErrNotConnected):
				default:
					return err
				}
			}
			return nil
		})
	}
	time.Sleep(10 * time.Millisecond)
	if err := loc.A.Stop(ctx); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Call: unexpected error: %v", err)
	}
	if n := metric(loc.A, "calls_pending"); n != 0 {
		t.Errorf("calls_pending: got %d, want 0", n)
	}
}

func TestLogMessages(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal()
	defer stopLocal(t, loc)
	ctx := context.Background()

	var mu sync.Mutex
	var log []endpoint.MessageInfo
	loc.A.LogMessages(func(m endpoint.MessageInfo) {
		mu.Lock()
		defer mu.Unlock()
		log = append(log, m)
	})
	if _, err := loc.A.Call(ctx, call("echo", "logged")); err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	loc.A.LogMessages(nil)

	mu.Lock()
	defer mu.Unlock()
	if len(log) != 2 || !log[0].Sent || log[1].Sent {
		t.Fatalf("Logged messages: got %v, want a send and a receive", log)
	}
	for _, m := range log {
		t.Logf("Message: %v", m)
	}
}

// stallChannel is a channel whose sends block until it is closed, and which
// never receives a message.
type stallChannel struct {
	sends atomic.Int32
	done  chan struct{}
	once  sync.Once
}

func newStallChannel() *stallChannel { return &stallChannel{done: make(chan struct{})} }

func (s *stallChannel) Send([]byte) error {
	s.sends.Add(1)
	<-s.done
	return net.ErrClosed
}

func (s *stallChannel) Recv() ([]byte, error) {
	<-s.done
	return nil, net.ErrClosed
}

func (s *stallChannel) Close() error { s.once.Do(func() { close(s.done) }); return nil }

// stall starts c on a stallChannel and waits until a send is blocked.
func stall(t *testing.T, c *endpoint.Conn) *stallChannel {
	t.Helper()
	sc := newStallChannel()
	if err := c.Start(context.Background(), sc); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.AsyncSend([]byte("blocker"), nil)
	eventually(t, "send blocked", func() bool { return sc.sends.Load() == 1 })
	return sc
}

func TestStalledQueue(t *testing.T) {
	t.Run("Timeout", func(t *testing.T) {
		defer leaktest.Check(t)()
		ctx := context.Background()
		c := endpoint.NewConn(frame).Detach()
		sc := stall(t, c)
		defer c.Stop(ctx)

		// A call waiting behind the blocked send still times out on schedule.
		done := make(chan error, 1)
		start := time.Now()
		c.Timeout(50*time.Millisecond).Response(func(_ context.Context, _ []byte, err error) {
			done <- err
		}).AsyncCall(call("echo", "x"))

		select {
		case err := <-done:
			if !errors.Is(err, endpoint.ErrTimedOut) {
				t.Errorf("AsyncCall: got %v, want %v", err, endpoint.ErrTimedOut)
			}
			if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
				t.Errorf("AsyncCall resolved after %v, before its timeout", elapsed)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("AsyncCall was not resolved while the queue was stalled")
		}
		if n := metric(c, "calls_timed_out"); n != 1 {
			t.Errorf("calls_timed_out: got %d, want 1", n)
		}
		if n := sc.sends.Load(); n != 1 {
			t.Errorf("Sends: got %d, want 1", n)
		}
	})

	t.Run("Stop", func(t *testing.T) {
		defer leaktest.Check(t)()
		ctx := context.Background()
		c := endpoint.NewConn(frame).Detach()
		sc := stall(t, c)

		const numOps = 20
		var mu sync.Mutex
		results := make(map[int][]error)
		record := func(i int, err error) {
			mu.Lock()
			defer mu.Unlock()
			results[i] = append(results[i], err)
		}
		for i := range numOps {
			if i%2 == 0 {
				c.Timeout(time.Minute).Response(func(_ context.Context, _ []byte, err error) {
					record(i, err)
				}).AsyncCall(call("echo", "x"))
			} else {
				c.AsyncSend([]byte("msg"), func(_ context.Context, err error) { record(i, err) })
			}
		}

		// Wait for the outbox to be moved to the queue, so the ops are waiting
		// behind the blocked send when the stop begins.
		synced := make(chan struct{})
		c.Post(func(context.Context) { close(synced) })
		<-synced

		start := time.Now()
		if err := c.Stop(ctx); err != nil {
			t.Errorf("Stop: unexpected error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Stop took %v", elapsed)
		}

		mu.Lock()
		defer mu.Unlock()
		if len(results) != numOps {
			t.Errorf("Got %d results, want %d", len(results), numOps)
		}
		for i, errs := range results {
			if len(errs) != 1 || !errors.Is(errs[0], endpoint.ErrAborted) {
				t.Errorf("Op %d: got %v, want [%v]", i, errs, endpoint.ErrAborted)
			}
		}
		if n := metric(c, "calls_aborted"); n != numOps/2 {
			t.Errorf("calls_aborted: got %d, want %d", n, numOps/2)
		}
		if n := sc.sends.Load(); n != 1 {
			t.Errorf("Sends: got %d, want 1", n)
		}
	})
}

// slowCloseChannel is a stallChannel whose Close blocks until released.
type slowCloseChannel struct {
	*stallChannel
	release chan struct{}
}

func (s slowCloseChannel) Close() error {
	<-s.release
	return s.stallChannel.Close()
}

func TestSlowClose(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	ch := slowCloseChannel{stallChannel: newStallChannel(), release: make(chan struct{})}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(ch.release) }) }
	defer release()

	stopped := make(chan error, 1)
	c := endpoint.NewConn(frame).Detach().OnStop(func(_ context.Context, err error) {
		stopped <- err
	})
	if err := c.Start(ctx, ch); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Stop called on the strand with the context of the callback does not
	// wait for the stop to finish.
	returned := make(chan error, 1)
	c.Post(func(ctx context.Context) { returned <- c.Stop(ctx) })
	if err := <-returned; err != nil {
		t.Errorf("Stop on strand: unexpected error: %v", err)
	}

	// The stop completes on the strand while the channel is still closing.
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("OnStop: unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not complete while the channel was closing")
	}
	if !c.IsStopped() {
		t.Errorf("State: got %v, want %v", c.State(), endpoint.Stopped)
	}

	release()
	if err := c.Wait(ctx); err != nil {
		t.Errorf("Wait: unexpected error: %v", err)
	}
}

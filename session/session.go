// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package session provides support code for serving and testing connections.
package session

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/creachadair/endpoint"
	"github.com/creachadair/endpoint/channel"
	"github.com/creachadair/taskgroup"
)

// Local is a pair of in-memory connected connections, suitable for testing.
type Local struct {
	A *endpoint.Conn
	B *endpoint.Conn
}

// Stop shuts down both connections and blocks until both have stopped.
func (p *Local) Stop(ctx context.Context) error {
	aerr := p.A.Stop(ctx)
	berr := p.B.Stop(ctx)
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of started connections using codec, that
// communicate via a direct channel without framing. The configure functions,
// if any, are applied to both connections before they start.
func NewLocal(codec endpoint.Codec, configure ...func(*endpoint.Conn)) *Local {
	a2b, b2a := channel.Direct()
	loc := &Local{A: endpoint.NewConn(codec), B: endpoint.NewConn(codec)}
	for _, f := range configure {
		f(loc.A)
		f(loc.B)
	}
	ctx := context.Background()
	if err := loc.A.Start(ctx, a2b); err != nil {
		panic(err) // cannot happen for a new conn
	}
	if err := loc.B.Start(ctx, b2a); err != nil {
		panic(err)
	}
	return loc
}

// An Accepter produces channels for connections to serve.
type Accepter interface {
	Accept(context.Context) (endpoint.Channel, error)
}

// Loop accepts channels from acc and serves each one with a connection from
// newConn. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running connections are stopped. When acc closes,
// the loop waits for running connections to stop before returning.
func Loop(ctx context.Context, acc Accepter, newConn func() *endpoint.Conn) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			conn := newConn()
			if err := conn.Start(ctx, ch); err != nil {
				ch.Close()
				return nil
			}

			sctx, cancel := context.WithCancel(ctx)
			defer cancel()
			taskgroup.Go(func() error {
				<-sctx.Done()
				return conn.Stop(context.Background())
			})
			conn.Wait(context.Background())
			return nil
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface. Each accepted
// connection is served as a stream channel (see channel.IO).
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (endpoint.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// A WebSocketAccepter is an http.Handler that upgrades each request to a
// websocket, and an Accepter that delivers those websockets as channels.
// Close the accepter to stop accepting; requests received after that are
// refused.
type WebSocketAccepter struct {
	opts *websocket.AcceptOptions
	ch   chan endpoint.Channel

	once   sync.Once
	closed chan struct{}
}

// NewWebSocketAccepter constructs a WebSocketAccepter. If opts == nil,
// default options are used.
func NewWebSocketAccepter(opts *websocket.AcceptOptions) *WebSocketAccepter {
	return &WebSocketAccepter{
		opts:   opts,
		ch:     make(chan endpoint.Channel),
		closed: make(chan struct{}),
	}
}

// ServeHTTP implements the http.Handler interface.
func (w *WebSocketAccepter) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	select {
	case <-w.closed:
		http.Error(rw, "server is closed", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := websocket.Accept(rw, req, w.opts)
	if err != nil {
		return // Accept has already written an error response
	}
	select {
	case w.ch <- channel.WebSocket(conn):
	case <-w.closed:
		conn.Close(websocket.StatusGoingAway, "server is closed")
	case <-req.Context().Done():
		conn.CloseNow()
	}
}

// Accept implements the Accepter interface. After w is closed, Accept
// reports net.ErrClosed.
func (w *WebSocketAccepter) Accept(ctx context.Context) (endpoint.Channel, error) {
	select {
	case ch := <-w.ch:
		return ch, nil
	case <-w.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops w from accepting new websockets. It is safe to call more than
// once.
func (w *WebSocketAccepter) Close() error {
	w.once.Do(func() { close(w.closed) })
	return nil
}

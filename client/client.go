// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package client implements a client that keeps an endpoint connection
// running, redialing the remote endpoint whenever the connection stops.
package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/coder/websocket"
	"github.com/creachadair/endpoint"
	"github.com/creachadair/endpoint/channel"
	"github.com/jpillora/backoff"
)

// A Dialer opens a channel to a remote endpoint.
type Dialer func(ctx context.Context) (endpoint.Channel, error)

// TCP returns a Dialer that connects to a stream endpoint at addr.
func TCP(addr string) Dialer {
	return func(ctx context.Context) (endpoint.Channel, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return channel.IO(conn, conn), nil
	}
}

// UDP returns a Dialer that connects to a datagram endpoint at addr.
func UDP(addr string) Dialer {
	return func(ctx context.Context) (endpoint.Channel, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "udp", addr)
		if err != nil {
			return nil, err
		}
		return channel.Datagram(conn), nil
	}
}

// WebSocket returns a Dialer that connects to a websocket endpoint at url. If
// opts == nil, default options are used.
func WebSocket(url string, opts *websocket.DialOptions) Dialer {
	return func(ctx context.Context) (endpoint.Channel, error) {
		conn, _, err := websocket.Dial(ctx, url, opts)
		if err != nil {
			return nil, err
		}
		return channel.WebSocket(conn), nil
	}
}

// A Client runs a connection, redialing whenever it stops.
type Client struct {
	// Conn is the connection to run. It must be stopped when Run is called.
	Conn *endpoint.Conn

	// Dial opens a new channel for the connection.
	Dial Dialer

	// Backoff governs the delay between attempts to connect. If nil, the
	// delay grows from 100ms to 10s with jitter.
	Backoff *backoff.Backoff

	// Logger receives a log of connection activity. If nil, logs are
	// discarded.
	Logger *slog.Logger
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.Logger
}

func (c *Client) backoff() *backoff.Backoff {
	if c.Backoff == nil {
		return &backoff.Backoff{
			Min:    100 * time.Millisecond,
			Max:    10 * time.Second,
			Factor: 2,
			Jitter: true,
		}
	}
	return c.Backoff
}

// Run dials the remote endpoint and starts the connection on the resulting
// channel. When the connection stops, Run waits for a backoff delay and dials
// again. Run continues until ctx ends, and then stops the connection and
// reports the error from ctx.
func (c *Client) Run(ctx context.Context) error {
	if c.Conn == nil || c.Dial == nil {
		return errors.New("client: missing connection or dialer")
	}
	log := c.logger()
	b := c.backoff()
	for {
		ch, err := c.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d := b.Duration()
			log.WarnContext(ctx, "dial failed", "error", err, "attempt", b.Attempt(), "retry", d)
			if !sleep(ctx, d) {
				return ctx.Err()
			}
			continue
		}

		if err := c.Conn.Start(ctx, ch); err != nil {
			ch.Close()
			if ctx.Err() != nil {
				c.Conn.Stop(context.Background())
				return ctx.Err()
			}
			return err
		}
		b.Reset()
		log.InfoContext(ctx, "connected")

		stopped := make(chan error, 1)
		go func() { stopped <- c.Conn.Wait(context.Background()) }()
		select {
		case err := <-stopped:
			log.InfoContext(ctx, "disconnected", "error", err)
		case <-ctx.Done():
			c.Conn.Stop(context.Background())
			<-stopped
			log.InfoContext(ctx, "client stopped")
			return ctx.Err()
		}

		d := b.Duration()
		log.DebugContext(ctx, "reconnecting", "delay", d)
		if !sleep(ctx, d) {
			return ctx.Err()
		}
	}
}

// sleep waits for d or until ctx ends, and reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package endpoint implements the control plane shared by the connections of
// an asynchronous network service: a lifecycle state machine, a serialized
// queue of outbound operations, and a correlation engine that matches replies
// to the calls that requested them.
//
// The package does not define a wire protocol. Messages are encoded and
// correlated by a [Codec], and carried by a [Channel]. The codec package
// provides a compact binary codec and a JSON-RPC 2.0 codec; the channel
// package provides channels over streams, datagrams, and websockets.
//
// # Connections
//
// The core type defined by this package is the [Conn]. To create a new,
// stopped connection:
//
//	c := endpoint.NewConn(codec.Frame{})
//
// To start it, call the Start method with a channel connected to the remote
// endpoint:
//
//	if err := c.Start(ctx, ch); err != nil {
//	   log.Fatalf("Start: %v", err)
//	}
//
// The connection runs until [Conn.Stop] is called, or the channel fails or is
// closed by the remote endpoint. Call [Conn.Wait] to wait for the connection
// to stop and return its status. A stopped connection may be started again
// with a new channel.
//
// Each connection has its own execution context, on which its hooks and
// response callbacks run one at a time. The context passed to those functions
// identifies the connection, see [ContextConn].
//
// # Calls
//
// To issue a call and block for the reply, use [Conn.Call]:
//
//	rsp, err := c.Call(ctx, req)
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// To issue a call without blocking, use [Conn.AsyncCall]. The callback runs on
// the execution context of the connection exactly once, with the reply, or
// with an error if the call timed out, failed to send, or was aborted by a
// stop of the connection.
//
// Settings for a single call are chained with a [Caller]:
//
//	c.Timeout(time.Second).Response(handle).AsyncCall(req)
//
// [CallAs] and [AsyncCallAs] decode the reply into a value of a given type.
// Errors reported for calls have concrete type [*CallError].
//
// A blocking call from the execution context of its own connection cannot
// complete, since that context is needed to resolve it. Such a call is sent
// without awaiting a reply, and reports [ErrNotSupported].
//
// # Metrics
//
// Connections maintain a collection of metrics while running. Use the
// [Conn.Metrics] method to obtain an [expvar.Map] containing the metrics
// exported by the connection. By default, metrics are shared globally among
// all connections; use [Conn.Detach] to give a connection its own.
//
// The metrics currently exported include:
//
//   - messages_received: counter of messages received
//   - messages_sent: counter of messages sent
//   - messages_dropped: counter of messages received and discarded
//   - calls_out: counter of calls issued
//   - calls_out_failed: counter of calls resolved with an error
//   - calls_pending: gauge of calls awaiting a reply
//   - calls_timed_out: counter of calls resolved by their timeout
//   - calls_aborted: counter of calls resolved by a stop
//   - replies_unmatched: counter of replies matching no pending call
//   - callback_panics: counter of hooks and callbacks that panicked
package endpoint

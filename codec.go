// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package endpoint

import "context"

// ID is a correlation key matching a reply to the call that requested it.
type ID uint64

// NoID is the reserved ID meaning "no correlation requested". It is used for
// fire-and-forget messages and is never assigned to a call.
const NoID ID = 0

// A Channel is a reliable ordered stream of messages shared by two
// endpoints. Each message is delivered whole; the channel is responsible for
// any framing.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver, and Close must be safe to call concurrently with
// either.
type Channel interface {
	// Send the message to the receiver.
	Send([]byte) error

	// Receive the next available message from the channel.
	Recv() ([]byte, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Codec converts call requests into messages and extracts correlation data
// from the messages received in reply. A Codec must be safe for concurrent
// use.
type Codec interface {
	// EncodeCall encodes req as a call message carrying the correlation key
	// id. If id == NoID, the message requests no reply.
	EncodeCall(id ID, req any) ([]byte, error)

	// ReplyID reports whether msg is a reply and, if so, the correlation key
	// of the call it answers. Messages that are not replies are delivered to
	// the connection's receive handler.
	ReplyID(msg []byte) (ID, bool)

	// DecodeReply decodes the contents of the reply msg into v. If the reply
	// reports a failure from the remote endpoint, DecodeReply returns that
	// failure as its error.
	DecodeReply(msg []byte, v any) error
}

// A Keyer is an optional interface a Codec may implement to correlate calls
// by the content of their messages instead of by a key assigned by the
// connection. When the codec of a Conn implements Keyer, EncodeCall receives
// NoID and the key of each call is RequestKey of the encoded message.
type Keyer interface {
	RequestKey(msg []byte) (ID, error)
}

// A ResponseFunc receives the outcome of an asynchronous call. It runs on the
// execution context of the connection, and ctx is the context of that
// connection (see ContextConn). Exactly one of data and err is meaningful:
// when err != nil, data is nil.
type ResponseFunc func(ctx context.Context, data []byte, err error)

// A RecvFunc handles an inbound message that is not a reply to a call. It
// runs on the execution context of the connection and must not block.
type RecvFunc func(ctx context.Context, msg []byte)

// idGen mints correlation keys. It is only accessed on the strand.
type idGen struct {
	last ID
	max  ID // largest key to issue; 0 means no limit
}

// next returns the next key after the last one issued that is not reported
// busy by inUse, skipping NoID. It returns NoID if every key is busy. Since
// at most n keys are busy, at most n+1 candidates need to be examined.
func (g *idGen) next(n int, inUse func(ID) bool) ID {
	for range n + 1 {
		g.last++
		if g.last == NoID || (g.max != 0 && g.last > g.max) {
			g.last = 1
		}
		if !inUse(g.last) {
			return g.last
		}
	}
	return NoID
}

// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package codec provides implementations of the endpoint.Codec interface.
//
// [Frame] is a compact binary encoding in which every message carries its
// correlation key in a fixed header. [JSON] is JSON-RPC 2.0, which correlates
// replies by the "id" of each request.
//
// Each codec also provides the server side of its encoding: a Responder that
// decodes inbound requests, passes them to a handler, and sends the replies.
package codec

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/endpoint"
	"github.com/creachadair/endpoint/packet"
	"github.com/creachadair/taskgroup"
)

// Kind identifies the type of a frame.
type Kind byte

const (
	KindRequest Kind = 1 // a call awaiting a reply
	KindReply   Kind = 2 // a successful reply
	KindError   Kind = 3 // a failed reply
	KindNotify  Kind = 4 // a call with no reply
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindReply:
		return "REPLY"
	case KindError:
		return "ERROR"
	case KindNotify:
		return "NOTIFY"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// headerLen is the size of a frame header: one byte of kind, and an 8-byte
// big-endian correlation key.
const headerLen = 9

// Frame implements the [endpoint.Codec] interface with a binary encoding.
// Each message consists of a header followed by a body:
//
//	[kind:1][id:8][body]
//
// The body of a request or notification is the method name, encoded as a
// length-prefixed string (see packet.Vint30), followed by the request data.
// The body of a reply is the result data. The body of an error is an encoded
// [Error].
//
// A request passed to EncodeCall may be a Request or *Request. Any other
// value is encoded as the data of a request with an empty method name, and
// must be a []byte, a string, or implement encoding.BinaryMarshaler or
// encoding.TextMarshaler. Likewise, DecodeReply decodes into a *[]byte, a
// *string, or a value implementing encoding.BinaryUnmarshaler or
// encoding.TextUnmarshaler.
type Frame struct{}

// A Request is a call carried by a frame.
type Request struct {
	ID     endpoint.ID // NoID for a notification
	Method string
	Data   []byte
}

// EncodeCall implements a method of the [endpoint.Codec] interface.
func (Frame) EncodeCall(id endpoint.ID, req any) ([]byte, error) {
	var method string
	var data []byte
	switch r := req.(type) {
	case Request:
		method, data = r.Method, r.Data
	case *Request:
		method, data = r.Method, r.Data
	default:
		var err error
		data, err = marshal(req)
		if err != nil {
			return nil, err
		}
	}
	if len(method) > packet.MaxVint30 {
		return nil, fmt.Errorf("method name too long (%d bytes)", len(method))
	}
	kind := KindRequest
	if id == endpoint.NoID {
		kind = KindNotify
	}
	b := newFrame(kind, id, packet.VLen(len(method))+len(data))
	b.VPutString(method)
	b.Put(data...)
	return b.Bytes(), nil
}

// ReplyID implements a method of the [endpoint.Codec] interface.
func (Frame) ReplyID(msg []byte) (endpoint.ID, bool) {
	kind, id, _, err := parseFrame(msg)
	if err != nil || (kind != KindReply && kind != KindError) {
		return endpoint.NoID, false
	}
	return id, true
}

// DecodeReply implements a method of the [endpoint.Codec] interface. If msg
// is an error frame, DecodeReply reports its contents as an *Error.
func (Frame) DecodeReply(msg []byte, v any) error {
	kind, _, body, err := parseFrame(msg)
	if err != nil {
		return err
	}
	switch kind {
	case KindReply:
		return unmarshal(body, v)
	case KindError:
		e := new(Error)
		if err := e.Decode(body); err != nil {
			return fmt.Errorf("%w: %w", endpoint.ErrMalformedReply, err)
		}
		return e
	default:
		return fmt.Errorf("%w: unexpected %v frame", endpoint.ErrMalformedReply, kind)
	}
}

// ParseRequest decodes msg as a request or notification frame.
func (Frame) ParseRequest(msg []byte) (*Request, error) {
	kind, id, body, err := parseFrame(msg)
	if err != nil {
		return nil, err
	}
	if kind != KindRequest && kind != KindNotify {
		return nil, fmt.Errorf("unexpected %v frame", kind)
	}
	s := packet.NewScanner(body)
	method, err := packet.VGet[string](s)
	if err != nil {
		return nil, fmt.Errorf("invalid method name: %w", err)
	}
	req := &Request{Method: method, Data: s.Rest()}
	if kind == KindRequest {
		req.ID = id
	}
	return req, nil
}

// EncodeReply encodes a successful reply with the given data to the request
// with the specified id.
func (Frame) EncodeReply(id endpoint.ID, data []byte) []byte {
	b := newFrame(KindReply, id, len(data))
	b.Put(data...)
	return b.Bytes()
}

// EncodeError encodes a failed reply to the request with the specified id. If
// err is or wraps an *Error, its contents are sent; otherwise err is sent as
// an Error with code CodeServiceError.
func (Frame) EncodeError(id endpoint.ID, err error) []byte {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: CodeServiceError, Message: err.Error()}
	}
	b := newFrame(KindError, id, 0)
	e.encode(b)
	return b.Bytes()
}

func newFrame(kind Kind, id endpoint.ID, n int) *packet.Builder {
	var b packet.Builder
	b.Grow(headerLen + n)
	b.Put(byte(kind))
	b.Uint64(uint64(id))
	return &b
}

func parseFrame(msg []byte) (Kind, endpoint.ID, []byte, error) {
	if len(msg) < headerLen {
		return 0, endpoint.NoID, nil, fmt.Errorf("short frame (%d < %d bytes)", len(msg), headerLen)
	}
	s := packet.NewScanner(msg)
	kind, _ := s.Byte()
	id, _ := s.Uint64()
	return Kind(kind), endpoint.ID(id), s.Rest(), nil
}

// Error codes reported in error frames.
const (
	CodeServiceError  = 1 // the handler reported an error
	CodeUnknownMethod = 2 // no handler for the method
	CodeBadRequest    = 3 // the request could not be decoded
)

// An Error is the contents of an error frame: a failure reported by the
// remote endpoint in reply to a call.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

func (e *Error) encode(b *packet.Builder) {
	b.Vint30(uint32(min(max(e.Code, 0), packet.MaxVint30)))
	b.VPutString(e.Message)
}

// Encode encodes e in binary format.
func (e *Error) Encode() []byte {
	var b packet.Builder
	e.encode(&b)
	return b.Bytes()
}

// Decode decodes data into e.
func (e *Error) Decode(data []byte) error {
	s := packet.NewScanner(data)
	code, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("invalid error code: %w", err)
	}
	msg, err := packet.VGet[string](s)
	if err != nil {
		return fmt.Errorf("invalid error message: %w", err)
	}
	e.Code, e.Message = code, msg
	return nil
}

// A Handler serves a request received in a frame. It returns the data of
// the reply, or an error to send to the caller instead.
type Handler func(ctx context.Context, req *Request) ([]byte, error)

// A Mux is a Handler that dispatches requests by method name.
type Mux map[string]Handler

// Serve implements a [Handler] that calls the handler in m for the method of
// req, or reports CodeUnknownMethod if there is none.
func (m Mux) Serve(ctx context.Context, req *Request) ([]byte, error) {
	h, ok := m[req.Method]
	if !ok {
		return nil, &Error{Code: CodeUnknownMethod, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
	return h(ctx, req)
}

// Responder returns a function for use with [endpoint.Conn.OnRecv] that
// serves each inbound request with h, and sends the reply to the caller.
// Each request is served in its own goroutine. Messages that are not
// requests are discarded, as are the results of notifications.
func (f Frame) Responder(h Handler) endpoint.RecvFunc {
	return func(ctx context.Context, msg []byte) {
		req, err := f.ParseRequest(msg)
		if err != nil {
			return
		}
		respond(ctx, func(ctx context.Context) []byte {
			data, err := callHandler(ctx, req, h)
			if req.ID == endpoint.NoID {
				return nil
			} else if err != nil {
				return f.EncodeError(req.ID, err)
			}
			return f.EncodeReply(req.ID, data)
		})
	}
}

func callHandler(ctx context.Context, req *Request, h Handler) (_ []byte, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	return h(ctx, req)
}

// respond runs serve in a new goroutine, off the execution context of the
// connection that received the request, and sends the reply it returns.
func respond(ctx context.Context, serve func(context.Context) []byte) {
	conn := endpoint.ContextConn(ctx)
	hctx := endpoint.OffStrand(ctx)
	taskgroup.Go(func() error {
		if reply := serve(hctx); reply != nil && conn != nil {
			conn.AsyncSend(reply, nil)
		}
		return nil
	})
}

// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package codec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/creachadair/endpoint"
	"github.com/gorilla/rpc/v2/json2"
)

// JSON implements the [endpoint.Codec] interface with JSON-RPC 2.0 messages.
// JSON also implements [endpoint.Keyer]: each call carries an "id" chosen by
// the encoder, and the reply is matched by that id.
//
// A request passed to EncodeCall must be a Call or a Notification (or a
// pointer to one). Replies are decoded as JSON into the value given to
// DecodeReply, except that a *[]byte receives the raw JSON of the result. A
// failure reported by the remote endpoint is returned as a *json2.Error.
type JSON struct{}

// A Call is a JSON-RPC request that expects a reply.
type Call struct {
	Method string
	Params any
}

// A Notification is a JSON-RPC request that does not expect a reply.
type Notification struct {
	Method string
	Params any
}

type jsonRequest struct {
	Version string       `json:"jsonrpc"`
	Method  string       `json:"method"`
	Params  any          `json:"params,omitempty"`
	ID      *endpoint.ID `json:"id,omitempty"`
}

type jsonReply struct {
	Version string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *json2.Error    `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// jsonEnvelope captures the fields used to classify an inbound message.
type jsonEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (e *jsonEnvelope) isReply() bool {
	return e.Method == "" && len(e.ID) != 0 && (e.Result != nil || e.Error != nil)
}

// EncodeCall implements a method of the [endpoint.Codec] interface. For a
// Call with id == NoID, the encoder chooses the id; the connection learns it
// from RequestKey.
func (JSON) EncodeCall(id endpoint.ID, req any) ([]byte, error) {
	switch r := req.(type) {
	case *Call:
		return JSON{}.EncodeCall(id, *r)
	case *Notification:
		return JSON{}.EncodeCall(id, *r)
	case Call:
		if id == endpoint.NoID {
			return json2.EncodeClientRequest(r.Method, r.Params)
		}
		return json.Marshal(jsonRequest{Version: "2.0", Method: r.Method, Params: r.Params, ID: &id})
	case Notification:
		return json.Marshal(jsonRequest{Version: "2.0", Method: r.Method, Params: r.Params})
	default:
		return nil, fmt.Errorf("unsupported request type %T", req)
	}
}

// RequestKey implements the [endpoint.Keyer] interface.
func (JSON) RequestKey(msg []byte) (endpoint.ID, error) {
	var req struct {
		ID *endpoint.ID `json:"id"`
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		return endpoint.NoID, err
	} else if req.ID == nil {
		return endpoint.NoID, errors.New("request has no id")
	}
	return *req.ID, nil
}

// ReplyID implements a method of the [endpoint.Codec] interface.
func (JSON) ReplyID(msg []byte) (endpoint.ID, bool) {
	var env jsonEnvelope
	if err := json.Unmarshal(msg, &env); err != nil || !env.isReply() {
		return endpoint.NoID, false
	}
	var id endpoint.ID
	if err := json.Unmarshal(env.ID, &id); err != nil {
		return endpoint.NoID, false
	}
	return id, true
}

// DecodeReply implements a method of the [endpoint.Codec] interface.
func (JSON) DecodeReply(msg []byte, v any) error {
	var err error
	if p, ok := v.(*[]byte); ok {
		var raw json.RawMessage
		err = json2.DecodeClientResponse(bytes.NewReader(msg), &raw)
		*p = raw
	} else {
		err = json2.DecodeClientResponse(bytes.NewReader(msg), v)
	}
	if errors.Is(err, json2.ErrNullResult) {
		return fmt.Errorf("%w: %w", endpoint.ErrNoData, err)
	}
	var jerr *json2.Error
	if err != nil && !errors.As(err, &jerr) {
		var serr *json.SyntaxError
		if errors.As(err, &serr) {
			return fmt.Errorf("%w: %w", endpoint.ErrMalformedReply, err)
		}
	}
	return err
}

// A JSONRequest is a JSON-RPC request received by a server.
type JSONRequest struct {
	ID     json.RawMessage // nil for a notification
	Method string
	Params json.RawMessage
}

// IsNotification reports whether r expects no reply.
func (r *JSONRequest) IsNotification() bool { return r.ID == nil }

// Decode decodes the parameters of r into v. A failure is reported as a
// *json2.Error with code E_BAD_PARAMS.
func (r *JSONRequest) Decode(v any) error {
	if err := json.Unmarshal(r.Params, v); err != nil {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: err.Error()}
	}
	return nil
}

// ParseRequest decodes msg as a JSON-RPC request.
func (JSON) ParseRequest(msg []byte) (*JSONRequest, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, err
	} else if env.Method == "" {
		return nil, errors.New("message is not a request")
	}
	req := &JSONRequest{Method: env.Method, Params: env.Params}
	if len(env.ID) != 0 && !bytes.Equal(env.ID, []byte("null")) {
		req.ID = env.ID
	}
	return req, nil
}

// EncodeResult encodes a successful reply carrying result to the request
// with the given id.
func (JSON) EncodeResult(id json.RawMessage, result any) ([]byte, error) {
	if result == nil {
		result = json.RawMessage("null")
	}
	return json.Marshal(jsonReply{Version: "2.0", Result: result, ID: id})
}

// EncodeError encodes a failed reply to the request with the given id. If
// err is or wraps a *json2.Error, it is sent as given; otherwise err is sent
// with code E_SERVER.
func (JSON) EncodeError(id json.RawMessage, err error) ([]byte, error) {
	var jerr *json2.Error
	if !errors.As(err, &jerr) {
		jerr = &json2.Error{Code: json2.E_SERVER, Message: err.Error()}
	}
	return json.Marshal(jsonReply{Version: "2.0", Error: jerr, ID: id})
}

// A JSONHandler serves a JSON-RPC request. It returns a result to be encoded
// as JSON, or an error to send to the caller instead.
type JSONHandler func(ctx context.Context, req *JSONRequest) (any, error)

// A JSONMux is a JSONHandler that dispatches requests by method name.
type JSONMux map[string]JSONHandler

// Serve implements a [JSONHandler] that calls the handler in m for the method
// of req, or reports E_NO_METHOD if there is none.
func (m JSONMux) Serve(ctx context.Context, req *JSONRequest) (any, error) {
	h, ok := m[req.Method]
	if !ok {
		return nil, &json2.Error{Code: json2.E_NO_METHOD, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
	return h(ctx, req)
}

// Responder returns a function for use with [endpoint.Conn.OnRecv] that
// serves each inbound request with h, and sends the reply to the caller, as
// [Frame.Responder] does.
func (j JSON) Responder(h JSONHandler) endpoint.RecvFunc {
	return func(ctx context.Context, msg []byte) {
		req, err := j.ParseRequest(msg)
		if err != nil {
			return
		}
		respond(ctx, func(ctx context.Context) []byte {
			result, err := callJSONHandler(ctx, req, h)
			if req.IsNotification() {
				return nil
			}
			var reply []byte
			if err == nil {
				reply, err = j.EncodeResult(req.ID, result)
			}
			if err != nil {
				reply, _ = j.EncodeError(req.ID, err)
			}
			return reply
		})
	}
}

func callJSONHandler(ctx context.Context, req *JSONRequest, h JSONHandler) (_ any, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = &json2.Error{Code: json2.E_INTERNAL, Message: fmt.Sprintf("handler panicked (recovered): %v", x)}
		}
	}()
	return h(ctx, req)
}

// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package codec

import (
	"bytes"
	"context"
	"encoding"
	"fmt"

	"github.com/creachadair/endpoint"
)

// unmarshal decodes data into v. The concrete type of v must be a pointer to
// a []byte or string, or must implement encoding.BinaryUnmarshaler or
// encoding.TextUnmarshaler. If v implements both, BinaryUnmarshaler is
// preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
		return nil
	case *string:
		*t = string(data)
		return nil
	}
	if len(data) == 0 {
		return endpoint.ErrNoData
	}
	switch t := v.(type) {
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
}

// marshal encodes v. The concrete type of v must be a []byte or string (or a
// pointer to these), or must implement encoding.BinaryMarshaler or
// encoding.TextMarshaler. A nil pointer to a string or []byte encodes as nil.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}

// Func adapts a function f that accepts parameters of type P and returns a
// result of type R, to a Handler. Parameters and results are encoded as
// described for [Frame].
func Func[P, R any](f func(context.Context, P) (R, error)) Handler {
	return func(ctx context.Context, req *Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, &Error{Code: CodeBadRequest, Message: err.Error()}
		}
		r, err := f(ctx, p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// Package jsoncodec is the JSON codec of the runtime, backed by sonic.
// Exchange bodies are rendered with BodyBytes and read into typed payloads
// with DecodeBody.
package jsoncodec

import (
	"errors"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

// ErrEmptyBody is returned when there is nothing to decode.
var ErrEmptyBody = errors.New("jsoncodec: empty body")

var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) { return api.Marshal(v) }

func Unmarshal(data []byte, v any) error { return api.Unmarshal(data, v) }

// Encode writes v to w followed by a newline.
func Encode(w io.Writer, v any) error { return api.NewEncoder(w).Encode(v) }

// BodyBytes renders an exchange body for the wire. Byte slices and strings
// pass through, a fmt.Stringer is rendered with String, nil is empty and any
// other value is encoded as JSON.
func BodyBytes(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return []byte{}, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case fmt.Stringer:
		return []byte(b.String()), nil
	default:
		return api.Marshal(b)
	}
}

// DecodeBody decodes an exchange body into target. Bytes and strings are
// parsed as JSON. Other values are encoded first, so a generic map read by a
// consumer can still fill a struct.
func DecodeBody(body any, target any) error {
	var data []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		data = b
	case string:
		data = []byte(b)
	default:
		encoded, err := api.Marshal(b)
		if err != nil {
			return err
		}
		data = encoded
	}
	if len(data) == 0 {
		return ErrEmptyBody
	}
	return api.Unmarshal(data, target)
}

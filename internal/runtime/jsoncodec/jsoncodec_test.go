package jsoncodec

import (
	"bytes"
	"errors"
	"testing"
)

type order struct {
	ID   int    `json:"id"`
	Item string `json:"item"`
}

type tag string

func (t tag) String() string { return "tag:" + string(t) }

func TestBodyBytes(t *testing.T) {
	cases := []struct {
		name string
		body any
		want string
	}{
		{"nil", nil, ""},
		{"bytes", []byte("raw"), "raw"},
		{"string", "text", "text"},
		{"stringer", tag("blue"), "tag:blue"},
		{"struct", order{ID: 7, Item: "lamp"}, `{"id":7,"item":"lamp"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BodyBytes(tc.body)
			if err != nil {
				t.Fatalf("BodyBytes: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecodeBodyAcceptsConsumerShapes(t *testing.T) {
	want := order{ID: 42, Item: "desk"}
	for name, body := range map[string]any{
		"bytes":  []byte(`{"id":42,"item":"desk"}`),
		"string": `{"id":42,"item":"desk"}`,
		"map":    map[string]any{"id": 42, "item": "desk"},
	} {
		var got order
		if err := DecodeBody(body, &got); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got != want {
			t.Fatalf("%s: got %+v", name, got)
		}
	}
}

func TestDecodeBodyRejectsEmptyBody(t *testing.T) {
	var got order
	for _, body := range []any{nil, []byte{}, ""} {
		if err := DecodeBody(body, &got); !errors.Is(err, ErrEmptyBody) {
			t.Fatalf("DecodeBody(%#v) err = %v", body, err)
		}
	}
}

func TestEncodeTerminatesLine(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, order{ID: 1}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := buf.String(); got != "{\"id\":1,\"item\":\"\"}\n" {
		t.Fatalf("encoded %q", got)
	}
}

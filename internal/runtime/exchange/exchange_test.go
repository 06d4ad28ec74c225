package exchange

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/drblury/routeflow/internal/runtime/metadata"
)

type payload struct {
	Order string `json:"order"`
}

func TestNewExchangeDefaults(t *testing.T) {
	ex := New(context.TODO(), EndpointRef{URI: "seda:orders", Key: "seda://orders"})

	if !strings.HasPrefix(ex.ID, "ex-") || !strings.HasPrefix(ex.In.ID, "msg-") {
		t.Fatalf("unexpected ids exchange=%q message=%q", ex.ID, ex.In.ID)
	}
	if ex.Copy().ID == ex.ID {
		t.Fatal("copy must get a fresh id")
	}
	if ex.In == nil || ex.In.Headers == nil {
		t.Fatal("expected in message with headers")
	}
	if ex.Context() == nil {
		t.Fatal("expected non-nil context")
	}
	if ex.Failed() {
		t.Fatal("new exchange should not be failed")
	}
}

func TestFailureFlag(t *testing.T) {
	ex := New(context.Background(), EndpointRef{})
	ex.SetRollbackOnly()
	if !ex.Failed() {
		t.Fatal("rollback-only exchange should be failed")
	}

	other := New(context.Background(), EndpointRef{})
	other.Fail(errors.New("boom"))
	if !other.Failed() {
		t.Fatal("exchange with error should be failed")
	}
}

func TestBodyBytes(t *testing.T) {
	tests := []struct {
		name string
		body any
		want string
	}{
		{"nil", nil, ""},
		{"string", "hello", "hello"},
		{"bytes", []byte("raw"), "raw"},
		{"struct", payload{Order: "42"}, `{"order":"42"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewMessage(tt.body, nil)
			got, err := msg.BodyBytes()
			if err != nil {
				t.Fatalf("BodyBytes: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeBody(t *testing.T) {
	var got payload
	if err := NewMessage([]byte(`{"order":"7"}`), nil).DecodeBody(&got); err != nil || got.Order != "7" {
		t.Fatalf("bytes body: %+v, %v", got, err)
	}
	if err := NewMessage(map[string]any{"order": "8"}, nil).DecodeBody(&got); err != nil || got.Order != "8" {
		t.Fatalf("map body: %+v, %v", got, err)
	}
	var missing *Message
	if err := missing.DecodeBody(&got); err == nil {
		t.Fatal("nil message should not decode")
	}
}

func TestCopyIsIndependent(t *testing.T) {
	ex := New(context.Background(), EndpointRef{URI: "direct:a", Key: "direct://a"})
	ex.In = NewMessage("body", metadata.New("k", "v"))
	ex.SetProperty("p", 1)
	ex.FromRouteID = "route-a"

	cp := ex.Copy()
	cp.In.SetHeader("k", "changed")
	cp.SetProperty("p", 2)

	if cp.ID == ex.ID {
		t.Fatal("copy should get a new id")
	}
	if ex.In.Header("k") != "v" {
		t.Fatalf("original header mutated: %q", ex.In.Header("k"))
	}
	if ex.Property("p") != 1 {
		t.Fatalf("original property mutated: %v", ex.Property("p"))
	}
	if cp.FromRouteID != "route-a" || cp.FromEndpoint != ex.FromEndpoint {
		t.Fatal("copy should keep source route and endpoint")
	}
	if cp.UnitOfWork() != nil {
		t.Fatal("copy should not share the unit of work")
	}
}

func TestResultPrefersOut(t *testing.T) {
	ex := New(context.Background(), EndpointRef{})
	if ex.Result() != ex.In {
		t.Fatal("expected in message when no out")
	}
	ex.Out = NewMessage("reply", nil)
	if ex.Result() != ex.Out {
		t.Fatal("expected out message")
	}
}

func TestSetPropertyNilRemoves(t *testing.T) {
	ex := New(context.Background(), EndpointRef{})
	ex.SetProperty("a", "b")
	ex.SetProperty("a", nil)
	if ex.Property("a") != nil {
		t.Fatal("expected property removed")
	}
	if len(ex.Properties()) != 0 {
		t.Fatal("expected empty properties")
	}
}

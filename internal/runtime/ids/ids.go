// Package ids hands out the identifiers of exchanges, messages, units of work
// and correlations. An id is a kind prefix followed by a monotonic ULID, so
// ids of one kind sort by creation time.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind is the prefix naming what an id identifies.
type Kind string

const (
	Exchange    Kind = "ex"
	Message     Kind = "msg"
	UnitOfWork  Kind = "uow"
	Correlation Kind = "corr"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns an id of kind stamped with the current time.
func New(kind Kind) string { return At(kind, time.Now()) }

// At returns an id of kind whose timestamp is t. Exchanges use it so the id
// and the Created field agree.
func At(kind Kind, t time.Time) string {
	mu.Lock()
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	mu.Unlock()
	if err != nil {
		// monotonic overflow within a single millisecond
		id = ulid.Make()
	}
	return string(kind) + "-" + id.String()
}

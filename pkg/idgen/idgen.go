package idgen

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator mints identifiers.
type Generator interface {
	NewID() string
}

// UUID generates random v4 UUIDs. Used for aggregate and payment ids.
type UUID struct{}

func (UUID) NewID() string {
	return uuid.NewString()
}

// ULID generates lexicographically sortable ids. Used for event ids.
type ULID struct{}

func (ULID) NewID() string {
	return MustGenerateSortableID()
}

// MustGenerateSortableID returns a ULID for the current time.
func MustGenerateSortableID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Sequence generates prefix-1, prefix-2, ... and is safe for concurrent use.
// It is meant for tests that need predictable ids.
type Sequence struct {
	Prefix string

	mu   sync.Mutex
	next int
}

func (s *Sequence) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	return fmt.Sprintf("%s-%d", s.Prefix, s.next)
}

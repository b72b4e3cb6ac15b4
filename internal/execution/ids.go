package execution

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces client order ids. The id is the idempotency token
// sent to the venue, so it must be unique per session.
type IDGenerator interface {
	Next() string
}

// UUIDs generates random v4 ids for live trading.
type UUIDs struct{}

func (UUIDs) Next() string { return uuid.NewString() }

// SeededIDs derives ids from a seed and a counter, so two replays with the
// same seed produce the same ids.
type SeededIDs struct {
	mu   sync.Mutex
	seed int64
	n    uint64
}

func NewSeededIDs(seed int64) *SeededIDs {
	return &SeededIDs{seed: seed}
}

func (s *SeededIDs) Next() string {
	s.mu.Lock()
	s.n++
	name := fmt.Sprintf("%d:%d", s.seed, s.n)
	s.mu.Unlock()
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

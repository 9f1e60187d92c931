package substrate

import (
	"context"
	"sync"
)

// Serializer gives every state transition a single global order. The HTTP
// surface is concurrent; the ledger model is not.
type Serializer struct {
	mu sync.Mutex
}

// NewSerializer creates a serializer
func NewSerializer() *Serializer {
	return &Serializer{}
}

// Do runs fn with exclusive access to substrate state
func (s *Serializer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx)
}

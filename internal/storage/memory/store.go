// Package memory provides an in-process StateStore.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/teller/internal/core/domain"
	"github.com/tjfontaine/teller/internal/core/ports"
)

// Store is an in-memory implementation of ports.StateStore. States are deep
// copied on the way in and out, so callers never alias stored messages.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*domain.ConversationState
}

var (
	_ ports.StateStore   = (*Store)(nil)
	_ ports.ThreadLister = (*Store)(nil)
)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		threads: make(map[string]*domain.ConversationState),
	}
}

func (s *Store) Load(ctx context.Context, threadID string) (*domain.ConversationState, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.threads[threadID]
	if !ok {
		return nil, false, nil
	}
	return st.Clone(), true, nil
}

func (s *Store) Commit(ctx context.Context, state *domain.ConversationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state == nil || state.ThreadID == "" {
		return fmt.Errorf("commit: thread id is required")
	}
	if err := state.Validate(); err != nil {
		return fmt.Errorf("commit %s: %w", state.ThreadID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.threads[state.ThreadID]; ok && len(state.Messages) < len(prev.Messages) {
		return fmt.Errorf("commit %s: %w", state.ThreadID, ports.ErrHistoryRewrite)
	}

	cp := state.Clone()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.threads[state.ThreadID] = cp
	return nil
}

func (s *Store) ListThreads(ctx context.Context, opts ports.ListOptions) ([]ports.ThreadSummary, error) {
	s.mu.RLock()
	states := make([]*domain.ConversationState, 0, len(s.threads))
	for _, st := range s.threads {
		states = append(states, st)
	}
	s.mu.RUnlock()

	// Most recently updated first, matching the SQL store.
	sort.Slice(states, func(i, j int) bool {
		if states[i].UpdatedAt.Equal(states[j].UpdatedAt) {
			return states[i].ThreadID < states[j].ThreadID
		}
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(states) {
			return []ports.ThreadSummary{}, nil
		}
		states = states[opts.Offset:]
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = ports.DefaultListLimit
	}
	if len(states) > limit {
		states = states[:limit]
	}

	out := make([]ports.ThreadSummary, len(states))
	for i, st := range states {
		out[i] = ports.ThreadSummary{
			ThreadID:     st.ThreadID,
			CustomerID:   st.CustomerID,
			Verified:     st.Verified,
			MessageCount: len(st.Messages),
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}

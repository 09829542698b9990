package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tjfontaine/teller/internal/core/domain"
)

// Session is exclusive access to one thread for the duration of a turn.
// Changes are staged in a delta and only become visible to other turns on
// Commit. A Session is not safe for concurrent use.
type Session struct {
	manager *Manager
	lock    *threadLock

	base  *domain.ConversationState
	delta *domain.ConversationState

	// checkpoint is the staged delta as of the last fully appended batch.
	checkpoint *domain.ConversationState

	releaseOnce sync.Once
}

// ThreadID returns the thread this session holds.
func (s *Session) ThreadID() string {
	return s.base.ThreadID
}

// Verified reports whether the thread is verified, counting staged changes.
func (s *Session) Verified() bool {
	return s.base.Verified || s.delta.Verified
}

// CustomerID returns the effective customer id, counting staged changes.
func (s *Session) CustomerID() string {
	if s.base.Verified || s.delta.CustomerID == "" {
		return s.base.CustomerID
	}
	return s.delta.CustomerID
}

// State returns the committed state merged with everything staged so far.
func (s *Session) State() *domain.ConversationState {
	return domain.Merge(s.base, s.delta)
}

// Messages returns the full history including staged messages.
func (s *Session) Messages() []domain.Message {
	return s.State().Messages
}

// Append stages messages at the end of the history.
func (s *Session) Append(msgs ...domain.Message) {
	s.delta.Messages = append(s.delta.Messages, msgs...)
}

// SetCustomerID records a customer id hint. It has no effect once the thread
// is verified.
func (s *Session) SetCustomerID(id string) {
	if id == "" || s.Verified() {
		return
	}
	s.delta.CustomerID = id
}

// MarkVerified flips the thread to verified and pins customerID. A thread
// that is already verified keeps its original customer.
func (s *Session) MarkVerified(customerID string) {
	if s.Verified() {
		return
	}
	s.delta.Verified = true
	if customerID != "" {
		s.delta.CustomerID = customerID
	}
}

// Checkpoint remembers the staged state as consistent.
func (s *Session) Checkpoint() {
	s.checkpoint = s.delta.Clone()
}

// Commit merges every staged change into the committed state.
func (s *Session) Commit(ctx context.Context) error {
	return s.commit(ctx, s.delta)
}

// CommitCheckpoint persists the state as of the last Checkpoint and discards
// anything staged after it. It reports whether anything was written.
func (s *Session) CommitCheckpoint(ctx context.Context) (bool, error) {
	cp := s.checkpoint
	if cp == nil || (len(cp.Messages) == 0 && !cp.Verified && cp.CustomerID == "") {
		return false, nil
	}
	if err := s.commit(ctx, cp); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Session) commit(ctx context.Context, delta *domain.ConversationState) error {
	merged := domain.Merge(s.base, delta)

	cctx, cancel := s.manager.commitContext(ctx)
	defer cancel()

	if err := s.manager.store.Commit(cctx, merged); err != nil {
		s.manager.logger.Error("commit failed",
			slog.String("thread_id", merged.ThreadID),
			slog.Int("messages", len(merged.Messages)),
			slog.String("error", err.Error()),
		)
		return domain.ErrStore(fmt.Errorf("commit %s: %w", merged.ThreadID, err))
	}

	s.base = merged
	s.delta = domain.NewConversationState(merged.ThreadID)
	s.checkpoint = nil
	return nil
}

// Release gives up the thread lock. It is safe to call more than once.
func (s *Session) Release() {
	s.releaseOnce.Do(func() {
		s.lock.sem.Release(1)
		s.manager.unref(s.ThreadID())
	})
}

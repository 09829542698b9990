// Package ports declares the interfaces between the orchestrator core and its
// collaborators.
package ports

import (
	"context"
	"errors"

	"github.com/tjfontaine/teller/internal/core/domain"
)

var (
	// ErrNotFound is returned by read-only lookups of unknown threads.
	ErrNotFound = errors.New("not found")

	// ErrHistoryRewrite is returned when a commit would drop or reorder
	// messages that are already persisted.
	ErrHistoryRewrite = errors.New("commit would rewrite persisted history")
)

// StateStore persists committed conversation state. It performs no locking
// of its own beyond what is needed to make Commit atomic; per-thread mutual
// exclusion is the caller's job.
type StateStore interface {
	// Load returns the committed state for threadID. The bool is false when
	// the thread has never been committed; the returned state is then nil.
	Load(ctx context.Context, threadID string) (*domain.ConversationState, bool, error)

	// Commit atomically replaces the stored state for state.ThreadID.
	Commit(ctx context.Context, state *domain.ConversationState) error

	// Close releases the backend.
	Close() error
}

// ThreadLister is implemented by stores that can enumerate threads.
type ThreadLister interface {
	ListThreads(ctx context.Context, opts ListOptions) ([]ThreadSummary, error)
}

// DefaultListLimit applies when ListOptions.Limit is not positive.
const DefaultListLimit = 100

// ListOptions holds pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// ThreadSummary is the listing view of a thread.
type ThreadSummary struct {
	ThreadID     string `json:"thread_id" db:"thread_id"`
	CustomerID   string `json:"customer_id,omitempty" db:"customer_id"`
	Verified     bool   `json:"verified" db:"verified"`
	MessageCount int    `json:"message_count" db:"message_count"`
}

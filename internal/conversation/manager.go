// Package conversation serializes turns per thread and stages their state
// changes until they are committed to a ports.StateStore.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tjfontaine/teller/internal/core/domain"
	"github.com/tjfontaine/teller/internal/core/ports"
)

const (
	// DefaultLockTimeout bounds how long a turn waits for a busy thread.
	DefaultLockTimeout = 30 * time.Second

	// DefaultCommitTimeout bounds a commit that outlives its request.
	DefaultCommitTimeout = 5 * time.Second
)

// Manager hands out one Session per thread at a time.
type Manager struct {
	store         ports.StateStore
	logger        *slog.Logger
	lockTimeout   time.Duration
	commitTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	sem  *semaphore.Weighted
	refs int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithLockTimeout sets how long Acquire waits for a held thread. Zero waits
// until the context ends.
func WithLockTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.lockTimeout = d
	}
}

// WithCommitTimeout sets the deadline of commits detached from a finished request.
func WithCommitTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.commitTimeout = d
	}
}

// NewManager creates a Manager over store.
func NewManager(store ports.StateStore, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		logger:        slog.Default(),
		lockTimeout:   DefaultLockTimeout,
		commitTimeout: DefaultCommitTimeout,
		locks:         make(map[string]*threadLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire takes the thread's lock and loads its committed state, creating an
// empty state for new threads. The caller must Release the session.
func (m *Manager) Acquire(ctx context.Context, threadID string) (*Session, error) {
	if threadID == "" {
		return nil, domain.ErrInvalidRequest("thread id is required")
	}

	lock := m.ref(threadID)

	waitCtx := ctx
	if m.lockTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.lockTimeout)
		defer cancel()
	}
	if err := lock.sem.Acquire(waitCtx, 1); err != nil {
		m.unref(threadID)
		if ctx.Err() != nil {
			return nil, domain.FromContext(ctx.Err())
		}
		m.logger.Warn("thread lock wait timed out",
			slog.String("thread_id", threadID),
			slog.Duration("lock_timeout", m.lockTimeout),
		)
		return nil, domain.NewTurnError(domain.ErrorKindThreadBusy, fmt.Errorf("thread %s: %w", threadID, domain.ErrThreadBusy))
	}

	base, ok, err := m.store.Load(ctx, threadID)
	if err != nil {
		lock.sem.Release(1)
		m.unref(threadID)
		if ctx.Err() != nil {
			return nil, domain.FromContext(ctx.Err())
		}
		return nil, domain.ErrStore(fmt.Errorf("load %s: %w", threadID, err))
	}
	if !ok {
		base = domain.NewConversationState(threadID)
	}

	return &Session{
		manager: m,
		lock:    lock,
		base:    base,
		delta:   domain.NewConversationState(threadID),
	}, nil
}

// Snapshot returns the committed state of a thread without taking its lock.
func (m *Manager) Snapshot(ctx context.Context, threadID string) (*domain.ConversationState, error) {
	st, ok, err := m.store.Load(ctx, threadID)
	if err != nil {
		return nil, domain.ErrStore(fmt.Errorf("load %s: %w", threadID, err))
	}
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, ports.ErrNotFound)
	}
	return st, nil
}

// ListThreads lists committed threads when the store supports it.
func (m *Manager) ListThreads(ctx context.Context, opts ports.ListOptions) ([]ports.ThreadSummary, error) {
	lister, ok := m.store.(ports.ThreadLister)
	if !ok {
		return nil, errors.New("store does not support listing threads")
	}
	out, err := lister.ListThreads(ctx, opts)
	if err != nil {
		return nil, domain.ErrStore(err)
	}
	return out, nil
}

func (m *Manager) ref(threadID string) *threadLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[threadID]
	if !ok {
		l = &threadLock{sem: semaphore.NewWeighted(1)}
		m.locks[threadID] = l
	}
	l.refs++
	return l
}

func (m *Manager) unref(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[threadID]
	if !ok {
		return
	}
	l.refs--
	if l.refs <= 0 {
		delete(m.locks, threadID)
	}
}

// commitContext detaches persistence from the request so a turn that ends by
// cancellation can still record its last checkpoint.
func (m *Manager) commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if m.commitTimeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, m.commitTimeout)
}

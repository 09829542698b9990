// Package sqldb persists conversation state in SQLite, PostgreSQL or MySQL.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/teller/internal/core/domain"
	"github.com/tjfontaine/teller/internal/core/ports"
	"github.com/tjfontaine/teller/internal/storage/dialect"
)

// Store is a SQL implementation of ports.StateStore that supports multiple
// database dialects. A thread is one row in threads plus its ordered messages
// in thread_messages; Commit only ever appends messages.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var (
	_ ports.StateStore   = (*Store)(nil)
	_ ports.ThreadLister = (*Store)(nil)
)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres, mysql
	DSN    string // Data source name; MySQL DSNs need parseTime=true
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.Name() == string(dialect.SQLite) {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	key, text, b, ts := s.dialect.KeyType(), s.dialect.TextType(), s.dialect.BooleanType(), s.dialect.TimestampType()
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS threads (
thread_id %s PRIMARY KEY,
customer_id %s NOT NULL,
verified %s NOT NULL,
message_count INTEGER NOT NULL,
updated_at %s NOT NULL
)`, key, key, b, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS thread_messages (
thread_id %s NOT NULL,
seq INTEGER NOT NULL,
kind %s NOT NULL,
payload %s NOT NULL,
created_at %s NOT NULL,
PRIMARY KEY (thread_id, seq),
FOREIGN KEY (thread_id) REFERENCES threads(thread_id) ON DELETE CASCADE
)`, key, key, text, ts),
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

type threadRow struct {
	ThreadID     string    `db:"thread_id"`
	CustomerID   string    `db:"customer_id"`
	Verified     bool      `db:"verified"`
	MessageCount int       `db:"message_count"`
	UpdatedAt    time.Time `db:"updated_at"`
}

type messageRow struct {
	Seq     int    `db:"seq"`
	Payload string `db:"payload"`
}

func (s *Store) Load(ctx context.Context, threadID string) (*domain.ConversationState, bool, error) {
	var row threadRow
	query := s.dialect.Rebind(`SELECT thread_id, customer_id, verified, message_count, updated_at
FROM threads WHERE thread_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load thread %s: %w", threadID, err)
	}

	var rows []messageRow
	query = s.dialect.Rebind(`SELECT seq, payload FROM thread_messages WHERE thread_id = ? ORDER BY seq ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, threadID); err != nil {
		return nil, false, fmt.Errorf("load messages %s: %w", threadID, err)
	}
	if len(rows) != row.MessageCount {
		return nil, false, fmt.Errorf("thread %s: %d messages stored, %d recorded", threadID, len(rows), row.MessageCount)
	}

	st := &domain.ConversationState{
		ThreadID:   row.ThreadID,
		CustomerID: row.CustomerID,
		Verified:   row.Verified,
		UpdatedAt:  row.UpdatedAt.UTC(),
		Messages:   make([]domain.Message, len(rows)),
	}
	for i, r := range rows {
		if err := json.Unmarshal([]byte(r.Payload), &st.Messages[i]); err != nil {
			return nil, false, fmt.Errorf("thread %s message %d: %w", threadID, r.Seq, err)
		}
	}
	return st, true, nil
}

// Commit appends the messages not yet persisted and updates the thread row
// in a single transaction.
func (s *Store) Commit(ctx context.Context, state *domain.ConversationState) error {
	if state == nil || state.ThreadID == "" {
		return fmt.Errorf("commit: thread id is required")
	}
	if err := state.Validate(); err != nil {
		return fmt.Errorf("commit %s: %w", state.ThreadID, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var persisted int
	query := s.dialect.Rebind(`SELECT message_count FROM threads WHERE thread_id = ?`)
	if err := tx.GetContext(ctx, &persisted, query, state.ThreadID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("commit %s: %w", state.ThreadID, err)
	}
	if len(state.Messages) < persisted {
		return fmt.Errorf("commit %s: %w", state.ThreadID, ports.ErrHistoryRewrite)
	}

	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	upsert := s.dialect.Rebind(`INSERT INTO threads (thread_id, customer_id, verified, message_count, updated_at)
VALUES (?, ?, ?, ?, ?) ` + s.dialect.UpsertClause("thread_id", []string{"customer_id", "verified", "message_count", "updated_at"}))
	if _, err := tx.ExecContext(ctx, upsert, state.ThreadID, state.CustomerID, state.Verified, len(state.Messages), updatedAt.UTC()); err != nil {
		return fmt.Errorf("commit %s: %w", state.ThreadID, err)
	}

	insert := s.dialect.Rebind(`INSERT INTO thread_messages (thread_id, seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`)
	for seq := persisted; seq < len(state.Messages); seq++ {
		m := state.Messages[seq]
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("commit %s message %d: %w", state.ThreadID, seq, err)
		}
		created := m.CreatedAt
		if created.IsZero() {
			created = updatedAt
		}
		if _, err := tx.ExecContext(ctx, insert, state.ThreadID, seq, string(m.Kind), string(payload), created.UTC()); err != nil {
			return fmt.Errorf("commit %s message %d: %w", state.ThreadID, seq, err)
		}
	}

	return tx.Commit()
}

func (s *Store) ListThreads(ctx context.Context, opts ports.ListOptions) ([]ports.ThreadSummary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = ports.DefaultListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := s.dialect.Rebind(`SELECT thread_id, customer_id, verified, message_count
FROM threads ORDER BY updated_at DESC, thread_id ASC LIMIT ? OFFSET ?`)
	out := []ports.ThreadSummary{}
	if err := s.db.SelectContext(ctx, &out, query, limit, offset); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

package runtime

import (
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/teller/internal/banking"
	"github.com/tjfontaine/teller/internal/capability"
	"github.com/tjfontaine/teller/internal/config"
	"github.com/tjfontaine/teller/internal/core/ports"
	"github.com/tjfontaine/teller/internal/policy"
	"github.com/tjfontaine/teller/internal/storage/memory"
	"github.com/tjfontaine/teller/internal/storage/sqldb"
)

// Option is a functional option for configuring a Teller.
type Option func(*Teller) error

// WithFileConfig loads configuration from path plus TELLER_* overrides.
func WithFileConfig(path string) Option {
	return func(t *Teller) error {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		t.cfg = cfg
		return nil
	}
}

// WithConfig uses an already loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(t *Teller) error {
		if cfg == nil {
			return fmt.Errorf("config is nil")
		}
		t.cfg = cfg
		return nil
	}
}

// WithMemoryStore keeps conversation state in process memory.
func WithMemoryStore() Option {
	return func(t *Teller) error {
		t.store = memory.New()
		return nil
	}
}

// WithSQLite persists conversation state in a SQLite file.
func WithSQLite(path string) Option {
	return func(t *Teller) error {
		store, err := sqldb.NewSQLite(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		t.store = store
		return nil
	}
}

// WithPostgres persists conversation state in PostgreSQL.
func WithPostgres(dsn string) Option {
	return withSQL("postgres", dsn)
}

// WithMySQL persists conversation state in MySQL.
func WithMySQL(dsn string) Option {
	return withSQL("mysql", dsn)
}

func withSQL(driver, dsn string) Option {
	return func(t *Teller) error {
		store, err := sqldb.New(sqldb.Config{Driver: driver, DSN: dsn})
		if err != nil {
			return fmt.Errorf("create %s storage: %w", driver, err)
		}
		t.store = store
		return nil
	}
}

// WithStateStore sets a custom conversation store. Teller closes it on
// Shutdown.
func WithStateStore(store ports.StateStore) Option {
	return func(t *Teller) error {
		t.store = store
		return nil
	}
}

// WithBankingRepository replaces the fixture-backed account data.
func WithBankingRepository(repo banking.Repository) Option {
	return func(t *Teller) error {
		t.repo = repo
		return nil
	}
}

// WithCapability registers an additional capability next to the banking set.
func WithCapability(d capability.Descriptor, h capability.Handler) Option {
	return func(t *Teller) error {
		t.extra = append(t.extra, func(r *capability.Registry) error {
			return r.Register(d, h)
		})
		return nil
	}
}

// WithPolicy sets the policy behind POST /chat instead of building one from
// configuration.
func WithPolicy(p policy.Policy) Option {
	return func(t *Teller) error {
		t.primary = p
		return nil
	}
}

// WithLocalPolicy enables POST /chat/local with p.
func WithLocalPolicy(p policy.Policy) Option {
	return func(t *Teller) error {
		t.local = p
		return nil
	}
}

// WithHTTPClient sets the client used by model backends.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Teller) error {
		t.httpClient = c
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Teller) error {
		t.logger = logger
		return nil
	}
}

// WithTracer sets the tracer for turn, policy and operation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(t *Teller) error {
		t.tracer = tracer
		return nil
	}
}

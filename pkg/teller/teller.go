// Package teller provides the public API for embedding the banking assistant.
// This is the stable API for external consumers.
package teller

import (
	"github.com/tjfontaine/teller/internal/orchestrator"
	"github.com/tjfontaine/teller/internal/runtime"
)

// Teller is the assembled assistant.
// See internal/runtime.Teller for full documentation.
type Teller = runtime.Teller

// Option is a functional option for configuring a Teller.
type Option = runtime.Option

// SubmitRequest is one customer message.
type SubmitRequest = orchestrator.SubmitRequest

// SubmitResponse is the assistant's reply for a turn.
type SubmitResponse = orchestrator.SubmitResponse

// New creates a new Teller with the given options.
// Example:
//
//	t, err := teller.New(
//	    teller.WithFileConfig("config.yaml"),
//	    teller.WithSQLite("./data/teller.db"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig = runtime.WithFileConfig
	WithConfig     = runtime.WithConfig

	// Storage
	WithMemoryStore = runtime.WithMemoryStore
	WithSQLite      = runtime.WithSQLite
	WithPostgres    = runtime.WithPostgres
	WithMySQL       = runtime.WithMySQL

	// Policy
	WithPolicy      = runtime.WithPolicy
	WithLocalPolicy = runtime.WithLocalPolicy
	WithHTTPClient  = runtime.WithHTTPClient

	// Advanced options
	WithLogger            = runtime.WithLogger
	WithTracer            = runtime.WithTracer
	WithStateStore        = runtime.WithStateStore
	WithBankingRepository = runtime.WithBankingRepository
	WithCapability        = runtime.WithCapability
)

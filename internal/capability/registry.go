// Package capability is the static registry of named backend operations the
// policy may request, each with a sensitivity flag, an argument schema and a
// handler.
package capability

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tjfontaine/teller/internal/core/domain"
)

var (
	// ErrSealed is returned when registering after Seal.
	ErrSealed = errors.New("capability registry is sealed")

	// ErrDuplicate is returned when a name is registered twice.
	ErrDuplicate = errors.New("capability already registered")
)

// Function names must be accepted by every oracle backend.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Handler executes a capability with validated arguments. A returned error is
// reported to the policy as a handler failure; it never aborts the turn.
type Handler func(ctx context.Context, args Args) (any, error)

// Capability is a registered descriptor and its handler.
type Capability struct {
	Descriptor
	Handler Handler

	schema *gojsonschema.Schema
}

// Registry maps capability names to their descriptors and handlers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Capability
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Capability)}
}

// Register validates d and adds it to the registry.
func (r *Registry) Register(d Descriptor, h Handler) error {
	if err := validateDescriptor(d); err != nil {
		return fmt.Errorf("register %q: %w", d.Name, err)
	}
	if h == nil {
		return fmt.Errorf("register %q: nil handler", d.Name)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(d.JSONSchema()))
	if err != nil {
		return fmt.Errorf("register %q: compile schema: %w", d.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register %q: %w", d.Name, ErrSealed)
	}
	if _, exists := r.entries[d.Name]; exists {
		return fmt.Errorf("register %q: %w", d.Name, ErrDuplicate)
	}

	d.Params = append([]Param(nil), d.Params...)
	r.entries[d.Name] = &Capability{Descriptor: d, Handler: h, schema: schema}
	return nil
}

// MustRegister is Register for wiring code; it panics on error.
func (r *Registry) MustRegister(d Descriptor, h Handler) {
	if err := r.Register(d, h); err != nil {
		panic(err)
	}
}

// Seal freezes the registry. Later registrations fail with ErrSealed.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(name string) (*Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.entries[name]
	return c, ok
}

// Descriptors returns all descriptors sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.entries))
	for _, c := range r.entries {
		out = append(out, c.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RedactedValue replaces secret arguments in recorded requests.
const RedactedValue = "[redacted]"

// Redact returns a copy of req with the values of secret parameters masked.
// Requests for unknown capabilities are returned unchanged.
func (r *Registry) Redact(req domain.OperationRequest) domain.OperationRequest {
	c, ok := r.Lookup(req.Name)
	if !ok || len(req.Arguments) == 0 {
		return req
	}

	var args map[string]any
	for _, p := range c.Descriptor.Params {
		if !p.Secret {
			continue
		}
		if _, present := req.Arguments[p.Name]; !present {
			continue
		}
		if args == nil {
			args = make(map[string]any, len(req.Arguments))
			for k, v := range req.Arguments {
				args[k] = v
			}
		}
		args[p.Name] = RedactedValue
	}
	if args != nil {
		req.Arguments = args
	}
	return req
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func validateDescriptor(d Descriptor) error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid name")
	}
	switch d.Sensitivity {
	case domain.Public, domain.Sensitive:
	default:
		return fmt.Errorf("unknown sensitivity %q", d.Sensitivity)
	}
	if d.Name == domain.VerifyIdentity && d.Sensitivity != domain.Public {
		return fmt.Errorf("%s must be public", domain.VerifyIdentity)
	}

	seen := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		if p.Name == "" {
			return fmt.Errorf("parameter with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		if !p.Type.Valid() {
			return fmt.Errorf("parameter %q: unknown type %q", p.Name, p.Type)
		}
		if p.Default != nil && p.Required {
			return fmt.Errorf("parameter %q: required parameters cannot have a default", p.Name)
		}
	}
	return nil
}

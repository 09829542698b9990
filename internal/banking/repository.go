// Package banking provides the demo bank's account operations and registers
// them as orchestrator capabilities.
package banking

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

//go:embed fixtures/customers.yaml
var defaultFixtures []byte

// ErrCustomerNotFound is returned for unknown customer ids.
var ErrCustomerNotFound = errors.New("customer not found")

// Transaction is one account movement.
type Transaction struct {
	ID       string  `yaml:"id" json:"id"`
	Date     string  `yaml:"date" json:"date"`
	Amount   float64 `yaml:"amount" json:"amount"`
	Merchant string  `yaml:"merchant" json:"merchant"`
	Status   string  `yaml:"status" json:"status"`
}

// Balance is an account balance.
type Balance struct {
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
}

// BlockedCard records a card block.
type BlockedCard struct {
	CardID    string    `json:"card_id"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
}

// Repository is the account backend behind the banking capabilities.
// Implementations must be safe for concurrent use.
type Repository interface {
	VerifyIdentity(ctx context.Context, customerID, pin string) (bool, error)
	Balance(ctx context.Context, customerID string) (Balance, error)
	RecentTransactions(ctx context.Context, customerID string, count int) ([]Transaction, error)
	BlockCard(ctx context.Context, customerID, cardID, reason string) (BlockedCard, error)
}

type fixtureFile struct {
	Customers []fixtureCustomer `yaml:"customers"`
}

type fixtureCustomer struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	PIN          string        `yaml:"pin"`
	PINHash      string        `yaml:"pin_hash"`
	Balance      float64       `yaml:"balance"`
	Currency     string        `yaml:"currency"`
	Transactions []Transaction `yaml:"transactions"`
}

type customer struct {
	name         string
	pinHash      []byte
	balance      float64
	currency     string
	transactions []Transaction
	blocked      []BlockedCard
}

// MemoryRepository keeps customers in memory.
type MemoryRepository struct {
	mu        sync.RWMutex
	customers map[string]*customer
	now       func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

// RepositoryOption configures a MemoryRepository.
type RepositoryOption func(*repoConfig)

type repoConfig struct {
	bcryptCost int
	now        func() time.Time
}

// WithBcryptCost sets the cost used to hash plaintext fixture PINs.
func WithBcryptCost(cost int) RepositoryOption {
	return func(c *repoConfig) {
		c.bcryptCost = cost
	}
}

// WithClock overrides the clock used for block timestamps.
func WithClock(now func() time.Time) RepositoryOption {
	return func(c *repoConfig) {
		c.now = now
	}
}

// NewDefaultRepository loads the embedded demo customers.
func NewDefaultRepository(opts ...RepositoryOption) (*MemoryRepository, error) {
	return LoadRepository(bytes.NewReader(defaultFixtures), opts...)
}

// LoadRepository reads YAML fixtures from r.
func LoadRepository(r io.Reader, opts ...RepositoryOption) (*MemoryRepository, error) {
	cfg := repoConfig{bcryptCost: bcrypt.DefaultCost, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}

	var file fixtureFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}

	repo := &MemoryRepository{
		customers: make(map[string]*customer, len(file.Customers)),
		now:       cfg.now,
	}
	for _, fc := range file.Customers {
		if fc.ID == "" {
			return nil, fmt.Errorf("fixture customer without id")
		}
		if _, dup := repo.customers[fc.ID]; dup {
			return nil, fmt.Errorf("duplicate fixture customer %q", fc.ID)
		}

		hash := []byte(fc.PINHash)
		switch {
		case fc.PINHash != "":
			if _, err := bcrypt.Cost(hash); err != nil {
				return nil, fmt.Errorf("customer %s: invalid pin_hash: %w", fc.ID, err)
			}
		case fc.PIN != "":
			var err error
			hash, err = bcrypt.GenerateFromPassword([]byte(fc.PIN), cfg.bcryptCost)
			if err != nil {
				return nil, fmt.Errorf("customer %s: hash pin: %w", fc.ID, err)
			}
		default:
			return nil, fmt.Errorf("customer %s: pin or pin_hash is required", fc.ID)
		}

		currency := fc.Currency
		if currency == "" {
			currency = "USD"
		}
		repo.customers[fc.ID] = &customer{
			name:         fc.Name,
			pinHash:      hash,
			balance:      fc.Balance,
			currency:     currency,
			transactions: append([]Transaction(nil), fc.Transactions...),
		}
	}
	return repo, nil
}

// VerifyIdentity reports whether pin matches the customer's PIN. Unknown
// customers and wrong PINs both yield false.
func (r *MemoryRepository) VerifyIdentity(ctx context.Context, customerID, pin string) (bool, error) {
	r.mu.RLock()
	c, ok := r.customers[customerID]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword(c.pinHash, []byte(pin)) == nil, nil
}

// Balance returns the customer's balance.
func (r *MemoryRepository) Balance(ctx context.Context, customerID string) (Balance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.customers[customerID]
	if !ok {
		return Balance{}, ErrCustomerNotFound
	}
	return Balance{Balance: c.balance, Currency: c.currency}, nil
}

// RecentTransactions returns up to count most recent transactions.
func (r *MemoryRepository) RecentTransactions(ctx context.Context, customerID string, count int) ([]Transaction, error) {
	if count < 1 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.customers[customerID]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	if count > len(c.transactions) {
		count = len(c.transactions)
	}
	out := make([]Transaction, count)
	copy(out, c.transactions[:count])
	return out, nil
}

// BlockCard records a permanent block on cardID.
func (r *MemoryRepository) BlockCard(ctx context.Context, customerID, cardID, reason string) (BlockedCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.customers[customerID]
	if !ok {
		return BlockedCard{}, ErrCustomerNotFound
	}
	b := BlockedCard{CardID: cardID, Reason: reason, BlockedAt: r.now().UTC()}
	c.blocked = append(c.blocked, b)
	return b, nil
}

// BlockedCards returns the customer's block history.
func (r *MemoryRepository) BlockedCards(customerID string) []BlockedCard {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.customers[customerID]
	if !ok {
		return nil
	}
	return append([]BlockedCard(nil), c.blocked...)
}

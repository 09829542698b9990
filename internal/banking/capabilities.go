package banking

import (
	"context"
	"errors"
	"fmt"

	"github.com/tjfontaine/teller/internal/capability"
	"github.com/tjfontaine/teller/internal/core/domain"
)

// Capability names.
const (
	VerifyIdentity        = domain.VerifyIdentity
	GetAccountBalance     = "get_account_balance"
	GetRecentTransactions = "get_recent_transactions"
	BlockCard             = "block_card"
)

// DefaultTransactionCount is used when the policy omits count.
const DefaultTransactionCount = 5

// ErrCustomerMismatch is returned when a sensitive operation names a customer
// other than the one the thread verified as.
var ErrCustomerMismatch = errors.New("customer_id does not match the verified customer")

var customerParam = capability.Param{
	Name:        "customer_id",
	Type:        capability.String,
	Required:    true,
	Description: "The customer's ID, e.g. user123.",
}

// Register adds the four banking capabilities to reg.
func Register(reg *capability.Registry, repo Repository) error {
	entries := []struct {
		desc    capability.Descriptor
		handler capability.Handler
	}{
		{
			desc: capability.Descriptor{
				Name:        VerifyIdentity,
				Description: "Verifies the identity of a customer using their ID and PIN. This must be called and return true before accessing any sensitive account data.",
				Sensitivity: domain.Public,
				Params: []capability.Param{
					customerParam,
					{Name: "pin", Type: capability.String, Required: true, Secret: true, Description: "The customer's PIN."},
				},
			},
			handler: func(ctx context.Context, args capability.Args) (any, error) {
				return repo.VerifyIdentity(ctx, args.String("customer_id"), args.String("pin"))
			},
		},
		{
			desc: capability.Descriptor{
				Name:        GetAccountBalance,
				Description: "Retrieves the account balance for a customer. Requires successful identity verification first.",
				Sensitivity: domain.Sensitive,
				Params:      []capability.Param{customerParam},
			},
			handler: func(ctx context.Context, args capability.Args) (any, error) {
				id, err := ownCustomer(ctx, args)
				if err != nil {
					return nil, err
				}
				return repo.Balance(ctx, id)
			},
		},
		{
			desc: capability.Descriptor{
				Name:        GetRecentTransactions,
				Description: "Retrieves the recent transactions for a customer. Requires successful identity verification first.",
				Sensitivity: domain.Sensitive,
				Params: []capability.Param{
					customerParam,
					{Name: "count", Type: capability.Integer, Default: DefaultTransactionCount, Description: "How many transactions to return."},
				},
			},
			handler: func(ctx context.Context, args capability.Args) (any, error) {
				id, err := ownCustomer(ctx, args)
				if err != nil {
					return nil, err
				}
				return repo.RecentTransactions(ctx, id, args.Int("count"))
			},
		},
		{
			desc: capability.Descriptor{
				Name:        BlockCard,
				Description: "Blocks a customer's card. This is an irreversible action. Requires successful identity verification first.",
				Sensitivity: domain.Sensitive,
				Params: []capability.Param{
					customerParam,
					{Name: "card_id", Type: capability.String, Required: true, Description: "The card to block."},
					{Name: "reason", Type: capability.String, Required: true, Description: "Why the card is being blocked, e.g. lost or stolen."},
				},
			},
			handler: func(ctx context.Context, args capability.Args) (any, error) {
				id, err := ownCustomer(ctx, args)
				if err != nil {
					return nil, err
				}
				b, err := repo.BlockCard(ctx, id, args.String("card_id"), args.String("reason"))
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("Card %s has been permanently blocked due to: %s.", b.CardID, b.Reason), nil
			},
		},
	}

	for _, e := range entries {
		if err := reg.Register(e.desc, e.handler); err != nil {
			return err
		}
	}
	return nil
}

// ownCustomer returns the customer_id argument, refusing ids other than the
// one the calling thread verified as.
func ownCustomer(ctx context.Context, args capability.Args) (string, error) {
	id := args.String("customer_id")
	if caller, ok := capability.CallerFrom(ctx); ok && caller.Verified && caller.CustomerID != "" && caller.CustomerID != id {
		return "", ErrCustomerMismatch
	}
	return id, nil
}

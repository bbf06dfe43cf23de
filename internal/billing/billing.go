// Package billing implements obligation.Billing on top of a payment provider.
//
// Stripe is the production gateway: customer lookup resolves the default
// payment method, renewals are off-session PaymentIntents carrying the
// renewal idempotency key so a retried charge within one billing cycle is
// applied at most once. Memory is an in-process gateway with the same
// idempotency semantics, used in tests and dry runs.
package billing

import (
	"fmt"
	"strings"
	"time"

	"keepsched/internal/breaker"
	"keepsched/internal/obligation"
	logx "keepsched/pkg/logx"
)

// ErrCustomerNotFound means the customer is missing or deleted on the provider.
var ErrCustomerNotFound = obligation.ErrNoBillingAccount

type Config struct {
	// Provider is "stripe" or "memory".
	Provider  string
	SecretKey string
	// BaseURL overrides the Stripe API endpoint (stripe-mock, tests).
	BaseURL    string
	MaxRetries int64
	Timeout    time.Duration
}

// Open builds the configured gateway. brk may be nil.
func Open(cfg Config, brk *breaker.Set, log logx.Logger) (obligation.Billing, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "stripe":
		return NewStripe(cfg, brk, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown billing provider: %q", cfg.Provider)
	}
}

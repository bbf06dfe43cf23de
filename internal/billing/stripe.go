package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"keepsched/internal/breaker"
	"keepsched/internal/obligation"
	logx "keepsched/pkg/logx"
)

// Stripe is the Stripe gateway.
type Stripe struct {
	api    *client.API
	log    logx.Logger
	lookup *breaker.Breaker
	charge *breaker.Breaker
}

var _ obligation.Billing = (*Stripe)(nil)

func NewStripe(cfg Config, brk *breaker.Set, log logx.Logger) (*Stripe, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("billing.secret_key is required for stripe")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bc := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(cfg.MaxRetries),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BaseURL != "" {
		bc.URL = stripe.String(cfg.BaseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, bc)
	api := client.New(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	s := &Stripe{api: api, log: log.With(logx.String("comp", "billing"), logx.String("provider", "stripe"))}
	if brk != nil {
		s.lookup = brk.Get("stripe.lookup").WithNeutral(isNeutral)
		s.charge = brk.Get("stripe.charge").WithNeutral(isNeutral)
	}
	return s, nil
}

// isNeutral reports errors that say nothing about Stripe's availability.
func isNeutral(err error) bool {
	if errors.Is(err, ErrCustomerNotFound) {
		return true
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.Type == stripe.ErrorTypeCard || (se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests)
	}
	return false
}

func guard(b *breaker.Breaker, fn func() error) error {
	if b == nil {
		return fn()
	}
	return b.Do(fn)
}

// DefaultPaymentMethod returns the customer's invoice default payment method,
// falling back to the legacy default source.
func (s *Stripe) DefaultPaymentMethod(ctx context.Context, customerRef string) (string, error) {
	var pm string
	err := guard(s.lookup, func() error {
		params := &stripe.CustomerParams{}
		params.Context = ctx
		c, err := s.api.Customers.Get(customerRef, params)
		if err != nil {
			var se *stripe.Error
			if errors.As(err, &se) && (se.HTTPStatusCode == http.StatusNotFound || se.Code == stripe.ErrorCodeResourceMissing) {
				return ErrCustomerNotFound
			}
			return fmt.Errorf("stripe customer %s: %w", customerRef, err)
		}
		if c.Deleted {
			return ErrCustomerNotFound
		}
		if c.InvoiceSettings != nil && c.InvoiceSettings.DefaultPaymentMethod != nil {
			pm = c.InvoiceSettings.DefaultPaymentMethod.ID
		}
		if pm == "" && c.DefaultSource != nil {
			pm = c.DefaultSource.ID
		}
		return nil
	})
	return pm, err
}

// Charge confirms an off-session PaymentIntent. A card decline, or an intent
// that ends in requires_payment_method or canceled, is a completed attempt
// (Succeeded=false, nil error). Any other unsettled status is Pending.
// Transport and API errors are returned as errors.
func (s *Stripe) Charge(ctx context.Context, req obligation.ChargeRequest) (obligation.ChargeResult, error) {
	var res obligation.ChargeResult
	err := guard(s.charge, func() error {
		params := &stripe.PaymentIntentParams{
			Amount:        stripe.Int64(req.Amount),
			Currency:      stripe.String(strings.ToLower(req.Currency)),
			Customer:      stripe.String(req.CustomerRef),
			PaymentMethod: stripe.String(req.PaymentMethod),
			OffSession:    stripe.Bool(true),
			Confirm:       stripe.Bool(true),
			Description:   stripe.String(req.Description),
		}
		params.Context = ctx
		if req.IdempotencyKey != "" {
			params.SetIdempotencyKey(req.IdempotencyKey)
		}
		for k, v := range req.Metadata {
			params.AddMetadata(k, v)
		}

		pi, err := s.api.PaymentIntents.New(params)
		if err != nil {
			var se *stripe.Error
			if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
				res = obligation.ChargeResult{FailureReason: declineReason(se)}
				if se.PaymentIntent != nil {
					res.ID = se.PaymentIntent.ID
				}
				// Neutral for the breaker, but the caller sees a failed charge.
				return nil
			}
			return fmt.Errorf("stripe charge: %w", err)
		}
		res.ID = pi.ID
		switch pi.Status {
		case stripe.PaymentIntentStatusSucceeded:
			res.Succeeded = true
		case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
			res.FailureReason = "status_" + string(pi.Status)
		default:
			// processing and friends: not settled yet.
			res.Pending = true
		}
		return nil
	})
	if err != nil {
		return obligation.ChargeResult{}, err
	}
	s.log.Debug("charge attempted", logx.String("intent", res.ID), logx.Bool("succeeded", res.Succeeded), logx.Bool("pending", res.Pending), logx.String("key", req.IdempotencyKey))
	return res, nil
}

func declineReason(se *stripe.Error) string {
	switch {
	case se.DeclineCode != "":
		return string(se.DeclineCode)
	case se.Code != "":
		return string(se.Code)
	default:
		return "card_error"
	}
}

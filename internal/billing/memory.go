package billing

import (
	"context"
	"fmt"
	"sync"

	"keepsched/internal/obligation"
)

// Memory is an in-process gateway. Charges with an idempotency key already
// seen return the first result without applying a second charge.
type Memory struct {
	mu        sync.Mutex
	customers map[string]string // ref -> default payment method
	declined  map[string]string // payment method -> decline code
	pending   map[string]bool   // payment method -> charges stay unsettled
	byKey     map[string]obligation.ChargeResult
	charges   []Charge
	seq       int
}

// Charge is one applied charge.
type Charge struct {
	ID      string
	Request obligation.ChargeRequest
}

var _ obligation.Billing = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		customers: map[string]string{},
		declined:  map[string]string{},
		pending:   map[string]bool{},
		byKey:     map[string]obligation.ChargeResult{},
	}
}

// SetCustomer registers a customer. An empty paymentMethod models a customer
// without a default payment method.
func (m *Memory) SetCustomer(ref, paymentMethod string) {
	m.mu.Lock()
	m.customers[ref] = paymentMethod
	m.mu.Unlock()
}

func (m *Memory) DeleteCustomer(ref string) {
	m.mu.Lock()
	delete(m.customers, ref)
	m.mu.Unlock()
}

// Decline makes every charge against paymentMethod fail with code.
func (m *Memory) Decline(paymentMethod, code string) {
	m.mu.Lock()
	m.declined[paymentMethod] = code
	m.mu.Unlock()
}

// Hold makes charges against paymentMethod stay pending until Release.
func (m *Memory) Hold(paymentMethod string) {
	m.mu.Lock()
	m.pending[paymentMethod] = true
	m.mu.Unlock()
}

func (m *Memory) Release(paymentMethod string) {
	m.mu.Lock()
	delete(m.pending, paymentMethod)
	m.mu.Unlock()
}

// Charges returns the applied charges in order.
func (m *Memory) Charges() []Charge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Charge(nil), m.charges...)
}

func (m *Memory) DefaultPaymentMethod(ctx context.Context, customerRef string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.customers[customerRef]
	if !ok {
		return "", ErrCustomerNotFound
	}
	return pm, nil
}

func (m *Memory) Charge(ctx context.Context, req obligation.ChargeRequest) (obligation.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return obligation.ChargeResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.IdempotencyKey != "" {
		if res, ok := m.byKey[req.IdempotencyKey]; ok {
			return res, nil
		}
	}
	if _, ok := m.customers[req.CustomerRef]; !ok {
		return obligation.ChargeResult{}, ErrCustomerNotFound
	}
	m.seq++
	res := obligation.ChargeResult{ID: fmt.Sprintf("pi_mem_%d", m.seq)}
	if m.pending[req.PaymentMethod] {
		// Unsettled results are not cached so a retry with the same key
		// sees the settled outcome.
		res.Pending = true
		return res, nil
	}
	if code, bad := m.declined[req.PaymentMethod]; bad {
		res.FailureReason = code
	} else {
		res.Succeeded = true
		m.charges = append(m.charges, Charge{ID: res.ID, Request: req})
	}
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = res
	}
	return res, nil
}

package dvm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PaymentStatus mirrors a lightning payment's state.
type PaymentStatus int

const (
	PaymentPending PaymentStatus = iota
	PaymentCompleted
	PaymentFailed
)

// Invoice is the result of asking a PaymentCapability to create a bolt11
// invoice for a job.
type Invoice struct {
	Bolt11         string
	AmountMillisat int64
	ExpiresAt      time.Time
}

// Payment is one entry in a PaymentCapability's recent-payments feed.
type Payment struct {
	Invoice        string // bolt11 string — matched against by string, never by amount
	PaymentHash    string
	AmountMillisat int64
	Status         PaymentStatus
}

// PaymentCapability creates invoices and reports recently observed
// payments. It is shared read-only across jobs; implementations must be
// internally thread-safe (spec.md §5's "shared-resource policy").
type PaymentCapability interface {
	CreateInvoice(ctx context.Context, amountMillisat int64, description string, expiry time.Duration) (Invoice, error)
	RecentPayments(ctx context.Context) ([]Payment, error)
}

// MockPaymentCapability is an in-memory PaymentCapability for tests and
// local development: CreateInvoice mints a deterministic bolt11-shaped
// string; a test can mark it paid via MarkPaid before the payment monitor's
// next tick.
type MockPaymentCapability struct {
	mu       sync.Mutex
	seq      int64
	invoices map[string]Payment // bolt11 -> payment record
}

func NewMockPaymentCapability() *MockPaymentCapability {
	return &MockPaymentCapability{invoices: make(map[string]Payment)}
}

func (m *MockPaymentCapability) CreateInvoice(_ context.Context, amountMillisat int64, description string, _ time.Duration) (Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	bolt11 := fmt.Sprintf("lnmock1%d%s", m.seq, description)
	m.invoices[bolt11] = Payment{Invoice: bolt11, AmountMillisat: amountMillisat, Status: PaymentPending}
	return Invoice{Bolt11: bolt11, AmountMillisat: amountMillisat, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (m *MockPaymentCapability) RecentPayments(_ context.Context) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Payment, 0, len(m.invoices))
	for _, p := range m.invoices {
		out = append(out, p)
	}
	return out, nil
}

// MarkPaid flips a previously issued invoice to Completed, as if the
// lightning node had observed a settling payment.
func (m *MockPaymentCapability) MarkPaid(bolt11 string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.invoices[bolt11]; ok {
		p.Status = PaymentCompleted
		m.invoices[bolt11] = p
	}
}

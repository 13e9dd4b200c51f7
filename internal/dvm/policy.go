package dvm

import "time"

// HandlerInfoKind is the event kind DvmService advertises capability
// under. spec.md §9 Open Question (c) calls the Rust original's kind
// "31990-ish" and tells implementers to treat it as one configurable
// constant rather than guessing further — DefaultHandlerInfoKind is that
// constant, overridable via Policy.HandlerInfoKind.
const DefaultHandlerInfoKind = 31990

// Policy gates which requests DvmService admits and how it prices and
// budgets them.
type Policy struct {
	AllowedProviders []string // empty = no provider restriction
	AllowedModels    []string // empty = no allow-list restriction
	BlockedModels    []string

	DefaultMaxCostUSD   float64
	RequireMaxCost      bool
	RequireIdempotency  bool

	RequirePayment    bool
	MinPriceMillisat  int64
	InvoiceExpiry     time.Duration

	Budget               BudgetPolicy
	PaymentMonitorPeriod time.Duration

	HandlerInfoKind int
}

// WithDefaults fills zero-value fields with DvmService's defaults.
func (p Policy) WithDefaults() Policy {
	if p.InvoiceExpiry <= 0 {
		p.InvoiceExpiry = time.Hour
	}
	if p.PaymentMonitorPeriod <= 0 {
		p.PaymentMonitorPeriod = 10 * time.Second
	}
	if p.HandlerInfoKind == 0 {
		p.HandlerInfoKind = DefaultHandlerInfoKind
	}
	return p
}

func (p Policy) modelAllowed(model string) bool {
	if model == "" {
		return true
	}
	for _, blocked := range p.BlockedModels {
		if blocked == model {
			return false
		}
	}
	if len(p.AllowedModels) == 0 {
		return true
	}
	for _, allowed := range p.AllowedModels {
		if allowed == model {
			return true
		}
	}
	return false
}

func (p Policy) providerAllowed(provider string) bool {
	if provider == "" || len(p.AllowedProviders) == 0 {
		return true
	}
	for _, allowed := range p.AllowedProviders {
		if allowed == provider {
			return true
		}
	}
	return false
}

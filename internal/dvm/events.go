package dvm

import "time"

// EventKind labels one of DvmService's lifecycle notifications.
type EventKind string

const (
	EventJobReceived     EventKind = "JobReceived"
	EventInvoiceCreated  EventKind = "InvoiceCreated"
	EventJobStarted      EventKind = "JobStarted"
	EventJobCompleted    EventKind = "JobCompleted"
	EventJobFailed       EventKind = "JobFailed"
	EventPaymentReceived EventKind = "PaymentReceived"
)

// Event is one DvmService lifecycle notification, delivered to an optional
// sink so callers can wire metrics or audit logging without DvmService
// knowing about either.
type Event struct {
	Kind       EventKind
	JobID      string
	At         time.Time
	Model      string
	DurationMS int64
	AmountMsat int64
	Error      string
}

// EventSink receives DvmService lifecycle events. Implementations must not
// block — DvmService calls this synchronously from its processing loops.
type EventSink interface {
	OnEvent(Event)
}

// EventSinkFunc adapts a plain function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) OnEvent(e Event) { f(e) }

// NopEventSink discards every event; it is the default when no sink is
// configured.
type NopEventSink struct{}

func (NopEventSink) OnEvent(Event) {}

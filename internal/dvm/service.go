// Package dvm implements the Data Vending Machine job pipeline: parse a
// kind-5xxx job request off the relay fabric, price and budget it,
// optionally invoice for payment, run it through an inference backend, and
// publish a kind-6xxx job result — ported from
// crates/compute/src/services/dvm_service.rs and crates/nostr/core/src/nip90.rs.
package dvm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/openagents/core/internal/dvm/backend"
	"github.com/openagents/core/internal/nostrtype"
	"github.com/openagents/core/internal/relay"
)

// CostEstimator turns a completion's usage into an actual USD cost to
// reconcile against the job's reservation. The default always spends the
// full reservation; callers with a real pricing model can override it.
type CostEstimator func(usage *backend.Usage, reservation *Reservation) float64

func defaultCostEstimator(_ *backend.Usage, reservation *Reservation) float64 {
	if reservation == nil {
		return 0
	}
	return reservation.AmountUSD
}

type pendingInvoice struct {
	jobID       string
	bolt11      string
	reservation *Reservation
	createdAt   time.Time
}

// Config wires a DvmService's dependencies together.
type Config struct {
	Relays    []*relay.RelayConnection
	Backends  *backend.Registry
	Signer    Signer
	Payment   PaymentCapability // nil disables the payment flow entirely
	Policy    Policy
	Idempotency IdempotencyJournal
	CostEstimator CostEstimator
	Events    EventSink
	Log       *slog.Logger
}

// DvmService ties the relay fabric, job bookkeeping, budget enforcement,
// idempotency cache, and an inference backend registry into the end-to-end
// job pipeline described in spec.md §4.I.
type DvmService struct {
	relays   []*relay.RelayConnection
	backends *backend.Registry
	signer   Signer
	payment  PaymentCapability
	policy   Policy
	idemp    IdempotencyJournal
	costEst  CostEstimator
	events   EventSink
	log      *slog.Logger

	jobs   *JobStore
	budget *BudgetTracker

	invoicesMu sync.Mutex
	invoices   map[string]*pendingInvoice

	stopOnce sync.Once
	stop     chan struct{}
}

// NewDvmService builds a DvmService. Callers must call Start to connect and
// begin processing.
func NewDvmService(cfg Config) *DvmService {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	events := cfg.Events
	if events == nil {
		events = NopEventSink{}
	}
	idemp := cfg.Idempotency
	if idemp == nil {
		idemp = NewInProcessIdempotencyJournal()
	}
	costEst := cfg.CostEstimator
	if costEst == nil {
		costEst = defaultCostEstimator
	}

	policy := cfg.Policy.WithDefaults()

	return &DvmService{
		relays:   cfg.Relays,
		backends: cfg.Backends,
		signer:   cfg.Signer,
		payment:  cfg.Payment,
		policy:   policy,
		idemp:    idemp,
		costEst:  costEst,
		events:   events,
		log:      log,
		jobs:     NewJobStore(),
		budget:   NewBudgetTracker(policy.Budget, time.Minute),
		invoices: make(map[string]*pendingInvoice),
		stop:     make(chan struct{}),
	}
}

func (s *DvmService) emit(ev Event) {
	ev.At = time.Now()
	s.events.OnEvent(ev)
}

// Start connects every configured relay, subscribes to job-request kinds
// addressed to this provider's identity, spawns the request processor and
// (if a payment capability is configured) the payment monitor, and
// publishes the handler-info advertisement. Publication failure is logged,
// not fatal, per spec.md §4.I step 4.
func (s *DvmService) Start(ctx context.Context) error {
	supportedKinds := make([]int, 0, 1000)
	for k := nostrtype.KindJobRequestMin; k <= nostrtype.KindJobRequestMax; k++ {
		supportedKinds = append(supportedKinds, k)
	}

	for _, conn := range s.relays {
		if err := conn.Connect(ctx); err != nil {
			s.log.Warn("dvm: relay connect failed", "error", err)
			continue
		}
		filter := nostrtype.Filter{Kinds: supportedKinds}
		if s.signer != nil {
			filter.Tags = map[string][]string{"p": {s.signer.PublicKey()}}
		}
		sub, err := conn.Subscribe("dvm-job-requests", []nostrtype.Filter{filter})
		if err != nil {
			s.log.Warn("dvm: subscribe failed", "error", err)
			continue
		}
		go s.requestProcessor(ctx, conn, sub)
	}

	if s.payment != nil {
		go s.paymentMonitor(ctx)
	}

	if err := s.publishHandlerInfo(ctx); err != nil {
		s.log.Warn("dvm: publish handler info failed", "error", err)
	}

	return nil
}

// Stop halts the background loops. It does not disconnect the underlying
// relay connections — callers own that lifecycle.
func (s *DvmService) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *DvmService) requestProcessor(ctx context.Context, conn *relay.RelayConnection, sub *relay.Subscription) {
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			s.handleJobRequest(ctx, conn, ev)
		}
	}
}

// handleJobRequest implements spec.md §4.I's "Request Processor per event".
func (s *DvmService) handleJobRequest(ctx context.Context, conn *relay.RelayConnection, ev *nostrtype.Event) {
	req, err := nostrtype.JobRequestFromEvent(ev)
	if err != nil {
		s.log.Warn("dvm: dropping malformed job request", "event_id", ev.ID, "error", err)
		return
	}

	job := s.jobs.Create(req, ev.ID, ev.PubKey, ev.Content)
	s.emit(Event{Kind: EventJobReceived, JobID: job.ID})

	maxCostUSD, idempotencyKey, err := s.admissionParams(job)
	if err != nil {
		s.failJob(job.ID, err.Error())
		return
	}

	if idempotencyKey != "" {
		key := IdempotencyKey("dvm", "inference", idempotencyKey)
		if cached, hit, err := s.idemp.Get(ctx, key); err == nil && hit {
			var result nostrtype.JobResult
			if jsonErr := json.Unmarshal(cached, &result); jsonErr == nil {
				_ = s.jobs.Transition(job.ID, func(j *Job) {
					j.Status = JobCompleted
					j.Result = result.Content
				})
				s.emit(Event{Kind: EventJobCompleted, JobID: job.ID})
				s.publishResult(ctx, conn, job, result)
				return
			}
		}
	}

	if !s.policy.providerAllowed(req.Customer) || !s.policy.modelAllowed(job.Model) {
		s.failJob(job.ID, "provider or model not allowed by policy")
		return
	}

	reservation, err := s.budget.Reserve(maxCostUSD)
	if err != nil {
		s.failJob(job.ID, err.Error())
		return
	}

	if s.policy.RequirePayment && s.payment != nil {
		s.createInvoice(ctx, job, reservation)
		return
	}

	s.processJob(ctx, conn, job, reservation, idempotencyKey)
}

// admissionParams reads max_cost_usd and idempotency_key from the job's
// params and enforces the policy's hard-failure requirements.
func (s *DvmService) admissionParams(job *Job) (maxCostUSD float64, idempotencyKey string, err error) {
	maxCostUSD = s.policy.DefaultMaxCostUSD
	if raw, ok := job.Params["max_cost_usd"]; ok && raw != "" {
		parsed, parseErr := strconv.ParseFloat(raw, 64)
		if parseErr != nil {
			return 0, "", validationErr("max_cost_usd", "not a number: %v", parseErr)
		}
		maxCostUSD = parsed
	} else if s.policy.RequireMaxCost {
		return 0, "", validationErr("max_cost_usd", "required by policy but absent")
	}

	idempotencyKey = job.Params["idempotency_key"]
	if idempotencyKey == "" && s.policy.RequireIdempotency {
		return 0, "", validationErr("idempotency_key", "required by policy but absent")
	}

	return maxCostUSD, idempotencyKey, nil
}

func (s *DvmService) createInvoice(ctx context.Context, job *Job, reservation *Reservation) {
	amountSats := s.policy.MinPriceMillisat / 1000
	invoice, err := s.payment.CreateInvoice(ctx, amountSats*1000, fmt.Sprintf("job %s", job.ID), s.policy.InvoiceExpiry)
	if err != nil {
		s.budget.Release(reservation)
		s.log.Warn("dvm: invoice creation failed", "job_id", job.ID, "error", err)
		return
	}

	_ = s.jobs.Transition(job.ID, func(j *Job) {
		j.Status = JobPaymentRequired
		j.AmountMillisat = invoice.AmountMillisat
		j.Bolt11 = invoice.Bolt11
	})

	s.invoicesMu.Lock()
	s.invoices[job.ID] = &pendingInvoice{jobID: job.ID, bolt11: invoice.Bolt11, reservation: reservation, createdAt: time.Now()}
	s.invoicesMu.Unlock()

	s.emit(Event{Kind: EventInvoiceCreated, JobID: job.ID, AmountMsat: invoice.AmountMillisat})
}

// processJob implements spec.md §4.I steps 4-5: select a backend, run the
// completion, publish the result.
func (s *DvmService) processJob(ctx context.Context, conn *relay.RelayConnection, job *Job, reservation *Reservation, idempotencyKey string) {
	if err := s.jobs.Transition(job.ID, func(j *Job) { j.Status = JobProcessing }); err != nil {
		s.budget.Release(reservation)
		return
	}
	s.emit(Event{Kind: EventJobStarted, JobID: job.ID, Model: job.Model})

	backendID := job.Params["backend"]
	be, ok := s.backends.Select(backendID)
	if !ok {
		s.budget.Release(reservation)
		s.failJob(job.ID, "no backend available")
		return
	}

	prompt := textInput(job)
	start := time.Now()
	resp, err := be.Complete(ctx, backend.CompletionRequest{Model: job.Model, Prompt: prompt})
	if err != nil {
		s.budget.Release(reservation)
		s.failJob(job.ID, err.Error())
		return
	}
	durationMS := time.Since(start).Milliseconds()

	actualCost := s.costEst(resp.Usage, reservation)
	if err := s.budget.Reconcile(reservation, actualCost); err != nil {
		s.log.Warn("dvm: budget reconcile failed", "job_id", job.ID, "error", err)
	}

	_ = s.jobs.Transition(job.ID, func(j *Job) {
		j.Status = JobCompleted
		j.Result = resp.Text
	})

	result := nostrtype.JobResult{
		RequestKind:    job.Kind,
		RequestEvent:   job.RequestEventID,
		Customer:       job.Customer,
		Content:        resp.Text,
		Inputs:         job.Inputs,
		Request:        serializedOriginalRequest(job),
		AmountMillisat: job.AmountMillisat,
		Invoice:        job.Bolt11,
	}

	if idempotencyKey != "" {
		if encoded, err := json.Marshal(result); err == nil {
			_ = s.idemp.PutWithTTL(ctx, IdempotencyKey("dvm", "inference", idempotencyKey), encoded, DefaultIdempotencyTTL)
		}
	}

	s.publishResult(ctx, conn, job, result)
	s.emit(Event{Kind: EventJobCompleted, JobID: job.ID, DurationMS: durationMS, AmountMsat: job.AmountMillisat})
}

// serializedOriginalRequest rebuilds the JobRequest this Job was created
// from and serializes it for the result's "request" tag, per nip90.rs's
// JobResult::with_request. The original event is not retained verbatim, so
// this reconstructs it from the fields JobStore.Create captured.
func serializedOriginalRequest(job *Job) string {
	params := make([]nostrtype.JobParam, 0, len(job.Params))
	for k, v := range job.Params {
		params = append(params, nostrtype.JobParam{Key: k, Value: v})
	}
	req := nostrtype.JobRequest{Kind: job.Kind, Inputs: job.Inputs, Params: params, Customer: job.Customer}
	encoded, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func textInput(job *Job) string {
	for _, in := range job.Inputs {
		if in.Type == nostrtype.InputText {
			return in.Data
		}
	}
	return job.Content
}

func (s *DvmService) failJob(jobID, reason string) {
	_ = s.jobs.Transition(jobID, func(j *Job) {
		j.Status = JobFailed
		j.Err = reason
	})
	s.emit(Event{Kind: EventJobFailed, JobID: jobID, Error: reason})
}

func (s *DvmService) publishResult(ctx context.Context, conn *relay.RelayConnection, job *Job, result nostrtype.JobResult) {
	if conn == nil || s.signer == nil {
		return
	}
	ev := &nostrtype.Event{
		Kind:    nostrtype.GetResultKind(result.RequestKind),
		Tags:    result.ToTags(),
		Content: result.Content,
	}
	if err := s.signer.Sign(ev); err != nil {
		s.log.Warn("dvm: sign result failed", "job_id", job.ID, "error", err)
		return
	}
	if _, err := conn.Publish(ctx, ev, 10*time.Second); err != nil {
		s.log.Warn("dvm: publish result failed", "job_id", job.ID, "error", err)
	}
}

// paymentMonitor implements spec.md §4.I's "Payment Monitor": poll the
// payment capability, match pending invoices by bolt11 string (never by
// amount — spec.md §9 Open Question (b)), and expire stale invoices.
func (s *DvmService) paymentMonitor(ctx context.Context) {
	ticker := time.NewTicker(s.policy.PaymentMonitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollPayments(ctx)
		}
	}
}

func (s *DvmService) pollPayments(ctx context.Context) {
	s.invoicesMu.Lock()
	snapshot := make([]*pendingInvoice, 0, len(s.invoices))
	for _, inv := range s.invoices {
		snapshot = append(snapshot, inv)
	}
	s.invoicesMu.Unlock()
	if len(snapshot) == 0 {
		return
	}

	payments, err := s.payment.RecentPayments(ctx)
	if err != nil {
		s.log.Warn("dvm: recent payments lookup failed", "error", err)
		return
	}

	for _, inv := range snapshot {
		job, ok := s.jobs.Get(inv.jobID)
		if !ok {
			continue
		}

		if time.Since(job.CreatedAt) > s.policy.InvoiceExpiry {
			s.invoicesMu.Lock()
			delete(s.invoices, inv.jobID)
			s.invoicesMu.Unlock()
			s.budget.Release(inv.reservation)
			s.failJob(inv.jobID, "invoice expired")
			continue
		}

		for _, p := range payments {
			if p.Invoice == inv.bolt11 && p.Status == PaymentCompleted {
				s.invoicesMu.Lock()
				delete(s.invoices, inv.jobID)
				s.invoicesMu.Unlock()
				s.confirmPending(ctx, job, inv.reservation)
				break
			}
		}
	}
}

func (s *DvmService) confirmPending(ctx context.Context, job *Job, reservation *Reservation) {
	_ = s.jobs.Transition(job.ID, func(j *Job) { j.Status = JobPending })
	s.emit(Event{Kind: EventPaymentReceived, JobID: job.ID, AmountMsat: job.AmountMillisat})

	var conn *relay.RelayConnection
	if len(s.relays) > 0 {
		conn = s.relays[0]
	}
	s.processJob(ctx, conn, job, reservation, job.Params["idempotency_key"])
}

// GetJobInvoice returns the bolt11 invoice for a job awaiting payment.
func (s *DvmService) GetJobInvoice(jobID string) (Invoice, error) {
	job, ok := s.jobs.Get(jobID)
	if !ok {
		return Invoice{}, &NotFoundError{Message: fmt.Sprintf("job %s", jobID)}
	}
	if job.Status != JobPaymentRequired {
		return Invoice{}, validationErr("job_id", "job %s is not awaiting payment", jobID)
	}
	return Invoice{Bolt11: job.Bolt11, AmountMillisat: job.AmountMillisat}, nil
}

// ConfirmPayment manually marks a job's invoice paid and resumes
// processing, bypassing the payment monitor's poll — a supplemented
// operation from dvm_service.rs::confirm_payment.
func (s *DvmService) ConfirmPayment(ctx context.Context, jobID string) error {
	s.invoicesMu.Lock()
	inv, ok := s.invoices[jobID]
	if ok {
		delete(s.invoices, jobID)
	}
	s.invoicesMu.Unlock()
	if !ok {
		return &NotFoundError{Message: fmt.Sprintf("no pending invoice for job %s", jobID)}
	}

	job, ok := s.jobs.Get(jobID)
	if !ok {
		return &NotFoundError{Message: fmt.Sprintf("job %s", jobID)}
	}
	s.confirmPending(ctx, job, inv.reservation)
	return nil
}

// CheckPaymentStatus reports whether a job's invoice has been observed as
// paid, from the payment capability's own bookkeeping.
func (s *DvmService) CheckPaymentStatus(ctx context.Context, jobID string) (PaymentStatus, error) {
	job, ok := s.jobs.Get(jobID)
	if !ok {
		return PaymentFailed, &NotFoundError{Message: fmt.Sprintf("job %s", jobID)}
	}
	if job.Bolt11 == "" {
		return PaymentFailed, validationErr("job_id", "job %s has no associated invoice", jobID)
	}
	if s.payment == nil {
		return PaymentPending, nil
	}
	payments, err := s.payment.RecentPayments(ctx)
	if err != nil {
		return PaymentPending, &ProviderError{Message: err.Error()}
	}
	for _, p := range payments {
		if p.Invoice == job.Bolt11 {
			return p.Status, nil
		}
	}
	return PaymentPending, nil
}

type handlerInfoBackend struct {
	ID     string       `json:"id"`
	Models []handlerInfoModel `json:"models"`
}

type handlerInfoModel struct {
	ID            string `json:"id"`
	ContextLength int    `json:"context_length"`
}

type handlerInfoPayload struct {
	Backends          []handlerInfoBackend `json:"backends"`
	MinPriceMillisat  int64                `json:"min_price_millisat,omitempty"`
	RequirePayment    bool                 `json:"require_payment"`
}

// publishHandlerInfo publishes the kind-31990(-configurable) capability
// advertisement described in dvm_service.rs::publish_handler_info.
func (s *DvmService) publishHandlerInfo(ctx context.Context) error {
	if s.signer == nil || len(s.relays) == 0 || s.backends == nil {
		return nil
	}

	payload := handlerInfoPayload{RequirePayment: s.policy.RequirePayment, MinPriceMillisat: s.policy.MinPriceMillisat}
	for _, id := range s.backends.IDs() {
		be, _ := s.backends.Select(id)
		models, err := be.ListModels(ctx)
		if err != nil {
			continue
		}
		entry := handlerInfoBackend{ID: id}
		for _, m := range models {
			entry.Models = append(entry.Models, handlerInfoModel{ID: m.ID, ContextLength: m.ContextLength})
		}
		payload.Backends = append(payload.Backends, entry)
	}

	content, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ev := &nostrtype.Event{Kind: s.policy.HandlerInfoKind, Content: string(content)}
	if err := s.signer.Sign(ev); err != nil {
		return err
	}

	var firstErr error
	for _, conn := range s.relays {
		if _, err := conn.Publish(ctx, ev, 10*time.Second); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

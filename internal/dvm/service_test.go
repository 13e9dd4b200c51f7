package dvm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagents/core/internal/dvm/backend"
	"github.com/openagents/core/internal/nostrtype"
)

func newTestService(t *testing.T, policy Policy, payment PaymentCapability) *DvmService {
	t.Helper()
	registry := backend.NewRegistry()
	registry.Register(backend.NewMockBackend("mock"))
	return NewDvmService(Config{
		Backends: registry,
		Payment:  payment,
		Policy:   policy,
	})
}

func jobRequestEvent(id string, params []nostrtype.JobParam) *nostrtype.Event {
	req := nostrtype.JobRequest{
		Kind:   5100,
		Inputs: []nostrtype.JobInput{{Data: "hello there", Type: nostrtype.InputText}},
		Params: params,
	}
	return &nostrtype.Event{ID: id, PubKey: "customer-pubkey", Kind: req.Kind, Tags: req.ToTags(), Content: "fallback content"}
}

func TestHandleJobRequest_CompletesWithoutPayment(t *testing.T) {
	svc := newTestService(t, Policy{DefaultMaxCostUSD: 0.5}, nil)
	ev := jobRequestEvent("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", []nostrtype.JobParam{
		{Key: "model", Value: "mock-small"},
		{Key: "backend", Value: "mock"},
	})

	svc.handleJobRequest(context.Background(), nil, ev)

	jobID := jobIDFromEventID(ev.ID)
	job, ok := svc.jobs.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, JobCompleted, job.Status)
	assert.Contains(t, job.Result, "hello there")

	_, spentTick, _, _ := svc.budget.Snapshot()
	assert.Equal(t, 0.5, spentTick)
}

func TestHandleJobRequest_UsesEventContentWhenNoTextInput(t *testing.T) {
	svc := newTestService(t, Policy{DefaultMaxCostUSD: 0.5}, nil)
	req := nostrtype.JobRequest{
		Kind:   5100,
		Inputs: []nostrtype.JobInput{{Data: "https://example.com/a.txt", Type: nostrtype.InputURL}},
		Params: []nostrtype.JobParam{{Key: "backend", Value: "mock"}},
	}
	ev := &nostrtype.Event{ID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", PubKey: "customer-pubkey", Kind: req.Kind, Tags: req.ToTags(), Content: "fallback content"}

	svc.handleJobRequest(context.Background(), nil, ev)

	job, ok := svc.jobs.Get(jobIDFromEventID(ev.ID))
	require.True(t, ok)
	assert.Equal(t, JobCompleted, job.Status)
	assert.Contains(t, job.Result, "fallback content")
}

func TestHandleJobRequest_PolicyBlocksModel(t *testing.T) {
	svc := newTestService(t, Policy{DefaultMaxCostUSD: 0.5, BlockedModels: []string{"bad-model"}}, nil)
	ev := jobRequestEvent("cccccccccccccccccccccccccccccccc", []nostrtype.JobParam{
		{Key: "model", Value: "bad-model"},
		{Key: "backend", Value: "mock"},
	})

	svc.handleJobRequest(context.Background(), nil, ev)

	job, ok := svc.jobs.Get(jobIDFromEventID(ev.ID))
	require.True(t, ok)
	assert.Equal(t, JobFailed, job.Status)
	assert.Contains(t, job.Err, "not allowed by policy")
}

func TestHandleJobRequest_RequiredMaxCostMissing(t *testing.T) {
	svc := newTestService(t, Policy{RequireMaxCost: true}, nil)
	ev := jobRequestEvent("dddddddddddddddddddddddddddddddd", []nostrtype.JobParam{
		{Key: "backend", Value: "mock"},
	})

	svc.handleJobRequest(context.Background(), nil, ev)

	job, ok := svc.jobs.Get(jobIDFromEventID(ev.ID))
	require.True(t, ok)
	assert.Equal(t, JobFailed, job.Status)
	assert.Contains(t, job.Err, "max_cost_usd")
}

func TestHandleJobRequest_BudgetExceededOnSecondJob(t *testing.T) {
	svc := newTestService(t, Policy{Budget: BudgetPolicy{PerTickUSD: 1.0}}, nil)

	first := jobRequestEvent("eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee", []nostrtype.JobParam{
		{Key: "backend", Value: "mock"},
		{Key: "max_cost_usd", Value: "0.6"},
	})
	svc.handleJobRequest(context.Background(), nil, first)
	firstJob, ok := svc.jobs.Get(jobIDFromEventID(first.ID))
	require.True(t, ok)
	require.Equal(t, JobCompleted, firstJob.Status)

	second := jobRequestEvent("ffffffffffffffffffffffffffffffff", []nostrtype.JobParam{
		{Key: "backend", Value: "mock"},
		{Key: "max_cost_usd", Value: "0.6"},
	})
	svc.handleJobRequest(context.Background(), nil, second)
	secondJob, ok := svc.jobs.Get(jobIDFromEventID(second.ID))
	require.True(t, ok)
	assert.Equal(t, JobFailed, secondJob.Status)
	assert.Contains(t, secondJob.Err, "budget exceeded")
}

func TestHandleJobRequest_IdempotentReplayShortCircuitsBudget(t *testing.T) {
	svc := newTestService(t, Policy{DefaultMaxCostUSD: 0.5}, nil)

	first := jobRequestEvent("1111111111111111111111111111111a", []nostrtype.JobParam{
		{Key: "backend", Value: "mock"},
		{Key: "idempotency_key", Value: "same-key"},
	})
	svc.handleJobRequest(context.Background(), nil, first)
	firstJob, ok := svc.jobs.Get(jobIDFromEventID(first.ID))
	require.True(t, ok)
	require.Equal(t, JobCompleted, firstJob.Status)

	_, spentAfterFirst, _, _ := svc.budget.Snapshot()
	require.Equal(t, 0.5, spentAfterFirst)

	second := jobRequestEvent("2222222222222222222222222222222b", []nostrtype.JobParam{
		{Key: "backend", Value: "mock"},
		{Key: "idempotency_key", Value: "same-key"},
	})
	svc.handleJobRequest(context.Background(), nil, second)
	secondJob, ok := svc.jobs.Get(jobIDFromEventID(second.ID))
	require.True(t, ok)
	assert.Equal(t, JobCompleted, secondJob.Status)
	assert.Equal(t, firstJob.Result, secondJob.Result)

	_, spentAfterSecond, _, _ := svc.budget.Snapshot()
	assert.Equal(t, spentAfterFirst, spentAfterSecond, "a cached replay must never touch the budget again")
}

func TestHandleJobRequest_PaymentFlowCreatesInvoiceThenConfirms(t *testing.T) {
	payment := NewMockPaymentCapability()
	svc := newTestService(t, Policy{DefaultMaxCostUSD: 0.5, RequirePayment: true, MinPriceMillisat: 21000}, payment)

	ev := jobRequestEvent("3333333333333333333333333333333c", []nostrtype.JobParam{
		{Key: "backend", Value: "mock"},
	})
	svc.handleJobRequest(context.Background(), nil, ev)

	jobID := jobIDFromEventID(ev.ID)
	job, ok := svc.jobs.Get(jobID)
	require.True(t, ok)
	require.Equal(t, JobPaymentRequired, job.Status)
	require.NotEmpty(t, job.Bolt11)

	inv, err := svc.GetJobInvoice(jobID)
	require.NoError(t, err)
	assert.Equal(t, job.Bolt11, inv.Bolt11)

	require.NoError(t, svc.ConfirmPayment(context.Background(), jobID))

	job, ok = svc.jobs.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, JobCompleted, job.Status)
	assert.Contains(t, job.Result, "hello there")
}

func TestHandleJobRequest_PaymentMonitorPicksUpMarkPaid(t *testing.T) {
	payment := NewMockPaymentCapability()
	svc := newTestService(t, Policy{DefaultMaxCostUSD: 0.5, RequirePayment: true, MinPriceMillisat: 21000}, payment)

	ev := jobRequestEvent("4444444444444444444444444444444d", []nostrtype.JobParam{
		{Key: "backend", Value: "mock"},
	})
	svc.handleJobRequest(context.Background(), nil, ev)

	jobID := jobIDFromEventID(ev.ID)
	job, ok := svc.jobs.Get(jobID)
	require.True(t, ok)
	require.Equal(t, JobPaymentRequired, job.Status)

	payment.MarkPaid(job.Bolt11)
	svc.pollPayments(context.Background())

	job, ok = svc.jobs.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, JobCompleted, job.Status)
}

func TestGetJobInvoice_NotAwaitingPayment(t *testing.T) {
	svc := newTestService(t, Policy{DefaultMaxCostUSD: 0.5}, nil)
	ev := jobRequestEvent("5555555555555555555555555555555e", []nostrtype.JobParam{
		{Key: "backend", Value: "mock"},
	})
	svc.handleJobRequest(context.Background(), nil, ev)

	_, err := svc.GetJobInvoice(jobIDFromEventID(ev.ID))
	assert.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
}

func TestGetJobInvoice_UnknownJob(t *testing.T) {
	svc := newTestService(t, Policy{}, nil)
	_, err := svc.GetJobInvoice("job_does_not_exist")
	assert.Error(t, err)
	assert.IsType(t, &NotFoundError{}, err)
}

func TestCheckPaymentStatus_NoInvoiceYet(t *testing.T) {
	payment := NewMockPaymentCapability()
	svc := newTestService(t, Policy{DefaultMaxCostUSD: 0.5}, payment)
	ev := jobRequestEvent("6666666666666666666666666666666f", []nostrtype.JobParam{
		{Key: "backend", Value: "mock"},
	})
	svc.handleJobRequest(context.Background(), nil, ev)

	_, err := svc.CheckPaymentStatus(context.Background(), jobIDFromEventID(ev.ID))
	assert.Error(t, err)
}

package nostrtype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobRequestRoundTrip(t *testing.T) {
	req := JobRequest{
		Kind: 5100,
		Inputs: []JobInput{
			{Data: "https://example.com/a.txt", Type: InputURL},
			{Data: "prior-event-id", Type: InputEvent, Relay: "wss://relay.example"},
		},
		Params:      []JobParam{{Key: "temperature", Value: "0.7"}},
		OutputMIME:  "text/plain",
		BidMillisat: 5000,
		Relays:      []string{"wss://r1", "wss://r2"},
		Customer:    "customer-pubkey",
		Encrypted:   true,
	}

	ev := &Event{Kind: req.Kind, Tags: req.ToTags()}
	got, err := JobRequestFromEvent(ev)
	require.NoError(t, err)

	assert.Equal(t, req.Kind, got.Kind)
	require.Len(t, got.Inputs, 2)
	assert.Equal(t, req.Inputs[0], got.Inputs[0])
	assert.Equal(t, req.Inputs[1], got.Inputs[1])
	assert.Equal(t, req.Params, got.Params)
	assert.Equal(t, req.OutputMIME, got.OutputMIME)
	assert.Equal(t, req.BidMillisat, got.BidMillisat)
	assert.Equal(t, req.Relays, got.Relays)
	assert.Equal(t, req.Customer, got.Customer)
	assert.True(t, got.Encrypted)
}

func TestJobRequestRoundTrip_EncryptedDefaultsFalse(t *testing.T) {
	req := JobRequest{Kind: 5100}
	ev := &Event{Kind: req.Kind, Tags: req.ToTags()}
	got, err := JobRequestFromEvent(ev)
	require.NoError(t, err)
	assert.False(t, got.Encrypted)
}

func TestJobRequestFromEvent_WrongKind(t *testing.T) {
	_, err := JobRequestFromEvent(&Event{Kind: 1})
	assert.Error(t, err)
}

func TestJobResultRoundTrip(t *testing.T) {
	res := JobResult{
		RequestKind:  5100,
		RequestEvent: "req-id",
		Customer:     "customer-pubkey",
		Content:      "the answer",
		Inputs: []JobInput{
			{Data: "https://example.com/a.txt", Type: InputURL},
		},
		Request:        `{"kind":5100}`,
		Encrypted:      true,
		AmountMillisat: 21000,
		Invoice:        "lnbc1...",
	}
	ev := &Event{Kind: GetResultKind(res.RequestKind), Tags: res.ToTags(), Content: res.Content}
	got, err := JobResultFromEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, res.RequestKind, got.RequestKind)
	assert.Equal(t, res.RequestEvent, got.RequestEvent)
	assert.Equal(t, res.Customer, got.Customer)
	assert.Equal(t, res.Content, got.Content)
	require.Len(t, got.Inputs, 1)
	assert.Equal(t, res.Inputs[0], got.Inputs[0])
	assert.Equal(t, res.Request, got.Request)
	assert.Equal(t, StatusSuccess, got.Status, "a JobResult always reports status=success; failures go through JobFeedback")
	assert.True(t, got.Encrypted)
	assert.Equal(t, res.AmountMillisat, got.AmountMillisat)
	assert.Equal(t, res.Invoice, got.Invoice)
}

func TestJobFeedbackRoundTrip(t *testing.T) {
	fb := JobFeedback{
		Status:         StatusProcessing,
		StatusExtra:    "50%",
		RequestEvent:   "req-id",
		Customer:       "customer-pubkey",
		Content:        "partial output",
		AmountMillisat: 1000,
	}
	ev := &Event{Kind: KindJobFeedback, Tags: fb.ToTags(), Content: fb.Content}
	got, err := JobFeedbackFromEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, fb.Status, got.Status)
	assert.Equal(t, fb.StatusExtra, got.StatusExtra)
	assert.Equal(t, fb.RequestEvent, got.RequestEvent)
	assert.Equal(t, fb.Customer, got.Customer)
	assert.Equal(t, fb.Content, got.Content)
	assert.Equal(t, fb.AmountMillisat, got.AmountMillisat)
}

func TestKindClassifiers(t *testing.T) {
	assert.True(t, IsJobRequestKind(5000))
	assert.True(t, IsJobRequestKind(5999))
	assert.False(t, IsJobRequestKind(6000))

	assert.True(t, IsJobResultKind(6000))
	assert.True(t, IsJobResultKind(6999))
	assert.False(t, IsJobResultKind(7000))

	assert.True(t, IsJobFeedbackKind(7000))
	assert.True(t, IsDvmKind(KindHandlerInfo))

	assert.Equal(t, 6100, GetResultKind(5100))
	assert.Equal(t, 5100, GetRequestKind(6100))
	assert.Equal(t, -1, GetResultKind(1))
	assert.Equal(t, -1, GetRequestKind(1))
}

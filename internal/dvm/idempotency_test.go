package dvm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKey_ScopesByCallerAndProvider(t *testing.T) {
	a := IdempotencyKey("dvm", "inference", "user-key")
	b := IdempotencyKey("dvm", "other-provider", "user-key")
	assert.NotEqual(t, a, b, "two providers reusing the same user key must not collide")
}

func TestInProcessIdempotencyJournal_RoundTrip(t *testing.T) {
	j := NewInProcessIdempotencyJournal()
	defer j.Close()

	_, hit, err := j.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, j.PutWithTTL(context.Background(), "k1", []byte("cached-value"), time.Hour))

	val, hit, err := j.Get(context.Background(), "k1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, []byte("cached-value"), val)
}

func TestInProcessIdempotencyJournal_ExpiresByTTL(t *testing.T) {
	j := NewInProcessIdempotencyJournal()
	defer j.Close()

	require.NoError(t, j.PutWithTTL(context.Background(), "k1", []byte("v"), 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	_, hit, err := j.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, hit, "an entry past its TTL must not be returned, even before the sweep loop runs")
}

func TestInProcessIdempotencyJournal_DefaultTTLAppliedWhenZero(t *testing.T) {
	j := NewInProcessIdempotencyJournal()
	defer j.Close()

	require.NoError(t, j.PutWithTTL(context.Background(), "k1", []byte("v"), 0))

	val, hit, err := j.Get(context.Background(), "k1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, []byte("v"), val)
}

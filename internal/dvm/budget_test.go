package dvm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetTracker_ReserveWithinCapSucceeds(t *testing.T) {
	b := NewBudgetTracker(BudgetPolicy{PerTickUSD: 1.0, PerDayUSD: 10.0}, time.Minute)

	r, err := b.Reserve(0.4)
	require.NoError(t, err)
	require.NotNil(t, r)

	reservedTick, spentTick, reservedDay, spentDay := b.Snapshot()
	assert.Equal(t, 0.4, reservedTick)
	assert.Equal(t, 0.0, spentTick)
	assert.Equal(t, 0.4, reservedDay)
	assert.Equal(t, 0.0, spentDay)
}

func TestBudgetTracker_ReserveOverCapFails(t *testing.T) {
	b := NewBudgetTracker(BudgetPolicy{PerTickUSD: 1.0}, time.Minute)

	_, err := b.Reserve(0.7)
	require.NoError(t, err)

	_, err = b.Reserve(0.4)
	require.Error(t, err)
	var budgetErr *BudgetExceededError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, "tick", budgetErr.Period)
}

func TestBudgetTracker_ZeroCapDisablesCheck(t *testing.T) {
	b := NewBudgetTracker(BudgetPolicy{}, time.Minute)

	_, err := b.Reserve(1_000_000)
	assert.NoError(t, err, "a zero-valued cap must not reject any reservation")
}

func TestBudgetTracker_ReleaseReturnsTheHold(t *testing.T) {
	b := NewBudgetTracker(BudgetPolicy{PerTickUSD: 1.0}, time.Minute)

	r, err := b.Reserve(0.9)
	require.NoError(t, err)
	b.Release(r)

	reservedTick, spentTick, _, _ := b.Snapshot()
	assert.Equal(t, 0.0, reservedTick)
	assert.Equal(t, 0.0, spentTick)

	// The full cap is available again for a fresh reservation.
	_, err = b.Reserve(0.9)
	assert.NoError(t, err)
}

func TestBudgetTracker_ReleaseNilIsNoop(t *testing.T) {
	b := NewBudgetTracker(BudgetPolicy{PerTickUSD: 1.0}, time.Minute)
	assert.NotPanics(t, func() { b.Release(nil) })
}

func TestBudgetTracker_ReconcileMovesReservedToSpent(t *testing.T) {
	b := NewBudgetTracker(BudgetPolicy{PerTickUSD: 1.0}, time.Minute)

	r, err := b.Reserve(0.5)
	require.NoError(t, err)

	require.NoError(t, b.Reconcile(r, 0.3))

	reservedTick, spentTick, _, _ := b.Snapshot()
	assert.Equal(t, 0.0, reservedTick)
	assert.Equal(t, 0.3, spentTick)

	// The 0.2 that was reserved but never spent is free for the next job.
	_, err = b.Reserve(0.7)
	assert.NoError(t, err)
}

func TestBudgetTracker_ReconcileRejectsOvercharge(t *testing.T) {
	b := NewBudgetTracker(BudgetPolicy{PerTickUSD: 1.0}, time.Minute)

	r, err := b.Reserve(0.5)
	require.NoError(t, err)

	err = b.Reconcile(r, 0.6)
	assert.Error(t, err)

	// The reservation must still be intact — Reconcile did not touch the
	// books on a rejected overcharge.
	reservedTick, spentTick, _, _ := b.Snapshot()
	assert.Equal(t, 0.5, reservedTick)
	assert.Equal(t, 0.0, spentTick)
}

func TestBudgetTracker_ReconcileNilReservationErrors(t *testing.T) {
	b := NewBudgetTracker(BudgetPolicy{PerTickUSD: 1.0}, time.Minute)
	assert.Error(t, b.Reconcile(nil, 0.1))
}

func TestBudgetTracker_ThirdReservationAfterReconcileWithConsistentNumbers(t *testing.T) {
	// Same shape as the walkthrough this package's design notes resolve
	// (reserve, reconcile under the reserved amount, reserve again), but
	// with numbers that actually satisfy reserved+spent+amount <= cap.
	b := NewBudgetTracker(BudgetPolicy{PerTickUSD: 500}, time.Minute)

	r1, err := b.Reserve(300)
	require.NoError(t, err)
	require.NoError(t, b.Reconcile(r1, 200))

	// reserved=0, spent=200 after reconcile; a second 300 reservation fits:
	// 0 + 200 + 300 = 500 <= 500.
	r2, err := b.Reserve(300)
	require.NoError(t, err)
	require.NoError(t, b.Reconcile(r2, 300))

	// reserved=0, spent=500 now; any further reservation must be rejected.
	_, err = b.Reserve(1)
	assert.Error(t, err)
}

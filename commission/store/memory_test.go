package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
)

var at = time.Date(2025, time.March, 5, 10, 0, 0, 0, time.UTC)

func event(id, rule, source, user string) commission.Event {
	return commission.Event{
		ID:               commission.EventID(id),
		RuleID:           commission.RuleID(rule),
		SourceID:         commission.SourceID(source),
		UserID:           commission.UserID(user),
		Role:             commission.RoleTechnician,
		CommissionAmount: decimal.NewFromInt(10),
		Status:           commission.EventApproved,
		ClaimsSource:     true,
		EffectiveAt:      at,
		CreatedAt:        at,
	}
}

func TestMemory_ClaimTupleIsUnique(t *testing.T) {
	// GIVEN: An event claiming (rule-1, src-1, tech-1)
	// WHEN: A second event claims the same tuple
	// THEN: DuplicateEventError; a non-claiming event with the same tuple is fine

	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.InsertEvent(ctx, event("e1", "rule-1", "src-1", "tech-1")))

	err := m.InsertEvent(ctx, event("e2", "rule-1", "src-1", "tech-1"))
	var dup *commission.DuplicateEventError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, commission.SourceID("src-1"), dup.SourceID)

	child := event("e3", "rule-1", "src-1", "tech-1")
	child.ClaimsSource = false
	assert.NoError(t, m.InsertEvent(ctx, child))
}

func TestMemory_ReleasingClaimFreesTuple(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	e := event("e1", "rule-1", "src-1", "tech-1")
	require.NoError(t, m.InsertEvent(ctx, e))

	e.ClaimsSource = false
	e.Status = commission.EventReversed
	require.NoError(t, m.UpdateEvent(ctx, e))

	assert.NoError(t, m.InsertEvent(ctx, event("e2", "rule-1", "src-1", "tech-1")))

	e.ClaimsSource = true
	err := m.UpdateEvent(ctx, e)
	assert.ErrorIs(t, err, commission.ErrDuplicateEvent, "re-claiming a taken tuple")
}

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(s commission.Store) error {
		require.NoError(t, s.InsertEvent(ctx, event("e1", "rule-1", "src-1", "tech-1")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := m.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, m.InsertEvent(ctx, event("e1", "rule-1", "src-1", "tech-1")), "claim was rolled back too")
}

func TestMemory_ClaimEventsIsAllOrNothing(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.InsertEvent(ctx, event("e1", "rule-1", "src-1", "tech-1")))
	pending := event("e2", "rule-1", "src-2", "tech-1")
	pending.Status = commission.EventPending
	require.NoError(t, m.InsertEvent(ctx, pending))

	err := m.ClaimEvents(ctx, []commission.EventID{"e1", "e2"}, "st-1")
	assert.ErrorIs(t, err, commission.ErrConcurrentModification)

	e1, err := m.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, e1.SettlementID)

	require.NoError(t, m.ClaimEvents(ctx, []commission.EventID{"e1"}, "st-1"))
	assert.ErrorIs(t, m.ClaimEvents(ctx, []commission.EventID{"e1"}, "st-2"), commission.ErrConcurrentModification)

	n, err := m.MarkEventsPaid(ctx, "st-1", at)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	e1, err = m.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, commission.EventPaid, e1.Status)
	require.NotNil(t, e1.PaidAt)
}

func TestMemory_ReleaseEvents(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.InsertEvent(ctx, event("e1", "rule-1", "src-1", "tech-1")))
	require.NoError(t, m.InsertEvent(ctx, event("e2", "rule-1", "src-2", "tech-1")))
	require.NoError(t, m.ClaimEvents(ctx, []commission.EventID{"e1", "e2"}, "st-1"))

	n, err := m.ReleaseEvents(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	unsettled, err := m.ListEvents(ctx, commission.EventFilter{Unsettled: true})
	require.NoError(t, err)
	assert.Len(t, unsettled, 2)
}

func TestMemory_SettlementCompareAndSwap(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	march := commission.MustParsePeriod("2025-03")
	st := commission.Settlement{ID: "st-1", UserID: "tech-1", Period: march, Status: commission.SettlementClosed}
	require.NoError(t, m.InsertSettlement(ctx, st))

	dup := st
	dup.ID = "st-2"
	assert.ErrorIs(t, m.InsertSettlement(ctx, dup), commission.ErrDuplicateSettlement, "one per user and period")

	st.Status = commission.SettlementApproved
	require.NoError(t, m.UpdateSettlement(ctx, st, commission.SettlementClosed))

	st.Status = commission.SettlementPaid
	assert.ErrorIs(t, m.UpdateSettlement(ctx, st, commission.SettlementClosed), commission.ErrConcurrentModification)

	found, err := m.FindSettlement(ctx, "tech-1", march)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, commission.SettlementApproved, found.Status)
}

func TestMemory_OneOpenDisputePerEvent(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.InsertDispute(ctx, commission.Dispute{ID: "d1", EventID: "e1", Status: commission.DisputeOpen}))

	err := m.InsertDispute(ctx, commission.Dispute{ID: "d2", EventID: "e1", Status: commission.DisputeOpen})

	assert.ErrorIs(t, err, commission.ErrDisputeAlreadyOpen)
}

func TestMemory_Reset(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.InsertEvent(ctx, event("e1", "rule-1", "src-1", "tech-1")))

	require.NoError(t, m.Reset(ctx))

	events, err := m.ListEvents(ctx, commission.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

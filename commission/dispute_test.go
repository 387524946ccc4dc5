package commission_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

const disputeReason = "Cost of parts was entered twice"

func TestDispute_OpenValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	e := approvedEvent(t, svc, "tech-1", "1000")

	_, err := svc.Disputes.Open(ctx, e.ID, "tech-1", "too short")
	var vErr *commission.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "reason", vErr.Fields[0].Field)

	_, err = svc.Disputes.Open(ctx, e.ID, "tech-2", disputeReason)
	require.ErrorAs(t, err, &vErr, "only the beneficiary can dispute")

	_, err = svc.Disputes.Open(ctx, "missing", "tech-1", disputeReason)
	assert.True(t, commission.IsNotFound(err))
}

func TestDispute_OneOpenDisputePerEvent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	e := approvedEvent(t, svc, "tech-1", "1000")

	d, err := svc.Disputes.Open(ctx, e.ID, "tech-1", disputeReason)
	require.NoError(t, err)
	assert.Equal(t, commission.DisputeOpen, d.Status)

	_, err = svc.Disputes.Open(ctx, e.ID, "tech-1", disputeReason+" again")
	assert.ErrorIs(t, err, commission.ErrDisputeAlreadyOpen)

	_, err = svc.Disputes.Resolve(ctx, d.ID, commission.Resolution{Status: commission.DisputeRejected, Notes: "Parts were correct"}, "manager")
	require.NoError(t, err)

	_, err = svc.Disputes.Open(ctx, e.ID, "tech-1", disputeReason+" again")
	assert.NoError(t, err, "a new dispute is allowed once the previous one is resolved")
}

func TestDispute_AcceptWithNewAmountAdjustsEvent(t *testing.T) {
	// GIVEN: An open dispute on a 100.00 commission
	// WHEN: It is accepted with a corrected amount of 85.5
	// THEN: The event amount becomes 85.50, its status is unchanged, the
	//       dispute records the previous amount, and the balance drops at once

	svc := newTestService(t)
	ctx := context.Background()
	e := approvedEvent(t, svc, "tech-1", "1000")
	d, err := svc.Disputes.Open(ctx, e.ID, "tech-1", disputeReason)
	require.NoError(t, err)
	before, err := svc.Settlements.Balance(ctx, "tech-1")
	require.NoError(t, err)
	assertAmount(t, "100.00", before.TotalEarned)

	resolved, err := svc.Disputes.Resolve(ctx, d.ID, commission.Resolution{
		Status:    commission.DisputeAccepted,
		Notes:     "Removed duplicate part",
		NewAmount: decPtr("85.5"),
	}, "manager")
	require.NoError(t, err)

	assert.Equal(t, commission.DisputeAccepted, resolved.Status)
	assert.Equal(t, "manager", resolved.ResolvedBy)
	require.NotNil(t, resolved.PreviousAmount)
	assertAmount(t, "100.00", *resolved.PreviousAmount)
	assertAmount(t, "85.50", *resolved.NewAmount)

	updated, err := svc.Ledger.Get(ctx, e.ID)
	require.NoError(t, err)
	assertAmount(t, "85.50", updated.CommissionAmount)
	assert.Equal(t, commission.EventApproved, updated.Status)

	after, err := svc.Settlements.Balance(ctx, "tech-1")
	require.NoError(t, err)
	assertAmount(t, "85.50", after.TotalEarned)
	assertAmount(t, "14.50", before.TotalEarned.Sub(after.TotalEarned))
}

func TestDispute_AcceptWithoutAmountReversesEvent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	e := approvedEvent(t, svc, "tech-1", "1000")
	d, err := svc.Disputes.Open(ctx, e.ID, "tech-1", disputeReason)
	require.NoError(t, err)

	_, err = svc.Disputes.Resolve(ctx, d.ID, commission.Resolution{Status: commission.DisputeAccepted, Notes: "Order was cancelled"}, "manager")
	require.NoError(t, err)

	updated, err := svc.Ledger.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, commission.EventReversed, updated.Status)
	assert.Equal(t, commission.ReversalDispute, updated.ReversalReason)

	// The tuple stays claimed, so regeneration does not bring it back.
	src, err := svc.Store.GetSource(ctx, e.SourceID)
	require.NoError(t, err)
	res, err := svc.Batch.GenerateForSource(ctx, *src)
	require.NoError(t, err)
	assert.Empty(t, res.Recorded.Inserted)
}

func TestDispute_RejectLeavesEventUntouched(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	e := approvedEvent(t, svc, "tech-1", "1000")
	d, err := svc.Disputes.Open(ctx, e.ID, "tech-1", disputeReason)
	require.NoError(t, err)

	_, err = svc.Disputes.Resolve(ctx, d.ID, commission.Resolution{Status: commission.DisputeRejected, Notes: "Parts were correct"}, "manager")
	require.NoError(t, err)

	updated, err := svc.Ledger.Get(ctx, e.ID)
	require.NoError(t, err)
	assertAmount(t, "100.00", updated.CommissionAmount)
	assert.Equal(t, commission.EventApproved, updated.Status)
}

func TestDispute_ResolutionIsTerminal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	e := approvedEvent(t, svc, "tech-1", "1000")
	d, err := svc.Disputes.Open(ctx, e.ID, "tech-1", disputeReason)
	require.NoError(t, err)
	_, err = svc.Disputes.Resolve(ctx, d.ID, commission.Resolution{Status: commission.DisputeRejected, Notes: "Parts were correct"}, "manager")
	require.NoError(t, err)

	_, err = svc.Disputes.Resolve(ctx, d.ID, commission.Resolution{Status: commission.DisputeAccepted, Notes: "Changed my mind"}, "manager")

	var trErr *commission.InvalidStateTransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, "dispute", trErr.Entity)
	assert.Equal(t, "rejected", trErr.From)
}

func TestDispute_ResolveValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	e := approvedEvent(t, svc, "tech-1", "1000")
	d, err := svc.Disputes.Open(ctx, e.ID, "tech-1", disputeReason)
	require.NoError(t, err)

	_, err = svc.Disputes.Resolve(ctx, d.ID, commission.Resolution{Status: commission.DisputeOpen, Notes: "ok"}, "manager")

	var vErr *commission.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Len(t, vErr.Fields, 2)
}

func TestDispute_SettledEventCannotBeDisputed(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	e := approvedEvent(t, svc, "tech-1", "1000")
	_, err := svc.Settlements.Close(ctx, "tech-1", march, "manager")
	require.NoError(t, err)

	_, err = svc.Disputes.Open(ctx, e.ID, "tech-1", disputeReason)

	assert.ErrorIs(t, err, commission.ErrInvalidTransition)
}

func TestDispute_ListFilters(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	a := approvedEvent(t, svc, "tech-1", "1000")
	b := approvedEvent(t, svc, "tech-2", "2000")
	_, err := svc.Disputes.Open(ctx, a.ID, "tech-1", disputeReason)
	require.NoError(t, err)
	db, err := svc.Disputes.Open(ctx, b.ID, "tech-2", disputeReason)
	require.NoError(t, err)
	_, err = svc.Disputes.Resolve(ctx, db.ID, commission.Resolution{Status: commission.DisputeRejected, Notes: "Parts were correct"}, "manager")
	require.NoError(t, err)

	open, err := svc.Disputes.List(ctx, commission.DisputeFilter{Statuses: []commission.DisputeStatus{commission.DisputeOpen}})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, commission.UserID("tech-1"), open[0].UserID)

	mine, err := svc.Disputes.List(ctx, commission.DisputeFilter{UserID: "tech-2"})
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

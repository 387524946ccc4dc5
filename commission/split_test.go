package commission_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

func shares(pairs ...string) []commission.Share {
	out := make([]commission.Share, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, commission.Share{UserID: commission.UserID(pairs[i]), Percentage: dec(pairs[i+1])})
	}
	return out
}

func TestSplit_SixtyForty(t *testing.T) {
	// GIVEN: An approved 120.00 commission
	// WHEN: It is split 60/40 between two technicians
	// THEN: Children of 72.00 and 48.00 are approved, and the parent is reversed

	svc := newTestService(t)
	ctx := context.Background()
	parent := approvedEvent(t, svc, "tech-ana", "1200")

	res, err := svc.Splits.Split(ctx, parent.ID, shares("tech-ana", "60", "tech-caio", "40"), "manager")
	require.NoError(t, err)

	require.Len(t, res.Children, 2)
	assertAmount(t, "72.00", res.Children[0].CommissionAmount)
	assertAmount(t, "48.00", res.Children[1].CommissionAmount)
	for _, c := range res.Children {
		assert.Equal(t, commission.EventApproved, c.Status)
		assert.Equal(t, parent.ID, c.ParentID)
		assert.Equal(t, commission.OriginSplit, c.Origin)
		assert.Equal(t, parent.EffectiveAt, c.EffectiveAt)
	}
	assertAmount(t, "0.6", res.Children[0].Proportion)

	assert.Equal(t, commission.EventReversed, res.Parent.Status)
	assert.Equal(t, commission.ReversalSplit, res.Parent.ReversalReason)

	splits, err := svc.Splits.Splits(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, splits, 2)
}

func TestSplit_RemainderGoesToLargestShare(t *testing.T) {
	// GIVEN: A 10.00 commission split 33.33 / 33.33 / 33.34
	// THEN: 3.33 + 3.33 + 3.34, summing to exactly 10.00

	svc := newTestService(t)
	parent := approvedEvent(t, svc, "tech-1", "100")

	res, err := svc.Splits.Split(context.Background(), parent.ID,
		shares("tech-1", "33.33", "tech-2", "33.33", "tech-3", "33.34"), "manager")
	require.NoError(t, err)

	assertAmount(t, "3.33", res.Children[0].CommissionAmount)
	assertAmount(t, "3.33", res.Children[1].CommissionAmount)
	assertAmount(t, "3.34", res.Children[2].CommissionAmount)
}

func TestSplit_Preconditions(t *testing.T) {
	tests := []struct {
		name   string
		shares []commission.Share
	}{
		{"single share", shares("tech-1", "100")},
		{"sum below 100", shares("tech-1", "50", "tech-2", "40")},
		{"sum above tolerance", shares("tech-1", "50", "tech-2", "50.2")},
		{"duplicate user", shares("tech-1", "50", "tech-1", "50")},
		{"zero share", shares("tech-1", "100", "tech-2", "0")},
		{"missing user", shares("tech-1", "50", "", "50")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t)
			parent := approvedEvent(t, svc, "tech-1", "1000")

			_, err := svc.Splits.Split(context.Background(), parent.ID, tt.shares, "manager")

			var splitErr *commission.InvalidSplitError
			require.ErrorAs(t, err, &splitErr)

			e, err := svc.Ledger.Get(context.Background(), parent.ID)
			require.NoError(t, err)
			assert.Equal(t, commission.EventApproved, e.Status, "parent untouched")
		})
	}
}

func TestSplit_WithinToleranceAccepted(t *testing.T) {
	svc := newTestService(t)
	parent := approvedEvent(t, svc, "tech-1", "1000")

	res, err := svc.Splits.Split(context.Background(), parent.ID, shares("tech-1", "50", "tech-2", "49.95"), "manager")
	require.NoError(t, err)

	total := res.Children[0].CommissionAmount.Add(res.Children[1].CommissionAmount)
	assertAmount(t, "100.00", total, "children always sum to the parent")
}

func TestSplit_RejectsCoBeneficiaryWithLiveEvent(t *testing.T) {
	// GIVEN: Two technicians on one order, each with their own commission
	// WHEN: tech-1's approved commission is split with tech-2
	// THEN: The split is refused, since tech-2 would hold two events for the
	//       same rule and source; nothing changes

	svc := newTestService(t)
	ctx := context.Background()
	mustCreateRule(t, svc, percentRule("tech-10", commission.RoleTechnician, "10"))
	events := generate(t, svc, orderSource("wo-1", marchDay(3), "1000", tech("tech-1"), tech("tech-2")))
	require.Len(t, events, 2)
	var mine commission.Event
	for _, e := range events {
		if e.UserID == "tech-1" {
			mine = e
		}
	}
	_, _, err := svc.Ledger.Approve(ctx, mine.ID, "manager")
	require.NoError(t, err)

	_, err = svc.Splits.Split(ctx, mine.ID, shares("tech-1", "50", "tech-2", "50"), "manager")

	var splitErr *commission.InvalidSplitError
	require.ErrorAs(t, err, &splitErr)
	assert.Contains(t, splitErr.Reason, "tech-2")

	parent, err := svc.Ledger.Get(ctx, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, commission.EventApproved, parent.Status, "parent untouched")
	theirs, err := svc.Ledger.List(ctx, commission.EventFilter{RuleID: "tech-10", SourceID: "wo-1", UserID: "tech-2"})
	require.NoError(t, err)
	assert.Len(t, theirs, 1)
	splits, err := svc.Splits.Splits(ctx, mine.ID)
	require.NoError(t, err)
	assert.Empty(t, splits)
}

func TestSplit_RequiresApprovedEvent(t *testing.T) {
	svc := newTestService(t)
	mustCreateRule(t, svc, percentRule("tech-10", commission.RoleTechnician, "10"))
	events := generate(t, svc, orderSource("wo-1", marchDay(3), "1000", tech("tech-1")))

	_, err := svc.Splits.Split(context.Background(), events[0].ID, shares("tech-1", "50", "tech-2", "50"), "manager")

	var notApproved *commission.EventNotApprovedError
	require.ErrorAs(t, err, &notApproved)
	assert.Equal(t, commission.EventPending, notApproved.Status)
	assert.True(t, commission.IsPrecondition(err))
}

func TestSplit_RegenerationDoesNotResurrectParent(t *testing.T) {
	// GIVEN: A split commission
	// WHEN: Its source is generated again
	// THEN: The parent's tuple is still claimed, so nothing new is inserted

	svc := newTestService(t)
	ctx := context.Background()
	parent := approvedEvent(t, svc, "tech-1", "1000")
	_, err := svc.Splits.Split(ctx, parent.ID, shares("tech-1", "50", "tech-2", "50"), "manager")
	require.NoError(t, err)

	src, err := svc.Store.GetSource(ctx, parent.SourceID)
	require.NoError(t, err)
	res, err := svc.Batch.GenerateForSource(ctx, *src)
	require.NoError(t, err)
	assert.Empty(t, res.Recorded.Inserted)
	assert.Equal(t, 1, res.Recorded.Skipped)
}

func TestSplit_ChildrenCanBeSettled(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	parent := approvedEvent(t, svc, "tech-1", "1000")
	_, err := svc.Splits.Split(ctx, parent.ID, shares("tech-1", "70", "tech-2", "30"), "manager")
	require.NoError(t, err)

	st, err := svc.Settlements.Close(ctx, "tech-2", march, "manager")
	require.NoError(t, err)
	assertAmount(t, "30.00", st.TotalAmount)
	assert.Equal(t, 1, st.EventsCount)
}

// =============================================================================
// PROPERTIES
// =============================================================================

// TestSplit_ConservesAmount checks that the children of any split sum exactly
// to the parent amount.
func TestSplit_ConservesAmount(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("children sum to the parent amount", prop.ForAll(
		func(cents int64, n int, weights []int) bool {
			if n > len(weights) {
				n = len(weights)
			}
			if n < 2 {
				return true
			}
			amount := decimal.New(cents, -2)
			parts := weightedShares(weights[:n])

			svc := newTestService(t)
			ctx := context.Background()
			rec, err := svc.Ledger.Record(ctx, []commission.Event{{
				RuleID:           "manual",
				SourceID:         "src",
				UserID:           "u0",
				Role:             commission.RoleTechnician,
				CommissionAmount: amount,
				Status:           commission.EventApproved,
				EffectiveAt:      marchDay(1),
			}})
			if err != nil || len(rec.Inserted) != 1 {
				return false
			}

			res, err := svc.Splits.Split(ctx, rec.Inserted[0].ID, parts, "prop")
			if err != nil {
				return false
			}
			total := decimal.Zero
			for _, c := range res.Children {
				if !c.CommissionAmount.Equal(commission.RoundCurrency(c.CommissionAmount)) {
					return false
				}
				total = total.Add(c.CommissionAmount)
			}
			return total.Equal(amount)
		},
		gen.Int64Range(1, 10_000_000),
		gen.IntRange(2, 5),
		gen.SliceOfN(5, gen.IntRange(1, 100)),
	))

	properties.TestingRun(t)
}

// weightedShares turns integer weights into percentages (2 places) that sum
// to exactly 100.
func weightedShares(weights []int) []commission.Share {
	sum := 0
	for _, w := range weights {
		sum += w
	}
	out := make([]commission.Share, len(weights))
	allocated := decimal.Zero
	for i, w := range weights {
		pct := decimal.NewFromInt(int64(w * 100)).Div(decimal.NewFromInt(int64(sum))).Round(2)
		if i == len(weights)-1 {
			pct = decimal.NewFromInt(100).Sub(allocated)
		}
		allocated = allocated.Add(pct)
		out[i] = commission.Share{UserID: commission.UserID(fmt.Sprintf("u%d", i)), Percentage: pct}
	}
	return out
}

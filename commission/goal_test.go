package commission_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// GOALS
// =============================================================================

func saveGoal(t *testing.T, svc *commission.Service, user, target, bonus string) *commission.Goal {
	t.Helper()
	g, err := svc.Goals.Save(context.Background(), commission.Goal{
		UserID: commission.UserID(user),
		Role:   commission.RoleTechnician,
		Period: march,
		Target: dec(target),
		Bonus:  dec(bonus),
	})
	require.NoError(t, err)
	return g
}

func TestGoal_SaveDefaults(t *testing.T) {
	svc := newTestService(t)

	g := saveGoal(t, svc, "tech-1", "100", "50")

	assert.NotEmpty(t, g.ID)
	assert.Equal(t, commission.GoalActive, g.Status)
	assert.Equal(t, testNow, g.CreatedAt)
}

func TestGoal_Validation(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Goals.Save(context.Background(), commission.Goal{UserID: "tech-1", Target: dec("0"), Bonus: dec("10")})

	var vErr *commission.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Len(t, vErr.Fields, 2, "period and target")
}

func TestGoal_Progress(t *testing.T) {
	svc := newTestService(t)
	approvedEvent(t, svc, "tech-1", "1000")
	g := saveGoal(t, svc, "tech-1", "400", "50")

	p, err := svc.Goals.Progress(context.Background(), g.ID)
	require.NoError(t, err)

	assertAmount(t, "100", p.Earned)
	assertAmount(t, "300", p.Remaining)
	assertAmount(t, "25", p.Percent)
}

func TestGoal_EvaluateAwardsBonusOnce(t *testing.T) {
	// GIVEN: tech-1 earned 100.00 in March against a 100 target, and tech-2
	//        earned nothing against theirs
	// WHEN: March is evaluated twice
	// THEN: One pending 50.00 bonus for tech-1, tech-2's goal is missed, and
	//       the second run changes nothing

	svc := newTestService(t)
	ctx := context.Background()
	approvedEvent(t, svc, "tech-1", "1000")
	hit := saveGoal(t, svc, "tech-1", "100", "50")
	miss := saveGoal(t, svc, "tech-2", "100", "50")

	res, err := svc.Goals.Evaluate(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Achieved)
	assert.Equal(t, 1, res.Missed)
	assert.Equal(t, 1, res.Bonuses)

	bonuses, err := svc.Ledger.List(ctx, commission.EventFilter{UserID: "tech-1", Origin: commission.OriginGoal})
	require.NoError(t, err)
	require.Len(t, bonuses, 1)
	assertAmount(t, "50", bonuses[0].CommissionAmount)
	assert.Equal(t, commission.EventPending, bonuses[0].Status)
	assert.True(t, march.Contains(bonuses[0].EffectiveAt), "bonus belongs to the goal period")

	g, err := svc.Goals.Get(ctx, hit.ID)
	require.NoError(t, err)
	assert.Equal(t, commission.GoalAchieved, g.Status)
	g, err = svc.Goals.Get(ctx, miss.ID)
	require.NoError(t, err)
	assert.Equal(t, commission.GoalMissed, g.Status)

	res, err = svc.Goals.Evaluate(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Achieved+res.Missed)

	bonuses, err = svc.Ledger.List(ctx, commission.EventFilter{Origin: commission.OriginGoal})
	require.NoError(t, err)
	assert.Len(t, bonuses, 1)
}

func TestGoal_ConcurrentEvaluationsDecideOnce(t *testing.T) {
	// GIVEN: An achieved goal
	// WHEN: Several evaluations of March run at the same time
	// THEN: Exactly one of them counts the goal, and one bonus exists

	svc := newTestService(t)
	ctx := context.Background()
	approvedEvent(t, svc, "tech-1", "1000")
	saveGoal(t, svc, "tech-1", "100", "50")

	const runs = 8
	results := make([]*commission.GoalEvaluation, runs)
	errs := make([]error, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Goals.Evaluate(ctx, march)
		}(i)
	}
	wg.Wait()

	achieved, bonuses := 0, 0
	for i := range results {
		require.NoError(t, errs[i])
		achieved += results[i].Achieved
		bonuses += results[i].Bonuses
	}
	assert.Equal(t, 1, achieved)
	assert.Equal(t, 1, bonuses)

	events, err := svc.Ledger.List(ctx, commission.EventFilter{Origin: commission.OriginGoal})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestGoal_EvaluateUnfinishedPeriodRejected(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Goals.Evaluate(context.Background(), commission.PeriodOf(testNow))

	assert.ErrorIs(t, err, commission.ErrValidation)
}

func TestGoal_ReversedEventsDoNotCount(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	e := approvedEvent(t, svc, "tech-1", "1000")
	_, err := svc.Ledger.Reverse(ctx, e.ID, "manager", "")
	require.NoError(t, err)
	saveGoal(t, svc, "tech-1", "100", "50")

	res, err := svc.Goals.Evaluate(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Missed)
}

// =============================================================================
// RECURRING
// =============================================================================

func TestRecurring_ProcessIsIdempotentPerPeriod(t *testing.T) {
	// GIVEN: A 150.00 monthly allowance starting in March
	// WHEN: March is processed twice and February once
	// THEN: Exactly one March event; nothing for February

	svc := newTestService(t)
	ctx := context.Background()
	r, err := svc.Recurring.Save(ctx, commission.RecurringCommission{
		UserID:      "driver-1",
		Role:        commission.RoleDriver,
		Amount:      dec("150"),
		Description: "Vehicle allowance",
		StartsOn:    marchDay(15),
		Active:      true,
	})
	require.NoError(t, err)

	res, err := svc.Recurring.Process(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Generated)

	res, err = svc.Recurring.Process(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Generated)
	assert.Equal(t, 1, res.Skipped)

	res, err = svc.Recurring.Process(ctx, march.Previous())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Generated)

	events, err := svc.Ledger.List(ctx, commission.EventFilter{UserID: "driver-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, commission.OriginRecurring, events[0].Origin)
	assertAmount(t, "150", events[0].CommissionAmount)
	assert.Equal(t, march.Start(), events[0].EffectiveAt)
	assert.Contains(t, events[0].Notes, "Vehicle allowance")
	assert.Equal(t, commission.RuleID("recurring:"+string(r.ID)), events[0].RuleID)
}

func TestRecurring_Coverage(t *testing.T) {
	ends := time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		entry   commission.RecurringCommission
		covered bool
	}{
		{"open-ended", commission.RecurringCommission{StartsOn: marchDay(1), Active: true}, true},
		{"starts mid-month", commission.RecurringCommission{StartsOn: marchDay(31), Active: true}, true},
		{"starts next month", commission.RecurringCommission{StartsOn: march.End(), Active: true}, false},
		{"ended before", commission.RecurringCommission{StartsOn: marchDay(1).AddDate(0, -3, 0), EndsOn: &ends, Active: true}, false},
		{"inactive", commission.RecurringCommission{StartsOn: marchDay(1)}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.covered, tt.entry.Covers(march), tt.name)
	}
}

func TestRecurring_InactiveEntriesSkipped(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.Recurring.Save(ctx, commission.RecurringCommission{
		UserID: "driver-1", Role: commission.RoleDriver, Amount: dec("100"), StartsOn: marchDay(1),
	})
	require.NoError(t, err)

	res, err := svc.Recurring.Process(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Generated)

	all, err := svc.Recurring.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	active, err := svc.Recurring.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRecurring_Validation(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Recurring.Save(context.Background(), commission.RecurringCommission{UserID: "driver-1", Role: "pilot", StartsOn: marchDay(1)})

	var vErr *commission.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Len(t, vErr.Fields, 2, "role and amount")
}

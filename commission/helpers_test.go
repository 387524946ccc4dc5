package commission_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
	"github.com/warp/commission-engine/lock"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// testNow is pinned so that March 2025 is a finished period.
var testNow = time.Date(2025, time.April, 10, 12, 0, 0, 0, time.UTC)

var march = commission.MustParsePeriod("2025-03")

func newTestService(t *testing.T) *commission.Service {
	t.Helper()
	svc, err := commission.NewService(store.NewMemory(), commission.ServiceOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Locker: lock.NewLocal(),
		Clock:  func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return svc
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func assertAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s %v", want, got.String(), msgAndArgs)
}

func marchDay(day int) time.Time {
	return time.Date(2025, time.March, day, 10, 0, 0, 0, time.UTC)
}

func percentRule(id string, role commission.Role, pct string) commission.Rule {
	return commission.Rule{
		ID:              commission.RuleID(id),
		Name:            id,
		Role:            role,
		CalculationType: commission.CalcPercentGross,
		Value:           dec(pct),
		AppliesTo:       commission.AppliesToAll,
		AppliesWhen:     commission.TriggerOrderCompleted,
		Active:          true,
	}
}

func mustCreateRule(t *testing.T, svc *commission.Service, r commission.Rule) *commission.Rule {
	t.Helper()
	created, err := svc.Rules.Create(context.Background(), r)
	require.NoError(t, err)
	return created
}

func tech(id string) commission.Beneficiary {
	return commission.Beneficiary{UserID: commission.UserID(id), Role: commission.RoleTechnician, SplitDivisor: 1}
}

func seller(id string) commission.Beneficiary {
	return commission.Beneficiary{UserID: commission.UserID(id), Role: commission.RoleSeller, SplitDivisor: 1}
}

func orderSource(id string, at time.Time, gross string, beneficiaries ...commission.Beneficiary) commission.SourceEvent {
	return commission.SourceEvent{
		ID:            commission.SourceID(id),
		Trigger:       commission.TriggerOrderCompleted,
		ReferenceID:   id,
		OccurredAt:    at,
		GrossAmount:   dec(gross),
		Beneficiaries: beneficiaries,
	}
}

// generate records src and returns the inserted events.
func generate(t *testing.T, svc *commission.Service, src commission.SourceEvent) []commission.Event {
	t.Helper()
	res, err := svc.Batch.GenerateForSource(context.Background(), src)
	require.NoError(t, err)
	return res.Recorded.Inserted
}

// approvedEvent creates a 10% technician rule and one approved event of
// 10% × gross for user in March.
func approvedEvent(t *testing.T, svc *commission.Service, user, gross string) commission.Event {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.Rules.Get(ctx, "tech-10"); err != nil {
		mustCreateRule(t, svc, percentRule("tech-10", commission.RoleTechnician, "10"))
	}
	events := generate(t, svc, orderSource("wo-"+user+"-"+gross, marchDay(5), gross, tech(user)))
	require.Len(t, events, 1)
	approved, _, err := svc.Ledger.Approve(ctx, events[0].ID, "manager")
	require.NoError(t, err)
	return *approved
}

package commission_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// RULE CATALOG
// =============================================================================

func TestRuleCatalog_CRUD(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created := mustCreateRule(t, svc, percentRule("tech-10", commission.RoleTechnician, "10"))
	assert.Equal(t, testNow, created.CreatedAt)

	_, err := svc.Rules.Create(ctx, percentRule("tech-10", commission.RoleTechnician, "12"))
	assert.ErrorIs(t, err, commission.ErrValidation, "duplicate id")

	update := percentRule("tech-10", commission.RoleTechnician, "12")
	updated, err := svc.Rules.Update(ctx, update)
	require.NoError(t, err)
	assertAmount(t, "12", updated.Value)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)

	seller := percentRule("", commission.RoleSeller, "5")
	seller.Name = "Seller 5%"
	generated, err := svc.Rules.Create(ctx, seller)
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)

	sellers, err := svc.Rules.List(ctx, commission.RuleFilter{Role: commission.RoleSeller})
	require.NoError(t, err)
	assert.Len(t, sellers, 1)

	require.NoError(t, svc.Rules.Delete(ctx, "tech-10"))
	_, err = svc.Rules.Get(ctx, "tech-10")
	assert.ErrorIs(t, err, commission.ErrRuleNotFound)
	assert.ErrorIs(t, svc.Rules.Delete(ctx, "tech-10"), commission.ErrRuleNotFound)
}

func TestRuleCatalog_UpdateUnknownRule(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Rules.Update(context.Background(), percentRule("ghost", commission.RoleTechnician, "10"))

	assert.True(t, commission.IsNotFound(err))
}

func TestRule_Validate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(r *commission.Rule)
		field string
	}{
		{"missing name", func(r *commission.Rule) { r.Name = " " }, "name"},
		{"unknown role", func(r *commission.Rule) { r.Role = "pilot" }, "applies_to_role"},
		{"unknown type", func(r *commission.Rule) { r.CalculationType = "magic" }, "calculation_type"},
		{"unknown trigger", func(r *commission.Rule) { r.AppliesWhen = "order_shipped" }, "applies_when"},
		{"zero rate", func(r *commission.Rule) { r.Value = dec("0") }, "value"},
		{"tiered without tiers", func(r *commission.Rule) { r.CalculationType = commission.CalcTieredGross }, "tiers"},
		{"descending tiers", func(r *commission.Rule) {
			r.CalculationType = commission.CalcTieredGross
			r.Tiers = []commission.Tier{{UpTo: decPtr("500"), Percent: dec("2")}, {UpTo: decPtr("100"), Percent: dec("3")}}
		}, "tiers[1].up_to"},
		{"open tier not last", func(r *commission.Rule) {
			r.CalculationType = commission.CalcTieredGross
			r.Tiers = []commission.Tier{{Percent: dec("2")}, {UpTo: decPtr("100"), Percent: dec("3")}}
		}, "tiers[0].up_to"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := percentRule("r", commission.RoleTechnician, "10")
			tt.edit(&r)

			err := r.Validate()

			var vErr *commission.ValidationError
			require.ErrorAs(t, err, &vErr)
			fields := make([]string, 0, len(vErr.Fields))
			for _, f := range vErr.Fields {
				fields = append(fields, f.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestCalculationTypes_Labels(t *testing.T) {
	for _, c := range commission.CalculationTypes {
		assert.True(t, c.Valid())
		assert.NotEmpty(t, c.Label(), c)
	}
	assert.True(t, commission.CalcFixedPerOrder.IsFixed())
	assert.False(t, commission.CalcPercentGross.IsFixed())
}

// =============================================================================
// PERIOD
// =============================================================================

func TestPeriod_Parse(t *testing.T) {
	p, err := commission.ParsePeriod("2025-03")
	require.NoError(t, err)
	assert.Equal(t, march, p)
	assert.Equal(t, "2025-03", p.String())
	assert.Equal(t, time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC), p.Start())
	assert.Equal(t, time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), p.End())

	for _, bad := range []string{"2025-13", "2025-3", "25-03", "2025/03", ""} {
		_, err := commission.ParsePeriod(bad)
		assert.ErrorIs(t, err, commission.ErrValidation, bad)
	}
}

func TestPeriod_Navigation(t *testing.T) {
	jan := commission.MustParsePeriod("2025-01")

	assert.Equal(t, "2024-12", jan.Previous().String())
	assert.Equal(t, "2025-02", jan.Next().String())
	assert.True(t, march.After(jan))
	assert.False(t, jan.After(march))
	assert.Equal(t, march, commission.PeriodOf(time.Date(2025, time.March, 31, 23, 59, 59, 0, time.UTC)))
}

func TestPeriod_JSON(t *testing.T) {
	var payload struct {
		Period commission.Period `json:"period"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"period":"2025-03"}`), &payload))
	assert.Equal(t, march, payload.Period)

	out, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"period":"2025-03"}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"period":"March"}`), &payload))
}

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err          error
		notFound     bool
		conflict     bool
		precondition bool
		retryable    bool
	}{
		{fmt.Errorf("wrap: %w", commission.ErrEventNotFound), true, false, false, false},
		{&commission.InvalidStateTransitionError{Entity: "event"}, false, true, false, false},
		{&commission.DuplicateEventError{}, false, true, false, false},
		{commission.ErrConcurrentModification, false, true, false, true},
		{&commission.NothingToCloseError{}, false, false, true, false},
		{&commission.InvalidSplitError{}, false, false, true, false},
		{errors.New("disk full"), false, false, false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.notFound, commission.IsNotFound(tt.err), tt.err.Error())
		assert.Equal(t, tt.conflict, commission.IsConflict(tt.err), tt.err.Error())
		assert.Equal(t, tt.precondition, commission.IsPrecondition(tt.err), tt.err.Error())
		assert.Equal(t, tt.retryable, commission.IsRetryable(tt.err), tt.err.Error())
	}
	assert.False(t, commission.IsClientError(errors.New("disk full")))
	assert.True(t, commission.IsClientError(commission.NewValidationError("x", "y")))
}

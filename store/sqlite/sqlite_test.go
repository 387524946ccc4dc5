package sqlite_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/lock"
	"github.com/warp/commission-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	now   = time.Date(2025, time.April, 10, 12, 0, 0, 0, time.UTC)
	march = commission.MustParsePeriod("2025-03")
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newService(t *testing.T, s *sqlite.Store) *commission.Service {
	t.Helper()
	svc, err := commission.NewService(s, commission.ServiceOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Locker: lock.NewLocal(),
		Clock:  func() time.Time { return now },
	})
	require.NoError(t, err)
	return svc
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func workOrder(id string, day int, gross string, users ...string) commission.SourceEvent {
	src := commission.SourceEvent{
		ID:          commission.SourceID(id),
		Trigger:     commission.TriggerOrderCompleted,
		ReferenceID: id,
		OccurredAt:  time.Date(2025, time.March, day, 9, 30, 0, 0, time.UTC),
		GrossAmount: d(gross),
		Items: []commission.LineItem{
			{Kind: commission.ItemService, Description: "Labour", Quantity: d("1"), Total: d(gross)},
		},
	}
	for _, u := range users {
		src.Beneficiaries = append(src.Beneficiaries, commission.Beneficiary{
			UserID: commission.UserID(u), Role: commission.RoleTechnician, SplitDivisor: 1,
		})
	}
	return src
}

func createTechRule(t *testing.T, svc *commission.Service) {
	t.Helper()
	_, err := svc.Rules.Create(context.Background(), commission.Rule{
		ID:              "tech-10",
		Name:            "Technician 10%",
		Role:            commission.RoleTechnician,
		CalculationType: commission.CalcPercentGross,
		Value:           d("10"),
		AppliesWhen:     commission.TriggerOrderCompleted,
		Active:          true,
	})
	require.NoError(t, err)
}

// =============================================================================
// END-TO-END OVER SQLITE
// =============================================================================

func TestStore_SettlementCycle(t *testing.T) {
	// GIVEN: A 10% technician rule and two March work orders
	// WHEN: Events are generated twice, approved, closed and paid
	// THEN: Replays insert nothing, the settlement totals the events, and the
	//       balance reconciles after payment

	s := newStore(t)
	svc := newService(t, s)
	ctx := context.Background()
	createTechRule(t, svc)

	res, err := svc.Batch.GenerateForSource(ctx, workOrder("wo-1", 3, "1000", "tech-1"))
	require.NoError(t, err)
	require.Len(t, res.Recorded.Inserted, 1)
	_, err = svc.Batch.GenerateForSource(ctx, workOrder("wo-2", 20, "500", "tech-1"))
	require.NoError(t, err)

	replay, err := svc.Batch.GenerateForRange(ctx, commission.BatchRequest{From: march.Start(), To: march.End()})
	require.NoError(t, err)
	assert.Equal(t, 0, replay.Generated)
	assert.Equal(t, 2, replay.Skipped)

	events, err := svc.Ledger.List(ctx, commission.EventFilter{UserID: "tech-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	ids := []commission.EventID{events[0].ID, events[1].ID}
	approved, err := svc.Ledger.BatchApprove(ctx, ids, "manager")
	require.NoError(t, err)
	assert.Equal(t, 2, approved.Transitioned)

	st, err := svc.Settlements.Close(ctx, "tech-1", march, "manager")
	require.NoError(t, err)
	assert.True(t, d("150").Equal(st.TotalAmount))
	assert.Equal(t, 2, st.EventsCount)

	_, err = svc.Settlements.Approve(ctx, st.ID, "finance")
	require.NoError(t, err)
	paid, err := svc.Settlements.Pay(ctx, st.ID, commission.PayRequest{Notes: "March payroll"}, "finance")
	require.NoError(t, err)
	assert.Equal(t, commission.SettlementPaid, paid.Status)

	bal, err := svc.Settlements.Balance(ctx, "tech-1")
	require.NoError(t, err)
	assert.True(t, bal.Reconciles())
	assert.True(t, d("150").Equal(bal.TotalPaid))
	assert.True(t, bal.Balance.IsZero())
}

func TestStore_SplitAndDispute(t *testing.T) {
	s := newStore(t)
	svc := newService(t, s)
	ctx := context.Background()
	createTechRule(t, svc)
	res, err := svc.Batch.GenerateForSource(ctx, workOrder("wo-1", 3, "1200", "tech-1"))
	require.NoError(t, err)
	parent, _, err := svc.Ledger.Approve(ctx, res.Recorded.Inserted[0].ID, "manager")
	require.NoError(t, err)

	split, err := svc.Splits.Split(ctx, parent.ID, []commission.Share{
		{UserID: "tech-1", Percentage: d("60")},
		{UserID: "tech-2", Percentage: d("40")},
	}, "manager")
	require.NoError(t, err)
	require.Len(t, split.Children, 2)

	child := split.Children[1]
	dispute, err := svc.Disputes.Open(ctx, child.ID, "tech-2", "Should have been half of the job")
	require.NoError(t, err)
	_, err = svc.Disputes.Open(ctx, child.ID, "tech-2", "Opening a second dispute")
	assert.ErrorIs(t, err, commission.ErrDisputeAlreadyOpen)

	newAmount := d("60")
	_, err = svc.Disputes.Resolve(ctx, dispute.ID, commission.Resolution{
		Status:    commission.DisputeAccepted,
		Notes:     "Agreed, even split",
		NewAmount: &newAmount,
	}, "manager")
	require.NoError(t, err)

	got, err := svc.Ledger.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.True(t, d("60").Equal(got.CommissionAmount))
	assert.Equal(t, parent.ID, got.ParentID)

	splits, err := svc.Splits.Splits(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, splits, 2)
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestStore_SourceRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	net := d("812.40")
	src := workOrder("wo-1", 3, "1000", "tech-1", "tech-2")
	src.NetAmount = &net
	src.Expenses = d("120.5")
	src.Displacement = d("67.1")
	src.OriginTag = "field"
	src.RecordedAt = now
	src.Items = append(src.Items, commission.LineItem{
		Kind: commission.ItemProduct, Description: "Filter", Quantity: d("2"), Total: d("80"), UnitCost: d("25"),
	})

	require.NoError(t, s.SaveSource(ctx, src))
	got, err := s.GetSource(ctx, "wo-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, src.OccurredAt, got.OccurredAt)
	assert.True(t, net.Equal(*got.NetAmount))
	assert.True(t, d("67.1").Equal(got.Displacement))
	assert.Equal(t, "field", got.OriginTag)
	require.Len(t, got.Items, 2)
	assert.True(t, d("25").Equal(got.Items[1].UnitCost))
	assert.Equal(t, src.Beneficiaries, got.Beneficiaries)

	missing, err := s.GetSource(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_TieredRuleRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	upTo := d("5000")
	r := commission.Rule{
		ID:              "tiers",
		Name:            "Tiered",
		Role:            commission.RoleSeller,
		CalculationType: commission.CalcTieredGross,
		AppliesTo:       commission.AppliesToAll,
		AppliesWhen:     commission.TriggerOrderInvoiced,
		Tiers:           []commission.Tier{{UpTo: &upTo, Percent: d("3")}, {Percent: d("5")}},
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	require.NoError(t, s.SaveRule(ctx, r))
	got, err := s.GetRule(ctx, "tiers")
	require.NoError(t, err)

	require.Len(t, got.Tiers, 2)
	assert.True(t, upTo.Equal(*got.Tiers[0].UpTo))
	assert.Nil(t, got.Tiers[1].UpTo)
	assert.True(t, d("5").Equal(got.Tiers[1].Percent))

	sellers, err := s.ListRules(ctx, commission.RuleFilter{Role: commission.RoleSeller, ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, sellers, 1)
}

func TestStore_ClaimIndexRejectsDuplicates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	e := commission.Event{
		ID: "e1", RuleID: "r", SourceID: "src", UserID: "u", Origin: commission.OriginRule,
		CommissionAmount: d("10"), Proportion: d("1"), Status: commission.EventPending,
		ClaimsSource: true, EffectiveAt: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.InsertEvent(ctx, e))

	e.ID = "e2"
	err := s.InsertEvent(ctx, e)

	var dup *commission.DuplicateEventError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, commission.UserID("u"), dup.UserID)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx commission.Store) error {
		require.NoError(t, tx.SaveSource(ctx, workOrder("wo-1", 3, "100", "tech-1")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetSource(ctx, "wo-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_Reset(t *testing.T) {
	s := newStore(t)
	svc := newService(t, s)
	ctx := context.Background()
	createTechRule(t, svc)

	require.NoError(t, s.Reset(ctx))

	rules, err := svc.Rules.List(ctx, commission.RuleFilter{})
	require.NoError(t, err)
	assert.Empty(t, rules)
	assert.NoError(t, s.Ping(ctx))
}

// =============================================================================
// DRIVER ERROR MAPPING (sqlmock)
// =============================================================================

func newMock(t *testing.T) (*sqlite.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlite.NewWithDB(db), mock
}

func TestStore_UniqueViolationOnSettlement(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO commission_settlements")).
		WillReturnError(errors.New("UNIQUE constraint failed: commission_settlements.user_id, commission_settlements.period"))

	err := s.InsertSettlement(context.Background(), commission.Settlement{ID: "st-1", UserID: "u", Period: march})

	assert.ErrorIs(t, err, commission.ErrDuplicateSettlement)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SettlementCompareAndSwapMiss(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE commission_settlements SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateSettlement(context.Background(),
		commission.Settlement{ID: "st-1", Status: commission.SettlementApproved}, commission.SettlementClosed)

	assert.ErrorIs(t, err, commission.ErrConcurrentModification)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ClaimEventsStopsOnMiss(t *testing.T) {
	s, mock := newMock(t)
	claim := regexp.QuoteMeta("UPDATE commission_events SET settlement_id = ?")
	mock.ExpectExec(claim).WithArgs("st-1", "e1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(claim).WithArgs("st-1", "e2").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.ClaimEvents(context.Background(), []commission.EventID{"e1", "e2", "e3"}, "st-1")

	assert.ErrorIs(t, err, commission.ErrConcurrentModification)
	assert.NoError(t, mock.ExpectationsWereMet(), "e3 is never attempted")
}

func TestStore_DriverErrorIsWrapped(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO commission_disputes")).
		WillReturnError(errors.New("disk I/O error"))

	err := s.InsertDispute(context.Background(), commission.Dispute{ID: "d1", EventID: "e1"})

	require.Error(t, err)
	assert.NotErrorIs(t, err, commission.ErrDisputeAlreadyOpen)
	assert.Contains(t, err.Error(), "disk I/O error")
}

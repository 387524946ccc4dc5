/*
scenarios_test.go - Tests for demo scenario loading

Tests for:
- Every scenario loads on an empty store
- Scenario contents (events, settlements, splits, disputes, goals)
- Loading resets previous data; unknown scenarios are rejected
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

func (ts *testServer) loadScenario(id string) {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id}, "")
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestScenarios_AllLoad(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	rec := ts.do(http.MethodGet, "/api/scenarios", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeAs[[]ScenarioDTO](t, rec)
	require.Len(t, listed, len(scenarioLoaders))

	for _, s := range listed {
		t.Run(s.ID, func(t *testing.T) {
			_, ok := scenarioLoaders[s.ID]
			require.True(t, ok, "listed scenario has a loader")

			ts.loadScenario(s.ID)

			rec := ts.do(http.MethodGet, "/api/scenarios/current", nil, "")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, s.ID, decodeAs[ScenarioDTO](t, rec).ID)
		})
	}
}

func TestScenario_BasicOrders(t *testing.T) {
	// GIVEN: The basic-orders scenario
	// THEN: Two orders produce six pending events; the warranty order none

	ts := newTestServer(t, RouterOptions{})
	ts.loadScenario("basic-orders")
	ctx := context.Background()

	events, err := ts.svc.Ledger.List(ctx, commission.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 6)
	for _, e := range events {
		assert.Equal(t, commission.EventPending, e.Status, e.ID)
		assert.Equal(t, ts.handler.lastMonth(), commission.PeriodOf(e.EffectiveAt))
	}

	warranty, err := ts.svc.Ledger.List(ctx, commission.EventFilter{SourceID: "wo:OS-1003"})
	require.NoError(t, err)
	assert.Empty(t, warranty)
}

func TestScenario_CampaignBoost(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ctx := context.Background()
	amount := func(user commission.UserID) string {
		events, err := ts.svc.Ledger.List(ctx, commission.EventFilter{SourceID: "wo:OS-1001", UserID: user})
		require.NoError(t, err)
		require.Len(t, events, 1)
		return events[0].CommissionAmount.String()
	}

	ts.loadScenario("basic-orders")
	plainTech, plainSeller := amount("tech-ana"), amount("seller-bruno")
	ts.loadScenario("campaign-boost")
	boostedTech, boostedSeller := amount("tech-ana"), amount("seller-bruno")

	assert.True(t, dec(plainTech).Mul(dec("1.5")).Equal(dec(boostedTech)), "%s -> %s", plainTech, boostedTech)
	assert.Equal(t, plainSeller, boostedSeller, "the campaign targets technicians only")
}

func TestScenario_SettlementCycle(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.loadScenario("settlement-cycle")

	rec := ts.do(http.MethodGet, "/api/settlements?user_id=tech-ana", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	settlements := decodeAs[[]SettlementDTO](t, rec)
	require.Len(t, settlements, 1)
	st := settlements[0]
	assert.Equal(t, "paid", st.Status)
	assert.Equal(t, ts.handler.lastMonth().String(), st.Period)
	assert.Equal(t, 2, st.EventsCount)
	assert.True(t, dec("20").Equal(st.Outstanding), st.Outstanding.String())

	rec = ts.do(http.MethodGet, "/api/users/tech-ana/balance", nil, "")
	balance := decodeAs[BalanceDTO](t, rec)
	assert.True(t, balance.Reconciles)
	assert.True(t, dec("20").Equal(balance.OutstandingOnPaid))
}

func TestScenario_SplitAndDispute(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.loadScenario("split-and-dispute")
	ctx := context.Background()

	children, err := ts.svc.Ledger.List(ctx, commission.EventFilter{Origin: commission.OriginSplit})
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, children[0].ParentID, children[1].ParentID)

	disputes, err := ts.svc.Disputes.List(ctx, commission.DisputeFilter{Statuses: []commission.DisputeStatus{commission.DisputeOpen}})
	require.NoError(t, err)
	require.Len(t, disputes, 1)
	assert.Equal(t, commission.UserID("seller-bruno"), disputes[0].UserID)
}

func TestScenario_GoalsRecurring(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.loadScenario("goals-recurring")
	ctx := context.Background()

	goals, err := ts.svc.Goals.List(ctx, commission.GoalFilter{UserID: "tech-ana"})
	require.NoError(t, err)
	require.Len(t, goals, 1)
	assert.Equal(t, commission.GoalActive, goals[0].Status)

	recurring, err := ts.svc.Recurring.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, recurring, 1)
	assert.Equal(t, commission.UserID("driver-davi"), recurring[0].UserID)
}

func TestLoadScenario_ReplacesPreviousData(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.loadScenario("split-and-dispute")

	ts.loadScenario("basic-orders")

	disputes, err := ts.svc.Disputes.List(context.Background(), commission.DisputeFilter{})
	require.NoError(t, err)
	assert.Empty(t, disputes)
}

func TestLoadScenario_Unknown(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	rec := ts.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "black-friday"}, "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unknown scenario")
}

func TestResetDatabase(t *testing.T) {
	// GIVEN: A loaded scenario
	// WHEN: The database is reset
	// THEN: No events remain and no scenario is current

	ts := newTestServer(t, RouterOptions{})
	ts.loadScenario("basic-orders")

	rec := ts.do(http.MethodPost, "/api/scenarios/reset", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reset")

	rec = ts.do(http.MethodGet, "/api/events", nil, "")
	assert.Empty(t, decodeAs[[]EventDTO](t, rec))

	rec = ts.do(http.MethodGet, "/api/scenarios/current", nil, "")
	assert.JSONEq(t, "null", rec.Body.String())
}

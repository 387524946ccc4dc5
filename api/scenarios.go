/*
scenarios.go - Demo scenario loaders for exploration and demos

PURPOSE:
  Pre-built data sets that exercise the engine end to end: rules from the
  factory presets, upstream hooks through sources.Intake, and lifecycle calls
  on the core. Every scenario starts from an empty store.

AVAILABLE SCENARIOS:
  basic-orders:       Default rule catalog, three completed work orders last month
  campaign-boost:     Same orders under a 1.5x campaign
  settlement-cycle:   Approved events closed, approved and partially paid
  split-and-dispute:  A split commission and an open dispute
  goals-recurring:    A monthly goal and a recurring allowance

Scenario dates are relative to the service clock: "last month" is the period
before the current one, so its settlement can be closed immediately.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "settlement-cycle"}

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
  - factory/presets.go: Rule presets
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/sources"
)

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "basic-orders",
		Name:        "Basic Orders",
		Description: "Default rules and three completed work orders from last month, pending approval",
	},
	{
		ID:          "campaign-boost",
		Name:        "Campaign Boost",
		Description: "Last month's orders under a 1.5x technician campaign",
	},
	{
		ID:          "settlement-cycle",
		Name:        "Settlement Cycle",
		Description: "Approved commissions closed into a settlement, approved and partially paid",
	},
	{
		ID:          "split-and-dispute",
		Name:        "Split and Dispute",
		Description: "A technician commission split 60/40 and a disputed seller commission",
	},
	{
		ID:          "goals-recurring",
		Name:        "Goals and Recurring",
		Description: "A monthly sales goal for last month and a recurring driver allowance",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"basic-orders":      (*Handler).loadBasicOrdersScenario,
	"campaign-boost":    (*Handler).loadCampaignBoostScenario,
	"settlement-cycle":  (*Handler).loadSettlementCycleScenario,
	"split-and-dispute": (*Handler).loadSplitAndDisputeScenario,
	"goals-recurring":   (*Handler).loadGoalsRecurringScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", req.ScenarioID)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.store.Reset(ctx); err != nil {
		h.writeDomainError(w, r, fmt.Errorf("reset: %w", err))
		return
	}
	if err := load(h, ctx); err != nil {
		h.writeDomainError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID
	h.logger.Info("scenario loaded", "scenario", req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.store.Reset(r.Context()); err != nil {
		h.writeDomainError(w, r, fmt.Errorf("reset: %w", err))
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadBasicOrdersScenario(ctx context.Context) error {
	if err := h.loadDefaultCatalog(ctx); err != nil {
		return err
	}
	_, err := h.lastMonthOrders(ctx)
	return err
}

func (h *Handler) loadCampaignBoostScenario(ctx context.Context) error {
	if err := h.loadDefaultCatalog(ctx); err != nil {
		return err
	}
	last := h.lastMonth()
	if _, err := h.svc.Campaigns.Save(ctx, commission.Campaign{
		Name:       "Technician month",
		Multiplier: decimal.RequireFromString("1.5"),
		Role:       commission.RoleTechnician,
		StartsOn:   last.Start(),
		EndsOn:     last.End().Add(-time.Nanosecond),
		Active:     true,
	}); err != nil {
		return err
	}
	_, err := h.lastMonthOrders(ctx)
	return err
}

func (h *Handler) loadSettlementCycleScenario(ctx context.Context) error {
	if err := h.loadDefaultCatalog(ctx); err != nil {
		return err
	}
	events, err := h.lastMonthOrders(ctx)
	if err != nil {
		return err
	}
	if _, err := h.svc.Ledger.BatchApprove(ctx, userEventIDs(events, "tech-ana"), "manager"); err != nil {
		return err
	}
	s, err := h.svc.Settlements.Close(ctx, "tech-ana", h.lastMonth(), "manager")
	if err != nil {
		return err
	}
	if _, err := h.svc.Settlements.Approve(ctx, s.ID, "finance"); err != nil {
		return err
	}
	partial := s.TotalAmount.Sub(decimal.NewFromInt(20))
	_, err = h.svc.Settlements.Pay(ctx, s.ID, commission.PayRequest{PaidAmount: &partial, Notes: "20 withheld pending receipt"}, "finance")
	return err
}

func (h *Handler) loadSplitAndDisputeScenario(ctx context.Context) error {
	if err := h.loadDefaultCatalog(ctx); err != nil {
		return err
	}
	events, err := h.lastMonthOrders(ctx)
	if err != nil {
		return err
	}
	var tech, seller *commission.Event
	for i := range events {
		switch {
		case tech == nil && events[i].UserID == "tech-ana":
			tech = &events[i]
		case seller == nil && events[i].UserID == "seller-bruno":
			seller = &events[i]
		}
	}
	if tech == nil || seller == nil {
		return fmt.Errorf("scenario orders produced no technician or seller commission")
	}
	if _, _, err := h.svc.Ledger.Approve(ctx, tech.ID, "manager"); err != nil {
		return err
	}
	if _, err := h.svc.Splits.Split(ctx, tech.ID, []commission.Share{
		{UserID: "tech-ana", Percentage: decimal.NewFromInt(60)},
		{UserID: "tech-caio", Percentage: decimal.NewFromInt(40)},
	}, "manager"); err != nil {
		return err
	}
	_, err = h.svc.Disputes.Open(ctx, seller.ID, "seller-bruno", "Cost of parts was entered twice on this order")
	return err
}

func (h *Handler) loadGoalsRecurringScenario(ctx context.Context) error {
	if err := h.loadDefaultCatalog(ctx); err != nil {
		return err
	}
	if _, err := h.lastMonthOrders(ctx); err != nil {
		return err
	}
	last := h.lastMonth()
	if _, err := h.svc.Goals.Save(ctx, commission.Goal{
		UserID: "tech-ana",
		Role:   commission.RoleTechnician,
		Period: last,
		Target: decimal.NewFromInt(100),
		Bonus:  decimal.NewFromInt(50),
	}); err != nil {
		return err
	}
	if _, err := h.svc.Recurring.Save(ctx, commission.RecurringCommission{
		UserID:      "driver-davi",
		Role:        commission.RoleDriver,
		Amount:      decimal.NewFromInt(150),
		Description: "Vehicle allowance",
		StartsOn:    last.Start(),
		Active:      true,
	}); err != nil {
		return err
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) lastMonth() commission.Period {
	return commission.PeriodOf(h.svc.Now()).Previous()
}

func (h *Handler) loadDefaultCatalog(ctx context.Context) error {
	catalog, err := factory.ParseCatalogJSON([]byte(factory.DefaultCatalogJSON()))
	if err != nil {
		return err
	}
	_, err = catalog.Apply(ctx, h.svc.Rules, h.svc.Campaigns)
	return err
}

// lastMonthOrders feeds three work orders dated last month through the intake
// and returns the events they produced.
func (h *Handler) lastMonthOrders(ctx context.Context) ([]commission.Event, error) {
	start := h.lastMonth().Start()
	orders := []sources.WorkOrderCompleted{
		{
			OrderID:      "OS-1001",
			TechnicianID: "tech-ana",
			SellerID:     "seller-bruno",
			CompletedAt:  start.AddDate(0, 0, 4).Add(10 * time.Hour),
			GrossAmount:  decimal.NewFromInt(1200),
			Items: []commission.LineItem{
				{Kind: commission.ItemService, Description: "Compressor repair", Quantity: decimal.NewFromInt(1), Total: decimal.NewFromInt(800)},
				{Kind: commission.ItemProduct, Description: "Capacitor", Quantity: decimal.NewFromInt(2), Total: decimal.NewFromInt(400), UnitCost: decimal.NewFromInt(120)},
			},
		},
		{
			OrderID:            "OS-1002",
			TechnicianID:       "tech-ana",
			ExtraTechnicianIDs: []commission.UserID{"tech-caio"},
			SellerID:           "seller-bruno",
			DriverID:           "driver-davi",
			CompletedAt:        start.AddDate(0, 0, 11).Add(15 * time.Hour),
			GrossAmount:        decimal.NewFromInt(2500),
			Displacement:       decimal.NewFromInt(80),
			Items: []commission.LineItem{
				{Kind: commission.ItemService, Description: "Installation", Quantity: decimal.NewFromInt(1), Total: decimal.NewFromInt(1500)},
				{Kind: commission.ItemProduct, Description: "Split unit", Quantity: decimal.NewFromInt(1), Total: decimal.NewFromInt(1000), UnitCost: decimal.NewFromInt(650)},
			},
		},
		{
			OrderID:      "OS-1003",
			TechnicianID: "tech-ana",
			CompletedAt:  start.AddDate(0, 0, 20).Add(9 * time.Hour),
			GrossAmount:  decimal.NewFromInt(450),
			Warranty:     true,
		},
	}

	var events []commission.Event
	for _, wo := range orders {
		out, err := h.intake.OnWorkOrderCompleted(ctx, wo)
		if err != nil {
			return nil, err
		}
		if out.Result != nil {
			events = append(events, out.Result.Recorded.Inserted...)
		}
	}
	return events, nil
}

func userEventIDs(events []commission.Event, user commission.UserID) []commission.EventID {
	out := make([]commission.EventID, 0, len(events))
	for _, e := range events {
		if e.UserID == user {
			out = append(out, e.ID)
		}
	}
	return out
}

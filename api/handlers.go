/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes the commission core via a REST API. Handlers parse and validate
  the request, call one core operation, and serialize the result. They hold
  no business rules of their own.

REQUEST FLOW:
  1. Decode JSON body / query parameters
  2. Validate with go-playground/validator (422 with field details)
  3. Call the core (commission.Service, sources.Intake)
  4. Serialize response DTOs
  5. Map core errors to HTTP status codes (errors.go)

ACTOR:
  The X-User-ID header (see middleware.go) is passed to the core as the actor
  on approvals, closes, payments, and resolutions, and is the default user
  when opening a dispute.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error mapping and request validation
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/sources"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter wipes all persisted data. Both stores implement it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	svc      *commission.Service
	intake   *sources.Intake
	store    Resetter
	logger   *slog.Logger
	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over the service. store is used for health
// checks and scenario resets.
func NewHandler(svc *commission.Service, store Resetter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		svc:      svc,
		intake:   sources.NewIntake(svc.Batch, logger.With("component", "intake")),
		store:    store,
		logger:   logger,
		validate: v,
	}
}

// Health reports liveness, and store reachability when the store can be pinged.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := commission.RuleFilter{
		Role:       commission.Role(q.Get("role")),
		Trigger:    commission.Trigger(q.Get("trigger")),
		UserID:     commission.UserID(q.Get("user_id")),
		ActiveOnly: q.Get("active") == "true",
	}
	rules, err := h.svc.Rules.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]RuleDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = toRuleDTO(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.Rules.Get(r.Context(), commission.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(*rule))
}

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req factory.RuleJSON
	if !h.decode(w, r, &req) {
		return
	}
	rule, err := h.svc.Rules.Create(r.Context(), req.ToRule())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleDTO(*rule))
}

func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req factory.RuleJSON
	if !h.decode(w, r, &req) {
		return
	}
	rule := req.ToRule()
	rule.ID = commission.RuleID(chi.URLParam(r, "id"))
	updated, err := h.svc.Rules.Update(r.Context(), rule)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(*updated))
}

func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Rules.Delete(r.Context(), commission.RuleID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListCalculationTypes(w http.ResponseWriter, r *http.Request) {
	dtos := make([]CalculationTypeDTO, len(commission.CalculationTypes))
	for i, c := range commission.CalculationTypes {
		dtos[i] = CalculationTypeDTO{Type: string(c), Label: c.Label(), Fixed: c.IsFixed()}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CAMPAIGN HANDLERS
// =============================================================================

func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.svc.Campaigns.List(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]CampaignDTO, len(campaigns))
	for i, c := range campaigns {
		dtos[i] = toCampaignDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req factory.CampaignJSON
	if !h.decode(w, r, &req) {
		return
	}
	c, err := req.ToCampaign()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	saved, err := h.svc.Campaigns.Save(r.Context(), c)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCampaignDTO(*saved))
}

func (h *Handler) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Campaigns.Delete(r.Context(), commission.CampaignID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HOOK HANDLERS
// =============================================================================

func (h *Handler) WorkOrderCompleted(w http.ResponseWriter, r *http.Request) {
	var req WorkOrderCompletedRequest
	if !h.decode(w, r, &req) {
		return
	}
	wo := sources.WorkOrderCompleted{
		OrderID:      req.OrderID,
		TechnicianID: commission.UserID(req.TechnicianID),
		SellerID:     commission.UserID(req.SellerID),
		DriverID:     commission.UserID(req.DriverID),
		CompletedAt:  req.CompletedAt,
		GrossAmount:  req.GrossAmount,
		NetAmount:    req.NetAmount,
		Expenses:     req.Expenses,
		Displacement: req.Displacement,
		OriginTag:    req.OriginTag,
		Warranty:     req.Warranty,
	}
	for _, id := range req.ExtraTechnicianIDs {
		wo.ExtraTechnicianIDs = append(wo.ExtraTechnicianIDs, commission.UserID(id))
	}
	for _, it := range req.Items {
		wo.Items = append(wo.Items, commission.LineItem{
			Kind:        commission.ItemKind(it.Kind),
			Description: it.Description,
			Quantity:    it.Quantity,
			Total:       it.Total,
			UnitCost:    it.UnitCost,
		})
	}
	out, err := h.intake.OnWorkOrderCompleted(r.Context(), wo)
	h.writeOutcome(w, r, out, err)
}

func (h *Handler) InstallmentPaid(w http.ResponseWriter, r *http.Request) {
	var req InstallmentPaidRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.intake.OnInstallmentPaid(r.Context(), sources.InstallmentPaid{
		InstallmentID: req.InstallmentID,
		UserID:        commission.UserID(req.UserID),
		Role:          commission.Role(req.Role),
		Amount:        req.Amount,
		PaidAt:        req.PaidAt,
		OriginTag:     req.OriginTag,
	})
	h.writeOutcome(w, r, out, err)
}

func (h *Handler) OrderInvoiced(w http.ResponseWriter, r *http.Request) {
	var req OrderInvoicedRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.intake.OnOrderInvoiced(r.Context(), sources.OrderInvoiced{
		OrderID:    req.OrderID,
		SellerID:   commission.UserID(req.SellerID),
		Amount:     req.Amount,
		InvoicedAt: req.InvoicedAt,
		OriginTag:  req.OriginTag,
	})
	h.writeOutcome(w, r, out, err)
}

func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, out *sources.Outcome, err error) {
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	resp := HookResponse{Ignored: out.Ignored, Events: []EventDTO{}}
	status := http.StatusOK
	if out.Result != nil {
		src := toSourceDTO(out.Result.Source)
		resp.Source = &src
		resp.Events = toEventDTOs(out.Result.Recorded.Inserted)
		resp.Existing = out.Result.Recorded.Skipped
		if len(resp.Events) > 0 {
			status = http.StatusCreated
		}
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// SOURCE / SIMULATION / BATCH HANDLERS
// =============================================================================

func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req SimulateRequest
	if !h.decode(w, r, &req) {
		return
	}
	calc, err := h.svc.Batch.Simulate(r.Context(), commission.SourceID(req.SourceID))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCalculationDTO(*calc))
}

func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := commission.SourceFilter{
		Trigger: commission.Trigger(q.Get("trigger")),
		UserID:  commission.UserID(q.Get("user_id")),
	}
	var verr commission.ValidationError
	filter.From = parseTimeParam(&verr, q.Get("from"), "from")
	filter.To = parseTimeParam(&verr, q.Get("to"), "to")
	if err := verr.Err(); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	srcs, err := h.svc.Batch.Sources(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]SourceDTO, len(srcs))
	for i, s := range srcs {
		dtos[i] = toSourceDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GenerateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchGenerateRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Batch.GenerateForRange(r.Context(), commission.BatchRequest{
		UserID:  commission.UserID(req.UserID),
		Trigger: commission.Trigger(req.Trigger),
		From:    req.From,
		To:      req.To,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	errs := res.Errors
	if errs == nil {
		errs = []commission.BatchError{}
	}
	writeJSON(w, http.StatusOK, BatchResultDTO{
		SourcesScanned: res.SourcesScanned,
		Generated:      res.Generated,
		Skipped:        res.Skipped,
		Errors:         errs,
	})
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := commission.EventFilter{
		UserID:       commission.UserID(q.Get("user_id")),
		SettlementID: commission.SettlementID(q.Get("settlement_id")),
		SourceID:     commission.SourceID(q.Get("source_id")),
		RuleID:       commission.RuleID(q.Get("rule_id")),
		ParentID:     commission.EventID(q.Get("parent_id")),
		Origin:       commission.EventOrigin(q.Get("origin")),
		Unsettled:    q.Get("unsettled") == "true",
	}
	for _, s := range splitParam(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, commission.EventStatus(s))
	}
	if raw := q.Get("period"); raw != "" {
		p, err := commission.ParsePeriod(raw)
		if err != nil {
			h.writeDomainError(w, r, commission.NewValidationError("period", err.Error()))
			return
		}
		filter.From, filter.To = p.Start(), p.End()
	}
	events, err := h.svc.Ledger.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.Ledger.Get(r.Context(), commission.EventID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(*e))
}

func (h *Handler) ApproveEvent(w http.ResponseWriter, r *http.Request) {
	e, _, err := h.svc.Ledger.Approve(r.Context(), commission.EventID(chi.URLParam(r, "id")), actorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(*e))
}

func (h *Handler) ReverseEvent(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	e, err := h.svc.Ledger.Reverse(r.Context(), commission.EventID(chi.URLParam(r, "id")), actorFrom(r.Context()), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(*e))
}

func (h *Handler) BatchApproveEvents(w http.ResponseWriter, r *http.Request) {
	var req BatchEventsRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Ledger.BatchApprove(r.Context(), eventIDs(req.IDs), actorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchTransitionDTO(res))
}

func (h *Handler) BatchReverseEvents(w http.ResponseWriter, r *http.Request) {
	var req BatchEventsRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Ledger.BatchReverse(r.Context(), eventIDs(req.IDs), actorFrom(r.Context()), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchTransitionDTO(res))
}

func (h *Handler) SplitEvent(w http.ResponseWriter, r *http.Request) {
	var req SplitRequest
	if !h.decode(w, r, &req) {
		return
	}
	shares := make([]commission.Share, len(req.Shares))
	for i, s := range req.Shares {
		shares[i] = commission.Share{UserID: commission.UserID(s.UserID), Percentage: s.Percentage}
	}
	res, err := h.svc.Splits.Split(r.Context(), commission.EventID(chi.URLParam(r, "id")), shares, actorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SplitResultDTO{
		Parent:   toEventDTO(res.Parent),
		Children: toEventDTOs(res.Children),
		Splits:   toSplitDTOs(res.Splits),
	})
}

func (h *Handler) ListSplits(w http.ResponseWriter, r *http.Request) {
	splits, err := h.svc.Splits.Splits(r.Context(), commission.EventID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSplitDTOs(splits))
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := commission.SettlementFilter{UserID: commission.UserID(q.Get("user_id"))}
	for _, s := range splitParam(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, commission.SettlementStatus(s))
	}
	if raw := q.Get("period"); raw != "" {
		p, err := commission.ParsePeriod(raw)
		if err != nil {
			h.writeDomainError(w, r, commission.NewValidationError("period", err.Error()))
			return
		}
		filter.Period = p
	}
	list, err := h.svc.Settlements.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]SettlementDTO, len(list))
	for i, s := range list {
		dtos[i] = toSettlementDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Settlements.Get(r.Context(), settlementID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(*s))
}

func (h *Handler) ListSettlementEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Settlements.Events(r.Context(), settlementID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

func (h *Handler) CloseSettlement(w http.ResponseWriter, r *http.Request) {
	var req CloseSettlementRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, err := commission.ParsePeriod(req.Period)
	if err != nil {
		h.writeDomainError(w, r, commission.NewValidationError("period", err.Error()))
		return
	}
	s, err := h.svc.Settlements.Close(r.Context(), commission.UserID(req.UserID), period, actorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSettlementDTO(*s))
}

func (h *Handler) ApproveSettlement(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Settlements.Approve(r.Context(), settlementID(r), actorFrom(r.Context()))
	h.writeSettlement(w, r, s, err)
}

func (h *Handler) RejectSettlement(w http.ResponseWriter, r *http.Request) {
	var req RejectSettlementRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.svc.Settlements.Reject(r.Context(), settlementID(r), req.Reason, actorFrom(r.Context()))
	h.writeSettlement(w, r, s, err)
}

func (h *Handler) PaySettlement(w http.ResponseWriter, r *http.Request) {
	var req PaySettlementRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	s, err := h.svc.Settlements.Pay(r.Context(), settlementID(r), commission.PayRequest{
		PaidAmount: req.PaidAmount,
		Notes:      req.Notes,
	}, actorFrom(r.Context()))
	h.writeSettlement(w, r, s, err)
}

func (h *Handler) ReopenSettlement(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Settlements.Reopen(r.Context(), settlementID(r), actorFrom(r.Context()))
	h.writeSettlement(w, r, s, err)
}

func (h *Handler) writeSettlement(w http.ResponseWriter, r *http.Request, s *commission.Settlement, err error) {
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(*s))
}

// GetBalance returns the reconciled balance summary for a user.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Settlements.Balance(r.Context(), commission.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(*b))
}

// =============================================================================
// DISPUTE HANDLERS
// =============================================================================

func (h *Handler) ListDisputes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := commission.DisputeFilter{
		UserID:  commission.UserID(q.Get("user_id")),
		EventID: commission.EventID(q.Get("event_id")),
	}
	for _, s := range splitParam(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, commission.DisputeStatus(s))
	}
	list, err := h.svc.Disputes.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]DisputeDTO, len(list))
	for i, d := range list {
		dtos[i] = toDisputeDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Disputes.Get(r.Context(), commission.DisputeID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeDTO(*d))
}

func (h *Handler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	var req OpenDisputeRequest
	if !h.decode(w, r, &req) {
		return
	}
	user := req.UserID
	if user == "" {
		user = actorFrom(r.Context())
	}
	if user == "" {
		h.writeDomainError(w, r, commission.NewValidationError("user_id", "is required (or send "+ActorHeader+")"))
		return
	}
	d, err := h.svc.Disputes.Open(r.Context(), commission.EventID(req.EventID), commission.UserID(user), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeDTO(*d))
}

func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req ResolveDisputeRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.svc.Disputes.Resolve(r.Context(), commission.DisputeID(chi.URLParam(r, "id")), commission.Resolution{
		Status:    commission.DisputeStatus(req.Status),
		Notes:     req.Notes,
		NewAmount: req.NewAmount,
	}, actorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeDTO(*d))
}

// =============================================================================
// GOAL HANDLERS
// =============================================================================

func (h *Handler) ListGoals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := commission.GoalFilter{
		UserID: commission.UserID(q.Get("user_id")),
		Status: commission.GoalStatus(q.Get("status")),
	}
	if raw := q.Get("period"); raw != "" {
		p, err := commission.ParsePeriod(raw)
		if err != nil {
			h.writeDomainError(w, r, commission.NewValidationError("period", err.Error()))
			return
		}
		filter.Period = p
	}
	goals, err := h.svc.Goals.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]GoalDTO, len(goals))
	for i, g := range goals {
		dtos[i] = toGoalDTO(g)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SaveGoal(w http.ResponseWriter, r *http.Request) {
	var req GoalRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, err := commission.ParsePeriod(req.Period)
	if err != nil {
		h.writeDomainError(w, r, commission.NewValidationError("period", err.Error()))
		return
	}
	g, err := h.svc.Goals.Save(r.Context(), commission.Goal{
		ID:     commission.GoalID(req.ID),
		UserID: commission.UserID(req.UserID),
		Role:   commission.Role(req.Role),
		Period: period,
		Target: req.Target,
		Bonus:  req.Bonus,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGoalDTO(*g))
}

func (h *Handler) GoalProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Goals.Progress(r.Context(), commission.GoalID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GoalProgressDTO{
		Goal:      toGoalDTO(p.Goal),
		Earned:    p.Earned,
		Remaining: p.Remaining,
		Percent:   p.Percent,
	})
}

func (h *Handler) EvaluateGoals(w http.ResponseWriter, r *http.Request) {
	var req PeriodRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, err := commission.ParsePeriod(req.Period)
	if err != nil {
		h.writeDomainError(w, r, commission.NewValidationError("period", err.Error()))
		return
	}
	res, err := h.svc.Goals.Evaluate(r.Context(), period)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GoalEvaluationDTO{
		Period:   res.Period.String(),
		Achieved: res.Achieved,
		Missed:   res.Missed,
		Bonuses:  res.Bonuses,
	})
}

// =============================================================================
// RECURRING HANDLERS
// =============================================================================

func (h *Handler) ListRecurring(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Recurring.List(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]RecurringDTO, len(list))
	for i, rc := range list {
		dtos[i] = toRecurringDTO(rc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SaveRecurring(w http.ResponseWriter, r *http.Request) {
	var req RecurringRequest
	if !h.decode(w, r, &req) {
		return
	}
	rc := commission.RecurringCommission{
		ID:          commission.RecurringID(req.ID),
		UserID:      commission.UserID(req.UserID),
		Role:        commission.Role(req.Role),
		Amount:      req.Amount,
		Description: req.Description,
		Active:      req.Active == nil || *req.Active,
	}
	// Formats were checked by the validator.
	rc.StartsOn, _ = time.Parse(dateLayout, req.StartsOn)
	if req.EndsOn != "" {
		ends, _ := time.Parse(dateLayout, req.EndsOn)
		rc.EndsOn = &ends
	}
	saved, err := h.svc.Recurring.Save(r.Context(), rc)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecurringDTO(*saved))
}

func (h *Handler) ProcessRecurring(w http.ResponseWriter, r *http.Request) {
	var req PeriodRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, err := commission.ParsePeriod(req.Period)
	if err != nil {
		h.writeDomainError(w, r, commission.NewValidationError("period", err.Error()))
		return
	}
	res, err := h.svc.Recurring.Process(r.Context(), period)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProcessResultDTO{Period: res.Period.String(), Generated: res.Generated, Skipped: res.Skipped})
}

// =============================================================================
// HELPERS
// =============================================================================

func settlementID(r *http.Request) commission.SettlementID {
	return commission.SettlementID(chi.URLParam(r, "id"))
}

func eventIDs(raw []string) []commission.EventID {
	ids := make([]commission.EventID, len(raw))
	for i, id := range raw {
		ids[i] = commission.EventID(id)
	}
	return ids
}

func toBatchTransitionDTO(res commission.BatchTransitionResult) BatchTransitionDTO {
	skipped := res.Skipped
	if skipped == nil {
		skipped = []commission.BatchSkip{}
	}
	return BatchTransitionDTO{Transitioned: res.Transitioned, Unchanged: res.Unchanged, Skipped: skipped}
}

// splitParam splits a comma-separated query value, dropping blanks.
func splitParam(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseTimeParam accepts RFC 3339 or YYYY-MM-DD; empty yields the zero time.
func parseTimeParam(v *commission.ValidationError, raw, field string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t
	}
	v.Add(field, "must be RFC 3339 or YYYY-MM-DD")
	return time.Time{}
}


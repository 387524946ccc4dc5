/*
dto.go - Data Transfer Objects for the HTTP API

PURPOSE:
  Request and response shapes for the JSON API. Requests carry `validate`
  tags checked by go-playground/validator before anything reaches the core;
  responses flatten domain types into snake_case JSON.

CONVENTIONS:
  - Money is a decimal string ("123.45"), never a float.
  - Periods are "YYYY-MM"; calendar dates are "YYYY-MM-DD"; instants are RFC 3339.
  - Optional values are pointers and omitted when nil.

SEE ALSO:
  - handlers.go: Handlers that use these DTOs
  - errors.go: Error response format
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
)

// =============================================================================
// REQUEST DTOs
// =============================================================================

type ReverseRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type ShareRequest struct {
	UserID     string          `json:"user_id" validate:"required,max=64"`
	Percentage decimal.Decimal `json:"percentage"`
}

type SplitRequest struct {
	Shares []ShareRequest `json:"shares" validate:"required,min=2,dive"`
}

type BatchEventsRequest struct {
	IDs    []string `json:"ids" validate:"required,min=1,dive,required"`
	Reason string   `json:"reason" validate:"max=500"`
}

type CloseSettlementRequest struct {
	UserID string `json:"user_id" validate:"required,max=64"`
	Period string `json:"period" validate:"required,datetime=2006-01"`
}

type RejectSettlementRequest struct {
	Reason string `json:"reason" validate:"required,min=5,max=1000"`
}

type PaySettlementRequest struct {
	PaidAmount *decimal.Decimal `json:"paid_amount,omitempty"`
	Notes      string           `json:"notes" validate:"max=1000"`
}

// OpenDisputeRequest opens a dispute. UserID defaults to the caller.
type OpenDisputeRequest struct {
	EventID string `json:"event_id" validate:"required"`
	UserID  string `json:"user_id" validate:"omitempty,max=64"`
	Reason  string `json:"reason" validate:"required,min=10,max=2000"`
}

type ResolveDisputeRequest struct {
	Status    string           `json:"status" validate:"required,oneof=accepted rejected"`
	Notes     string           `json:"resolution_notes" validate:"required,min=5,max=2000"`
	NewAmount *decimal.Decimal `json:"new_amount,omitempty"`
}

type GoalRequest struct {
	ID     string          `json:"id" validate:"omitempty,max=64"`
	UserID string          `json:"user_id" validate:"required,max=64"`
	Role   string          `json:"role" validate:"omitempty,oneof=technician seller driver"`
	Period string          `json:"period" validate:"required,datetime=2006-01"`
	Target decimal.Decimal `json:"target"`
	Bonus  decimal.Decimal `json:"bonus"`
}

type PeriodRequest struct {
	Period string `json:"period" validate:"required,datetime=2006-01"`
}

type RecurringRequest struct {
	ID          string          `json:"id" validate:"omitempty,max=64"`
	UserID      string          `json:"user_id" validate:"required,max=64"`
	Role        string          `json:"role" validate:"required,oneof=technician seller driver"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" validate:"max=500"`
	StartsOn    string          `json:"starts_on" validate:"required,datetime=2006-01-02"`
	EndsOn      string          `json:"ends_on" validate:"omitempty,datetime=2006-01-02"`
	Active      *bool           `json:"active"`
}

type SimulateRequest struct {
	SourceID string `json:"source_id" validate:"required"`
}

// BatchGenerateRequest bounds are RFC 3339 instants; To is exclusive.
type BatchGenerateRequest struct {
	UserID  string    `json:"user_id" validate:"omitempty,max=64"`
	Trigger string    `json:"trigger" validate:"omitempty,oneof=order_completed installment_paid order_invoiced"`
	From    time.Time `json:"from" validate:"required"`
	To      time.Time `json:"to" validate:"required"`
}

type LineItemRequest struct {
	Kind        string          `json:"kind" validate:"required,oneof=product service"`
	Description string          `json:"description" validate:"max=255"`
	Quantity    decimal.Decimal `json:"quantity"`
	Total       decimal.Decimal `json:"total"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

type WorkOrderCompletedRequest struct {
	OrderID            string            `json:"order_id" validate:"required,max=64"`
	TechnicianID       string            `json:"technician_id" validate:"required,max=64"`
	ExtraTechnicianIDs []string          `json:"extra_technician_ids" validate:"omitempty,dive,required"`
	SellerID           string            `json:"seller_id" validate:"omitempty,max=64"`
	DriverID           string            `json:"driver_id" validate:"omitempty,max=64"`
	CompletedAt        time.Time         `json:"completed_at" validate:"required"`
	GrossAmount        decimal.Decimal   `json:"gross_amount"`
	NetAmount          *decimal.Decimal  `json:"net_amount,omitempty"`
	Expenses           decimal.Decimal   `json:"expenses"`
	Displacement       decimal.Decimal   `json:"displacement"`
	Items              []LineItemRequest `json:"items" validate:"omitempty,dive"`
	OriginTag          string            `json:"origin_tag" validate:"max=64"`
	Warranty           bool              `json:"warranty"`
}

type InstallmentPaidRequest struct {
	InstallmentID string          `json:"installment_id" validate:"required,max=64"`
	UserID        string          `json:"user_id" validate:"required,max=64"`
	Role          string          `json:"role" validate:"omitempty,oneof=technician seller driver"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAt        time.Time       `json:"paid_at" validate:"required"`
	OriginTag     string          `json:"origin_tag" validate:"max=64"`
}

type OrderInvoicedRequest struct {
	OrderID    string          `json:"order_id" validate:"required,max=64"`
	SellerID   string          `json:"seller_id" validate:"omitempty,max=64"`
	Amount     decimal.Decimal `json:"amount"`
	InvoicedAt time.Time       `json:"invoiced_at" validate:"required"`
	OriginTag  string          `json:"origin_tag" validate:"max=64"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE DTOs
// =============================================================================

type RuleDTO struct {
	factory.RuleJSON
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type CalculationTypeDTO struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	Fixed bool   `json:"fixed"`
}

type CampaignDTO struct {
	factory.CampaignJSON
	CreatedAt string `json:"created_at"`
}

type EventDTO struct {
	ID               string          `json:"id"`
	RuleID           string          `json:"rule_id"`
	SourceID         string          `json:"source_id"`
	UserID           string          `json:"user_id"`
	Role             string          `json:"role"`
	Trigger          string          `json:"trigger"`
	Origin           string          `json:"origin"`
	ParentID         string          `json:"parent_id,omitempty"`
	SettlementID     string          `json:"settlement_id,omitempty"`
	BaseAmount       decimal.Decimal `json:"base_amount"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	Proportion       decimal.Decimal `json:"proportion"`
	Status           string          `json:"status"`
	Notes            string          `json:"notes,omitempty"`
	EffectiveAt      string          `json:"effective_at"`
	ApprovedBy       string          `json:"approved_by,omitempty"`
	ApprovedAt       *string         `json:"approved_at,omitempty"`
	PaidAt           *string         `json:"paid_at,omitempty"`
	ReversedAt       *string         `json:"reversed_at,omitempty"`
	ReversalReason   string          `json:"reversal_reason,omitempty"`
	CreatedAt        string          `json:"created_at"`
}

type BatchTransitionDTO struct {
	Transitioned int                    `json:"transitioned"`
	Unchanged    int                    `json:"unchanged"`
	Skipped      []commission.BatchSkip `json:"skipped"`
}

type SplitDTO struct {
	ID            string          `json:"id"`
	ParentEventID string          `json:"parent_event_id"`
	ChildEventID  string          `json:"child_event_id"`
	UserID        string          `json:"user_id"`
	Percentage    decimal.Decimal `json:"percentage"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     string          `json:"created_at"`
}

type SplitResultDTO struct {
	Parent   EventDTO   `json:"parent"`
	Children []EventDTO `json:"children"`
	Splits   []SplitDTO `json:"splits"`
}

type SettlementDTO struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	Period          string           `json:"period"`
	Status          string           `json:"status"`
	TotalAmount     decimal.Decimal  `json:"total_amount"`
	PaidAmount      *decimal.Decimal `json:"paid_amount,omitempty"`
	Outstanding     decimal.Decimal  `json:"outstanding"`
	EventsCount     int              `json:"events_count"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
	PaymentNotes    string           `json:"payment_notes,omitempty"`
	ClosedBy        string           `json:"closed_by,omitempty"`
	ClosedAt        *string          `json:"closed_at,omitempty"`
	ApprovedBy      string           `json:"approved_by,omitempty"`
	ApprovedAt      *string          `json:"approved_at,omitempty"`
	PaidBy          string           `json:"paid_by,omitempty"`
	PaidAt          *string          `json:"paid_at,omitempty"`
	CreatedAt       string           `json:"created_at"`
}

type SettlementBalanceDTO struct {
	ID          string          `json:"id"`
	Period      string          `json:"period"`
	Status      string          `json:"status"`
	Total       decimal.Decimal `json:"total"`
	Paid        decimal.Decimal `json:"paid"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

type BalanceDTO struct {
	UserID            string                 `json:"user_id"`
	TotalEarned       decimal.Decimal        `json:"total_earned"`
	TotalPaid         decimal.Decimal        `json:"total_paid"`
	Balance           decimal.Decimal        `json:"balance"`
	Pending           decimal.Decimal        `json:"pending"`
	PendingUnsettled  decimal.Decimal        `json:"pending_unsettled"`
	InSettlement      decimal.Decimal        `json:"in_settlement"`
	OutstandingOnPaid decimal.Decimal        `json:"outstanding_on_paid"`
	Reconciles        bool                   `json:"reconciles"`
	Settlements       []SettlementBalanceDTO `json:"settlements"`
}

type DisputeDTO struct {
	ID              string           `json:"id"`
	EventID         string           `json:"event_id"`
	UserID          string           `json:"user_id"`
	Reason          string           `json:"reason"`
	Status          string           `json:"status"`
	ResolutionNotes string           `json:"resolution_notes,omitempty"`
	NewAmount       *decimal.Decimal `json:"new_amount,omitempty"`
	PreviousAmount  *decimal.Decimal `json:"previous_amount,omitempty"`
	ResolvedBy      string           `json:"resolved_by,omitempty"`
	ResolvedAt      *string          `json:"resolved_at,omitempty"`
	CreatedAt       string           `json:"created_at"`
}

type ProposalDTO struct {
	RuleID           string          `json:"rule_id"`
	RuleName         string          `json:"rule_name"`
	UserID           string          `json:"user_id"`
	Role             string          `json:"role"`
	CalculationType  string          `json:"calculation_type"`
	BaseAmount       decimal.Decimal `json:"base_amount"`
	RawAmount        decimal.Decimal `json:"raw_amount"`
	Multiplier       decimal.Decimal `json:"multiplier"`
	CampaignName     string          `json:"campaign_name,omitempty"`
	SplitDivisor     int             `json:"split_divisor"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
}

type SkippedRuleDTO struct {
	RuleID          string `json:"rule_id"`
	CalculationType string `json:"calculation_type"`
	Reason          string `json:"reason"`
}

type CalculationDTO struct {
	SourceID  string           `json:"source_id"`
	Total     decimal.Decimal  `json:"total"`
	Proposals []ProposalDTO    `json:"proposals"`
	Skipped   []SkippedRuleDTO `json:"skipped,omitempty"`
}

type BeneficiaryDTO struct {
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
	SplitDivisor int    `json:"split_divisor"`
}

type SourceDTO struct {
	ID            string           `json:"id"`
	Trigger       string           `json:"trigger"`
	ReferenceID   string           `json:"reference_id"`
	OccurredAt    string           `json:"occurred_at"`
	OriginTag     string           `json:"origin_tag,omitempty"`
	GrossAmount   decimal.Decimal  `json:"gross_amount"`
	Net           decimal.Decimal  `json:"net"`
	Beneficiaries []BeneficiaryDTO `json:"beneficiaries"`
}

type HookResponse struct {
	Ignored  string     `json:"ignored,omitempty"`
	Source   *SourceDTO `json:"source,omitempty"`
	Events   []EventDTO `json:"events"`
	Existing int        `json:"existing"`
}

type BatchResultDTO struct {
	SourcesScanned int                     `json:"sources_scanned"`
	Generated      int                     `json:"generated"`
	Skipped        int                     `json:"skipped"`
	Errors         []commission.BatchError `json:"errors"`
}

type GoalDTO struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Role        string          `json:"role,omitempty"`
	Period      string          `json:"period"`
	Target      decimal.Decimal `json:"target"`
	Bonus       decimal.Decimal `json:"bonus"`
	Status      string          `json:"status"`
	EvaluatedAt *string         `json:"evaluated_at,omitempty"`
}

type GoalProgressDTO struct {
	Goal      GoalDTO         `json:"goal"`
	Earned    decimal.Decimal `json:"earned"`
	Remaining decimal.Decimal `json:"remaining"`
	Percent   decimal.Decimal `json:"percent"`
}

type GoalEvaluationDTO struct {
	Period   string `json:"period"`
	Achieved int    `json:"achieved"`
	Missed   int    `json:"missed"`
	Bonuses  int    `json:"bonuses"`
}

type RecurringDTO struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Role        string          `json:"role"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	StartsOn    string          `json:"starts_on"`
	EndsOn      *string         `json:"ends_on,omitempty"`
	Active      bool            `json:"active"`
}

type ProcessResultDTO struct {
	Period    string `json:"period"`
	Generated int    `json:"generated"`
	Skipped   int    `json:"skipped"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

const dateLayout = "2006-01-02"

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toRuleDTO(r commission.Rule) RuleDTO {
	return RuleDTO{
		RuleJSON:  factory.RuleToJSON(r),
		CreatedAt: formatTime(r.CreatedAt),
		UpdatedAt: formatTime(r.UpdatedAt),
	}
}

func toCampaignDTO(c commission.Campaign) CampaignDTO {
	active := c.Active
	return CampaignDTO{
		CampaignJSON: factory.CampaignJSON{
			ID:              string(c.ID),
			Name:            c.Name,
			Multiplier:      c.Multiplier,
			Role:            string(c.Role),
			CalculationType: string(c.CalculationType),
			StartsOn:        c.StartsOn.Format(dateLayout),
			EndsOn:          c.EndsOn.Format(dateLayout),
			Active:          &active,
		},
		CreatedAt: formatTime(c.CreatedAt),
	}
}

func toEventDTO(e commission.Event) EventDTO {
	return EventDTO{
		ID:               string(e.ID),
		RuleID:           string(e.RuleID),
		SourceID:         string(e.SourceID),
		UserID:           string(e.UserID),
		Role:             string(e.Role),
		Trigger:          string(e.Trigger),
		Origin:           string(e.Origin),
		ParentID:         string(e.ParentID),
		SettlementID:     string(e.SettlementID),
		BaseAmount:       e.BaseAmount,
		CommissionAmount: e.CommissionAmount,
		Proportion:       e.Proportion,
		Status:           string(e.Status),
		Notes:            e.Notes,
		EffectiveAt:      formatTime(e.EffectiveAt),
		ApprovedBy:       e.ApprovedBy,
		ApprovedAt:       formatTimePtr(e.ApprovedAt),
		PaidAt:           formatTimePtr(e.PaidAt),
		ReversedAt:       formatTimePtr(e.ReversedAt),
		ReversalReason:   e.ReversalReason,
		CreatedAt:        formatTime(e.CreatedAt),
	}
}

func toEventDTOs(events []commission.Event) []EventDTO {
	out := make([]EventDTO, len(events))
	for i, e := range events {
		out[i] = toEventDTO(e)
	}
	return out
}

func toSplitDTO(s commission.Split) SplitDTO {
	return SplitDTO{
		ID:            s.ID,
		ParentEventID: string(s.ParentEventID),
		ChildEventID:  string(s.ChildEventID),
		UserID:        string(s.UserID),
		Percentage:    s.Percentage,
		Amount:        s.Amount,
		CreatedAt:     formatTime(s.CreatedAt),
	}
}

func toSplitDTOs(splits []commission.Split) []SplitDTO {
	out := make([]SplitDTO, len(splits))
	for i, s := range splits {
		out[i] = toSplitDTO(s)
	}
	return out
}

func toSettlementDTO(s commission.Settlement) SettlementDTO {
	return SettlementDTO{
		ID:              string(s.ID),
		UserID:          string(s.UserID),
		Period:          s.Period.String(),
		Status:          string(s.Status),
		TotalAmount:     s.TotalAmount,
		PaidAmount:      s.PaidAmount,
		Outstanding:     s.Outstanding(),
		EventsCount:     s.EventsCount,
		RejectionReason: s.RejectionReason,
		PaymentNotes:    s.PaymentNotes,
		ClosedBy:        s.ClosedBy,
		ClosedAt:        formatTimePtr(s.ClosedAt),
		ApprovedBy:      s.ApprovedBy,
		ApprovedAt:      formatTimePtr(s.ApprovedAt),
		PaidBy:          s.PaidBy,
		PaidAt:          formatTimePtr(s.PaidAt),
		CreatedAt:       formatTime(s.CreatedAt),
	}
}

func toBalanceDTO(b commission.BalanceSummary) BalanceDTO {
	dto := BalanceDTO{
		UserID:            string(b.UserID),
		TotalEarned:       b.TotalEarned,
		TotalPaid:         b.TotalPaid,
		Balance:           b.Balance,
		Pending:           b.Pending,
		PendingUnsettled:  b.PendingUnsettled,
		InSettlement:      b.InSettlement,
		OutstandingOnPaid: b.OutstandingOnPaid,
		Reconciles:        b.Reconciles(),
		Settlements:       make([]SettlementBalanceDTO, len(b.Settlements)),
	}
	for i, s := range b.Settlements {
		dto.Settlements[i] = SettlementBalanceDTO{
			ID:          string(s.ID),
			Period:      s.Period.String(),
			Status:      string(s.Status),
			Total:       s.Total,
			Paid:        s.Paid,
			Outstanding: s.Outstanding,
		}
	}
	return dto
}

func toDisputeDTO(d commission.Dispute) DisputeDTO {
	return DisputeDTO{
		ID:              string(d.ID),
		EventID:         string(d.EventID),
		UserID:          string(d.UserID),
		Reason:          d.Reason,
		Status:          string(d.Status),
		ResolutionNotes: d.ResolutionNotes,
		NewAmount:       d.NewAmount,
		PreviousAmount:  d.PreviousAmount,
		ResolvedBy:      d.ResolvedBy,
		ResolvedAt:      formatTimePtr(d.ResolvedAt),
		CreatedAt:       formatTime(d.CreatedAt),
	}
}

func toCalculationDTO(c commission.Calculation) CalculationDTO {
	dto := CalculationDTO{
		SourceID:  string(c.SourceID),
		Total:     c.Total(),
		Proposals: make([]ProposalDTO, len(c.Proposals)),
	}
	for i, p := range c.Proposals {
		dto.Proposals[i] = ProposalDTO{
			RuleID:           string(p.RuleID),
			RuleName:         p.RuleName,
			UserID:           string(p.UserID),
			Role:             string(p.Role),
			CalculationType:  string(p.CalculationType),
			BaseAmount:       p.BaseAmount,
			RawAmount:        p.RawAmount,
			Multiplier:       p.Multiplier,
			CampaignName:     p.CampaignName,
			SplitDivisor:     p.SplitDivisor,
			CommissionAmount: p.CommissionAmount,
		}
	}
	for _, s := range c.Skipped {
		dto.Skipped = append(dto.Skipped, SkippedRuleDTO{
			RuleID:          string(s.RuleID),
			CalculationType: string(s.CalculationType),
			Reason:          s.Reason,
		})
	}
	return dto
}

func toSourceDTO(s commission.SourceEvent) SourceDTO {
	dto := SourceDTO{
		ID:            string(s.ID),
		Trigger:       string(s.Trigger),
		ReferenceID:   s.ReferenceID,
		OccurredAt:    formatTime(s.OccurredAt),
		OriginTag:     s.OriginTag,
		GrossAmount:   s.GrossAmount,
		Net:           s.Net(),
		Beneficiaries: make([]BeneficiaryDTO, len(s.Beneficiaries)),
	}
	for i, b := range s.Beneficiaries {
		dto.Beneficiaries[i] = BeneficiaryDTO{UserID: string(b.UserID), Role: string(b.Role), SplitDivisor: b.SplitDivisor}
	}
	return dto
}

func toGoalDTO(g commission.Goal) GoalDTO {
	return GoalDTO{
		ID:          string(g.ID),
		UserID:      string(g.UserID),
		Role:        string(g.Role),
		Period:      g.Period.String(),
		Target:      g.Target,
		Bonus:       g.Bonus,
		Status:      string(g.Status),
		EvaluatedAt: formatTimePtr(g.EvaluatedAt),
	}
}

func toRecurringDTO(r commission.RecurringCommission) RecurringDTO {
	dto := RecurringDTO{
		ID:          string(r.ID),
		UserID:      string(r.UserID),
		Role:        string(r.Role),
		Amount:      r.Amount,
		Description: r.Description,
		StartsOn:    r.StartsOn.Format(dateLayout),
		Active:      r.Active,
	}
	if r.EndsOn != nil {
		s := r.EndsOn.Format(dateLayout)
		dto.EndsOn = &s
	}
	return dto
}

package commission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECURRING COMMISSIONS - a fixed amount owed every month
// =============================================================================

type RecurringCommission struct {
	ID          RecurringID
	UserID      UserID
	Role        Role
	Amount      decimal.Decimal
	Description string
	StartsOn    time.Time
	EndsOn      *time.Time // inclusive; nil = open-ended
	Active      bool
	CreatedAt   time.Time
}

func (r RecurringCommission) Validate() error {
	var v ValidationError
	if r.UserID == "" {
		v.Add("user_id", "is required")
	}
	if !r.Role.Valid() {
		v.Add("role", fmt.Sprintf("unknown role %q", r.Role))
	}
	if !r.Amount.IsPositive() {
		v.Add("amount", "must be greater than zero")
	}
	if r.StartsOn.IsZero() {
		v.Add("starts_on", "is required")
	}
	if r.EndsOn != nil && !r.StartsOn.IsZero() && r.EndsOn.Before(r.StartsOn) {
		v.Add("ends_on", "must not be before starts_on")
	}
	return v.Err()
}

// Covers reports whether the entry is in force for any day of period.
func (r RecurringCommission) Covers(period Period) bool {
	if !r.Active {
		return false
	}
	if !truncateDay(r.StartsOn).Before(period.End()) {
		return false
	}
	if r.EndsOn != nil && truncateDay(*r.EndsOn).Before(period.Start()) {
		return false
	}
	return true
}

// ProcessResult is the outcome of one recurring run.
type ProcessResult struct {
	Period    Period
	Generated int
	Skipped   int
}

type RecurringCommissionProcessor struct {
	store  TxStore
	ledger *EventLedger
	now    Clock
	logger *slog.Logger
}

func NewRecurringCommissionProcessor(store TxStore, ledger *EventLedger, now Clock, logger *slog.Logger) *RecurringCommissionProcessor {
	if now == nil {
		now = systemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecurringCommissionProcessor{store: store, ledger: ledger, now: now, logger: logger}
}

func (p *RecurringCommissionProcessor) Save(ctx context.Context, r RecurringCommission) (*RecurringCommission, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = RecurringID(newID())
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = p.now()
	}
	if err := p.store.SaveRecurring(ctx, r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *RecurringCommissionProcessor) Get(ctx context.Context, id RecurringID) (*RecurringCommission, error) {
	r, err := p.store.GetRecurring(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, notFound(ErrRecurringNotFound, id)
	}
	return r, nil
}

func (p *RecurringCommissionProcessor) List(ctx context.Context, activeOnly bool) ([]RecurringCommission, error) {
	return p.store.ListRecurring(ctx, activeOnly)
}

// Process emits one pending event per active entry covering period. Entries
// already processed for the period are skipped by the claim index.
func (p *RecurringCommissionProcessor) Process(ctx context.Context, period Period) (*ProcessResult, error) {
	if period.IsZero() {
		return nil, NewValidationError("period", "is required")
	}
	entries, err := p.store.ListRecurring(ctx, true)
	if err != nil {
		return nil, err
	}
	var events []Event
	for _, r := range entries {
		if r.Covers(period) {
			events = append(events, recurringEvent(r, period))
		}
	}
	rec, err := p.ledger.Record(ctx, events)
	res := &ProcessResult{Period: period, Generated: len(rec.Inserted), Skipped: rec.Skipped}
	if err != nil {
		return res, err
	}
	p.logger.Info("recurring commissions processed", "period", period.String(),
		"generated", res.Generated, "skipped", res.Skipped)
	return res, nil
}

func recurringEvent(r RecurringCommission, period Period) Event {
	notes := "recurring commission"
	if r.Description != "" {
		notes = r.Description
	}
	return Event{
		RuleID:           RuleID("recurring:" + string(r.ID)),
		SourceID:         SourceID(fmt.Sprintf("recurring:%s:%s", r.ID, period)),
		UserID:           r.UserID,
		Role:             r.Role,
		Origin:           OriginRecurring,
		BaseAmount:       RoundCurrency(r.Amount),
		CommissionAmount: RoundCurrency(r.Amount),
		Proportion:       one,
		Status:           EventPending,
		ClaimsSource:     true,
		Notes:            fmt.Sprintf("%s (%s)", notes, period),
		EffectiveAt:      period.Start(),
	}
}

/*
settlement.go - The SettlementEngine

PURPOSE:
  Groups a user's approved events for a calendar month into one settlement
  and drives the settlement state machine.

STATE MACHINE:
  open     -> closed     close()
  closed   -> approved   approve()
  closed   -> rejected   reject()    releases events
  closed   -> paid       pay()
  approved -> paid       pay()
  closed | approved | rejected -> open   reopen()   releases events

  paid is terminal. Every other edge fails with InvalidStateTransitionError
  and leaves the settlement unchanged.

CONCURRENCY:
  Each operation takes the per-aggregate Locker and then runs inside one
  store transaction. Status writes are compare-and-swap on the previous
  status, and ClaimEvents refuses events another settlement already holds,
  so two racing closes for the same (user, period) produce one settlement
  and the loser observes NothingToCloseError.

AGGREGATES:
  totalAmount = Σ commissionAmount of the events claimed at close time.
  Reopen and reject clear totalAmount, eventsCount and paidAmount.
*/
package commission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SETTLEMENT STATUS
// =============================================================================

type SettlementStatus string

const (
	SettlementOpen     SettlementStatus = "open"
	SettlementClosed   SettlementStatus = "closed"
	SettlementApproved SettlementStatus = "approved"
	SettlementRejected SettlementStatus = "rejected"
	SettlementPaid     SettlementStatus = "paid"
)

var settlementTransitions = map[SettlementStatus][]SettlementStatus{
	SettlementOpen:     {SettlementClosed},
	SettlementClosed:   {SettlementApproved, SettlementRejected, SettlementPaid, SettlementOpen},
	SettlementApproved: {SettlementPaid, SettlementOpen},
	SettlementRejected: {SettlementOpen},
}

func (s SettlementStatus) Valid() bool {
	switch s {
	case SettlementOpen, SettlementClosed, SettlementApproved, SettlementRejected, SettlementPaid:
		return true
	}
	return false
}

func (s SettlementStatus) CanTransitionTo(to SettlementStatus) bool {
	for _, allowed := range settlementTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// HoldsEvents reports whether a settlement in this status owns its events.
func (s SettlementStatus) HoldsEvents() bool {
	return s == SettlementClosed || s == SettlementApproved || s == SettlementPaid
}

// MinRejectionReason is the minimum rejection reason length in characters.
const MinRejectionReason = 5

// =============================================================================
// SETTLEMENT
// =============================================================================

type Settlement struct {
	ID              SettlementID
	UserID          UserID
	Period          Period
	Status          SettlementStatus
	TotalAmount     decimal.Decimal
	PaidAmount      *decimal.Decimal
	EventsCount     int
	RejectionReason string
	PaymentNotes    string
	ClosedBy        string
	ClosedAt        *time.Time
	ApprovedBy      string
	ApprovedAt      *time.Time
	PaidBy          string
	PaidAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Outstanding is totalAmount - paidAmount (zero when nothing was paid yet).
func (s Settlement) Outstanding() decimal.Decimal {
	if s.PaidAmount == nil {
		return s.TotalAmount
	}
	return s.TotalAmount.Sub(*s.PaidAmount)
}

func (s *Settlement) clearAggregates() {
	s.TotalAmount = decimal.Zero
	s.PaidAmount = nil
	s.EventsCount = 0
	s.ClosedBy, s.ClosedAt = "", nil
	s.ApprovedBy, s.ApprovedAt = "", nil
}

// SettlementFilter narrows ListSettlements. Zero fields match everything.
type SettlementFilter struct {
	UserID   UserID
	Period   Period
	Statuses []SettlementStatus
}

func (f SettlementFilter) Match(s Settlement) bool {
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if !f.Period.IsZero() && s.Period != f.Period {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, st := range f.Statuses {
			if st == s.Status {
				return true
			}
		}
		return false
	}
	return true
}

// PayRequest carries the optional inputs of Pay.
type PayRequest struct {
	PaidAmount *decimal.Decimal // defaults to TotalAmount
	Notes      string
}

// =============================================================================
// SETTLEMENT ENGINE
// =============================================================================

type SettlementEngine struct {
	store  TxStore
	locker Locker
	now    Clock
	logger *slog.Logger
}

func NewSettlementEngine(store TxStore, locker Locker, now Clock, logger *slog.Logger) *SettlementEngine {
	if locker == nil {
		locker = noopLocker{}
	}
	if now == nil {
		now = systemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementEngine{store: store, locker: locker, now: now, logger: logger}
}

// Close claims every approved, unsettled event of user effective in period
// and moves the user's settlement for that period to closed.
func (e *SettlementEngine) Close(ctx context.Context, user UserID, period Period, actor string) (*Settlement, error) {
	var v ValidationError
	if user == "" {
		v.Add("user_id", "is required")
	}
	if period.IsZero() {
		v.Add("period", "is required")
	} else if period.After(PeriodOf(e.now())) {
		v.Add("period", fmt.Sprintf("%s is in the future", period))
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	unlock, err := e.locker.Lock(ctx, closeLockKey(user, period))
	if err != nil {
		return nil, fmt.Errorf("lock settlement %s/%s: %w", user, period, err)
	}
	defer unlock()

	var out *Settlement
	err = e.store.WithTx(ctx, func(s Store) error {
		events, err := s.ListEvents(ctx, EventFilter{
			UserID:    user,
			Statuses:  []EventStatus{EventApproved},
			Unsettled: true,
			From:      period.Start(),
			To:        period.End(),
		})
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return &NothingToCloseError{UserID: user, Period: period}
		}

		now := e.now()
		st, err := s.FindSettlement(ctx, user, period)
		if err != nil {
			return err
		}
		expected := SettlementOpen
		if st == nil {
			st = &Settlement{
				ID:        SettlementID(newID()),
				UserID:    user,
				Period:    period,
				Status:    SettlementOpen,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := s.InsertSettlement(ctx, *st); err != nil {
				return err
			}
		} else {
			expected = st.Status
			if st.Status == SettlementRejected {
				// rejected -> open -> closed in one step
				st.Status = SettlementOpen
			}
			if !st.Status.CanTransitionTo(SettlementClosed) {
				return settlementTransitionError(st, SettlementClosed, "settlement for this period already holds events")
			}
		}

		ids := make([]EventID, 0, len(events))
		total := decimal.Zero
		for _, ev := range events {
			ids = append(ids, ev.ID)
			total = total.Add(ev.CommissionAmount)
		}
		if err := s.ClaimEvents(ctx, ids, st.ID); err != nil {
			return err
		}

		st.Status = SettlementClosed
		st.TotalAmount = total
		st.EventsCount = len(ids)
		st.PaidAmount = nil
		st.RejectionReason = ""
		st.ClosedBy = actor
		st.ClosedAt = &now
		st.UpdatedAt = now
		if err := s.UpdateSettlement(ctx, *st, expected); err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("settlement closed",
		"settlement_id", out.ID, "user_id", user, "period", period.String(),
		"total", out.TotalAmount.StringFixed(CurrencyPlaces), "events", out.EventsCount, "actor", actor)
	return out, nil
}

// Approve moves a closed settlement to approved.
func (e *SettlementEngine) Approve(ctx context.Context, id SettlementID, actor string) (*Settlement, error) {
	return e.transition(ctx, id, SettlementApproved, func(_ Store, st *Settlement, now time.Time) error {
		st.ApprovedBy = actor
		st.ApprovedAt = &now
		return nil
	})
}

// Reject moves a closed settlement to rejected and releases its events.
func (e *SettlementEngine) Reject(ctx context.Context, id SettlementID, reason, actor string) (*Settlement, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) < MinRejectionReason {
		return nil, NewValidationError("reason", fmt.Sprintf("must be at least %d characters", MinRejectionReason))
	}
	return e.transition(ctx, id, SettlementRejected, func(s Store, st *Settlement, _ time.Time) error {
		if _, err := s.ReleaseEvents(ctx, st.ID); err != nil {
			return err
		}
		st.clearAggregates()
		st.RejectionReason = reason
		return nil
	})
}

// Pay records payment of a closed or approved settlement. Its events move to paid.
func (e *SettlementEngine) Pay(ctx context.Context, id SettlementID, req PayRequest, actor string) (*Settlement, error) {
	if req.PaidAmount != nil && req.PaidAmount.IsNegative() {
		return nil, NewValidationError("paid_amount", "must not be negative")
	}
	return e.transition(ctx, id, SettlementPaid, func(s Store, st *Settlement, now time.Time) error {
		paid := st.TotalAmount
		if req.PaidAmount != nil {
			paid = RoundCurrency(*req.PaidAmount)
		}
		if paid.GreaterThan(st.TotalAmount) {
			return NewValidationError("paid_amount",
				fmt.Sprintf("%s exceeds settlement total %s", paid.StringFixed(CurrencyPlaces), st.TotalAmount.StringFixed(CurrencyPlaces)))
		}
		if _, err := s.MarkEventsPaid(ctx, st.ID, now); err != nil {
			return err
		}
		st.PaidAmount = &paid
		st.PaymentNotes = strings.TrimSpace(req.Notes)
		st.PaidBy = actor
		st.PaidAt = &now
		return nil
	})
}

// Reopen moves a closed, approved or rejected settlement back to open. Its
// events return to approved with no settlement.
func (e *SettlementEngine) Reopen(ctx context.Context, id SettlementID, actor string) (*Settlement, error) {
	return e.transition(ctx, id, SettlementOpen, func(s Store, st *Settlement, _ time.Time) error {
		if _, err := s.ReleaseEvents(ctx, st.ID); err != nil {
			return err
		}
		st.clearAggregates()
		st.RejectionReason = ""
		return nil
	})
}

func (e *SettlementEngine) Get(ctx context.Context, id SettlementID) (*Settlement, error) {
	return getSettlement(ctx, e.store, id)
}

func (e *SettlementEngine) List(ctx context.Context, filter SettlementFilter) ([]Settlement, error) {
	return e.store.ListSettlements(ctx, filter)
}

// Events lists the events currently held by a settlement.
func (e *SettlementEngine) Events(ctx context.Context, id SettlementID) ([]Event, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, EventFilter{SettlementID: id})
}

// transition runs one locked compare-and-swap status change. apply mutates
// the settlement (and any events) inside the transaction.
func (e *SettlementEngine) transition(ctx context.Context, id SettlementID, to SettlementStatus,
	apply func(s Store, st *Settlement, now time.Time) error) (*Settlement, error) {

	unlock, err := e.locker.Lock(ctx, "settlement:"+string(id))
	if err != nil {
		return nil, fmt.Errorf("lock settlement %s: %w", id, err)
	}
	defer unlock()

	var out *Settlement
	err = e.store.WithTx(ctx, func(s Store) error {
		st, err := getSettlement(ctx, s, id)
		if err != nil {
			return err
		}
		if !st.Status.CanTransitionTo(to) {
			return settlementTransitionError(st, to, "")
		}
		from := st.Status
		now := e.now()
		if err := apply(s, st, now); err != nil {
			return err
		}
		st.Status = to
		st.UpdatedAt = now
		if err := s.UpdateSettlement(ctx, *st, from); err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("settlement transitioned", "settlement_id", id, "status", to)
	return out, nil
}

func getSettlement(ctx context.Context, s SettlementStore, id SettlementID) (*Settlement, error) {
	st, err := s.GetSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, notFound(ErrSettlementNotFound, id)
	}
	return st, nil
}

func settlementTransitionError(st *Settlement, to SettlementStatus, reason string) error {
	return &InvalidStateTransitionError{
		Entity: "settlement",
		ID:     string(st.ID),
		From:   string(st.Status),
		To:     string(to),
		Reason: reason,
	}
}

func closeLockKey(user UserID, period Period) string {
	return fmt.Sprintf("settlement:%s:%s", user, period)
}

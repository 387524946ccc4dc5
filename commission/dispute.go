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
// DISPUTE RESOLVER
// =============================================================================
//
// A beneficiary contests one of their events; an approver accepts (optionally
// with a corrected amount) or rejects. Resolution is terminal.
//
//   accepted + newAmount  -> event amount := newAmount, status unchanged
//   accepted, no amount   -> event reversed (claim kept)
//   rejected              -> event untouched

type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeAccepted DisputeStatus = "accepted"
	DisputeRejected DisputeStatus = "rejected"
)

func (s DisputeStatus) Valid() bool {
	return s == DisputeOpen || s == DisputeAccepted || s == DisputeRejected
}

const (
	MinDisputeReason   = 10
	MinResolutionNotes = 5
)

type Dispute struct {
	ID              DisputeID
	EventID         EventID
	UserID          UserID
	Reason          string
	Status          DisputeStatus
	ResolutionNotes string
	NewAmount       *decimal.Decimal
	PreviousAmount  *decimal.Decimal // event amount before an accepted adjustment
	ResolvedBy      string
	ResolvedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DisputeFilter narrows ListDisputes. Zero fields match everything.
type DisputeFilter struct {
	UserID   UserID
	EventID  EventID
	Statuses []DisputeStatus
}

func (f DisputeFilter) Match(d Dispute) bool {
	if f.UserID != "" && d.UserID != f.UserID {
		return false
	}
	if f.EventID != "" && d.EventID != f.EventID {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if s == d.Status {
				return true
			}
		}
		return false
	}
	return true
}

// Resolution is the approver's decision on a dispute.
type Resolution struct {
	Status    DisputeStatus
	Notes     string
	NewAmount *decimal.Decimal
}

type DisputeResolver struct {
	store  TxStore
	now    Clock
	logger *slog.Logger
}

func NewDisputeResolver(store TxStore, now Clock, logger *slog.Logger) *DisputeResolver {
	if now == nil {
		now = systemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DisputeResolver{store: store, now: now, logger: logger}
}

// Open files a dispute by user against one of their pending or approved,
// unsettled events.
func (r *DisputeResolver) Open(ctx context.Context, eventID EventID, user UserID, reason string) (*Dispute, error) {
	reason = strings.TrimSpace(reason)
	var v ValidationError
	if eventID == "" {
		v.Add("event_id", "is required")
	}
	if user == "" {
		v.Add("user_id", "is required")
	}
	if utf8.RuneCountInString(reason) < MinDisputeReason {
		v.Add("reason", fmt.Sprintf("must be at least %d characters", MinDisputeReason))
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	var out *Dispute
	err := r.store.WithTx(ctx, func(s Store) error {
		e, err := getEvent(ctx, s, eventID)
		if err != nil {
			return err
		}
		if e.UserID != user {
			return NewValidationError("user_id", fmt.Sprintf("event %s does not belong to %s", e.ID, user))
		}
		if e.Status != EventPending && e.Status != EventApproved {
			return &InvalidStateTransitionError{Entity: "event", ID: string(e.ID), From: string(e.Status), To: "disputed",
				Reason: "only pending or approved events can be disputed"}
		}
		if e.Settled() {
			return &InvalidStateTransitionError{Entity: "event", ID: string(e.ID), From: string(e.Status), To: "disputed",
				Reason: fmt.Sprintf("event belongs to settlement %s", e.SettlementID)}
		}

		now := r.now()
		d := Dispute{
			ID:        DisputeID(newID()),
			EventID:   e.ID,
			UserID:    user,
			Reason:    reason,
			Status:    DisputeOpen,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.InsertDispute(ctx, d); err != nil {
			return err
		}
		out = &d
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("commission dispute opened", "dispute_id", out.ID, "event_id", eventID, "user_id", user)
	return out, nil
}

// Resolve closes an open dispute and applies the decision to its event.
func (r *DisputeResolver) Resolve(ctx context.Context, id DisputeID, res Resolution, actor string) (*Dispute, error) {
	res.Notes = strings.TrimSpace(res.Notes)
	var v ValidationError
	if res.Status != DisputeAccepted && res.Status != DisputeRejected {
		v.Add("status", "must be accepted or rejected")
	}
	if utf8.RuneCountInString(res.Notes) < MinResolutionNotes {
		v.Add("resolution_notes", fmt.Sprintf("must be at least %d characters", MinResolutionNotes))
	}
	if res.NewAmount != nil && res.NewAmount.IsNegative() {
		v.Add("new_amount", "must not be negative")
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	var out *Dispute
	err := r.store.WithTx(ctx, func(s Store) error {
		d, err := getDispute(ctx, s, id)
		if err != nil {
			return err
		}
		if d.Status != DisputeOpen {
			return &InvalidStateTransitionError{Entity: "dispute", ID: string(d.ID), From: string(d.Status), To: string(res.Status),
				Reason: "dispute is already resolved"}
		}

		now := r.now()
		if res.Status == DisputeAccepted {
			if err := r.applyAccepted(ctx, s, d, res, actor, now); err != nil {
				return err
			}
		}

		d.Status = res.Status
		d.ResolutionNotes = res.Notes
		d.ResolvedBy = actor
		d.ResolvedAt = &now
		d.UpdatedAt = now
		if err := s.UpdateDispute(ctx, *d, DisputeOpen); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("commission dispute resolved", "dispute_id", id, "status", res.Status, "actor", actor)
	return out, nil
}

func (r *DisputeResolver) applyAccepted(ctx context.Context, s Store, d *Dispute, res Resolution, actor string, now time.Time) error {
	e, err := getEvent(ctx, s, d.EventID)
	if err != nil {
		return err
	}
	if e.Settled() {
		return &InvalidStateTransitionError{Entity: "event", ID: string(e.ID), From: string(e.Status), To: "adjusted",
			Reason: fmt.Sprintf("event belongs to settlement %s", e.SettlementID)}
	}
	note := fmt.Sprintf("dispute %s accepted by %s", d.ID, actorOrSystem(actor))

	if res.NewAmount == nil {
		e.Notes = appendNote(e.Notes, note)
		return reverseEvent(ctx, s, e, ReversalDispute, true, now)
	}

	if e.Status != EventPending && e.Status != EventApproved {
		return &InvalidStateTransitionError{Entity: "event", ID: string(e.ID), From: string(e.Status), To: "adjusted",
			Reason: "only pending or approved events can be adjusted"}
	}
	previous := e.CommissionAmount
	amount := RoundCurrency(*res.NewAmount)
	d.PreviousAmount = &previous
	d.NewAmount = &amount
	e.CommissionAmount = amount
	e.Notes = appendNote(e.Notes, fmt.Sprintf("%s: %s -> %s", note,
		previous.StringFixed(CurrencyPlaces), amount.StringFixed(CurrencyPlaces)))
	e.UpdatedAt = now
	return s.UpdateEvent(ctx, *e)
}

func (r *DisputeResolver) Get(ctx context.Context, id DisputeID) (*Dispute, error) {
	return getDispute(ctx, r.store, id)
}

func (r *DisputeResolver) List(ctx context.Context, filter DisputeFilter) ([]Dispute, error) {
	return r.store.ListDisputes(ctx, filter)
}

func getDispute(ctx context.Context, s DisputeStore, id DisputeID) (*Dispute, error) {
	d, err := s.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, notFound(ErrDisputeNotFound, id)
	}
	return d, nil
}

/*
event.go - Commission events and the EventLedger state machine

PURPOSE:
  A CommissionEvent is one monetary obligation: user U earns amount A from
  rule R on source S. The EventLedger owns event creation and every status
  transition.

STATE MACHINE:
  pending  -> approved   approve()
  pending  -> reversed   reverse()
  approved -> reversed   reverse()
  approved -> paid       only inside SettlementEngine.Pay, never directly
  cancelled              terminal, no inbound edges from the public API

  Approving an already-approved event is a no-op. Every other edge not listed
  fails with InvalidStateTransitionError and leaves the event unchanged.

UNIQUENESS:
  At most one event may claim a (ruleId, sourceId, userId) tuple. Generated
  events claim their tuple on insert (ClaimsSource). A manual reverse releases
  the claim; reversals caused by a split or an accepted dispute keep it, so a
  re-run of batch generation cannot resurrect a commission that was already
  redistributed or disputed. The store enforces this with a unique index;
  duplicate inserts are rejected, never silently skipped at read time.

SETTLEMENT CLAIM:
  An approved event with a SettlementID belongs to a settlement. It cannot be
  reversed, split or disputed until that settlement is reopened or rejected.

SEE ALSO:
  - settlement.go: claims, releases and pays events
  - split.go: creates child events
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EVENT STATUS
// =============================================================================

type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventApproved  EventStatus = "approved"
	EventPaid      EventStatus = "paid"
	EventReversed  EventStatus = "reversed"
	EventCancelled EventStatus = "cancelled"
)

var eventTransitions = map[EventStatus][]EventStatus{
	EventPending:  {EventApproved, EventReversed},
	EventApproved: {EventReversed, EventPaid},
}

func (s EventStatus) Valid() bool {
	switch s {
	case EventPending, EventApproved, EventPaid, EventReversed, EventCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> to is a legal edge.
func (s EventStatus) CanTransitionTo(to EventStatus) bool {
	for _, allowed := range eventTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Earning reports whether events in this status count toward totalEarned.
func (s EventStatus) Earning() bool {
	return s == EventPending || s == EventApproved || s == EventPaid
}

// EventOrigin records which generator created an event.
type EventOrigin string

const (
	OriginRule      EventOrigin = "rule"
	OriginSplit     EventOrigin = "split"
	OriginGoal      EventOrigin = "goal"
	OriginRecurring EventOrigin = "recurring"
)

// Reversal reasons.
const (
	ReversalManual  = "manual"
	ReversalSplit   = "split"
	ReversalDispute = "dispute"
)

// =============================================================================
// EVENT
// =============================================================================

type Event struct {
	ID               EventID
	RuleID           RuleID
	SourceID         SourceID
	UserID           UserID
	Role             Role
	Trigger          Trigger
	Origin           EventOrigin
	ParentID         EventID      // set on split children
	SettlementID     SettlementID // empty when unsettled
	BaseAmount       decimal.Decimal
	CommissionAmount decimal.Decimal
	Proportion       decimal.Decimal // 0 < p <= 1
	Status           EventStatus
	ClaimsSource     bool
	Notes            string
	EffectiveAt      time.Time // source occurrence time; drives settlement periods
	ApprovedBy       string
	ApprovedAt       *time.Time
	PaidAt           *time.Time
	ReversedAt       *time.Time
	ReversalReason   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Settled reports whether the event is claimed by a settlement.
func (e Event) Settled() bool { return e.SettlementID != "" }

// EventFilter narrows ListEvents. Zero fields match everything.
// EffectiveAt must fall in [From, To) when those are set.
type EventFilter struct {
	IDs          []EventID
	UserID       UserID
	Statuses     []EventStatus
	SettlementID SettlementID
	Unsettled    bool
	SourceID     SourceID
	RuleID       RuleID
	ParentID     EventID
	Origin       EventOrigin
	From         time.Time
	To           time.Time
}

func (f EventFilter) Match(e Event) bool {
	if len(f.IDs) > 0 && !containsID(f.IDs, e.ID) {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, e.Status) {
		return false
	}
	if f.SettlementID != "" && e.SettlementID != f.SettlementID {
		return false
	}
	if f.Unsettled && e.SettlementID != "" {
		return false
	}
	if f.SourceID != "" && e.SourceID != f.SourceID {
		return false
	}
	if f.RuleID != "" && e.RuleID != f.RuleID {
		return false
	}
	if f.ParentID != "" && e.ParentID != f.ParentID {
		return false
	}
	if f.Origin != "" && e.Origin != f.Origin {
		return false
	}
	if !f.From.IsZero() && e.EffectiveAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.EffectiveAt.Before(f.To) {
		return false
	}
	return true
}

func containsID(ids []EventID, id EventID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func containsStatus(statuses []EventStatus, s EventStatus) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}

// =============================================================================
// EVENT LEDGER
// =============================================================================

type EventLedger struct {
	store  TxStore
	now    Clock
	logger *slog.Logger
}

func NewEventLedger(store TxStore, now Clock, logger *slog.Logger) *EventLedger {
	if now == nil {
		now = systemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLedger{store: store, now: now, logger: logger}
}

// RecordResult reports what Record inserted.
type RecordResult struct {
	Inserted []Event
	Skipped  int // tuples already claimed
}

// Record inserts events one by one. Each insert is independent; tuples that
// are already claimed are counted as skipped. Any other store error aborts
// and returns what was inserted so far.
func (l *EventLedger) Record(ctx context.Context, events []Event) (RecordResult, error) {
	return recordEvents(ctx, l.store, events, l.now())
}

func recordEvents(ctx context.Context, s EventStore, events []Event, now time.Time) (RecordResult, error) {
	var res RecordResult
	for _, e := range events {
		if e.ID == "" {
			e.ID = EventID(newID())
		}
		if e.Status == "" {
			e.Status = EventPending
		}
		if e.Proportion.IsZero() {
			e.Proportion = one
		}
		if e.EffectiveAt.IsZero() {
			e.EffectiveAt = now
		}
		e.CreatedAt, e.UpdatedAt = now, now

		err := s.InsertEvent(ctx, e)
		if errors.Is(err, ErrDuplicateEvent) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("insert event for rule %s source %s user %s: %w", e.RuleID, e.SourceID, e.UserID, err)
		}
		res.Inserted = append(res.Inserted, e)
	}
	return res, nil
}

func (l *EventLedger) Get(ctx context.Context, id EventID) (*Event, error) {
	return getEvent(ctx, l.store, id)
}

func (l *EventLedger) List(ctx context.Context, filter EventFilter) ([]Event, error) {
	return l.store.ListEvents(ctx, filter)
}

// Approve moves a pending event to approved. Approving an approved event is a
// no-op; changed reports whether a transition happened.
func (l *EventLedger) Approve(ctx context.Context, id EventID, actor string) (*Event, bool, error) {
	var (
		out     *Event
		changed bool
	)
	err := l.store.WithTx(ctx, func(s Store) error {
		e, err := getEvent(ctx, s, id)
		if err != nil {
			return err
		}
		if e.Status == EventApproved {
			out = e
			return nil
		}
		if !e.Status.CanTransitionTo(EventApproved) {
			return eventTransitionError(e, EventApproved, "")
		}
		now := l.now()
		e.Status = EventApproved
		e.ApprovedBy = actor
		e.ApprovedAt = &now
		e.UpdatedAt = now
		if err := s.UpdateEvent(ctx, *e); err != nil {
			return err
		}
		out, changed = e, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

// Reverse moves a pending or approved, unsettled event to reversed and
// releases its source claim.
func (l *EventLedger) Reverse(ctx context.Context, id EventID, actor, reason string) (*Event, error) {
	var out *Event
	err := l.store.WithTx(ctx, func(s Store) error {
		e, err := getEvent(ctx, s, id)
		if err != nil {
			return err
		}
		if reason != "" {
			e.Notes = appendNote(e.Notes, fmt.Sprintf("reversed by %s: %s", actorOrSystem(actor), reason))
		}
		if err := reverseEvent(ctx, s, e, ReversalManual, false, l.now()); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("commission event reversed", "event_id", id, "actor", actor)
	return out, nil
}

// BatchSkip explains why one id in a batch did not transition.
type BatchSkip struct {
	ID     EventID `json:"id"`
	Reason string  `json:"reason"`
}

// BatchTransitionResult is the outcome of a batch approve/reverse.
type BatchTransitionResult struct {
	Transitioned int
	Unchanged    int
	Skipped      []BatchSkip
}

// BatchApprove approves each event independently and returns the count that
// actually transitioned. Client errors (not found, illegal edge) are reported
// per id; any other error aborts the remaining ids.
func (l *EventLedger) BatchApprove(ctx context.Context, ids []EventID, actor string) (BatchTransitionResult, error) {
	var res BatchTransitionResult
	for _, id := range ids {
		_, changed, err := l.Approve(ctx, id, actor)
		switch {
		case err == nil && changed:
			res.Transitioned++
		case err == nil:
			res.Unchanged++
		case IsClientError(err):
			res.Skipped = append(res.Skipped, BatchSkip{ID: id, Reason: err.Error()})
		default:
			return res, err
		}
	}
	return res, nil
}

// BatchReverse reverses each event independently.
func (l *EventLedger) BatchReverse(ctx context.Context, ids []EventID, actor, reason string) (BatchTransitionResult, error) {
	var res BatchTransitionResult
	for _, id := range ids {
		_, err := l.Reverse(ctx, id, actor, reason)
		switch {
		case err == nil:
			res.Transitioned++
		case IsClientError(err):
			res.Skipped = append(res.Skipped, BatchSkip{ID: id, Reason: err.Error()})
		default:
			return res, err
		}
	}
	return res, nil
}

// =============================================================================
// SHARED HELPERS (used inside WithTx by ledger, splits and disputes)
// =============================================================================

func getEvent(ctx context.Context, s EventStore, id EventID) (*Event, error) {
	e, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, notFound(ErrEventNotFound, id)
	}
	return e, nil
}

// reverseEvent applies pending|approved -> reversed to e and persists it.
// keepClaim preserves the (rule, source, user) claim.
func reverseEvent(ctx context.Context, s Store, e *Event, reason string, keepClaim bool, now time.Time) error {
	if !e.Status.CanTransitionTo(EventReversed) {
		return eventTransitionError(e, EventReversed, "")
	}
	if e.Settled() {
		return eventTransitionError(e, EventReversed, fmt.Sprintf("event belongs to settlement %s", e.SettlementID))
	}
	e.Status = EventReversed
	e.ReversedAt = &now
	e.ReversalReason = reason
	e.UpdatedAt = now
	if !keepClaim {
		e.ClaimsSource = false
	}
	return s.UpdateEvent(ctx, *e)
}

func eventTransitionError(e *Event, to EventStatus, reason string) error {
	return &InvalidStateTransitionError{
		Entity: "event",
		ID:     string(e.ID),
		From:   string(e.Status),
		To:     string(to),
		Reason: reason,
	}
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "; " + note
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}

package commission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SPLIT ALLOCATOR - divide one approved event among several beneficiaries
// =============================================================================

// Share is one beneficiary's percentage of a split.
type Share struct {
	UserID     UserID
	Percentage decimal.Decimal
}

// Split records one child produced by splitting a parent event.
type Split struct {
	ID            string
	ParentEventID EventID
	ChildEventID  EventID
	UserID        UserID
	Percentage    decimal.Decimal
	Amount        decimal.Decimal
	CreatedAt     time.Time
}

// SplitResult is the outcome of SplitAllocator.Split.
type SplitResult struct {
	Parent   Event
	Children []Event
	Splits   []Split
}

// splitTolerance is how far the percentages may sum from 100.
var splitTolerance = decimal.NewFromFloat(0.1)

type SplitAllocator struct {
	store  TxStore
	now    Clock
	logger *slog.Logger
}

func NewSplitAllocator(store TxStore, now Clock, logger *slog.Logger) *SplitAllocator {
	if now == nil {
		now = systemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SplitAllocator{store: store, now: now, logger: logger}
}

// Split replaces an approved, unsettled event by one approved child per share.
// Each child gets round(A × pct / 100, 2); the rounding remainder goes to the
// largest share (first one on ties) so the children sum to A exactly. The
// parent is reversed but keeps its source claim; children point back to it
// through ParentID.
func (a *SplitAllocator) Split(ctx context.Context, eventID EventID, shares []Share, actor string) (*SplitResult, error) {
	if err := validateShares(eventID, shares); err != nil {
		return nil, err
	}

	var result *SplitResult
	err := a.store.WithTx(ctx, func(s Store) error {
		parent, err := getEvent(ctx, s, eventID)
		if err != nil {
			return err
		}
		if parent.Status != EventApproved {
			return &EventNotApprovedError{EventID: parent.ID, Status: parent.Status}
		}
		if parent.Settled() {
			return &InvalidSplitError{EventID: parent.ID, Reason: fmt.Sprintf("event belongs to settlement %s", parent.SettlementID)}
		}
		if err := checkCoBeneficiaries(ctx, s, parent, shares); err != nil {
			return err
		}

		now := a.now()
		amounts := allocate(parent.CommissionAmount, shares)
		result = &SplitResult{}
		for i, sh := range shares {
			child := Event{
				ID:               EventID(newID()),
				RuleID:           parent.RuleID,
				SourceID:         parent.SourceID,
				UserID:           sh.UserID,
				Role:             parent.Role,
				Trigger:          parent.Trigger,
				Origin:           OriginSplit,
				ParentID:         parent.ID,
				BaseAmount:       parent.BaseAmount,
				CommissionAmount: amounts[i],
				Proportion:       parent.Proportion.Mul(sh.Percentage).Div(hundred),
				Status:           EventApproved,
				Notes:            fmt.Sprintf("split %s%% of event %s", sh.Percentage.String(), parent.ID),
				EffectiveAt:      parent.EffectiveAt,
				ApprovedBy:       actor,
				ApprovedAt:       &now,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := s.InsertEvent(ctx, child); err != nil {
				return fmt.Errorf("insert split child for %s: %w", sh.UserID, err)
			}
			split := Split{
				ID:            newID(),
				ParentEventID: parent.ID,
				ChildEventID:  child.ID,
				UserID:        sh.UserID,
				Percentage:    sh.Percentage,
				Amount:        amounts[i],
				CreatedAt:     now,
			}
			if err := s.InsertSplit(ctx, split); err != nil {
				return err
			}
			result.Children = append(result.Children, child)
			result.Splits = append(result.Splits, split)
		}

		parent.Notes = appendNote(parent.Notes, fmt.Sprintf("split into %d events", len(shares)))
		if err := reverseEvent(ctx, s, parent, ReversalSplit, true, now); err != nil {
			return err
		}
		result.Parent = *parent
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("commission event split", "event_id", eventID, "shares", len(shares), "actor", actor)
	return result, nil
}

// Splits lists the split rows of a parent event.
func (a *SplitAllocator) Splits(ctx context.Context, parent EventID) ([]Split, error) {
	return a.store.ListSplits(ctx, parent)
}

func validateShares(eventID EventID, shares []Share) error {
	if len(shares) < 2 {
		return &InvalidSplitError{EventID: eventID, Reason: "at least two shares are required"}
	}
	seen := make(map[UserID]bool, len(shares))
	total := decimal.Zero
	for _, sh := range shares {
		if sh.UserID == "" {
			return &InvalidSplitError{EventID: eventID, Reason: "every share needs a user"}
		}
		if seen[sh.UserID] {
			return &InvalidSplitError{EventID: eventID, Reason: fmt.Sprintf("user %s appears twice", sh.UserID)}
		}
		seen[sh.UserID] = true
		if !sh.Percentage.IsPositive() || sh.Percentage.GreaterThan(hundred) {
			return &InvalidSplitError{EventID: eventID, Reason: fmt.Sprintf("percentage %s for %s must be in (0, 100]", sh.Percentage, sh.UserID)}
		}
		total = total.Add(sh.Percentage)
	}
	if total.Sub(hundred).Abs().GreaterThan(splitTolerance) {
		return &InvalidSplitError{EventID: eventID, Reason: fmt.Sprintf("percentages sum to %s, expected 100", total)}
	}
	return nil
}

// checkCoBeneficiaries rejects a share whose user already holds a live event
// for the parent's rule and source; a child would give them a second one.
func checkCoBeneficiaries(ctx context.Context, s EventStore, parent *Event, shares []Share) error {
	existing, err := s.ListEvents(ctx, EventFilter{RuleID: parent.RuleID, SourceID: parent.SourceID})
	if err != nil {
		return err
	}
	for _, sh := range shares {
		if sh.UserID == parent.UserID {
			continue
		}
		for _, e := range existing {
			if e.UserID == sh.UserID && e.Status.Earning() {
				return &InvalidSplitError{
					EventID: parent.ID,
					Reason:  fmt.Sprintf("user %s already has event %s for rule %s on source %s", sh.UserID, e.ID, parent.RuleID, parent.SourceID),
				}
			}
		}
	}
	return nil
}

// allocate rounds each share and hands the remainder to the largest share.
func allocate(amount decimal.Decimal, shares []Share) []decimal.Decimal {
	amounts := make([]decimal.Decimal, len(shares))
	allocated := decimal.Zero
	largest := 0
	for i, sh := range shares {
		amounts[i] = RoundCurrency(PercentOf(amount, sh.Percentage))
		allocated = allocated.Add(amounts[i])
		if sh.Percentage.GreaterThan(shares[largest].Percentage) {
			largest = i
		}
	}
	amounts[largest] = amounts[largest].Add(amount.Sub(allocated))
	return amounts
}

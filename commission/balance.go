package commission

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE QUERY
// =============================================================================

// BalanceSummary is a user's read-only commission position.
//
//	totalEarned      = Σ amount over pending, approved and paid events
//	totalPaid        = Σ paidAmount over paid settlements
//	balance          = totalEarned - totalPaid
//	pending          = Σ amount over pending events
//	pendingUnsettled = Σ amount over approved events with no settlement
//	inSettlement     = Σ amount over approved events held by a settlement
//	outstandingOnPaid= Σ (totalAmount - paidAmount) over paid settlements
//
// Reconciliation: balance == pending + pendingUnsettled + inSettlement + outstandingOnPaid.
type BalanceSummary struct {
	UserID            UserID
	TotalEarned       decimal.Decimal
	TotalPaid         decimal.Decimal
	Balance           decimal.Decimal
	Pending           decimal.Decimal
	PendingUnsettled  decimal.Decimal
	InSettlement      decimal.Decimal
	OutstandingOnPaid decimal.Decimal
	Settlements       []SettlementBalance
}

// SettlementBalance is one settlement's line in a BalanceSummary.
type SettlementBalance struct {
	ID          SettlementID
	Period      Period
	Status      SettlementStatus
	Total       decimal.Decimal
	Paid        decimal.Decimal
	Outstanding decimal.Decimal
}

// Reconciles reports whether the summary's identities hold exactly.
func (b BalanceSummary) Reconciles() bool {
	if !b.TotalEarned.Equal(b.TotalPaid.Add(b.Balance)) {
		return false
	}
	parts := Sum(b.Pending, b.PendingUnsettled, b.InSettlement, b.OutstandingOnPaid)
	return b.Balance.Equal(parts)
}

// ComputeBalance derives a summary from a user's events and settlements.
func ComputeBalance(user UserID, events []Event, settlements []Settlement) BalanceSummary {
	b := BalanceSummary{
		UserID:            user,
		TotalEarned:       decimal.Zero,
		TotalPaid:         decimal.Zero,
		Pending:           decimal.Zero,
		PendingUnsettled:  decimal.Zero,
		InSettlement:      decimal.Zero,
		OutstandingOnPaid: decimal.Zero,
	}
	for _, e := range events {
		if e.UserID != user || !e.Status.Earning() {
			continue
		}
		b.TotalEarned = b.TotalEarned.Add(e.CommissionAmount)
		switch {
		case e.Status == EventPending:
			b.Pending = b.Pending.Add(e.CommissionAmount)
		case e.Status == EventApproved && !e.Settled():
			b.PendingUnsettled = b.PendingUnsettled.Add(e.CommissionAmount)
		case e.Status == EventApproved:
			b.InSettlement = b.InSettlement.Add(e.CommissionAmount)
		}
	}
	for _, s := range settlements {
		if s.UserID != user {
			continue
		}
		line := SettlementBalance{ID: s.ID, Period: s.Period, Status: s.Status, Total: s.TotalAmount, Paid: decimal.Zero}
		if s.PaidAmount != nil {
			line.Paid = *s.PaidAmount
		}
		line.Outstanding = line.Total.Sub(line.Paid)
		if s.Status == SettlementPaid {
			b.TotalPaid = b.TotalPaid.Add(line.Paid)
			b.OutstandingOnPaid = b.OutstandingOnPaid.Add(line.Outstanding)
		}
		b.Settlements = append(b.Settlements, line)
	}
	b.Balance = b.TotalEarned.Sub(b.TotalPaid)
	return b
}

// Balance reads the user's events and settlements in one transaction and
// summarizes them.
func (e *SettlementEngine) Balance(ctx context.Context, user UserID) (*BalanceSummary, error) {
	if user == "" {
		return nil, NewValidationError("user_id", "is required")
	}
	var out BalanceSummary
	err := e.store.WithTx(ctx, func(s Store) error {
		events, err := s.ListEvents(ctx, EventFilter{UserID: user})
		if err != nil {
			return err
		}
		settlements, err := s.ListSettlements(ctx, SettlementFilter{UserID: user})
		if err != nil {
			return err
		}
		out = ComputeBalance(user, events, settlements)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

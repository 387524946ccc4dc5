package commission

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SOURCE EVENT - the business occurrence that feeds the CalculationEngine
// =============================================================================

// Beneficiary is a user eligible for commission on a source, in one role.
// SplitDivisor > 1 means the amount is shared evenly with co-workers of the
// same role (e.g. two technicians on one order each get half).
type Beneficiary struct {
	UserID       UserID
	Role         Role
	SplitDivisor int
}

// LineItem is one product or service line of an order.
type LineItem struct {
	Kind        ItemKind
	Description string
	Quantity    decimal.Decimal
	Total       decimal.Decimal
	UnitCost    decimal.Decimal
}

type SourceEvent struct {
	ID            SourceID
	Trigger       Trigger
	ReferenceID   string // work order / installment / invoice id upstream
	OccurredAt    time.Time
	OriginTag     string
	GrossAmount   decimal.Decimal
	NetAmount     *decimal.Decimal // caller-supplied net; derived when nil
	Expenses      decimal.Decimal
	Displacement  decimal.Decimal
	Items         []LineItem
	ItemCount     int // used by fixed_per_item when Items is empty
	Beneficiaries []Beneficiary
	RecordedAt    time.Time
}

func (s SourceEvent) Validate() error {
	var v ValidationError
	if s.ID == "" {
		v.Add("source_id", "is required")
	}
	if !s.Trigger.Valid() {
		v.Add("trigger", fmt.Sprintf("unknown trigger %q", s.Trigger))
	}
	if s.OccurredAt.IsZero() {
		v.Add("occurred_at", "is required")
	}
	if s.GrossAmount.IsNegative() {
		v.Add("gross_amount", "must not be negative")
	}
	if s.ItemCount < 0 {
		v.Add("item_count", "must not be negative")
	}
	for i, it := range s.Items {
		if !it.Kind.Valid() {
			v.Add(fmt.Sprintf("items[%d].kind", i), fmt.Sprintf("unknown item kind %q", it.Kind))
		}
	}
	seen := make(map[Beneficiary]bool, len(s.Beneficiaries))
	for i, b := range s.Beneficiaries {
		field := fmt.Sprintf("beneficiaries[%d]", i)
		if b.UserID == "" {
			v.Add(field+".user_id", "is required")
		}
		if !b.Role.Valid() {
			v.Add(field+".role", fmt.Sprintf("unknown role %q", b.Role))
		}
		if b.SplitDivisor < 0 {
			v.Add(field+".split_divisor", "must not be negative")
		}
		key := Beneficiary{UserID: b.UserID, Role: b.Role}
		if seen[key] {
			v.Add(field, "duplicate beneficiary")
		}
		seen[key] = true
	}
	return v.Err()
}

// HasBeneficiary reports whether user is among the beneficiaries.
func (s SourceEvent) HasBeneficiary(user UserID) bool {
	for _, b := range s.Beneficiaries {
		if b.UserID == user {
			return true
		}
	}
	return false
}

func (s SourceEvent) lineTotal(scope AppliesTo) decimal.Decimal {
	total := decimal.Zero
	for _, it := range s.Items {
		if scope.Includes(it.Kind) {
			total = total.Add(it.Total)
		}
	}
	return total
}

func (s SourceEvent) ProductsTotal() decimal.Decimal { return s.lineTotal(AppliesToProducts) }
func (s SourceEvent) ServicesTotal() decimal.Decimal { return s.lineTotal(AppliesToServices) }

// Cost is Σ unit cost × quantity over all line items.
func (s SourceEvent) Cost() decimal.Decimal {
	total := decimal.Zero
	for _, it := range s.Items {
		total = total.Add(it.UnitCost.Mul(it.Quantity))
	}
	return total
}

// Net returns the caller-supplied net, or gross - expenses - cost.
func (s SourceEvent) Net() decimal.Decimal {
	if s.NetAmount != nil {
		return *s.NetAmount
	}
	return s.GrossAmount.Sub(s.Expenses).Sub(s.Cost())
}

// ItemCountFor counts line items in scope; falls back to ItemCount when the
// source carries no line detail.
func (s SourceEvent) ItemCountFor(scope AppliesTo) int {
	if len(s.Items) == 0 {
		return s.ItemCount
	}
	n := 0
	for _, it := range s.Items {
		if scope.Includes(it.Kind) {
			n++
		}
	}
	return n
}

// SourceFilter narrows ListSources. Zero fields match everything.
// OccurredAt must fall in [From, To) when those are set.
type SourceFilter struct {
	Trigger Trigger
	UserID  UserID
	From    time.Time
	To      time.Time
}

func (f SourceFilter) Match(s SourceEvent) bool {
	if f.Trigger != "" && s.Trigger != f.Trigger {
		return false
	}
	if f.UserID != "" && !s.HasBeneficiary(f.UserID) {
		return false
	}
	if !f.From.IsZero() && s.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !s.OccurredAt.Before(f.To) {
		return false
	}
	return true
}

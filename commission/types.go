/*
Package commission provides the commission calculation and settlement engine.

PURPOSE:
  Turns completed business events (a finished work order, a paid installment,
  an invoice) into monetary obligations owed to technicians, sellers and
  drivers, tracks their approval/payment lifecycle, and lets humans dispute
  and correct them after the fact.

KEY CONCEPTS IN THIS FILE (types.go):
  - Typed identifiers (UserID, RuleID, EventID, ...)
  - Closed enums: Role, Trigger, AppliesTo, ItemKind
  - Money helpers over decimal.Decimal

MONEY:
  Every amount is a decimal.Decimal. Intermediate values are never rounded;
  RoundCurrency (banker's rounding to 2 places) is applied once, at the final
  step of a calculation. Binary floating point is never used for stored money.

COMPONENTS (one file each):
  rule.go        RuleCatalog      - rule definitions + matching predicate
  campaign.go    CampaignRegistry - temporary multipliers
  calculation.go CalculationEngine
  split.go       SplitAllocator
  event.go       EventLedger      - event state machine
  settlement.go  SettlementEngine - settlement state machine
  balance.go     per-user balance summary
  dispute.go     DisputeResolver
  batch.go       BatchGenerator
  goal.go        GoalTracker
  recurring.go   RecurringCommissionProcessor

SEE ALSO:
  - store.go: persistence interfaces
  - errors.go: error taxonomy
*/
package commission

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	UserID       string
	RuleID       string
	EventID      string
	SettlementID string
	DisputeID    string
	SourceID     string
	CampaignID   string
	GoalID       string
	RecurringID  string
)

func newID() string { return uuid.NewString() }

// =============================================================================
// ROLE - who receives the commission
// =============================================================================

type Role string

const (
	RoleTechnician Role = "technician"
	RoleSeller     Role = "seller"
	RoleDriver     Role = "driver"
)

// Roles lists every role in display order.
var Roles = []Role{RoleTechnician, RoleSeller, RoleDriver}

func (r Role) Valid() bool {
	switch r {
	case RoleTechnician, RoleSeller, RoleDriver:
		return true
	}
	return false
}

// =============================================================================
// TRIGGER - which business event fires a rule
// =============================================================================

type Trigger string

const (
	TriggerOrderCompleted  Trigger = "order_completed"
	TriggerInstallmentPaid Trigger = "installment_paid"
	TriggerOrderInvoiced   Trigger = "order_invoiced"
)

var Triggers = []Trigger{TriggerOrderCompleted, TriggerInstallmentPaid, TriggerOrderInvoiced}

func (t Trigger) Valid() bool {
	switch t {
	case TriggerOrderCompleted, TriggerInstallmentPaid, TriggerOrderInvoiced:
		return true
	}
	return false
}

// =============================================================================
// APPLIES TO / ITEM KIND - line-item scope of a rule
// =============================================================================

type AppliesTo string

const (
	AppliesToAll      AppliesTo = "all"
	AppliesToProducts AppliesTo = "products"
	AppliesToServices AppliesTo = "services"
)

func (a AppliesTo) Valid() bool {
	switch a {
	case AppliesToAll, AppliesToProducts, AppliesToServices:
		return true
	}
	return false
}

type ItemKind string

const (
	ItemProduct ItemKind = "product"
	ItemService ItemKind = "service"
)

func (k ItemKind) Valid() bool {
	return k == ItemProduct || k == ItemService
}

// Includes reports whether a line item of kind k falls inside scope a.
func (a AppliesTo) Includes(k ItemKind) bool {
	switch a {
	case AppliesToProducts:
		return k == ItemProduct
	case AppliesToServices:
		return k == ItemService
	default:
		return true
	}
}

// =============================================================================
// MONEY
// =============================================================================

// CurrencyPlaces is the number of decimal places money is rounded to.
const CurrencyPlaces = 2

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// RoundCurrency applies banker's rounding to currency precision.
func RoundCurrency(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(CurrencyPlaces)
}

// PercentOf returns base × pct / 100 without rounding.
func PercentOf(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred)
}

// Sum adds amounts without rounding.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// MustParseDecimal parses s or panics. Intended for constants and tests.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Clock returns the current time. Components accept one so tests can pin time.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

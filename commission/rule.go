/*
rule.go - Commission rules and the RuleCatalog

PURPOSE:
  A Rule says "when <trigger> happens, pay <role> (or one specific user)
  <value> computed as <calculation type>". The RuleCatalog stores rules and
  answers "which rules are candidates for this beneficiary on this source".

MATCHING:
  A rule is a candidate for beneficiary b on source s when:
    - rule.Active
    - rule.AppliesWhen == s.Trigger
    - rule.Role == b.Role, and rule.UserID is empty or equals b.UserID
    - rule.SourceFilter is empty or equals s.OriginTag

ORDERING:
  Candidates are ordered by Priority descending, then ID ascending. Every
  candidate fires (the amounts are summed). Priority only orders evaluation,
  unless a rule is Exclusive: once an exclusive rule yields a commission for a
  beneficiary, the candidates after it are suppressed for that beneficiary.

SEE ALSO:
  - calculation.go: evaluates candidates
  - factory/rule.go: JSON/YAML rule definitions
*/
package commission

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CALCULATION TYPE
// =============================================================================

type CalculationType string

const (
	CalcPercentGross                  CalculationType = "percent_gross"
	CalcPercentNet                    CalculationType = "percent_net"
	CalcPercentGrossMinusDisplacement CalculationType = "percent_gross_minus_displacement"
	CalcPercentGrossMinusExpenses     CalculationType = "percent_gross_minus_expenses"
	CalcPercentServicesOnly           CalculationType = "percent_services_only"
	CalcPercentProductsOnly           CalculationType = "percent_products_only"
	CalcPercentProfit                 CalculationType = "percent_profit"
	CalcFixedPerOrder                 CalculationType = "fixed_per_order"
	CalcFixedPerItem                  CalculationType = "fixed_per_item"
	CalcTieredGross                   CalculationType = "tiered_gross"
	CalcCustomFormula                 CalculationType = "custom_formula"
)

var calculationLabels = map[CalculationType]string{
	CalcPercentGross:                  "% of gross",
	CalcPercentNet:                    "% of net (gross - expenses - cost)",
	CalcPercentGrossMinusDisplacement: "% of (gross - displacement)",
	CalcPercentGrossMinusExpenses:     "% of (gross - expenses)",
	CalcPercentServicesOnly:           "% of services only",
	CalcPercentProductsOnly:           "% of products only",
	CalcPercentProfit:                 "% of profit (gross - cost)",
	CalcFixedPerOrder:                 "fixed per order",
	CalcFixedPerItem:                  "fixed per item",
	CalcTieredGross:                   "tiered % of gross",
	CalcCustomFormula:                 "custom formula",
}

// CalculationTypes lists every supported type in display order.
var CalculationTypes = []CalculationType{
	CalcPercentGross, CalcPercentNet, CalcPercentGrossMinusDisplacement,
	CalcPercentGrossMinusExpenses, CalcPercentServicesOnly, CalcPercentProductsOnly,
	CalcPercentProfit, CalcFixedPerOrder, CalcFixedPerItem, CalcTieredGross, CalcCustomFormula,
}

func (c CalculationType) Valid() bool {
	_, ok := calculationLabels[c]
	return ok
}

func (c CalculationType) Label() string { return calculationLabels[c] }

// IsFixed reports whether Value is a currency amount rather than a rate.
func (c CalculationType) IsFixed() bool {
	return c == CalcFixedPerOrder || c == CalcFixedPerItem
}

// =============================================================================
// RULE
// =============================================================================

// Tier is one band of a tiered_gross rule. A nil UpTo is open-ended.
type Tier struct {
	UpTo    *decimal.Decimal
	Percent decimal.Decimal
}

type Rule struct {
	ID              RuleID
	Name            string
	UserID          UserID // empty: every user holding Role
	Role            Role
	CalculationType CalculationType
	Value           decimal.Decimal // rate in percent, or fixed amount
	Priority        int
	AppliesTo       AppliesTo
	AppliesWhen     Trigger
	SourceFilter    string
	Tiers           []Tier
	Formula         string
	Exclusive       bool
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks everything that can be checked without a formula evaluator.
func (r Rule) Validate() error {
	var v ValidationError
	if strings.TrimSpace(r.Name) == "" {
		v.Add("name", "is required")
	}
	if !r.Role.Valid() {
		v.Add("applies_to_role", fmt.Sprintf("unknown role %q", r.Role))
	}
	if !r.CalculationType.Valid() {
		v.Add("calculation_type", fmt.Sprintf("unknown calculation type %q", r.CalculationType))
	}
	if !r.AppliesWhen.Valid() {
		v.Add("applies_when", fmt.Sprintf("unknown trigger %q", r.AppliesWhen))
	}
	if !r.AppliesTo.Valid() {
		v.Add("applies_to", fmt.Sprintf("unknown scope %q", r.AppliesTo))
	}

	switch r.CalculationType {
	case CalcTieredGross:
		validateTiers(&v, r.Tiers)
	case CalcCustomFormula:
		if r.Value.IsNegative() {
			v.Add("value", "must not be negative")
		}
	default:
		if !r.Value.IsPositive() {
			v.Add("value", "must be greater than zero")
		}
	}
	return v.Err()
}

func validateTiers(v *ValidationError, tiers []Tier) {
	if len(tiers) == 0 {
		v.Add("tiers", "at least one tier is required")
		return
	}
	prev := decimal.Zero
	for i, t := range tiers {
		field := fmt.Sprintf("tiers[%d]", i)
		if t.Percent.IsNegative() {
			v.Add(field+".percent", "must not be negative")
		}
		if t.UpTo == nil {
			if i != len(tiers)-1 {
				v.Add(field+".up_to", "only the last tier may be open-ended")
			}
			continue
		}
		if !t.UpTo.GreaterThan(prev) {
			v.Add(field+".up_to", "tiers must be strictly ascending")
		}
		prev = *t.UpTo
	}
}

// Matches is the candidate predicate for one beneficiary of one source.
func (r Rule) Matches(trigger Trigger, b Beneficiary, originTag string) bool {
	if !r.Active || r.AppliesWhen != trigger || r.Role != b.Role {
		return false
	}
	if r.UserID != "" && r.UserID != b.UserID {
		return false
	}
	if r.SourceFilter != "" && r.SourceFilter != originTag {
		return false
	}
	return true
}

// SortRules orders rules by priority descending, id ascending.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// RuleFilter narrows ListRules. Zero fields match everything.
type RuleFilter struct {
	Role       Role
	Trigger    Trigger
	UserID     UserID
	ActiveOnly bool
}

func (f RuleFilter) Match(r Rule) bool {
	if f.Role != "" && r.Role != f.Role {
		return false
	}
	if f.Trigger != "" && r.AppliesWhen != f.Trigger {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.ActiveOnly && !r.Active {
		return false
	}
	return true
}

// =============================================================================
// RULE CATALOG
// =============================================================================

type RuleCatalog struct {
	store    RuleStore
	formulas *FormulaEvaluator
	now      Clock
}

func NewRuleCatalog(store RuleStore, formulas *FormulaEvaluator, now Clock) *RuleCatalog {
	if now == nil {
		now = systemClock
	}
	return &RuleCatalog{store: store, formulas: formulas, now: now}
}

// Create validates and stores a new rule. An empty ID is generated.
func (c *RuleCatalog) Create(ctx context.Context, r Rule) (*Rule, error) {
	if r.ID == "" {
		r.ID = RuleID(newID())
	} else if existing, err := c.store.GetRule(ctx, r.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, NewValidationError("id", fmt.Sprintf("rule %s already exists", r.ID))
	}
	now := c.now()
	r.CreatedAt, r.UpdatedAt = now, now
	return c.save(ctx, r)
}

// Update replaces an existing rule definition.
func (c *RuleCatalog) Update(ctx context.Context, r Rule) (*Rule, error) {
	existing, err := c.Get(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = c.now()
	return c.save(ctx, r)
}

// Upsert creates or replaces a rule by ID (used for catalog imports).
func (c *RuleCatalog) Upsert(ctx context.Context, r Rule) (*Rule, error) {
	existing, err := c.store.GetRule(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil || r.ID == "" {
		return c.Create(ctx, r)
	}
	return c.Update(ctx, r)
}

func (c *RuleCatalog) save(ctx context.Context, r Rule) (*Rule, error) {
	if r.AppliesTo == "" {
		r.AppliesTo = AppliesToAll
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.CalculationType == CalcCustomFormula && r.Formula != "" && c.formulas != nil {
		if err := c.formulas.Compile(r.Formula); err != nil {
			return nil, NewValidationError("formula", err.Error())
		}
	}
	if err := c.store.SaveRule(ctx, r); err != nil {
		return nil, fmt.Errorf("save rule %s: %w", r.ID, err)
	}
	return &r, nil
}

func (c *RuleCatalog) Get(ctx context.Context, id RuleID) (*Rule, error) {
	r, err := c.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, notFound(ErrRuleNotFound, id)
	}
	return r, nil
}

func (c *RuleCatalog) List(ctx context.Context, filter RuleFilter) ([]Rule, error) {
	rules, err := c.store.ListRules(ctx, filter)
	if err != nil {
		return nil, err
	}
	SortRules(rules)
	return rules, nil
}

func (c *RuleCatalog) Delete(ctx context.Context, id RuleID) error {
	if _, err := c.Get(ctx, id); err != nil {
		return err
	}
	return c.store.DeleteRule(ctx, id)
}

// Candidates returns the matching active rules for b, in evaluation order.
func (c *RuleCatalog) Candidates(ctx context.Context, trigger Trigger, b Beneficiary, originTag string) ([]Rule, error) {
	rules, err := c.store.ListRules(ctx, RuleFilter{Role: b.Role, Trigger: trigger, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list candidate rules: %w", err)
	}
	matched := rules[:0]
	for _, r := range rules {
		if r.Matches(trigger, b, originTag) {
			matched = append(matched, r)
		}
	}
	SortRules(matched)
	return matched, nil
}

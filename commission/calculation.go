/*
calculation.go - The CalculationEngine

PURPOSE:
  compute(source) -> proposed commissions. Pure with respect to the event
  ledger: nothing is persisted here, which is what makes simulate a dry run.

ALGORITHM (per beneficiary):
  1. Candidates = RuleCatalog.Candidates(trigger, beneficiary, originTag),
     ordered priority desc, id asc.
  2. For each candidate: raw amount by calculation type (unrounded).
  3. Multiply by the best applicable campaign (largest multiplier matching
     the beneficiary role, the rule's calculation type and the source date).
  4. Divide by the beneficiary's split divisor when > 1.
  5. Round once with banker's rounding to 2 places.
  6. Amounts <= 0 yield no proposal.
  All candidates fire; an Exclusive rule that yields a proposal stops the
  remaining candidates for that beneficiary.

ERRORS:
  A rule that cannot be evaluated (unknown type, missing tiers, failing
  formula) becomes a RuleConfigurationError: logged, recorded in
  Calculation.Skipped, and the remaining rules still apply.
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

// ProposedCommission is one computed, not yet persisted, commission.
type ProposedCommission struct {
	RuleID           RuleID
	RuleName         string
	UserID           UserID
	Role             Role
	Trigger          Trigger
	CalculationType  CalculationType
	BaseAmount       decimal.Decimal
	RawAmount        decimal.Decimal
	Multiplier       decimal.Decimal
	CampaignID       CampaignID
	CampaignName     string
	SplitDivisor     int
	CommissionAmount decimal.Decimal
}

// Event converts the proposal into a pending event for src.
func (p ProposedCommission) Event(src SourceEvent) Event {
	proportion := one
	if p.SplitDivisor > 1 {
		proportion = one.Div(decimal.NewFromInt(int64(p.SplitDivisor)))
	}
	return Event{
		RuleID:           p.RuleID,
		SourceID:         src.ID,
		UserID:           p.UserID,
		Role:             p.Role,
		Trigger:          p.Trigger,
		Origin:           OriginRule,
		BaseAmount:       p.BaseAmount,
		CommissionAmount: p.CommissionAmount,
		Proportion:       proportion,
		Status:           EventPending,
		ClaimsSource:     true,
		Notes:            p.notes(),
		EffectiveAt:      src.OccurredAt,
	}
}

func (p ProposedCommission) notes() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("%s: %s", p.RuleName, p.CalculationType.Label()))
	if p.CampaignName != "" {
		parts = append(parts, fmt.Sprintf("campaign %s x%s", p.CampaignName, p.Multiplier.String()))
	}
	if p.SplitDivisor > 1 {
		parts = append(parts, fmt.Sprintf("shared by %d", p.SplitDivisor))
	}
	return strings.Join(parts, "; ")
}

// Calculation is the output of Compute.
type Calculation struct {
	SourceID  SourceID
	Proposals []ProposedCommission
	Skipped   []*RuleConfigurationError
}

func (c *Calculation) Total() decimal.Decimal {
	total := decimal.Zero
	for _, p := range c.Proposals {
		total = total.Add(p.CommissionAmount)
	}
	return total
}

// Events converts every proposal into a pending event.
func (c *Calculation) Events(src SourceEvent) []Event {
	events := make([]Event, 0, len(c.Proposals))
	for _, p := range c.Proposals {
		events = append(events, p.Event(src))
	}
	return events
}

// =============================================================================
// CALCULATION ENGINE
// =============================================================================

type CalculationEngine struct {
	rules     *RuleCatalog
	campaigns *CampaignRegistry
	formulas  *FormulaEvaluator
	logger    *slog.Logger
}

func NewCalculationEngine(rules *RuleCatalog, campaigns *CampaignRegistry, formulas *FormulaEvaluator, logger *slog.Logger) *CalculationEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &CalculationEngine{rules: rules, campaigns: campaigns, formulas: formulas, logger: logger}
}

// Compute returns the proposed commissions for src without persisting anything.
func (e *CalculationEngine) Compute(ctx context.Context, src SourceEvent) (*Calculation, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	campaigns, err := e.campaigns.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}

	calc := &Calculation{SourceID: src.ID}
	for _, b := range src.Beneficiaries {
		candidates, err := e.rules.Candidates(ctx, src.Trigger, b, src.OriginTag)
		if err != nil {
			return nil, err
		}
		for _, rule := range candidates {
			p, err := e.evaluate(rule, b, src, campaigns)
			if err != nil {
				var cfgErr *RuleConfigurationError
				if !errors.As(err, &cfgErr) {
					return nil, err
				}
				e.logger.Warn("skipping misconfigured commission rule",
					"rule_id", rule.ID,
					"calculation_type", rule.CalculationType,
					"source_id", src.ID,
					"reason", cfgErr.Reason)
				calc.Skipped = append(calc.Skipped, cfgErr)
				continue
			}
			if p == nil {
				continue
			}
			calc.Proposals = append(calc.Proposals, *p)
			if rule.Exclusive {
				break
			}
		}
	}
	return calc, nil
}

func (e *CalculationEngine) evaluate(rule Rule, b Beneficiary, src SourceEvent, campaigns []Campaign) (*ProposedCommission, error) {
	base, raw, err := e.rawAmount(rule, src)
	if err != nil {
		return nil, err
	}

	p := &ProposedCommission{
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		UserID:          b.UserID,
		Role:            b.Role,
		Trigger:         src.Trigger,
		CalculationType: rule.CalculationType,
		BaseAmount:      RoundCurrency(base),
		RawAmount:       raw,
		Multiplier:      one,
		SplitDivisor:    b.SplitDivisor,
	}

	amount := raw
	if c := bestCampaign(campaigns, b.Role, rule.CalculationType, src.OccurredAt); c != nil {
		amount = amount.Mul(c.Multiplier)
		p.Multiplier = c.Multiplier
		p.CampaignID = c.ID
		p.CampaignName = c.Name
	}
	if b.SplitDivisor > 1 {
		amount = amount.Div(decimal.NewFromInt(int64(b.SplitDivisor)))
	}
	p.CommissionAmount = RoundCurrency(amount)
	if !p.CommissionAmount.IsPositive() {
		return nil, nil
	}
	return p, nil
}

// rawAmount returns the base the rule applies to and the unrounded amount.
func (e *CalculationEngine) rawAmount(rule Rule, src SourceEvent) (decimal.Decimal, decimal.Decimal, error) {
	gross := src.GrossAmount
	if rule.AppliesTo == AppliesToProducts || rule.AppliesTo == AppliesToServices {
		gross = src.lineTotal(rule.AppliesTo)
	}

	switch rule.CalculationType {
	case CalcPercentGross:
		return gross, PercentOf(gross, rule.Value), nil
	case CalcPercentNet:
		base := src.Net()
		return base, PercentOf(base, rule.Value), nil
	case CalcPercentGrossMinusDisplacement:
		base := gross.Sub(src.Displacement)
		return base, PercentOf(base, rule.Value), nil
	case CalcPercentGrossMinusExpenses:
		base := gross.Sub(src.Expenses)
		return base, PercentOf(base, rule.Value), nil
	case CalcPercentServicesOnly:
		base := src.ServicesTotal()
		return base, PercentOf(base, rule.Value), nil
	case CalcPercentProductsOnly:
		base := src.ProductsTotal()
		return base, PercentOf(base, rule.Value), nil
	case CalcPercentProfit:
		base := gross.Sub(src.Cost())
		return base, PercentOf(base, rule.Value), nil
	case CalcFixedPerOrder:
		return gross, rule.Value, nil
	case CalcFixedPerItem:
		n := decimal.NewFromInt(int64(src.ItemCountFor(rule.AppliesTo)))
		return gross, rule.Value.Mul(n), nil
	case CalcTieredGross:
		if len(rule.Tiers) == 0 {
			return decimal.Zero, decimal.Zero, ruleConfigError(rule, "tiered rule has no tiers")
		}
		return gross, tieredAmount(gross, rule.Tiers), nil
	case CalcCustomFormula:
		if strings.TrimSpace(rule.Formula) == "" {
			return gross, PercentOf(gross, rule.Value), nil
		}
		if e.formulas == nil {
			return decimal.Zero, decimal.Zero, ruleConfigError(rule, "formula evaluation is not configured")
		}
		amount, err := e.formulas.Evaluate(rule.Formula, FormulaInput{
			Gross:        gross,
			Net:          src.Net(),
			Products:     src.ProductsTotal(),
			Services:     src.ServicesTotal(),
			Expenses:     src.Expenses,
			Displacement: src.Displacement,
			Cost:         src.Cost(),
			Items:        decimal.NewFromInt(int64(src.ItemCountFor(rule.AppliesTo))),
			Percent:      rule.Value,
		})
		if err != nil {
			return decimal.Zero, decimal.Zero, ruleConfigError(rule, err.Error())
		}
		if amount.IsNegative() {
			amount = decimal.Zero
		}
		return gross, amount, nil
	default:
		return decimal.Zero, decimal.Zero, ruleConfigError(rule, fmt.Sprintf("unknown calculation type %q", rule.CalculationType))
	}
}

// tieredAmount applies each tier's percent to the slice of base inside it.
// 12000 over [3% up to 5000, 5% up to 10000, 8% above] = 150 + 250 + 160.
func tieredAmount(base decimal.Decimal, tiers []Tier) decimal.Decimal {
	total := decimal.Zero
	remaining := base
	floor := decimal.Zero
	for _, t := range tiers {
		if !remaining.IsPositive() {
			break
		}
		width := remaining
		if t.UpTo != nil {
			width = decimal.Min(remaining, t.UpTo.Sub(floor))
			floor = *t.UpTo
		}
		if width.IsPositive() {
			total = total.Add(PercentOf(width, t.Percent))
			remaining = remaining.Sub(width)
		}
	}
	return total
}

func ruleConfigError(rule Rule, reason string) error {
	return &RuleConfigurationError{RuleID: rule.ID, CalculationType: rule.CalculationType, Reason: reason}
}

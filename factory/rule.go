/*
Package factory converts JSON and YAML rule definitions into commission rules
and campaigns.

PURPOSE:
  Commission rules are configuration. Operators keep them in a YAML catalog
  (loaded at startup) or post them as JSON through the API; the factory turns
  either form into commission.Rule / commission.Campaign values that the
  RuleCatalog and CampaignRegistry validate and store.

JSON SCHEMA (rule):
  {
    "id": "tech-standard",
    "name": "Technician 10% of gross",
    "applies_to_role": "technician",
    "user_id": "",
    "calculation_type": "percent_gross",
    "value": "10",
    "priority": 10,
    "applies_to": "all",
    "applies_when": "order_completed",
    "source_filter": "",
    "tiers": [{"up_to": "5000", "percent": "3"}, {"percent": "8"}],
    "formula": "gross * percent / 100",
    "exclusive": false,
    "active": true
  }

YAML CATALOG:
  rules:
    - id: tech-standard
      name: Technician 10% of gross
      applies_to_role: technician
      calculation_type: percent_gross
      value: 10
      applies_when: order_completed
  campaigns:
    - name: Black Friday
      multiplier: 1.5
      starts_on: 2026-11-20
      ends_on: 2026-11-30

USAGE:
  catalog, err := factory.ParseCatalogYAML(data)
  applied, err := catalog.Apply(ctx, svc.Rules, svc.Campaigns)

SEE ALSO:
  - commission/rule.go: Rule type and validation
  - factory/presets.go: ready-made rule definitions
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/commission-engine/commission"
)

const dateLayout = "2006-01-02"

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of a rule.
type RuleJSON struct {
	ID              string          `json:"id,omitempty" validate:"omitempty,max=64"`
	Name            string          `json:"name" validate:"required,max=255"`
	Role            string          `json:"applies_to_role" validate:"required,oneof=technician seller driver"`
	UserID          string          `json:"user_id,omitempty" validate:"omitempty,max=64"`
	CalculationType string          `json:"calculation_type" validate:"required"`
	Value           decimal.Decimal `json:"value"`
	Priority        int             `json:"priority" validate:"gte=0"`
	AppliesTo       string          `json:"applies_to,omitempty" validate:"omitempty,oneof=all products services"`
	AppliesWhen     string          `json:"applies_when" validate:"required,oneof=order_completed installment_paid order_invoiced"`
	SourceFilter    string          `json:"source_filter,omitempty" validate:"omitempty,max=64"`
	Tiers           []TierJSON      `json:"tiers,omitempty" validate:"omitempty,dive"`
	Formula         string          `json:"formula,omitempty" validate:"omitempty,max=1000"`
	Exclusive       bool            `json:"exclusive,omitempty"`
	Active          *bool           `json:"active,omitempty"` // default true
}

type TierJSON struct {
	UpTo    *decimal.Decimal `json:"up_to,omitempty"`
	Percent decimal.Decimal  `json:"percent"`
}

// CampaignJSON is the JSON representation of a campaign. Dates are YYYY-MM-DD.
type CampaignJSON struct {
	ID              string          `json:"id,omitempty" validate:"omitempty,max=64"`
	Name            string          `json:"name" validate:"required,max=255"`
	Multiplier      decimal.Decimal `json:"multiplier"`
	Role            string          `json:"applies_to_role,omitempty" validate:"omitempty,oneof=technician seller driver"`
	CalculationType string          `json:"calculation_type,omitempty"`
	StartsOn        string          `json:"starts_on" validate:"required,datetime=2006-01-02"`
	EndsOn          string          `json:"ends_on" validate:"required,datetime=2006-01-02"`
	Active          *bool           `json:"active,omitempty"`
}

// Catalog is a set of rule and campaign definitions loaded together.
type Catalog struct {
	Rules     []RuleJSON     `json:"rules"`
	Campaigns []CampaignJSON `json:"campaigns"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseRule parses a JSON rule definition.
func ParseRule(data []byte) (commission.Rule, error) {
	var rj RuleJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return commission.Rule{}, fmt.Errorf("failed to parse rule JSON: %w", err)
	}
	return rj.ToRule(), nil
}

// ParseCatalogJSON parses a JSON catalog.
func ParseCatalogJSON(data []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return &c, nil
}

// ParseCatalogYAML parses a YAML catalog. The document is decoded generically
// and re-encoded as JSON so both formats share one schema and one set of
// decimal decoders.
func ParseCatalogYAML(data []byte) (*Catalog, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	if doc == nil {
		return &Catalog{}, nil
	}
	raw, err := json.Marshal(normalizeYAML(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to convert catalog YAML: %w", err)
	}
	return ParseCatalogJSON(raw)
}

// normalizeYAML turns YAML-only shapes into JSON-encodable ones. Dates become
// YYYY-MM-DD strings; non-string map keys are stringified.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	case time.Time:
		return t.Format(dateLayout)
	}
	return v
}

// ToRule converts the JSON form to a commission.Rule. Validation is left to
// the RuleCatalog.
func (rj RuleJSON) ToRule() commission.Rule {
	r := commission.Rule{
		ID:              commission.RuleID(rj.ID),
		Name:            rj.Name,
		UserID:          commission.UserID(rj.UserID),
		Role:            commission.Role(rj.Role),
		CalculationType: commission.CalculationType(rj.CalculationType),
		Value:           rj.Value,
		Priority:        rj.Priority,
		AppliesTo:       commission.AppliesTo(rj.AppliesTo),
		AppliesWhen:     commission.Trigger(rj.AppliesWhen),
		SourceFilter:    rj.SourceFilter,
		Formula:         rj.Formula,
		Exclusive:       rj.Exclusive,
		Active:          rj.Active == nil || *rj.Active,
	}
	if r.AppliesTo == "" {
		r.AppliesTo = commission.AppliesToAll
	}
	for _, t := range rj.Tiers {
		r.Tiers = append(r.Tiers, commission.Tier{UpTo: t.UpTo, Percent: t.Percent})
	}
	return r
}

// RuleToJSON converts a rule back to its JSON form.
func RuleToJSON(r commission.Rule) RuleJSON {
	active := r.Active
	rj := RuleJSON{
		ID:              string(r.ID),
		Name:            r.Name,
		Role:            string(r.Role),
		UserID:          string(r.UserID),
		CalculationType: string(r.CalculationType),
		Value:           r.Value,
		Priority:        r.Priority,
		AppliesTo:       string(r.AppliesTo),
		AppliesWhen:     string(r.AppliesWhen),
		SourceFilter:    r.SourceFilter,
		Formula:         r.Formula,
		Exclusive:       r.Exclusive,
		Active:          &active,
	}
	for _, t := range r.Tiers {
		rj.Tiers = append(rj.Tiers, TierJSON{UpTo: t.UpTo, Percent: t.Percent})
	}
	return rj
}

// ToCampaign converts the JSON form to a commission.Campaign.
func (cj CampaignJSON) ToCampaign() (commission.Campaign, error) {
	var v commission.ValidationError
	starts, err := time.Parse(dateLayout, cj.StartsOn)
	if err != nil {
		v.Add("starts_on", "must be a YYYY-MM-DD date")
	}
	ends, err := time.Parse(dateLayout, cj.EndsOn)
	if err != nil {
		v.Add("ends_on", "must be a YYYY-MM-DD date")
	}
	if err := v.Err(); err != nil {
		return commission.Campaign{}, err
	}
	return commission.Campaign{
		ID:              commission.CampaignID(cj.ID),
		Name:            cj.Name,
		Multiplier:      cj.Multiplier,
		Role:            commission.Role(cj.Role),
		CalculationType: commission.CalculationType(cj.CalculationType),
		StartsOn:        starts,
		EndsOn:          ends,
		Active:          cj.Active == nil || *cj.Active,
	}, nil
}

// =============================================================================
// APPLY
// =============================================================================

// AppliedCatalog reports what Apply stored.
type AppliedCatalog struct {
	Rules     []commission.Rule
	Campaigns []commission.Campaign
}

// Apply upserts every rule and saves every campaign. It stops at the first
// invalid definition, naming its position in the catalog.
func (c *Catalog) Apply(ctx context.Context, rules *commission.RuleCatalog, campaigns *commission.CampaignRegistry) (*AppliedCatalog, error) {
	out := &AppliedCatalog{}
	for i, rj := range c.Rules {
		r, err := rules.Upsert(ctx, rj.ToRule())
		if err != nil {
			return out, fmt.Errorf("catalog rule %d (%s): %w", i, rj.ID, err)
		}
		out.Rules = append(out.Rules, *r)
	}
	for i, cj := range c.Campaigns {
		cp, err := cj.ToCampaign()
		if err != nil {
			return out, fmt.Errorf("catalog campaign %d (%s): %w", i, cj.Name, err)
		}
		saved, err := campaigns.Save(ctx, cp)
		if err != nil {
			return out, fmt.Errorf("catalog campaign %d (%s): %w", i, cj.Name, err)
		}
		out.Campaigns = append(out.Campaigns, *saved)
	}
	return out, nil
}

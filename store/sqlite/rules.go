package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// RULE STORE
// =============================================================================

type tierRecord struct {
	UpTo    *string `json:"up_to,omitempty"`
	Percent string  `json:"percent"`
}

func encodeTiers(tiers []commission.Tier) (sql.NullString, error) {
	if len(tiers) == 0 {
		return sql.NullString{}, nil
	}
	records := make([]tierRecord, len(tiers))
	for i, t := range tiers {
		records[i].Percent = t.Percent.String()
		if t.UpTo != nil {
			s := t.UpTo.String()
			records[i].UpTo = &s
		}
	}
	b, err := json.Marshal(records)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeTiers(ns sql.NullString) ([]commission.Tier, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var records []tierRecord
	if err := json.Unmarshal([]byte(ns.String), &records); err != nil {
		return nil, fmt.Errorf("decode tiers: %w", err)
	}
	tiers := make([]commission.Tier, len(records))
	for i, r := range records {
		pct, err := parseDecimal(r.Percent)
		if err != nil {
			return nil, err
		}
		tiers[i].Percent = pct
		if r.UpTo != nil {
			upTo, err := parseDecimal(*r.UpTo)
			if err != nil {
				return nil, err
			}
			tiers[i].UpTo = &upTo
		}
	}
	return tiers, nil
}

// SaveRule inserts or replaces a rule.
func (c *conn) SaveRule(ctx context.Context, r commission.Rule) error {
	tiers, err := encodeTiers(r.Tiers)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO commission_rules
		(id, name, user_id, role, calculation_type, value, priority, applies_to, applies_when,
		 source_filter, tiers_json, formula, exclusive, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			user_id = excluded.user_id,
			role = excluded.role,
			calculation_type = excluded.calculation_type,
			value = excluded.value,
			priority = excluded.priority,
			applies_to = excluded.applies_to,
			applies_when = excluded.applies_when,
			source_filter = excluded.source_filter,
			tiers_json = excluded.tiers_json,
			formula = excluded.formula,
			exclusive = excluded.exclusive,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	_, err = c.q.ExecContext(ctx, query,
		r.ID, r.Name, nullString(string(r.UserID)), r.Role, r.CalculationType, r.Value.String(),
		r.Priority, r.AppliesTo, r.AppliesWhen, nullString(r.SourceFilter), tiers,
		nullString(r.Formula), boolInt(r.Exclusive), boolInt(r.Active),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

const ruleColumns = `id, name, user_id, role, calculation_type, value, priority, applies_to, applies_when,
	source_filter, tiers_json, formula, exclusive, active, created_at, updated_at`

func scanRule(row rowScanner) (commission.Rule, error) {
	var (
		r                    commission.Rule
		userID, sourceFilter sql.NullString
		tiers, formula       sql.NullString
		value                string
		exclusive, active    int
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.Name, &userID, &r.Role, &r.CalculationType, &value, &r.Priority,
		&r.AppliesTo, &r.AppliesWhen, &sourceFilter, &tiers, &formula, &exclusive, &active,
		&createdAt, &updatedAt)
	if err != nil {
		return r, err
	}
	r.UserID = commission.UserID(userID.String)
	r.SourceFilter = sourceFilter.String
	r.Formula = formula.String
	r.Exclusive = exclusive == 1
	r.Active = active == 1
	if r.Value, err = parseDecimal(value); err != nil {
		return r, err
	}
	if r.Tiers, err = decodeTiers(tiers); err != nil {
		return r, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, err
	}
	r.UpdatedAt, err = parseTime(updatedAt)
	return r, err
}

func (c *conn) GetRule(ctx context.Context, id commission.RuleID) (*commission.Rule, error) {
	r, err := scanRule(c.q.QueryRowContext(ctx,
		"SELECT "+ruleColumns+" FROM commission_rules WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &r, nil
}

// ListRules returns rules ordered by priority desc, id asc.
func (c *conn) ListRules(ctx context.Context, filter commission.RuleFilter) ([]commission.Rule, error) {
	var w where
	if filter.Role != "" {
		w.add("role = ?", filter.Role)
	}
	if filter.Trigger != "" {
		w.add("applies_when = ?", filter.Trigger)
	}
	if filter.UserID != "" {
		w.add("user_id = ?", filter.UserID)
	}
	if filter.ActiveOnly {
		w.add("active = 1")
	}
	rows, err := c.q.QueryContext(ctx,
		"SELECT "+ruleColumns+" FROM commission_rules"+w.String()+" ORDER BY priority DESC, id ASC", w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []commission.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (c *conn) DeleteRule(ctx context.Context, id commission.RuleID) error {
	_, err := c.q.ExecContext(ctx, "DELETE FROM commission_rules WHERE id = ?", id)
	return err
}

// =============================================================================
// CAMPAIGN STORE
// =============================================================================

func (c *conn) SaveCampaign(ctx context.Context, cp commission.Campaign) error {
	query := `
		INSERT INTO commission_campaigns
		(id, name, multiplier, role, calculation_type, starts_on, ends_on, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			multiplier = excluded.multiplier,
			role = excluded.role,
			calculation_type = excluded.calculation_type,
			starts_on = excluded.starts_on,
			ends_on = excluded.ends_on,
			active = excluded.active
	`
	_, err := c.q.ExecContext(ctx, query,
		cp.ID, cp.Name, cp.Multiplier.String(), nullString(string(cp.Role)),
		nullString(string(cp.CalculationType)), formatTime(cp.StartsOn), formatTime(cp.EndsOn),
		boolInt(cp.Active), formatTime(cp.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save campaign: %w", err)
	}
	return nil
}

const campaignColumns = `id, name, multiplier, role, calculation_type, starts_on, ends_on, active, created_at`

func scanCampaign(row rowScanner) (commission.Campaign, error) {
	var (
		cp                          commission.Campaign
		multiplier                  string
		role, calc                  sql.NullString
		startsOn, endsOn, createdAt string
		active                      int
	)
	if err := row.Scan(&cp.ID, &cp.Name, &multiplier, &role, &calc, &startsOn, &endsOn, &active, &createdAt); err != nil {
		return cp, err
	}
	cp.Role = commission.Role(role.String)
	cp.CalculationType = commission.CalculationType(calc.String)
	cp.Active = active == 1
	var err error
	if cp.Multiplier, err = decimal.NewFromString(multiplier); err != nil {
		return cp, fmt.Errorf("parse multiplier: %w", err)
	}
	if cp.StartsOn, err = parseTime(startsOn); err != nil {
		return cp, err
	}
	if cp.EndsOn, err = parseTime(endsOn); err != nil {
		return cp, err
	}
	cp.CreatedAt, err = parseTime(createdAt)
	return cp, err
}

func (c *conn) GetCampaign(ctx context.Context, id commission.CampaignID) (*commission.Campaign, error) {
	cp, err := scanCampaign(c.q.QueryRowContext(ctx,
		"SELECT "+campaignColumns+" FROM commission_campaigns WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return &cp, nil
}

func (c *conn) ListCampaigns(ctx context.Context) ([]commission.Campaign, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT "+campaignColumns+" FROM commission_campaigns ORDER BY starts_on ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []commission.Campaign
	for rows.Next() {
		cp, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, cp)
	}
	return campaigns, rows.Err()
}

func (c *conn) DeleteCampaign(ctx context.Context, id commission.CampaignID) error {
	_, err := c.q.ExecContext(ctx, "DELETE FROM commission_campaigns WHERE id = ?", id)
	return err
}

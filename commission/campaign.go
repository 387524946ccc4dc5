package commission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CAMPAIGN - temporary multiplier on top of a rule's computed amount
// =============================================================================

// Campaign multiplies commissions for sources that occur between StartsOn and
// EndsOn (both inclusive, compared by calendar day). Empty Role or
// CalculationType match every role or type.
type Campaign struct {
	ID              CampaignID
	Name            string
	Multiplier      decimal.Decimal
	Role            Role
	CalculationType CalculationType
	StartsOn        time.Time
	EndsOn          time.Time
	Active          bool
	CreatedAt       time.Time
}

func (c Campaign) Validate() error {
	var v ValidationError
	if strings.TrimSpace(c.Name) == "" {
		v.Add("name", "is required")
	}
	if !c.Multiplier.IsPositive() {
		v.Add("multiplier", "must be greater than zero")
	}
	if c.Role != "" && !c.Role.Valid() {
		v.Add("applies_to_role", fmt.Sprintf("unknown role %q", c.Role))
	}
	if c.CalculationType != "" && !c.CalculationType.Valid() {
		v.Add("calculation_type", fmt.Sprintf("unknown calculation type %q", c.CalculationType))
	}
	if c.StartsOn.IsZero() {
		v.Add("starts_on", "is required")
	}
	if c.EndsOn.IsZero() {
		v.Add("ends_on", "is required")
	} else if c.EndsOn.Before(c.StartsOn) {
		v.Add("ends_on", "must not be before starts_on")
	}
	return v.Err()
}

// Applies reports whether the campaign covers a commission for role/calc on day at.
func (c Campaign) Applies(role Role, calc CalculationType, at time.Time) bool {
	if !c.Active {
		return false
	}
	if c.Role != "" && c.Role != role {
		return false
	}
	if c.CalculationType != "" && c.CalculationType != calc {
		return false
	}
	day := truncateDay(at)
	return !day.Before(truncateDay(c.StartsOn)) && !day.After(truncateDay(c.EndsOn))
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// bestCampaign picks the largest multiplier among the applicable campaigns.
// Ties go to the campaign listed first.
func bestCampaign(campaigns []Campaign, role Role, calc CalculationType, at time.Time) *Campaign {
	var best *Campaign
	for i := range campaigns {
		c := &campaigns[i]
		if !c.Applies(role, calc, at) {
			continue
		}
		if best == nil || c.Multiplier.GreaterThan(best.Multiplier) {
			best = c
		}
	}
	return best
}

// =============================================================================
// CAMPAIGN REGISTRY
// =============================================================================

type CampaignRegistry struct {
	store CampaignStore
	now   Clock
}

func NewCampaignRegistry(store CampaignStore, now Clock) *CampaignRegistry {
	if now == nil {
		now = systemClock
	}
	return &CampaignRegistry{store: store, now: now}
}

// Save validates and stores a campaign, generating an ID if needed.
func (r *CampaignRegistry) Save(ctx context.Context, c Campaign) (*Campaign, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = CampaignID(newID())
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}
	if err := r.store.SaveCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("save campaign %s: %w", c.ID, err)
	}
	return &c, nil
}

func (r *CampaignRegistry) Get(ctx context.Context, id CampaignID) (*Campaign, error) {
	c, err := r.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, notFound(ErrCampaignNotFound, id)
	}
	return c, nil
}

func (r *CampaignRegistry) List(ctx context.Context) ([]Campaign, error) {
	return r.store.ListCampaigns(ctx)
}

func (r *CampaignRegistry) Delete(ctx context.Context, id CampaignID) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return r.store.DeleteCampaign(ctx, id)
}

// Best returns the applicable campaign with the largest multiplier, or nil.
func (r *CampaignRegistry) Best(ctx context.Context, role Role, calc CalculationType, at time.Time) (*Campaign, error) {
	campaigns, err := r.store.ListCampaigns(ctx)
	if err != nil {
		return nil, err
	}
	return bestCampaign(campaigns, role, calc, at), nil
}

package commission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GOAL TRACKER - monthly targets with a bonus event on achievement
// =============================================================================

type GoalStatus string

const (
	GoalActive   GoalStatus = "active"
	GoalAchieved GoalStatus = "achieved"
	GoalMissed   GoalStatus = "missed"
)

type Goal struct {
	ID          GoalID
	UserID      UserID
	Role        Role // optional, recorded on the bonus event
	Period      Period
	Target      decimal.Decimal
	Bonus       decimal.Decimal
	Status      GoalStatus
	EvaluatedAt *time.Time
	CreatedAt   time.Time
}

func (g Goal) Validate() error {
	var v ValidationError
	if g.UserID == "" {
		v.Add("user_id", "is required")
	}
	if g.Role != "" && !g.Role.Valid() {
		v.Add("role", fmt.Sprintf("unknown role %q", g.Role))
	}
	if g.Period.IsZero() {
		v.Add("period", "is required")
	}
	if !g.Target.IsPositive() {
		v.Add("target", "must be greater than zero")
	}
	if !g.Bonus.IsPositive() {
		v.Add("bonus", "must be greater than zero")
	}
	return v.Err()
}

// GoalFilter narrows ListGoals. Zero fields match everything.
type GoalFilter struct {
	UserID UserID
	Period Period
	Status GoalStatus
}

func (f GoalFilter) Match(g Goal) bool {
	if f.UserID != "" && g.UserID != f.UserID {
		return false
	}
	if !f.Period.IsZero() && g.Period != f.Period {
		return false
	}
	if f.Status != "" && g.Status != f.Status {
		return false
	}
	return true
}

// GoalProgress compares what a user earned in the goal's period to its target.
type GoalProgress struct {
	Goal      Goal
	Earned    decimal.Decimal
	Remaining decimal.Decimal
	Percent   decimal.Decimal
}

// GoalEvaluation is the outcome of evaluating one period.
type GoalEvaluation struct {
	Period   Period
	Achieved int
	Missed   int
	Bonuses  int // bonus events actually inserted
}

type GoalTracker struct {
	store  TxStore
	now    Clock
	logger *slog.Logger
}

func NewGoalTracker(store TxStore, now Clock, logger *slog.Logger) *GoalTracker {
	if now == nil {
		now = systemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GoalTracker{store: store, now: now, logger: logger}
}

func (t *GoalTracker) Save(ctx context.Context, g Goal) (*Goal, error) {
	if g.Status == "" {
		g.Status = GoalActive
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if g.ID == "" {
		g.ID = GoalID(newID())
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = t.now()
	}
	if err := t.store.SaveGoal(ctx, g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (t *GoalTracker) Get(ctx context.Context, id GoalID) (*Goal, error) {
	g, err := t.store.GetGoal(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, notFound(ErrGoalNotFound, id)
	}
	return g, nil
}

func (t *GoalTracker) List(ctx context.Context, filter GoalFilter) ([]Goal, error) {
	return t.store.ListGoals(ctx, filter)
}

func (t *GoalTracker) Progress(ctx context.Context, id GoalID) (*GoalProgress, error) {
	g, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	earned, err := t.earned(ctx, t.store, *g)
	if err != nil {
		return nil, err
	}
	p := &GoalProgress{Goal: *g, Earned: earned, Remaining: decimal.Max(decimal.Zero, g.Target.Sub(earned))}
	p.Percent = earned.Div(g.Target).Mul(hundred).Round(1)
	return p, nil
}

// Evaluate settles every active goal of a finished period: achieved goals get
// a pending bonus event, the rest are marked missed. Re-running is harmless.
func (t *GoalTracker) Evaluate(ctx context.Context, period Period) (*GoalEvaluation, error) {
	if period.IsZero() {
		return nil, NewValidationError("period", "is required")
	}
	now := t.now()
	if now.Before(period.End()) {
		return nil, NewValidationError("period", fmt.Sprintf("%s has not ended yet", period))
	}

	goals, err := t.store.ListGoals(ctx, GoalFilter{Period: period, Status: GoalActive})
	if err != nil {
		return nil, err
	}
	res := &GoalEvaluation{Period: period}
	for _, g := range goals {
		if err := t.settle(ctx, g.ID, now, res); err != nil {
			return res, err
		}
	}
	t.logger.Info("goals evaluated", "period", period.String(),
		"achieved", res.Achieved, "missed", res.Missed, "bonuses", res.Bonuses)
	return res, nil
}

// settle re-reads the goal inside a transaction and decides it once; a goal
// another evaluation already decided is left alone.
func (t *GoalTracker) settle(ctx context.Context, id GoalID, now time.Time, res *GoalEvaluation) error {
	return t.store.WithTx(ctx, func(s Store) error {
		g, err := s.GetGoal(ctx, id)
		if err != nil || g == nil || g.Status != GoalActive {
			return err
		}
		earned, err := t.earned(ctx, s, *g)
		if err != nil {
			return err
		}
		g.EvaluatedAt = &now
		bonuses := 0
		if earned.LessThan(g.Target) {
			g.Status = GoalMissed
		} else {
			rec, err := recordEvents(ctx, s, []Event{bonusEvent(*g, earned)}, now)
			if err != nil {
				return err
			}
			bonuses = len(rec.Inserted)
			g.Status = GoalAchieved
		}
		if err := s.SaveGoal(ctx, *g); err != nil {
			return err
		}
		if g.Status == GoalAchieved {
			res.Achieved++
		} else {
			res.Missed++
		}
		res.Bonuses += bonuses
		return nil
	})
}

// earned sums the user's earning events in the goal period, excluding bonuses.
func (t *GoalTracker) earned(ctx context.Context, s EventStore, g Goal) (decimal.Decimal, error) {
	events, err := s.ListEvents(ctx, EventFilter{UserID: g.UserID, From: g.Period.Start(), To: g.Period.End()})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range events {
		if e.Status.Earning() && e.Origin != OriginGoal {
			total = total.Add(e.CommissionAmount)
		}
	}
	return total, nil
}

func bonusEvent(g Goal, earned decimal.Decimal) Event {
	return Event{
		RuleID:           RuleID("goal:" + string(g.ID)),
		SourceID:         SourceID(fmt.Sprintf("goal:%s:%s", g.ID, g.Period)),
		UserID:           g.UserID,
		Role:             g.Role,
		Origin:           OriginGoal,
		BaseAmount:       RoundCurrency(earned),
		CommissionAmount: RoundCurrency(g.Bonus),
		Proportion:       one,
		Status:           EventPending,
		ClaimsSource:     true,
		Notes:            fmt.Sprintf("goal bonus for %s: earned %s of %s", g.Period, earned.StringFixed(CurrencyPlaces), g.Target.StringFixed(CurrencyPlaces)),
		EffectiveAt:      g.Period.End().Add(-time.Second),
	}
}

// Package store provides an in-memory commission.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type claimKey struct {
	RuleID   commission.RuleID
	SourceID commission.SourceID
	UserID   commission.UserID
}

type settlementKey struct {
	UserID commission.UserID
	Period commission.Period
}

// state holds the data and implements commission.Store without locking.
// Callers hold Memory.mu.
type state struct {
	rules       map[commission.RuleID]commission.Rule
	campaigns   map[commission.CampaignID]commission.Campaign
	sources     map[commission.SourceID]commission.SourceEvent
	events      map[commission.EventID]commission.Event
	claims      map[claimKey]commission.EventID
	splits      []commission.Split
	settlements map[commission.SettlementID]commission.Settlement
	byPeriod    map[settlementKey]commission.SettlementID
	disputes    map[commission.DisputeID]commission.Dispute
	goals       map[commission.GoalID]commission.Goal
	recurring   map[commission.RecurringID]commission.RecurringCommission
}

func newState() *state {
	return &state{
		rules:       make(map[commission.RuleID]commission.Rule),
		campaigns:   make(map[commission.CampaignID]commission.Campaign),
		sources:     make(map[commission.SourceID]commission.SourceEvent),
		events:      make(map[commission.EventID]commission.Event),
		claims:      make(map[claimKey]commission.EventID),
		settlements: make(map[commission.SettlementID]commission.Settlement),
		byPeriod:    make(map[settlementKey]commission.SettlementID),
		disputes:    make(map[commission.DisputeID]commission.Dispute),
		goals:       make(map[commission.GoalID]commission.Goal),
		recurring:   make(map[commission.RecurringID]commission.RecurringCommission),
	}
}

// clone copies every map. Values are stored by value so a shallow copy of
// each map is enough for rollback.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.rules {
		c.rules[k] = v
	}
	for k, v := range s.campaigns {
		c.campaigns[k] = v
	}
	for k, v := range s.sources {
		c.sources[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.claims {
		c.claims[k] = v
	}
	c.splits = append([]commission.Split(nil), s.splits...)
	for k, v := range s.settlements {
		c.settlements[k] = v
	}
	for k, v := range s.byPeriod {
		c.byPeriod[k] = v
	}
	for k, v := range s.disputes {
		c.disputes[k] = v
	}
	for k, v := range s.goals {
		c.goals[k] = v
	}
	for k, v := range s.recurring {
		c.recurring[k] = v
	}
	return c
}

// --- rules ---

func (s *state) SaveRule(_ context.Context, r commission.Rule) error {
	s.rules[r.ID] = r
	return nil
}

func (s *state) GetRule(_ context.Context, id commission.RuleID) (*commission.Rule, error) {
	r, ok := s.rules[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *state) ListRules(_ context.Context, filter commission.RuleFilter) ([]commission.Rule, error) {
	var out []commission.Rule
	for _, r := range s.rules {
		if filter.Match(r) {
			out = append(out, r)
		}
	}
	commission.SortRules(out)
	return out, nil
}

func (s *state) DeleteRule(_ context.Context, id commission.RuleID) error {
	if _, ok := s.rules[id]; !ok {
		return commission.ErrRuleNotFound
	}
	delete(s.rules, id)
	return nil
}

// --- campaigns ---

func (s *state) SaveCampaign(_ context.Context, c commission.Campaign) error {
	s.campaigns[c.ID] = c
	return nil
}

func (s *state) GetCampaign(_ context.Context, id commission.CampaignID) (*commission.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *state) ListCampaigns(_ context.Context) ([]commission.Campaign, error) {
	out := make([]commission.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsOn.Equal(out[j].StartsOn) {
			return out[i].StartsOn.Before(out[j].StartsOn)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) DeleteCampaign(_ context.Context, id commission.CampaignID) error {
	if _, ok := s.campaigns[id]; !ok {
		return commission.ErrCampaignNotFound
	}
	delete(s.campaigns, id)
	return nil
}

// --- sources ---

func (s *state) SaveSource(_ context.Context, src commission.SourceEvent) error {
	s.sources[src.ID] = src
	return nil
}

func (s *state) GetSource(_ context.Context, id commission.SourceID) (*commission.SourceEvent, error) {
	src, ok := s.sources[id]
	if !ok {
		return nil, nil
	}
	return &src, nil
}

func (s *state) ListSources(_ context.Context, filter commission.SourceFilter) ([]commission.SourceEvent, error) {
	var out []commission.SourceEvent
	for _, src := range s.sources {
		if filter.Match(src) {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- events ---

func keyOf(e commission.Event) claimKey {
	return claimKey{RuleID: e.RuleID, SourceID: e.SourceID, UserID: e.UserID}
}

func (s *state) InsertEvent(_ context.Context, e commission.Event) error {
	if _, ok := s.events[e.ID]; ok {
		return &commission.DuplicateEventError{RuleID: e.RuleID, SourceID: e.SourceID, UserID: e.UserID}
	}
	if e.ClaimsSource {
		if _, taken := s.claims[keyOf(e)]; taken {
			return &commission.DuplicateEventError{RuleID: e.RuleID, SourceID: e.SourceID, UserID: e.UserID}
		}
		s.claims[keyOf(e)] = e.ID
	}
	s.events[e.ID] = e
	return nil
}

func (s *state) UpdateEvent(_ context.Context, e commission.Event) error {
	prev, ok := s.events[e.ID]
	if !ok {
		return commission.ErrEventNotFound
	}
	k := keyOf(e)
	switch {
	case prev.ClaimsSource && !e.ClaimsSource:
		delete(s.claims, keyOf(prev))
	case !prev.ClaimsSource && e.ClaimsSource:
		if owner, taken := s.claims[k]; taken && owner != e.ID {
			return &commission.DuplicateEventError{RuleID: e.RuleID, SourceID: e.SourceID, UserID: e.UserID}
		}
		s.claims[k] = e.ID
	}
	s.events[e.ID] = e
	return nil
}

func (s *state) GetEvent(_ context.Context, id commission.EventID) (*commission.Event, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *state) ListEvents(_ context.Context, filter commission.EventFilter) ([]commission.Event, error) {
	var out []commission.Event
	for _, e := range s.events {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	sortEvents(out)
	return out, nil
}

func sortEvents(events []commission.Event) {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.EffectiveAt.Equal(b.EffectiveAt) {
			return a.EffectiveAt.Before(b.EffectiveAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (s *state) ClaimEvents(_ context.Context, ids []commission.EventID, settlementID commission.SettlementID) error {
	for _, id := range ids {
		e, ok := s.events[id]
		if !ok || e.Status != commission.EventApproved || e.SettlementID != "" {
			return commission.ErrConcurrentModification
		}
	}
	for _, id := range ids {
		e := s.events[id]
		e.SettlementID = settlementID
		s.events[id] = e
	}
	return nil
}

func (s *state) ReleaseEvents(_ context.Context, settlementID commission.SettlementID) (int, error) {
	n := 0
	for id, e := range s.events {
		if e.SettlementID == settlementID && e.Status == commission.EventApproved {
			e.SettlementID = ""
			s.events[id] = e
			n++
		}
	}
	return n, nil
}

func (s *state) MarkEventsPaid(_ context.Context, settlementID commission.SettlementID, at time.Time) (int, error) {
	n := 0
	for id, e := range s.events {
		if e.SettlementID == settlementID && e.Status == commission.EventApproved {
			paidAt := at
			e.Status = commission.EventPaid
			e.PaidAt = &paidAt
			e.UpdatedAt = at
			s.events[id] = e
			n++
		}
	}
	return n, nil
}

// --- splits ---

func (s *state) InsertSplit(_ context.Context, sp commission.Split) error {
	s.splits = append(s.splits, sp)
	return nil
}

func (s *state) ListSplits(_ context.Context, parent commission.EventID) ([]commission.Split, error) {
	var out []commission.Split
	for _, sp := range s.splits {
		if sp.ParentEventID == parent {
			out = append(out, sp)
		}
	}
	return out, nil
}

// --- settlements ---

func (s *state) InsertSettlement(_ context.Context, st commission.Settlement) error {
	k := settlementKey{UserID: st.UserID, Period: st.Period}
	if _, ok := s.byPeriod[k]; ok {
		return commission.ErrDuplicateSettlement
	}
	if _, ok := s.settlements[st.ID]; ok {
		return commission.ErrDuplicateSettlement
	}
	s.settlements[st.ID] = st
	s.byPeriod[k] = st.ID
	return nil
}

func (s *state) UpdateSettlement(_ context.Context, st commission.Settlement, expected commission.SettlementStatus) error {
	prev, ok := s.settlements[st.ID]
	if !ok {
		return commission.ErrSettlementNotFound
	}
	if prev.Status != expected {
		return commission.ErrConcurrentModification
	}
	s.settlements[st.ID] = st
	return nil
}

func (s *state) GetSettlement(_ context.Context, id commission.SettlementID) (*commission.Settlement, error) {
	st, ok := s.settlements[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *state) FindSettlement(ctx context.Context, user commission.UserID, period commission.Period) (*commission.Settlement, error) {
	id, ok := s.byPeriod[settlementKey{UserID: user, Period: period}]
	if !ok {
		return nil, nil
	}
	return s.GetSettlement(ctx, id)
}

func (s *state) ListSettlements(_ context.Context, filter commission.SettlementFilter) ([]commission.Settlement, error) {
	var out []commission.Settlement
	for _, st := range s.settlements {
		if filter.Match(st) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Period != out[j].Period {
			return out[j].Period.After(out[i].Period)
		}
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- disputes ---

func (s *state) InsertDispute(_ context.Context, d commission.Dispute) error {
	if d.Status == commission.DisputeOpen {
		for _, other := range s.disputes {
			if other.EventID == d.EventID && other.Status == commission.DisputeOpen {
				return commission.ErrDisputeAlreadyOpen
			}
		}
	}
	s.disputes[d.ID] = d
	return nil
}

func (s *state) UpdateDispute(_ context.Context, d commission.Dispute, expected commission.DisputeStatus) error {
	prev, ok := s.disputes[d.ID]
	if !ok {
		return commission.ErrDisputeNotFound
	}
	if prev.Status != expected {
		return commission.ErrConcurrentModification
	}
	s.disputes[d.ID] = d
	return nil
}

func (s *state) GetDispute(_ context.Context, id commission.DisputeID) (*commission.Dispute, error) {
	d, ok := s.disputes[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *state) ListDisputes(_ context.Context, filter commission.DisputeFilter) ([]commission.Dispute, error) {
	var out []commission.Dispute
	for _, d := range s.disputes {
		if filter.Match(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- goals ---

func (s *state) SaveGoal(_ context.Context, g commission.Goal) error {
	s.goals[g.ID] = g
	return nil
}

func (s *state) GetGoal(_ context.Context, id commission.GoalID) (*commission.Goal, error) {
	g, ok := s.goals[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (s *state) ListGoals(_ context.Context, filter commission.GoalFilter) ([]commission.Goal, error) {
	var out []commission.Goal
	for _, g := range s.goals {
		if filter.Match(g) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Period != out[j].Period {
			return out[j].Period.After(out[i].Period)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- recurring ---

func (s *state) SaveRecurring(_ context.Context, r commission.RecurringCommission) error {
	s.recurring[r.ID] = r
	return nil
}

func (s *state) GetRecurring(_ context.Context, id commission.RecurringID) (*commission.RecurringCommission, error) {
	r, ok := s.recurring[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *state) ListRecurring(_ context.Context, activeOnly bool) ([]commission.RecurringCommission, error) {
	var out []commission.RecurringCommission
	for _, r := range s.recurring {
		if !activeOnly || r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// Memory is a mutex-guarded commission.TxStore. Every call, and every WithTx
// callback as a whole, runs under one lock, so transactions are serialized.
type Memory struct {
	mu    sync.Mutex
	state *state
}

var _ commission.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(commission.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newState()
	return nil
}

func (m *Memory) locked(fn func(s *state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

func (m *Memory) SaveRule(ctx context.Context, r commission.Rule) error {
	return m.locked(func(s *state) error { return s.SaveRule(ctx, r) })
}

func (m *Memory) GetRule(ctx context.Context, id commission.RuleID) (out *commission.Rule, err error) {
	err = m.locked(func(s *state) error { out, err = s.GetRule(ctx, id); return err })
	return out, err
}

func (m *Memory) ListRules(ctx context.Context, f commission.RuleFilter) (out []commission.Rule, err error) {
	err = m.locked(func(s *state) error { out, err = s.ListRules(ctx, f); return err })
	return out, err
}

func (m *Memory) DeleteRule(ctx context.Context, id commission.RuleID) error {
	return m.locked(func(s *state) error { return s.DeleteRule(ctx, id) })
}

func (m *Memory) SaveCampaign(ctx context.Context, c commission.Campaign) error {
	return m.locked(func(s *state) error { return s.SaveCampaign(ctx, c) })
}

func (m *Memory) GetCampaign(ctx context.Context, id commission.CampaignID) (out *commission.Campaign, err error) {
	err = m.locked(func(s *state) error { out, err = s.GetCampaign(ctx, id); return err })
	return out, err
}

func (m *Memory) ListCampaigns(ctx context.Context) (out []commission.Campaign, err error) {
	err = m.locked(func(s *state) error { out, err = s.ListCampaigns(ctx); return err })
	return out, err
}

func (m *Memory) DeleteCampaign(ctx context.Context, id commission.CampaignID) error {
	return m.locked(func(s *state) error { return s.DeleteCampaign(ctx, id) })
}

func (m *Memory) SaveSource(ctx context.Context, src commission.SourceEvent) error {
	return m.locked(func(s *state) error { return s.SaveSource(ctx, src) })
}

func (m *Memory) GetSource(ctx context.Context, id commission.SourceID) (out *commission.SourceEvent, err error) {
	err = m.locked(func(s *state) error { out, err = s.GetSource(ctx, id); return err })
	return out, err
}

func (m *Memory) ListSources(ctx context.Context, f commission.SourceFilter) (out []commission.SourceEvent, err error) {
	err = m.locked(func(s *state) error { out, err = s.ListSources(ctx, f); return err })
	return out, err
}

func (m *Memory) InsertEvent(ctx context.Context, e commission.Event) error {
	return m.locked(func(s *state) error { return s.InsertEvent(ctx, e) })
}

func (m *Memory) UpdateEvent(ctx context.Context, e commission.Event) error {
	return m.locked(func(s *state) error { return s.UpdateEvent(ctx, e) })
}

func (m *Memory) GetEvent(ctx context.Context, id commission.EventID) (out *commission.Event, err error) {
	err = m.locked(func(s *state) error { out, err = s.GetEvent(ctx, id); return err })
	return out, err
}

func (m *Memory) ListEvents(ctx context.Context, f commission.EventFilter) (out []commission.Event, err error) {
	err = m.locked(func(s *state) error { out, err = s.ListEvents(ctx, f); return err })
	return out, err
}

func (m *Memory) ClaimEvents(ctx context.Context, ids []commission.EventID, id commission.SettlementID) error {
	return m.locked(func(s *state) error { return s.ClaimEvents(ctx, ids, id) })
}

func (m *Memory) ReleaseEvents(ctx context.Context, id commission.SettlementID) (n int, err error) {
	err = m.locked(func(s *state) error { n, err = s.ReleaseEvents(ctx, id); return err })
	return n, err
}

func (m *Memory) MarkEventsPaid(ctx context.Context, id commission.SettlementID, at time.Time) (n int, err error) {
	err = m.locked(func(s *state) error { n, err = s.MarkEventsPaid(ctx, id, at); return err })
	return n, err
}

func (m *Memory) InsertSplit(ctx context.Context, sp commission.Split) error {
	return m.locked(func(s *state) error { return s.InsertSplit(ctx, sp) })
}

func (m *Memory) ListSplits(ctx context.Context, parent commission.EventID) (out []commission.Split, err error) {
	err = m.locked(func(s *state) error { out, err = s.ListSplits(ctx, parent); return err })
	return out, err
}

func (m *Memory) InsertSettlement(ctx context.Context, st commission.Settlement) error {
	return m.locked(func(s *state) error { return s.InsertSettlement(ctx, st) })
}

func (m *Memory) UpdateSettlement(ctx context.Context, st commission.Settlement, expected commission.SettlementStatus) error {
	return m.locked(func(s *state) error { return s.UpdateSettlement(ctx, st, expected) })
}

func (m *Memory) GetSettlement(ctx context.Context, id commission.SettlementID) (out *commission.Settlement, err error) {
	err = m.locked(func(s *state) error { out, err = s.GetSettlement(ctx, id); return err })
	return out, err
}

func (m *Memory) FindSettlement(ctx context.Context, user commission.UserID, period commission.Period) (out *commission.Settlement, err error) {
	err = m.locked(func(s *state) error { out, err = s.FindSettlement(ctx, user, period); return err })
	return out, err
}

func (m *Memory) ListSettlements(ctx context.Context, f commission.SettlementFilter) (out []commission.Settlement, err error) {
	err = m.locked(func(s *state) error { out, err = s.ListSettlements(ctx, f); return err })
	return out, err
}

func (m *Memory) InsertDispute(ctx context.Context, d commission.Dispute) error {
	return m.locked(func(s *state) error { return s.InsertDispute(ctx, d) })
}

func (m *Memory) UpdateDispute(ctx context.Context, d commission.Dispute, expected commission.DisputeStatus) error {
	return m.locked(func(s *state) error { return s.UpdateDispute(ctx, d, expected) })
}

func (m *Memory) GetDispute(ctx context.Context, id commission.DisputeID) (out *commission.Dispute, err error) {
	err = m.locked(func(s *state) error { out, err = s.GetDispute(ctx, id); return err })
	return out, err
}

func (m *Memory) ListDisputes(ctx context.Context, f commission.DisputeFilter) (out []commission.Dispute, err error) {
	err = m.locked(func(s *state) error { out, err = s.ListDisputes(ctx, f); return err })
	return out, err
}

func (m *Memory) SaveGoal(ctx context.Context, g commission.Goal) error {
	return m.locked(func(s *state) error { return s.SaveGoal(ctx, g) })
}

func (m *Memory) GetGoal(ctx context.Context, id commission.GoalID) (out *commission.Goal, err error) {
	err = m.locked(func(s *state) error { out, err = s.GetGoal(ctx, id); return err })
	return out, err
}

func (m *Memory) ListGoals(ctx context.Context, f commission.GoalFilter) (out []commission.Goal, err error) {
	err = m.locked(func(s *state) error { out, err = s.ListGoals(ctx, f); return err })
	return out, err
}

func (m *Memory) SaveRecurring(ctx context.Context, r commission.RecurringCommission) error {
	return m.locked(func(s *state) error { return s.SaveRecurring(ctx, r) })
}

func (m *Memory) GetRecurring(ctx context.Context, id commission.RecurringID) (out *commission.RecurringCommission, err error) {
	err = m.locked(func(s *state) error { out, err = s.GetRecurring(ctx, id); return err })
	return out, err
}

func (m *Memory) ListRecurring(ctx context.Context, activeOnly bool) (out []commission.RecurringCommission, err error) {
	err = m.locked(func(s *state) error { out, err = s.ListRecurring(ctx, activeOnly); return err })
	return out, err
}

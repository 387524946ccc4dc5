/*
store.go - Persistence interfaces for the commission engine

PURPOSE:
  Defines the boundary between domain logic and the database. Engine
  components depend only on these interfaces.

KEY INTERFACES:
  RuleStore, CampaignStore, SourceStore   configuration and inputs
  EventStore, SplitStore                  the commission ledger
  SettlementStore, DisputeStore           lifecycle aggregates
  GoalStore, RecurringStore               peripheral generators
  Store                                   all of the above
  TxStore                                 Store + WithTx for atomic units

CONTRACTS:
  - Get* returns (nil, nil) when the row does not exist.
  - InsertEvent returns ErrDuplicateEvent when another event already claims
    the (rule, source, user) tuple. This is the idempotency backstop.
  - UpdateSettlement / UpdateDispute are compare-and-swap on status: they
    return ErrConcurrentModification when the stored status is not expected.
  - ClaimEvents stamps a settlement id on approved, unsettled events and
    returns ErrConcurrentModification if any of them was claimed meanwhile.
  - List* return rows in a deterministic order.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (production)
  - commission/store/memory.go: in-memory (tests, dev)
*/
package commission

import (
	"context"
	"time"
)

type RuleStore interface {
	SaveRule(ctx context.Context, r Rule) error
	GetRule(ctx context.Context, id RuleID) (*Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]Rule, error)
	DeleteRule(ctx context.Context, id RuleID) error
}

type CampaignStore interface {
	SaveCampaign(ctx context.Context, c Campaign) error
	GetCampaign(ctx context.Context, id CampaignID) (*Campaign, error)
	ListCampaigns(ctx context.Context) ([]Campaign, error)
	DeleteCampaign(ctx context.Context, id CampaignID) error
}

type SourceStore interface {
	// SaveSource inserts or replaces a source event by ID.
	SaveSource(ctx context.Context, s SourceEvent) error
	GetSource(ctx context.Context, id SourceID) (*SourceEvent, error)
	ListSources(ctx context.Context, filter SourceFilter) ([]SourceEvent, error)
}

type EventStore interface {
	InsertEvent(ctx context.Context, e Event) error
	UpdateEvent(ctx context.Context, e Event) error
	GetEvent(ctx context.Context, id EventID) (*Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)

	// ClaimEvents assigns settlementID to every listed approved, unsettled event.
	ClaimEvents(ctx context.Context, ids []EventID, settlementID SettlementID) error
	// ReleaseEvents clears the settlement of its approved events; returns the count.
	ReleaseEvents(ctx context.Context, settlementID SettlementID) (int, error)
	// MarkEventsPaid moves the settlement's approved events to paid; returns the count.
	MarkEventsPaid(ctx context.Context, settlementID SettlementID, at time.Time) (int, error)
}

type SplitStore interface {
	InsertSplit(ctx context.Context, s Split) error
	ListSplits(ctx context.Context, parent EventID) ([]Split, error)
}

type SettlementStore interface {
	InsertSettlement(ctx context.Context, s Settlement) error
	UpdateSettlement(ctx context.Context, s Settlement, expected SettlementStatus) error
	GetSettlement(ctx context.Context, id SettlementID) (*Settlement, error)
	FindSettlement(ctx context.Context, user UserID, period Period) (*Settlement, error)
	ListSettlements(ctx context.Context, filter SettlementFilter) ([]Settlement, error)
}

type DisputeStore interface {
	InsertDispute(ctx context.Context, d Dispute) error
	UpdateDispute(ctx context.Context, d Dispute, expected DisputeStatus) error
	GetDispute(ctx context.Context, id DisputeID) (*Dispute, error)
	ListDisputes(ctx context.Context, filter DisputeFilter) ([]Dispute, error)
}

type GoalStore interface {
	SaveGoal(ctx context.Context, g Goal) error
	GetGoal(ctx context.Context, id GoalID) (*Goal, error)
	ListGoals(ctx context.Context, filter GoalFilter) ([]Goal, error)
}

type RecurringStore interface {
	SaveRecurring(ctx context.Context, r RecurringCommission) error
	GetRecurring(ctx context.Context, id RecurringID) (*RecurringCommission, error)
	ListRecurring(ctx context.Context, activeOnly bool) ([]RecurringCommission, error)
}

// Store is every persistence capability the engine needs.
type Store interface {
	RuleStore
	CampaignStore
	SourceStore
	EventStore
	SplitStore
	SettlementStore
	DisputeStore
	GoalStore
	RecurringStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Locker serializes work on one aggregate key (e.g. a settlement).
// The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

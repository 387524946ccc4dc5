package commission

import (
	"fmt"
	"log/slog"
)

// ServiceOptions configures NewService. Zero values pick defaults: the
// default slog logger, an in-process no-op lock and the UTC system clock.
type ServiceOptions struct {
	Logger *slog.Logger
	Locker Locker
	Clock  Clock
}

// Service wires every engine component over one TxStore.
type Service struct {
	Store       TxStore
	Formulas    *FormulaEvaluator
	Rules       *RuleCatalog
	Campaigns   *CampaignRegistry
	Calculator  *CalculationEngine
	Ledger      *EventLedger
	Splits      *SplitAllocator
	Settlements *SettlementEngine
	Disputes    *DisputeResolver
	Batch       *BatchGenerator
	Goals       *GoalTracker
	Recurring   *RecurringCommissionProcessor
	Now         Clock
}

func NewService(store TxStore, opts ServiceOptions) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("commission: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = systemClock
	}

	formulas, err := NewFormulaEvaluator()
	if err != nil {
		return nil, fmt.Errorf("commission: formula environment: %w", err)
	}

	s := &Service{Store: store, Formulas: formulas, Now: now}
	s.Rules = NewRuleCatalog(store, formulas, now)
	s.Campaigns = NewCampaignRegistry(store, now)
	s.Calculator = NewCalculationEngine(s.Rules, s.Campaigns, formulas, logger.With("component", "calculation"))
	s.Ledger = NewEventLedger(store, now, logger.With("component", "ledger"))
	s.Splits = NewSplitAllocator(store, now, logger.With("component", "splits"))
	s.Settlements = NewSettlementEngine(store, opts.Locker, now, logger.With("component", "settlements"))
	s.Disputes = NewDisputeResolver(store, now, logger.With("component", "disputes"))
	s.Batch = NewBatchGenerator(store, s.Calculator, s.Ledger, now, logger.With("component", "batch"))
	s.Goals = NewGoalTracker(store, now, logger.With("component", "goals"))
	s.Recurring = NewRecurringCommissionProcessor(store, s.Ledger, now, logger.With("component", "recurring"))
	return s, nil
}

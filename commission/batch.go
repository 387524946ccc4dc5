/*
batch.go - BatchGenerator: idempotent commission generation over sources

PURPOSE:
  Runs the CalculationEngine over persisted source events and records the
  resulting events. Safe to run repeatedly over overlapping ranges.

IDEMPOTENCY:
  There is no read-then-insert check. Every proposed event is inserted and
  the store's (rule, source, user) claim index rejects tuples that are
  already claimed; those rejections are counted as skipped. Two concurrent
  runs over the same range therefore produce each event exactly once.

SEE ALSO:
  - calculation.go: Compute
  - event.go: EventLedger.Record
*/
package commission

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// BatchRequest selects the sources a batch run covers. OccurredAt must fall
// in [From, To). UserID restricts both the sources and the generated events.
type BatchRequest struct {
	UserID  UserID
	Trigger Trigger
	From    time.Time
	To      time.Time
}

func (r BatchRequest) Validate() error {
	var v ValidationError
	if r.From.IsZero() {
		v.Add("from", "is required")
	}
	if r.To.IsZero() {
		v.Add("to", "is required")
	}
	if !r.From.IsZero() && !r.To.IsZero() && !r.From.Before(r.To) {
		v.Add("to", "must be after from")
	}
	if r.Trigger != "" && !r.Trigger.Valid() {
		v.Add("trigger", fmt.Sprintf("unknown trigger %q", r.Trigger))
	}
	return v.Err()
}

// BatchError records a source that could not be processed.
type BatchError struct {
	SourceID SourceID `json:"source_id"`
	Error    string   `json:"error"`
}

type BatchResult struct {
	SourcesScanned int
	Generated      int
	Skipped        int
	Errors         []BatchError
}

// SourceResult is the outcome of generating commissions for one source.
type SourceResult struct {
	Source      SourceEvent
	Calculation *Calculation
	Recorded    RecordResult
}

type BatchGenerator struct {
	store  TxStore
	engine *CalculationEngine
	ledger *EventLedger
	now    Clock
	logger *slog.Logger
}

func NewBatchGenerator(store TxStore, engine *CalculationEngine, ledger *EventLedger, now Clock, logger *slog.Logger) *BatchGenerator {
	if now == nil {
		now = systemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchGenerator{store: store, engine: engine, ledger: ledger, now: now, logger: logger}
}

// GenerateForRange computes and records commissions for every stored source
// in range. A source that fails with a client error is reported in Errors and
// the run continues; any other error aborts.
func (g *BatchGenerator) GenerateForRange(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sources, err := g.store.ListSources(ctx, SourceFilter{
		Trigger: req.Trigger,
		UserID:  req.UserID,
		From:    req.From,
		To:      req.To,
	})
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	res := &BatchResult{}
	for _, src := range sources {
		res.SourcesScanned++
		calc, err := g.engine.Compute(ctx, src)
		if err != nil {
			if IsClientError(err) {
				res.Errors = append(res.Errors, BatchError{SourceID: src.ID, Error: err.Error()})
				continue
			}
			return res, err
		}
		events := calc.Events(src)
		if req.UserID != "" {
			events = eventsForUser(events, req.UserID)
		}
		rec, err := g.ledger.Record(ctx, events)
		res.Generated += len(rec.Inserted)
		res.Skipped += rec.Skipped
		if err != nil {
			return res, err
		}
	}
	g.logger.Info("batch generation finished",
		"user_id", req.UserID, "from", req.From, "to", req.To,
		"sources", res.SourcesScanned, "generated", res.Generated, "skipped", res.Skipped, "errors", len(res.Errors))
	return res, nil
}

// GenerateForSource persists src and records its commissions. Replaying the
// same source is harmless.
func (g *BatchGenerator) GenerateForSource(ctx context.Context, src SourceEvent) (*SourceResult, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if src.RecordedAt.IsZero() {
		src.RecordedAt = g.now()
	}
	if err := g.store.SaveSource(ctx, src); err != nil {
		return nil, fmt.Errorf("save source %s: %w", src.ID, err)
	}
	calc, err := g.engine.Compute(ctx, src)
	if err != nil {
		return nil, err
	}
	rec, err := g.ledger.Record(ctx, calc.Events(src))
	if err != nil {
		return nil, err
	}
	g.logger.Info("source processed", "source_id", src.ID, "trigger", src.Trigger,
		"proposals", len(calc.Proposals), "inserted", len(rec.Inserted), "skipped", rec.Skipped)
	return &SourceResult{Source: src, Calculation: calc, Recorded: rec}, nil
}

// Simulate runs the CalculationEngine on a stored source without persisting.
func (g *BatchGenerator) Simulate(ctx context.Context, id SourceID) (*Calculation, error) {
	src, err := g.store.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, notFound(ErrSourceNotFound, id)
	}
	return g.engine.Compute(ctx, *src)
}

// SimulateSource is Simulate for a source that has not been stored.
func (g *BatchGenerator) SimulateSource(ctx context.Context, src SourceEvent) (*Calculation, error) {
	return g.engine.Compute(ctx, src)
}

func (g *BatchGenerator) Sources(ctx context.Context, filter SourceFilter) ([]SourceEvent, error) {
	return g.store.ListSources(ctx, filter)
}

func eventsForUser(events []Event, user UserID) []Event {
	out := events[:0]
	for _, e := range events {
		if e.UserID == user {
			out = append(out, e)
		}
	}
	return out
}

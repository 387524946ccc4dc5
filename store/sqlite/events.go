package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// SOURCE STORE
// =============================================================================

type lineItemRecord struct {
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	Quantity    string `json:"quantity"`
	Total       string `json:"total"`
	UnitCost    string `json:"unit_cost"`
}

type beneficiaryRecord struct {
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
	SplitDivisor int    `json:"split_divisor,omitempty"`
}

// SaveSource inserts or replaces a source event.
func (c *conn) SaveSource(ctx context.Context, src commission.SourceEvent) error {
	items := make([]lineItemRecord, len(src.Items))
	for i, it := range src.Items {
		items[i] = lineItemRecord{
			Kind:        string(it.Kind),
			Description: it.Description,
			Quantity:    it.Quantity.String(),
			Total:       it.Total.String(),
			UnitCost:    it.UnitCost.String(),
		}
	}
	beneficiaries := make([]beneficiaryRecord, len(src.Beneficiaries))
	for i, b := range src.Beneficiaries {
		beneficiaries[i] = beneficiaryRecord{UserID: string(b.UserID), Role: string(b.Role), SplitDivisor: b.SplitDivisor}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return err
	}
	beneficiariesJSON, err := json.Marshal(beneficiaries)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO source_events
		(id, trigger_kind, reference_id, occurred_at, origin_tag, gross_amount, net_amount,
		 expenses, displacement, item_count, items_json, beneficiaries_json, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			trigger_kind = excluded.trigger_kind,
			reference_id = excluded.reference_id,
			occurred_at = excluded.occurred_at,
			origin_tag = excluded.origin_tag,
			gross_amount = excluded.gross_amount,
			net_amount = excluded.net_amount,
			expenses = excluded.expenses,
			displacement = excluded.displacement,
			item_count = excluded.item_count,
			items_json = excluded.items_json,
			beneficiaries_json = excluded.beneficiaries_json
	`
	_, err = c.q.ExecContext(ctx, query,
		src.ID, src.Trigger, nullString(src.ReferenceID), formatTime(src.OccurredAt),
		nullString(src.OriginTag), src.GrossAmount.String(), nullDecimal(src.NetAmount),
		src.Expenses.String(), src.Displacement.String(), src.ItemCount,
		string(itemsJSON), string(beneficiariesJSON), formatTime(src.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save source event: %w", err)
	}
	return nil
}

const sourceColumns = `id, trigger_kind, reference_id, occurred_at, origin_tag, gross_amount, net_amount,
	expenses, displacement, item_count, items_json, beneficiaries_json, recorded_at`

func scanSource(row rowScanner) (commission.SourceEvent, error) {
	var (
		src                           commission.SourceEvent
		referenceID, originTag, net   sql.NullString
		occurredAt, recordedAt        string
		gross, expenses, displacement string
		itemsJSON, beneficiariesJSON  string
	)
	err := row.Scan(&src.ID, &src.Trigger, &referenceID, &occurredAt, &originTag, &gross, &net,
		&expenses, &displacement, &src.ItemCount, &itemsJSON, &beneficiariesJSON, &recordedAt)
	if err != nil {
		return src, err
	}
	src.ReferenceID = referenceID.String
	src.OriginTag = originTag.String
	if src.OccurredAt, err = parseTime(occurredAt); err != nil {
		return src, err
	}
	if src.RecordedAt, err = parseTime(recordedAt); err != nil {
		return src, err
	}
	if src.GrossAmount, err = parseDecimal(gross); err != nil {
		return src, err
	}
	if src.NetAmount, err = parseNullDecimal(net); err != nil {
		return src, err
	}
	if src.Expenses, err = parseDecimal(expenses); err != nil {
		return src, err
	}
	if src.Displacement, err = parseDecimal(displacement); err != nil {
		return src, err
	}

	var items []lineItemRecord
	if err := json.Unmarshal([]byte(itemsJSON), &items); err != nil {
		return src, fmt.Errorf("decode items: %w", err)
	}
	for _, r := range items {
		it := commission.LineItem{Kind: commission.ItemKind(r.Kind), Description: r.Description}
		if it.Quantity, err = parseDecimal(r.Quantity); err != nil {
			return src, err
		}
		if it.Total, err = parseDecimal(r.Total); err != nil {
			return src, err
		}
		if it.UnitCost, err = parseDecimal(r.UnitCost); err != nil {
			return src, err
		}
		src.Items = append(src.Items, it)
	}

	var beneficiaries []beneficiaryRecord
	if err := json.Unmarshal([]byte(beneficiariesJSON), &beneficiaries); err != nil {
		return src, fmt.Errorf("decode beneficiaries: %w", err)
	}
	for _, r := range beneficiaries {
		src.Beneficiaries = append(src.Beneficiaries, commission.Beneficiary{
			UserID:       commission.UserID(r.UserID),
			Role:         commission.Role(r.Role),
			SplitDivisor: r.SplitDivisor,
		})
	}
	return src, nil
}

func (c *conn) GetSource(ctx context.Context, id commission.SourceID) (*commission.SourceEvent, error) {
	src, err := scanSource(c.q.QueryRowContext(ctx,
		"SELECT "+sourceColumns+" FROM source_events WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source event: %w", err)
	}
	return &src, nil
}

// ListSources filters by trigger and time in SQL and by beneficiary in Go,
// since beneficiaries are stored as JSON.
func (c *conn) ListSources(ctx context.Context, filter commission.SourceFilter) ([]commission.SourceEvent, error) {
	var w where
	if filter.Trigger != "" {
		w.add("trigger_kind = ?", filter.Trigger)
	}
	if !filter.From.IsZero() {
		w.add("occurred_at >= ?", formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		w.add("occurred_at < ?", formatTime(filter.To))
	}
	rows, err := c.q.QueryContext(ctx,
		"SELECT "+sourceColumns+" FROM source_events"+w.String()+" ORDER BY occurred_at ASC, id ASC", w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query source events: %w", err)
	}
	defer rows.Close()

	var sources []commission.SourceEvent
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source event: %w", err)
		}
		if filter.UserID != "" && !src.HasBeneficiary(filter.UserID) {
			continue
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// =============================================================================
// EVENT STORE
// =============================================================================

// InsertEvent adds an event. A claimed (rule, source, user) tuple is rejected
// by idx_events_claim.
func (c *conn) InsertEvent(ctx context.Context, e commission.Event) error {
	query := `
		INSERT INTO commission_events
		(id, rule_id, source_id, user_id, role, trigger_kind, origin, parent_id, settlement_id,
		 base_amount, commission_amount, proportion, status, claims_source, notes, effective_at,
		 approved_by, approved_at, paid_at, reversed_at, reversal_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.q.ExecContext(ctx, query,
		e.ID, e.RuleID, e.SourceID, e.UserID, nullString(string(e.Role)), nullString(string(e.Trigger)),
		e.Origin, nullString(string(e.ParentID)), nullString(string(e.SettlementID)),
		e.BaseAmount.String(), e.CommissionAmount.String(), e.Proportion.String(), e.Status,
		boolInt(e.ClaimsSource), nullString(e.Notes), formatTime(e.EffectiveAt),
		nullString(e.ApprovedBy), nullTime(e.ApprovedAt), nullTime(e.PaidAt), nullTime(e.ReversedAt),
		nullString(e.ReversalReason), formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &commission.DuplicateEventError{RuleID: e.RuleID, SourceID: e.SourceID, UserID: e.UserID}
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// UpdateEvent rewrites the mutable columns of an event.
func (c *conn) UpdateEvent(ctx context.Context, e commission.Event) error {
	query := `
		UPDATE commission_events SET
			settlement_id = ?, commission_amount = ?, status = ?, claims_source = ?, notes = ?,
			approved_by = ?, approved_at = ?, paid_at = ?, reversed_at = ?, reversal_reason = ?,
			updated_at = ?
		WHERE id = ?
	`
	res, err := c.q.ExecContext(ctx, query,
		nullString(string(e.SettlementID)), e.CommissionAmount.String(), e.Status,
		boolInt(e.ClaimsSource), nullString(e.Notes), nullString(e.ApprovedBy),
		nullTime(e.ApprovedAt), nullTime(e.PaidAt), nullTime(e.ReversedAt),
		nullString(e.ReversalReason), formatTime(e.UpdatedAt), e.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &commission.DuplicateEventError{RuleID: e.RuleID, SourceID: e.SourceID, UserID: e.UserID}
		}
		return fmt.Errorf("failed to update event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", commission.ErrEventNotFound, e.ID)
	}
	return nil
}

const eventColumns = `id, rule_id, source_id, user_id, role, trigger_kind, origin, parent_id, settlement_id,
	base_amount, commission_amount, proportion, status, claims_source, notes, effective_at,
	approved_by, approved_at, paid_at, reversed_at, reversal_reason, created_at, updated_at`

func scanEvent(row rowScanner) (commission.Event, error) {
	var (
		e                                     commission.Event
		role, trigger, parentID, settlementID sql.NullString
		notes, approvedBy, reversalReason     sql.NullString
		approvedAt, paidAt, reversedAt        sql.NullString
		base, amount, proportion              string
		effectiveAt, createdAt, updatedAt     string
		claims                                int
	)
	err := row.Scan(&e.ID, &e.RuleID, &e.SourceID, &e.UserID, &role, &trigger, &e.Origin, &parentID,
		&settlementID, &base, &amount, &proportion, &e.Status, &claims, &notes, &effectiveAt,
		&approvedBy, &approvedAt, &paidAt, &reversedAt, &reversalReason, &createdAt, &updatedAt)
	if err != nil {
		return e, err
	}
	e.Role = commission.Role(role.String)
	e.Trigger = commission.Trigger(trigger.String)
	e.ParentID = commission.EventID(parentID.String)
	e.SettlementID = commission.SettlementID(settlementID.String)
	e.ClaimsSource = claims == 1
	e.Notes = notes.String
	e.ApprovedBy = approvedBy.String
	e.ReversalReason = reversalReason.String
	if e.BaseAmount, err = parseDecimal(base); err != nil {
		return e, err
	}
	if e.CommissionAmount, err = parseDecimal(amount); err != nil {
		return e, err
	}
	if e.Proportion, err = parseDecimal(proportion); err != nil {
		return e, err
	}
	if e.EffectiveAt, err = parseTime(effectiveAt); err != nil {
		return e, err
	}
	if e.ApprovedAt, err = parseNullTime(approvedAt); err != nil {
		return e, err
	}
	if e.PaidAt, err = parseNullTime(paidAt); err != nil {
		return e, err
	}
	if e.ReversedAt, err = parseNullTime(reversedAt); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	e.UpdatedAt, err = parseTime(updatedAt)
	return e, err
}

func (c *conn) GetEvent(ctx context.Context, id commission.EventID) (*commission.Event, error) {
	e, err := scanEvent(c.q.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM commission_events WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &e, nil
}

// ListEvents returns matching events ordered by effective_at, created_at, id.
func (c *conn) ListEvents(ctx context.Context, filter commission.EventFilter) ([]commission.Event, error) {
	var w where
	ids := make([]string, len(filter.IDs))
	for i, id := range filter.IDs {
		ids[i] = string(id)
	}
	w.in("id", ids)
	if filter.UserID != "" {
		w.add("user_id = ?", filter.UserID)
	}
	statuses := make([]string, len(filter.Statuses))
	for i, s := range filter.Statuses {
		statuses[i] = string(s)
	}
	w.in("status", statuses)
	if filter.SettlementID != "" {
		w.add("settlement_id = ?", filter.SettlementID)
	}
	if filter.Unsettled {
		w.add("settlement_id IS NULL")
	}
	if filter.SourceID != "" {
		w.add("source_id = ?", filter.SourceID)
	}
	if filter.RuleID != "" {
		w.add("rule_id = ?", filter.RuleID)
	}
	if filter.ParentID != "" {
		w.add("parent_id = ?", filter.ParentID)
	}
	if filter.Origin != "" {
		w.add("origin = ?", filter.Origin)
	}
	if !filter.From.IsZero() {
		w.add("effective_at >= ?", formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		w.add("effective_at < ?", formatTime(filter.To))
	}

	rows, err := c.q.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM commission_events"+w.String()+
			" ORDER BY effective_at ASC, created_at ASC, id ASC", w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []commission.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ClaimEvents stamps settlementID on each approved, unsettled event. Any
// event that no longer qualifies aborts with ErrConcurrentModification.
func (c *conn) ClaimEvents(ctx context.Context, ids []commission.EventID, settlementID commission.SettlementID) error {
	for _, id := range ids {
		res, err := c.q.ExecContext(ctx,
			`UPDATE commission_events SET settlement_id = ?
			 WHERE id = ? AND status = 'approved' AND settlement_id IS NULL`,
			settlementID, id)
		if err != nil {
			return fmt.Errorf("failed to claim event %s: %w", id, err)
		}
		if err := expectOneRow(res); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) ReleaseEvents(ctx context.Context, settlementID commission.SettlementID) (int, error) {
	res, err := c.q.ExecContext(ctx,
		`UPDATE commission_events SET settlement_id = NULL
		 WHERE settlement_id = ? AND status = 'approved'`, settlementID)
	if err != nil {
		return 0, fmt.Errorf("failed to release events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (c *conn) MarkEventsPaid(ctx context.Context, settlementID commission.SettlementID, at time.Time) (int, error) {
	ts := formatTime(at)
	res, err := c.q.ExecContext(ctx,
		`UPDATE commission_events SET status = 'paid', paid_at = ?, updated_at = ?
		 WHERE settlement_id = ? AND status = 'approved'`, ts, ts, settlementID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark events paid: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =============================================================================
// SPLIT STORE
// =============================================================================

func (c *conn) InsertSplit(ctx context.Context, s commission.Split) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO commission_splits (id, parent_event_id, child_event_id, user_id, percentage, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ParentEventID, s.ChildEventID, s.UserID, s.Percentage.String(), s.Amount.String(),
		formatTime(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert split: %w", err)
	}
	return nil
}

func (c *conn) ListSplits(ctx context.Context, parent commission.EventID) ([]commission.Split, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, parent_event_id, child_event_id, user_id, percentage, amount, created_at
		FROM commission_splits WHERE parent_event_id = ?
		ORDER BY created_at ASC, rowid ASC`, parent)
	if err != nil {
		return nil, fmt.Errorf("failed to query splits: %w", err)
	}
	defer rows.Close()

	var splits []commission.Split
	for rows.Next() {
		var (
			s                   commission.Split
			pct, amt, createdAt string
		)
		if err := rows.Scan(&s.ID, &s.ParentEventID, &s.ChildEventID, &s.UserID, &pct, &amt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan split: %w", err)
		}
		if s.Percentage, err = parseDecimal(pct); err != nil {
			return nil, err
		}
		if s.Amount, err = parseDecimal(amt); err != nil {
			return nil, err
		}
		if s.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		splits = append(splits, s)
	}
	return splits, rows.Err()
}

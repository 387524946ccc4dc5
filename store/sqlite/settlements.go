package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// SETTLEMENT STORE
// =============================================================================

func (c *conn) InsertSettlement(ctx context.Context, s commission.Settlement) error {
	query := `
		INSERT INTO commission_settlements
		(id, user_id, period, status, total_amount, paid_amount, events_count, rejection_reason,
		 payment_notes, closed_by, closed_at, approved_by, approved_at, paid_by, paid_at,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.q.ExecContext(ctx, query,
		s.ID, s.UserID, s.Period.String(), s.Status, s.TotalAmount.String(), nullDecimal(s.PaidAmount),
		s.EventsCount, nullString(s.RejectionReason), nullString(s.PaymentNotes),
		nullString(s.ClosedBy), nullTime(s.ClosedAt), nullString(s.ApprovedBy), nullTime(s.ApprovedAt),
		nullString(s.PaidBy), nullTime(s.PaidAt), formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s %s", commission.ErrDuplicateSettlement, s.UserID, s.Period)
		}
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	return nil
}

// UpdateSettlement writes s only if the stored status is still expected.
func (c *conn) UpdateSettlement(ctx context.Context, s commission.Settlement, expected commission.SettlementStatus) error {
	query := `
		UPDATE commission_settlements SET
			status = ?, total_amount = ?, paid_amount = ?, events_count = ?, rejection_reason = ?,
			payment_notes = ?, closed_by = ?, closed_at = ?, approved_by = ?, approved_at = ?,
			paid_by = ?, paid_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := c.q.ExecContext(ctx, query,
		s.Status, s.TotalAmount.String(), nullDecimal(s.PaidAmount), s.EventsCount,
		nullString(s.RejectionReason), nullString(s.PaymentNotes), nullString(s.ClosedBy),
		nullTime(s.ClosedAt), nullString(s.ApprovedBy), nullTime(s.ApprovedAt),
		nullString(s.PaidBy), nullTime(s.PaidAt), formatTime(s.UpdatedAt),
		s.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update settlement: %w", err)
	}
	return expectOneRow(res)
}

const settlementColumns = `id, user_id, period, status, total_amount, paid_amount, events_count,
	rejection_reason, payment_notes, closed_by, closed_at, approved_by, approved_at, paid_by, paid_at,
	created_at, updated_at`

func scanSettlement(row rowScanner) (commission.Settlement, error) {
	var (
		s                            commission.Settlement
		period, total                string
		paid, rejection, notes       sql.NullString
		closedBy, approvedBy, paidBy sql.NullString
		closedAt, approvedAt, paidAt sql.NullString
		createdAt, updatedAt         string
	)
	err := row.Scan(&s.ID, &s.UserID, &period, &s.Status, &total, &paid, &s.EventsCount,
		&rejection, &notes, &closedBy, &closedAt, &approvedBy, &approvedAt, &paidBy, &paidAt,
		&createdAt, &updatedAt)
	if err != nil {
		return s, err
	}
	s.RejectionReason = rejection.String
	s.PaymentNotes = notes.String
	s.ClosedBy = closedBy.String
	s.ApprovedBy = approvedBy.String
	s.PaidBy = paidBy.String
	if s.Period, err = commission.ParsePeriod(period); err != nil {
		return s, err
	}
	if s.TotalAmount, err = parseDecimal(total); err != nil {
		return s, err
	}
	if s.PaidAmount, err = parseNullDecimal(paid); err != nil {
		return s, err
	}
	if s.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return s, err
	}
	if s.ApprovedAt, err = parseNullTime(approvedAt); err != nil {
		return s, err
	}
	if s.PaidAt, err = parseNullTime(paidAt); err != nil {
		return s, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return s, err
	}
	s.UpdatedAt, err = parseTime(updatedAt)
	return s, err
}

func (c *conn) GetSettlement(ctx context.Context, id commission.SettlementID) (*commission.Settlement, error) {
	s, err := scanSettlement(c.q.QueryRowContext(ctx,
		"SELECT "+settlementColumns+" FROM commission_settlements WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return &s, nil
}

func (c *conn) FindSettlement(ctx context.Context, user commission.UserID, period commission.Period) (*commission.Settlement, error) {
	s, err := scanSettlement(c.q.QueryRowContext(ctx,
		"SELECT "+settlementColumns+" FROM commission_settlements WHERE user_id = ? AND period = ?",
		user, period.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find settlement: %w", err)
	}
	return &s, nil
}

func (c *conn) ListSettlements(ctx context.Context, filter commission.SettlementFilter) ([]commission.Settlement, error) {
	var w where
	if filter.UserID != "" {
		w.add("user_id = ?", filter.UserID)
	}
	if !filter.Period.IsZero() {
		w.add("period = ?", filter.Period.String())
	}
	statuses := make([]string, len(filter.Statuses))
	for i, s := range filter.Statuses {
		statuses[i] = string(s)
	}
	w.in("status", statuses)

	rows, err := c.q.QueryContext(ctx,
		"SELECT "+settlementColumns+" FROM commission_settlements"+w.String()+
			" ORDER BY period ASC, user_id ASC, id ASC", w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var settlements []commission.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		settlements = append(settlements, s)
	}
	return settlements, rows.Err()
}

// =============================================================================
// DISPUTE STORE
// =============================================================================

func (c *conn) InsertDispute(ctx context.Context, d commission.Dispute) error {
	query := `
		INSERT INTO commission_disputes
		(id, event_id, user_id, reason, status, resolution_notes, new_amount, previous_amount,
		 resolved_by, resolved_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.q.ExecContext(ctx, query,
		d.ID, d.EventID, d.UserID, d.Reason, d.Status, nullString(d.ResolutionNotes),
		nullDecimal(d.NewAmount), nullDecimal(d.PreviousAmount), nullString(d.ResolvedBy),
		nullTime(d.ResolvedAt), formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: event %s", commission.ErrDisputeAlreadyOpen, d.EventID)
		}
		return fmt.Errorf("failed to insert dispute: %w", err)
	}
	return nil
}

func (c *conn) UpdateDispute(ctx context.Context, d commission.Dispute, expected commission.DisputeStatus) error {
	query := `
		UPDATE commission_disputes SET
			status = ?, resolution_notes = ?, new_amount = ?, previous_amount = ?,
			resolved_by = ?, resolved_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := c.q.ExecContext(ctx, query,
		d.Status, nullString(d.ResolutionNotes), nullDecimal(d.NewAmount), nullDecimal(d.PreviousAmount),
		nullString(d.ResolvedBy), nullTime(d.ResolvedAt), formatTime(d.UpdatedAt),
		d.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	return expectOneRow(res)
}

const disputeColumns = `id, event_id, user_id, reason, status, resolution_notes, new_amount,
	previous_amount, resolved_by, resolved_at, created_at, updated_at`

func scanDispute(row rowScanner) (commission.Dispute, error) {
	var (
		d                                commission.Dispute
		notes, newAmount, previousAmount sql.NullString
		resolvedBy, resolvedAt           sql.NullString
		createdAt, updatedAt             string
	)
	err := row.Scan(&d.ID, &d.EventID, &d.UserID, &d.Reason, &d.Status, &notes, &newAmount,
		&previousAmount, &resolvedBy, &resolvedAt, &createdAt, &updatedAt)
	if err != nil {
		return d, err
	}
	d.ResolutionNotes = notes.String
	d.ResolvedBy = resolvedBy.String
	if d.NewAmount, err = parseNullDecimal(newAmount); err != nil {
		return d, err
	}
	if d.PreviousAmount, err = parseNullDecimal(previousAmount); err != nil {
		return d, err
	}
	if d.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return d, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, err
	}
	d.UpdatedAt, err = parseTime(updatedAt)
	return d, err
}

func (c *conn) GetDispute(ctx context.Context, id commission.DisputeID) (*commission.Dispute, error) {
	d, err := scanDispute(c.q.QueryRowContext(ctx,
		"SELECT "+disputeColumns+" FROM commission_disputes WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	return &d, nil
}

func (c *conn) ListDisputes(ctx context.Context, filter commission.DisputeFilter) ([]commission.Dispute, error) {
	var w where
	if filter.UserID != "" {
		w.add("user_id = ?", filter.UserID)
	}
	if filter.EventID != "" {
		w.add("event_id = ?", filter.EventID)
	}
	statuses := make([]string, len(filter.Statuses))
	for i, s := range filter.Statuses {
		statuses[i] = string(s)
	}
	w.in("status", statuses)

	rows, err := c.q.QueryContext(ctx,
		"SELECT "+disputeColumns+" FROM commission_disputes"+w.String()+" ORDER BY created_at ASC, id ASC", w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query disputes: %w", err)
	}
	defer rows.Close()

	var disputes []commission.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispute: %w", err)
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

// =============================================================================
// GOAL STORE
// =============================================================================

func (c *conn) SaveGoal(ctx context.Context, g commission.Goal) error {
	query := `
		INSERT INTO commission_goals (id, user_id, role, period, target, bonus, status, evaluated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			role = excluded.role,
			period = excluded.period,
			target = excluded.target,
			bonus = excluded.bonus,
			status = excluded.status,
			evaluated_at = excluded.evaluated_at
	`
	_, err := c.q.ExecContext(ctx, query,
		g.ID, g.UserID, nullString(string(g.Role)), g.Period.String(), g.Target.String(),
		g.Bonus.String(), g.Status, nullTime(g.EvaluatedAt), formatTime(g.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save goal: %w", err)
	}
	return nil
}

const goalColumns = `id, user_id, role, period, target, bonus, status, evaluated_at, created_at`

func scanGoal(row rowScanner) (commission.Goal, error) {
	var (
		g                                commission.Goal
		role, evaluatedAt                sql.NullString
		period, target, bonus, createdAt string
	)
	err := row.Scan(&g.ID, &g.UserID, &role, &period, &target, &bonus, &g.Status, &evaluatedAt, &createdAt)
	if err != nil {
		return g, err
	}
	g.Role = commission.Role(role.String)
	if g.Period, err = commission.ParsePeriod(period); err != nil {
		return g, err
	}
	if g.Target, err = parseDecimal(target); err != nil {
		return g, err
	}
	if g.Bonus, err = parseDecimal(bonus); err != nil {
		return g, err
	}
	if g.EvaluatedAt, err = parseNullTime(evaluatedAt); err != nil {
		return g, err
	}
	g.CreatedAt, err = parseTime(createdAt)
	return g, err
}

func (c *conn) GetGoal(ctx context.Context, id commission.GoalID) (*commission.Goal, error) {
	g, err := scanGoal(c.q.QueryRowContext(ctx, "SELECT "+goalColumns+" FROM commission_goals WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get goal: %w", err)
	}
	return &g, nil
}

func (c *conn) ListGoals(ctx context.Context, filter commission.GoalFilter) ([]commission.Goal, error) {
	var w where
	if filter.UserID != "" {
		w.add("user_id = ?", filter.UserID)
	}
	if !filter.Period.IsZero() {
		w.add("period = ?", filter.Period.String())
	}
	if filter.Status != "" {
		w.add("status = ?", filter.Status)
	}
	rows, err := c.q.QueryContext(ctx,
		"SELECT "+goalColumns+" FROM commission_goals"+w.String()+" ORDER BY period ASC, id ASC", w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query goals: %w", err)
	}
	defer rows.Close()

	var goals []commission.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan goal: %w", err)
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

// =============================================================================
// RECURRING STORE
// =============================================================================

func (c *conn) SaveRecurring(ctx context.Context, r commission.RecurringCommission) error {
	query := `
		INSERT INTO recurring_commissions
		(id, user_id, role, amount, description, starts_on, ends_on, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			role = excluded.role,
			amount = excluded.amount,
			description = excluded.description,
			starts_on = excluded.starts_on,
			ends_on = excluded.ends_on,
			active = excluded.active
	`
	_, err := c.q.ExecContext(ctx, query,
		r.ID, r.UserID, r.Role, r.Amount.String(), nullString(r.Description),
		formatTime(r.StartsOn), nullTime(r.EndsOn), boolInt(r.Active), formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save recurring commission: %w", err)
	}
	return nil
}

const recurringColumns = `id, user_id, role, amount, description, starts_on, ends_on, active, created_at`

func scanRecurring(row rowScanner) (commission.RecurringCommission, error) {
	var (
		r                           commission.RecurringCommission
		amount, startsOn, createdAt string
		description, endsOn         sql.NullString
		active                      int
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Role, &amount, &description, &startsOn, &endsOn, &active, &createdAt)
	if err != nil {
		return r, err
	}
	r.Description = description.String
	r.Active = active == 1
	if r.Amount, err = parseDecimal(amount); err != nil {
		return r, err
	}
	if r.StartsOn, err = parseTime(startsOn); err != nil {
		return r, err
	}
	if r.EndsOn, err = parseNullTime(endsOn); err != nil {
		return r, err
	}
	r.CreatedAt, err = parseTime(createdAt)
	return r, err
}

func (c *conn) GetRecurring(ctx context.Context, id commission.RecurringID) (*commission.RecurringCommission, error) {
	r, err := scanRecurring(c.q.QueryRowContext(ctx,
		"SELECT "+recurringColumns+" FROM recurring_commissions WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recurring commission: %w", err)
	}
	return &r, nil
}

func (c *conn) ListRecurring(ctx context.Context, activeOnly bool) ([]commission.RecurringCommission, error) {
	query := "SELECT " + recurringColumns + " FROM recurring_commissions"
	if activeOnly {
		query += " WHERE active = 1"
	}
	rows, err := c.q.QueryContext(ctx, query+" ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query recurring commissions: %w", err)
	}
	defer rows.Close()

	var out []commission.RecurringCommission
	for rows.Next() {
		r, err := scanRecurring(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recurring commission: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

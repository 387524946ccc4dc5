/*
Package sources adapts the external business hooks into commission source
events and feeds them to the BatchGenerator.

HOOKS:
  OnWorkOrderCompleted  -> trigger order_completed
  OnInstallmentPaid     -> trigger installment_paid
  OnOrderInvoiced       -> trigger order_invoiced

BENEFICIARIES (work orders):
  - the assigned technician plus any extra technicians, deduplicated; with
    more than one technician each technician commission is divided by the
    technician count
  - the seller, unless the seller is also one of the technicians
  - the driver, when present
  Warranty orders and orders with a zero total produce no source event.

Source IDs are derived from the upstream reference (wo:<id>, inst:<id>,
inv:<id>), so delivering the same hook twice is harmless.
*/
package sources

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// WorkOrderCompleted is the payload of the work-order completion hook.
type WorkOrderCompleted struct {
	OrderID            string
	TechnicianID       commission.UserID
	ExtraTechnicianIDs []commission.UserID
	SellerID           commission.UserID
	DriverID           commission.UserID
	CompletedAt        time.Time
	GrossAmount        decimal.Decimal
	NetAmount          *decimal.Decimal
	Expenses           decimal.Decimal
	Displacement       decimal.Decimal
	Items              []commission.LineItem
	OriginTag          string
	Warranty           bool
}

// InstallmentPaid is the payload of the installment payment hook.
type InstallmentPaid struct {
	InstallmentID string
	UserID        commission.UserID
	Role          commission.Role
	Amount        decimal.Decimal
	PaidAt        time.Time
	OriginTag     string
}

// OrderInvoiced is the payload of the invoicing hook.
type OrderInvoiced struct {
	OrderID    string
	SellerID   commission.UserID
	Amount     decimal.Decimal
	InvoicedAt time.Time
	OriginTag  string
}

// Outcome reports what a hook produced. Ignored is set, and Result is nil,
// when the hook did not qualify for commission.
type Outcome struct {
	Source  *commission.SourceEvent
	Result  *commission.SourceResult
	Ignored string
}

// Generator is the part of the BatchGenerator the intake needs.
type Generator interface {
	GenerateForSource(ctx context.Context, src commission.SourceEvent) (*commission.SourceResult, error)
}

type Intake struct {
	generator Generator
	logger    *slog.Logger
}

func NewIntake(generator Generator, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{generator: generator, logger: logger}
}

func (in *Intake) OnWorkOrderCompleted(ctx context.Context, wo WorkOrderCompleted) (*Outcome, error) {
	src, reason := WorkOrderSource(wo)
	if src == nil {
		in.logger.Info("work order ignored", "order_id", wo.OrderID, "reason", reason)
		return &Outcome{Ignored: reason}, nil
	}
	return in.generate(ctx, *src)
}

func (in *Intake) OnInstallmentPaid(ctx context.Context, ip InstallmentPaid) (*Outcome, error) {
	src, reason := InstallmentSource(ip)
	if src == nil {
		in.logger.Info("installment ignored", "installment_id", ip.InstallmentID, "reason", reason)
		return &Outcome{Ignored: reason}, nil
	}
	return in.generate(ctx, *src)
}

func (in *Intake) OnOrderInvoiced(ctx context.Context, oi OrderInvoiced) (*Outcome, error) {
	src, reason := InvoiceSource(oi)
	if src == nil {
		in.logger.Info("invoice ignored", "order_id", oi.OrderID, "reason", reason)
		return &Outcome{Ignored: reason}, nil
	}
	return in.generate(ctx, *src)
}

func (in *Intake) generate(ctx context.Context, src commission.SourceEvent) (*Outcome, error) {
	res, err := in.generator.GenerateForSource(ctx, src)
	if err != nil {
		return nil, err
	}
	return &Outcome{Source: &res.Source, Result: res}, nil
}

// =============================================================================
// SOURCE BUILDERS
// =============================================================================

// WorkOrderSource builds the source event for a completed work order. A nil
// source comes with the reason it was ignored.
func WorkOrderSource(wo WorkOrderCompleted) (*commission.SourceEvent, string) {
	if wo.Warranty {
		return nil, "warranty order"
	}
	if !wo.GrossAmount.IsPositive() {
		return nil, "order total is zero"
	}

	src := &commission.SourceEvent{
		ID:            commission.SourceID("wo:" + wo.OrderID),
		Trigger:       commission.TriggerOrderCompleted,
		ReferenceID:   wo.OrderID,
		OccurredAt:    wo.CompletedAt,
		OriginTag:     wo.OriginTag,
		GrossAmount:   wo.GrossAmount,
		NetAmount:     wo.NetAmount,
		Expenses:      wo.Expenses,
		Displacement:  wo.Displacement,
		Items:         wo.Items,
		Beneficiaries: WorkOrderBeneficiaries(wo),
	}
	return src, ""
}

// WorkOrderBeneficiaries identifies who may earn on a work order.
func WorkOrderBeneficiaries(wo WorkOrderCompleted) []commission.Beneficiary {
	var techs []commission.UserID
	seen := make(map[commission.UserID]bool)
	for _, id := range append([]commission.UserID{wo.TechnicianID}, wo.ExtraTechnicianIDs...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		techs = append(techs, id)
	}

	divisor := 1
	if len(techs) > 1 {
		divisor = len(techs)
	}
	var out []commission.Beneficiary
	for _, id := range techs {
		out = append(out, commission.Beneficiary{UserID: id, Role: commission.RoleTechnician, SplitDivisor: divisor})
	}
	if wo.SellerID != "" && !seen[wo.SellerID] {
		out = append(out, commission.Beneficiary{UserID: wo.SellerID, Role: commission.RoleSeller, SplitDivisor: 1})
	}
	if wo.DriverID != "" {
		out = append(out, commission.Beneficiary{UserID: wo.DriverID, Role: commission.RoleDriver, SplitDivisor: 1})
	}
	return out
}

func InstallmentSource(ip InstallmentPaid) (*commission.SourceEvent, string) {
	if !ip.Amount.IsPositive() {
		return nil, "installment amount is zero"
	}
	role := ip.Role
	if role == "" {
		role = commission.RoleSeller
	}
	return &commission.SourceEvent{
		ID:            commission.SourceID("inst:" + ip.InstallmentID),
		Trigger:       commission.TriggerInstallmentPaid,
		ReferenceID:   ip.InstallmentID,
		OccurredAt:    ip.PaidAt,
		OriginTag:     ip.OriginTag,
		GrossAmount:   ip.Amount,
		Beneficiaries: []commission.Beneficiary{{UserID: ip.UserID, Role: role, SplitDivisor: 1}},
	}, ""
}

func InvoiceSource(oi OrderInvoiced) (*commission.SourceEvent, string) {
	if !oi.Amount.IsPositive() {
		return nil, "invoice amount is zero"
	}
	var beneficiaries []commission.Beneficiary
	if oi.SellerID != "" {
		beneficiaries = append(beneficiaries, commission.Beneficiary{UserID: oi.SellerID, Role: commission.RoleSeller, SplitDivisor: 1})
	}
	return &commission.SourceEvent{
		ID:            commission.SourceID("inv:" + oi.OrderID),
		Trigger:       commission.TriggerOrderInvoiced,
		ReferenceID:   oi.OrderID,
		OccurredAt:    oi.InvoicedAt,
		OriginTag:     oi.OriginTag,
		GrossAmount:   oi.Amount,
		Beneficiaries: beneficiaries,
	}, ""
}

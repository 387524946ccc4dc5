/*
errors.go - Centralized error types for the commission engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match sentinels with errors.Is and pull context out of the
  structured types with errors.As.

ERROR CATEGORIES:
  1. Validation    - malformed input, always surfaced with field detail
  2. State machine - illegal status edges (event, settlement, dispute)
  3. Preconditions - NothingToClose, EventNotApproved, InvalidSplit
  4. Configuration - a rule that cannot be evaluated (logged, rule skipped)
  5. Store         - uniqueness violations, optimistic-lock misses

USAGE:
  _, err := settlements.Close(ctx, "u1", period, actor)
  var nothing *commission.NothingToCloseError
  if errors.As(err, &nothing) {
      ...
  }

SEE ALSO:
  - api/errors.go: maps these errors to HTTP status codes
*/
package commission

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the sentinel behind every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when a status edge is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNothingToClose is returned when a settlement close selects no events.
	ErrNothingToClose = errors.New("nothing to close")

	// ErrEventNotApproved is returned when an operation requires an approved event.
	ErrEventNotApproved = errors.New("event not approved")

	// ErrInvalidSplit is returned when split shares violate their preconditions.
	ErrInvalidSplit = errors.New("invalid split")

	// ErrRuleConfiguration is returned when a rule cannot be evaluated.
	ErrRuleConfiguration = errors.New("rule configuration error")

	// ErrDuplicateEvent is returned when a (rule, source, user) tuple is already claimed.
	// This is the backstop that makes batch generation idempotent.
	ErrDuplicateEvent = errors.New("duplicate commission event")

	// ErrDuplicateSettlement is returned when a user already has a settlement for a period.
	ErrDuplicateSettlement = errors.New("duplicate settlement for period")

	// ErrDisputeAlreadyOpen is returned when an event already has an open dispute.
	ErrDisputeAlreadyOpen = errors.New("event already has an open dispute")

	// ErrConcurrentModification is returned when a compare-and-swap update misses.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrRuleNotFound       = errors.New("rule not found")
	ErrCampaignNotFound   = errors.New("campaign not found")
	ErrSourceNotFound     = errors.New("source event not found")
	ErrEventNotFound      = errors.New("commission event not found")
	ErrSettlementNotFound = errors.New("settlement not found")
	ErrDisputeNotFound    = errors.New("dispute not found")
	ErrGoalNotFound       = errors.New("goal not found")
	ErrRecurringNotFound  = errors.New("recurring commission not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// FieldError is a single field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects field-level failures for one input.
type ValidationError struct {
	Fields []FieldError
}

// Add records a failure for field.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// Err returns nil when nothing was recorded.
func (e *ValidationError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: append([]FieldError(nil), e.Fields...)}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a single-field ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// InvalidStateTransitionError describes a rejected status edge.
type InvalidStateTransitionError struct {
	Entity string // "event", "settlement", "dispute"
	ID     string
	From   string
	To     string
	Reason string
}

func (e *InvalidStateTransitionError) Error() string {
	msg := fmt.Sprintf("invalid %s transition %s -> %s (id %s)", e.Entity, e.From, e.To, e.ID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidStateTransitionError) Unwrap() error { return ErrInvalidTransition }

// NothingToCloseError is returned by SettlementEngine.Close when no approved,
// unsettled events fall in the period.
type NothingToCloseError struct {
	UserID UserID
	Period Period
}

func (e *NothingToCloseError) Error() string {
	return fmt.Sprintf("nothing to close: no approved unsettled events for %s in %s", e.UserID, e.Period)
}

func (e *NothingToCloseError) Unwrap() error { return ErrNothingToClose }

// EventNotApprovedError is returned when an approved event was required.
type EventNotApprovedError struct {
	EventID EventID
	Status  EventStatus
}

func (e *EventNotApprovedError) Error() string {
	return fmt.Sprintf("event %s is %s, expected approved", e.EventID, e.Status)
}

func (e *EventNotApprovedError) Unwrap() error { return ErrEventNotApproved }

// InvalidSplitError describes why split shares were rejected.
type InvalidSplitError struct {
	EventID EventID
	Reason  string
}

func (e *InvalidSplitError) Error() string {
	return fmt.Sprintf("invalid split of event %s: %s", e.EventID, e.Reason)
}

func (e *InvalidSplitError) Unwrap() error { return ErrInvalidSplit }

// RuleConfigurationError marks a rule that could not be evaluated.
// The calculation logs it and continues with the remaining rules.
type RuleConfigurationError struct {
	RuleID          RuleID
	CalculationType CalculationType
	Reason          string
}

func (e *RuleConfigurationError) Error() string {
	return fmt.Sprintf("rule %s (%s): %s", e.RuleID, e.CalculationType, e.Reason)
}

func (e *RuleConfigurationError) Unwrap() error { return ErrRuleConfiguration }

// DuplicateEventError names the tuple that is already claimed.
type DuplicateEventError struct {
	RuleID   RuleID
	SourceID SourceID
	UserID   UserID
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("commission already recorded for rule %s, source %s, user %s",
		e.RuleID, e.SourceID, e.UserID)
}

func (e *DuplicateEventError) Unwrap() error { return ErrDuplicateEvent }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrCampaignNotFound) ||
		errors.Is(err, ErrSourceNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrSettlementNotFound) ||
		errors.Is(err, ErrDisputeNotFound) ||
		errors.Is(err, ErrGoalNotFound) ||
		errors.Is(err, ErrRecurringNotFound)
}

// IsConflict returns true if the error reflects current aggregate state
// rather than malformed input.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicateEvent) ||
		errors.Is(err, ErrDuplicateSettlement) ||
		errors.Is(err, ErrDisputeAlreadyOpen) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsPrecondition returns true for the domain preconditions surfaced verbatim.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrNothingToClose) ||
		errors.Is(err, ErrEventNotApproved) ||
		errors.Is(err, ErrInvalidSplit)
}

// IsClientError returns true if the error is the caller's to fix.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || IsPrecondition(err) || IsConflict(err) || IsNotFound(err)
}

func notFound(sentinel error, id any) error {
	return fmt.Errorf("%w: %v", sentinel, id)
}

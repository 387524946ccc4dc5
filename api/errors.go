package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/warp/commission-engine/commission"
)

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Details: details})
}

// writeDomainError maps a core error onto a status code:
//
//	validation                                 422 with field details
//	not found                                  404
//	nothing to close / not approved / split    422
//	invalid transition / duplicate / CAS miss  409
//	anything else                              500 (logged, message hidden)
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *commission.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "validation failed", Code: "validation", Details: verr.Fields})
	case commission.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case commission.IsPrecondition(err):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: preconditionCode(err)})
	case commission.IsConflict(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "conflict", Details: transitionDetails(err)})
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func preconditionCode(err error) string {
	switch {
	case errors.Is(err, commission.ErrNothingToClose):
		return "nothing_to_close"
	case errors.Is(err, commission.ErrEventNotApproved):
		return "event_not_approved"
	default:
		return "invalid_split"
	}
}

func transitionDetails(err error) any {
	var terr *commission.InvalidStateTransitionError
	if !errors.As(err, &terr) {
		return nil
	}
	return map[string]string{"entity": terr.Entity, "id": terr.ID, "from": terr.From, "to": terr.To}
}

// =============================================================================
// REQUEST DECODING
// =============================================================================

// decode reads the JSON body into dst and runs struct validation. It writes
// the error response itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
				Error:   "validation failed",
				Code:    "validation",
				Details: fieldErrors(verrs),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return false
	}
	return true
}

func fieldErrors(verrs validator.ValidationErrors) []commission.FieldError {
	out := make([]commission.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, commission.FieldError{Field: fieldPath(fe), Message: validationMessage(fe)})
	}
	return out
}

// fieldPath drops the root struct name: "CloseSettlementRequest.period" -> "period".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind().String() == "slice" {
			return fmt.Sprintf("must have at least %s entries", fe.Param())
		}
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return "must be one of: " + fe.Param()
	case "datetime":
		return "must match the format " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	default:
		return "is invalid"
	}
}

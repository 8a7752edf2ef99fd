package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/msageha/fleetguard/internal/incident"
	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/remediation"
	"github.com/msageha/fleetguard/internal/store"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
	Details   any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeErrorDetails(w, r, status, code, msg, nil)
}

func writeErrorDetails(w http.ResponseWriter, r *http.Request, status int, code, msg string, details any) {
	writeJSON(w, status, map[string]any{"ok": false, "error": errorBody{
		Code: code, Message: msg, RequestID: requestIDFromContext(r.Context()), Details: details,
	}})
}

// admissionStatus maps an admission rejection code to its HTTP status.
func admissionStatus(code string) int {
	switch code {
	case remediation.CodeRateLimited, remediation.CodeCooldownActive,
		remediation.CodeHostQueueFull, remediation.CodeQueueFull:
		return http.StatusTooManyRequests
	case remediation.CodeDryRunStale, remediation.CodeAlreadyRunning, remediation.CodeHostDisabled:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// mapError returns the status and error code for an engine error.
func mapError(err error) (int, string) {
	var ves validator.ValidationErrors
	switch {
	case errors.As(err, &ves):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, model.ErrMalformedID), errors.Is(err, incident.ErrUnknownStep):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, incident.ErrIllegalTransition):
		return http.StatusConflict, "illegal_transition"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, remediation.ErrRunInFlight), errors.Is(err, remediation.ErrRunTerminal),
		errors.Is(err, remediation.ErrNotDeadLettered), errors.Is(err, remediation.ErrNotPendingApproval),
		errors.Is(err, remediation.ErrApprovalExpired):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, remediation.ErrMissingActor), errors.Is(err, incident.ErrMissingActor):
		return http.StatusBadRequest, "missing_actor"
	case errors.Is(err, incident.ErrInvalidInput), errors.Is(err, incident.ErrInvalidSeverity),
		errors.Is(err, incident.ErrUnknownWorkflow), errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "invalid_input"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// fail writes err as an error response. Admission rejections carry their
// own code, violations and Retry-After.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if ae, ok := remediation.AsAdmission(err); ok {
		status := admissionStatus(ae.Code)
		if ae.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ae.RetryAfter.Seconds()))))
		}
		var details any
		if len(ae.Violations) > 0 {
			details = map[string]any{"violations": ae.Violations}
		}
		writeErrorDetails(w, r, status, ae.Code, ae.Message, details)
		return
	}
	status, code := mapError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal server error"
	}
	writeError(w, r, status, code, msg)
}

// decode reads a JSON body into v and validates it. An empty body leaves
// v at its zero value.
func (s *Server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("invalid json body: %v", err)
	}
	if err := s.validate.Struct(v); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) {
			return fmt.Errorf("%w: %s", errBadRequest, describeValidation(ves))
		}
		return err
	}
	return nil
}

func describeValidation(ves validator.ValidationErrors) string {
	parts := make([]string, 0, len(ves))
	for _, fe := range ves {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func queryInt(r *http.Request, key string) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("query %s must be a non-negative integer", key)
	}
	return n, nil
}

func querySet(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

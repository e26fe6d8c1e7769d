package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"fraudgraph.org/internal/alerts"
	"fraudgraph.org/internal/auth"
	"fraudgraph.org/internal/graph"
	"fraudgraph.org/internal/ingest"
	"fraudgraph.org/internal/obs"
	"fraudgraph.org/internal/query"
	"fraudgraph.org/internal/rules"
)

// envelope wraps every JSON response.
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, code int, data any, message string) {
	writeJSON(w, code, envelope{Success: true, Data: data, Message: message})
}

func writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeJSON(w, code, envelope{
		Success:   false,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return fmt.Errorf("request body exceeds %d bytes: %w", maxErr.Limit, err)
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		default:
			return fmt.Errorf("invalid JSON: %v", err)
		}
	}
	return nil
}

// fail maps a service error to a status code. 5xx responses never carry
// the underlying error text.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, graph.ErrUnavailable):
		code, msg = http.StatusServiceUnavailable, "graph store unavailable"
	case errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, alerts.ErrAlertNotFound),
		errors.Is(err, query.ErrTransactionNotFound),
		errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, graph.ErrNodeNotFound):
		code, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, rules.ErrDuplicateRule),
		errors.Is(err, auth.ErrUserExists),
		errors.Is(err, alerts.ErrAlreadyResolved):
		code, msg = http.StatusConflict, err.Error()
	case errors.Is(err, rules.ErrMissingPattern):
		code, msg = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, rules.ErrInvalidRule),
		errors.Is(err, alerts.ErrInvalidStatus),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, ingest.ErrEmptyCSV),
		errors.Is(err, graph.ErrInvalidNode):
		code, msg = http.StatusBadRequest, err.Error()
	}
	if code >= http.StatusInternalServerError {
		obs.Logger().ErrorContext(r.Context(), "request failed",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
	}
	writeError(w, r, code, msg)
}

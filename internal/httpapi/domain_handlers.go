package httpapi

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"fraudgraph.org/internal/alerts"
	"fraudgraph.org/internal/auth"
	"fraudgraph.org/internal/ingest"
	"fraudgraph.org/internal/model"
	"fraudgraph.org/internal/rules"
)

const maxListLimit = 500

var errNoFile = errors.New("no file uploaded")

// handleIngest accepts a JSON array of records, a text/csv body, or a
// multipart upload with the CSV in the "file" field.
func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	records, source, err := readRecords(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, r, http.StatusRequestEntityTooLarge, "upload too large")
		case errors.Is(err, ingest.ErrEmptyCSV):
			writeError(w, r, http.StatusBadRequest, "Empty CSV")
		case errors.Is(err, errNoFile):
			writeError(w, r, http.StatusBadRequest, "No file uploaded")
		default:
			writeError(w, r, http.StatusBadRequest, err.Error())
		}
		return
	}
	if len(records) == 0 {
		writeError(w, r, http.StatusBadRequest, "Empty CSV")
		return
	}
	report, err := a.svc.Ingest.IngestFrom(r.Context(), source, records)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, report, "Records processed")
}

func readRecords(r *http.Request) ([]ingest.Record, string, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "application/json"
	}
	switch mediaType {
	case "text/csv", "application/csv":
		records, err := ingest.ParseCSV(r.Body)
		return records, "request body", err
	case "multipart/form-data":
		file, header, err := r.FormFile("file")
		if err != nil {
			if errors.Is(err, http.ErrMissingFile) {
				return nil, "", errNoFile
			}
			return nil, "", err
		}
		defer file.Close()
		records, err := ingest.ParseCSV(file)
		return records, header.Filename, err
	default:
		var records []ingest.Record
		if err := decodeJSON(r, &records); err != nil {
			return nil, "", err
		}
		return records, "", nil
	}
}

func (a *API) handleDetect(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Engine.Run(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, stats, fmt.Sprintf("Detection finished: %d new alerts", stats.NewAlerts))
}

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.Rules.List(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, list, "")
}

func (a *API) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.svc.Rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, rule, "")
}

func (a *API) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var d rules.Draft
	if err := decodeJSON(r, &d); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := a.svc.Rules.Create(r.Context(), d)
	if err != nil {
		fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/rules/"+rule.ID)
	ok(w, http.StatusCreated, rule, "Rule created")
}

func (a *API) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var p rules.Patch
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := a.svc.Rules.Update(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, rule, "Rule updated")
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Rules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, nil, "Rule deleted")
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	list, err := a.svc.Alerts.List(r.Context(), alerts.Filter{
		Status: model.AlertStatus(strings.ToUpper(q.Get("status"))),
		Rule:   q.Get("rule"),
		Limit:  limit,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, list, "")
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	v, err := a.svc.Alerts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, v, "")
}

type resolveRequest struct {
	Status  string `json:"status"`
	Comment string `json:"comment"`
}

func (a *API) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	alert, err := a.svc.Alerts.Resolve(r.Context(), chi.URLParam(r, "id"), model.AlertStatus(req.Status), req.Comment, p.Username)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, alert, "Alert resolved")
}

func (a *API) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	list, err := a.svc.Query.ListTransactions(r.Context(), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, list, "")
}

func (a *API) handleTransactionDetails(w http.ResponseWriter, r *http.Request) {
	details, err := a.svc.Query.TransactionDetails(r.Context(), chi.URLParam(r, "txId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, details, "")
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Query.Stats(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, stats, "")
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if a.svc.Logs == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.svc.Logs.Recent(r.Context(), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, entries, "")
}

// parseLimit reads an optional positive limit; zero means the service default.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

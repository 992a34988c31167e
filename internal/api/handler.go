package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/amrclass/internal/audit"
	"github.com/opensource-finance/amrclass/internal/classifier"
	"github.com/opensource-finance/amrclass/internal/domain"
	"github.com/opensource-finance/amrclass/internal/expert"
	"github.com/opensource-finance/amrclass/internal/ingest"
	"github.com/opensource-finance/amrclass/internal/repository"
	"github.com/opensource-finance/amrclass/internal/rules"
)

// PayloadFormatHeader reports which parser handled a classify request.
const PayloadFormatHeader = "X-Payload-Format"

// Deps are the collaborators the handlers need. Repo, Cache, Bus and
// Recorder are optional.
type Deps struct {
	Store      *rules.Store
	Experts    *expert.Engine
	Classifier *classifier.Service
	Dispatcher *ingest.Dispatcher
	Recorder   *audit.Recorder

	Repo  domain.AuditRepository
	Cache domain.Cache
	Bus   domain.EventBus

	Version string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
	maxBody int64
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = domain.DefaultConfig().Server.MaxBodyBytes
	}
	return &Handler{Deps: deps, maxBody: maxBody}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string         `json:"error"`
	Kind   string         `json:"kind,omitempty"`
	Issues []domain.Issue `json:"issues,omitempty"`

	// ActiveVersion is set when a reload fails.
	ActiveVersion string `json:"active_version,omitempty"`
}

// Classify handles POST /classify, detecting the payload format.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readBody(w, r)
	if !ok {
		return
	}
	parsed, format, err := h.Dispatcher.Parse(r.Context(), r.Header.Get("Content-Type"), payload)
	h.respond(w, r, parsed, format, err)
}

// ClassifyAs returns a handler that always parses with format.
func (h *Handler) ClassifyAs(format domain.Format) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, ok := h.readBody(w, r)
		if !ok {
			return
		}
		parsed, err := h.Dispatcher.ParseAs(r.Context(), format, payload)
		h.respond(w, r, parsed, format, err)
	}
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
				Error: "request body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes",
			})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "failed to read request body"})
		return nil, false
	}
	if len(payload) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "request body is empty"})
		return nil, false
	}
	return payload, true
}

// respond classifies parsed inputs and writes the results. A payload that
// was a single bare object gets a single object back.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, parsed *domain.Parsed, format domain.Format, err error) {
	ctx := r.Context()
	if format != "" {
		w.Header().Set(PayloadFormatHeader, string(format))
	}
	if err != nil {
		writeParseError(w, err)
		return
	}

	results, err := h.Classifier.ClassifyAll(ctx, parsed.Inputs)
	if err != nil {
		slog.ErrorContext(ctx, "classification unavailable", "request_id", GetRequestID(ctx), "error", err)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}

	if err := h.Recorder.Record(ctx, GetRequestID(ctx), results); err != nil {
		// Audit delivery never fails the request.
		slog.WarnContext(ctx, "audit not recorded", "request_id", GetRequestID(ctx), "error", err)
	}

	slog.DebugContext(ctx, "payload classified",
		"request_id", GetRequestID(ctx),
		"format", format,
		"results", len(results),
	)

	if parsed.Single && len(results) == 1 {
		writeJSON(w, http.StatusOK, results[0])
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// writeParseError maps ingestion errors to status codes.
func writeParseError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:  "payload validation failed",
			Kind:   verr.Kind,
			Issues: verr.Issues,
		})
	case errors.Is(err, domain.ErrUnknownFormat):
		writeJSON(w, http.StatusUnsupportedMediaType, ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrNoResults), errors.Is(err, domain.ErrUnsupportedMessageType):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}
}

// RulesetResponse describes the active ruleset.
type RulesetResponse struct {
	Version  string        `json:"version"`
	Sources  []string      `json:"sources"`
	Count    int           `json:"count"`
	Warnings []string      `json:"warnings,omitempty"`
	LoadedAt time.Time     `json:"loaded_at"`
	Rules    []domain.Rule `json:"rules,omitempty"`
}

// ListRules handles GET /rules. Pass ?rules=false to omit the rule bodies.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rs, err := h.Store.Current(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, rulesError(err, ""))
		return
	}

	resp := RulesetResponse{
		Version:  rs.Version,
		Sources:  rs.Sources,
		Count:    len(rs.Rules),
		Warnings: rs.Warnings,
		LoadedAt: rs.LoadedAt,
	}
	if r.URL.Query().Get("rules") != "false" {
		resp.Rules = rs.Rules
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReloadRules handles POST /rules/reload. A failed reload leaves the
// previous ruleset active and reports it.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reload(r.Context())
	if err != nil {
		active := ""
		if rs := h.Store.Loaded(); rs != nil {
			active = rs.Version
		}
		writeJSON(w, http.StatusUnprocessableEntity, rulesError(err, active))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Reload swaps in a freshly loaded ruleset and records the outcome. It is
// shared by the reload endpoint and the SIGHUP handler.
func (h *Handler) Reload(ctx context.Context) (*rules.ReloadResult, error) {
	active := ""
	if rs := h.Store.Loaded(); rs != nil {
		active = rs.Version
	}

	res, err := h.Store.Reload(ctx)
	if auditErr := h.Recorder.RecordReload(ctx, res, active, err); auditErr != nil {
		slog.WarnContext(ctx, "reload audit not recorded", "error", auditErr)
	}
	return res, err
}

func rulesError(err error, active string) ErrorResponse {
	resp := ErrorResponse{Error: err.Error(), ActiveVersion: active}
	var verr *domain.RulesValidationError
	if errors.As(err, &verr) {
		resp.Error = "ruleset validation failed"
		resp.Issues = verr.Issues
	}
	return resp
}

// ListExpertRules handles GET /expert-rules.
func (h *Handler) ListExpertRules(w http.ResponseWriter, r *http.Request) {
	list := h.Experts.Rules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"count": len(list),
	})
}

// ListAudit handles GET /audit?since=RFC3339&limit=N.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.Repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "repository not available"})
		return
	}

	q := r.URL.Query()
	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "since must be an RFC 3339 timestamp"})
			return
		}
		since = t
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	records, err := h.Repo.ListAuditRecords(r.Context(), since, limit)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list audit records", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to list audit records"})
		return
	}
	if records == nil {
		records = []*domain.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// GetAudit handles GET /audit/{id}.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	if h.Repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "repository not available"})
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := h.Repo.GetAuditRecord(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "audit record not found"})
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to get audit record", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to get audit record"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.Repo != nil {
		check("repository", h.Repo.Ping)
	}
	if h.Cache != nil {
		check("cache", h.Cache.Ping)
	}
	if h.Bus != nil {
		check("event_bus", h.Bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.Version,
		"checks":  checks,
	})
}

// Ready reports whether a ruleset is loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	rs, err := h.Store.Current(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready": false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":        true,
		"rule_version": rs.Version,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

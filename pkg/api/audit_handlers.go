package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/clinicguard/pkg/audit"
	"github.com/platinummonkey/clinicguard/pkg/httputil"
	"github.com/platinummonkey/clinicguard/pkg/middleware"
	"github.com/platinummonkey/clinicguard/pkg/observability"
)

// AuditHandlers serves the audit log query surface
type AuditHandlers struct {
	reader  *audit.Reader
	exports *middleware.RateLimiter
	logger  *observability.Logger
}

// NewAuditHandlers creates audit handlers. exports limits bulk export
// requests per caller.
func NewAuditHandlers(reader *audit.Reader, exports *middleware.RateLimiter, logger *observability.Logger) *AuditHandlers {
	if exports == nil {
		exports = middleware.NewRateLimiter(middleware.ExportRateLimitConfig())
	}
	return &AuditHandlers{
		reader:  reader,
		exports: exports,
		logger:  observability.OrDefault(logger).WithField("handler", "audit"),
	}
}

// RegisterRoutes registers audit routes
func (h *AuditHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/entries", h.listEntries).Methods("GET")
	router.HandleFunc("/audit/entries/{id}", h.getEntry).Methods("GET")
	router.HandleFunc("/audit/entries/{id}/corrections", h.correctEntry).Methods("POST")
	router.Handle("/audit/export", middleware.RateLimitMiddleware(h.exports)(http.HandlerFunc(h.export))).Methods("GET")
}

// CorrectionRequest amends an existing entry. The original is never changed.
type CorrectionRequest struct {
	Reason      string                 `json:"reason" validate:"required"`
	Corrections map[string]interface{} `json:"corrections" validate:"required,min=1"`
}

// parseQuery reads the audit filter from query parameters:
// actor_id, target_type, target_id, action, severity, tenant_id,
// from, to (RFC 3339), after, limit and cross_tenant.
func parseQuery(r *http.Request) (audit.Query, error) {
	var q audit.Query
	f := &q.Filter

	f.ActorID = httputil.ParseQueryString(r, "actor_id", "")
	f.TargetType = httputil.ParseQueryString(r, "target_type", "")
	f.TargetID = httputil.ParseQueryString(r, "target_id", "")
	f.Action = httputil.ParseQueryString(r, "action", "")
	f.TenantIDs = httputil.ParseQueryList(r, "tenant_id")
	for _, s := range httputil.ParseQueryList(r, "severity") {
		f.Severities = append(f.Severities, audit.Severity(s))
	}

	var err error
	if f.From, err = httputil.ParseQueryTime(r, "from"); err != nil {
		return q, err
	}
	if f.To, err = httputil.ParseQueryTime(r, "to"); err != nil {
		return q, err
	}
	if f.AfterSequence, err = httputil.ParseQueryInt64(r, "after", 0); err != nil {
		return q, err
	}
	if f.Limit, err = httputil.ParseQueryInt(r, "limit", 0); err != nil {
		return q, err
	}
	if q.CrossTenant, err = httputil.ParseQueryBool(r, "cross_tenant", false); err != nil {
		return q, err
	}
	return q, nil
}

func parseLookup(r *http.Request) (audit.Lookup, error) {
	var l audit.Lookup
	var err error
	if l.EventID, err = httputil.ParsePathString(r, "id"); err != nil {
		return l, err
	}
	l.CrossTenant, err = httputil.ParseQueryBool(r, "cross_tenant", false)
	return l, err
}

func (h *AuditHandlers) listEntries(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	page, err := h.reader.Query(r.Context(), ac, q)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if page.Entries == nil {
		page.Entries = []audit.Entry{}
	}
	_ = httputil.WriteSuccess(w, page)
}

func (h *AuditHandlers) getEntry(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	l, err := parseLookup(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	entry, err := h.reader.Get(r.Context(), ac, l)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, entry)
}

func (h *AuditHandlers) correctEntry(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	l, err := parseLookup(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req CorrectionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	entry, err := h.reader.Correct(r.Context(), ac, l, req.Reason, req.Corrections)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteCreated(w, entry)
}

func (h *AuditHandlers) export(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	format, err := audit.ParseFormat(httputil.ParseQueryString(r, "format", ""))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	sw := &streamWriter{w: w, contentType: format.ContentType(), filename: "audit-export." + string(format)}
	count, err := h.reader.Export(r.Context(), ac, q, format, sw)
	if err != nil {
		if !sw.started {
			writeError(w, r, h.logger, err)
			return
		}
		// Headers are gone; drop the connection so the client sees a
		// truncated export rather than a short one
		observability.Enrich(r.Context(), h.logger).WithError(err).
			WithField("written", count).
			Error("audit export aborted mid-stream")
		panic(http.ErrAbortHandler)
	}
	sw.start()
	observability.Enrich(r.Context(), h.logger).WithField("count", count).Info("audit export complete")
}

// streamWriter defers response headers until the first byte so a failure
// before any output still gets a proper error status.
type streamWriter struct {
	w           http.ResponseWriter
	contentType string
	filename    string
	started     bool
}

func (s *streamWriter) start() {
	if s.started {
		return
	}
	s.started = true
	s.w.Header().Set("Content-Type", s.contentType)
	s.w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.filename))
	s.w.WriteHeader(http.StatusOK)
}

func (s *streamWriter) Write(p []byte) (int, error) {
	s.start()
	return s.w.Write(p)
}

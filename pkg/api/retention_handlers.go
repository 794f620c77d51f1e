package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/clinicguard/pkg/access"
	"github.com/platinummonkey/clinicguard/pkg/httputil"
	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
	"github.com/platinummonkey/clinicguard/pkg/retention"
)

const day = 24 * time.Hour

// RetentionHandlers serves retention administration: policies, actions,
// legal holds and destruction certificates
type RetentionHandlers struct {
	engine *retention.Engine
	authz  *access.Authorizer
	logger *observability.Logger
}

// NewRetentionHandlers creates retention handlers
func NewRetentionHandlers(engine *retention.Engine, authz *access.Authorizer, logger *observability.Logger) *RetentionHandlers {
	return &RetentionHandlers{
		engine: engine,
		authz:  authz,
		logger: observability.OrDefault(logger).WithField("handler", "retention"),
	}
}

// RegisterRoutes registers retention routes
func (h *RetentionHandlers) RegisterRoutes(router *mux.Router) {
	// Policies
	router.HandleFunc("/retention/policies", h.listPolicies).Methods("GET")
	router.HandleFunc("/retention/policies", h.createPolicy).Methods("POST")
	router.HandleFunc("/retention/policies/{id}", h.getPolicy).Methods("GET")
	router.HandleFunc("/retention/policies/{id}", h.updatePolicy).Methods("PUT")
	router.HandleFunc("/retention/policies/{id}", h.deletePolicy).Methods("DELETE")

	// Actions
	router.HandleFunc("/retention/actions", h.listActions).Methods("GET")
	router.HandleFunc("/retention/actions/{id}", h.getAction).Methods("GET")
	router.HandleFunc("/retention/actions/{id}/approve", h.approveAction).Methods("POST")
	router.HandleFunc("/retention/actions/{id}/execute", h.executeAction).Methods("POST")
	router.HandleFunc("/retention/actions/{id}/cancel", h.cancelAction).Methods("POST")

	// Legal holds
	router.HandleFunc("/retention/holds", h.listHolds).Methods("GET")
	router.HandleFunc("/retention/holds", h.createHold).Methods("POST")
	router.HandleFunc("/retention/holds/{id}", h.getHold).Methods("GET")
	router.HandleFunc("/retention/holds/{id}/release", h.releaseHold).Methods("POST")

	// Certificates are read-only
	router.HandleFunc("/retention/certificates", h.listCertificates).Methods("GET")
	router.HandleFunc("/retention/certificates/{id}", h.getCertificate).Methods("GET")

	router.HandleFunc("/retention/run", h.run).Methods("POST")
}

// PolicyRequest creates or replaces a retention policy. Periods are in days.
type PolicyRequest struct {
	RecordClass       string `json:"record_class" validate:"required"`
	RetentionDays     int    `json:"retention_days" validate:"gt=0"`
	ArchiveAfterDays  int    `json:"archive_after_days" validate:"gte=0"`
	Basis             string `json:"basis" validate:"required,oneof=CREATED LAST_ACTIVITY"`
	DestructionMethod string `json:"destruction_method" validate:"required"`
	Description       string `json:"description,omitempty"`
	// Version is the version being replaced; ignored on create
	Version int64 `json:"version,omitempty"`
}

func (p PolicyRequest) policy() retention.Policy {
	return retention.Policy{
		RecordClass:       p.RecordClass,
		RetentionDuration: time.Duration(p.RetentionDays) * day,
		ArchiveOffset:     time.Duration(p.ArchiveAfterDays) * day,
		Basis:             retention.Basis(p.Basis),
		DestructionMethod: p.DestructionMethod,
		Description:       p.Description,
	}
}

// PolicyResponse is a policy with its periods in days
type PolicyResponse struct {
	retention.Policy
	RetentionDays    int `json:"retention_days"`
	ArchiveAfterDays int `json:"archive_after_days"`
}

func policyResponse(p *retention.Policy) PolicyResponse {
	return PolicyResponse{
		Policy:           *p,
		RetentionDays:    int(p.RetentionDuration / day),
		ArchiveAfterDays: int(p.ArchiveOffset / day),
	}
}

// ApproveRequest approves a pending destruction
type ApproveRequest struct {
	Note    string             `json:"note,omitempty"`
	Witness *retention.Witness `json:"witness,omitempty"`
}

// ExecuteRequest runs an approved destruction. The witness is mandatory
// unless one was supplied at approval.
type ExecuteRequest struct {
	Witness *retention.Witness `json:"witness,omitempty"`
}

// ReasonRequest carries a mandatory reason, optionally with the version read
type ReasonRequest struct {
	Reason  string `json:"reason" validate:"required"`
	Version int64  `json:"version,omitempty"`
}

// HoldRequest places a legal hold
type HoldRequest struct {
	TenantID      string     `json:"tenant_id" validate:"required"`
	RecordClasses []string   `json:"record_classes" validate:"required,min=1,dive,required"`
	SubjectID     string     `json:"subject_id,omitempty"`
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
	Reason        string     `json:"reason" validate:"required"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (h *RetentionHandlers) listPolicies(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	policies, err := h.engine.ListPolicies(r.Context(), ac)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := make([]PolicyResponse, 0, len(policies))
	for i := range policies {
		out = append(out, policyResponse(&policies[i]))
	}
	_ = httputil.WriteSuccess(w, out)
}

func (h *RetentionHandlers) createPolicy(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	var req PolicyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	p, err := h.engine.CreatePolicy(r.Context(), ac, req.policy())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteCreated(w, policyResponse(p))
}

func (h *RetentionHandlers) getPolicy(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	p, err := h.engine.GetPolicy(r.Context(), ac, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, policyResponse(p))
}

func (h *RetentionHandlers) updatePolicy(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req PolicyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Version <= 0 {
		httputil.WriteBadRequest(w, "version is required")
		return
	}
	p, err := h.engine.UpdatePolicy(r.Context(), ac, id, req.policy(), req.Version)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, policyResponse(p))
}

func (h *RetentionHandlers) deletePolicy(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	version, err := httputil.ParseQueryInt64(r, "version", 0)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if version <= 0 {
		httputil.WriteBadRequest(w, "version is required")
		return
	}
	if err := h.engine.DeletePolicy(r.Context(), ac, id, version); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *RetentionHandlers) listActions(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	f := retention.ActionFilter{
		Type:        retention.ActionType(httputil.ParseQueryString(r, "type", "")),
		RecordSetID: httputil.ParseQueryString(r, "record_set_id", ""),
		TenantIDs:   httputil.ParseQueryList(r, "tenant_id"),
		Limit:       limit,
	}
	for _, s := range httputil.ParseQueryList(r, "status") {
		f.Statuses = append(f.Statuses, retention.ActionStatus(s))
	}

	actions, err := h.engine.ListActions(r.Context(), ac, f)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if actions == nil {
		actions = []retention.Action{}
	}
	_ = httputil.WriteSuccess(w, actions)
}

func (h *RetentionHandlers) getAction(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	a, err := h.engine.GetAction(r.Context(), ac, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, a)
}

func (h *RetentionHandlers) approveAction(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req ApproveRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	a, err := h.engine.Approve(r.Context(), ac, id, req.Note, req.Witness)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, a)
}

// executeAction runs a destruction now. A covering legal hold defers it and
// answers 409; the action stays scheduled.
func (h *RetentionHandlers) executeAction(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req ExecuteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	cert, err := h.engine.Execute(r.Context(), ac, id, req.Witness)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, cert)
}

func (h *RetentionHandlers) cancelAction(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req ReasonRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	a, err := h.engine.Cancel(r.Context(), ac, id, req.Reason)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, a)
}

func (h *RetentionHandlers) listHolds(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	f := retention.HoldFilter{TenantID: httputil.ParseQueryString(r, "tenant_id", "")}
	for _, s := range httputil.ParseQueryList(r, "status") {
		f.Statuses = append(f.Statuses, retention.HoldStatus(s))
	}
	holds, err := h.engine.ListHolds(r.Context(), ac, f)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, holds)
}

func (h *RetentionHandlers) createHold(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	var req HoldRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	hold, err := h.engine.CreateHold(r.Context(), ac, retention.HoldRequest{
		Scope: retention.HoldScope{
			TenantID:      req.TenantID,
			RecordClasses: req.RecordClasses,
			SubjectID:     req.SubjectID,
			From:          req.From,
			To:            req.To,
		},
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteCreated(w, hold)
}

func (h *RetentionHandlers) getHold(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	hold, err := h.engine.GetHold(r.Context(), ac, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, hold)
}

func (h *RetentionHandlers) releaseHold(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req ReasonRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Version <= 0 {
		httputil.WriteBadRequest(w, "version is required")
		return
	}
	hold, err := h.engine.ReleaseHold(r.Context(), ac, id, req.Reason, req.Version)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, hold)
}

func (h *RetentionHandlers) listCertificates(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	certs, err := h.engine.ListCertificates(r.Context(), ac)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if certs == nil {
		certs = []retention.Certificate{}
	}
	_ = httputil.WriteSuccess(w, certs)
}

func (h *RetentionHandlers) getCertificate(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	cert, err := h.engine.GetCertificate(r.Context(), ac, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, cert)
}

// run triggers an evaluation pass outside the schedule. A pass spans every
// tenant, so only GLOBAL callers may start one.
func (h *RetentionHandlers) run(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.authz.Require(r.Context(), ac, rbac.RetentionActionExecute, string(rbac.ResourceRetentionAction), "run"); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if !ac.AuthorizedTenants().IsAll() {
		writeError(w, r, h.logger, access.ErrForbidden)
		return
	}

	summary, err := h.engine.Run(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	observability.Enrich(r.Context(), h.logger).WithFields(map[string]interface{}{
		"archived":  summary.Archived,
		"scheduled": summary.Scheduled,
		"destroyed": summary.Destroyed,
		"deferred":  summary.Deferred,
	}).Info("manual retention run complete")
	_ = httputil.WriteSuccess(w, summary)
}

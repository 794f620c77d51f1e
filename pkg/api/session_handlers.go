package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/clinicguard/pkg/access"
	"github.com/platinummonkey/clinicguard/pkg/audit"
	"github.com/platinummonkey/clinicguard/pkg/httputil"
	"github.com/platinummonkey/clinicguard/pkg/observability"
)

// Audit actions for session changes
const (
	ActionTenantSwitched = "session.tenant_switched"
	ActionSessionRevoked = "session.revoked"

	targetSession = "session"
)

// SessionHandlers lets an authenticated caller inspect their session, switch
// the active tenant and log out. Sign-in happens upstream.
type SessionHandlers struct {
	sessions access.SessionStore
	tokens   *access.TokenIssuer
	recorder *audit.Recorder
	logger   *observability.Logger
}

// NewSessionHandlers creates session handlers
func NewSessionHandlers(sessions access.SessionStore, tokens *access.TokenIssuer, recorder *audit.Recorder, logger *observability.Logger) *SessionHandlers {
	return &SessionHandlers{
		sessions: sessions,
		tokens:   tokens,
		recorder: recorder,
		logger:   observability.OrDefault(logger).WithField("handler", "session"),
	}
}

// RegisterRoutes registers session routes
func (h *SessionHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/session", h.getSession).Methods("GET")
	router.HandleFunc("/session", h.revokeSession).Methods("DELETE")
	router.HandleFunc("/session/tenant", h.switchTenant).Methods("PUT")
}

// SessionResponse describes the caller as the server resolved them
type SessionResponse struct {
	UserID       string   `json:"user_id"`
	SessionID    string   `json:"session_id"`
	ActiveTenant string   `json:"active_tenant,omitempty"`
	AllTenants   bool     `json:"all_tenants"`
	Tenants      []string `json:"tenants,omitempty"`
	Roles        []string `json:"roles"`
	Permissions  []string `json:"permissions"`
	// Token is set when the session changed and the old token is stale
	Token string `json:"token,omitempty"`
}

func sessionResponse(ac *access.Context) SessionResponse {
	authorized := ac.AuthorizedTenants()
	resp := SessionResponse{
		UserID:       ac.UserID(),
		SessionID:    ac.SessionID(),
		ActiveTenant: ac.ActiveTenant(),
		AllTenants:   authorized.IsAll(),
		Roles:        ac.RoleCodes(),
		Permissions:  ac.PermissionCodes(),
	}
	if !resp.AllTenants {
		resp.Tenants = authorized.IDs()
	}
	if resp.Roles == nil {
		resp.Roles = []string{}
	}
	if resp.Permissions == nil {
		resp.Permissions = []string{}
	}
	return resp
}

// SwitchTenantRequest selects the tenant subsequent requests act in
type SwitchTenantRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
}

func (h *SessionHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	_ = httputil.WriteSuccess(w, sessionResponse(ac))
}

// switchTenant changes the session's active tenant and returns a fresh
// token. Authorization of the tenant is re-checked on every later request.
func (h *SessionHandlers) switchTenant(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	var req SwitchTenantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ctx := r.Context()

	next, err := ac.WithActiveTenant(req.TenantID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	session, err := h.sessions.SetActiveTenant(ctx, ac.SessionID(), req.TenantID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	token, err := h.tokens.Issue(session)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.recorder.Record(ctx, next, audit.EventSpec{
		Action:      ActionTenantSwitched,
		Category:    audit.CategoryAccess,
		Target:      audit.Target{Type: targetSession, ID: session.ID},
		TenantID:    req.TenantID,
		Sensitivity: audit.NotProtected(),
		Metadata:    map[string]string{"previous_tenant": ac.ActiveTenant()},
	})

	resp := sessionResponse(next)
	resp.Token = token
	_ = httputil.WriteSuccess(w, resp)
}

func (h *SessionHandlers) revokeSession(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if err := h.sessions.Revoke(ctx, ac.SessionID()); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.recorder.Record(ctx, ac, audit.EventSpec{
		Action:      ActionSessionRevoked,
		Category:    audit.CategoryAccess,
		Target:      audit.Target{Type: targetSession, ID: ac.SessionID()},
		Sensitivity: audit.NotProtected(),
	})
	httputil.WriteNoContent(w)
}

package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/clinicguard/pkg/access"
	"github.com/platinummonkey/clinicguard/pkg/audit"
	"github.com/platinummonkey/clinicguard/pkg/httputil"
	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
	"github.com/platinummonkey/clinicguard/pkg/retention"
	"github.com/platinummonkey/clinicguard/pkg/tenancy"
)

var (
	conflictErrors = []error{
		retention.ErrHoldActive,
		retention.ErrVersionConflict,
		retention.ErrInvalidTransition,
		retention.ErrPolicyExists,
		retention.ErrLockHeld,
		rbac.ErrRoleExists,
		rbac.ErrAssignmentExists,
		rbac.ErrSystemRole,
	}
	badRequestErrors = []error{
		httputil.ErrInvalidRequest,
		retention.ErrInvalidPolicy,
		retention.ErrInvalidHold,
		retention.ErrWitnessRequired,
		retention.ErrReasonRequired,
		retention.ErrApprovalRequired,
		audit.ErrInvalidFilter,
		rbac.ErrUnknownPermission,
		rbac.ErrAssignmentInvalid,
	}
	notFoundErrors = []error{
		retention.ErrNotFound,
		audit.ErrNotFound,
		rbac.ErrRoleNotFound,
		tenancy.ErrNotFound,
		access.ErrSessionNotFound,
	}
)

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// writeError maps a domain error to its HTTP response. Unknown errors are a
// 500 with a generic body; a scope violation is indistinguishable from a miss.
func writeError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, err error) {
	log := observability.Enrich(r.Context(), logger).WithError(err)

	switch {
	case errors.Is(err, tenancy.ErrScopeViolation):
		log.Warn("request outside caller scope")
		httputil.WriteNotFound(w, "not found")
	case errors.Is(err, access.ErrUnauthenticated):
		httputil.WriteUnauthorized(w, "authentication required")
	case errors.Is(err, access.ErrForbidden):
		httputil.WriteForbidden(w, "forbidden")
	case errors.Is(err, access.ErrNoTenantContext):
		httputil.WriteBadRequest(w, "an active tenant is required for this operation")
	case isAny(err, notFoundErrors):
		httputil.WriteNotFound(w, "not found")
	case isAny(err, conflictErrors):
		httputil.WriteConflict(w, err.Error())
	case isAny(err, badRequestErrors):
		httputil.WriteRequestError(w, err)
	default:
		log.Error("request failed")
		httputil.WriteInternalError(w)
	}
}

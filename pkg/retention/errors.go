package retention

import "errors"

var (
	// ErrHoldActive is an expected deferral: an active legal hold covers the set
	ErrHoldActive = errors.New("legal hold active")
	// ErrInvalidTransition means the state machine does not allow the change
	ErrInvalidTransition = errors.New("invalid retention transition")
	// ErrApprovalRequired means a destruction has no approval
	ErrApprovalRequired = errors.New("approval required")
	// ErrWitnessRequired means a destruction has no witness metadata
	ErrWitnessRequired = errors.New("witness required")
	// ErrVersionConflict means an optimistic update lost a race
	ErrVersionConflict = errors.New("version conflict")
	// ErrNotFound means the policy, set, action, hold or certificate is unknown
	ErrNotFound = errors.New("not found")
	// ErrInvalidPolicy means a policy failed validation
	ErrInvalidPolicy = errors.New("invalid retention policy")
	// ErrInvalidHold means a hold request failed validation
	ErrInvalidHold = errors.New("invalid legal hold")
	// ErrPolicyExists means the record class already has a policy
	ErrPolicyExists = errors.New("retention policy already exists")
	// ErrNoSource means no source is registered for the record class
	ErrNoSource = errors.New("no retention source for record class")
	// ErrLockHeld means another process holds the tenant lock
	ErrLockHeld = errors.New("retention lock held")
	// ErrReasonRequired means a cancel or release was attempted without a reason
	ErrReasonRequired = errors.New("reason required")
)

package audit

import "errors"

var (
	// ErrAuditWriteFailure is raised to the alerter when a batch exhausts its
	// retries. It never reaches the operation that produced the entry.
	ErrAuditWriteFailure = errors.New("audit write failure")
	// ErrImmutable is returned for any attempt to change a written entry
	ErrImmutable = errors.New("audit entries are immutable")
	// ErrNotFound means no entry has the requested id
	ErrNotFound = errors.New("audit entry not found")
	// ErrInvalidFilter means the query parameters are malformed
	ErrInvalidFilter = errors.New("invalid audit filter")
	// ErrRecorderClosed is returned by Sync after Close
	ErrRecorderClosed = errors.New("audit recorder closed")
)

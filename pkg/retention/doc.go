// Package retention governs how long records live.
//
// Each record class has at most one Policy. A Source exposes the class as
// RecordSets (the audit trail is one set per tenant and calendar month) and
// the Engine walks every set through
//
//	ACTIVE -> ARCHIVED -> PENDING_DESTRUCTION -> DESTROYED
//
// Archiving exports the set to the configured Archiver. Reaching the end of
// the retention period only schedules a DESTRUCTION action; a person must
// approve it and a witness must be recorded before it can execute.
//
// # Legal holds
//
// An ACTIVE LegalHold freezes every set in its scope. Execute re-reads the
// holds inside a per-tenant lock that CreateHold also takes, so a hold placed
// after approval still stops the destruction. A held destruction becomes
// DEFERRED and Execute returns ErrHoldActive; this is an expected outcome,
// not a failure. Releasing the hold makes its deferred actions due again.
//
// Every executed destruction writes a permanent Certificate and a
// retention-exempt audit entry.
package retention

// Package audit records an append-only trail of security-relevant events.
//
// # Overview
//
// Every permission denial, scope violation, cross-tenant read, protected
// data access and retention action produces an Entry. Entries are never
// updated or deleted by application code: corrections are new entries that
// reference the original through RefersTo, and destruction by retention
// goes through BatchStore.PurgeBatch, which the PostgreSQL trigger only
// allows inside a purge transaction.
//
// # Recording
//
// Record never fails and never blocks on the store. The entry is appended
// to a write-ahead Journal (fsync'd NDJSON on disk) and then offered to a
// bounded queue that a worker pool flushes in batches:
//
//	rec := audit.NewRecorder(store, audit.DefaultConfig(),
//		audit.WithJournal(journal),
//		audit.WithLogger(logger),
//		audit.WithMetrics(metrics))
//	rec.Start(ctx)
//	defer rec.Close(shutdownCtx)
//
//	rec.Record(ctx, ac, audit.EventSpec{
//		Action:      "patient.update",
//		Category:    audit.CategoryMutation,
//		Target:      audit.Target{Type: "patient", ID: id},
//		Before:      before,
//		After:       after,
//		Sensitivity: audit.Protected("demographics"),
//	})
//
// If the store stays unavailable past RetryMaxElapsed the Alerter fires
// and the entries remain in the journal; the reconcile loop re-offers them
// and Start replays them after a restart. An event without a Sensitivity
// declaration is recorded as protected.
//
// # Reading
//
// Reader applies the same tenant scoping as tenancy.Interceptor. A GLOBAL
// caller reading across tenants needs tenant:cross_read and the read is
// itself recorded at WARNING.
//
//	page, err := reader.Query(ctx, ac, audit.Query{
//		Filter: audit.Filter{Action: "patient.update", Limit: 50},
//	})
//
// Export streams NDJSON or CSV. Correct appends an audit.correction entry.
package audit

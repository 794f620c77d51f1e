// Package tenancy enforces tenant scoping on every read and write of
// tenant-owned record classes.
//
// Domain code calls the interceptor explicitly at each call site:
//
//	sq, err := interceptor.WithTenantScope(ctx, ac, tenancy.Query{Class: "patient"})
//	rows, err := executor.List(ctx, sq)
//
//	sr, err := interceptor.WithTenantAssignment(ctx, ac, "patient", payload)
//	err = executor.Create(ctx, sr)
//
//	g, err := interceptor.WithTenantGuard(ctx, ac, "patient", tenancy.OpUpdate, tenancy.Filter{tenancy.Eq("id", id)})
//	n, err := executor.Update(ctx, g, changes)
//
// The executor only accepts ScopedQuery, ScopedRecord and GuardedFilter
// values, so an unscoped statement cannot be issued through it. Classes that
// are not registered are refused.
package tenancy

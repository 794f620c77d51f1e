// Package storage holds the connection settings for the backing services.
//
// The subpackages build clients from a Config:
//
//   - postgres: primary and read replica pools (audit queries use replicas)
//   - redis: the go-redis client behind sessions and the retention lock
//   - s3: the archive sink that receives record sets moved to ARCHIVED
//
// Nothing in this package knows about tenants, roles or audit entries; the
// domain packages own their schemas and receive plain *sql.DB, *redis.Client
// and Archiver values.
package storage

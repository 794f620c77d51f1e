// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for every setting except the database URL and the token secret.
//
// # Configuration Structure
//
// Server settings:
//
//	CLINICGUARD_HOST="0.0.0.0"
//	CLINICGUARD_PORT="8080"
//	CLINICGUARD_HEALTH_PORT="9090"
//	CLINICGUARD_READ_TIMEOUT="15s"
//	CLINICGUARD_WRITE_TIMEOUT="60s"
//
// Storage settings:
//
//	CLINICGUARD_POSTGRES_URL="postgres://localhost/clinicguard"
//	CLINICGUARD_POSTGRES_REPLICA_URLS="postgres://replica1/clinicguard,postgres://replica2/clinicguard"
//	CLINICGUARD_POSTGRES_MAX_CONNS="20"
//	CLINICGUARD_REDIS_URL="redis://localhost:6379/0"
//	CLINICGUARD_S3_BUCKET="clinicguard-archive"
//	CLINICGUARD_S3_REGION="us-east-1"
//
// Sessions:
//
//	CLINICGUARD_TOKEN_SECRET="<at least 32 bytes>"
//	CLINICGUARD_TOKEN_ISSUER="clinicguard"
//	CLINICGUARD_SESSION_TTL="8h"
//
// Audit recorder:
//
//	CLINICGUARD_AUDIT_JOURNAL_DIR="/var/lib/clinicguard/journal"
//	CLINICGUARD_AUDIT_QUEUE_CAPACITY="1024"
//	CLINICGUARD_AUDIT_FLUSH_WORKERS="2"
//	CLINICGUARD_AUDIT_RECONCILE_INTERVAL="30s"
//
// Retention:
//
//	CLINICGUARD_RETENTION_SCHEDULE="30 2 * * *"
//	CLINICGUARD_RETENTION_DEFER_INTERVAL="24h"
//	CLINICGUARD_RETENTION_LOCK_TTL="5m"
//	CLINICGUARD_RETENTION_WORKERS="4"
//
// Roles:
//
//	CLINICGUARD_ROLE_CATALOG="/etc/clinicguard/roles.yaml"
//
// Observability settings:
//
//	CLINICGUARD_LOG_LEVEL="info"  # debug, info, warn, error
//	CLINICGUARD_METRICS_ENABLED="true"
//	CLINICGUARD_OTEL_ENABLED="true"
//	CLINICGUARD_OTEL_ENDPOINT="otel-collector:4317"
//
// # Role Catalog
//
// The optional role catalog replaces the built-in system roles:
//
//	roles:
//	  - code: clinic_admin
//	    name: Clinic administrator
//	    scope_kind: SINGLE_TENANT
//	    permissions: [audit:view, retention:action:view]
//
// WatchRoleCatalog reloads it on change so system roles can be reconciled
// without a restart.
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	roles, err := config.LoadRoleCatalog(cfg.RoleCatalogPath)
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/observability: Uses observability configuration
//   - pkg/rbac: Consumes the role catalog
package config

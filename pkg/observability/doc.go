// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry setup.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", tenantID).Info("record set archived")
//
// FromContext and Enrich attach the request id, user id and active tenant id
// stored by the HTTP middleware.
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ScopeViolationsTotal.WithLabelValues("patient", "get").Inc()
//
// HTTPMetricsMiddleware must be installed with router.Use so that the mux
// route template is available as the route label.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer providers.Shutdown(ctx)
//	ctx, span := observability.Tracer().Start(ctx, "audit.Append")
package observability

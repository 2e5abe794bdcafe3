// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - POST/GET /api/monitors and GET/DELETE /api/monitors/{id} for task management.
//   - GET /api/system/status for scheduler and dependency health.
//   - POST /api/system/test-email to verify mail relay settings.
//   - GET /healthz and /readyz for liveness and readiness checks, GET /metrics for Prometheus scraping.
package api

// Package main hosts the restock monitor service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes monitor CRUD, system status, a test email endpoint, health checks,
//     and /metrics. New monitors are validated, persisted, and run once before the response is written (or queued
//     when api.immediate_run is false).
//   - Scheduler: a ticker enqueues every idle task each scheduler.interval into a bounded in-memory queue drained
//     by scheduler.workers workers. A task is never queued or running twice at once.
//   - Pipeline: Serper search per site, a keyword pre-filter plus OpenAI-compatible relevance classification,
//     colly page fetches throttled per domain, site-specific availability detectors, and a diff against the last
//     stored verdict. Availability changes send an email through go-mail and publish a change event.
//   - Persistence: tasks and last verdicts live in memory, SQLite, or Postgres (store.backend).
//   - Plumbing: Viper config from file and RESTOCK_* env vars, zap logging, Prometheus metrics, OpenTelemetry
//     tracing exported to Cloud Trace when telemetry.project_id is set.
//
// Quick checklist:
//   - Set RESTOCK_SEARCH_API_KEY, RESTOCK_RELEVANCE_API_KEY, and RESTOCK_MAIL_* for a useful deployment.
//     Without them search fails per site, filtering degrades to the keyword pre-filter, and emails are skipped.
//   - Run locally: go run ./cmd/restock -config config.yaml, or use the CLI: go run . serve --config config.yaml.
package main

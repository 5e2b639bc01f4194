// Package api hosts the admin HTTP server. Routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - /v1/jobs for creating, listing, launching, pausing, and resuming jobs, plus
//     progress and results.
//   - /v1/accounts/{account_id} for registering credentials and reconnecting
//     an expired account.
package api

// Package api hosts the HTTP server and handlers. Notable routes:
//   - GET / serves the usage document as markdown.
//   - GET /healthz, /health and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /{url} resolves the target URL to markdown.
package api

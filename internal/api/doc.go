// Package api hosts the HTTP server for operator access. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/fetch to queue (or run inline with "wait") a fetch.
//   - GET /v1/fetches/{id} to read a fetch record.
//   - POST /v1/convert to render a downloaded HTML file to PDF.
//   - GET/PUT/DELETE /v1/mirrors to inspect and edit the mirror table.
//
// Every filesystem path accepted or produced by the API is confined to the
// configured output directory.
package api

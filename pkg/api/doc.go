// Package api exposes Shepherd's HTTP surface: the readiness endpoint at
// GET /v0/ (enveloped service status, fed by the reconciler), the echo and
// fail check endpoints used by monitoring, the Prometheus metrics handler,
// and the served OpenAPI document. Responses use the {data|error} envelope.
// The server runs on its own goroutine and never blocks the reconciler.
package api

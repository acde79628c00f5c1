// Package gateway serves the provider listeners.
//
// Each enabled provider gets its own http.Server on its own port. The
// provider of a request is fixed by the listener it arrived on and is
// never inferred from the request. A listener serves two things:
//
//   - The emulated provider API. Requests are read into a
//     protocol.RequestContext and handed to the dispatcher; the returned
//     protocol.Response is written back as is.
//   - Admin endpoints under /_cloudemu/ (health, metrics, resources,
//     requests, operations), plus the /health and /_localstack/health
//     aliases used by existing tooling. Everything else, /metrics
//     included, belongs to the provider API.
//
// # Middleware
//
// Provider requests pass through, outermost first: panic recovery,
// exchange tracking, structured logging, metrics, request log capture and
// rate limiting (optional). Every rejection a middleware produces is
// rendered in the provider's error envelope, so throttled requests are
// still logged and counted.
package gateway

// Package metrics exposes Prometheus metrics for the emulator.
//
// All collectors live on a dedicated Registry (not the global default
// registry) and are served by Handler on each provider listener at
// /_cloudemu/metrics.
//
//   - cloudemu_requests_total: dispatched requests (labels: provider, service, operation, status)
//   - cloudemu_request_duration_seconds: dispatch latency (labels: provider, service, operation)
//   - cloudemu_inflight_requests: requests in progress (labels: provider)
//   - cloudemu_storage_operations_total: storage engine calls (labels: op, result)
//   - cloudemu_storage_operation_duration_seconds: storage engine latency (labels: op)
//   - cloudemu_resources_expired_total: resources reclaimed by TTL
//   - cloudemu_function_invocations_total: function runs (labels: status)
//   - cloudemu_workflow_executions_total: workflow runs (labels: status)
//
// Label values are lowercase except operation names, which keep the
// provider's spelling (PutObject, CreateTopic).
package metrics

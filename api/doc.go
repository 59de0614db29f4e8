// Copyright (c) TaskCore Authors.
// Licensed under the MIT License.

// Package api documents the TaskCore HTTP control surface.
//
// # API Overview
//
// All endpoints live under /api/v1 and exchange JSON wrapped in the
// envelope defined by handlers.Response:
//
//	{"success": true, "data": {...}, "timestamp": "...", "request_id": "..."}
//
// Tasks:
//   - POST /api/v1/tasks                        submit (optionally start) a swarm or routine task
//   - GET  /api/v1/tasks                        list active tasks in registration order
//   - GET  /api/v1/tasks/{id}                   task state, control state and history
//   - GET  /api/v1/tasks/{id}/snapshot          last persisted snapshot
//   - POST /api/v1/tasks/{id}/start|pause|resume|complete
//   - POST /api/v1/tasks/{id}/fail|stop|cancel  optional {"reason": "..."}
//   - POST /api/v1/tasks/{id}/transition        {"state": "LOADING"}
//
// Runs and signals:
//   - POST /api/v1/runs                         rate-limited run admission
//   - POST /api/v1/runs/{id}/complete|fail
//   - POST /api/v1/signals/insights
//   - POST /api/v1/signals/resource-alerts
//
// Approvals:
//   - GET  /api/v1/approvals
//   - POST /api/v1/approvals                    blocks until decided unless "async": true
//   - POST /api/v1/approvals/{id}/respond
//   - POST /api/v1/approvals/{id}/cancel
//   - POST /api/v1/approvals/correlations/{id}/cancel
//
// Operational endpoints (/health, /healthz, /ready, /version) are served on
// the API port; Prometheus metrics on the metrics port at /metrics.
//
// # Authentication
//
// When server.api_keys is configured every /api/v1 request must carry one
// of the keys in the X-API-Key header.
package api

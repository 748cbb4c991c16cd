// Package api exposes the job administration surface over HTTP.
//
// Routes:
//
//	GET  /healthz                 liveness and uptime (?verbose=true checks the database)
//	GET  /metrics                 Prometheus metrics
//	GET  /jobs                    list jobs (?status=, ?limit=)
//	POST /jobs                    create a job, optionally as a draft
//	GET  /jobs/{id}               job status and counters
//	POST /jobs/{id}/confirm       draft to queued
//	POST /jobs/{id}/cancel        request cancellation
//	POST /jobs/{id}/resume        re-queue a running, failed or canceled job
//	POST /jobs/{id}/run           run a queued job in this process
package api

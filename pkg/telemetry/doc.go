// Package telemetry provides logging, tracing, metrics and redaction for the guardian.
//
// # Structured Logging
//
// Logger wraps zerolog and adds the fields the orchestrator cares about:
//
//	logger := tel.Logger.NewComponentLogger("coordinator")
//	logger = logger.WithRunID(runID).WithItemID(item.ID).WithPlatform(item.Platform)
//	logger.Info("lease acquired")
//
// WithError scrubs the error text before it is attached, since collaborator
// errors sometimes echo request headers.
//
// # Redaction
//
// RedactMap and RedactString remove cookie values, credentials and tokens from
// anything that is logged or written to the audit log. Keys such as "value",
// "password", "token" or "session" (and any key ending in "_<key>") are
// replaced wholesale; free text is scrubbed with patterns for Cookie,
// Authorization and key=value fragments.
//
// # Metrics
//
// Metrics registers its collectors on a private registry. A disabled or nil
// *Metrics silently ignores every Record call, so callers never branch on it.
//
//	guardian_task_outcomes_total{platform,state,reason}
//	guardian_state_transitions_total{from,to}
//	guardian_circuit_breaker_state{platform}
//	guardian_oracle_decisions_total{kind,source}
//	guardian_oracle_budget_remaining_usd
//
// # Tracing
//
// Tracer emits one span per run and one per task. Exporters: otlp (gRPC),
// stdout, none.
package telemetry

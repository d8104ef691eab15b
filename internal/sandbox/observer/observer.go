// Package observer defines metrics hooks for sandbox execution.
package observer

import (
	"context"

	"execbox/internal/sandbox/result"
)

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveStep(ctx context.Context, language, step string, run result.RunResult)
	ObserveExecution(ctx context.Context, language string, res result.ExecutionResult)
	SandboxProvisioned()
	SandboxReleased(ok bool)
}

// NoopMetricsRecorder discards all metrics.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) ObserveStep(context.Context, string, string, result.RunResult) {}

func (NoopMetricsRecorder) ObserveExecution(context.Context, string, result.ExecutionResult) {}

func (NoopMetricsRecorder) SandboxProvisioned() {}

func (NoopMetricsRecorder) SandboxReleased(bool) {}

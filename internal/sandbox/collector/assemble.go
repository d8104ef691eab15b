package collector

import (
	"execbox/internal/sandbox/result"
)

// RunStatus maps a raw run step into its job status.
// Precedence: cancellation, memory, time, process cap, abnormal exit, truncation.
func RunStatus(run result.RunResult) result.Status {
	switch {
	case run.Cancelled:
		return result.StatusInternalError
	case run.OomKilled || run.LimitExceeded == result.LimitMemory:
		return result.StatusMemoryExceeded
	case run.LimitExceeded == result.LimitWallTime || run.LimitExceeded == result.LimitCPUTime:
		return result.StatusTimedOut
	case run.LimitExceeded == result.LimitProcesses:
		return result.StatusRuntimeError
	case !run.Exited || run.ExitCode != 0:
		return result.StatusRuntimeError
	case run.StdoutTruncated || run.StderrTruncated:
		return result.StatusOutputTruncated
	default:
		return result.StatusSuccess
	}
}

// Assemble converts the raw run step into an ExecutionResult.
// The exit code is present only when the process exited on its own.
func Assemble(run result.RunResult) result.ExecutionResult {
	res := result.ExecutionResult{
		Status:          RunStatus(run),
		Stdout:          run.Stdout,
		Stderr:          run.Stderr,
		StdoutTruncated: run.StdoutTruncated,
		StderrTruncated: run.StderrTruncated,
		Truncated:       run.StdoutTruncated || run.StderrTruncated,
		WallTimeMs:      run.WallTimeMs,
		CPUTimeMs:       run.CPUTimeMs,
		PeakMemoryBytes: run.PeakMemoryBytes,
		LimitExceeded:   run.LimitExceeded,
	}
	if run.OomKilled && res.LimitExceeded == result.LimitNone {
		res.LimitExceeded = result.LimitMemory
	}
	if run.Exited && !killedByEnforcer(run) {
		res.ExitCode = result.IntPtr(run.ExitCode)
	}
	if !run.Exited && run.Signal != "" {
		res.Signal = run.Signal
		res.SignalDescription = result.DescribeSignal(run.Signal)
	}
	if run.Cancelled {
		res.Message = result.CancelledMessage
	}
	return res
}

// CompileOutput captures the compile step for inclusion in the result.
func CompileOutput(run result.RunResult) *result.StepOutput {
	out := &result.StepOutput{
		Stdout:        run.Stdout,
		Stderr:        run.Stderr,
		Truncated:     run.StdoutTruncated || run.StderrTruncated,
		WallTimeMs:    run.WallTimeMs,
		CPUTimeMs:     run.CPUTimeMs,
		LimitExceeded: run.LimitExceeded,
	}
	if run.OomKilled && out.LimitExceeded == result.LimitNone {
		out.LimitExceeded = result.LimitMemory
	}
	if run.Exited && !killedByEnforcer(run) {
		out.ExitCode = result.IntPtr(run.ExitCode)
	}
	if !run.Exited {
		out.Signal = run.Signal
	}
	return out
}

// CompileFailed reports whether the compile step must stop the job.
func CompileFailed(run result.RunResult) bool {
	return run.OomKilled || run.LimitExceeded != result.LimitNone || !run.Exited || run.ExitCode != 0
}

func killedByEnforcer(run result.RunResult) bool {
	return run.Cancelled || run.OomKilled || run.LimitExceeded != result.LimitNone
}

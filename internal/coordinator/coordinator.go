// Package coordinator drives one job through provision, compile, run, collect and release.
package coordinator

import (
	"context"
	"time"

	"execbox/internal/sandbox/collector"
	"execbox/internal/sandbox/observer"
	"execbox/internal/sandbox/profile"
	"execbox/internal/sandbox/result"
	"execbox/internal/sandbox/runner"
	"execbox/internal/sandbox/spec"
	"execbox/internal/sandbox/workspace"
	"execbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// Job is one accepted unit of work. It is never mutated once accepted.
type Job struct {
	ID       string
	Language profile.Language
	Source   string
	Stdin    []byte
	Limits   spec.ResourceLimit
	// Cases, when present, replace Stdin: the run step repeats once per case
	// in the same sandbox and each run is graded against its expected output.
	Cases    []Case
}

// Case is one input with the output the program must print for it.
type Case struct {
	Srno     int
	Input    []byte
	Expected string
}

// LimitPolicy holds the server-side limits.
type LimitPolicy struct {
	Defaults spec.ResourceLimit
	Caps     spec.ResourceLimit
	// Compile applies to compile steps regardless of the job's request.
	Compile spec.ResourceLimit
}

// SandboxProvider hands out fresh sandboxes and takes them back.
type SandboxProvider interface {
	Provision(ctx context.Context) (*workspace.Sandbox, error)
	Release(ctx context.Context, sb *workspace.Sandbox) error
}

// StepRunner prepares and runs the toolchain steps of a language.
type StepRunner interface {
	WriteSource(sb *workspace.Sandbox, lang profile.Language, source string) error
	Steps(lang profile.Language, sb *workspace.Sandbox) ([]runner.Step, error)
	Run(ctx context.Context, step runner.Step, sb *workspace.Sandbox, lang profile.Language, limits spec.ResourceLimit, stdin []byte) (result.RunResult, error)
}

// Coordinator executes jobs. It is safe for concurrent use.
type Coordinator struct {
	sandboxes SandboxProvider
	steps     StepRunner
	limits    LimitPolicy
	metrics   observer.MetricsRecorder
}

// New creates a coordinator.
func New(sandboxes SandboxProvider, steps StepRunner, limits LimitPolicy, metrics observer.MetricsRecorder) *Coordinator {
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}
	return &Coordinator{sandboxes: sandboxes, steps: steps, limits: limits, metrics: metrics}
}

// EffectiveLimits returns the limits a job's run step will get.
func (c *Coordinator) EffectiveLimits(requested spec.ResourceLimit) spec.ResourceLimit {
	return spec.Clamp(requested, c.limits.Defaults, c.limits.Caps)
}

// Execute runs the job and always returns a result. Failures inside the
// service are logged and reported as InternalError; the sandbox is released
// on every path.
func (c *Coordinator) Execute(ctx context.Context, job Job) (res result.ExecutionResult) {
	ctx = logger.WithJob(ctx, job.ID, string(job.Language))
	start := time.Now()
	limits := c.EffectiveLimits(job.Limits)

	sb, err := c.sandboxes.Provision(ctx)
	if err != nil {
		res = c.internal(ctx, "provision sandbox failed", err)
		c.metrics.ObserveExecution(ctx, string(job.Language), res)
		return res
	}
	c.metrics.SandboxProvisioned()
	guard := &releaseGuard{c: c, sb: sb, job: job, start: start}
	defer guard.finish(ctx, &res)

	return c.execute(ctx, job, sb, limits)
}

func (c *Coordinator) execute(ctx context.Context, job Job, sb *workspace.Sandbox, limits spec.ResourceLimit) result.ExecutionResult {
	if err := sb.Activate(); err != nil {
		return c.internal(ctx, "activate sandbox failed", err)
	}
	steps, err := c.steps.Steps(job.Language, sb)
	if err != nil {
		return c.internal(ctx, "resolve toolchain steps failed", err)
	}
	if err := c.steps.WriteSource(sb, job.Language, job.Source); err != nil {
		return c.internal(ctx, "write source failed", err)
	}

	var compileOut *result.StepOutput
	for _, step := range steps {
		if step.Kind == runner.StepCompile {
			run, err := c.steps.Run(ctx, step, sb, job.Language, c.compileLimits(limits), nil)
			if err != nil {
				return c.internal(ctx, "compile step failed", err)
			}
			if run.Cancelled {
				return collector.Assemble(run)
			}
			compileOut = collector.CompileOutput(run)
			if collector.CompileFailed(run) {
				return result.ExecutionResult{
					Status:          result.StatusCompileError,
					Stderr:          run.Stderr,
					Truncated:       compileOut.Truncated,
					StderrTruncated: run.StderrTruncated,
					LimitExceeded:   compileOut.LimitExceeded,
					Compile:         compileOut,
				}
			}
			continue
		}

		if len(job.Cases) > 0 {
			res := c.runCases(ctx, step, sb, job, limits)
			res.Compile = compileOut
			return res
		}
		run, err := c.steps.Run(ctx, step, sb, job.Language, limits, job.Stdin)
		if err != nil {
			return c.internal(ctx, "run step failed", err)
		}
		res := collector.Assemble(run)
		res.Compile = compileOut
		return res
	}
	return c.internal(ctx, "no run step", nil)
}

// runCases repeats the run step for every case. A cancelled run stops the job.
func (c *Coordinator) runCases(ctx context.Context, step runner.Step, sb *workspace.Sandbox, job Job, limits spec.ResourceLimit) result.ExecutionResult {
	cases := make([]result.CaseResult, 0, len(job.Cases))
	for _, tc := range job.Cases {
		run, err := c.steps.Run(ctx, step, sb, job.Language, limits, tc.Input)
		if err != nil {
			return c.internal(ctx, "case run failed", err)
		}
		if run.Cancelled {
			return collector.Assemble(run)
		}
		cases = append(cases, collector.Grade(tc.Srno, run, tc.Expected))
	}
	res := collector.Summarize(cases)
	logger.Debug(ctx, "cases graded", zap.Int("cases", len(cases)), zap.Int("passed", passed(cases)))
	return res
}

func passed(cases []result.CaseResult) int {
	n := 0
	for _, c := range cases {
		if c.Verdict == result.CasePassed {
			n++
		}
	}
	return n
}

// compileLimits keeps the compile step's output ceiling in line with the job's.
func (c *Coordinator) compileLimits(limits spec.ResourceLimit) spec.ResourceLimit {
	compile := c.limits.Compile
	if compile.MaxOutputBytes <= 0 {
		compile.MaxOutputBytes = limits.MaxOutputBytes
	}
	return compile
}

func (c *Coordinator) internal(ctx context.Context, msg string, err error) result.ExecutionResult {
	logger.Error(ctx, msg, zap.Error(err))
	return result.Internal("")
}

// releaseGuard owns the sandbox for the duration of one Execute call.
type releaseGuard struct {
	c     *Coordinator
	sb    *workspace.Sandbox
	job   Job
	start time.Time
}

// finish must be deferred directly so it can recover a panic from the steps.
func (g *releaseGuard) finish(ctx context.Context, res *result.ExecutionResult) {
	if r := recover(); r != nil {
		logger.Error(ctx, "execution panicked", zap.Any("panic", r), zap.Stack("stack"))
		*res = result.Internal("")
	}

	// Release must complete even when the job's context is already cancelled.
	releaseCtx := context.WithoutCancel(ctx)
	err := g.c.sandboxes.Release(releaseCtx, g.sb)
	if err != nil {
		logger.Error(ctx, "release sandbox failed", zap.String("sandbox", g.sb.ID), zap.Error(err))
	}
	g.c.metrics.SandboxReleased(err == nil)
	g.c.metrics.ObserveExecution(ctx, string(g.job.Language), *res)

	logger.Info(ctx, "execution finished",
		zap.String("status", string(res.Status)),
		zap.String("limit", string(res.LimitExceeded)),
		zap.Int64("wall_time_ms", res.WallTimeMs),
		zap.Int64("cpu_time_ms", res.CPUTimeMs),
		zap.Int64("peak_memory_bytes", res.PeakMemoryBytes),
		zap.Duration("elapsed", time.Since(g.start)),
	)
}

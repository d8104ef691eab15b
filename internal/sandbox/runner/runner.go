// Package runner turns a language spec into sandboxed compile and run steps.
package runner

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/google/shlex"

	"execbox/internal/sandbox/engine"
	"execbox/internal/sandbox/observer"
	"execbox/internal/sandbox/profile"
	"execbox/internal/sandbox/result"
	"execbox/internal/sandbox/security"
	"execbox/internal/sandbox/spec"
	"execbox/internal/sandbox/workspace"
	appErr "execbox/pkg/errors"
)

// ContainerWorkDir is where the workspace appears when it is bind mounted into a rootfs.
const ContainerWorkDir = "/work"

// StepKind names a step of a job.
type StepKind string

const (
	StepCompile StepKind = "compile"
	StepRun     StepKind = "run"
)

// Step is one fully expanded toolchain invocation.
type Step struct {
	Kind    StepKind
	Cmd     []string
	Env     []string
	Profile string
}

// Config controls how the workspace is presented to sandboxed steps.
type Config struct {
	// MountWorkspace bind mounts the workspace at ContainerWorkDir.
	// Only meaningful when the engine runs steps inside a separate rootfs.
	MountWorkspace bool
}

// Invoker prepares and runs toolchain steps.
type Invoker struct {
	languages *profile.Registry
	eng       engine.Engine
	metrics   observer.MetricsRecorder
	cfg       Config
}

// NewInvoker creates an invoker backed by the sandbox engine.
func NewInvoker(languages *profile.Registry, eng engine.Engine, cfg Config) *Invoker {
	return NewInvokerWithObserver(languages, eng, cfg, observer.NoopMetricsRecorder{})
}

// NewInvokerWithObserver creates an invoker with metrics hooks.
func NewInvokerWithObserver(languages *profile.Registry, eng engine.Engine, cfg Config, metrics observer.MetricsRecorder) *Invoker {
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}
	return &Invoker{languages: languages, eng: eng, metrics: metrics, cfg: cfg}
}

// WriteSource places the job's source under the language's file name.
func (i *Invoker) WriteSource(sb *workspace.Sandbox, lang profile.Language, source string) error {
	langSpec, err := i.languages.Spec(lang)
	if err != nil {
		return err
	}
	if langSpec.SourceFile == "" {
		return appErr.ValidationError("source_file_name", "required")
	}
	return sb.WriteFile(langSpec.SourceFile, []byte(source))
}

// Steps returns the compile step, if any, followed by the run step.
func (i *Invoker) Steps(lang profile.Language, sb *workspace.Sandbox) ([]Step, error) {
	langSpec, err := i.languages.Spec(lang)
	if err != nil {
		return nil, err
	}
	workDir := i.workDir(sb)
	env := expandEnv(langSpec.Env, workDir)

	steps := make([]Step, 0, 2)
	if langSpec.Compiled() {
		cmd, err := buildCommand(langSpec.CompileCmdTpl, langSpec, workDir)
		if err != nil {
			return nil, err
		}
		steps = append(steps, Step{Kind: StepCompile, Cmd: cmd, Env: env, Profile: security.ProfileCompile})
	}
	cmd, err := buildCommand(langSpec.RunCmdTpl, langSpec, workDir)
	if err != nil {
		return nil, err
	}
	steps = append(steps, Step{Kind: StepRun, Cmd: cmd, Env: env, Profile: security.ProfileRun})
	return steps, nil
}

// Run executes one step in the sandbox under the given limits.
func (i *Invoker) Run(ctx context.Context, step Step, sb *workspace.Sandbox, lang profile.Language, limits spec.ResourceLimit, stdin []byte) (result.RunResult, error) {
	if err := validateStep(step, sb); err != nil {
		return result.RunResult{}, err
	}
	runSpec := spec.RunSpec{
		RunID:    sb.ID + "-" + string(step.Kind),
		WorkDir:  i.workDir(sb),
		HostDir:  sb.Path,
		Cmd:      step.Cmd,
		Env:      step.Env,
		Stdin:    stdin,
		Profile:  step.Profile,
		Identity: sb.Identity,
		Limits:   limits,
	}
	if i.cfg.MountWorkspace {
		runSpec.BindMounts = []spec.MountSpec{{Source: sb.Path, Target: ContainerWorkDir}}
	}

	runRes, err := i.eng.Run(ctx, runSpec)
	if err != nil {
		return result.RunResult{}, err
	}
	i.metrics.ObserveStep(ctx, string(lang), string(step.Kind), runRes)
	return runRes, nil
}

func (i *Invoker) workDir(sb *workspace.Sandbox) string {
	if i.cfg.MountWorkspace {
		return ContainerWorkDir
	}
	return sb.Path
}

func validateStep(step Step, sb *workspace.Sandbox) error {
	if sb == nil || sb.ID == "" || sb.Path == "" {
		return appErr.ValidationError("sandbox", "required")
	}
	if len(step.Cmd) == 0 {
		return appErr.ValidationError("cmd", "required")
	}
	switch step.Kind {
	case StepCompile, StepRun:
	default:
		return appErr.Newf(appErr.InvalidParams, "unsupported step kind: %s", step.Kind)
	}
	return nil
}

func expand(tpl string, lang profile.LanguageSpec, workDir string) string {
	expanded := tpl
	expanded = strings.ReplaceAll(expanded, "{src}", filepath.Join(workDir, lang.SourceFile))
	if lang.BinaryFile != "" {
		expanded = strings.ReplaceAll(expanded, "{bin}", filepath.Join(workDir, lang.BinaryFile))
	}
	return strings.ReplaceAll(expanded, "{workdir}", workDir)
}

func buildCommand(tpl string, lang profile.LanguageSpec, workDir string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	fields, err := shlex.Split(expand(tpl, lang, workDir))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}

func expandEnv(env []string, workDir string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		out = append(out, strings.ReplaceAll(kv, "{workdir}", workDir))
	}
	return out
}

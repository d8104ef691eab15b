//go:build !linux

package engine

import (
	"context"

	"execbox/internal/sandbox/result"
	"execbox/internal/sandbox/spec"
	appErr "execbox/pkg/errors"
)

type stubEngine struct{}

// NewEngine returns an engine that refuses to run outside linux.
func NewEngine(cfg Config, resolver ProfileResolver) (Engine, error) {
	return &stubEngine{}, nil
}

func (s *stubEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	return result.RunResult{}, appErr.New(appErr.SandboxSystemError).WithMessage("sandbox engine is only supported on linux")
}

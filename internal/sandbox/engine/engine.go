// Package engine runs one sandboxed step under enforced resource limits.
package engine

import (
	"context"
	"time"

	"execbox/internal/sandbox/result"
	"execbox/internal/sandbox/security"
	"execbox/internal/sandbox/spec"
)

// Engine executes a RunSpec inside an isolated sandbox.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error)
}

// ProfileResolver resolves a profile name into an isolation profile.
type ProfileResolver interface {
	Resolve(profile string) (security.IsolationProfile, error)
}

// Config controls sandbox engine behavior.
type Config struct {
	CgroupRoot       string
	SeccompDir       string
	HelperPath       string
	EnableSeccomp    bool
	EnableCgroup     bool
	EnableNamespaces bool
	// CPUPollInterval is how often cgroup CPU usage is sampled against the limit.
	CPUPollInterval time.Duration
	// KillGrace bounds how long output pipes are drained after the process group is killed.
	KillGrace    time.Duration
	MaxFileBytes int64
}

const (
	defaultCPUPollInterval       = 50 * time.Millisecond
	defaultKillGrace             = 500 * time.Millisecond
	defaultMaxFileBytes    int64 = 64 << 20
)

func (c Config) withDefaults() Config {
	if c.HelperPath == "" {
		c.HelperPath = "sandbox-init"
	}
	if c.CPUPollInterval <= 0 {
		c.CPUPollInterval = defaultCPUPollInterval
	}
	if c.KillGrace <= 0 {
		c.KillGrace = defaultKillGrace
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = defaultMaxFileBytes
	}
	return c
}

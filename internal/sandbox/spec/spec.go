// Package spec defines the execution specification and resource limits.
package spec

// ResourceLimit describes hard limits enforced by the sandbox for one step.
type ResourceLimit struct {
	CPUTimeMs      int64 `json:"cpu_time_ms,omitempty" yaml:"cpuTimeMs"`
	WallTimeMs     int64 `json:"wall_time_ms,omitempty" yaml:"wallTimeMs"`
	MemoryBytes    int64 `json:"memory_bytes,omitempty" yaml:"memoryBytes"`
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty" yaml:"maxOutputBytes"`
	MaxProcesses   int64 `json:"max_processes,omitempty" yaml:"maxProcesses"`
	MaxOpenFiles   int64 `json:"max_open_files,omitempty" yaml:"maxOpenFiles"`
	StackBytes     int64 `json:"stack_bytes,omitempty" yaml:"stackBytes"`
}

// Clamp resolves a caller request into effective limits.
// Unset (zero or negative) fields take the default; every field is then capped.
// A zero cap leaves the field uncapped.
func Clamp(requested, defaults, caps ResourceLimit) ResourceLimit {
	return ResourceLimit{
		CPUTimeMs:      clampField(requested.CPUTimeMs, defaults.CPUTimeMs, caps.CPUTimeMs),
		WallTimeMs:     clampField(requested.WallTimeMs, defaults.WallTimeMs, caps.WallTimeMs),
		MemoryBytes:    clampField(requested.MemoryBytes, defaults.MemoryBytes, caps.MemoryBytes),
		MaxOutputBytes: clampField(requested.MaxOutputBytes, defaults.MaxOutputBytes, caps.MaxOutputBytes),
		MaxProcesses:   clampField(requested.MaxProcesses, defaults.MaxProcesses, caps.MaxProcesses),
		MaxOpenFiles:   clampField(requested.MaxOpenFiles, defaults.MaxOpenFiles, caps.MaxOpenFiles),
		StackBytes:     clampField(requested.StackBytes, defaults.StackBytes, caps.StackBytes),
	}
}

func clampField(requested, def, max int64) int64 {
	v := requested
	if v <= 0 {
		v = def
	}
	if max > 0 && (v <= 0 || v > max) {
		v = max
	}
	if v < 0 {
		return 0
	}
	return v
}

// Within reports whether every capped field of l is inside caps.
func (l ResourceLimit) Within(caps ResourceLimit) bool {
	pairs := [][2]int64{
		{l.CPUTimeMs, caps.CPUTimeMs},
		{l.WallTimeMs, caps.WallTimeMs},
		{l.MemoryBytes, caps.MemoryBytes},
		{l.MaxOutputBytes, caps.MaxOutputBytes},
		{l.MaxProcesses, caps.MaxProcesses},
		{l.MaxOpenFiles, caps.MaxOpenFiles},
		{l.StackBytes, caps.StackBytes},
	}
	for _, p := range pairs {
		if p[1] > 0 && (p[0] <= 0 || p[0] > p[1]) {
			return false
		}
	}
	return true
}

// Identity is the non-privileged principal a step runs as.
type Identity struct {
	UID int `json:"uid"`
	GID int `json:"gid"`
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// RunSpec is the unified execution specification for one step.
type RunSpec struct {
	RunID      string
	WorkDir    string
	HostDir    string
	Cmd        []string
	Env        []string
	Stdin      []byte
	BindMounts []MountSpec
	Profile    string
	Identity   Identity
	Limits     ResourceLimit
}

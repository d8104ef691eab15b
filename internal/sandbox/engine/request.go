package engine

import (
	"execbox/internal/sandbox/spec"
)

// initRequest is handed to the sandbox-init helper on fd 3.
type initRequest struct {
	WorkDir        string           `json:"work_dir"`
	Cmd            []string         `json:"cmd"`
	Env            []string         `json:"env"`
	BindMounts     []spec.MountSpec `json:"bind_mounts,omitempty"`
	RootFS         string           `json:"root_fs,omitempty"`
	SeccompProfile string           `json:"seccomp_profile,omitempty"`
	EnableNs       bool             `json:"enable_ns"`
	Rlimits        rlimitRequest    `json:"rlimits"`
}

// rlimitRequest carries soft limits; the helper sets each hard limit equal,
// except CPU which gets one extra second so SIGXCPU arrives before SIGKILL.
type rlimitRequest struct {
	CPUSeconds        uint64 `json:"cpu_seconds,omitempty"`
	AddressSpaceBytes uint64 `json:"address_space_bytes,omitempty"`
	StackBytes        uint64 `json:"stack_bytes,omitempty"`
	Processes         uint64 `json:"processes,omitempty"`
	OpenFiles         uint64 `json:"open_files,omitempty"`
	FileSizeBytes     uint64 `json:"file_size_bytes,omitempty"`
}

func buildRlimits(limits spec.ResourceLimit, cfg Config, perIdentity bool) rlimitRequest {
	req := rlimitRequest{
		StackBytes:    uint64(nonNegative(limits.StackBytes)),
		OpenFiles:     uint64(nonNegative(limits.MaxOpenFiles)),
		FileSizeBytes: uint64(nonNegative(cfg.MaxFileBytes)),
	}
	if limits.CPUTimeMs > 0 {
		// The cgroup poller enforces the exact limit; the rlimit is a backstop.
		req.CPUSeconds = uint64((limits.CPUTimeMs+999)/1000) + 1
		if !cfg.EnableCgroup {
			req.CPUSeconds = uint64((limits.CPUTimeMs + 999) / 1000)
		}
	}
	if !cfg.EnableCgroup && limits.MemoryBytes > 0 {
		req.AddressSpaceBytes = uint64(limits.MemoryBytes)
	}
	// RLIMIT_NPROC counts every process of the uid, so it only applies to pooled identities.
	if perIdentity && limits.MaxProcesses > 0 {
		req.Processes = uint64(limits.MaxProcesses)
	}
	return req
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

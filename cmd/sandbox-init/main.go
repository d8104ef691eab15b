//go:build linux

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

const (
	requestFD = 3
	errorFD   = 4
)

func main() {
	// The error pipe closes on a successful exec, so the engine reads EOF.
	unix.CloseOnExec(errorFD)
	if err := run(); err != nil {
		report(err)
		os.Exit(1)
	}
}

func report(err error) {
	errPipe := os.NewFile(errorFD, "error-pipe")
	if errPipe == nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		return
	}
	_, _ = fmt.Fprint(errPipe, err.Error())
	_ = errPipe.Close()
}

func run() error {
	reqFile := os.NewFile(requestFD, "init-request")
	if reqFile == nil {
		return fmt.Errorf("init request fd missing")
	}
	req, err := decodeRequest(reqFile)
	_ = reqFile.Close()
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	if req.EnableNs {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make mount private: %w", err)
		}
		if err := applyBindMounts(req.RootFS, req.BindMounts); err != nil {
			return err
		}
		if req.RootFS != "" {
			if err := unix.Chroot(req.RootFS); err != nil {
				return fmt.Errorf("chroot: %w", err)
			}
			if err := os.Chdir("/"); err != nil {
				return fmt.Errorf("chdir root: %w", err)
			}
		}
	} else if req.RootFS != "" || len(req.BindMounts) > 0 {
		return fmt.Errorf("namespaces disabled with rootfs or bind mounts")
	}

	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	if err := applyRlimits(req.Rlimits); err != nil {
		return err
	}
	if req.EnableNs {
		// The helper is namespace root; the program must not inherit that.
		if err := dropCapabilities(); err != nil {
			return err
		}
	}

	env := buildEnv(req.Env)
	cmdPath, err := lookPath(req.Cmd[0], env)
	if err != nil {
		return err
	}

	if req.SeccompProfile != "" {
		if err := applySeccomp(req.SeccompProfile); err != nil {
			return err
		}
	} else if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}

	if err := unix.Exec(cmdPath, req.Cmd, env); err != nil {
		return fmt.Errorf("exec %s: %w", req.Cmd[0], err)
	}
	return nil
}

const (
	secbitNoRoot       = 1 << 0
	secbitNoRootLocked = 1 << 1
)

// dropCapabilities empties the bounding set and the current sets, and stops
// exec as uid 0 from granting them back.
func dropCapabilities() error {
	for c := 0; c <= unix.CAP_LAST_CAP; c++ {
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0); err != nil && !errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("drop bounding cap %d: %w", c, err)
		}
	}
	if err := unix.Prctl(unix.PR_SET_SECUREBITS, secbitNoRoot|secbitNoRootLocked, 0, 0, 0); err != nil {
		return fmt.Errorf("set securebits: %w", err)
	}
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return fmt.Errorf("clear capabilities: %w", err)
	}
	return nil
}

func decodeRequest(r io.Reader) (initRequest, error) {
	var req initRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return initRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req initRequest) error {
	if len(req.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if req.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	return nil
}

// lookPath resolves the command against the PATH the program will see.
func lookPath(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	path := ""
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			path = strings.TrimPrefix(kv, "PATH=")
		}
	}
	if err := os.Setenv("PATH", path); err != nil {
		return "", fmt.Errorf("set path: %w", err)
	}
	resolved, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("resolve command: %w", err)
	}
	return resolved, nil
}

func applyBindMounts(rootfs string, mounts []mountSpec) error {
	for _, m := range mounts {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("invalid mount spec")
		}
		target := m.Target
		if rootfs != "" {
			target = filepath.Join(rootfs, m.Target)
		}
		if err := ensureMountTarget(m.Source, target); err != nil {
			return err
		}
		if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount: %w", err)
		}
		if m.ReadOnly {
			if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remount readonly: %w", err)
			}
		}
	}
	if rootfs != "" {
		procPath := filepath.Join(rootfs, "proc")
		if err := os.MkdirAll(procPath, 0755); err != nil {
			return fmt.Errorf("mkdir proc: %w", err)
		}
		if err := unix.Mount("proc", procPath, "proc", 0, ""); err != nil && !errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("mount proc: %w", err)
		}
	}
	return nil
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat mount source: %w", err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("mkdir mount target: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("mkdir mount target dir: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("create mount target file: %w", err)
	}
	return file.Close()
}

func applyRlimits(limits rlimitRequest) error {
	set := func(resource int, name string, cur, max uint64) error {
		if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: cur, Max: max}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", name, err)
		}
		return nil
	}
	if err := set(unix.RLIMIT_CORE, "core", 0, 0); err != nil {
		return err
	}
	if limits.CPUSeconds > 0 {
		if err := set(unix.RLIMIT_CPU, "cpu", limits.CPUSeconds, limits.CPUSeconds+1); err != nil {
			return err
		}
	}
	if limits.AddressSpaceBytes > 0 {
		if err := set(unix.RLIMIT_AS, "as", limits.AddressSpaceBytes, limits.AddressSpaceBytes); err != nil {
			return err
		}
	}
	if limits.StackBytes > 0 {
		if err := set(unix.RLIMIT_STACK, "stack", limits.StackBytes, limits.StackBytes); err != nil {
			return err
		}
	}
	if limits.Processes > 0 {
		if err := set(unix.RLIMIT_NPROC, "nproc", limits.Processes, limits.Processes); err != nil {
			return err
		}
	}
	if limits.OpenFiles > 0 {
		if err := set(unix.RLIMIT_NOFILE, "nofile", limits.OpenFiles, limits.OpenFiles); err != nil {
			return err
		}
	}
	if limits.FileSizeBytes > 0 {
		if err := set(unix.RLIMIT_FSIZE, "fsize", limits.FileSizeBytes, limits.FileSizeBytes); err != nil {
			return err
		}
	}
	return nil
}

func buildEnv(env []string) []string {
	out := make([]string, 0, len(env)+1)
	hasPath := false
	for _, kv := range env {
		if !strings.Contains(kv, "=") {
			continue
		}
		if strings.HasPrefix(kv, "PATH=") {
			hasPath = true
		}
		out = append(out, kv)
	}
	if !hasPath {
		out = append(out, "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	}
	return out
}

func applySeccomp(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("read seccomp profile: %w", err)
	}
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse seccomp profile: %w", err)
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Profiles list syscalls across kernels; unknown names are skipped.
				continue
			}
			if err := filter.AddRule(call, action); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := filter.SetNoNewPrivsBit(true); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case "SCMP_ACT_LOG":
		return seccomp.ActLog, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}

type initRequest struct {
	WorkDir        string        `json:"work_dir"`
	Cmd            []string      `json:"cmd"`
	Env            []string      `json:"env"`
	BindMounts     []mountSpec   `json:"bind_mounts"`
	RootFS         string        `json:"root_fs"`
	SeccompProfile string        `json:"seccomp_profile"`
	EnableNs       bool          `json:"enable_ns"`
	Rlimits        rlimitRequest `json:"rlimits"`
}

type mountSpec struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

type rlimitRequest struct {
	CPUSeconds        uint64 `json:"cpu_seconds"`
	AddressSpaceBytes uint64 `json:"address_space_bytes"`
	StackBytes        uint64 `json:"stack_bytes"`
	Processes         uint64 `json:"processes"`
	OpenFiles         uint64 `json:"open_files"`
	FileSizeBytes     uint64 `json:"file_size_bytes"`
}

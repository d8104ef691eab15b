//go:build linux

package engine

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"execbox/internal/sandbox/collector"
	"execbox/internal/sandbox/result"
	"execbox/internal/sandbox/security"
	"execbox/internal/sandbox/spec"
	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const helperErrorMaxBytes = 4096

type linuxEngine struct {
	cfg      Config
	resolver ProfileResolver
}

// NewEngine creates a Linux sandbox engine.
func NewEngine(cfg Config, resolver ProfileResolver) (Engine, error) {
	if resolver == nil {
		return nil, appErr.ValidationError("profile_resolver", "required")
	}
	cfg = cfg.withDefaults()
	if cfg.EnableCgroup {
		if cfg.CgroupRoot == "" {
			return nil, appErr.ValidationError("cgroup_root", "required")
		}
		if err := os.MkdirAll(cfg.CgroupRoot, 0755); err != nil {
			return nil, appErr.Wrapf(err, appErr.SandboxSystemError, "create cgroup root failed")
		}
		if err := enableControllers(cfg.CgroupRoot); err != nil {
			logger.Warn(context.Background(), "enable cgroup controllers failed", zap.String("cgroup_root", cfg.CgroupRoot), zap.Error(err))
		}
	}
	return &linuxEngine{cfg: cfg, resolver: resolver}, nil
}

// breach records the first reason the enforcer terminated a run.
type breach struct {
	mu        sync.Mutex
	limit     result.Limit
	cancelled bool
}

func (b *breach) set(limit result.Limit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit != result.LimitNone || b.cancelled {
		return false
	}
	b.limit = limit
	return true
}

func (b *breach) cancel() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit != result.LimitNone || b.cancelled {
		return false
	}
	b.cancelled = true
	return true
}

func (b *breach) get() (result.Limit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit, b.cancelled
}

// pipes holds both ends of the helper's descriptors.
type pipes struct {
	initR, initW     *os.File
	errR, errW       *os.File
	stdinR, stdinW   *os.File
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
}

func openPipes() (*pipes, error) {
	p := &pipes{}
	var err error
	targets := []struct{ r, w **os.File }{
		{&p.initR, &p.initW},
		{&p.errR, &p.errW},
		{&p.stdinR, &p.stdinW},
		{&p.stdoutR, &p.stdoutW},
		{&p.stderrR, &p.stderrW},
	}
	for _, t := range targets {
		*t.r, *t.w, err = os.Pipe()
		if err != nil {
			p.closeAll()
			return nil, appErr.Wrapf(err, appErr.SandboxSystemError, "create pipe failed")
		}
	}
	return p, nil
}

// closeChildEnds drops the parent's copies of the descriptors the helper inherited.
func (p *pipes) closeChildEnds() {
	for _, f := range []*os.File{p.initR, p.errW, p.stdinR, p.stdoutW, p.stderrW} {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (p *pipes) closeAll() {
	p.closeChildEnds()
	for _, f := range []*os.File{p.initW, p.errR, p.stdinW, p.stdoutR, p.stderrR} {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (e *linuxEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.RunResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return result.RunResult{Cancelled: true}, nil
	}

	isoProfile, err := e.resolver.Resolve(runSpec.Profile)
	if err != nil {
		return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxSystemError, "resolve profile failed")
	}
	if e.cfg.SeccompDir != "" && isoProfile.SeccompProfile != "" && !filepath.IsAbs(isoProfile.SeccompProfile) {
		isoProfile.SeccompProfile = filepath.Join(e.cfg.SeccompDir, isoProfile.SeccompProfile)
	}

	var cg *runCgroup
	cgroupFD := -1
	if e.cfg.EnableCgroup {
		cg, err = createRunCgroup(e.cfg.CgroupRoot, runSpec.RunID)
		if err != nil {
			return result.RunResult{}, err
		}
		defer func() {
			if err := cg.destroy(); err != nil {
				logger.Warn(ctx, "destroy cgroup failed", zap.String("cgroup", cg.path), zap.Error(err))
			}
		}()
		if err := applyCgroupLimits(cg.path, runSpec.Limits); err != nil {
			return result.RunResult{}, err
		}
		if cgroupFD, err = cg.open(); err != nil {
			return result.RunResult{}, err
		}
	}

	p, err := openPipes()
	if err != nil {
		return result.RunResult{}, err
	}
	defer p.closeAll()

	perIdentity := runSpec.Identity.UID != os.Getuid()
	initReq := initRequest{
		WorkDir:    runSpec.WorkDir,
		Cmd:        runSpec.Cmd,
		Env:        runSpec.Env,
		BindMounts: runSpec.BindMounts,
		EnableNs:   e.cfg.EnableNamespaces,
		Rlimits:    buildRlimits(runSpec.Limits, e.cfg, perIdentity),
	}
	if e.cfg.EnableNamespaces {
		initReq.RootFS = isoProfile.RootFS
	}
	if e.cfg.EnableSeccomp {
		initReq.SeccompProfile = isoProfile.SeccompProfile
	}

	cmd := exec.Command(e.cfg.HelperPath)
	cmd.Env = []string{}
	cmd.Stdin = p.stdinR
	cmd.Stdout = p.stdoutW
	cmd.Stderr = p.stderrW
	// fd 3 carries the init request, fd 4 reports helper failures before exec.
	cmd.ExtraFiles = []*os.File{p.initR, p.errW}
	cmd.SysProcAttr = buildSysProcAttr(isoProfile, e.cfg.EnableNamespaces, runSpec.Identity, cgroupFD)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxSystemError, "start helper failed")
	}
	pid := cmd.Process.Pid
	logger.Debug(ctx, "sandbox step started", zap.String("run_id", runSpec.RunID), zap.Int("pid", pid), zap.Bool("cgroup", cg != nil))
	p.closeChildEnds()
	if cg != nil {
		cg.closeDir()
	}

	go writeJSON(p.initW, initReq)
	go writeAndClose(p.stdinW, runSpec.Stdin)

	outLimit := runSpec.Limits.MaxOutputBytes
	stdoutBuf := collector.NewBoundedBuffer(outLimit)
	stderrBuf := collector.NewBoundedBuffer(outLimit)
	helperErr := collector.NewBoundedBuffer(helperErrorMaxBytes)
	var copyWG sync.WaitGroup
	copyWG.Add(3)
	go drain(&copyWG, stdoutBuf, p.stdoutR)
	go drain(&copyWG, stderrBuf, p.stderrR)
	go drain(&copyWG, helperErr, p.errR)

	var br breach
	done := make(chan struct{})
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		e.monitor(ctx, runSpec.Limits, pid, cg, &br, done)
	}()

	waitErr := cmd.Wait()
	wallTime := time.Since(start)
	close(done)
	<-monitorDone

	// The main process is gone; nothing it spawned may outlive the step.
	e.terminate(pid, cg)
	if !waitTimeout(&copyWG, e.cfg.KillGrace) {
		_ = p.stdoutR.Close()
		_ = p.stderrR.Close()
		_ = p.errR.Close()
		copyWG.Wait()
	}

	if msg := helperErr.String(); msg != "" {
		return result.RunResult{}, appErr.Newf(appErr.SandboxSystemError, "sandbox helper failed: %s", msg)
	}
	if cmd.ProcessState == nil {
		return result.RunResult{}, appErr.Wrapf(waitErr, appErr.SandboxSystemError, "wait helper failed")
	}

	limit, cancelled := br.get()
	runResult := result.RunResult{
		WallTimeMs:      wallTime.Milliseconds(),
		Stdout:          stdoutBuf.String(),
		Stderr:          stderrBuf.String(),
		StdoutTruncated: stdoutBuf.Truncated(),
		StderrTruncated: stderrBuf.Truncated(),
		LimitExceeded:   limit,
		Cancelled:       cancelled,
	}
	applyExitStatus(&runResult, cmd.ProcessState)
	e.collectUsage(&runResult, cg, cmd.ProcessState, runSpec.Limits)
	return runResult, nil
}

// monitor enforces the wall and CPU ceilings until done closes.
func (e *linuxEngine) monitor(ctx context.Context, limits spec.ResourceLimit, pid int, cg *runCgroup, br *breach, done <-chan struct{}) {
	var wallC <-chan time.Time
	if wall := durationFromMs(limits.WallTimeMs); wall > 0 {
		timer := time.NewTimer(wall)
		defer timer.Stop()
		wallC = timer.C
	}
	var cpuC <-chan time.Time
	if cg != nil && limits.CPUTimeMs > 0 {
		ticker := time.NewTicker(e.cfg.CPUPollInterval)
		defer ticker.Stop()
		cpuC = ticker.C
	}

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			if br.cancel() {
				e.terminate(pid, cg)
			}
			return
		case <-wallC:
			if br.set(result.LimitWallTime) {
				e.terminate(pid, cg)
			}
			return
		case <-cpuC:
			used, err := cgroupCPUTimeMs(cg.path)
			if err != nil || used < limits.CPUTimeMs {
				continue
			}
			if br.set(result.LimitCPUTime) {
				e.terminate(pid, cg)
			}
			return
		}
	}
}

func (e *linuxEngine) terminate(pid int, cg *runCgroup) {
	if cg != nil {
		_ = cg.kill()
	}
	killProcessGroup(pid)
}

func (e *linuxEngine) collectUsage(r *result.RunResult, cg *runCgroup, state *os.ProcessState, limits spec.ResourceLimit) {
	r.CPUTimeMs = cpuTimeMs(state)
	r.PeakMemoryBytes = maxRSSBytes(state)
	if cg == nil {
		classifyWithoutCgroup(r, limits)
		return
	}

	if used, err := cgroupCPUTimeMs(cg.path); err == nil {
		r.CPUTimeMs = used
	}
	if peak, err := memoryPeakBytes(cg.path); err == nil && peak > 0 {
		r.PeakMemoryBytes = peak
	}
	r.OomKilled = wasOomKilled(cg.path)
	if r.LimitExceeded != result.LimitNone || r.Cancelled {
		return
	}
	switch {
	case r.OomKilled:
		r.LimitExceeded = result.LimitMemory
	case r.Signal == "SIGXCPU" || (limits.CPUTimeMs > 0 && r.CPUTimeMs > limits.CPUTimeMs && !r.Exited):
		r.LimitExceeded = result.LimitCPUTime
	case pidsLimitHit(cg.path) && (!r.Exited || r.ExitCode != 0):
		r.LimitExceeded = result.LimitProcesses
	}
}

// rlimitMemoryShare is the fraction of the memory ceiling a failed run must
// have touched to count as out of memory under RLIMIT_AS.
const rlimitMemoryShare = 0.75

// classifyWithoutCgroup maps rlimit-only terminations to limits. RLIMIT_AS
// makes allocations fail instead of killing, so a run that died abnormally
// after touching most of its ceiling is reported as a memory breach.
func classifyWithoutCgroup(r *result.RunResult, limits spec.ResourceLimit) {
	if r.LimitExceeded != result.LimitNone || r.Cancelled {
		return
	}
	if r.Signal == "SIGXCPU" {
		r.LimitExceeded = result.LimitCPUTime
		return
	}
	failed := !r.Exited || r.ExitCode != 0
	if failed && limits.MemoryBytes > 0 && float64(r.PeakMemoryBytes) >= rlimitMemoryShare*float64(limits.MemoryBytes) {
		r.LimitExceeded = result.LimitMemory
	}
}

func applyExitStatus(r *result.RunResult, state *os.ProcessState) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		r.Exited = state.Exited()
		r.ExitCode = state.ExitCode()
		return
	}
	switch {
	case ws.Exited():
		r.Exited = true
		r.ExitCode = ws.ExitStatus()
	case ws.Signaled():
		r.ExitCode = -1
		r.Signal = unix.SignalName(ws.Signal())
	}
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.RunID == "" {
		return appErr.ValidationError("run_id", "required")
	}
	if runSpec.WorkDir == "" {
		return appErr.ValidationError("work_dir", "required")
	}
	if len(runSpec.Cmd) == 0 {
		return appErr.ValidationError("cmd", "required")
	}
	if runSpec.Profile == "" {
		return appErr.ValidationError("profile", "required")
	}
	return nil
}

func writeJSON(w *os.File, req initRequest) {
	defer w.Close()
	_ = json.NewEncoder(w).Encode(req)
}

func writeAndClose(w *os.File, data []byte) {
	defer w.Close()
	if len(data) > 0 {
		// EPIPE here means the program never read its input.
		_, _ = w.Write(data)
	}
}

func drain(wg *sync.WaitGroup, dst io.Writer, src io.Reader) {
	defer wg.Done()
	_, _ = io.Copy(dst, src)
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func buildSysProcAttr(profile security.IsolationProfile, enableNamespaces bool, id spec.Identity, cgroupFD int) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if cgroupFD >= 0 {
		// clone3(CLONE_INTO_CGROUP): the helper is born inside the limited cgroup.
		attr.UseCgroupFD = true
		attr.CgroupFD = cgroupFD
	}

	if !enableNamespaces {
		if id.UID != os.Getuid() || id.GID != os.Getgid() {
			attr.Credential = &syscall.Credential{Uid: uint32(id.UID), Gid: uint32(id.GID)}
		}
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUSER)
	if profile.DisableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	// Namespace root maps to the sandbox identity on the host.
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: id.UID, Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: id.GID, Size: 1}}
	// Without a setuid inside the namespace the child keeps the service's
	// kernel uid. Switching to namespace root moves it to the sandbox identity.
	// setgroups is denied in the namespace, so it must be skipped.
	attr.Credential = &syscall.Credential{Uid: 0, Gid: 0, NoSetGroups: true}
	return attr
}

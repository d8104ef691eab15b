//go:build linux

package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"execbox/internal/sandbox/result"
	"execbox/internal/sandbox/spec"
	"execbox/internal/sandbox/workspace"
)

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Getuid() != 0 {
		t.Skip("requires root")
	}
}

// stageHelper copies the test helper where a pooled identity can execute it.
func stageHelper(t *testing.T) string {
	t.Helper()
	src := buildTestHelper(t)
	dir, err := os.MkdirTemp("", "execbox-helper-")
	if err != nil {
		t.Fatalf("create helper dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	if err := os.Chmod(dir, 0755); err != nil {
		t.Fatalf("chmod helper dir: %v", err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read helper: %v", err)
	}
	dst := filepath.Join(dir, "sandbox-init")
	if err := os.WriteFile(dst, data, 0755); err != nil {
		t.Fatalf("stage helper: %v", err)
	}
	return dst
}

func sharedDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "execbox-iso-")
	if err != nil {
		t.Fatalf("create dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	if err := os.Chmod(dir, 0755); err != nil {
		t.Fatalf("chmod dir: %v", err)
	}
	return dir
}

func TestEngineRunNamespaceRunsAsSandboxIdentity(t *testing.T) {
	requireRoot(t)
	if data, err := os.ReadFile("/proc/sys/user/max_user_namespaces"); err == nil && strings.TrimSpace(string(data)) == "0" {
		t.Skip("user namespaces disabled")
	}
	eng, err := NewEngine(Config{HelperPath: stageHelper(t), EnableNamespaces: true}, staticResolver{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	base := sharedDir(t)
	secret := filepath.Join(base, "secret")
	if err := os.WriteFile(secret, []byte("SERVICE-ONLY"), 0600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	id := spec.Identity{UID: 20000, GID: 20000}
	work := filepath.Join(base, "ws")
	if err := os.Mkdir(work, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Chown(work, id.UID, id.GID); err != nil {
		t.Fatalf("chown: %v", err)
	}

	runSpec := shellSpec(t, "cat "+secret+"; echo built > main", spec.ResourceLimit{})
	runSpec.WorkDir = work
	runSpec.Identity = id
	res, err := eng.Run(context.Background(), runSpec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Contains(res.Stdout, "SERVICE-ONLY") {
		t.Fatalf("program read a file private to the service: %q", res.Stdout)
	}
	if !res.Exited || res.ExitCode != 0 {
		t.Fatalf("program could not write its workspace: %+v", res)
	}
	info, err := os.Stat(filepath.Join(work, "main"))
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	st := info.Sys().(*syscall.Stat_t)
	if int(st.Uid) != id.UID || int(st.Gid) != id.GID {
		t.Fatalf("file owned by %d:%d, want %d:%d", st.Uid, st.Gid, id.UID, id.GID)
	}
}

func TestEngineRunCannotReadSiblingWorkspace(t *testing.T) {
	requireRoot(t)
	eng, err := NewEngine(Config{HelperPath: stageHelper(t)}, staticResolver{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	prov, err := workspace.NewProvisioner(workspace.Config{
		WorkRoot: filepath.Join(sharedDir(t), "work"),
		BaseUID:  20100,
		BaseGID:  20100,
		Count:    2,
	})
	if err != nil {
		t.Fatalf("new provisioner: %v", err)
	}
	ctx := context.Background()
	a, err := prov.Provision(ctx)
	if err != nil {
		t.Fatalf("provision a: %v", err)
	}
	defer prov.Release(ctx, a)
	b, err := prov.Provision(ctx)
	if err != nil {
		t.Fatalf("provision b: %v", err)
	}
	defer prov.Release(ctx, b)
	if err := b.WriteFile("main.c", []byte("B-SOURCE")); err != nil {
		t.Fatalf("write b: %v", err)
	}

	target := filepath.Join(b.Path, "main.c")
	runSpec := shellSpec(t, fmt.Sprintf("cat %s; ls %s", target, b.Path), spec.ResourceLimit{})
	runSpec.WorkDir = a.Path
	runSpec.Identity = a.Identity
	res, err := eng.Run(ctx, runSpec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Contains(res.Stdout, "B-SOURCE") || strings.Contains(res.Stdout, "main.c") {
		t.Fatalf("sibling workspace visible: %q", res.Stdout)
	}
	if res.Exited && res.ExitCode == 0 {
		t.Fatalf("reading a sibling workspace should fail: %+v", res)
	}
}

func TestEngineRunMemoryLimitWithCgroup(t *testing.T) {
	requireRoot(t)
	controllers, err := os.ReadFile("/sys/fs/cgroup/cgroup.subtree_control")
	if err != nil {
		t.Skip("cgroup v2 unavailable")
	}
	for _, c := range []string{"memory", "pids", "cpu"} {
		if !strings.Contains(string(controllers), c) {
			t.Skipf("cgroup controller %s not delegated", c)
		}
	}
	root := filepath.Join("/sys/fs/cgroup", fmt.Sprintf("execbox-test-%d", os.Getpid()))
	t.Cleanup(func() { _ = os.Remove(root) })

	eng, err := NewEngine(Config{HelperPath: buildTestHelper(t), EnableCgroup: true, CgroupRoot: root}, staticResolver{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	res, err := eng.Run(context.Background(), shellSpec(t, "dd if=/dev/zero of=/dev/null bs=256M count=1", spec.ResourceLimit{MemoryBytes: 32 << 20}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.LimitExceeded != result.LimitMemory || !res.OomKilled {
		t.Fatalf("limit = %q oom = %v exited = %v code = %d", res.LimitExceeded, res.OomKilled, res.Exited, res.ExitCode)
	}
}

func TestClassifyWithoutCgroup(t *testing.T) {
	limits := spec.ResourceLimit{MemoryBytes: 64 << 20}
	cases := []struct {
		name string
		in   result.RunResult
		want result.Limit
	}{
		{name: "sigxcpu", in: result.RunResult{Signal: "SIGXCPU"}, want: result.LimitCPUTime},
		{name: "crash near ceiling", in: result.RunResult{Signal: "SIGSEGV", PeakMemoryBytes: 60 << 20}, want: result.LimitMemory},
		{name: "exit near ceiling", in: result.RunResult{Exited: true, ExitCode: 1, PeakMemoryBytes: 50 << 20}, want: result.LimitMemory},
		{name: "clean exit near ceiling", in: result.RunResult{Exited: true, PeakMemoryBytes: 60 << 20}, want: result.LimitNone},
		{name: "crash far below ceiling", in: result.RunResult{Signal: "SIGSEGV", PeakMemoryBytes: 4 << 20}, want: result.LimitNone},
		{name: "breach kept", in: result.RunResult{LimitExceeded: result.LimitWallTime, PeakMemoryBytes: 60 << 20}, want: result.LimitWallTime},
		{name: "cancelled", in: result.RunResult{Cancelled: true, Signal: "SIGKILL", PeakMemoryBytes: 60 << 20}, want: result.LimitNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := tc.in
			classifyWithoutCgroup(&r, limits)
			if r.LimitExceeded != tc.want {
				t.Fatalf("limit = %q, want %q", r.LimitExceeded, tc.want)
			}
		})
	}
}

package workspace_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"execbox/internal/sandbox/workspace"
	appErr "execbox/pkg/errors"
)

func newProvisioner(t *testing.T, cfg workspace.Config) *workspace.Provisioner {
	t.Helper()
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(t.TempDir(), "work")
	}
	p, err := workspace.NewProvisioner(cfg)
	if err != nil {
		t.Fatalf("new provisioner: %v", err)
	}
	return p
}

func countEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	return len(entries)
}

func TestProvisionAndRelease(t *testing.T) {
	p := newProvisioner(t, workspace.Config{})
	ctx := context.Background()

	sb, err := p.Provision(ctx)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if sb.State() != workspace.StateProvisioned {
		t.Fatalf("state = %s", sb.State())
	}
	info, err := os.Stat(sb.Path)
	if err != nil {
		t.Fatalf("stat workspace: %v", err)
	}
	if !info.IsDir() || info.Mode().Perm() != 0700 {
		t.Fatalf("workspace mode = %v", info.Mode())
	}
	if countEntries(t, sb.Path) != 0 {
		t.Fatalf("workspace is not empty")
	}
	if p.Active() != 1 {
		t.Fatalf("active = %d, want 1", p.Active())
	}

	if err := sb.WriteFile("main.py", []byte("print(1)")); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := sb.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := sb.Activate(); err == nil {
		t.Fatalf("second activation should fail")
	}

	if err := p.Release(ctx, sb); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(sb.Path); !os.IsNotExist(err) {
		t.Fatalf("workspace still exists: %v", err)
	}
	if sb.State() != workspace.StateReleased {
		t.Fatalf("state = %s", sb.State())
	}
	if p.Active() != 0 {
		t.Fatalf("active = %d, want 0", p.Active())
	}
	if err := p.Release(ctx, sb); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	if err := p.Release(ctx, nil); err != nil {
		t.Fatalf("nil release: %v", err)
	}
}

func TestReleaseRemovesLockedTree(t *testing.T) {
	p := newProvisioner(t, workspace.Config{})
	ctx := context.Background()
	sb, err := p.Provision(ctx)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	locked := filepath.Join(sb.Path, "a", "b")
	if err := os.MkdirAll(locked, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(locked, "f"), []byte("x"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chmod(locked, 0500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := os.Chmod(filepath.Join(sb.Path, "a"), 0); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	if err := p.Release(ctx, sb); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(sb.Path); !os.IsNotExist(err) {
		t.Fatalf("workspace still exists")
	}
}

func TestWriteFileRejectsEscapes(t *testing.T) {
	p := newProvisioner(t, workspace.Config{})
	sb, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	defer p.Release(context.Background(), sb)

	for _, name := range []string{"", "../x", "/etc/passwd"} {
		if err := sb.WriteFile(name, nil); !appErr.Is(err, appErr.ValidationFailed) {
			t.Fatalf("WriteFile(%q) error = %v", name, err)
		}
	}
}

func TestConcurrentSandboxesAreDistinct(t *testing.T) {
	p := newProvisioner(t, workspace.Config{})
	ctx := context.Background()

	const n = 32
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		paths = make(map[string]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sb, err := p.Provision(ctx)
			if err != nil {
				t.Errorf("provision: %v", err)
				return
			}
			mu.Lock()
			if paths[sb.Path] {
				t.Errorf("workspace %s handed out twice", sb.Path)
			}
			paths[sb.Path] = true
			mu.Unlock()
			if err := p.Release(ctx, sb); err != nil {
				t.Errorf("release: %v", err)
			}
		}()
	}
	wg.Wait()

	if p.Active() != 0 {
		t.Fatalf("leaked %d sandboxes", p.Active())
	}
	if got := countEntries(t, p.Root()); got != 0 {
		t.Fatalf("work root still has %d entries", got)
	}
}

func TestIdentityPoolExhaustion(t *testing.T) {
	// A single pooled identity equal to the service user needs no chown.
	p := newProvisioner(t, workspace.Config{BaseUID: os.Getuid(), BaseGID: os.Getgid(), Count: 1})
	ctx := context.Background()
	if !p.Isolated() {
		t.Fatalf("expected pooled identities")
	}

	first, err := p.Provision(ctx)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := p.Provision(ctx); !appErr.Is(err, appErr.IdentityExhausted) {
		t.Fatalf("expected identity exhaustion, got %v", err)
	}
	if p.Active() != 1 {
		t.Fatalf("failed provision leaked a sandbox: active=%d", p.Active())
	}

	if err := p.Release(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := p.Provision(ctx)
	if err != nil {
		t.Fatalf("identity was not returned to the pool: %v", err)
	}
	if second.Identity != first.Identity {
		t.Fatalf("identity = %+v, want %+v", second.Identity, first.Identity)
	}
	_ = p.Release(ctx, second)
}

func TestProvisionCancelled(t *testing.T) {
	p := newProvisioner(t, workspace.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Provision(ctx); !appErr.Is(err, appErr.ExecutionCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if p.Active() != 0 {
		t.Fatalf("cancelled provision leaked a sandbox")
	}
}

func TestNewProvisionerValidation(t *testing.T) {
	if _, err := workspace.NewProvisioner(workspace.Config{}); err == nil {
		t.Fatalf("expected missing work root error")
	}
	if _, err := workspace.NewProvisioner(workspace.Config{WorkRoot: t.TempDir(), Count: -1}); err == nil {
		t.Fatalf("expected negative count error")
	}
}

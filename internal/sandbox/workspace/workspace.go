// Package workspace provisions and releases per-job sandbox directories and identities.
package workspace

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"execbox/internal/sandbox/spec"
	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle state of a sandbox.
type State int

const (
	StateProvisioned State = iota
	StateActive
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateProvisioned:
		return "provisioned"
	case StateActive:
		return "active"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Config controls where workspaces live and which identities they run as.
type Config struct {
	WorkRoot string
	// BaseUID/BaseGID/Count describe the pool of execution identities.
	// A zero Count runs every job as the service user.
	BaseUID int
	BaseGID int
	Count   int
}

// Sandbox is one job's private workspace and execution identity.
type Sandbox struct {
	ID       string
	Path     string
	Identity spec.Identity

	mu     sync.Mutex
	state  State
	pooled bool
	chown  bool
}

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activate marks the sandbox as running untrusted code.
func (s *Sandbox) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateProvisioned {
		return appErr.Newf(appErr.SandboxSystemError, "sandbox %s is %s", s.ID, s.state)
	}
	s.state = StateActive
	return nil
}

// WriteFile places a file in the workspace, readable only by the sandbox identity.
func (s *Sandbox) WriteFile(name string, data []byte) error {
	if name == "" || filepath.IsAbs(name) || strings.Contains(name, "..") {
		return appErr.ValidationError("file_name", "invalid")
	}
	path := filepath.Join(s.Path, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return appErr.Wrapf(err, appErr.SandboxSystemError, "write workspace file failed")
	}
	if s.chown {
		if err := os.Chown(path, s.Identity.UID, s.Identity.GID); err != nil {
			return appErr.Wrapf(err, appErr.SandboxSystemError, "chown workspace file failed")
		}
	}
	return nil
}

// Provisioner creates fresh sandboxes and tears them down.
type Provisioner struct {
	root       string
	identities *identityPool
	serviceID  spec.Identity

	mu     sync.Mutex
	active map[string]*Sandbox
}

// NewProvisioner prepares the work root.
func NewProvisioner(cfg Config) (*Provisioner, error) {
	if cfg.WorkRoot == "" {
		return nil, appErr.ValidationError("work_root", "required")
	}
	if cfg.Count < 0 {
		return nil, appErr.ValidationError("identity_count", "must be non-negative")
	}
	root, err := filepath.Abs(cfg.WorkRoot)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ProvisionFailed, "resolve work root failed")
	}
	if err := os.MkdirAll(root, 0711); err != nil {
		return nil, appErr.Wrapf(err, appErr.ProvisionFailed, "create work root failed")
	}
	return &Provisioner{
		root:       root,
		identities: newIdentityPool(cfg.BaseUID, cfg.BaseGID, cfg.Count),
		serviceID:  spec.Identity{UID: os.Getuid(), GID: os.Getgid()},
		active:     make(map[string]*Sandbox),
	}, nil
}

// Root returns the absolute work root.
func (p *Provisioner) Root() string {
	return p.root
}

// Isolated reports whether jobs run under pooled identities.
func (p *Provisioner) Isolated() bool {
	return p.identities.size() > 0
}

// Provision creates an empty private workspace bound to an exclusive identity.
// Anything acquired before a failure is released before returning.
func (p *Provisioner) Provision(ctx context.Context) (*Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.ExecutionCancelled, "provision cancelled")
	}

	sb := &Sandbox{ID: uuid.NewString(), Identity: p.serviceID}
	if p.identities.size() > 0 {
		id, ok := p.identities.lease()
		if !ok {
			return nil, appErr.New(appErr.IdentityExhausted)
		}
		sb.Identity = id
		sb.pooled = true
		sb.chown = id != p.serviceID
	}

	sb.Path = filepath.Join(p.root, sb.ID)
	if err := os.Mkdir(sb.Path, 0700); err != nil {
		p.abort(ctx, sb)
		return nil, appErr.Wrapf(err, appErr.ProvisionFailed, "create workspace failed")
	}
	if sb.chown {
		if err := os.Chown(sb.Path, sb.Identity.UID, sb.Identity.GID); err != nil {
			p.abort(ctx, sb)
			return nil, appErr.Wrapf(err, appErr.ProvisionFailed, "chown workspace failed")
		}
	}

	p.mu.Lock()
	p.active[sb.ID] = sb
	p.mu.Unlock()
	return sb, nil
}

func (p *Provisioner) abort(ctx context.Context, sb *Sandbox) {
	if err := p.Release(ctx, sb); err != nil {
		logger.Warn(ctx, "release partially provisioned sandbox failed", zap.String("sandbox", sb.ID), zap.Error(err))
	}
}

// Release removes the workspace and returns the identity to the pool.
// It is idempotent and accepts partially provisioned sandboxes.
func (p *Provisioner) Release(ctx context.Context, sb *Sandbox) error {
	if sb == nil {
		return nil
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.state == StateReleased {
		return nil
	}

	var firstErr error
	if sb.pooled {
		if err := reapIdentity(sb.Identity.UID); err != nil {
			logger.Warn(ctx, "reap identity processes failed", zap.Int("uid", sb.Identity.UID), zap.Error(err))
		}
	}
	if sb.Path != "" {
		if err := p.removeTree(sb.Path); err != nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		// The identity stays leased while its files remain on disk.
		return firstErr
	}
	if sb.pooled {
		p.identities.giveBack(sb.Identity)
	}
	sb.state = StateReleased

	p.mu.Lock()
	delete(p.active, sb.ID)
	p.mu.Unlock()
	return nil
}

// Active returns the number of sandboxes not yet released.
func (p *Provisioner) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *Provisioner) removeTree(path string) error {
	clean := filepath.Clean(path)
	rel, err := filepath.Rel(p.root, clean)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, os.PathSeparator) {
		return appErr.Newf(appErr.SandboxSystemError, "refusing to remove %s outside work root", path)
	}
	// Untrusted code may have revoked write or search bits inside its tree.
	_ = filepath.WalkDir(clean, func(p string, d fs.DirEntry, err error) error {
		if d != nil && d.IsDir() {
			_ = os.Chmod(p, 0700)
		}
		return nil
	})
	if err := os.RemoveAll(clean); err != nil {
		return appErr.Wrapf(err, appErr.SandboxSystemError, "remove workspace failed")
	}
	return nil
}

// AvailableIdentities returns the number of identities not currently leased.
func (p *Provisioner) AvailableIdentities() int {
	return p.identities.available()
}

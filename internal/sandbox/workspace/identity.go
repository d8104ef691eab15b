package workspace

import (
	"sync"

	"execbox/internal/sandbox/spec"
)

// identityPool hands out each uid/gid pair to at most one sandbox at a time.
type identityPool struct {
	mu   sync.Mutex
	free []spec.Identity
	n    int
}

func newIdentityPool(baseUID, baseGID, count int) *identityPool {
	p := &identityPool{n: count}
	for i := count - 1; i >= 0; i-- {
		p.free = append(p.free, spec.Identity{UID: baseUID + i, GID: baseGID + i})
	}
	return p
}

func (p *identityPool) size() int {
	return p.n
}

func (p *identityPool) lease() (spec.Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return spec.Identity{}, false
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return id, true
}

func (p *identityPool) giveBack(id spec.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, id)
}

func (p *identityPool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

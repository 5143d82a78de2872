package registry

import "sync"

// deploymentLocks serializes identity changes (register, rotate, revoke,
// reinstate) for one deployment inside this process. Across processes the
// agent row lock taken in lockAgent plays the same role.
type deploymentLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newDeploymentLocks() *deploymentLocks {
	return &deploymentLocks{entries: make(map[string]*lockEntry)}
}

// lock blocks until the deployment is free and returns its unlock func
func (l *deploymentLocks) lock(deploymentHash string) func() {
	l.mu.Lock()
	e, ok := l.entries[deploymentHash]
	if !ok {
		e = &lockEntry{}
		l.entries[deploymentHash] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, deploymentHash)
		}
		l.mu.Unlock()
	}
}

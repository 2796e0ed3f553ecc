package procguard

import (
	"sync"

	"github.com/moby/procguard/pkg/procfs"
)

// registry is the spawner registry (component B). Every mutation
// happens from the monitor's event-loop goroutine, matching Invariant
// 4 in spec.md §3 ("mutated only by the monitor thread"). Inspector
// goroutines only ever call anySharesNS, never mutate; the mutex below
// is not protecting against concurrent writers (there is exactly one)
// but against the Go runtime's "concurrent map read and map write"
// crash, which has no analogue in the original's C++ std::map. The
// original accepts a bare data race there on the theory that a stale
// read is harmless (see DESIGN.md); Go cannot accept that same race
// without a lock, because an unsynchronized concurrent map read during
// a write is undefined behavior, not merely stale data.
type registry struct {
	mu       sync.RWMutex
	spawners map[int]Spawner
}

func newRegistry() *registry {
	return &registry{spawners: make(map[int]Spawner)}
}

// upsert inserts pid or, if already present, overwrites its
// fingerprint in place without signaling a re-attach.
func (r *registry) upsert(pid int, fp procfs.NSFingerprint) (isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.spawners[pid]; ok {
		s.Fingerprint = fp
		r.spawners[pid] = s
		return false
	}
	r.spawners[pid] = Spawner{PID: pid, Fingerprint: fp}
	return true
}

func (r *registry) forget(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.spawners, pid)
}

func (r *registry) contains(pid int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.spawners[pid]
	return ok
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.spawners)
}

// anySharesNS reports whether any known spawner's fingerprint matches
// fp. Called from inspector goroutines as well as the event loop.
func (r *registry) anySharesNS(fp procfs.NSFingerprint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.spawners {
		if s.Fingerprint == fp {
			return true
		}
	}
	return false
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawners = make(map[int]Spawner)
}


package grid

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/clickup/pg-mig/patch"
)

// unlimitedParallelism stands in for "no cap": a semaphore this large
// never blocks a realistic fleet.
const unlimitedParallelism = 1 << 30

// semTable is a table of named semaphores created on first reference.
// Capacity is fixed by the first reference. Keys are built from version
// names, which the up and dn files of one version share, so within one
// table the capacities of whichever of the two files runs first apply.
type semTable struct {
	mu sync.Mutex
	m  map[string]*semaphore.Weighted
}

func newSemTable() *semTable {
	return &semTable{m: map[string]*semaphore.Weighted{}}
}

func (t *semTable) get(key string, capacity int) *semaphore.Weighted {
	if capacity <= 0 {
		capacity = unlimitedParallelism
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.m[key]; ok {
		return s
	}
	s := semaphore.NewWeighted(int64(capacity))
	t.m[key] = s
	return s
}

// Locks bundles the process-global concurrency primitives: the run-alone
// readers-writer lock and the global and per-host version semaphores. One
// Locks value is owned by the orchestrator and threaded into every worker,
// never a package singleton, so tests stay deterministic.
type Locks struct {
	runAlone sync.RWMutex
	global   *semTable
	perHost  *semTable
}

func NewLocks() *Locks {
	return &Locks{
		global:  newSemTable(),
		perHost: newSemTable(),
	}
}

// acquire takes the three tokens guarding one migration and returns their
// combined release. The RW lock comes first: taking a version semaphore
// while a run-alone writer waits would deadlock readers behind it.
func (l *Locks) acquire(ctx context.Context, host string, m patch.Migration) (func(), error) {
	var unlockRW func()
	if m.File.RunAlone {
		l.runAlone.Lock()
		unlockRW = l.runAlone.Unlock
	} else {
		l.runAlone.RLock()
		unlockRW = l.runAlone.RUnlock
	}

	global := l.global.get(m.Version, m.File.ParallelismGlobal)
	if err := global.Acquire(ctx, 1); err != nil {
		unlockRW()
		return nil, err
	}
	perHost := l.perHost.get(host+":"+m.Version, m.File.ParallelismPerHost)
	if err := perHost.Acquire(ctx, 1); err != nil {
		global.Release(1)
		unlockRW()
		return nil, err
	}

	return func() {
		perHost.Release(1)
		global.Release(1)
		unlockRW()
	}, nil
}

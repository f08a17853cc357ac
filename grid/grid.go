// Package grid executes migration chains with a two-stage concurrent
// worker pool: a before phase, a per-host main phase and an after phase,
// separated by barriers.
package grid

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/clickup/pg-mig/patch"
)

// DefaultWorkersPerHost caps concurrent chains per host unless configured
// otherwise.
const DefaultWorkersPerHost = 10

// state is the grid's explicit phase machine.
type state int

const (
	stateBefore state = iota
	stateMain
	stateAfter
	stateDone
)

// Grid owns one run of the three-phase pipeline.
type Grid struct {
	// Main holds the per-schema chains; Before and After hold at most one
	// chain per host bracketing the run.
	Main   []patch.Chain
	Before []patch.Chain
	After  []patch.Chain

	WorkersPerHost int
	Locks          *Locks
	Metrics        *Metrics
	Log            logrus.FieldLogger
	// OnTick receives worker snapshots on the 200 ms heartbeat.
	OnTick func(Snapshot)

	mu      sync.Mutex
	workers []*Worker
	total   int
}

// Result is the single outcome accumulator of a run.
type Result struct {
	// TotalMigrations counts the main-phase scripts planned at the start
	// of the main phase.
	TotalMigrations int
	// Processed sums succeeded+errored over the main-phase workers.
	Processed int
	// NumErrors counts workers that recorded at least one error.
	NumErrors int
	Errors    []MigrationError
	Warnings  []MigrationWarning
}

// Success reports whether the whole run passed.
func (r *Result) Success() bool {
	return len(r.Errors) == 0
}

// Progress is a pull snapshot of a run in flight.
type Progress struct {
	Total     int
	Processed int
	Workers   []Snapshot
}

// Run drives BEFORE → MAIN → AFTER → DONE. A before-phase error aborts
// the run; main-phase errors never cancel other chains and never skip the
// after phase, which runs for cleanup even on failure. The returned error
// is always nil: script failures, including scripts interrupted by a
// cancelled context, are recorded in the Result, and chains not started
// before a cancellation are skipped without a record.
func (g *Grid) Run(ctx context.Context) (*Result, error) {
	if g.Locks == nil {
		g.Locks = NewLocks()
	}
	if g.Log == nil {
		g.Log = logrus.StandardLogger()
	}
	if g.WorkersPerHost <= 0 {
		g.WorkersPerHost = DefaultWorkersPerHost
	}

	res := &Result{}
	for st := stateBefore; st != stateDone; {
		switch st {
		case stateBefore:
			workers, err := g.runOnePerChain(ctx, g.Before)
			if err != nil {
				return res, err
			}
			g.collect(res, workers, false)
			if len(res.Errors) > 0 {
				g.Log.Error("before script failed; aborting the run")
				st = stateDone
				continue
			}
			st = stateMain
		case stateMain:
			g.mu.Lock()
			g.total = 0
			for _, ch := range g.Main {
				g.total += len(ch.Migrations)
			}
			res.TotalMigrations = g.total
			g.mu.Unlock()
			workers, err := g.runMain(ctx)
			if err != nil {
				return res, err
			}
			g.collect(res, workers, true)
			st = stateAfter // the after phase runs even on main-phase errors
		case stateAfter:
			workers, err := g.runOnePerChain(ctx, g.After)
			if err != nil {
				return res, err
			}
			g.collect(res, workers, false)
			st = stateDone
		}
	}
	return res, nil
}

// runOnePerChain runs the before/after chains, one worker per chain, and
// waits for all of them.
func (g *Grid) runOnePerChain(ctx context.Context, chains []patch.Chain) ([]*Worker, error) {
	workers := make([]*Worker, 0, len(chains))
	eg, ctx := errgroup.WithContext(ctx)
	for _, ch := range chains {
		w := g.newWorker(newQueue([]patch.Chain{ch}))
		workers = append(workers, w)
		eg.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	return workers, eg.Wait()
}

// runMain groups the main chains by host and runs up to WorkersPerHost
// workers per host, all hosts concurrently.
func (g *Grid) runMain(ctx context.Context) ([]*Worker, error) {
	byHost := map[string][]patch.Chain{}
	var hosts []string
	for _, ch := range g.Main {
		if _, ok := byHost[ch.Dest.Host]; !ok {
			hosts = append(hosts, ch.Dest.Host)
		}
		byHost[ch.Dest.Host] = append(byHost[ch.Dest.Host], ch)
	}

	var workers []*Worker
	eg, ctx := errgroup.WithContext(ctx)
	for _, host := range hosts {
		q := newQueue(byHost[host])
		n := len(byHost[host])
		if n > g.WorkersPerHost {
			n = g.WorkersPerHost
		}
		for i := 0; i < n; i++ {
			w := g.newWorker(q)
			workers = append(workers, w)
			eg.Go(func() error {
				w.Run(ctx)
				return nil
			})
		}
	}
	return workers, eg.Wait()
}

func (g *Grid) newWorker(q *queue) *Worker {
	w := newWorker(q, g.Locks, g.Metrics, g.Log, g.OnTick)
	g.mu.Lock()
	g.workers = append(g.workers, w)
	g.mu.Unlock()
	return w
}

// collect folds finished workers into the outcome accumulator.
func (g *Grid) collect(res *Result, workers []*Worker, countProcessed bool) {
	for _, w := range workers {
		succeeded, errored := w.counts()
		if countProcessed {
			res.Processed += succeeded + errored
		}
		if errored > 0 {
			res.NumErrors++
		}
		errs, warns := w.recorded()
		res.Errors = append(res.Errors, errs...)
		res.Warnings = append(res.Warnings, warns...)
	}
}

// Snapshot returns the live progress of the run.
func (g *Grid) Snapshot() Progress {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := Progress{Total: g.total}
	for _, w := range g.workers {
		s := w.Snapshot()
		p.Processed += s.Succeeded + s.Errored
		p.Workers = append(p.Workers, s)
	}
	return p
}

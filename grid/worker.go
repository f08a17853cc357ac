package grid

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clickup/pg-mig/dest"
	"github.com/clickup/pg-mig/patch"
)

// heartbeatInterval drives the progress callback while a script runs.
const heartbeatInterval = 200 * time.Millisecond

// MigrationError records one failed script together with its captured
// output.
type MigrationError struct {
	Dest    string
	Version string
	Output  string
}

func (e MigrationError) Error() string {
	return fmt.Sprintf("%s @ %s: %s", e.Version, e.Dest, strings.TrimSpace(e.Output))
}

// MigrationWarning records a script that succeeded but emitted a WARNING
// notice.
type MigrationWarning struct {
	Dest    string
	Version string
	Output  string
}

// Snapshot is a point-in-time view of one worker for progress rendering.
type Snapshot struct {
	Dest      string
	Version   string
	Line      string
	Elapsed   time.Duration
	Succeeded int
	Errored   int
}

// queue is a shared pop-only chain queue; each chain is executed by
// exactly one worker.
type queue struct {
	mu     sync.Mutex
	chains []patch.Chain
}

func newQueue(chains []patch.Chain) *queue {
	return &queue{chains: chains}
}

func (q *queue) pop() (patch.Chain, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.chains) == 0 {
		return patch.Chain{}, false
	}
	ch := q.chains[0]
	q.chains = q.chains[1:]
	return ch, true
}

// Worker drains one queue of chains, running each chain's migrations
// strictly in order. An error aborts the remainder of that chain only;
// the worker moves on to the next chain.
type Worker struct {
	queue   *queue
	locks   *Locks
	metrics *Metrics
	log     logrus.FieldLogger
	onTick  func(Snapshot)

	mu         sync.Mutex
	curDest    string
	curVersion string
	curLine    string
	curStart   time.Time
	succeeded  int
	errored    int
	errors     []MigrationError
	warnings   []MigrationWarning
}

func newWorker(q *queue, locks *Locks, metrics *Metrics, log logrus.FieldLogger, onTick func(Snapshot)) *Worker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Worker{queue: q, locks: locks, metrics: metrics, log: log, onTick: onTick}
}

// Run drains the queue. It stops early only on context cancellation.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		chain, ok := w.queue.pop()
		if !ok {
			return
		}
		for _, m := range chain.Migrations {
			if ctx.Err() != nil {
				return
			}
			if !w.runMigration(ctx, chain.Dest, m) {
				break // skip the rest of this chain, keep draining others
			}
		}
	}
}

func (w *Worker) runMigration(ctx context.Context, d dest.Dest, m patch.Migration) bool {
	w.setCurrent(d, m)
	stopHeartbeat := w.startHeartbeat(ctx)
	defer stopHeartbeat()

	release, err := w.locks.acquire(ctx, d.Host, m)
	if err != nil {
		w.recordError(d, m, err.Error())
		return false
	}
	defer release()

	log := w.log.WithFields(logrus.Fields{
		"host":    d.Host,
		"db":      d.DB,
		"schema":  d.Schema,
		"version": m.Version,
	})
	log.Debug("running migration")
	w.metrics.scriptStarted()

	res, err := d.RunFile(ctx, m.File, m.NewVersions, w.observeLine)
	switch {
	case err != nil:
		w.metrics.scriptFinished(true, false)
		w.recordError(d, m, res.Stdout+res.Stderr+err.Error())
		log.WithError(err).Error("migration failed")
		return false
	case res.Code != 0:
		w.metrics.scriptFinished(true, false)
		w.recordError(d, m, res.Stdout+res.Stderr)
		log.WithField("output", strings.TrimSpace(res.Stderr)).Error("migration failed")
		return false
	}

	w.metrics.scriptFinished(false, res.Warning)
	w.mu.Lock()
	w.succeeded++
	if res.Warning {
		w.warnings = append(w.warnings, MigrationWarning{
			Dest:    d.String(),
			Version: m.Version,
			Output:  res.Stderr,
		})
	}
	w.mu.Unlock()
	log.Debug("migration applied")

	if m.File.Delay > 0 {
		select {
		case <-time.After(m.File.Delay):
		case <-ctx.Done():
		}
	}
	return true
}

func (w *Worker) setCurrent(d dest.Dest, m patch.Migration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.curDest = d.HostSchema()
	w.curVersion = m.Version
	w.curLine = ""
	w.curStart = time.Now()
}

// observeLine keeps the last non-empty output line for progress display.
func (w *Worker) observeLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	w.mu.Lock()
	w.curLine = line
	w.mu.Unlock()
}

func (w *Worker) recordError(d dest.Dest, m patch.Migration, output string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errored++
	w.errors = append(w.errors, MigrationError{
		Dest:    d.String(),
		Version: m.Version,
		Output:  output,
	})
}

// Snapshot returns the worker's current state for progress rendering.
func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Snapshot{
		Dest:      w.curDest,
		Version:   w.curVersion,
		Line:      w.curLine,
		Succeeded: w.succeeded,
		Errored:   w.errored,
	}
	if !w.curStart.IsZero() {
		s.Elapsed = time.Since(w.curStart)
	}
	return s
}

func (w *Worker) startHeartbeat(ctx context.Context) func() {
	if w.onTick == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.onTick(w.Snapshot())
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

func (w *Worker) counts() (succeeded, errored int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.succeeded, w.errored
}

func (w *Worker) recorded() ([]MigrationError, []MigrationWarning) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]MigrationError{}, w.errors...), append([]MigrationWarning{}, w.warnings...)
}

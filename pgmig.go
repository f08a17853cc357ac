// Package pgmig applies ordered schema-change scripts to a sharded
// PostgreSQL fleet: many hosts, each holding many logically identical
// schemas. Every matching schema eventually holds exactly the same
// ordered set of applied versions, with at-most-once and in-order
// application per schema.
package pgmig

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/clickup/pg-mig/dest"
	"github.com/clickup/pg-mig/grid"
	"github.com/clickup/pg-mig/patch"
	"github.com/clickup/pg-mig/registry"
)

// Orchestrator drives the top-level action loop: plan, execute, save
// digest and fingerprint transitions, decide whether another iteration is
// needed.
type Orchestrator struct {
	cfg     Config
	reg     *registry.Registry
	runner  dest.SqlRunner
	log     logrus.FieldLogger
	locks   *grid.Locks
	metrics *grid.Metrics
	onTick  func(grid.Snapshot)

	ownRunner *dest.PgxRunner
}

// New loads the registry and prepares an orchestrator. Without an
// explicit runner option, a pgx-backed runner is created and owned.
func New(cfg Config, options ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:   cfg.withDefaults(),
		log:   logrus.StandardLogger(),
		locks: grid.NewLocks(),
	}
	for _, option := range options {
		option.apply(o)
	}
	reg, err := registry.Load(o.cfg.MigDir)
	if err != nil {
		return nil, err
	}
	o.reg = reg
	if o.runner == nil {
		o.ownRunner = dest.NewPgxRunner(o.log)
		o.runner = o.ownRunner
	}
	return o, nil
}

// Close releases the owned runner's connections, if any.
func (o *Orchestrator) Close() {
	if o.ownRunner != nil {
		o.ownRunner.Close()
	}
}

// Registry exposes the loaded registry (for list/chain actions).
func (o *Orchestrator) Registry() *registry.Registry {
	return o.reg
}

// Apply brings every matching schema up to the full on-disk version list.
// It iterates as long as a pass finishes clean but planning still finds
// pending chains (concurrency caps can leave a previously-errored chain
// partially done).
func (o *Orchestrator) Apply(ctx context.Context) error {
	for {
		hasMore, err := o.runOnce(ctx, "")
		if err != nil {
			return err
		}
		if !hasMore {
			return nil
		}
		o.log.Info("some chains are still pending; running another pass")
	}
}

// Undo rolls back a single version, which must be the latest applied one
// on every schema that has it.
func (o *Orchestrator) Undo(ctx context.Context, version string) error {
	canonical, err := registry.ExtractVersion(version)
	if err != nil {
		return err
	}
	_, err = o.runOnce(ctx, canonical)
	return err
}

func (o *Orchestrator) runOnce(ctx context.Context, undo string) (hasMore bool, err error) {
	dests, err := o.hostDests()
	if err != nil {
		return false, err
	}
	if o.cfg.CreateDB && undo == "" {
		for _, d := range dests {
			d := d
			if err := d.CreateDB(ctx, func(err error) {
				o.log.WithError(err).WithField("host", d.Host).Info("waiting for server")
			}); err != nil {
				return false, err
			}
		}
	}

	planner := &patch.Planner{Hosts: dests, Reg: o.reg, Undo: undo, Log: o.log}
	chains, err := planner.Build(ctx)
	if err != nil {
		return false, err
	}
	deps := o.depFiles()

	if len(chains) == 0 && !o.cfg.Force {
		upToDate, err := dest.CheckRerunFingerprints(ctx, dests, deps)
		if err != nil {
			return false, err
		}
		if upToDate {
			// The digest may still be missing, e.g. after a partially
			// failed save on the previous run.
			dest.SaveDigests(ctx, dests, o.reg.Digest())
			o.log.Info("nothing to do")
			return false, nil
		}
	}

	if o.cfg.Dry {
		o.renderPlan(chains)
		return false, nil
	}

	if undo != "" && len(chains) > 0 {
		// If the undo fails halfway, every dest must already compare
		// below any code digest.
		dest.SaveDigests(ctx, dests, "0."+registry.ResetBeforeUndo)
	}
	// Clear the fingerprint first: a crash anywhere below must make the
	// next run re-execute before and after.
	if err := dest.SaveRerunFingerprints(ctx, dests, deps, dest.FingerprintReset); err != nil {
		return false, err
	}

	g := &grid.Grid{
		Main:           chains,
		Before:         o.bracketChains(dests, o.reg.Before, patch.Dn),
		After:          o.bracketChains(dests, o.reg.After, patch.Up),
		WorkersPerHost: o.cfg.WorkersPerHost,
		Locks:          o.locks,
		Metrics:        o.metrics,
		Log:            o.log,
		OnTick:         o.onTick,
	}
	res, err := g.Run(ctx)
	if err != nil {
		return false, err
	}
	o.report(res)
	if !res.Success() {
		return false, &RunError{Result: res}
	}

	if err := dest.SaveRerunFingerprints(ctx, dests, deps, dest.FingerprintUpToDate); err != nil {
		return false, err
	}
	if undo != "" {
		dest.SaveDigests(ctx, dests, "0."+registry.ResetAfterUndo)
		return false, nil
	}
	remaining, err := planner.Build(ctx)
	if err != nil {
		return false, err
	}
	if len(remaining) > 0 {
		return true, nil
	}
	dest.SaveDigests(ctx, dests, o.reg.Digest())
	return false, nil
}

func (o *Orchestrator) hostDests() ([]dest.Dest, error) {
	if len(o.cfg.Hosts) == 0 {
		return nil, errors.New("no hosts configured")
	}
	dests := make([]dest.Dest, 0, len(o.cfg.Hosts))
	for _, h := range o.cfg.Hosts {
		port, user, pass, db := h.Port, h.User, h.Pass, h.DB
		if port == 0 {
			port = o.cfg.Port
		}
		if user == "" {
			user = o.cfg.User
		}
		if pass == "" {
			pass = o.cfg.Pass
		}
		if db == "" {
			db = o.cfg.DB
		}
		if db == "" {
			return nil, errors.Errorf("host %s: no database name", h.Host)
		}
		dests = append(dests, dest.New(h.Host, port, user, pass, db, o.cfg.Schema, o.runner, o.log))
	}
	return dests, nil
}

// depFiles lists the files whose contents take part in the rerun
// fingerprint.
func (o *Orchestrator) depFiles() []*registry.MigrationFile {
	var deps []*registry.MigrationFile
	if o.reg.Before != nil {
		deps = append(deps, o.reg.Before)
	}
	if o.reg.After != nil {
		deps = append(deps, o.reg.After)
	}
	return deps
}

// bracketChains builds the one-per-host before/after chains. Their
// migrations never touch version lists.
func (o *Orchestrator) bracketChains(dests []dest.Dest, file *registry.MigrationFile, t patch.ChainType) []patch.Chain {
	if file == nil {
		return nil
	}
	chains := make([]patch.Chain, 0, len(dests))
	for _, d := range dests {
		chains = append(chains, patch.Chain{
			Type: t,
			Dest: d,
			Migrations: []patch.Migration{{
				Version: file.Name(),
				File:    file,
			}},
		})
	}
	return chains
}

func (o *Orchestrator) renderPlan(chains []patch.Chain) {
	if len(chains) == 0 {
		o.log.Info("dry run: nothing to do")
		return
	}
	var targets []string
	total := 0
	for _, ch := range chains {
		targets = append(targets, ch.Dest.HostSchema())
		total += len(ch.Migrations)
	}
	o.log.WithFields(logrus.Fields{
		"migrations": total,
		"schemas":    strings.Join(CollapseNames(targets), " "),
	}).Info("dry run: would apply")
}

func (o *Orchestrator) report(res *grid.Result) {
	var errored []string
	for _, e := range res.Errors {
		errored = append(errored, e.Dest)
	}
	fields := logrus.Fields{
		"processed": res.Processed,
		"total":     res.TotalMigrations,
	}
	if len(res.Warnings) > 0 {
		fields["warnings"] = len(res.Warnings)
	}
	if len(errored) > 0 {
		fields["errored"] = strings.Join(CollapseNames(errored), " ")
		o.log.WithFields(fields).Error("run finished with errors")
		return
	}
	o.log.WithFields(fields).Info("run finished")
}

// RunError aggregates the per-migration failures of one run.
type RunError struct {
	Result *grid.Result
}

func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d migrations failed:", len(e.Result.Errors), e.Result.TotalMigrations)
	for _, me := range e.Result.Errors {
		b.WriteString("\n  " + me.Error())
	}
	return b.String()
}

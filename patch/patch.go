// Package patch diffs the on-disk migration registry against each schema's
// applied history and produces the chains of work a run must execute.
package patch

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/clickup/pg-mig/dest"
	"github.com/clickup/pg-mig/registry"
)

// ChainType tells whether a chain applies or undoes migrations.
type ChainType int

const (
	Up ChainType = iota
	Dn
)

func (t ChainType) String() string {
	if t == Dn {
		return "dn"
	}
	return "up"
}

// Migration is one script to run on one schema. NewVersions is the exact
// version list to persist in the same transaction; nil means the script
// does not touch the version list (before/after scripts).
type Migration struct {
	Version     string
	File        *registry.MigrationFile
	NewVersions []string
}

// Chain is the ordered list of migrations for a single schema in a single
// run. Chains are produced here and never mutated afterwards.
type Chain struct {
	Type       ChainType
	Dest       dest.Dest
	Migrations []Migration
}

// Planner computes the chains for a set of hosts.
type Planner struct {
	// Hosts are database-level dests, one per host.
	Hosts []dest.Dest
	Reg   *registry.Registry
	// Undo holds the canonical version to undo; empty means apply.
	Undo string
	Log  logrus.FieldLogger
}

// Build queries every host for its schemas and applied histories and
// produces at most one chain per schema, sorted by (host, database,
// schema) for stable output.
func (p *Planner) Build(ctx context.Context) ([]Chain, error) {
	log := p.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	var chains []Chain
	for _, host := range p.Hosts {
		schemas, err := host.LoadSchemas(ctx)
		if err != nil {
			return nil, err
		}
		matched := map[string][]*registry.Entry{}
		var names []string
		for _, schema := range schemas {
			entries, err := p.Reg.GroupBySchema(schema)
			if err != nil {
				return nil, err
			}
			if entries == nil {
				continue
			}
			matched[schema] = entries
			names = append(names, schema)
		}
		applied, err := host.LoadVersionsBySchema(ctx, names)
		if err != nil {
			return nil, err
		}
		for _, schema := range names {
			chain, err := p.chainForSchema(host.WithSchema(schema), matched[schema], applied[schema])
			if err != nil {
				return nil, err
			}
			if chain != nil {
				chains = append(chains, *chain)
			}
		}
		log.WithFields(logrus.Fields{
			"host":    host.Host,
			"schemas": len(names),
		}).Debug("planned host")
	}
	sort.Sort(byDest(chains))
	return chains, nil
}

func (p *Planner) chainForSchema(d dest.Dest, entries []*registry.Entry, applied []string) (*Chain, error) {
	if p.Undo != "" {
		return p.dnChain(d, entries, applied)
	}
	return p.upChain(d, entries, applied)
}

// upChain walks the entry list and the applied history in lockstep: the
// history must be a strict prefix of the entries, and the chain is the
// remaining suffix.
func (p *Planner) upChain(d dest.Dest, entries []*registry.Entry, applied []string) (*Chain, error) {
	for i, version := range applied {
		if i >= len(entries) {
			return nil, &MissingOnDiskError{Dest: d.String(), Version: version}
		}
		if entries[i].Name != version {
			return nil, &TimelineViolationError{
				Dest:     d.String(),
				Proposed: entries[i].Name,
				Applied:  version,
			}
		}
	}
	if len(applied) == len(entries) {
		return nil, nil
	}
	migrations := make([]Migration, 0, len(entries)-len(applied))
	for k := len(applied); k < len(entries); k++ {
		newVersions := make([]string, k+1)
		for j := 0; j <= k; j++ {
			newVersions[j] = entries[j].Name
		}
		migrations = append(migrations, Migration{
			Version:     entries[k].Name,
			File:        entries[k].Up,
			NewVersions: newVersions,
		})
	}
	return &Chain{Type: Up, Dest: d, Migrations: migrations}, nil
}

// dnChain undoes at most the single latest applied version. An undo
// target buried in the middle of the history is an error; a target this
// schema never applied yields no chain.
func (p *Planner) dnChain(d dest.Dest, entries []*registry.Entry, applied []string) (*Chain, error) {
	if len(applied) == 0 {
		return nil, nil
	}
	last := applied[len(applied)-1]
	if last == p.Undo {
		entry := p.Reg.EntryByName(p.Undo)
		if entry == nil {
			return nil, &MissingOnDiskError{Dest: d.String(), Version: p.Undo}
		}
		newVersions := make([]string, len(applied)-1)
		copy(newVersions, applied)
		return &Chain{
			Type: Dn,
			Dest: d,
			Migrations: []Migration{{
				Version:     p.Undo,
				File:        entry.Dn,
				NewVersions: newVersions,
			}},
		}, nil
	}
	for _, version := range applied[:len(applied)-1] {
		if version == p.Undo {
			return nil, &UndoNotLatestError{Dest: d.String(), Version: p.Undo, Latest: last}
		}
	}
	return nil, nil
}

type byDest []Chain

func (b byDest) Len() int      { return len(b) }
func (b byDest) Swap(i, j int) { b[i], b[j] = b[j], b[i] }
func (b byDest) Less(i, j int) bool {
	di, dj := b[i].Dest, b[j].Dest
	if di.Host != dj.Host {
		return di.Host < dj.Host
	}
	if di.DB != dj.DB {
		return di.DB < dj.DB
	}
	return di.Schema < dj.Schema
}

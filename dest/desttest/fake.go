// Package desttest provides an in-memory SqlRunner that simulates a small
// Postgres fleet: schemas, the constant bookkeeping functions, database
// creation and script execution with failure injection. It understands
// exactly the SQL shapes the dest package produces.
package desttest

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/clickup/pg-mig/dest"
)

// Fake implements dest.SqlRunner against in-memory state.
type Fake struct {
	mu  sync.Mutex
	dbs map[string]*fakeDB // key "host/db"

	// DownHosts makes every call against a host fail with a connectivity
	// error until the host is removed from the map.
	DownHosts map[string]bool

	// FailScriptContains fails any script whose body contains the key,
	// with the value as the error output (exit code 1).
	FailScriptContains map[string]string

	// WarnScriptContains raises the warning flag on matching scripts.
	WarnScriptContains map[string]bool

	// ScriptDuration widens the race window in concurrency tests.
	ScriptDuration time.Duration

	// MarkerOf extracts a tracking key from a script body; when set, the
	// fake records the maximum number of concurrently running scripts per
	// key and in total.
	MarkerOf func(body string) string

	inFlight      map[string]int
	maxInFlight   map[string]int
	maxTotalWhile map[string]int
	totalInFlight int
	maxTotal      int

	// ScriptLog records every executed script in order.
	ScriptLog []ScriptRun
}

// ScriptRun is one executed script.
type ScriptRun struct {
	Host   string
	DB     string
	Schema string
	Body   string
}

type fakeDB struct {
	schemas map[string]map[string]string // schema -> function name -> value
}

// NewFake returns an empty fleet.
func NewFake() *Fake {
	return &Fake{
		dbs:                map[string]*fakeDB{},
		DownHosts:          map[string]bool{},
		FailScriptContains: map[string]string{},
		WarnScriptContains: map[string]bool{},
		inFlight:           map[string]int{},
		maxInFlight:        map[string]int{},
		maxTotalWhile:      map[string]int{},
	}
}

// AddDB registers a database with the given shard schemas (plus "public").
func (f *Fake) AddDB(host, db string, schemas ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fdb := &fakeDB{schemas: map[string]map[string]string{"public": {}}}
	for _, s := range schemas {
		fdb.schemas[s] = map[string]string{}
	}
	f.dbs[host+"/"+db] = fdb
}

// Versions returns the stored version list of one schema (nil when the
// versions function was never written).
func (f *Fake) Versions(host, db, schema string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	fdb := f.dbs[host+"/"+db]
	if fdb == nil || fdb.schemas[schema] == nil {
		return nil
	}
	value, ok := fdb.schemas[schema][dest.FuncVersions]
	if !ok {
		return nil
	}
	return decodeJSONList(value)
}

// SetFunc stores a bookkeeping function value directly.
func (f *Fake) SetFunc(host, db, schema, name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dbs[host+"/"+db].schemas[schema][name] = value
}

// Func reads a bookkeeping function value directly ("" when absent).
func (f *Fake) Func(host, db, schema, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	fdb := f.dbs[host+"/"+db]
	if fdb == nil || fdb.schemas[schema] == nil {
		return ""
	}
	return fdb.schemas[schema][name]
}

// MaxInFlight returns the maximum observed concurrency for a marker key.
func (f *Fake) MaxInFlight(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight[key]
}

// MaxTotalInFlight returns the maximum number of scripts that ever ran at
// the same time, fleet-wide.
func (f *Fake) MaxTotalInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxTotal
}

// MaxTotalWhile returns the maximum fleet-wide concurrency observed while
// a script with the given marker was running (including itself).
func (f *Fake) MaxTotalWhile(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxTotalWhile[key]
}

var (
	reSchemasQuery  = regexp.MustCompile(`FROM pg_catalog\.pg_namespace`)
	reFuncSchemas   = regexp.MustCompile(`p\.proname = '([a-z_]+)'$`)
	reFuncExists    = regexp.MustCompile(`p\.proname = '([a-z_]+)' AND n\.nspname = '([^']+)'`)
	reConstCall     = regexp.MustCompile(`^SELECT "([^"]+)"\.([a-z_]+)\(\)$`)
	reVersionsPart  = regexp.MustCompile(`^SELECT '([^']+)', "([^"]+)"\.` + dest.FuncVersions + `\(\)$`)
	reDatnameProbe  = regexp.MustCompile(`^SELECT 1 FROM pg_database WHERE datname = '([^']+)'$`)
	reCreateDB      = regexp.MustCompile(`^CREATE DATABASE "([^"]+)"$`)
	reCreateFunc    = regexp.MustCompile(`(?m)^CREATE OR REPLACE FUNCTION "([^"]+)"\.([a-z_]+)\(\) RETURNS text LANGUAGE sql AS 'SELECT ''(.*)''::text';$`)
)

// RunQuery implements dest.SqlRunner.
func (f *Fake) RunQuery(_ context.Context, target dest.Dest, query string) ([][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DownHosts[target.Host] {
		return nil, errors.Errorf("dial %s: connection refused", target.Host)
	}

	if m := reDatnameProbe.FindStringSubmatch(query); m != nil {
		if _, ok := f.dbs[target.Host+"/"+m[1]]; ok {
			return [][]string{{"1"}}, nil
		}
		return nil, nil
	}
	if m := reCreateDB.FindStringSubmatch(query); m != nil {
		f.dbs[target.Host+"/"+m[1]] = &fakeDB{schemas: map[string]map[string]string{"public": {}}}
		return nil, nil
	}

	fdb := f.dbs[target.Host+"/"+target.DB]
	if fdb == nil {
		return nil, errors.Errorf("database %q does not exist on %s", target.DB, target.Host)
	}

	if m := reCreateFunc.FindStringSubmatch(query); m != nil {
		schema, name, value := m[1], m[2], m[3]
		if fdb.schemas[schema] == nil {
			return nil, errors.Errorf("schema %q does not exist", schema)
		}
		fdb.schemas[schema][name] = value
		return nil, nil
	}
	if m := reFuncExists.FindStringSubmatch(query); m != nil {
		name, schema := m[1], m[2]
		if funcs := fdb.schemas[schema]; funcs != nil {
			if _, ok := funcs[name]; ok {
				return [][]string{{"1"}}, nil
			}
		}
		return nil, nil
	}
	if m := reFuncSchemas.FindStringSubmatch(query); m != nil {
		var rows [][]string
		for schema, funcs := range fdb.schemas {
			if _, ok := funcs[m[1]]; ok {
				rows = append(rows, []string{schema})
			}
		}
		sortRows(rows)
		return rows, nil
	}
	if m := reConstCall.FindStringSubmatch(query); m != nil {
		schema, name := m[1], m[2]
		funcs := fdb.schemas[schema]
		if funcs == nil {
			return nil, errors.Errorf("schema %q does not exist", schema)
		}
		value, ok := funcs[name]
		if !ok {
			return nil, errors.Errorf("function %s.%s() does not exist", schema, name)
		}
		return [][]string{{value}}, nil
	}
	if strings.Contains(query, " UNION ALL ") || reVersionsPart.MatchString(query) {
		var rows [][]string
		for _, part := range strings.Split(query, " UNION ALL ") {
			m := reVersionsPart.FindStringSubmatch(part)
			if m == nil {
				return nil, errors.Errorf("desttest: unexpected UNION ALL part %q", part)
			}
			funcs := fdb.schemas[m[2]]
			if funcs == nil {
				return nil, errors.Errorf("schema %q does not exist", m[2])
			}
			rows = append(rows, []string{m[1], funcs[dest.FuncVersions]})
		}
		return rows, nil
	}
	if reSchemasQuery.MatchString(query) {
		var rows [][]string
		for schema := range fdb.schemas {
			if strings.HasPrefix(schema, "pg") || strings.Contains(schema, "_") {
				continue
			}
			rows = append(rows, []string{schema})
		}
		sortRows(rows)
		return rows, nil
	}
	return nil, errors.Errorf("desttest: unexpected query %q", query)
}

// RunScript implements dest.SqlRunner. Effects (the version-function
// update embedded in the script) apply only when the script succeeds,
// mirroring the transactional contract.
func (f *Fake) RunScript(ctx context.Context, target dest.Dest, body string, onOut func(line string)) (dest.ExitResult, error) {
	f.mu.Lock()
	if f.DownHosts[target.Host] {
		f.mu.Unlock()
		return dest.ExitResult{}, errors.Errorf("dial %s: connection refused", target.Host)
	}
	marker := ""
	if f.MarkerOf != nil {
		marker = f.MarkerOf(body)
	}
	f.enterLocked(target, marker)
	f.mu.Unlock()

	if f.ScriptDuration > 0 {
		select {
		case <-time.After(f.ScriptDuration):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaveLocked(target, marker)
	f.ScriptLog = append(f.ScriptLog, ScriptRun{
		Host: target.Host, DB: target.DB, Schema: target.Schema, Body: body,
	})

	if err := ctx.Err(); err != nil {
		return dest.ExitResult{}, err
	}
	for substr, out := range f.FailScriptContains {
		if strings.Contains(body, substr) {
			if onOut != nil {
				onOut("ERROR:  " + out)
			}
			return dest.ExitResult{Code: 1, Stderr: "ERROR:  " + out + "\n"}, nil
		}
	}

	fdb := f.dbs[target.Host+"/"+target.DB]
	if fdb == nil {
		return dest.ExitResult{}, errors.Errorf("database %q does not exist on %s", target.DB, target.Host)
	}
	for _, m := range reCreateFunc.FindAllStringSubmatch(body, -1) {
		schema, name, value := m[1], m[2], m[3]
		if fdb.schemas[schema] == nil {
			fdb.schemas[schema] = map[string]string{}
		}
		fdb.schemas[schema][name] = value
	}

	res := dest.ExitResult{Stdout: "OK\n"}
	for substr := range f.WarnScriptContains {
		if strings.Contains(body, substr) {
			res.Warning = true
			res.Stderr = "WARNING:  injected warning\n"
		}
	}
	if onOut != nil {
		onOut("OK")
	}
	return res, nil
}

func (f *Fake) enterLocked(target dest.Dest, marker string) {
	f.totalInFlight++
	if f.totalInFlight > f.maxTotal {
		f.maxTotal = f.totalInFlight
	}
	for _, key := range markerKeys(target, marker) {
		f.inFlight[key]++
		if f.inFlight[key] > f.maxInFlight[key] {
			f.maxInFlight[key] = f.inFlight[key]
		}
	}
	for key, n := range f.inFlight {
		if n > 0 && f.totalInFlight > f.maxTotalWhile[key] {
			f.maxTotalWhile[key] = f.totalInFlight
		}
	}
}

func (f *Fake) leaveLocked(target dest.Dest, marker string) {
	f.totalInFlight--
	for _, key := range markerKeys(target, marker) {
		f.inFlight[key]--
	}
}

func markerKeys(target dest.Dest, marker string) []string {
	if marker == "" {
		return nil
	}
	return []string{marker, target.Host + ":" + marker}
}

func sortRows(rows [][]string) {
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
}

func decodeJSONList(value string) []string {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "[") {
		return nil
	}
	inner := strings.Trim(value, "[]")
	if inner == "" {
		return []string{}
	}
	var out []string
	for _, piece := range strings.Split(inner, ",") {
		out = append(out, strings.Trim(strings.TrimSpace(piece), `"`))
	}
	return out
}

// Dest builds a fake-backed Dest value.
func (f *Fake) Dest(host, db, schema string) dest.Dest {
	return dest.New(host, 5432, "pgmig", "secret", db, schema, f, nil)
}

// MarkerDirective formats a comment line tests put into migration bodies
// so MarkerOf can track them.
func MarkerDirective(name string) string {
	return fmt.Sprintf("-- marker:%s", name)
}

// FindMarker is a ready-made MarkerOf implementation matching
// MarkerDirective lines.
func FindMarker(body string) string {
	const prefix = "-- marker:"
	i := strings.Index(body, prefix)
	if i < 0 {
		return ""
	}
	rest := body[i+len(prefix):]
	if j := strings.IndexByte(rest, '\n'); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}

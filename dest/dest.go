// Package dest models one (host, port, user, password, database, schema)
// endpoint and the bookkeeping protocol the migration engine keeps inside
// each database: the per-schema version list, the fleet digest and the
// rerun fingerprint, each stored as a constant SQL function.
package dest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/clickup/pg-mig/registry"
)

// Names of the bookkeeping functions. The versions function lives in every
// migrated schema; the digest and fingerprint functions live in the dest's
// default schema only.
const (
	FuncVersions    = "mig_versions_const"
	FuncDigest      = "mig_digest_const"
	FuncFingerprint = "mig_rerun_fingerprint_const"
)

// bootstrapDB is the database used to create missing databases.
const bootstrapDB = "postgres"

// Dest is an immutable endpoint. Copies are cheap; WithSchema derives the
// per-schema variants the planner works with.
type Dest struct {
	Host   string
	Port   int
	User   string
	Pass   string
	DB     string
	Schema string

	runner SqlRunner
	log    logrus.FieldLogger
}

// New returns a Dest bound to a runner.
func New(host string, port int, user, pass, db, schema string, runner SqlRunner, log logrus.FieldLogger) Dest {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return Dest{
		Host:   host,
		Port:   port,
		User:   user,
		Pass:   pass,
		DB:     db,
		Schema: schema,
		runner: runner,
		log:    log,
	}
}

// WithSchema derives a Dest addressing another schema of the same database.
func (d Dest) WithSchema(schema string) Dest {
	d.Schema = schema
	return d
}

// NoDB derives a Dest connected to the bootstrap database; it is used only
// to create the target database.
func (d Dest) NoDB() Dest {
	d.DB = bootstrapDB
	d.Schema = ""
	return d
}

func (d Dest) String() string {
	return fmt.Sprintf("%s/%s:%s", d.Host, d.DB, d.Schema)
}

// HostSchema is the short "host:schema" form used in progress output.
func (d Dest) HostSchema() string {
	return d.Host + ":" + d.Schema
}

// discardSuite keeps pooled sessions clean after a migration: DISCARD ALL
// is not allowed inside a transaction, so the individual operations run
// instead, before COMMIT.
const discardSuite = `CLOSE ALL;
RESET ALL;
DEALLOCATE ALL;
UNLISTEN *;
SELECT pg_advisory_unlock_all();
DISCARD PLANS;
DISCARD TEMP;
DISCARD SEQUENCES;
`

// RunFile applies one migration script atomically: the script body, the
// version-list update (when newVersions is non-nil) and the discard suite
// commit together or not at all. Scripts hosting CREATE/DROP INDEX
// CONCURRENTLY carry or receive a "COMMIT; ... BEGIN;" sandwich, so the
// index statement itself runs outside the transaction while the
// bookkeeping still commits inside one.
func (d Dest) RunFile(ctx context.Context, file *registry.MigrationFile, newVersions []string, onOut func(line string)) (ExitResult, error) {
	var b strings.Builder
	b.WriteString("BEGIN;\n")
	b.WriteString(file.EffectiveBody())
	b.WriteString("\n")
	if newVersions != nil {
		b.WriteString(createConstFuncSQL(d.Schema, FuncVersions, encodeVersions(newVersions)))
		b.WriteString("\n")
	}
	b.WriteString(discardSuite)
	b.WriteString("COMMIT;\n")
	return d.runner.RunScript(ctx, d, b.String(), onOut)
}

// LoadSchemas returns the schema names suitable as shards: system schemas
// and names containing an underscore are excluded.
func (d Dest) LoadSchemas(ctx context.Context) ([]string, error) {
	rows, err := d.runner.RunQuery(ctx, d,
		`SELECT nspname FROM pg_catalog.pg_namespace `+
			`WHERE nspname NOT LIKE 'pg%' AND nspname NOT LIKE '%\_%' ORDER BY nspname`)
	if err != nil {
		return nil, errors.Wrapf(err, "load schemas of %s", d)
	}
	schemas := make([]string, 0, len(rows))
	for _, row := range rows {
		schemas = append(schemas, row[0])
	}
	return schemas, nil
}

// versionsBatchSize bounds the UNION ALL used to read many schemas' version
// lists in one round trip.
const versionsBatchSize = 1000

// LoadVersionsBySchema reads the applied version list of each schema. A
// schema without the versions function yields an empty list.
func (d Dest) LoadVersionsBySchema(ctx context.Context, schemas []string) (map[string][]string, error) {
	out := make(map[string][]string, len(schemas))
	for _, s := range schemas {
		out[s] = []string{}
	}

	rows, err := d.runner.RunQuery(ctx, d,
		`SELECT n.nspname FROM pg_catalog.pg_proc p `+
			`JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace `+
			`WHERE p.proname = `+quoteLiteral(FuncVersions))
	if err != nil {
		return nil, errors.Wrapf(err, "find versions functions on %s", d)
	}
	have := map[string]bool{}
	for _, row := range rows {
		have[row[0]] = true
	}

	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		rows, err := d.runner.RunQuery(ctx, d, strings.Join(batch, " UNION ALL "))
		if err != nil {
			return errors.Wrapf(err, "load version lists on %s", d)
		}
		for _, row := range rows {
			var versions []string
			if err := json.Unmarshal([]byte(row[1]), &versions); err != nil {
				return errors.Wrapf(err, "malformed version list of schema %s on %s", row[0], d)
			}
			out[row[0]] = versions
		}
		batch = batch[:0]
		return nil
	}
	for _, s := range schemas {
		if !have[s] {
			continue
		}
		batch = append(batch, fmt.Sprintf(
			"SELECT %s, %s.%s()", quoteLiteral(s), quoteIdent(s), FuncVersions))
		if len(batch) >= versionsBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateDB probes for the target database and creates it when absent.
// Connectivity failures (server unreachable or still starting up) are
// retried every second until the server answers; onRetry receives the error
// of each such failure before the retry. Any other failure is terminal.
func (d Dest) CreateDB(ctx context.Context, onRetry func(err error)) error {
	noDB := d.NoDB()
	op := func() error {
		rows, err := d.runner.RunQuery(ctx, noDB,
			"SELECT 1 FROM pg_database WHERE datname = "+quoteLiteral(d.DB))
		if err != nil {
			return retryOrPermanent(err, onRetry)
		}
		if len(rows) > 0 {
			return nil
		}
		d.log.WithFields(logrus.Fields{"host": d.Host, "db": d.DB}).Info("creating database")
		if _, err := d.runner.RunQuery(ctx, noDB, "CREATE DATABASE "+quoteIdent(d.DB)); err != nil {
			return retryOrPermanent(err, onRetry)
		}
		return nil
	}
	return errors.Wrapf(
		backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(time.Second), ctx)),
		"create database %s on %s", d.DB, d.Host)
}

func retryOrPermanent(err error, onRetry func(err error)) error {
	if !isConnectivityError(err) {
		return backoff.Permanent(err)
	}
	if onRetry != nil {
		onRetry(err)
	}
	return err
}

// isConnectivityError distinguishes "the server is not there yet" from
// real failures during CreateDB.
func isConnectivityError(err error) bool {
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "failed to connect") ||
		strings.Contains(msg, "the database system is starting up")
}

// encodeVersions renders the JSON array stored by the versions function.
func encodeVersions(versions []string) string {
	if versions == nil {
		versions = []string{}
	}
	j, _ := json.Marshal(versions)
	return string(j)
}

// createConstFuncSQL (re)creates one of the constant bookkeeping
// functions in the given schema.
func createConstFuncSQL(schema, name, value string) string {
	return fmt.Sprintf(
		"CREATE OR REPLACE FUNCTION %s.%s() RETURNS text LANGUAGE sql AS %s;",
		quoteIdent(schema), name, quoteLiteral("SELECT "+quoteLiteral(value)+"::text"))
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

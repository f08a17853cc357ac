package dest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/clickup/pg-mig/registry"
)

// ExitResult is the outcome of running a script: a process-style exit
// code, the captured output streams, and whether the server emitted a
// WARNING notice.
type ExitResult struct {
	Code    int
	Stdout  string
	Stderr  string
	Warning bool
}

// SqlRunner executes scripts and queries against a (host, database,
// schema) target. Script SQL failures surface as a non-zero Code with nil
// error; the error return is reserved for infrastructure problems
// (unreachable server, cancelled context).
type SqlRunner interface {
	RunScript(ctx context.Context, target Dest, body string, onOut func(line string)) (ExitResult, error)
	RunQuery(ctx context.Context, target Dest, query string) ([][]string, error)
}

// PgxRunner is the pgx-backed SqlRunner. Queries go through a pool per
// (host, database, schema); each script gets a dedicated connection so
// notice capture and the discard suite stay scoped to one session.
type PgxRunner struct {
	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
	log   logrus.FieldLogger
}

func NewPgxRunner(log logrus.FieldLogger) *PgxRunner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PgxRunner{
		pools: map[string]*pgxpool.Pool{},
		log:   log,
	}
}

// Close releases all pooled connections.
func (r *PgxRunner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, pool := range r.pools {
		pool.Close()
		delete(r.pools, key)
	}
}

func connURL(target Dest) string {
	host := target.Host
	if target.Port > 0 {
		host = fmt.Sprintf("%s:%d", target.Host, target.Port)
	}
	return (&url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(target.User, target.Pass),
		Host:     host,
		Path:     "/" + target.DB,
		RawQuery: "sslmode=prefer",
	}).String()
}

func connConfig(target Dest) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(connURL(target))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if target.Schema != "" {
		cfg.RuntimeParams["search_path"] = target.Schema
	}
	cfg.RuntimeParams["statement_timeout"] = "0"
	cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	return cfg, nil
}

func (r *PgxRunner) pool(ctx context.Context, target Dest) (*pgxpool.Pool, error) {
	key := fmt.Sprintf("%s:%d/%s/%s", target.Host, target.Port, target.DB, target.Schema)
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[key]; ok {
		return p, nil
	}
	cfg, err := pgxpool.ParseConfig(connURL(target))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if target.Schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = target.Schema
	}
	cfg.ConnConfig.RuntimeParams["statement_timeout"] = "0"
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	r.pools[key] = p
	return p, nil
}

// RunScript executes a multi-statement script over the simple query
// protocol, streaming notices and command tags to onOut.
func (r *PgxRunner) RunScript(ctx context.Context, target Dest, body string, onOut func(line string)) (ExitResult, error) {
	var res ExitResult
	cfg, err := connConfig(target)
	if err != nil {
		return res, err
	}
	cfg.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		line := fmt.Sprintf("%s:  %s", n.Severity, n.Message)
		if n.Severity == "WARNING" {
			res.Warning = true
		}
		res.Stderr += line + "\n"
		if onOut != nil {
			onOut(line)
		}
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return res, errors.Wrapf(err, "connect %s", target)
	}
	defer conn.Close(context.Background())

	// Statements go over the wire one at a time, the way psql sends a
	// file: an explicit "COMMIT; ... BEGIN;" sandwich then really closes
	// the transaction, and CREATE INDEX CONCURRENTLY never ends up inside
	// an implicit multi-statement transaction.
	for _, stmt := range registry.SplitStatements(body) {
		results, err := conn.PgConn().Exec(ctx, stmt).ReadAll()
		for _, result := range results {
			tag := result.CommandTag.String()
			if tag == "" {
				continue
			}
			res.Stdout += tag + "\n"
			if onOut != nil {
				onOut(tag)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, errors.WithStack(ctx.Err())
			}
			res.Code = 1
			res.Stderr += err.Error() + "\n"
			if onOut != nil {
				onOut(strings.TrimSpace(err.Error()))
			}
			return res, nil
		}
	}
	return res, nil
}

// RunQuery runs a single query and returns the rows as text.
func (r *PgxRunner) RunQuery(ctx context.Context, target Dest, query string) ([][]string, error) {
	pool, err := r.pool(ctx, target)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		row := make([]string, len(vals))
		for i, v := range vals {
			if v != nil {
				row[i] = fmt.Sprint(v)
			}
		}
		out = append(out, row)
	}
	return out, errors.WithStack(rows.Err())
}

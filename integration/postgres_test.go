package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pgmig "github.com/clickup/pg-mig"
	"github.com/clickup/pg-mig/dest"
)

const (
	pgPassword = "secret"
	pgDatabase = "pgmig"
)

func startPostgres(t *testing.T) (host string, port int) {
	t.Helper()
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	resource, err := pool.Run("postgres", "16-alpine", []string{
		"POSTGRES_PASSWORD=" + pgPassword,
		"POSTGRES_DB=" + pgDatabase,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })

	port, err = strconv.Atoi(resource.GetPort("5432/tcp"))
	require.NoError(t, err)
	host = "localhost"

	require.NoError(t, pool.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		conn, err := pgx.Connect(ctx, dsn(host, port))
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		return conn.Ping(ctx)
	}))
	return host, port
}

func dsn(host string, port int) string {
	return fmt.Sprintf("postgres://postgres:%s@%s:%d/%s", pgPassword, host, port, pgDatabase)
}

func writeMigrations(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"before.sql": "SELECT 1;",
		"after.sql":  "SELECT 2;",
		"20230101000000.users.sh.up.sql": `CREATE TABLE users (
    id    bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    email text NOT NULL
);`,
		"20230101000000.users.sh.dn.sql": "DROP TABLE users;",
		"20230102000000.users-email-idx.sh.up.sql": "-- $parallelism_per_host=1\n" +
			"CREATE INDEX CONCURRENTLY IF NOT EXISTS users_email ON users(email);",
		"20230102000000.users-email-idx.sh.dn.sql": "-- $parallelism_per_host=1\n" +
			"DROP INDEX CONCURRENTLY IF EXISTS users_email;",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func Test_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test needs docker")
	}
	ctx := context.Background()
	host, port := startPostgres(t)

	conn, err := pgx.Connect(ctx, dsn(host, port))
	require.NoError(t, err)
	for _, schema := range []string{"sh0001", "sh0002"} {
		_, err := conn.Exec(ctx, "CREATE SCHEMA "+schema)
		require.NoError(t, err)
	}
	require.NoError(t, conn.Close(ctx))

	cfg := pgmig.Config{
		MigDir: writeMigrations(t),
		Hosts:  []pgmig.HostSpec{{Host: host, Port: port}},
		User:   "postgres",
		Pass:   pgPassword,
		DB:     pgDatabase,
	}
	o, err := pgmig.New(cfg)
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Apply(ctx))

	runner := dest.NewPgxRunner(nil)
	defer runner.Close()
	d := dest.New(host, port, "postgres", pgPassword, pgDatabase, "public", runner, nil)

	versions, err := d.LoadVersionsBySchema(ctx, []string{"sh0001", "sh0002"})
	require.NoError(t, err)
	want := []string{"20230101000000.users.sh", "20230102000000.users-email-idx.sh"}
	assert.Equal(t, want, versions["sh0001"])
	assert.Equal(t, want, versions["sh0002"])

	digest, err := d.LoadDigest(ctx)
	require.NoError(t, err)
	assert.Equal(t, o.Registry().Digest(), digest)

	// The concurrently built index really exists in each shard schema.
	rows, err := runner.RunQuery(ctx, d,
		`SELECT schemaname FROM pg_indexes WHERE indexname = 'users_email' ORDER BY schemaname`)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// A second apply is a fast-path no-op.
	require.NoError(t, o.Apply(ctx))

	// Undo the index version, then re-apply.
	require.NoError(t, o.Undo(ctx, "20230102000000.users-email-idx.sh"))
	versions, err = d.LoadVersionsBySchema(ctx, []string{"sh0001"})
	require.NoError(t, err)
	assert.Equal(t, want[:1], versions["sh0001"])
	digest, err = d.LoadDigest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.after-undo", digest)

	require.NoError(t, o.Apply(ctx))
	versions, err = d.LoadVersionsBySchema(ctx, []string{"sh0001"})
	require.NoError(t, err)
	assert.Equal(t, want, versions["sh0001"])
}

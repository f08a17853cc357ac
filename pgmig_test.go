package pgmig

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clickup/pg-mig/dest"
	"github.com/clickup/pg-mig/dest/desttest"
)

const (
	tvA = "20230101000000.a.sh"
	tvB = "20230102000000.b.sh"
	tvC = "20230103000000.c.sh"
)

type testEnv struct {
	fake   *desttest.Fake
	cfg    Config
	migDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	migDir := t.TempDir()
	files := map[string]string{
		"before.sql":  "-- marker:before\nSELECT 1;",
		"after.sql":   "-- marker:after\nSELECT 1;",
		tvA + ".up.sql": "-- marker:up-a\nCREATE TABLE a(id bigint);",
		tvA + ".dn.sql": "-- marker:dn-a\nDROP TABLE a;",
		tvB + ".up.sql": "-- marker:up-b\nCREATE TABLE b(id bigint);",
		tvB + ".dn.sql": "-- marker:dn-b\nDROP TABLE b;",
		tvC + ".up.sql": "-- marker:up-c\nCREATE TABLE c(id bigint);",
		tvC + ".dn.sql": "-- marker:dn-c\nDROP TABLE c;",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(migDir, name), []byte(body), 0o644))
	}

	fake := desttest.NewFake()
	fake.AddDB("h1", "mydb", "sh0001", "sh0002")
	fake.AddDB("h2", "mydb", "sh0001", "sh0002")

	return &testEnv{
		fake:   fake,
		migDir: migDir,
		cfg: Config{
			MigDir: migDir,
			Hosts:  []HostSpec{{Host: "h1"}, {Host: "h2"}},
			User:   "pgmig",
			Pass:   "secret",
			DB:     "mydb",
		},
	}
}

func (e *testEnv) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(e.cfg, WithRunner(e.fake))
	require.NoError(t, err)
	return o
}

func (e *testEnv) scriptsWith(marker string) int {
	n := 0
	for _, run := range e.fake.ScriptLog {
		if desttest.FindMarker(run.Body) == marker {
			n++
		}
	}
	return n
}

func TestApplyBringsFleetUpToDate(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t)
	require.NoError(t, o.Apply(context.Background()))

	want := []string{tvA, tvB, tvC}
	for _, host := range []string{"h1", "h2"} {
		for _, schema := range []string{"sh0001", "sh0002"} {
			assert.Equal(t, want, env.fake.Versions(host, "mydb", schema), "%s/%s", host, schema)
		}
		assert.Equal(t, o.Registry().Digest(), env.fake.Func(host, "mydb", "public", dest.FuncDigest))
		assert.NotEmpty(t, env.fake.Func(host, "mydb", "public", dest.FuncFingerprint))
	}
	// before/after ran once per host.
	assert.Equal(t, 2, env.scriptsWith("before"))
	assert.Equal(t, 2, env.scriptsWith("after"))
}

func TestApplyFastPath(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t)
	require.NoError(t, o.Apply(context.Background()))
	executed := len(env.fake.ScriptLog)

	// Simulate a lost digest on one host; the fast path must restore it
	// without executing any script.
	env.fake.SetFunc("h1", "mydb", "public", dest.FuncDigest, "")
	require.NoError(t, o.Apply(context.Background()))
	assert.Len(t, env.fake.ScriptLog, executed, "the fast path must execute zero scripts")
	assert.Equal(t, o.Registry().Digest(), env.fake.Func("h1", "mydb", "public", dest.FuncDigest))
}

func TestApplyForceRunsBracketsAgain(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t)
	require.NoError(t, o.Apply(context.Background()))

	env.cfg.Force = true
	o = env.orchestrator(t)
	require.NoError(t, o.Apply(context.Background()))
	assert.Equal(t, 4, env.scriptsWith("before"))
	assert.Equal(t, 4, env.scriptsWith("after"))
}

func TestApplyFailureKeepsFingerprintCleared(t *testing.T) {
	env := newTestEnv(t)
	env.fake.FailScriptContains["-- marker:up-b"] = "syntax error"
	o := env.orchestrator(t)

	err := o.Apply(context.Background())
	require.Error(t, err)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.NotEmpty(t, runErr.Result.Errors)

	for _, host := range []string{"h1", "h2"} {
		// Chains stopped at the failing version.
		assert.Equal(t, []string{tvA}, env.fake.Versions(host, "mydb", "sh0001"))
		// The fingerprint stays empty so the next run replays before/after.
		assert.Equal(t, "", env.fake.Func(host, "mydb", "public", dest.FuncFingerprint))
		// The digest was never advanced.
		assert.Empty(t, env.fake.Func(host, "mydb", "public", dest.FuncDigest))
	}
	// after.sql still ran for cleanup.
	assert.Equal(t, 2, env.scriptsWith("after"))

	// An interrupted apply followed by a clean apply converges to the
	// same state as a single uninterrupted one.
	delete(env.fake.FailScriptContains, "-- marker:up-b")
	require.NoError(t, o.Apply(context.Background()))
	for _, host := range []string{"h1", "h2"} {
		assert.Equal(t, []string{tvA, tvB, tvC}, env.fake.Versions(host, "mydb", "sh0001"))
		assert.Equal(t, o.Registry().Digest(), env.fake.Func(host, "mydb", "public", dest.FuncDigest))
	}
}

func TestUndoThenApplyRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t)
	require.NoError(t, o.Apply(context.Background()))

	require.NoError(t, o.Undo(context.Background(), tvC))
	for _, host := range []string{"h1", "h2"} {
		assert.Equal(t, []string{tvA, tvB}, env.fake.Versions(host, "mydb", "sh0001"))
		assert.Equal(t, "0.after-undo", env.fake.Func(host, "mydb", "public", dest.FuncDigest))
	}
	assert.Equal(t, 4, env.scriptsWith("dn-c"))

	require.NoError(t, o.Apply(context.Background()))
	for _, host := range []string{"h1", "h2"} {
		assert.Equal(t, []string{tvA, tvB, tvC}, env.fake.Versions(host, "mydb", "sh0001"))
		assert.Equal(t, o.Registry().Digest(), env.fake.Func(host, "mydb", "public", dest.FuncDigest))
	}
}

func TestUndoFailureLeavesBeforeUndoDigest(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t)
	require.NoError(t, o.Apply(context.Background()))

	env.fake.FailScriptContains["-- marker:dn-c"] = "boom"
	err := o.Undo(context.Background(), tvC)
	require.Error(t, err)
	for _, host := range []string{"h1", "h2"} {
		assert.Equal(t, "0.before-undo", env.fake.Func(host, "mydb", "public", dest.FuncDigest),
			"a partially failed undo must compare below any code digest")
	}
}

func TestUndoAcceptsFileNames(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t)
	require.NoError(t, o.Apply(context.Background()))
	require.NoError(t, o.Undo(context.Background(), tvC+".dn.sql"))
	assert.Equal(t, []string{tvA, tvB}, env.fake.Versions("h1", "mydb", "sh0001"))
}

func TestDryRunMutatesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Dry = true
	o := env.orchestrator(t)
	require.NoError(t, o.Apply(context.Background()))
	assert.Empty(t, env.fake.ScriptLog)
	for _, host := range []string{"h1", "h2"} {
		assert.Nil(t, env.fake.Versions(host, "mydb", "sh0001"))
		assert.Empty(t, env.fake.Func(host, "mydb", "public", dest.FuncDigest))
	}
}

func TestCreateDBOnApply(t *testing.T) {
	env := newTestEnv(t)
	env.fake.AddDB("h3", "otherdb") // h3 exists but has no "mydb" yet
	env.cfg.Hosts = append(env.cfg.Hosts, HostSpec{Host: "h3"})
	env.cfg.CreateDB = true
	o := env.orchestrator(t)
	require.NoError(t, o.Apply(context.Background()))
	// The created database has only "public"; no shard schemas matched,
	// and the bookkeeping still landed.
	assert.Equal(t, o.Registry().Digest(), env.fake.Func("h3", "mydb", "public", dest.FuncDigest))
}

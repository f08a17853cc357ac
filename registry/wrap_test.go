package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckWrapPlainScript(t *testing.T) {
	c := CheckWrap("CREATE TABLE t(id bigint);\nALTER TABLE t ADD c text;", false)
	assert.Equal(t, WrapNone, c.Kind)
	assert.Empty(t, c.Errors)
}

func TestCheckWrapCreateIndexAlone(t *testing.T) {
	body := "-- $parallelism_per_host=2\n" +
		`CREATE INDEX CONCURRENTLY IF NOT EXISTS "x""y" ON t(c) WHERE c='a;b';`

	dir := t.TempDir()
	path := filepath.Join(dir, "f.sql")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	f, err := LoadFile(path)
	require.NoError(t, err)

	c := f.Wrap()
	assert.Equal(t, WrapCreateIndexAlone, c.Kind)
	assert.Equal(t, []string{`"x""y"`}, c.Indexes)
	assert.Empty(t, c.Errors)

	eff := f.EffectiveBody()
	assert.True(t, strings.HasPrefix(eff, "COMMIT;\n"))
	assert.Contains(t, eff, `DROP INDEX CONCURRENTLY IF EXISTS "x""y";`)
	assert.Contains(t, eff, body)
	assert.True(t, strings.HasSuffix(eff, "BEGIN;"))
	assert.Less(t, strings.Index(eff, "DROP INDEX"), strings.Index(eff, "CREATE INDEX"))
}

func TestCheckWrapCreateIndexAloneWithoutVars(t *testing.T) {
	c := CheckWrap(`CREATE INDEX CONCURRENTLY i1 ON t(c);`, false)
	require.NotEmpty(t, c.Errors)
	assert.Contains(t, strings.Join(c.Errors, "\n"), "$parallelism_global")
}

func TestCheckWrapCreateIndexMixed(t *testing.T) {
	c := CheckWrap(`SELECT 1; CREATE INDEX CONCURRENTLY "abc" ON tbl(col);`, false)
	require.NotEmpty(t, c.Errors)
	assert.True(t, strings.HasPrefix(c.Errors[0], `(due to having "CREATE INDEX CONCURRENTLY")`))

	joined := strings.Join(c.Errors, "\n")
	assert.Contains(t, joined, `start with "COMMIT;"`)
	assert.Contains(t, joined, "$parallelism_global, $parallelism_per_host or $run_alone")
	assert.Contains(t, joined, `DROP INDEX IF EXISTS "abc";`)
	assert.Contains(t, joined, `end with "BEGIN;"`)
}

func TestCheckWrapCreateIndexSandwich(t *testing.T) {
	body := `COMMIT;
DROP INDEX IF EXISTS idx_t_c;
CREATE UNIQUE INDEX CONCURRENTLY idx_t_c ON t(c);
ANALYZE t;
BEGIN;`
	c := CheckWrap(body, true)
	assert.Equal(t, WrapSandwich, c.Kind)
	assert.Empty(t, c.Errors)
	assert.Equal(t, []string{"idx_t_c"}, c.Indexes)
}

func TestCheckWrapDropIndexAlone(t *testing.T) {
	c := CheckWrap(`DROP INDEX CONCURRENTLY IF EXISTS idx_t_c;`, false)
	assert.Equal(t, WrapDropIndexAlone, c.Kind)
	assert.Empty(t, c.Errors)

	c = CheckWrap(`DROP INDEX CONCURRENTLY idx_t_c;`, false)
	require.NotEmpty(t, c.Errors)
	assert.Contains(t, c.Errors[0], "IF EXISTS")
}

func TestCheckWrapDropIndexMixed(t *testing.T) {
	c := CheckWrap(`SELECT 1; DROP INDEX CONCURRENTLY IF EXISTS idx_t_c;`, false)
	require.NotEmpty(t, c.Errors)
	joined := strings.Join(c.Errors, "\n")
	assert.Contains(t, joined, `start with "COMMIT;"`)
	assert.Contains(t, joined, `end with "BEGIN;"`)

	c = CheckWrap("COMMIT;\nDROP INDEX CONCURRENTLY IF EXISTS idx_t_c;\nBEGIN;", false)
	assert.Equal(t, WrapSandwich, c.Kind)
	assert.Empty(t, c.Errors)
}

func TestCheckWrapIgnoresQuotedContent(t *testing.T) {
	// Keywords inside literals, comments and dollar-quoted bodies must not
	// trigger the validator.
	body := `
-- CREATE INDEX CONCURRENTLY i_fake ON t(c);
/* DROP INDEX CONCURRENTLY i_fake; */
INSERT INTO log(msg) VALUES ('CREATE INDEX CONCURRENTLY i_fake ON t(c);');
CREATE FUNCTION f() RETURNS void LANGUAGE sql AS $body$
  SELECT 'DROP INDEX CONCURRENTLY i_fake';
$body$;
`
	c := CheckWrap(body, false)
	assert.Equal(t, WrapNone, c.Kind)
	assert.Empty(t, c.Errors)
	assert.Empty(t, c.Indexes)
}

func TestSplitStatements(t *testing.T) {
	stmts := SplitStatements("BEGIN;\n-- note\nSELECT 'a;b';\nCOMMIT;\n-- trailing comment\n")
	assert.Equal(t, []string{
		"BEGIN;",
		"-- note\nSELECT 'a;b';",
		"COMMIT;",
	}, stmts)

	stmts = SplitStatements("CREATE FUNCTION f() RETURNS void LANGUAGE sql AS $x$SELECT 1; SELECT 2;$x$;")
	require.Len(t, stmts, 1)

	assert.Empty(t, SplitStatements("-- only a comment\n;;"))
}

func TestCheckWrapSemicolonInsideLiteral(t *testing.T) {
	c := CheckWrap(`CREATE INDEX CONCURRENTLY i1 ON t(c) WHERE c = 'a;b';`, true)
	assert.Equal(t, WrapCreateIndexAlone, c.Kind)
	assert.Equal(t, []string{"i1"}, c.Indexes)
}

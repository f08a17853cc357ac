// Package registry parses a directory of versioned schema-change scripts
// and resolves which scripts apply to which schemas.
package registry

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// reFileName matches "<timestamp>.<title>.<schemaPrefix>.(up|dn).sql".
var reFileName = regexp.MustCompile(`^(\d+\.[^.]+)\.([^.]+)\.(up|dn)\.sql$`)

const (
	// BeforeFileName is run once per host at the start of every
	// non-fast-path run.
	BeforeFileName = "before.sql"
	// AfterFileName is run once per host at the end of every
	// non-fast-path run.
	AfterFileName = "after.sql"
)

// Entry is one versioned up/dn pair.
type Entry struct {
	// Name is "<timestamp>.<title>.<schemaPrefix>".
	Name string
	// SchemaPrefix selects the schemas this entry applies to.
	SchemaPrefix string
	Up           *MigrationFile
	Dn           *MigrationFile
}

// Registry is the immutable parse result of a migration directory.
type Registry struct {
	Dir     string
	Entries []*Entry

	// Before and After are the optional per-host bracket scripts; nil
	// when absent.
	Before *MigrationFile
	After  *MigrationFile

	// prefixes is ordered by descending length so longest-prefix matching
	// is done first.
	prefixes []string
	byPrefix map[string][]*Entry
}

// Load parses the migration directory. Any malformed file name, missing
// up/dn pair, unknown directive or wrap-validator rejection fails the load.
func Load(dir string) (*Registry, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	r := &Registry{
		Dir:      dir,
		byPrefix: map[string][]*Entry{},
	}
	ups := map[string]*Entry{}
	dns := map[string]bool{}

	for _, item := range items {
		if !item.Type().IsRegular() {
			continue
		}
		name := item.Name()
		path := filepath.Join(dir, name)
		switch {
		case name == BeforeFileName:
			if r.Before, err = LoadFile(path); err != nil {
				return nil, err
			}
		case name == AfterFileName:
			if r.After, err = LoadFile(path); err != nil {
				return nil, err
			}
		case reFileName.MatchString(name):
			m := reFileName.FindStringSubmatch(name)
			version, prefix, side := m[1]+"."+m[2], m[2], m[3]
			file, err := LoadFile(path)
			if err != nil {
				return nil, err
			}
			if side == "up" {
				if e := ups[version]; e != nil {
					e.Up = file
				} else {
					ups[version] = &Entry{Name: version, SchemaPrefix: prefix, Up: file}
				}
			} else {
				dns[version] = true
				if e := ups[version]; e != nil {
					e.Dn = file
				} else {
					ups[version] = &Entry{Name: version, SchemaPrefix: prefix, Dn: file}
				}
			}
		case strings.HasSuffix(name, ".sql"):
			return nil, &LoadError{File: path, Errors: []string{
				`file name must look like "<timestamp>.<title>.<prefix>.up.sql" (or .dn.sql), or be before.sql / after.sql`,
			}}
		}
	}

	for version, e := range ups {
		if e.Up == nil {
			return nil, &LoadError{File: e.Dn.Path, Errors: []string{
				fmt.Sprintf("the matching %s.up.sql does not exist", version),
			}}
		}
		if !dns[version] {
			return nil, &LoadError{File: e.Up.Path, Errors: []string{
				fmt.Sprintf("%s.dn.sql does not exist; every migration needs an undo pair", version),
			}}
		}
		r.Entries = append(r.Entries, e)
	}

	sort.Slice(r.Entries, func(i, j int) bool { return r.Entries[i].Name < r.Entries[j].Name })
	for _, e := range r.Entries {
		if _, ok := r.byPrefix[e.SchemaPrefix]; !ok {
			r.prefixes = append(r.prefixes, e.SchemaPrefix)
		}
		r.byPrefix[e.SchemaPrefix] = append(r.byPrefix[e.SchemaPrefix], e)
	}
	sort.Slice(r.prefixes, func(i, j int) bool {
		if len(r.prefixes[i]) != len(r.prefixes[j]) {
			return len(r.prefixes[i]) > len(r.prefixes[j])
		}
		return r.prefixes[i] < r.prefixes[j]
	})
	return r, nil
}

// Versions returns the ordered version names of all entries.
func (r *Registry) Versions() []string {
	versions := make([]string, len(r.Entries))
	for i, e := range r.Entries {
		versions[i] = e.Name
	}
	return versions
}

// Prefixes returns all schema-name prefixes, longest first.
func (r *Registry) Prefixes() []string {
	return r.prefixes
}

// EntryByName returns the entry with the given version name, or nil.
func (r *Registry) EntryByName(name string) *Entry {
	for _, e := range r.Entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// GroupBySchema resolves the ordered entry list applicable to one schema.
// The longest matching prefix wins; a strictly shorter prefix that also
// matches is shadowed; two incomparable matching prefixes are an error.
// A schema no prefix matches yields nil.
func (r *Registry) GroupBySchema(schema string) ([]*Entry, error) {
	best := ""
	found := false
	for _, prefix := range r.prefixes {
		if !SchemaNameMatchesPrefix(schema, prefix) {
			continue
		}
		if !found {
			best, found = prefix, true
			continue
		}
		if strings.HasPrefix(best, prefix) {
			continue // shorter comparable prefix, longest wins
		}
		return nil, &PrefixAmbiguityError{Schema: schema, PrefixA: best, PrefixB: prefix}
	}
	if !found {
		return nil, nil
	}
	return r.byPrefix[best], nil
}

// SchemaNameMatchesPrefix reports whether a schema name belongs to a
// prefix: the schema starts with the prefix, and the character right after
// it is absent, is a digit, or the prefix itself contains a digit. So "sh"
// matches "sh0001" but not "sharding", while "public" matches only itself.
func SchemaNameMatchesPrefix(schema, prefix string) bool {
	if !strings.HasPrefix(schema, prefix) {
		return false
	}
	if len(schema) == len(prefix) {
		return true
	}
	if next := schema[len(prefix)]; next >= '0' && next <= '9' {
		return true
	}
	return strings.ContainsAny(prefix, "0123456789")
}

// ExtractVersion canonicalizes a version reference (possibly a file name)
// to its "<timestamp>.<title>.<prefix>" form.
func ExtractVersion(name string) (string, error) {
	parts := strings.Split(name, ".")
	if len(parts) < 3 {
		return "", errors.Errorf("%q does not look like a migration version (<timestamp>.<title>.<prefix>)", name)
	}
	return strings.Join(parts[:3], "."), nil
}

// Digest returns the "<order>.<hash>" string summarizing the on-disk
// version set. Order is the numeric timestamp prefix of the last version
// (or "0" when empty); hash covers the newline-joined version names.
func (r *Registry) Digest() string {
	return r.digest(sha256.Size * 2)
}

// ShortDigest is Digest with the hash truncated to 16 hex characters.
func (r *Registry) ShortDigest() string {
	return r.digest(16)
}

func (r *Registry) digest(hashLen int) string {
	versions := r.Versions()
	order := "0"
	if len(versions) > 0 {
		last := versions[len(versions)-1]
		order = last[:strings.IndexByte(last, '.')]
	}
	sum := fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(versions, "\n"))))
	return order + "." + sum[:hashLen]
}

// Reset-digest labels written around an undo run. Because "." sorts before
// any digit, "0.<label>" compares less than every real digest.
const (
	ResetBeforeUndo = "before-undo"
	ResetAfterUndo  = "after-undo"
)

var reRealDigest = regexp.MustCompile(`^\d+\.[0-9a-f]+$`)

// ChooseBestDigest reconciles digest strings read from multiple dests.
// Real digests win over reset labels, the lexicographically greatest real
// digest wins overall, and a pure-reset view yields "0.<smallest label>".
// Reset labels are accepted both raw and in their stored "0.<label>" form.
func ChooseBestDigest(digests []string) string {
	best := ""
	reset := ""
	for _, d := range digests {
		switch {
		case reRealDigest.MatchString(d):
			if d > best {
				best = d
			}
		case d != "":
			label := strings.TrimPrefix(d, "0.")
			if reset == "" || label < reset {
				reset = label
			}
		}
	}
	switch {
	case best != "":
		return best
	case reset != "":
		return "0." + reset
	default:
		return "0"
	}
}

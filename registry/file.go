package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// reDirective matches file-level directive comments of the form
// "-- $name=value". The value runs to the end of the line.
var reDirective = regexp.MustCompile(`(?m)^--\s*(\$\w+)\s*=([^\r\n]+)$`)

// MigrationFile is one SQL script on disk together with its parsed
// directives. It is immutable after LoadFile returns.
type MigrationFile struct {
	Path string
	Body string

	// Delay is slept after the script succeeds.
	Delay time.Duration
	// ParallelismGlobal caps concurrent runs of this version across the
	// whole fleet. Zero means unlimited.
	ParallelismGlobal int
	// ParallelismPerHost caps concurrent runs of this version on one host.
	// Zero means unlimited.
	ParallelismPerHost int
	// RunAlone excludes every other migration fleet-wide while this one
	// runs.
	RunAlone bool

	wrap WrapCheck
}

// LoadFile reads a migration script and parses its directives. Unknown
// $-directives and wrap-validator rejections are load errors.
func LoadFile(path string) (*MigrationFile, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	f := &MigrationFile{
		Path: path,
		Body: string(body),
	}
	if err := f.parseDirectives(); err != nil {
		return nil, &LoadError{File: path, Errors: []string{err.Error()}}
	}
	f.wrap = CheckWrap(f.Body, f.hasConcurrencyVars())
	if len(f.wrap.Errors) > 0 {
		return nil, &LoadError{File: path, Errors: f.wrap.Errors}
	}
	return f, nil
}

func (f *MigrationFile) parseDirectives() error {
	for _, m := range reDirective.FindAllStringSubmatch(f.Body, -1) {
		name, value := m[1], strings.TrimSpace(m[2])
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("directive %s: value %q is not an integer", name, value)
		}
		switch name {
		case "$delay":
			f.Delay = time.Duration(n) * time.Millisecond
		case "$parallelism_global":
			f.ParallelismGlobal = n
		case "$parallelism_per_host":
			f.ParallelismPerHost = n
		case "$run_alone":
			f.RunAlone = n != 0
		default:
			return fmt.Errorf("unknown directive %s", name)
		}
	}
	return nil
}

func (f *MigrationFile) hasConcurrencyVars() bool {
	return f.ParallelismGlobal > 0 || f.ParallelismPerHost > 0 || f.RunAlone
}

// Wrap reports how the script must be framed with respect to the engine's
// wrapping transaction.
func (f *MigrationFile) Wrap() WrapCheck {
	return f.wrap
}

// EffectiveBody returns the script body with the non-transactional index
// wrapping applied, ready to be placed between the engine's BEGIN and the
// version-list update.
func (f *MigrationFile) EffectiveBody() string {
	switch f.wrap.Kind {
	case WrapCreateIndexAlone:
		var b strings.Builder
		b.WriteString("COMMIT;\n")
		for _, idx := range f.wrap.Indexes {
			fmt.Fprintf(&b, "DROP INDEX CONCURRENTLY IF EXISTS %s;\n", idx)
		}
		b.WriteString(f.Body)
		b.WriteString("\nBEGIN;")
		return b.String()
	case WrapDropIndexAlone:
		return "COMMIT;\n" + f.Body + "\nBEGIN;"
	default:
		return f.Body
	}
}

// Name returns the base file name.
func (f *MigrationFile) Name() string {
	return filepath.Base(f.Path)
}

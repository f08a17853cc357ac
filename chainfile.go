package pgmig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/clickup/pg-mig/registry"
)

// RenderChainFile renders the append-only anchor file: the current digest
// followed by one "prev -> current" line per version. Two developers
// adding versions concurrently both rewrite the digest line and both append
// after the same last line, so the file is guaranteed to produce a VCS
// merge conflict.
func RenderChainFile(reg *registry.Registry) string {
	var b strings.Builder
	b.WriteString(reg.Digest() + "\n")
	prev := "0"
	for _, version := range reg.Versions() {
		fmt.Fprintf(&b, "%s -> %s  # do not edit or reorder\n", prev, version)
		prev = version
	}
	return b.String()
}

// WriteChainFile writes the anchor file atomically (temp file + rename).
func WriteChainFile(path string, reg *registry.Registry) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return errors.WithStack(err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(RenderChainFile(reg)); err != nil {
		tmp.Close()
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), path))
}

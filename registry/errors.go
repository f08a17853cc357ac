package registry

import (
	"fmt"
	"strings"
)

// LoadError is used to report a migration file that cannot be loaded:
// malformed name, missing pair, unknown directive, or wrap-validator
// rejection.
type LoadError struct {
	File   string
	Errors []string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("cannot load %s:\n  %s", e.File, strings.Join(e.Errors, "\n  "))
}

// PrefixAmbiguityError is used to report two incomparable schema-name
// prefixes matching the same schema.
type PrefixAmbiguityError struct {
	Schema  string
	PrefixA string
	PrefixB string
}

func (e *PrefixAmbiguityError) Error() string {
	return fmt.Sprintf(
		"schema %q is matched by two incomparable prefixes, %q and %q; rename the migrations so only one prefix applies",
		e.Schema, e.PrefixA, e.PrefixB,
	)
}

package patch

import "fmt"

// TimelineViolationError reports an applied history diverging from the
// on-disk entries. History is append-only; a file inserted or reordered in
// the middle cannot be reconciled.
type TimelineViolationError struct {
	Dest     string
	Proposed string
	Applied  string
}

func (e *TimelineViolationError) Error() string {
	return fmt.Sprintf(
		"timeline violation on %s: the disk wants %s at a position where %s is already applied; versions may only be appended",
		e.Dest, e.Proposed, e.Applied)
}

// MissingOnDiskError reports a version the database applied but the
// migration directory no longer contains.
type MissingOnDiskError struct {
	Dest    string
	Version string
}

func (e *MissingOnDiskError) Error() string {
	return fmt.Sprintf("%s has version %s applied, but it does not exist on disk", e.Dest, e.Version)
}

// UndoNotLatestError reports an undo target that is applied, but not the
// latest version of its schema.
type UndoNotLatestError struct {
	Dest    string
	Version string
	Latest  string
}

func (e *UndoNotLatestError) Error() string {
	return fmt.Sprintf(
		"cannot undo %s on %s: it is not the latest applied version (%s is); undo in the middle of the history is not allowed",
		e.Version, e.Dest, e.Latest)
}

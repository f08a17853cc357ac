package pgmig

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pkg/errors"
)

var reScaffoldPart = regexp.MustCompile(`^[-a-z0-9_]+$`)

const scaffoldTemplate = `-- Directives: $delay=<ms>, $parallelism_global=<n>, $parallelism_per_host=<n>, $run_alone=1

`

// Scaffold creates a paired <ts>.<name>.<prefix>.up.sql / .dn.sql in the
// migration directory, stamped with now converted to UTC. Existing files
// are never overwritten.
func Scaffold(migDir, name, prefix string, now time.Time) (upPath, dnPath string, err error) {
	if !reScaffoldPart.MatchString(name) {
		return "", "", errors.Errorf("bad migration name %q: use [-a-z0-9_] only", name)
	}
	if !reScaffoldPart.MatchString(prefix) {
		return "", "", errors.Errorf("bad schema prefix %q: use [-a-z0-9_] only", prefix)
	}
	base := fmt.Sprintf("%s.%s.%s", now.UTC().Format("20060102150405"), name, prefix)
	upPath = filepath.Join(migDir, base+".up.sql")
	dnPath = filepath.Join(migDir, base+".dn.sql")
	for _, path := range []string{upPath, dnPath} {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return "", "", errors.Wrapf(err, "create %s", path)
		}
		if _, err := f.WriteString(scaffoldTemplate); err != nil {
			f.Close()
			return "", "", errors.WithStack(err)
		}
		if err := f.Close(); err != nil {
			return "", "", errors.WithStack(err)
		}
	}
	return upPath, dnPath, nil
}

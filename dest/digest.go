package dest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/clickup/pg-mig/registry"
)

// FingerprintMode selects what SaveRerunFingerprints writes.
type FingerprintMode int

const (
	// FingerprintReset clears the fingerprint so the next run re-executes
	// the before/after scripts.
	FingerprintReset FingerprintMode = iota
	// FingerprintUpToDate stores the freshly built fingerprint.
	FingerprintUpToDate
)

func (d Dest) funcExists(ctx context.Context, schema, name string) (bool, error) {
	rows, err := d.runner.RunQuery(ctx, d, fmt.Sprintf(
		`SELECT 1 FROM pg_catalog.pg_proc p `+
			`JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace `+
			`WHERE p.proname = %s AND n.nspname = %s`,
		quoteLiteral(name), quoteLiteral(schema)))
	if err != nil {
		return false, errors.WithStack(err)
	}
	return len(rows) > 0, nil
}

// readConst reads one bookkeeping function from the dest's default schema,
// returning "" when the function does not exist yet.
func (d Dest) readConst(ctx context.Context, name string) (string, error) {
	ok, err := d.funcExists(ctx, d.Schema, name)
	if err != nil || !ok {
		return "", err
	}
	rows, err := d.runner.RunQuery(ctx, d,
		fmt.Sprintf("SELECT %s.%s()", quoteIdent(d.Schema), name))
	if err != nil {
		return "", errors.WithStack(err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0][0], nil
}

func (d Dest) writeConst(ctx context.Context, name, value string) error {
	_, err := d.runner.RunQuery(ctx, d, createConstFuncSQL(d.Schema, name, value))
	return errors.WithStack(err)
}

// LoadDigest reads this dest's stored digest ("" when never written).
func (d Dest) LoadDigest(ctx context.Context) (string, error) {
	return d.readConst(ctx, FuncDigest)
}

// LoadDigests reads the stored digest of every dest. Per-dest failures are
// tolerated as long as at least one dest answers; a complete blackout is
// an error.
func LoadDigests(ctx context.Context, dests []Dest) ([]string, error) {
	var (
		mu      sync.Mutex
		digests []string
		failed  []error
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range dests {
		d := d
		g.Go(func() error {
			digest, err := d.LoadDigest(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.log.WithError(err).WithField("dest", d.String()).Warn("cannot read digest")
				failed = append(failed, errors.Wrapf(err, "%s", d))
				return nil
			}
			digests = append(digests, digest)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(digests) == 0 && len(failed) > 0 {
		return nil, errors.Errorf("cannot read the digest from any host: %v", failed)
	}
	return digests, nil
}

// SaveDigests writes the digest on every dest in parallel. Partial
// failures are tolerated: the best-digest reconciliation at read time
// recovers the correct view.
func SaveDigests(ctx context.Context, dests []Dest, digest string) {
	var wg sync.WaitGroup
	for _, d := range dests {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.writeConst(ctx, FuncDigest, digest); err != nil {
				d.log.WithError(err).WithFields(logrus.Fields{
					"dest":   d.String(),
					"digest": digest,
				}).Warn("cannot save digest; it will be reconciled on the next read")
			}
		}()
	}
	wg.Wait()
}

// BuildRerunFingerprint derives the value that lets an empty run skip the
// before/after scripts: the dest's shard schemas plus a content hash per
// dependency file.
func (d Dest) BuildRerunFingerprint(ctx context.Context, deps []*registry.MigrationFile) (string, error) {
	schemas, err := d.LoadSchemas(ctx)
	if err != nil {
		return "", err
	}
	parts := schemas
	for _, f := range deps {
		parts = append(parts, fmt.Sprintf("hash=%x", sha256.Sum256([]byte(f.Body))))
	}
	return strings.Join(parts, ","), nil
}

// SaveRerunFingerprints writes either "" (reset) or the freshly built
// fingerprint on every dest.
func SaveRerunFingerprints(ctx context.Context, dests []Dest, deps []*registry.MigrationFile, mode FingerprintMode) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range dests {
		d := d
		g.Go(func() error {
			value := ""
			if mode == FingerprintUpToDate {
				var err error
				if value, err = d.BuildRerunFingerprint(ctx, deps); err != nil {
					return err
				}
			}
			return errors.Wrapf(d.writeConst(ctx, FuncFingerprint, value), "%s", d)
		})
	}
	return g.Wait()
}

// CheckRerunFingerprints reports whether every dest holds a non-empty
// fingerprint equal to the current build, i.e. whether the before/after
// scripts may be skipped on an otherwise empty run.
func CheckRerunFingerprints(ctx context.Context, dests []Dest, deps []*registry.MigrationFile) (bool, error) {
	ok := true
	g, ctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, d := range dests {
		d := d
		g.Go(func() error {
			stored, err := d.readConst(ctx, FuncFingerprint)
			if err != nil {
				return errors.Wrapf(err, "%s", d)
			}
			want, err := d.BuildRerunFingerprint(ctx, deps)
			if err != nil {
				return err
			}
			if stored == "" || stored != want {
				mu.Lock()
				ok = false
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return ok, nil
}

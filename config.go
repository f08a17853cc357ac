package pgmig

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultSchema is the schema holding the digest and fingerprint
// bookkeeping on every dest.
const DefaultSchema = "public"

// HostSpec addresses one database server. Fields left zero fall back to
// the run-level defaults.
type HostSpec struct {
	Host string
	Port int
	User string
	Pass string
	DB   string
}

// Config is the engine configuration, typically populated from CLI flags.
type Config struct {
	// MigDir is the migration directory.
	MigDir string
	// Hosts are the database servers of the fleet.
	Hosts []HostSpec
	// Port, User, Pass and DB are defaults for hosts that do not carry
	// their own.
	Port int
	User string
	Pass string
	DB   string
	// Schema is the default schema holding digest and fingerprint
	// bookkeeping.
	Schema string
	// CreateDB makes the run create missing databases, waiting for the
	// server to come up.
	CreateDB bool
	// WorkersPerHost caps concurrent chains per host.
	WorkersPerHost int
	// Dry prints the plan without mutating anything.
	Dry bool
	// Force runs the before/after scripts even when the rerun
	// fingerprint says they can be skipped.
	Force bool
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	return c
}

// ParseHosts parses a comma- or semicolon-separated list of host specs.
// Each item is either "host[:port]" or a full postgres:// DSN.
func ParseHosts(list string) ([]HostSpec, error) {
	var specs []HostSpec
	for _, item := range strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ';' }) {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		spec, err := parseHost(item)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, errors.New("no hosts given")
	}
	return specs, nil
}

func parseHost(item string) (HostSpec, error) {
	if strings.Contains(item, "://") {
		u, err := url.Parse(item)
		if err != nil {
			return HostSpec{}, errors.Wrapf(err, "host spec %q", item)
		}
		if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			return HostSpec{}, errors.Errorf("host spec %q: unsupported scheme %q", item, u.Scheme)
		}
		spec := HostSpec{Host: u.Hostname(), DB: strings.TrimPrefix(u.Path, "/")}
		if p := u.Port(); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				return HostSpec{}, errors.Wrapf(err, "host spec %q", item)
			}
			spec.Port = n
		}
		if u.User != nil {
			spec.User = u.User.Username()
			spec.Pass, _ = u.User.Password()
		}
		return spec, nil
	}
	host, port, ok := strings.Cut(item, ":")
	spec := HostSpec{Host: host}
	if ok {
		n, err := strconv.Atoi(port)
		if err != nil {
			return HostSpec{}, errors.Errorf("host spec %q: bad port %q", item, port)
		}
		spec.Port = n
	}
	if spec.Host == "" {
		return HostSpec{}, errors.Errorf("host spec %q: empty host", item)
	}
	return spec, nil
}

package source

import (
	"os"
	"regexp"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/ddr-archive/corpus-cli/internal/resilience"
)

// Source kinds.
const (
	KindGraphQL = "graphql"
	KindFile    = "file"
)

// Definition is one entry of the source registry file.
type Definition struct {
	ID         string        `yaml:"id"`
	Kind       string        `yaml:"kind"`
	Endpoint   string        `yaml:"endpoint"`
	Path       string        `yaml:"path"`
	Token      string        `yaml:"token"` // $VAR references are expanded
	PIDPattern string        `yaml:"pid_pattern"`
	Frequency  time.Duration `yaml:"frequency"`
	PageSize   int           `yaml:"page_size"`
}

// Pattern compiles the definition's pid pattern. Nil means the default.
func (d Definition) Pattern() (*regexp.Regexp, error) {
	if d.PIDPattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(d.PIDPattern)
	return re, eris.Wrapf(err, "source %s: pid pattern", d.ID)
}

// Registry lists the configured external sources.
type Registry struct {
	Sources []Definition `yaml:"sources"`
}

// LoadRegistry reads and validates a source registry YAML file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read registry %s", path)
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, eris.Wrap(err, "source: parse registry")
	}

	seen := make(map[string]bool, len(reg.Sources))
	for i := range reg.Sources {
		d := &reg.Sources[i]
		if d.ID == "" {
			return nil, eris.Errorf("source: registry entry %d has no id", i)
		}
		if seen[d.ID] {
			return nil, eris.Errorf("source: duplicate id %q", d.ID)
		}
		seen[d.ID] = true

		switch d.Kind {
		case KindGraphQL:
			if d.Endpoint == "" {
				return nil, eris.Errorf("source %s: graphql source needs an endpoint", d.ID)
			}
		case KindFile:
			if d.Path == "" {
				return nil, eris.Errorf("source %s: file source needs a path", d.ID)
			}
		default:
			return nil, eris.Errorf("source %s: unknown kind %q (valid: graphql, file)", d.ID, d.Kind)
		}
		if _, err := d.Pattern(); err != nil {
			return nil, err
		}
		d.Token = os.ExpandEnv(d.Token)
	}
	return &reg, nil
}

// Get returns the definition with the given id.
func (r *Registry) Get(id string) (Definition, bool) {
	for _, d := range r.Sources {
		if d.ID == id {
			return d, true
		}
	}
	return Definition{}, false
}

// IDs returns the registered source ids in file order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.Sources))
	for i, d := range r.Sources {
		ids[i] = d.ID
	}
	return ids
}

// ClientOptions carries the transport settings shared by all GraphQL sources.
type ClientOptions struct {
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	Circuit    resilience.CircuitBreakerConfig
}

// Open builds the Source for a definition.
func Open(d Definition, opts ClientOptions) (Source, error) {
	switch d.Kind {
	case KindGraphQL:
		return NewGraphQL(GraphQLOptions{
			Endpoint:   d.Endpoint,
			Token:      d.Token,
			Timeout:    opts.Timeout,
			RatePerSec: opts.RatePerSec,
			Burst:      opts.Burst,
			PageSize:   d.PageSize,
			Circuit:    opts.Circuit,
		}), nil
	case KindFile:
		fs, err := NewFileSource(d.Path, d.PageSize)
		if err != nil {
			return nil, err
		}
		return fs, nil
	default:
		return nil, eris.Errorf("source %s: unknown kind %q", d.ID, d.Kind)
	}
}

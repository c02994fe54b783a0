// Package config loads the run configuration of the logmerge command.
package config

import (
	"bytes"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Merge modes
const (
	ModeSequential = "sequential"
	ModeConcurrent = "concurrent"
	ModeBoth       = "both"
)

// Output formats
const (
	FormatText    = "text"
	FormatJSON    = "json"
	FormatSegment = "segment"
)

// Source types
const (
	SourceGenerator = "generator"
	SourceSegment   = "segment"
	SourceDir       = "dir"
	SourceNDJSON    = "ndjson"
)

const (
	defaultMode          = ModeBoth
	defaultFormat        = FormatText
	defaultMaxRecordSize = 64 * 1024
)

// Config is the configuration of a merge run. Mode defaults to both when
// every source is a generator and to sequential otherwise.
type Config struct {
	Mode            string         `yaml:"mode"`
	SeedConcurrency int            `yaml:"seed_concurrency"`
	DoneOnFailure   bool           `yaml:"done_on_failure"`
	MaxRecordSize   int            `yaml:"max_record_size"`
	Output          OutputConfig   `yaml:"output"`
	Sources         []SourceConfig `yaml:"sources"`
}

// OutputConfig selects where merged records go. An empty path means stdout,
// which is not allowed for the segment format.
type OutputConfig struct {
	Format string `yaml:"format"`
	Path   string `yaml:"path"`
}

// SourceConfig defines one input. Generator sources use the count, seed and
// timing fields, all other types read from path.
type SourceConfig struct {
	Type       string        `yaml:"type"`
	Name       string        `yaml:"name"`
	Path       string        `yaml:"path"`
	Count      int           `yaml:"count"`
	Seed       int64         `yaml:"seed"`
	Start      *time.Time    `yaml:"start"`
	MaxStep    time.Duration `yaml:"max_step"`
	MaxLatency time.Duration `yaml:"max_latency"`
}

// Load reads and validates the configuration file at path
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	return Parse(data)
}

// Parse decodes and validates a YAML configuration. Unknown fields are
// rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	return &cfg, nil
}

// Validate checks the configuration and fills in defaults
func (c *Config) Validate() error {
	if c.Mode == "" {
		c.Mode = defaultMode
		if !c.generatorsOnly() {
			c.Mode = ModeSequential
		}
	}
	switch c.Mode {
	case ModeSequential, ModeConcurrent, ModeBoth:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}

	if c.SeedConcurrency < 0 {
		return fmt.Errorf("seed_concurrency must not be negative")
	}

	if c.MaxRecordSize <= 0 {
		c.MaxRecordSize = defaultMaxRecordSize
	}

	if c.Output.Format == "" {
		c.Output.Format = defaultFormat
	}
	switch c.Output.Format {
	case FormatText, FormatJSON:
	case FormatSegment:
		if c.Output.Path == "" {
			return fmt.Errorf("segment output requires a path")
		}
	default:
		return fmt.Errorf("unknown output format %q", c.Output.Format)
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}

	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Name == "" {
			src.Name = fmt.Sprintf("source%d", i)
		}

		switch src.Type {
		case SourceGenerator:
			if src.Count < 0 {
				return fmt.Errorf("source %q: count must not be negative", src.Name)
			}
		case SourceSegment, SourceDir, SourceNDJSON:
			if src.Path == "" {
				return fmt.Errorf("source %q: path is required", src.Name)
			}
		default:
			return fmt.Errorf("source %q: unknown type %q", src.Name, src.Type)
		}
	}

	if c.Mode == ModeBoth && !c.generatorsOnly() {
		return fmt.Errorf("mode %q only supports generator sources", ModeBoth)
	}

	return nil
}

// generatorsOnly reports whether every source can be recreated for a second
// run
func (c *Config) generatorsOnly() bool {
	for _, src := range c.Sources {
		if src.Type != SourceGenerator {
			return false
		}
	}
	return true
}

// Package config holds the relay configuration.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/elastic/go-ucfg"
	"github.com/elastic/go-ucfg/yaml"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/jacoelho/ringbuf"
)

const (
	defaultCapacity     = 40960
	defaultChunkSize    = 2048
	defaultReadSize     = 8192
	defaultDrainTimeout = 5 * time.Second
)

var configOpts = []ucfg.Option{ucfg.PathSep("."), ucfg.ResolveEnv, ucfg.VarExp}

// ByteSize is a size in bytes. It unpacks from integers or from
// human readable strings such as "40KiB" or "2 kB".
type ByteSize int

// Unpack implements ucfg.Unpacker.
func (b *ByteSize) Unpack(v interface{}) error {
	switch v := v.(type) {
	case int64:
		return b.set(v)
	case uint64:
		if v > math.MaxInt64 {
			return fmt.Errorf("size %d out of range", v)
		}
		return b.set(int64(v))
	case float64:
		if v != math.Trunc(v) {
			return fmt.Errorf("size %v is not a whole number of bytes", v)
		}
		return b.set(int64(v))
	case string:
		n, err := humanize.ParseBytes(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", v, err)
		}
		if n > math.MaxInt64 {
			return fmt.Errorf("size %q out of range", v)
		}
		return b.set(int64(n))
	}
	return fmt.Errorf("size must be a number or a string, got %#v", v)
}

func (b *ByteSize) set(v int64) error {
	if v < 0 {
		return fmt.Errorf("size %d must not be negative", v)
	}
	if v > math.MaxInt {
		return fmt.Errorf("size %d out of range", v)
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Config is the relay configuration.
type Config struct {
	// Listen is the TCP address a single sender connects to.
	Listen string `config:"listen"`
	// Input is a file to relay instead of listening; "-" reads stdin.
	Input string `config:"input"`
	// Output is the sink file; "-" writes stdout.
	Output string `config:"output"`

	Capacity  ByteSize `config:"capacity"`
	ChunkSize ByteSize `config:"chunk_size"`
	ReadSize  ByteSize `config:"read_size"`
	// MaxChunks stops receiving after that many chunks; 0 means unlimited.
	MaxChunks int `config:"max_chunks"`
	// DrainTimeout bounds how long the sink may take to drain once the
	// source is exhausted; 0 waits indefinitely.
	DrainTimeout time.Duration `config:"drain_timeout"`

	LogLevel string `config:"log_level"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Output:       "-",
		Capacity:     defaultCapacity,
		ChunkSize:    defaultChunkSize,
		ReadSize:     defaultReadSize,
		DrainTimeout: defaultDrainTimeout,
		LogLevel:     "info",
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Capacity < 1 || int(c.Capacity) >= ringbuf.MaxCapacity {
		result = multierror.Append(result, fmt.Errorf("capacity %d out of range", c.Capacity))
	}
	if c.ChunkSize < 1 {
		result = multierror.Append(result, errors.New("chunk_size must be positive"))
	}
	if c.ReadSize < 1 {
		result = multierror.Append(result, errors.New("read_size must be positive"))
	}
	if c.MaxChunks < 0 {
		result = multierror.Append(result, errors.New("max_chunks must not be negative"))
	}
	if c.DrainTimeout < 0 {
		result = multierror.Append(result, errors.New("drain_timeout must not be negative"))
	}
	switch {
	case c.Listen == "" && c.Input == "":
		result = multierror.Append(result, errors.New("one of listen or input is required"))
	case c.Listen != "" && c.Input != "":
		result = multierror.Append(result, errors.New("listen and input are mutually exclusive"))
	}
	if c.Output == "" {
		result = multierror.Append(result, errors.New("output is required"))
	}
	return result.ErrorOrNil()
}

// Load builds the configuration from the defaults, the optional YAML file
// at path, and the overrides, in that order. Overrides use dotted keys
// matching the config tags.
func Load(path string, overrides map[string]interface{}) (Config, error) {
	cfg := Default()

	raw := ucfg.New()
	if path != "" {
		fileCfg, err := yaml.NewConfigWithFile(path, configOpts...)
		if err != nil {
			return cfg, errors.Wrapf(err, "error loading config file %s", path)
		}
		if err := raw.Merge(fileCfg, configOpts...); err != nil {
			return cfg, errors.Wrap(err, "error merging config file")
		}
	}
	if len(overrides) > 0 {
		if err := raw.Merge(overrides, configOpts...); err != nil {
			return cfg, errors.Wrap(err, "error merging overrides")
		}
	}
	if err := raw.Unpack(&cfg, configOpts...); err != nil {
		return cfg, errors.Wrap(err, "error unpacking config data")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

package pgas

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/raskyld/pgas/pkg/buddy"
	"github.com/raskyld/pgas/pkg/transport"
	"gopkg.in/yaml.v3"
)

const (
	EnvLocalAllocSize = "PGAS_LOCAL_ALLOC_SIZE"
	EnvMinBlockSize   = "PGAS_MIN_BLOCK_SIZE"
	EnvSharedWindows  = "PGAS_SHARED_WINDOWS"
	EnvThreadSupport  = "PGAS_THREAD_SUPPORT"
	EnvConfig         = "PGAS_CONFIG"
)

// Settings is the configuration surface of the runtime. Unset fields keep
// the value of the previous layer: defaults, then the YAML file, then the
// environment, then options.
type Settings struct {
	LocalAllocSize *int64  `yaml:"local_alloc_size,omitempty"`
	MinBlockSize   *int64  `yaml:"min_block_size,omitempty"`
	SharedWindows  *bool   `yaml:"shared_windows,omitempty"`
	ThreadSupport  *string `yaml:"thread_support,omitempty"`
}

// Merge overwrites s with the fields set in other.
func (s *Settings) Merge(other Settings) {
	if other.LocalAllocSize != nil {
		s.LocalAllocSize = other.LocalAllocSize
	}
	if other.MinBlockSize != nil {
		s.MinBlockSize = other.MinBlockSize
	}
	if other.SharedWindows != nil {
		s.SharedWindows = other.SharedWindows
	}
	if other.ThreadSupport != nil {
		s.ThreadSupport = other.ThreadSupport
	}
}

// LoadSettingsFile decodes a YAML settings file.
func LoadSettingsFile(path string) (Settings, error) {
	var s Settings
	buf, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read settings from %s: %w", path, err)
	}
	if err := yaml.Unmarshal(buf, &s); err != nil {
		return s, fmt.Errorf("failed to decode settings from %s: %w", path, err)
	}
	return s, nil
}

// LoadSettingsEnv reads the PGAS_* switches through lookup.
func LoadSettingsEnv(lookup func(string) (string, bool)) (Settings, error) {
	var s Settings
	if v, ok := lookup(EnvLocalAllocSize); ok {
		size, err := ParseSize(v)
		if err != nil {
			return s, fmt.Errorf("%s: %w", EnvLocalAllocSize, err)
		}
		s.LocalAllocSize = &size
	}
	if v, ok := lookup(EnvMinBlockSize); ok {
		size, err := ParseSize(v)
		if err != nil {
			return s, fmt.Errorf("%s: %w", EnvMinBlockSize, err)
		}
		s.MinBlockSize = &size
	}
	if v, ok := lookup(EnvSharedWindows); ok {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return s, fmt.Errorf("%s: %w", EnvSharedWindows, err)
		}
		s.SharedWindows = &enabled
	}
	if v, ok := lookup(EnvThreadSupport); ok {
		v = strings.ToLower(strings.TrimSpace(v))
		s.ThreadSupport = &v
	}
	return s, nil
}

// ParseSize parses a byte count with an optional K, M or G binary suffix.
func ParseSize(v string) (int64, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	shift := 0
	switch {
	case strings.HasSuffix(v, "K"):
		shift = 10
	case strings.HasSuffix(v, "M"):
		shift = 20
	case strings.HasSuffix(v, "G"):
		shift = 30
	}
	if shift != 0 {
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	return n << shift, nil
}

func parseThreadLevel(v string) (transport.ThreadLevel, error) {
	switch strings.ToLower(v) {
	case "", "single":
		return transport.ThreadSingle, nil
	case "multiple":
		return transport.ThreadMultiple, nil
	default:
		return transport.ThreadSingle, fmt.Errorf("unknown thread support level %q", v)
	}
}

// resolve layers the file, the environment and the overrides on top of the
// defaults.
func (c *config) resolve() error {
	var s Settings

	path := c.configFile
	if path == "" {
		path, _ = c.lookupEnv(EnvConfig)
	}
	if path != "" {
		fromFile, err := LoadSettingsFile(path)
		if err != nil {
			return err
		}
		s.Merge(fromFile)
	}

	fromEnv, err := LoadSettingsEnv(c.lookupEnv)
	if err != nil {
		return err
	}
	s.Merge(fromEnv)
	s.Merge(c.overrides)

	if s.LocalAllocSize != nil {
		c.localAllocSize = *s.LocalAllocSize
	}
	if s.MinBlockSize != nil {
		c.minBlockSize = *s.MinBlockSize
	}
	if s.SharedWindows != nil {
		c.sharedWindows = *s.SharedWindows
	}
	if s.ThreadSupport != nil {
		lvl, err := parseThreadLevel(*s.ThreadSupport)
		if err != nil {
			return err
		}
		c.threadLevel = lvl
	}

	minBlock := c.minBlockSize
	if minBlock == 0 {
		minBlock = buddy.DefaultMinBlockSize
	}
	if !isPow2(c.localAllocSize) || !isPow2(minBlock) || c.localAllocSize < minBlock {
		return fmt.Errorf("local pool of %d bytes with %d bytes blocks: %w",
			c.localAllocSize, minBlock, buddy.ErrInvalidConfig)
	}
	return nil
}

func isPow2(v int64) bool {
	return v > 0 && v&(v-1) == 0
}

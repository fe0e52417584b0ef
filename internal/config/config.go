// Package config handles toolrelay configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./toolrelay.yaml, ~/.config/toolrelay/toolrelay.yaml,
// /etc/toolrelay/toolrelay.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"toolrelay.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolrelay", "toolrelay.yaml"))
	}

	paths = append(paths, "/etc/toolrelay/toolrelay.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Document is the raw service-configuration document. It is loosely
// typed on purpose: per-entry validation (and the skip-and-warn policy
// for malformed entries) happens in registry.Load, not here, so one bad
// service cannot abort the whole load.
type Document struct {
	Enabled        bool          `yaml:"enabled"`
	DefaultService string        `yaml:"default_service"`
	Services       []ServiceSpec `yaml:"services"`
	LogLevel       string        `yaml:"log_level"`
	TraceFile      string        `yaml:"trace_file"`
}

// ServiceSpec is one raw service entry.
type ServiceSpec struct {
	Name            string        `yaml:"name"`
	Transport       TransportSpec `yaml:"transport"`
	TimeoutSec      FlexInt       `yaml:"timeout_sec"`
	IdleTimeoutSec  FlexInt       `yaml:"idle_timeout_sec"`
	TotalTimeoutSec FlexInt       `yaml:"total_timeout_sec"`
	Retry           FlexInt       `yaml:"retry"`
}

// TransportSpec is the raw transport descriptor. Which fields matter
// depends on type; unknown or missing fields are resolved in
// registry.Load.
type TransportSpec struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Debug   bool              `yaml:"debug"`
	Legacy  bool              `yaml:"legacy"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// FlexInt is an int that tolerates sloppy YAML: quoted numbers parse,
// anything unparseable decodes to zero instead of failing the document.
// Zero means "unset" for every policy field, so the registry substitutes
// its default.
type FlexInt int

// Int returns the plain int value.
func (f FlexInt) Int() int { return int(f) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *FlexInt) UnmarshalYAML(value *yaml.Node) error {
	var n int
	if err := value.Decode(&n); err == nil {
		*f = FlexInt(n)
		return nil
	}

	var s string
	if err := value.Decode(&s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			*f = FlexInt(n)
			return nil
		}
	}

	*f = 0
	return nil
}

// Load reads a service-configuration document from a YAML file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (API keys in headers, etc.).
	expanded := os.ExpandEnv(string(data))

	doc := &Document{}
	if err := yaml.Unmarshal([]byte(expanded), doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return doc, nil
}

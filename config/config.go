// Package config loads the engine's yaml configuration: scheduler tunables,
// the event-type category catalog, and the static vendor rule table.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the configuration file searched for by
// LoadFromCurrentDir.
const DefaultFileName = "introspect.yaml"

// Config is the root of introspect.yaml.
type Config struct {
	Engine     EngineConfig     `yaml:"engine,omitempty"`
	Categories []CategoryConfig `yaml:"categories"`
	Vendors    []VendorRule     `yaml:"vendor_rules,omitempty"`
}

// EngineConfig carries scheduler and writer tunables. All durations are Go
// duration strings; zero values fall back to defaults through the getters.
type EngineConfig struct {
	// ConcurrencyCap bounds simultaneous remote search jobs. Default 5.
	ConcurrencyCap int `yaml:"concurrency_cap,omitempty"`

	// DispatchTick is the dispatch loop interval. Default 500ms.
	DispatchTick string `yaml:"dispatch_tick,omitempty"`

	// ReconcileTick is the reconciliation loop interval. Default 5s.
	ReconcileTick string `yaml:"reconcile_tick,omitempty"`

	// SyncDebounce is the persistence writer debounce window. Default 2s.
	SyncDebounce string `yaml:"sync_debounce,omitempty"`

	// AggregateDebounce is the summary recomputation debounce. Default 1s.
	AggregateDebounce string `yaml:"aggregate_debounce,omitempty"`

	// OrphanGrace is how long a searching element may lack a job handle
	// before the poll loop fails it. Default 500ms.
	OrphanGrace string `yaml:"orphan_grace,omitempty"`

	// VanishGrace is how long a job may go without any adapter-visible
	// progress before it is treated as orphaned. Default 30s.
	VanishGrace string `yaml:"vanish_grace,omitempty"`

	// HardTimeout is the wall-clock ceiling after which a running job is
	// cancelled and failed. Default 12m.
	HardTimeout string `yaml:"hard_timeout,omitempty"`

	// SampleCap caps the eventsize sampling query. Default 10000.
	SampleCap int `yaml:"sample_cap,omitempty"`

	// VolumeDays is the volume stage lookback window in days. Default 30.
	VolumeDays int `yaml:"volume_days,omitempty"`
}

// CategoryConfig is one catalog-defined event-type category.
type CategoryConfig struct {
	// ID must match the category id pattern (DS###... or VendorSpecific...).
	ID string `yaml:"id"`

	// Name is the display name.
	Name string `yaml:"name"`

	// DetectionQuery is the category's canonical detection search.
	DetectionQuery string `yaml:"detection_query"`

	// RequiredFields lists the CIM fields a compliant product must
	// populate for this category.
	RequiredFields []string `yaml:"required_fields,omitempty"`
}

// VendorRule is one static out-of-the-box matcher rule.
type VendorRule struct {
	Field       string `yaml:"field"`
	Pattern     string `yaml:"pattern"`
	ProductID   string `yaml:"product_id"`
	ProductName string `yaml:"product_name,omitempty"`
	VendorName  string `yaml:"vendor_name,omitempty"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadFromCurrentDir loads introspect.yaml from the working directory.
func LoadFromCurrentDir() (*Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return Load(filepath.Join(dir, DefaultFileName))
}

// Validate checks structural requirements: category ids and detection
// queries present, durations parseable, rules complete.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Categories))
	for i, cat := range c.Categories {
		if cat.ID == "" {
			return fmt.Errorf("category %d: missing id", i)
		}
		if seen[cat.ID] {
			return fmt.Errorf("category %s: duplicate id", cat.ID)
		}
		seen[cat.ID] = true
		if cat.DetectionQuery == "" {
			return fmt.Errorf("category %s: missing detection_query", cat.ID)
		}
	}
	for i, rule := range c.Vendors {
		if rule.Field == "" || rule.Pattern == "" || rule.ProductID == "" {
			return fmt.Errorf("vendor_rules %d: field, pattern and product_id are required", i)
		}
	}
	for name, value := range map[string]string{
		"dispatch_tick":      c.Engine.DispatchTick,
		"reconcile_tick":     c.Engine.ReconcileTick,
		"sync_debounce":      c.Engine.SyncDebounce,
		"aggregate_debounce": c.Engine.AggregateDebounce,
		"orphan_grace":       c.Engine.OrphanGrace,
		"vanish_grace":       c.Engine.VanishGrace,
		"hard_timeout":       c.Engine.HardTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("engine.%s: %w", name, err)
		}
	}
	return nil
}

func duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// GetConcurrencyCap returns the configured cap or the default of 5.
func (e EngineConfig) GetConcurrencyCap() int {
	if e.ConcurrencyCap <= 0 {
		return 5
	}
	return e.ConcurrencyCap
}

// GetDispatchTick returns the dispatch interval, default 500ms.
func (e EngineConfig) GetDispatchTick() time.Duration {
	return duration(e.DispatchTick, 500*time.Millisecond)
}

// GetReconcileTick returns the reconciliation interval, default 5s.
func (e EngineConfig) GetReconcileTick() time.Duration {
	return duration(e.ReconcileTick, 5*time.Second)
}

// GetSyncDebounce returns the writer debounce window, default 2s.
func (e EngineConfig) GetSyncDebounce() time.Duration {
	return duration(e.SyncDebounce, 2*time.Second)
}

// GetAggregateDebounce returns the summary debounce, default 1s.
func (e EngineConfig) GetAggregateDebounce() time.Duration {
	return duration(e.AggregateDebounce, time.Second)
}

// GetOrphanGrace returns the missing-handle grace, default 500ms.
func (e EngineConfig) GetOrphanGrace() time.Duration {
	return duration(e.OrphanGrace, 500*time.Millisecond)
}

// GetVanishGrace returns the adapter-vanish grace, default 30s.
func (e EngineConfig) GetVanishGrace() time.Duration {
	return duration(e.VanishGrace, 30*time.Second)
}

// GetHardTimeout returns the job wall-clock ceiling, default 12m.
func (e EngineConfig) GetHardTimeout() time.Duration {
	return duration(e.HardTimeout, 12*time.Minute)
}

// GetSampleCap returns the eventsize sample cap, default 10000.
func (e EngineConfig) GetSampleCap() int {
	if e.SampleCap <= 0 {
		return 10000
	}
	return e.SampleCap
}

// GetVolumeDays returns the volume lookback, default 30.
func (e EngineConfig) GetVolumeDays() int {
	if e.VolumeDays <= 0 {
		return 30
	}
	return e.VolumeDays
}

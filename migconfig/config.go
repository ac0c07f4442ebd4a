// Package migconfig loads the TOML-backed tunables a migration
// session starts from: bandwidth throttle, downtime budget, PRNG seed,
// and mmap table capacity.
package migconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/ramvm/migrate/migration"
)

// File is the on-disk shape of a migration config TOML file. Durations
// are stored in milliseconds since go-toml doesn't round-trip
// time.Duration directly.
type File struct {
	MaxThrottleBytes int   `toml:"max_throttle_bytes"`
	MaxDowntimeMS    int64 `toml:"max_downtime_ms"`
	PRNGSeed         int64 `toml:"prng_seed"`
	MmapTableCap     int   `toml:"mmap_table_capacity"`
}

// Load reads a config file at path and converts it to migration.Defaults,
// falling back to migration.DefaultConfig field-by-field for anything
// left at its zero value.
func Load(path string) (migration.Defaults, error) {
	cfg := migration.DefaultConfig

	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return cfg, fmt.Errorf("migconfig: read %q: %w", path, err)
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return cfg, fmt.Errorf("migconfig: parse %q: %w", path, err)
	}

	if f.MaxThrottleBytes != 0 {
		cfg.MaxThrottle = f.MaxThrottleBytes
	}

	if f.MaxDowntimeMS != 0 {
		cfg.MaxDowntime = time.Duration(f.MaxDowntimeMS) * time.Millisecond
	}

	if f.PRNGSeed != 0 {
		cfg.PRNGSeed = f.PRNGSeed
	}

	if f.MmapTableCap != 0 {
		cfg.MmapTableCap = f.MmapTableCap
	}

	return cfg, nil
}

// Save writes cfg to path as TOML, in the form Load reads back.
func Save(path string, cfg migration.Defaults) error {
	f := File{
		MaxThrottleBytes: cfg.MaxThrottle,
		MaxDowntimeMS:    cfg.MaxDowntime.Milliseconds(),
		PRNGSeed:         cfg.PRNGSeed,
		MmapTableCap:     cfg.MmapTableCap,
	}

	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("migconfig: marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("migconfig: write %q: %w", path, err)
	}

	return nil
}

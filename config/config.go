// Package config holds the engine's tunables and loads them from a yaml
// file when one is provided.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options is the full set of knobs the engine recognizes.
type Options struct {
	// ShortInterval is the poll interval while a resource has active items
	// (a run still executing, tasks queued).
	ShortInterval time.Duration

	// LongInterval is the poll interval once everything has settled.
	LongInterval time.Duration

	// MaxCacheAge is how old a persisted snapshot may get before the sweep
	// evicts it.
	MaxCacheAge time.Duration

	// RefreshMargin is how long before credential expiry the renewal runs.
	RefreshMargin time.Duration

	// FetchTimeout bounds each loader invocation so a hung transport call
	// resolves as an error instead of occupying a polling slot forever.
	FetchTimeout time.Duration

	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration

	// CachePrefix namespaces the engine's keys inside shared storage.
	CachePrefix string

	EnablePersistence   bool
	EnableNotifications bool
}

/*
fileOptions is the on-disk schema. Durations are plain millisecond
integers; absent fields stay at their defaults, which is why the scalars
that can legitimately be zero or false are pointers.
*/
type fileOptions struct {
	ShortIntervalMs     int64   `yaml:"short_interval_ms"`
	LongIntervalMs      int64   `yaml:"long_interval_ms"`
	MaxCacheAgeMs       int64   `yaml:"max_cache_age_ms"`
	RefreshMarginMs     int64   `yaml:"refresh_margin_ms"`
	FetchTimeoutMs      int64   `yaml:"fetch_timeout_ms"`
	SweepIntervalMs     int64   `yaml:"sweep_interval_ms"`
	CachePrefix         *string `yaml:"cache_prefix"`
	EnablePersistence   *bool   `yaml:"enable_persistence"`
	EnableNotifications *bool   `yaml:"enable_notifications"`
}

// Default returns the options the engine runs with when no file is given.
func Default() Options {
	return Options{
		ShortInterval:       3 * time.Second,
		LongInterval:        30 * time.Second,
		MaxCacheAge:         24 * time.Hour,
		RefreshMargin:       2 * time.Minute,
		FetchTimeout:        15 * time.Second,
		SweepInterval:       5 * time.Minute,
		CachePrefix:         "flowsync:",
		EnablePersistence:   true,
		EnableNotifications: true,
	}
}

// Load reads options from a yaml file, starting from defaults so a partial
// file only overrides what it names.
func Load(path string) (Options, error) {
	opts := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("config: read %s: %w", path, err)
	}

	var f fileOptions
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return opts, fmt.Errorf("config: parse %s: %w", path, err)
	}

	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	if f.ShortIntervalMs > 0 {
		opts.ShortInterval = ms(f.ShortIntervalMs)
	}
	if f.LongIntervalMs > 0 {
		opts.LongInterval = ms(f.LongIntervalMs)
	}
	if f.MaxCacheAgeMs > 0 {
		opts.MaxCacheAge = ms(f.MaxCacheAgeMs)
	}
	if f.RefreshMarginMs > 0 {
		opts.RefreshMargin = ms(f.RefreshMarginMs)
	}
	if f.FetchTimeoutMs > 0 {
		opts.FetchTimeout = ms(f.FetchTimeoutMs)
	}
	if f.SweepIntervalMs > 0 {
		opts.SweepInterval = ms(f.SweepIntervalMs)
	}
	if f.CachePrefix != nil {
		opts.CachePrefix = *f.CachePrefix
	}
	if f.EnablePersistence != nil {
		opts.EnablePersistence = *f.EnablePersistence
	}
	if f.EnableNotifications != nil {
		opts.EnableNotifications = *f.EnableNotifications
	}

	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// Validate rejects option combinations the engine cannot run with.
func (o Options) Validate() error {
	if o.ShortInterval <= 0 || o.LongInterval <= 0 {
		return fmt.Errorf("config: intervals must be positive (short=%s long=%s)", o.ShortInterval, o.LongInterval)
	}
	if o.ShortInterval > o.LongInterval {
		return fmt.Errorf("config: short interval %s exceeds long interval %s", o.ShortInterval, o.LongInterval)
	}
	if o.MaxCacheAge <= 0 {
		return fmt.Errorf("config: max cache age must be positive, got %s", o.MaxCacheAge)
	}
	if o.FetchTimeout <= 0 {
		return fmt.Errorf("config: fetch timeout must be positive, got %s", o.FetchTimeout)
	}
	if o.SweepInterval <= 0 {
		return fmt.Errorf("config: sweep interval must be positive, got %s", o.SweepInterval)
	}
	return nil
}

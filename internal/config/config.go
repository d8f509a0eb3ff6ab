package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/buffercache"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/gpu"
)

// Config represents the application configuration
type Config struct {
	Cache   CacheConfig   `mapstructure:"cache"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CacheConfig holds the tuning constants of the buffer cache
type CacheConfig struct {
	PageBits               uint   `mapstructure:"page_bits"`
	AddressBits            uint   `mapstructure:"address_bits"`
	StreamLeapThreshold    int    `mapstructure:"stream_leap_threshold"`
	StreamLeapPages        uint64 `mapstructure:"stream_leap_pages"`
	GCTicks                uint64 `mapstructure:"gc_ticks"`
	GCTicksAggressive      uint64 `mapstructure:"gc_ticks_aggressive"`
	GCIterations           int    `mapstructure:"gc_iterations"`
	GCIterationsAggressive int    `mapstructure:"gc_iterations_aggressive"`
	ExpectedMemory         uint64 `mapstructure:"expected_memory"`
	CriticalMemory         uint64 `mapstructure:"critical_memory"`
	SkipCacheSize          uint32 `mapstructure:"skip_cache_size"`
	UniformHitNumerator    uint32 `mapstructure:"uniform_hit_numerator"`
	UniformHitDenominator  uint32 `mapstructure:"uniform_hit_denominator"`
	MaxStorageSize         uint32 `mapstructure:"max_storage_size"`
	DestructionRing        int    `mapstructure:"destruction_ring"`
	MaxResolveAttempts     int    `mapstructure:"max_resolve_attempts"`
}

// RuntimeConfig selects and tunes the host backend
type RuntimeConfig struct {
	Backend           string `mapstructure:"backend"`
	MappedUploads     bool   `mapstructure:"mapped_uploads"`
	MemoryMaps        bool   `mapstructure:"memory_maps"`
	AsyncDownloads    bool   `mapstructure:"async_downloads"`
	StagingSize       uint64 `mapstructure:"staging_size"`
	DeviceLocalMemory uint64 `mapstructure:"device_local_memory"`
	ReportMemoryUsage bool   `mapstructure:"report_memory_usage"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	params := buffercache.DefaultParams()
	opts := gpu.DefaultMemoryRuntimeOptions()

	return &Config{
		Cache: CacheConfig{
			PageBits:               params.PageBits,
			AddressBits:            params.AddressBits,
			StreamLeapThreshold:    params.StreamLeapThreshold,
			StreamLeapPages:        params.StreamLeapPages,
			GCTicks:                params.GCTicks,
			GCTicksAggressive:      params.GCTicksAggressive,
			GCIterations:           params.GCIterations,
			GCIterationsAggressive: params.GCIterationsAggressive,
			ExpectedMemory:         params.ExpectedMemory,
			CriticalMemory:         params.CriticalMemory,
			SkipCacheSize:          params.SkipCacheSize,
			UniformHitNumerator:    params.UniformHitNumerator,
			UniformHitDenominator:  params.UniformHitDenominator,
			MaxStorageSize:         params.MaxStorageSize,
			DestructionRing:        params.DestructionRingTicks,
			MaxResolveAttempts:     params.MaxResolveAttempts,
		},
		Runtime: RuntimeConfig{
			Backend:           "memory",
			MappedUploads:     opts.MappedUploads,
			MemoryMaps:        opts.MemoryMaps,
			AsyncDownloads:    opts.AsyncDownloads,
			StagingSize:       opts.StagingSize,
			DeviceLocalMemory: opts.DeviceLocalMemory,
			ReportMemoryUsage: opts.ReportMemoryUsage,
		},
		Logging: LoggingConfig{
			Level:   "warn",
			File:    "",
			Console: true,
		},
	}
}

// Load loads configuration from file, environment, and defaults
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("finding home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".bufcache"))
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("bufcache")
	}

	v.SetEnvPrefix("BUFCACHE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is okay, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Logging.File = expandPath(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Cache.PageBits < 12 || c.Cache.PageBits > 24 {
		return errors.New("cache.page_bits must be between 12 and 24")
	}
	if c.Cache.AddressBits <= c.Cache.PageBits || c.Cache.AddressBits > 48 {
		return errors.New("cache.address_bits must be above page_bits and at most 48")
	}
	if c.Cache.GCIterations <= 0 || c.Cache.GCIterationsAggressive <= 0 {
		return errors.New("cache.gc_iterations and cache.gc_iterations_aggressive must be positive")
	}
	if c.Cache.CriticalMemory < c.Cache.ExpectedMemory {
		return errors.New("cache.critical_memory must not be below cache.expected_memory")
	}
	if c.Cache.UniformHitDenominator == 0 || c.Cache.UniformHitNumerator > c.Cache.UniformHitDenominator {
		return errors.New("cache.uniform_hit_numerator must not exceed a non-zero cache.uniform_hit_denominator")
	}
	if c.Cache.DestructionRing <= 0 {
		return errors.New("cache.destruction_ring must be positive")
	}
	if c.Cache.MaxResolveAttempts <= 0 {
		return errors.New("cache.max_resolve_attempts must be positive")
	}
	if c.Runtime.StagingSize == 0 {
		return errors.New("runtime.staging_size must be positive")
	}

	validBackends := []string{"auto", "memory", "vulkan"}
	if !contains(validBackends, c.Runtime.Backend) {
		return fmt.Errorf("runtime.backend must be one of: %v", validBackends)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// Params converts the cache section into buffer cache parameters
func (c *CacheConfig) Params() buffercache.Params {
	return buffercache.Params{
		PageBits:               c.PageBits,
		AddressBits:            c.AddressBits,
		StreamLeapThreshold:    c.StreamLeapThreshold,
		StreamLeapPages:        c.StreamLeapPages,
		GCTicks:                c.GCTicks,
		GCTicksAggressive:      c.GCTicksAggressive,
		GCIterations:           c.GCIterations,
		GCIterationsAggressive: c.GCIterationsAggressive,
		ExpectedMemory:         c.ExpectedMemory,
		CriticalMemory:         c.CriticalMemory,
		SkipCacheSize:          c.SkipCacheSize,
		UniformHitNumerator:    c.UniformHitNumerator,
		UniformHitDenominator:  c.UniformHitDenominator,
		MaxStorageSize:         c.MaxStorageSize,
		DestructionRingTicks:   c.DestructionRing,
		MaxResolveAttempts:     c.MaxResolveAttempts,
	}
}

// Options converts the runtime section into memory runtime options
func (c *RuntimeConfig) Options() gpu.MemoryRuntimeOptions {
	return gpu.MemoryRuntimeOptions{
		MappedUploads:     c.MappedUploads,
		MemoryMaps:        c.MemoryMaps,
		AsyncDownloads:    c.AsyncDownloads,
		StagingSize:       c.StagingSize,
		DeviceLocalMemory: c.DeviceLocalMemory,
		ReportMemoryUsage: c.ReportMemoryUsage,
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("cache.page_bits", cfg.Cache.PageBits)
	v.SetDefault("cache.address_bits", cfg.Cache.AddressBits)
	v.SetDefault("cache.stream_leap_threshold", cfg.Cache.StreamLeapThreshold)
	v.SetDefault("cache.stream_leap_pages", cfg.Cache.StreamLeapPages)
	v.SetDefault("cache.gc_ticks", cfg.Cache.GCTicks)
	v.SetDefault("cache.gc_ticks_aggressive", cfg.Cache.GCTicksAggressive)
	v.SetDefault("cache.gc_iterations", cfg.Cache.GCIterations)
	v.SetDefault("cache.gc_iterations_aggressive", cfg.Cache.GCIterationsAggressive)
	v.SetDefault("cache.expected_memory", cfg.Cache.ExpectedMemory)
	v.SetDefault("cache.critical_memory", cfg.Cache.CriticalMemory)
	v.SetDefault("cache.skip_cache_size", cfg.Cache.SkipCacheSize)
	v.SetDefault("cache.uniform_hit_numerator", cfg.Cache.UniformHitNumerator)
	v.SetDefault("cache.uniform_hit_denominator", cfg.Cache.UniformHitDenominator)
	v.SetDefault("cache.max_storage_size", cfg.Cache.MaxStorageSize)
	v.SetDefault("cache.destruction_ring", cfg.Cache.DestructionRing)
	v.SetDefault("cache.max_resolve_attempts", cfg.Cache.MaxResolveAttempts)

	v.SetDefault("runtime.backend", cfg.Runtime.Backend)
	v.SetDefault("runtime.mapped_uploads", cfg.Runtime.MappedUploads)
	v.SetDefault("runtime.memory_maps", cfg.Runtime.MemoryMaps)
	v.SetDefault("runtime.async_downloads", cfg.Runtime.AsyncDownloads)
	v.SetDefault("runtime.staging_size", cfg.Runtime.StagingSize)
	v.SetDefault("runtime.device_local_memory", cfg.Runtime.DeviceLocalMemory)
	v.SetDefault("runtime.report_memory_usage", cfg.Runtime.ReportMemoryUsage)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
}

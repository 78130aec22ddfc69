// Package config holds the boot configuration of the kernel.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"capos/kernel/mm"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is the prefix of every environment variable read by Load.
// Variables are named after the section and the field, for example
// CAPOS_MEMORY_RAM_SIZE or CAPOS_LOGGING_LEVEL.
const EnvPrefix = "CAPOS"

// Config holds all kernel configuration.
type Config struct {
	Memory  MemoryConfig  `yaml:"memory" toml:"memory"`
	Process ProcessConfig `yaml:"process" toml:"process"`
	IPC     IPCConfig     `yaml:"ipc" toml:"ipc"`
	Logging LogConfig     `yaml:"logging" toml:"logging"`
}

// MemoryConfig sizes physical memory and the default user mappings.
type MemoryConfig struct {
	RAMSize       uint64 `envconfig:"RAM_SIZE" default:"16777216" yaml:"ram_size" toml:"ram_size"`
	UserStackSize uint64 `envconfig:"USER_STACK_SIZE" default:"16384" yaml:"user_stack_size" toml:"user_stack_size"`
	HeapSize      uint64 `envconfig:"HEAP_SIZE" default:"65536" yaml:"heap_size" toml:"heap_size"`
}

// ProcessConfig sizes the per-process tables and the task table.
type ProcessConfig struct {
	MaxObjects  int `envconfig:"MAX_OBJECTS" default:"16" yaml:"max_objects" toml:"max_objects"`
	MaxMessages int `envconfig:"MAX_MESSAGES" default:"16" yaml:"max_messages" toml:"max_messages"`
	MaxTasks    int `envconfig:"MAX_TASKS" default:"64" yaml:"max_tasks" toml:"max_tasks"`
}

// IPCConfig sizes the kernel message pool.
type IPCConfig struct {
	MaxMessages int `envconfig:"MAX_MESSAGES" default:"256" yaml:"max_messages" toml:"max_messages"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info" yaml:"level" toml:"level"`
	Development bool   `envconfig:"DEVELOPMENT" default:"false" yaml:"development" toml:"development"`
}

// Load loads configuration from CAPOS_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile reads a YAML or TOML configuration file. Fields missing from the
// file keep their default values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Memory: MemoryConfig{
			RAMSize:       16 << 20,
			UserStackSize: 16 << 10,
			HeapSize:      64 << 10,
		},
		Process: ProcessConfig{
			MaxObjects:  16,
			MaxMessages: 16,
			MaxTasks:    64,
		},
		IPC: IPCConfig{
			MaxMessages: 256,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration describes a bootable machine.
func (c *Config) Validate() error {
	switch {
	case c.Memory.RAMSize == 0 || c.Memory.RAMSize%uint64(mm.PageSize) != 0:
		return fmt.Errorf("memory.ram_size must be a non-zero multiple of %d", mm.PageSize)
	case c.Memory.RAMSize > uint64(mm.KernelStart):
		return fmt.Errorf("memory.ram_size must not exceed %#x", mm.KernelStart)
	case c.Memory.UserStackSize == 0 || c.Memory.UserStackSize%uint64(mm.PageSize) != 0:
		return fmt.Errorf("memory.user_stack_size must be a non-zero multiple of %d", mm.PageSize)
	case c.Memory.HeapSize%uint64(mm.PageSize) != 0:
		return fmt.Errorf("memory.heap_size must be a multiple of %d", mm.PageSize)
	case c.Process.MaxObjects < 2:
		return fmt.Errorf("process.max_objects must be at least 2")
	case c.Process.MaxMessages < 1:
		return fmt.Errorf("process.max_messages must be at least 1")
	case c.Process.MaxTasks < 1:
		return fmt.Errorf("process.max_tasks must be at least 1")
	case c.IPC.MaxMessages < 1:
		return fmt.Errorf("ipc.max_messages must be at least 1")
	}

	return nil
}

package rskv

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// SyncMode controls how aggressively the storage device is flushed.
type SyncMode string

const (
	SyncNone         SyncMode = "none"
	SyncPeriodic     SyncMode = "periodic"
	SyncAlways       SyncMode = "always"
	SyncMetadataOnly SyncMode = "metadata_only"
)

// Config holds every store tunable. It is loaded from a JWCC
// (JSON-with-comments) file via hujson.Standardize: trailing commas and
// comments are allowed so operators can annotate tuning decisions in
// place.
type Config struct {
	MemorySize uint64 `json:"memory_size"`
	PageSize   uint32 `json:"page_size"`
	StorageDir string `json:"storage_dir"`

	EnableCheckpointing bool   `json:"enable_checkpointing"`
	CheckpointIntervalMS uint64 `json:"checkpoint_interval_ms"`

	EnableGC    bool   `json:"enable_gc"`
	GCIntervalMS uint64 `json:"gc_interval_ms"`

	MaxBackgroundThreads int `json:"max_background_threads"`

	UseMmap         bool   `json:"use_mmap"`
	EnableReadahead bool   `json:"enable_readahead"`
	ReadaheadSize   uint64 `json:"readahead_size"`

	EnableWriteBatching bool `json:"enable_write_batching"`
	WriteBatchSize      int  `json:"write_batch_size"`

	SyncMode SyncMode `json:"sync_mode"`

	PreallocateLog  bool   `json:"preallocate_log"`
	LogPreallocSize uint64 `json:"log_prealloc_size"`
}

const (
	minMemorySize = 1 << 20       // 1 MiB
	maxMemorySize = 64 << 30      // 64 GiB
	minPageSize   = 4 << 10       // 4 KiB
	defaultMemorySize = 1 << 30   // 1 GiB
	defaultPageSize   = 32 << 20  // 32 MiB
)

// DefaultConfig returns the documented default tuning values.
func DefaultConfig() Config {
	return Config{
		MemorySize:           defaultMemorySize,
		PageSize:             defaultPageSize,
		StorageDir:           "rskv-data",
		EnableCheckpointing:  true,
		CheckpointIntervalMS: 5 * 60 * 1000,
		EnableGC:             true,
		GCIntervalMS:         60 * 1000,
		MaxBackgroundThreads: 4,
		UseMmap:              false,
		EnableReadahead:      false,
		ReadaheadSize:        0,
		EnableWriteBatching:  false,
		WriteBatchSize:       0,
		SyncMode:             SyncPeriodic,
		PreallocateLog:       false,
		LogPreallocSize:      0,
	}
}

// LoadConfig reads a JWCC config file at path, standardizes it to plain
// JSON, and unmarshals it over DefaultConfig()'s values. Fields absent
// from the file keep their default.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return Config{}, fmt.Errorf("%w: read %s: %s", ErrIO, path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, path, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate enforces every documented field range, returning
// ErrInvalidConfig on the first violation.
func (c Config) Validate() error {
	if c.MemorySize < minMemorySize || c.MemorySize > maxMemorySize {
		return fmt.Errorf("%w: memory_size %d outside [%d, %d]", ErrInvalidConfig, c.MemorySize, minMemorySize, maxMemorySize)
	}

	if c.PageSize < minPageSize || uint64(c.PageSize) > c.MemorySize || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("%w: page_size %d must be a power of 2 in [%d, memory_size]", ErrInvalidConfig, c.PageSize, minPageSize)
	}

	if c.StorageDir == "" {
		return fmt.Errorf("%w: storage_dir must not be empty", ErrInvalidConfig)
	}

	if c.EnableCheckpointing && c.CheckpointIntervalMS < 100 {
		return fmt.Errorf("%w: checkpoint_interval_ms must be >= 100", ErrInvalidConfig)
	}

	if c.EnableGC && c.GCIntervalMS < 1000 {
		return fmt.Errorf("%w: gc_interval_ms must be >= 1000", ErrInvalidConfig)
	}

	if c.MaxBackgroundThreads < 1 || c.MaxBackgroundThreads > 32 {
		return fmt.Errorf("%w: max_background_threads %d outside [1, 32]", ErrInvalidConfig, c.MaxBackgroundThreads)
	}

	switch c.SyncMode {
	case SyncNone, SyncPeriodic, SyncAlways, SyncMetadataOnly:
	default:
		return fmt.Errorf("%w: unknown sync_mode %q", ErrInvalidConfig, c.SyncMode)
	}

	return nil
}

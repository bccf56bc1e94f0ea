// Package config loads dlsnode's node configuration file: a JSON (with
// comments, via hujson) document describing buffer sizes, worker counts,
// and flush timing for one node instance.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// Config holds every tunable the node reads at startup.
type Config struct {
	// DataDir is the root directory holding every channel's bucket files
	// and the commit log.
	DataDir string `json:"data_dir"`

	// FileBufferSize is the read-ahead buffer size, in bytes, used when
	// reading a bucket file.
	FileBufferSize int `json:"file_buffer_size"`

	// WriteBufferSize is passed through to engine.Config. The engine keeps
	// no in-memory write buffer: every append is written to its bucket file
	// directly, so this value has no effect on writes.
	WriteBufferSize int `json:"write_buffer_size"`

	// CheckpointCommitSeconds is how often the checkpoint commit log is
	// rewritten to disk.
	CheckpointCommitSeconds int `json:"checkpoint_commit_seconds"`

	// NumberOfThreadWorkers sizes the async I/O pool's worker goroutines.
	NumberOfThreadWorkers int `json:"number_of_thread_workers"`

	// WriteFlushMs is loaded and merged like every other field, but nothing
	// in the node reads it: there is no timer on this period. Channels are
	// flushed on the CheckpointCommitSeconds tick and by explicit flushes.
	WriteFlushMs int `json:"write_flush_ms"`

	// WriterLRUCapacity bounds how many bucket writers a channel keeps
	// open concurrently before evicting the least-recently-used one.
	WriterLRUCapacity int `json:"writer_lru_capacity"`

	// MaxBucketSize bounds a single bucket file's size, in bytes. Zero
	// means unbounded.
	MaxBucketSize int64 `json:"max_bucket_size"`
}

// Default returns the configuration used when no config file is present.
func Default() Config {
	return Config{
		DataDir:                 "data",
		FileBufferSize:          64 * 1024,
		WriteBufferSize:         64 * 1024,
		CheckpointCommitSeconds: 5,
		NumberOfThreadWorkers:   4,
		WriteFlushMs:            500,
		WriterLRUCapacity:       3,
	}
}

// Load reads and parses a hujson config file at path, applying any
// zero-valued fields from Default() so a config file only needs to
// mention the settings it wants to override.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var overrides Config
	if err := json.Unmarshal(standardized, &overrides); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}

	return merge(cfg, overrides), nil
}

// merge layers non-zero fields of override on top of base.
func merge(base, override Config) Config {
	if override.DataDir != "" {
		base.DataDir = override.DataDir
	}
	if override.FileBufferSize != 0 {
		base.FileBufferSize = override.FileBufferSize
	}
	if override.WriteBufferSize != 0 {
		base.WriteBufferSize = override.WriteBufferSize
	}
	if override.CheckpointCommitSeconds != 0 {
		base.CheckpointCommitSeconds = override.CheckpointCommitSeconds
	}
	if override.NumberOfThreadWorkers != 0 {
		base.NumberOfThreadWorkers = override.NumberOfThreadWorkers
	}
	if override.WriteFlushMs != 0 {
		base.WriteFlushMs = override.WriteFlushMs
	}
	if override.WriterLRUCapacity != 0 {
		base.WriterLRUCapacity = override.WriterLRUCapacity
	}
	if override.MaxBucketSize != 0 {
		base.MaxBucketSize = override.MaxBucketSize
	}
	return base
}

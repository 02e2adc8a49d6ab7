// Package config resolves the process-level configuration from
// environment variables (spec §6's environment knobs): data directory,
// max chunk size, memtable entry cap, L0 compaction threshold, listen
// host/port, and telemetry endpoint.
package config

import (
	"cmp"
	"fmt"
	"os"
	"strconv"

	"chronolog/internal/lsm"
)

const (
	envDataDir            = "CHRONOLOG_DATA_DIR"
	envMaxChunkBytes      = "CHRONOLOG_MAX_CHUNK_BYTES"
	envMemtableCapacity   = "CHRONOLOG_MEMTABLE_CAPACITY"
	envL0CompactionThresh = "CHRONOLOG_L0_COMPACTION_THRESHOLD"
	envListenHost         = "CHRONOLOG_LISTEN_HOST"
	envListenPort         = "CHRONOLOG_LISTEN_PORT"
	envTelemetryEndpoint  = "CHRONOLOG_TELEMETRY_ENDPOINT"
)

const (
	defaultDataDir                  = "./data"
	defaultMaxChunkBytes       int64 = 256 << 20
	defaultL0CompactionThresh        = 4
	defaultListenHost                = "localhost"
	defaultListenPort                = 4420
)

// Config is the resolved process configuration. Every field has a
// usable default; FromEnv only overrides a field when its environment
// variable is set, the same cmp.Or-default idiom chunk/file.Manager's
// and lsm.Engine's own Config structs use.
type Config struct {
	DataDir               string
	MaxChunkBytes         int64
	MemtableCapacity      int
	L0CompactionThreshold int
	ListenHost            string
	ListenPort            int
	TelemetryEndpoint     string // resolved from the environment; no component reads it
}

// FromEnv resolves a Config from environment variables, falling back to
// defaults for anything unset. Returns an error if a set variable fails
// to parse as its expected type.
func FromEnv() (Config, error) {
	cfg := Config{
		DataDir:               cmp.Or(os.Getenv(envDataDir), defaultDataDir),
		MaxChunkBytes:         defaultMaxChunkBytes,
		MemtableCapacity:      lsm.DefaultMemtableCapacity,
		L0CompactionThreshold: defaultL0CompactionThresh,
		ListenHost:            cmp.Or(os.Getenv(envListenHost), defaultListenHost),
		ListenPort:            defaultListenPort,
		TelemetryEndpoint:     os.Getenv(envTelemetryEndpoint),
	}

	if v := os.Getenv(envMaxChunkBytes); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", envMaxChunkBytes, err)
		}
		cfg.MaxChunkBytes = n
	}
	if v := os.Getenv(envMemtableCapacity); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", envMemtableCapacity, err)
		}
		cfg.MemtableCapacity = n
	}
	if v := os.Getenv(envL0CompactionThresh); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", envL0CompactionThresh, err)
		}
		cfg.L0CompactionThreshold = n
	}
	if v := os.Getenv(envListenPort); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", envListenPort, err)
		}
		cfg.ListenPort = n
	}

	return cfg, nil
}

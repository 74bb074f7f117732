// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration from the environment with
// precedence ENV > defaults. Secrets are validated at startup so the daemon
// fails fast on misconfiguration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	// MinMasterSecretLen is the minimum accepted MASTER_SECRET length in bytes.
	MinMasterSecretLen = 32

	defaultListenAddr     = ":8080"
	defaultHLSRoot        = "hls"
	defaultUploadRoot     = "uploads"
	defaultDBURL          = "sectify.db"
	defaultAccessTTLMin   = 30
	defaultMFATTLMin      = 5
	defaultReaperInterval = 120
	defaultReaperAge      = 600
	defaultWorkerQueue    = 64
)

// Config holds the complete daemon configuration.
type Config struct {
	ListenAddr string

	// MasterSecret is the process-wide root secret. Never logged, never
	// emitted; call Zero on shutdown.
	MasterSecret []byte

	HLSRoot    string
	UploadRoot string
	DBURL      string

	AccessTokenTTL time.Duration
	MFATokenTTL    time.Duration

	ReaperInterval time.Duration
	ReaperAge      time.Duration

	// Workers sizes the CPU-bound worker pool; 0 means NumCPU.
	Workers     int
	WorkerQueue int

	LogLevel string
}

// Load builds a Config from environment variables and defaults.
func Load() Config {
	return Config{
		ListenAddr:     ParseString("LISTEN_ADDR", defaultListenAddr),
		MasterSecret:   []byte(ParseString("MASTER_SECRET", "")),
		HLSRoot:        ParseString("HLS_ROOT", defaultHLSRoot),
		UploadRoot:     ParseString("UPLOAD_ROOT", defaultUploadRoot),
		DBURL:          ParseString("DB_URL", defaultDBURL),
		AccessTokenTTL: time.Duration(ParseInt("TOKEN_TTL_ACCESS_MIN", defaultAccessTTLMin)) * time.Minute,
		MFATokenTTL:    time.Duration(ParseInt("TOKEN_TTL_MFA_MIN", defaultMFATTLMin)) * time.Minute,
		ReaperInterval: time.Duration(ParseInt("REAPER_INTERVAL_S", defaultReaperInterval)) * time.Second,
		ReaperAge:      time.Duration(ParseInt("REAPER_AGE_S", defaultReaperAge)) * time.Second,
		Workers:        ParseInt("WORKERS", 0),
		WorkerQueue:    ParseInt("WORKER_QUEUE", defaultWorkerQueue),
		LogLevel:       ParseString("LOG_LEVEL", "info"),
	}
}

// Validate checks the configuration for fatal problems. The returned error
// is suitable for a startup failure log.
func (c *Config) Validate() error {
	if len(c.MasterSecret) < MinMasterSecretLen {
		return fmt.Errorf("MASTER_SECRET must be at least %d bytes, got %d", MinMasterSecretLen, len(c.MasterSecret))
	}
	if c.HLSRoot == "" || c.UploadRoot == "" {
		return errors.New("HLS_ROOT and UPLOAD_ROOT must be set")
	}
	for _, dir := range []string{c.HLSRoot, c.UploadRoot} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	if c.ReaperInterval <= 0 || c.ReaperAge <= 0 {
		return errors.New("reaper interval and age must be positive")
	}
	if c.AccessTokenTTL <= 0 || c.MFATokenTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	return nil
}

// ZeroSecret overwrites the master secret in place. Called on shutdown.
func (c *Config) ZeroSecret() {
	for i := range c.MasterSecret {
		c.MasterSecret[i] = 0
	}
}

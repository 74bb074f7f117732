// SPDX-License-Identifier: MIT

// Package reaper removes expired HLS media segments. Only .ts files older
// than the configured age are unlinked; manifests and key material are
// never touched. Runs embedded in the daemon or as a standalone CLI.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sectify/sectify/internal/log"
)

// Default cadence and retention, overridable via configuration.
const (
	DefaultInterval = 120 * time.Second
	DefaultAge      = 600 * time.Second
)

// Config controls one reaper instance.
type Config struct {
	Root     string
	Age      time.Duration
	Interval time.Duration
}

// Stats summarises one sweep.
type Stats struct {
	SegmentsRemoved int
	DirsRemoved     int
	Errors          int
}

// Reaper walks the HLS root and prunes expired segments.
type Reaper struct {
	cfg Config
	now func() time.Time
}

// New validates the configuration. Callers map a validation error to a
// configuration failure exit.
func New(cfg Config) (*Reaper, error) {
	if cfg.Root == "" {
		return nil, errors.New("reaper: root directory required")
	}
	if cfg.Age <= 0 {
		return nil, fmt.Errorf("reaper: age must be positive, got %s", cfg.Age)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("reaper: interval must be positive, got %s", cfg.Interval)
	}
	return &Reaper{cfg: cfg, now: time.Now}, nil
}

// Run sweeps immediately and then on every interval tick until the context
// is cancelled. The context error is returned so callers can distinguish a
// clean shutdown.
func (r *Reaper) Run(ctx context.Context) error {
	logger := log.WithComponent("reaper")
	logger.Info().
		Str("root", r.cfg.Root).
		Dur("age", r.cfg.Age).
		Dur("interval", r.cfg.Interval).
		Msg("reaper started")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		stats := r.Sweep(ctx)
		if stats.SegmentsRemoved > 0 || stats.Errors > 0 {
			logger.Info().
				Int("segments_removed", stats.SegmentsRemoved).
				Int("dirs_removed", stats.DirsRemoved).
				Int("errors", stats.Errors).
				Msg("sweep complete")
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("reaper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass: expired .ts files are unlinked, then empty track
// directories are removed bottom-up. Races with concurrent packagers or a
// second reaper are benign; vanished files are not errors.
func (r *Reaper) Sweep(ctx context.Context) Stats {
	var stats Stats
	logger := log.WithComponent("reaper")
	cutoff := r.now().Add(-r.cfg.Age)

	var dirs []string
	err := filepath.WalkDir(r.cfg.Root, func(path string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			stats.Errors++
			logger.Warn().Err(walkErr).Str(log.FieldPath, path).Msg("walk error")
			return nil
		}
		if d.IsDir() {
			if path != filepath.Clean(r.cfg.Root) {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".ts") {
			// Manifests, key files and anything unexpected stay put.
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				stats.Errors++
				logger.Warn().Err(err).Str(log.FieldPath, path).Msg("stat failed")
			}
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				stats.Errors++
				logger.Warn().Err(err).Str(log.FieldPath, path).Msg("unlink failed")
			}
			return nil
		}
		stats.SegmentsRemoved++
		segmentsReaped.Inc()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		stats.Errors++
		logger.Warn().Err(err).Msg("sweep aborted")
	}

	// Deepest first so emptied parents can fall in the same pass.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err == nil {
			stats.DirsRemoved++
		}
	}

	return stats
}

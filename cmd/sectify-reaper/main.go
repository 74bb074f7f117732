// SPDX-License-Identifier: MIT

// Command sectify-reaper prunes expired HLS segments as a standalone
// process, for deployments that run cleanup outside the daemon.
//
// Exit codes: 0 on a clean stop, 2 on invalid configuration, 130 when
// interrupted by a signal.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sectify/sectify/internal/config"
	"github.com/sectify/sectify/internal/log"
	"github.com/sectify/sectify/internal/reaper"
)

const (
	exitOK          = 0
	exitUsage       = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		root     = flag.String("root", config.ParseString("HLS_ROOT", "hls"), "HLS root directory to prune")
		age      = flag.Duration("age", time.Duration(config.ParseInt("REAPER_AGE_S", 600))*time.Second, "segment retention age")
		interval = flag.Duration("interval", time.Duration(config.ParseInt("REAPER_INTERVAL_S", 120))*time.Second, "sweep cadence")
		once     = flag.Bool("once", false, "run a single sweep and exit")
		level    = flag.String("log-level", config.ParseString("LOG_LEVEL", "info"), "log level")
	)
	flag.Parse()

	log.Configure(log.Config{Level: *level, Service: "sectify-reaper"})
	logger := log.WithComponent("reaper")

	rp, err := reaper.New(reaper.Config{Root: *root, Age: *age, Interval: *interval})
	if err != nil {
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "reaper.config_invalid").
			Msg("invalid configuration")
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		stats := rp.Sweep(ctx)
		logger.Info().
			Int("segments_removed", stats.SegmentsRemoved).
			Int("dirs_removed", stats.DirsRemoved).
			Int("errors", stats.Errors).
			Str(log.FieldEvent, "reaper.sweep_done").
			Msg("single sweep complete")
		if ctx.Err() != nil {
			return exitInterrupted
		}
		return exitOK
	}

	err = rp.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info().
			Str(log.FieldEvent, "reaper.stopped").
			Msg("interrupted, stopping")
		return exitInterrupted
	}
	if err != nil {
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "reaper.failed").
			Msg("reaper run failed")
		return 1
	}
	return exitOK
}

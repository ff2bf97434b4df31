// Package main is the offline maintenance tool for the directory backend. It runs the
// storage layer without the admin API, in the command-line modes that skip maintenance
// threads.
//
// Usage:
//
//	dbtool backup   -dest DIR
//	dbtool restore  -src DIR
//	dbtool recover  [-clean]
//	dbtool guardian
//	dbtool bench    [-txns N] [-workers N] [-batch N]
//
// Storage settings come from the environment and .env, as for the server. -home overrides
// HOME_DIR.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"directory-backend/pkg/config"
	"directory-backend/pkg/engine"
	"directory-backend/pkg/logger"
	"directory-backend/pkg/storage"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errUsage = errors.New("usage: dbtool <backup|restore|recover|guardian|bench> [flags]")

// tool carries what the subcommands share
type tool struct {
	stdout  io.Writer
	logger  *zap.Logger
	cfg     *config.Config
	factory engine.Factory
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	log, err := logger.NewConsoleLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	t := &tool{stdout: os.Stdout, logger: log, cfg: cfg}
	if err := t.run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dbtool: %v\n", err)
		os.Exit(1)
	}
}

func (t *tool) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(t.stdout)
	fs.StringVar(&t.cfg.HomeDir, "home", t.cfg.HomeDir, "backend home directory")

	switch args[0] {
	case "backup":
		dest := fs.String("dest", "", "backup directory")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *dest == "" {
			return errors.New("backup: -dest is required")
		}
		return t.backup(ctx, *dest)

	case "restore":
		src := fs.String("src", "", "backup directory to restore from")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *src == "" {
			return errors.New("restore: -src is required")
		}
		return t.restore(ctx, *src)

	case "recover":
		clean := fs.Bool("clean", false, "remove log segments after recovery")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return t.recover(ctx, *clean)

	case "guardian":
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return t.guardian()

	case "bench":
		txns := fs.Int("txns", 10000, "transactions to commit")
		workers := fs.Int("workers", 8, "concurrent writers")
		batch := fs.Int("batch", t.cfg.BatchLimit, "group commit batch limit, 0 flushes every commit")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *txns < 1 || *workers < 1 {
			return errors.New("bench: -txns and -workers must be positive")
		}
		t.cfg.BatchLimit = *batch
		return t.bench(ctx, *txns, *workers)
	}
	return errUsage
}

// open validates the configuration and builds a layer that has not been started
func (t *tool) open() (*storage.Layer, error) {
	if err := t.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	opts := t.cfg.StorageOptions()
	if t.factory != nil {
		opts.EngineFactory = t.factory
	}
	return storage.New(opts, t.logger)
}

func (t *tool) backup(ctx context.Context, dest string) error {
	layer, err := t.open()
	if err != nil {
		return err
	}
	defer layer.Close()

	if err := layer.Start(ctx, storage.ModeArchive); err != nil {
		return fmt.Errorf("failed to start backend: %w", err)
	}
	start := time.Now()
	if err := layer.Backup(ctx, dest, newConsoleReporter(t.stdout)); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Backup written to %s in %v\n", dest, time.Since(start).Round(time.Millisecond))
	return layer.Close()
}

func (t *tool) restore(ctx context.Context, src string) error {
	layer, err := t.open()
	if err != nil {
		return err
	}
	defer layer.Close()

	start := time.Now()
	err = layer.Restore(ctx, src, storage.RestoreOptions{CommandLine: true}, newConsoleReporter(t.stdout))
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Restored from %s in %v (%s)\n", src, time.Since(start).Round(time.Millisecond), layer.Mode())
	return nil
}

func (t *tool) recover(ctx context.Context, clean bool) error {
	layer, err := t.open()
	if err != nil {
		return err
	}
	defer layer.Close()

	mode := storage.ModeNoThreads
	if clean {
		mode |= storage.ModeCleanRecover
	}
	if err := layer.Start(ctx, mode); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	if err := layer.Close(); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Backend in %s is consistent (%s)\n", t.cfg.HomeDir, mode)
	return nil
}

func (t *tool) guardian() error {
	g, err := storage.InspectGuardian(t.cfg.HomeDir)
	if err != nil {
		return err
	}
	if g == nil {
		fmt.Fprintf(t.stdout, "No guardian in %s: the next start runs recovery\n", t.cfg.HomeDir)
		return nil
	}
	fmt.Fprintf(t.stdout, "Clean shutdown recorded in %s\n", t.cfg.HomeDir)
	fmt.Fprintf(t.stdout, "  cachesize: %d\n", g.CacheSize)
	fmt.Fprintf(t.stdout, "  ncache:    %d\n", g.NCache)
	fmt.Fprintf(t.stdout, "  version:   %d\n", g.Version)
	fmt.Fprintf(t.stdout, "  locks:     %d\n", g.Locks)
	return nil
}

// bench commits txns single-put transactions from workers goroutines and reports throughput
// together with the group commit counters
func (t *tool) bench(ctx context.Context, txns, workers int) error {
	layer, err := t.open()
	if err != nil {
		return err
	}
	defer layer.Close()

	if err := layer.Start(ctx, storage.ModeNormal); err != nil {
		return fmt.Errorf("failed to start backend: %w", err)
	}

	work := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(work)
		for i := 0; i < txns; i++ {
			select {
			case work <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	start := time.Now()
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range work {
				key := []byte(fmt.Sprintf("bench-%010d", i))
				err := layer.RunInTxn(gctx, func(tx *storage.Txn) error {
					return tx.Put(key, key, false)
				})
				if err != nil {
					return fmt.Errorf("transaction %d: %w", i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	snap := layer.RefreshPerf()
	fmt.Fprintf(t.stdout, "Committed %d transactions with %d workers in %v\n", txns, workers, elapsed.Round(time.Millisecond))
	fmt.Fprintf(t.stdout, "  throughput:    %.0f txn/s\n", float64(txns)/elapsed.Seconds())
	fmt.Fprintf(t.stdout, "  batch limit:   %d\n", snap.GroupCommit.Limit)
	fmt.Fprintf(t.stdout, "  log flushes:   %d\n", snap.Log.Flushes)
	fmt.Fprintf(t.stdout, "  group flushes: %d\n", snap.GroupCommit.Flushes)
	fmt.Fprintf(t.stdout, "  aborts:        %d\n", snap.Txn.Aborts)
	return layer.Close()
}

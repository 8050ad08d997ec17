// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-candles/internal/config"
	"github.com/nishisan-dev/n-candles/internal/downloader"
	"github.com/nishisan-dev/n-candles/internal/statusapi"
	"github.com/nishisan-dev/n-candles/internal/store"
)

// daemon é o conjunto de componentes de longa duração de uma Config.
type daemon struct {
	app    *app
	cancel context.CancelFunc
	sched  *downloader.Scheduler
	sweep  *downloader.Scheduler
	http   *statusapi.Server
	mon    *store.StorageMonitor
}

func startDaemon(cfg *config.Config) (*daemon, error) {
	a, err := newApp(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &daemon{app: a, cancel: cancel}

	d.mon = store.NewStorageMonitor(cfg.Storage.BaseDir, 0, a.logger, a.metrics)
	d.mon.Start()

	if cfg.Downloader.Schedule != "" {
		dl, err := a.newDownloader(ctx)
		if err != nil {
			d.stop()
			return nil, fmt.Errorf("creating downloader: %w", err)
		}
		d.sched, err = downloader.NewScheduler(cfg.Downloader.Schedule, a.logger, func(ctx context.Context) error {
			_, err := dl.RunOnce(ctx)
			return err
		})
		if err != nil {
			d.stop()
			return nil, fmt.Errorf("creating downloader scheduler: %w", err)
		}
		d.sched.Start(ctx)
	}

	if cfg.Locking.SweepSchedule != "" {
		d.sweep, err = downloader.NewScheduler(cfg.Locking.SweepSchedule, a.logger, func(ctx context.Context) error {
			rep, err := a.locker.SweepStale(ctx, cfg.Storage.BaseDir)
			if err != nil {
				return err
			}
			a.logger.Info("lock sweep finished",
				"scanned", rep.LocksScanned,
				"reclaimed", rep.LocksReclaimed,
				"orphans_removed", rep.OrphansRemoved,
			)
			return nil
		})
		if err != nil {
			d.stop()
			return nil, fmt.Errorf("creating sweep scheduler: %w", err)
		}
		d.sweep.Start(ctx)
	}

	if cfg.HTTP.Enabled {
		router := statusapi.NewRouter(a.store, a.registry, statusapi.NewACL(cfg.HTTP.AllowNets, a.logger), a.logger)
		d.http = statusapi.NewServer(cfg.HTTP, router, a.logger)
		if err := d.http.Start(); err != nil {
			d.http = nil
			d.stop()
			return nil, err
		}
	}

	a.logger.Info("daemon started",
		"base_dir", cfg.Storage.BaseDir,
		"jobs", len(cfg.Downloader.Jobs),
		"schedule", cfg.Downloader.Schedule,
		"http", cfg.HTTP.Enabled,
	)
	return d, nil
}

// stop encerra os componentes em ordem inversa de criação.
func (d *daemon) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if d.http != nil {
		if err := d.http.Shutdown(ctx); err != nil {
			d.app.logger.Warn("status api shutdown failed", "error", err)
		}
	}
	if d.sweep != nil {
		d.sweep.Stop(ctx)
	}
	if d.sched != nil {
		d.sched.Stop(ctx)
	}
	d.cancel()
	d.mon.Stop()
	d.app.Close()
}

// runDaemon bloqueia até SIGTERM ou SIGINT. SIGHUP recarrega a configuração
// sem downtime (systemctl reload).
func runDaemon(configPath string, cfg *config.Config) error {
	d, err := startDaemon(cfg)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			d.app.logger.Info("received SIGHUP, reloading config", "path", configPath)

			newCfg, loadErr := config.Load(configPath)
			if loadErr != nil {
				d.app.logger.Error("reload failed, keeping current config", "error", loadErr)
				continue
			}

			d.stop()
			d, err = startDaemon(newCfg)
			if err != nil {
				return fmt.Errorf("reload: %w", err)
			}
			d.app.logger.Info("config reloaded successfully", "jobs", len(newCfg.Downloader.Jobs))
			continue
		}

		d.app.logger.Info("received signal, shutting down", "signal", sig.String())
		d.stop()
		return nil
	}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nishisan-dev/n-candles/internal/archive"
	"github.com/nishisan-dev/n-candles/internal/candle"
	"github.com/nishisan-dev/n-candles/internal/chunkfile"
	"github.com/nishisan-dev/n-candles/internal/codec"
	"github.com/nishisan-dev/n-candles/internal/config"
	"github.com/nishisan-dev/n-candles/internal/downloader"
	"github.com/nishisan-dev/n-candles/internal/lock"
	"github.com/nishisan-dev/n-candles/internal/logging"
	"github.com/nishisan-dev/n-candles/internal/metrics"
	"github.com/nishisan-dev/n-candles/internal/source"
	"github.com/nishisan-dev/n-candles/internal/store"
)

// app agrupa os componentes montados a partir de uma Config.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	logClose io.Closer
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	locker   *lock.Locker
	store    *store.Store
}

func newApp(cfg *config.Config) (*app, error) {
	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	calc, err := candle.NewRangeCalculator(cfg.Chunking.Policy())
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("range policy: %w", err)
	}
	provider, err := chunkfile.NewProvider(chunkfile.ProviderConfig{
		BaseDir:     cfg.Storage.BaseDir,
		Compression: candle.Compression(cfg.Storage.Compression),
		DataType:    candle.DataType(cfg.Storage.DataType),
	}, calc, logger, m)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("chunk provider: %w", err)
	}
	locker := lock.NewLocker(cfg.Locking.Options(), logger, lock.WithMetrics(m))
	st := store.New(store.Config{MinFreeBytes: uint64(cfg.Storage.MinFreeSpaceRaw)}, provider, locker, logger, m)

	return &app{
		cfg:      cfg,
		logger:   logger,
		logClose: logCloser,
		registry: reg,
		metrics:  m,
		locker:   locker,
		store:    st,
	}, nil
}

func (a *app) Close() error { return a.logClose.Close() }

func (a *app) decodeOptions(skipMissing bool) codec.DecodeOptions {
	return codec.DecodeOptions{SkipMissing: skipMissing, HeaderLimit: int(a.cfg.Storage.HeaderLimitRaw)}
}

// newDownloader monta o downloader com a fonte configurada e, se habilitado, o archive.
func (a *app) newDownloader(ctx context.Context) (*downloader.Downloader, error) {
	fetcher := source.NewCSVSource(a.cfg.Source.Dir, a.logger)

	opts := []downloader.Option{downloader.WithJobLogDir(a.cfg.Logging.JobDir)}
	if a.cfg.Downloader.Archive {
		arch, err := archive.New(ctx, archive.Config{
			Bucket:          a.cfg.Archive.Bucket,
			Prefix:          a.cfg.Archive.Prefix,
			Region:          a.cfg.Archive.Region,
			Endpoint:        a.cfg.Archive.Endpoint,
			AccessKeyID:     a.cfg.Archive.AccessKeyID,
			SecretAccessKey: a.cfg.Archive.SecretAccessKey,
			UsePathStyle:    a.cfg.Archive.UsePathStyle,
		}, a.cfg.Storage.BaseDir, a.logger, a.metrics)
		if err != nil {
			return nil, err
		}
		opts = append(opts, downloader.WithArchiver(arch))
	}
	return downloader.New(a.cfg.Downloader, a.store, fetcher, a.logger, a.metrics, opts...), nil
}

// parseSeries interpreta "EXCHANGE/area/SYMBOL/tf".
func parseSeries(s string) (candle.SymbolRef, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return candle.SymbolRef{}, fmt.Errorf("series must be EXCHANGE/area/SYMBOL/timeframe, got %q", s)
	}
	tf, err := candle.ParseTimeFrame(parts[3])
	if err != nil {
		return candle.SymbolRef{}, err
	}
	ref := candle.SymbolRef{Exchange: parts[0], Area: parts[1], Symbol: parts[2], TimeFrame: tf}
	return ref, ref.Validate()
}

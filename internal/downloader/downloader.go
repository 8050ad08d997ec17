// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package downloader mantém em disco os chunks das séries configuradas.
// Cada job percorre os ranges de [from, to) e chama store.Ensure com retry;
// chunks complete são pulados, partial são regravados na próxima execução.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/n-candles/internal/candle"
	"github.com/nishisan-dev/n-candles/internal/codec"
	"github.com/nishisan-dev/n-candles/internal/config"
	"github.com/nishisan-dev/n-candles/internal/logging"
	"github.com/nishisan-dev/n-candles/internal/metrics"
	"github.com/nishisan-dev/n-candles/internal/store"
)

// Uploader recebe chunks recém-publicados como complete (ver archive.Archiver).
type Uploader interface {
	Upload(ctx context.Context, chunkPath string) (string, error)
}

// Job é uma série a manter em disco.
type Job struct {
	Name string
	Ref  candle.SymbolRef
	From time.Time
	To   time.Time // zero = até o momento da execução
}

// JobsFromConfig converte os jobs já validados pela config.
func JobsFromConfig(jobs []config.JobConfig) []Job {
	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, Job{Name: JobName(j.Ref), Ref: j.Ref, From: j.FromTime, To: j.ToTime})
	}
	return out
}

// JobName deriva um nome estável (usado no log por job) a partir da série.
func JobName(ref candle.SymbolRef) string {
	return strings.ToLower(fmt.Sprintf("%s_%s_%s_%s", ref.Exchange, ref.Area, ref.Symbol, ref.TimeFrame))
}

// Summary contabiliza os chunks de uma execução.
type Summary struct {
	Chunks          int
	Written         int
	Partial         int
	AlreadyComplete int
	NotAcquired     int
	NoData          int
	Failed          int
	Bars            int
	Archived        int
}

func (s *Summary) add(o Summary) {
	s.Chunks += o.Chunks
	s.Written += o.Written
	s.Partial += o.Partial
	s.AlreadyComplete += o.AlreadyComplete
	s.NotAcquired += o.NotAcquired
	s.NoData += o.NoData
	s.Failed += o.Failed
	s.Bars += o.Bars
	s.Archived += o.Archived
}

func (s *Summary) record(res store.EnsureResult) {
	s.Chunks++
	s.Bars += res.Bars
	switch res.Status {
	case store.StatusWritten:
		s.Written++
	case store.StatusWrittenPartial:
		s.Partial++
	case store.StatusAlreadyComplete:
		s.AlreadyComplete++
	case store.StatusNotAcquired:
		s.NotAcquired++
	case store.StatusNoData:
		s.NoData++
	}
}

// Downloader executa os jobs com um pool de workers.
type Downloader struct {
	cfg       config.DownloaderConfig
	store     *store.Store
	fetcher   store.BarFetcher
	jobs      []Job
	archiver  Uploader
	jobLogDir string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configura um Downloader.
type Option func(*Downloader)

// WithArchiver envia cada chunk gravado como complete para u.
func WithArchiver(u Uploader) Option { return func(d *Downloader) { d.archiver = u } }

// WithJobLogDir grava um log por execução de job em dir.
func WithJobLogDir(dir string) Option { return func(d *Downloader) { d.jobLogDir = dir } }

// WithClock substitui o relógio (testes).
func WithClock(now func() time.Time) Option { return func(d *Downloader) { d.now = now } }

// New cria o Downloader. fetcher é envolvido pelo rate limiter de cfg.
func New(cfg config.DownloaderConfig, st *store.Store, fetcher store.BarFetcher, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	d := &Downloader{
		cfg:     cfg,
		store:   st,
		fetcher: NewThrottledFetcher(fetcher, cfg.RateLimit, cfg.Burst),
		jobs:    JobsFromConfig(cfg.Jobs),
		logger:  logger.With("component", "downloader"),
		metrics: m,
		now:     time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Jobs retorna os jobs configurados.
func (d *Downloader) Jobs() []Job { return d.jobs }

// RunOnce executa todos os jobs sequencialmente. Retorna erro se algum chunk falhou
// após esgotar as tentativas ou se ctx foi cancelado.
func (d *Downloader) RunOnce(ctx context.Context) (Summary, error) {
	runID := d.now().UTC().Format("20060102T150405Z")
	start := time.Now()
	var total Summary

	for _, job := range d.jobs {
		sum, err := d.RunJob(ctx, job, runID)
		total.add(sum)
		if err != nil && ctx.Err() != nil {
			return total, err
		}
	}

	d.logger.Info("download run finished",
		"run_id", runID,
		"jobs", len(d.jobs),
		"chunks", total.Chunks,
		"written", total.Written,
		"partial", total.Partial,
		"already_complete", total.AlreadyComplete,
		"not_acquired", total.NotAcquired,
		"no_data", total.NoData,
		"failed", total.Failed,
		"archived", total.Archived,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	if total.Failed > 0 {
		return total, fmt.Errorf("%d of %d chunks failed", total.Failed, total.Chunks)
	}
	return total, nil
}

// RunJob garante os chunks de um job. Os ranges são distribuídos entre cfg.Workers goroutines.
func (d *Downloader) RunJob(ctx context.Context, job Job, runID string) (Summary, error) {
	jl, err := logging.OpenJobLog(d.logger, d.jobLogDir, job.Name, runID)
	if err != nil {
		d.logger.Warn("job log unavailable, using global logger", "job", job.Name, "error", err)
		jl, _ = logging.OpenJobLog(d.logger, "", job.Name, runID)
	}
	failed := true
	defer func() {
		if err := jl.Finish(failed); err != nil {
			d.logger.Warn("closing job log failed", "job", job.Name, "path", jl.Path, "error", err)
		}
	}()
	logger := jl.Logger

	to := job.To
	if now := d.now(); to.IsZero() || to.After(now) {
		to = now
	}
	var ranges []candle.ChunkRange
	err = d.store.Provider().Calculator().Walk(job.Ref, job.From, to, func(r candle.ChunkRange, _ bool) error {
		ranges = append(ranges, r)
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("job %s: %w", job.Name, err)
	}
	logger.Info("job started", "series", job.Ref.String(), "chunks", len(ranges), "log_file", jl.Path)

	var (
		mu  sync.Mutex
		sum Summary
		wg  sync.WaitGroup
	)
	tasks := make(chan candle.ChunkRange)
	workers := min(d.cfg.Workers, len(ranges))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range tasks {
				one := d.process(ctx, r, logger)
				mu.Lock()
				sum.add(one)
				mu.Unlock()
			}
		}()
	}

feed:
	for _, r := range ranges {
		select {
		case tasks <- r:
		case <-ctx.Done():
			break feed
		}
	}
	close(tasks)
	wg.Wait()

	logger.Info("job finished",
		"chunks", sum.Chunks,
		"written", sum.Written,
		"partial", sum.Partial,
		"failed", sum.Failed,
	)
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	if sum.Failed > 0 {
		return sum, fmt.Errorf("job %s: %d chunks failed", job.Name, sum.Failed)
	}
	failed = false
	return sum, nil
}

// process garante um chunk e encaminha ao archive quando virou complete.
func (d *Downloader) process(ctx context.Context, r candle.ChunkRange, logger *slog.Logger) Summary {
	var sum Summary
	res, err := d.ensureWithRetry(ctx, r, logger)
	if err != nil {
		sum.Chunks++
		sum.Failed++
		d.metrics.ObserveDownload("failed")
		logger.Error("chunk failed", "chunk", r.String(), "error", err)
		return sum
	}
	sum.record(res)
	d.metrics.ObserveDownload(res.Status.String())
	logger.Debug("chunk ensured", "chunk", r.String(), "status", res.Status.String(), "bars", res.Bars)

	if res.Status == store.StatusWritten && d.archiver != nil {
		if _, err := d.archiver.Upload(ctx, res.Path); err != nil {
			logger.Warn("chunk archive failed", "path", res.Path, "error", err)
		} else {
			sum.Archived++
		}
	}
	return sum
}

func (d *Downloader) ensureWithRetry(ctx context.Context, r candle.ChunkRange, logger *slog.Logger) (store.EnsureResult, error) {
	var lastErr error
	retry := d.cfg.Retry

	for attempt := 0; attempt < retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt, retry.InitialDelay, retry.MaxDelay)
			logger.Info("retrying chunk",
				"chunk", r.String(),
				"attempt", attempt+1,
				"delay", delay,
			)

			select {
			case <-ctx.Done():
				return store.EnsureResult{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		res, err := d.store.Ensure(ctx, r.SymbolRef, r.Start, d.fetcher, store.EnsureOptions{})
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if isPermanent(err) {
			return res, err
		}

		lastErr = err
		logger.Warn("chunk attempt failed",
			"chunk", r.String(),
			"attempt", attempt+1,
			"error", err,
		)
	}

	return store.EnsureResult{}, fmt.Errorf("all %d attempts failed, last error: %w", retry.MaxAttempts, lastErr)
}

// isPermanent indica erros que não mudam com nova tentativa. Barras fora do
// range ou fora de ordem vêm da fonte e se repetem a cada fetch.
func isPermanent(err error) bool {
	return errors.Is(err, store.ErrLowDiskSpace) ||
		errors.Is(err, codec.ErrUnsupported) ||
		errors.Is(err, codec.ErrBarOutOfRange) ||
		errors.Is(err, codec.ErrBarsOutOfOrder) ||
		errors.Is(err, candle.ErrInvalidRange)
}

// calculateBackoff calcula o delay com exponential backoff capped.
func calculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	delay := time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

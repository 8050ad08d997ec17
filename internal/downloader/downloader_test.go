// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-candles/internal/candle"
	"github.com/nishisan-dev/n-candles/internal/chunkfile"
	"github.com/nishisan-dev/n-candles/internal/codec"
	"github.com/nishisan-dev/n-candles/internal/config"
	"github.com/nishisan-dev/n-candles/internal/layout"
	"github.com/nishisan-dev/n-candles/internal/lock"
	"github.com/nishisan-dev/n-candles/internal/store"
)

var btcH1 = candle.SymbolRef{Exchange: "BINANCE", Area: candle.AreaFutures, Symbol: "BTCUSDT", TimeFrame: candle.H1}

var jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calc, err := candle.NewRangeCalculator(candle.RangePolicy{Tiers: []candle.Tier{{Span: candle.SpanDay}}})
	if err != nil {
		t.Fatal(err)
	}
	provider, err := chunkfile.NewProvider(chunkfile.ProviderConfig{BaseDir: t.TempDir()}, calc, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	locker := lock.NewLocker(lock.Options{
		MaxAge:       time.Minute,
		PollInterval: 10 * time.Millisecond,
		Timeout:      5 * time.Second,
	}, logger)
	return store.New(store.Config{}, provider, locker, logger, nil)
}

// scriptedFetcher devolve o range inteiro; failures[start] falhas antes de responder.
type scriptedFetcher struct {
	mu       sync.Mutex
	now      time.Time
	failures map[int64]int
	always   error
	calls    int
}

func (f *scriptedFetcher) FetchBars(ctx context.Context, r candle.ChunkRange) ([]candle.Bar, bool, error) {
	f.mu.Lock()
	f.calls++
	if f.always != nil {
		f.mu.Unlock()
		return nil, false, f.always
	}
	if f.failures[r.Start.Unix()] > 0 {
		f.failures[r.Start.Unix()]--
		f.mu.Unlock()
		return nil, false, errors.New("upstream timeout")
	}
	f.mu.Unlock()

	end := r.End
	if end.After(f.now) {
		end = f.now.Truncate(r.TimeFrame.Duration())
	}
	var bars []candle.Bar
	for ts := r.Start; ts.Before(end); ts = ts.Add(r.TimeFrame.Duration()) {
		bars = append(bars, candle.Bar{OpenTime: ts, CloseTime: candle.DefaultCloseTime(ts, r.TimeFrame), Close: 1})
	}
	return bars, !r.End.After(f.now), nil
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeUploader struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (u *fakeUploader) Upload(_ context.Context, path string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	u.paths = append(u.paths, path)
	return filepath.Base(path), nil
}

func testConfig(jobs ...config.JobConfig) config.DownloaderConfig {
	return config.DownloaderConfig{
		Workers: 3,
		Retry: config.RetryInfo{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
		},
		Jobs: jobs,
	}
}

func btcJob(from, to time.Time) config.JobConfig {
	return config.JobConfig{Ref: btcH1, FromTime: from, ToTime: to}
}

func TestRunOnceWritesAndRetries(t *testing.T) {
	st := newTestStore(t)
	now := jan1.AddDate(0, 0, 10)
	fetcher := &scriptedFetcher{now: now, failures: map[int64]int{jan1.AddDate(0, 0, 1).Unix(): 1}}
	up := &fakeUploader{}
	d := New(testConfig(btcJob(jan1, jan1.AddDate(0, 0, 3))), st, fetcher, nil, nil,
		WithArchiver(up), WithClock(func() time.Time { return now }))

	sum, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Chunks != 3 || sum.Written != 3 || sum.Failed != 0 || sum.Bars != 72 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if got := fetcher.Calls(); got != 4 {
		t.Errorf("expected 4 fetches (one retry), got %d", got)
	}
	if sum.Archived != 3 || len(up.paths) != 3 {
		t.Errorf("expected 3 archived chunks, got %d (%v)", sum.Archived, up.paths)
	}
	for _, p := range up.paths {
		if kind, _ := layout.Classify(p); kind != layout.KindComplete {
			t.Errorf("archived a non-complete path %s", p)
		}
	}

	// Segunda execução encontra tudo complete e não busca nada.
	sum, err = d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if sum.AlreadyComplete != 3 || sum.Written != 0 {
		t.Fatalf("unexpected second summary: %+v", sum)
	}
	if got := fetcher.Calls(); got != 4 {
		t.Errorf("complete chunks must not be fetched again, calls = %d", got)
	}
}

func TestRunOnceOpenEndedJobWritesPartial(t *testing.T) {
	st := newTestStore(t)
	now := jan1.Add(36 * time.Hour)
	fetcher := &scriptedFetcher{now: now}
	d := New(testConfig(btcJob(jan1, time.Time{})), st, fetcher, nil, nil,
		WithClock(func() time.Time { return now }))

	sum, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Written != 1 || sum.Partial != 1 || sum.Chunks != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.Bars != 24+12 {
		t.Errorf("expected 36 bars, got %d", sum.Bars)
	}

	// O dia corrente continua partial e é regravado na execução seguinte.
	sum, err = d.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.AlreadyComplete != 1 || sum.Partial != 1 {
		t.Fatalf("unexpected second summary: %+v", sum)
	}
}

func TestRunOnceReportsFailures(t *testing.T) {
	st := newTestStore(t)
	now := jan1.AddDate(0, 0, 10)
	fetcher := &scriptedFetcher{now: now, always: errors.New("connection refused")}
	cfg := testConfig(btcJob(jan1, jan1.AddDate(0, 0, 2)))
	cfg.Retry.MaxAttempts = 2
	d := New(cfg, st, fetcher, nil, nil, WithClock(func() time.Time { return now }))

	sum, err := d.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error when chunks fail")
	}
	if sum.Failed != 2 || sum.Chunks != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if got := fetcher.Calls(); got != 4 {
		t.Errorf("expected 2 attempts per chunk, got %d calls", got)
	}
}

func TestRunOnceCanceled(t *testing.T) {
	st := newTestStore(t)
	now := jan1.AddDate(0, 0, 10)
	d := New(testConfig(btcJob(jan1, jan1.AddDate(0, 0, 5))), st, &scriptedFetcher{now: now}, nil, nil,
		WithClock(func() time.Time { return now }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunJobKeepsLogOnFailure(t *testing.T) {
	st := newTestStore(t)
	logDir := t.TempDir()
	now := jan1.AddDate(0, 0, 10)
	ok := &scriptedFetcher{now: now}
	job := Job{Name: JobName(btcH1), Ref: btcH1, From: jan1, To: jan1.AddDate(0, 0, 1)}

	d := New(testConfig(), st, ok, nil, nil, WithJobLogDir(logDir), WithClock(func() time.Time { return now }))
	if _, err := d.RunJob(context.Background(), job, "run-ok"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(logDir, job.Name, "run-ok.log")); !os.IsNotExist(err) {
		t.Error("successful run should remove its job log")
	}

	job.From, job.To = jan1.AddDate(0, 0, 1), jan1.AddDate(0, 0, 2)
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	d = New(cfg, st, &scriptedFetcher{now: now, always: errors.New("boom")}, nil, nil,
		WithJobLogDir(logDir), WithClock(func() time.Time { return now }))
	if _, err := d.RunJob(context.Background(), job, "run-bad"); err == nil {
		t.Fatal("expected job error")
	}
	if _, err := os.Stat(filepath.Join(logDir, job.Name, "run-bad.log")); err != nil {
		t.Errorf("failed run should keep its job log: %v", err)
	}
}

func TestJobsFromConfig(t *testing.T) {
	jobs := JobsFromConfig([]config.JobConfig{btcJob(jan1, time.Time{})})
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Name != "binance_futures_btcusdt_h1" {
		t.Errorf("unexpected job name %q", jobs[0].Name)
	}
	if !jobs[0].From.Equal(jan1) || !jobs[0].To.IsZero() {
		t.Errorf("unexpected bounds: %+v", jobs[0])
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt, time.Second, 30*time.Second); got != tt.want {
			t.Errorf("attempt %d: got %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"low disk", store.ErrLowDiskSpace, true},
		{"unsupported", &codec.UnsupportedError{Field: "DataType", Value: "kline.v9"}, true},
		{"bar out of range", fmt.Errorf("writing chunk: %w", codec.ErrBarOutOfRange), true},
		{"bars out of order", fmt.Errorf("writing chunk: %w", codec.ErrBarsOutOfOrder), true},
		{"invalid range", candle.ErrInvalidRange, true},
		{"timeout", errors.New("timeout"), false},
	}
	for _, tt := range tests {
		if got := isPermanent(tt.err); got != tt.want {
			t.Errorf("%s: isPermanent = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// shiftedFetcher devolve uma barra que abre no fim do range pedido.
type shiftedFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *shiftedFetcher) FetchBars(_ context.Context, r candle.ChunkRange) ([]candle.Bar, bool, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return []candle.Bar{{OpenTime: r.End, CloseTime: candle.DefaultCloseTime(r.End, r.TimeFrame), Close: 1}}, true, nil
}

func TestRunOnceDoesNotRetryBadBars(t *testing.T) {
	st := newTestStore(t)
	now := jan1.AddDate(0, 0, 10)
	fetcher := &shiftedFetcher{}
	d := New(testConfig(btcJob(jan1, jan1.AddDate(0, 0, 1))), st, fetcher, nil, nil,
		WithClock(func() time.Time { return now }))

	sum, err := d.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error for bars outside the chunk")
	}
	if sum.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if fetcher.calls != 1 {
		t.Errorf("out-of-range bars must not be retried, got %d fetches", fetcher.calls)
	}
}

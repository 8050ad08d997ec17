// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nishisan-dev/n-candles/internal/metrics"
)

// StorageStats é a última amostra do StorageMonitor.
type StorageStats struct {
	FreeBytes     uint64
	UsedPercent   float64
	MemoryPercent float64
	LoadAverage   float64
	SampledAt     time.Time
}

// StorageMonitor amostra periodicamente o disco do BaseDir e a carga do host.
type StorageMonitor struct {
	dir      string
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	close    chan struct{}
	wg       sync.WaitGroup
	stats    StorageStats
	mu       sync.RWMutex
}

// NewStorageMonitor cria o monitor para dir. interval <= 0 usa 15s.
func NewStorageMonitor(dir string, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *StorageMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageMonitor{
		dir:      dir,
		interval: interval,
		logger:   logger.With("component", "storage_monitor"),
		metrics:  m,
		close:    make(chan struct{}),
	}
}

// Start inicia a coleta periódica.
func (sm *StorageMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop para o monitor.
func (sm *StorageMonitor) Stop() {
	close(sm.close)
	sm.wg.Wait()
}

// Stats retorna a última amostra.
func (sm *StorageMonitor) Stats() StorageStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

func (sm *StorageMonitor) run() {
	defer sm.wg.Done()
	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	sm.collect(context.Background())

	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect(context.Background())
		}
	}
}

func (sm *StorageMonitor) collect(ctx context.Context) {
	stats := StorageStats{SampledAt: time.Now()}

	if d, err := disk.UsageWithContext(ctx, sm.dir); err == nil {
		stats.FreeBytes = d.Free
		stats.UsedPercent = d.UsedPercent
	} else {
		sm.logger.Debug("failed to collect disk stats", "path", sm.dir, "error", err)
	}

	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	if l, err := load.AvgWithContext(ctx); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
	sm.metrics.ObserveStorage(stats.FreeBytes, stats.UsedPercent, stats.MemoryPercent, stats.LoadAverage)
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package metrics concentra os coletores Prometheus do store de candles.
// Todos os métodos aceitam receiver nil (métricas desabilitadas).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ncandles"

// Metrics agrupa os coletores. Registrados no registry recebido em New, nunca no global.
type Metrics struct {
	LockAttempts   *prometheus.CounterVec
	StaleReclaims  prometheus.Counter
	ChunkFinishes  *prometheus.CounterVec
	BarsWritten    prometheus.Counter
	DecodeFailures *prometheus.CounterVec
	Downloads      *prometheus.CounterVec
	Archived       prometheus.Counter

	StorageFreeBytes   prometheus.Gauge
	StorageUsedPercent prometheus.Gauge
	HostMemoryPercent  prometheus.Gauge
	HostLoad1          prometheus.Gauge
}

// New cria e registra os coletores em reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LockAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Chunk lock acquisitions by outcome.",
		}, []string{"result"}), // result: acquired, already_complete, held_by_other, canceled
		StaleReclaims: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "stale_reclaims_total",
			Help:      "Stale lock files removed by a new acquirer or sweeper.",
		}),
		ChunkFinishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunk",
			Name:      "finishes_total",
			Help:      "Chunk files finished by final state.",
		}, []string{"state"}), // state: complete, partial, discarded
		BarsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunk",
			Name:      "bars_written_total",
			Help:      "Bars persisted into chunk files.",
		}),
		DecodeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "codec",
			Name:      "decode_failures_total",
			Help:      "Chunk decode failures by reason.",
		}, []string{"reason"}),
		Downloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloader",
			Name:      "chunks_total",
			Help:      "Chunks processed by the downloader by status.",
		}, []string{"status"}),
		Archived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "uploads_total",
			Help:      "Complete chunks uploaded to object storage.",
		}),
		StorageFreeBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "free_bytes",
			Help:      "Free bytes on the filesystem holding the chunk base directory.",
		}),
		StorageUsedPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "used_percent",
			Help:      "Used percentage of the filesystem holding the chunk base directory.",
		}),
		HostMemoryPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "memory_used_percent",
			Help:      "Host virtual memory usage.",
		}),
		HostLoad1: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "load1",
			Help:      "Host 1-minute load average.",
		}),
	}
}

func (m *Metrics) ObserveLock(result string) {
	if m == nil {
		return
	}
	m.LockAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) IncStaleReclaim() {
	if m == nil {
		return
	}
	m.StaleReclaims.Inc()
}

func (m *Metrics) ObserveFinish(state string, bars int) {
	if m == nil {
		return
	}
	m.ChunkFinishes.WithLabelValues(state).Inc()
	if bars > 0 {
		m.BarsWritten.Add(float64(bars))
	}
}

func (m *Metrics) IncDecodeFailure(reason string) {
	if m == nil {
		return
	}
	m.DecodeFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveDownload(status string) {
	if m == nil {
		return
	}
	m.Downloads.WithLabelValues(status).Inc()
}

func (m *Metrics) IncArchived() {
	if m == nil {
		return
	}
	m.Archived.Inc()
}

// ObserveStorage registra a última amostra de disco e host.
func (m *Metrics) ObserveStorage(freeBytes uint64, usedPercent, memPercent, load1 float64) {
	if m == nil {
		return
	}
	m.StorageFreeBytes.Set(float64(freeBytes))
	m.StorageUsedPercent.Set(usedPercent)
	m.HostMemoryPercent.Set(memPercent)
	m.HostLoad1.Set(load1)
}

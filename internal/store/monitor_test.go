// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nishisan-dev/n-candles/internal/metrics"
)

func TestStorageMonitor_Collect(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	sm := NewStorageMonitor(t.TempDir(), time.Hour, nil, m)

	sm.collect(context.Background())
	st := sm.Stats()
	if st.SampledAt.IsZero() {
		t.Fatal("expected a sample timestamp")
	}
	if st.FreeBytes == 0 {
		t.Error("expected free bytes for a temp dir")
	}
}

func TestStorageMonitor_StartStop(t *testing.T) {
	sm := NewStorageMonitor(t.TempDir(), 10*time.Millisecond, nil, nil)
	sm.Start()
	time.Sleep(30 * time.Millisecond)
	sm.Stop()
	if sm.Stats().SampledAt.IsZero() {
		t.Error("monitor should collect once on start")
	}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nishisan-dev/n-candles/internal/candle"
	"github.com/nishisan-dev/n-candles/internal/chunkfile"
	"github.com/nishisan-dev/n-candles/internal/lock"
	"github.com/nishisan-dev/n-candles/internal/metrics"
	"github.com/nishisan-dev/n-candles/internal/store"
)

type fakeInspector struct {
	status store.ChunkStatus
	err    error
	gotRef candle.SymbolRef
	gotTS  time.Time
}

func (f *fakeInspector) Inspect(_ context.Context, ref candle.SymbolRef, ts time.Time) (store.ChunkStatus, error) {
	f.gotRef, f.gotTS = ref, ts
	return f.status, f.err
}

func doGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	router := NewRouter(&fakeInspector{}, nil, NewACL(parseCIDRs(t, "127.0.0.1/32"), nil), nil)
	rec := doGet(t, router, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "ok" || body["version"] == "" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.IncStaleReclaim()

	router := NewRouter(&fakeInspector{}, reg, nil, nil)
	rec := doGet(t, router, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ncandles_lock_stale_reclaims_total 1") {
		t.Errorf("metrics output missing stale reclaim counter:\n%s", rec.Body.String())
	}

	if rec := doGet(t, NewRouter(&fakeInspector{}, nil, nil, nil), "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("metrics should be disabled without a gatherer, got %d", rec.Code)
	}
}

func TestChunkEndpoint(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	ref := candle.SymbolRef{Exchange: "BINANCE", Area: candle.AreaSpot, Symbol: "ETHUSDT", TimeFrame: candle.H1}
	r, err := candle.NewChunkRange(ref, start, start.AddDate(0, 1, 0))
	if err != nil {
		t.Fatal(err)
	}
	rec := &lock.Record{ProcessID: 4242, MachineName: "worker-1", AcquiredUTC: start}

	tests := []struct {
		name   string
		status store.ChunkStatus
		state  string
	}{
		{"complete", store.ChunkStatus{Complete: true, Partial: true}, "complete"},
		{"working", store.ChunkStatus{Working: true, Partial: true, Locked: true, Lock: rec}, "working"},
		{"partial", store.ChunkStatus{Partial: true}, "partial"},
		{"absent", store.ChunkStatus{}, "absent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.status.Location = chunkfile.Location{Range: r, BasePath: "/data/x.kline", LockPath: "/data/x.kline.downloading.lock"}
			fake := &fakeInspector{status: tt.status}
			res := doGet(t, NewRouter(fake, nil, nil, nil), "/v1/chunks/BINANCE/spot/ETHUSDT/h1?at=2024-03-15T10:00:00Z")
			if res.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
			}
			if fake.gotRef != ref || !fake.gotTS.Equal(start.Add(14*24*time.Hour+10*time.Hour)) {
				t.Errorf("unexpected lookup %+v at %s", fake.gotRef, fake.gotTS)
			}
			var dto ChunkDTO
			if err := json.Unmarshal(res.Body.Bytes(), &dto); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if dto.State != tt.state {
				t.Errorf("state = %q, want %q", dto.State, tt.state)
			}
			if dto.Series != "BINANCE/spot/ETHUSDT/h1" || !dto.End.Equal(start.AddDate(0, 1, 0)) {
				t.Errorf("unexpected dto: %+v", dto)
			}
			if (dto.Lock != nil) != tt.status.Locked || (dto.Lock != nil && dto.Lock.MachineName != "worker-1") {
				t.Errorf("unexpected lock: %+v", dto.Lock)
			}
		})
	}
}

func TestChunkEndpoint_BadRequests(t *testing.T) {
	router := NewRouter(&fakeInspector{err: errors.New("invalid symbol")}, nil, nil, nil)
	for _, path := range []string{
		"/v1/chunks/BINANCE/spot/ETHUSDT/h7",
		"/v1/chunks/BINANCE/spot/ETHUSDT/h1?at=yesterday",
		"/v1/chunks/BINANCE/spot/ETH..USDT/h1",
	} {
		if rec := doGet(t, router, path); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, rec.Code)
		}
	}
}

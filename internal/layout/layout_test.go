// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package layout

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nishisan-dev/n-candles/internal/candle"
)

func testRange(t *testing.T) candle.ChunkRange {
	t.Helper()
	ref := candle.SymbolRef{Exchange: "BINANCE", Area: candle.AreaFutures, Symbol: "BTCUSDT", TimeFrame: candle.H1}
	r, err := candle.NewChunkRange(ref,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestBasePath_DirectoryLayout(t *testing.T) {
	base := t.TempDir()
	got, err := BasePath(base, testRange(t))
	if err != nil {
		t.Fatalf("BasePath: %v", err)
	}
	want := filepath.Join(base, "BINANCE", "futures", "BTCUSDT", "h1", "20240101-20240102.kline")
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestSuffixSubstitution(t *testing.T) {
	base := "/data/BINANCE/spot/ETHUSDT/m1/20240101-20240201.kline"
	working := WorkingPath(base)
	if working != base+".downloading" {
		t.Errorf("unexpected working path %s", working)
	}
	if PartialPath(base) != base+".partial" {
		t.Errorf("unexpected partial path %s", PartialPath(base))
	}
	if LockPath(working) != base+".downloading.lock" {
		t.Errorf("unexpected lock path %s", LockPath(working))
	}
	back, ok := BaseFromWorking(working)
	if !ok || back != base {
		t.Errorf("BaseFromWorking(%s) = %s, %v", working, back, ok)
	}
	if _, ok := BaseFromWorking(base); ok {
		t.Error("complete path must not be recognized as working")
	}
}

func TestClassify(t *testing.T) {
	base := "/d/X/spot/A/h1/20240101-20240201.kline"
	tests := []struct {
		path string
		kind Kind
	}{
		{base, KindComplete},
		{base + ".downloading", KindWorking},
		{base + ".partial", KindPartial},
		{base + ".downloading.lock", KindLock},
		{"/d/readme.txt", KindUnknown},
	}
	for _, tt := range tests {
		kind, gotBase := Classify(tt.path)
		if kind != tt.kind {
			t.Errorf("Classify(%s) kind = %v, want %v", tt.path, kind, tt.kind)
		}
		if kind != KindUnknown && gotBase != base {
			t.Errorf("Classify(%s) base = %s, want %s", tt.path, gotBase, base)
		}
	}
}

func TestRangeName_RoundTrip(t *testing.T) {
	tests := []struct {
		start, end time.Time
		name       string
	}{
		{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), "20240101-20250101.kline"},
		{time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), "20240101T060000-20240101T120000.kline"},
	}
	for _, tt := range tests {
		name := RangeName(tt.start, tt.end)
		if name != tt.name {
			t.Errorf("RangeName = %s, want %s", name, tt.name)
		}
		start, end, err := ParseRangeName(name)
		if err != nil {
			t.Fatalf("ParseRangeName(%s): %v", name, err)
		}
		if !start.Equal(tt.start) || !end.Equal(tt.end) {
			t.Errorf("ParseRangeName(%s) = %s,%s", name, start, end)
		}
	}
	if _, _, err := ParseRangeName("garbage.kline"); err == nil {
		t.Error("expected error for malformed name")
	}
}

func TestDir_RejectsBadSegments(t *testing.T) {
	base := t.TempDir()
	bad := []candle.SymbolRef{
		{Exchange: "..", Area: "spot", Symbol: "A", TimeFrame: candle.H1},
		{Exchange: "X", Area: "spot/../..", Symbol: "A", TimeFrame: candle.H1},
		{Exchange: "X", Area: "spot", Symbol: ".hidden", TimeFrame: candle.H1},
		{Exchange: "X", Area: "spot", Symbol: "", TimeFrame: candle.H1},
		{Exchange: "X", Area: "spot", Symbol: "BTC USDT", TimeFrame: candle.H1},
		{Exchange: "X", Area: "spot", Symbol: `BTC\USDT`, TimeFrame: candle.H1},
		{Exchange: "X", Area: "spot", Symbol: strings.Repeat("A", 65), TimeFrame: candle.H1},
	}
	for _, ref := range bad {
		if _, err := Dir(base, ref); !errors.Is(err, ErrInvalidSegment) {
			t.Errorf("expected %+v to be rejected with ErrInvalidSegment, got %v", ref, err)
		}
	}
}

func TestValidateSegment_SymbolsInUse(t *testing.T) {
	for _, name := range []string{"BINANCE", "futures", "BTCUSDT", "1000PEPEUSDT", "BTCUSD_PERP", "BTC-250627", "h1", "d3", "w1"} {
		if err := validateSegment(name, "symbol"); err != nil {
			t.Errorf("expected %q to be valid, got error: %v", name, err)
		}
	}
}

func TestWithin(t *testing.T) {
	base := t.TempDir()
	if err := within(base, filepath.Join(base, "BINANCE", "spot")); err != nil {
		t.Errorf("series dir under base rejected: %v", err)
	}
	if err := within(base, filepath.Dir(base)); !errors.Is(err, ErrInvalidSegment) {
		t.Errorf("parent of base accepted: %v", err)
	}
	// Nome que só começa com ".." continua dentro da base.
	if err := within(base, filepath.Join(base, "..foo")); err != nil {
		t.Errorf("dir named ..foo under base rejected: %v", err)
	}
}

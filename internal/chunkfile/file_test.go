// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package chunkfile

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-candles/internal/candle"
	"github.com/nishisan-dev/n-candles/internal/codec"
	"github.com/nishisan-dev/n-candles/internal/layout"
)

var btcH1 = candle.SymbolRef{Exchange: "BINANCE", Area: candle.AreaFutures, Symbol: "BTCUSDT", TimeFrame: candle.H1}

func dayRange(t *testing.T) candle.ChunkRange {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r, err := candle.NewChunkRange(btcH1, start, start.AddDate(0, 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func hourlyBars(r candle.ChunkRange, n int) []candle.Bar {
	bars := make([]candle.Bar, n)
	for i := range bars {
		open := r.Start.Add(time.Duration(i) * time.Hour)
		bars[i] = candle.Bar{
			OpenTime:  open,
			CloseTime: candle.DefaultCloseTime(open, r.TimeFrame),
			Open:      100, High: 110, Low: 90, Close: 105,
			Volume: float64(i + 1),
			Trades: int64(i),
		}
	}
	return bars
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestLifecycleTransitions(t *testing.T) {
	tests := []struct {
		name     string
		complete bool
		persist  bool
		want     State
	}{
		{"complete", true, true, StateComplete},
		{"partial", false, true, StatePartial},
		{"discard complete", true, false, StateDiscarded},
		{"discard incomplete", false, false, StateDiscarded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := dayRange(t)
			base := filepath.Join(t.TempDir(), layout.RangeName(r.Start, r.End))
			meta := candle.NewChunkMetadata(r, candle.CompressionNone, candle.DataTypeKlineV2)

			f, status, err := Create(base, meta, CreateOptions{})
			if err != nil || status != Created {
				t.Fatalf("Create: status=%s err=%v", status, err)
			}
			if !exists(layout.WorkingPath(base)) {
				t.Fatal("working file should exist while writing")
			}
			if err := f.Append(hourlyBars(r, 24)...); err != nil {
				t.Fatalf("Append: %v", err)
			}

			state, err := f.Finish(tt.complete, tt.persist)
			if err != nil {
				t.Fatalf("Finish: %v", err)
			}
			if state != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, state)
			}

			gotComplete := exists(base)
			gotPartial := exists(layout.PartialPath(base))
			gotWorking := exists(layout.WorkingPath(base))
			if gotWorking {
				t.Error("working file must not survive Finish")
			}
			if gotComplete != (tt.want == StateComplete) {
				t.Errorf("complete exists = %v", gotComplete)
			}
			if gotPartial != (tt.want == StatePartial) {
				t.Errorf("partial exists = %v", gotPartial)
			}

			if tt.want != StateDiscarded {
				path := base
				if tt.want == StatePartial {
					path = layout.PartialPath(base)
				}
				_, bars, ok, err := codec.DecodeFile(path, codec.DecodeOptions{})
				if err != nil || !ok {
					t.Fatalf("DecodeFile: ok=%v err=%v", ok, err)
				}
				if len(bars) != 24 {
					t.Fatalf("expected 24 bars, got %d", len(bars))
				}
			}
		})
	}
}

func TestCloseWithoutDecisionDiscards(t *testing.T) {
	r := dayRange(t)
	base := filepath.Join(t.TempDir(), "chunk.kline")
	f, _, err := Create(base, candle.NewChunkMetadata(r, "", ""), CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	func() {
		defer f.Close()
		_ = f.Append(hourlyBars(r, 3)...)
	}()

	if f.State() != StateDiscarded {
		t.Fatalf("expected discarded, got %s", f.State())
	}
	if exists(base) || exists(layout.WorkingPath(base)) || exists(layout.PartialPath(base)) {
		t.Fatal("no file should remain after an undecided close")
	}
}

func TestFinishRunsOnce(t *testing.T) {
	r := dayRange(t)
	base := filepath.Join(t.TempDir(), "chunk.kline")
	f, _, err := Create(base, candle.NewChunkMetadata(r, "", ""), CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	f.SetPersist(true)
	f.SetComplete(true)
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Uma segunda decisão não pode desfazer a primeira.
	state, err := f.Finish(false, false)
	if err != nil || state != StateComplete {
		t.Fatalf("second Finish: state=%s err=%v", state, err)
	}
	if !exists(base) {
		t.Fatal("complete file removed by second finish")
	}
	if err := f.Append(hourlyBars(r, 1)...); !errors.Is(err, ErrFinished) {
		t.Fatalf("expected ErrFinished, got %v", err)
	}
}

func TestFinishReplacesPreviousVersions(t *testing.T) {
	r := dayRange(t)
	base := filepath.Join(t.TempDir(), "chunk.kline")
	if err := os.WriteFile(layout.PartialPath(base), []byte("old partial"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(base, []byte("old complete"), 0644); err != nil {
		t.Fatal(err)
	}

	f, status, err := Create(base, candle.NewChunkMetadata(r, candle.CompressionGzip, candle.DataTypeKlineV1), CreateOptions{Truncate: true})
	if err != nil || status != Created {
		t.Fatalf("Create with truncate: status=%s err=%v", status, err)
	}
	if err := f.Append(hourlyBars(r, 24)...); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Finish(true, true); err != nil {
		t.Fatal(err)
	}
	if exists(layout.PartialPath(base)) {
		t.Fatal("stale partial must be removed when the chunk completes")
	}
	meta, bars, _, err := codec.DecodeFile(base, codec.DecodeOptions{})
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	if meta.Compression != candle.CompressionGzip || len(bars) != 24 {
		t.Fatalf("unexpected chunk: %s, %d bars", meta.Compression, len(bars))
	}
}

func TestCreateContention(t *testing.T) {
	r := dayRange(t)
	dir := t.TempDir()
	meta := candle.NewChunkMetadata(r, "", "")

	t.Run("complete exists", func(t *testing.T) {
		base := filepath.Join(dir, "done.kline")
		os.WriteFile(base, []byte("x"), 0644)
		f, status, err := Create(base, meta, CreateOptions{})
		if err != nil || f != nil || status != AlreadyComplete {
			t.Fatalf("expected AlreadyComplete, got f=%v status=%s err=%v", f, status, err)
		}
	})

	t.Run("working exists", func(t *testing.T) {
		base := filepath.Join(dir, "busy.kline")
		first, status, err := Create(base, meta, CreateOptions{})
		if err != nil || status != Created {
			t.Fatal(err)
		}
		defer first.Close()

		f, status, err := Create(base, meta, CreateOptions{})
		if err != nil || f != nil || status != Busy {
			t.Fatalf("expected Busy, got f=%v status=%s err=%v", f, status, err)
		}
	})

	t.Run("concurrent creators", func(t *testing.T) {
		base := filepath.Join(dir, "race.kline")
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created []*File
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f, status, err := Create(base, meta, CreateOptions{})
				if err != nil {
					t.Errorf("Create: %v", err)
					return
				}
				if status == Created {
					mu.Lock()
					created = append(created, f)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if len(created) != 1 {
			t.Fatalf("expected exactly one creator, got %d", len(created))
		}
		created[0].Close()
	})
}

func TestAppendErrorPreventsPersist(t *testing.T) {
	r := dayRange(t)
	base := filepath.Join(t.TempDir(), "chunk.kline")
	f, _, err := Create(base, candle.NewChunkMetadata(r, "", ""), CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	bad := candle.Bar{OpenTime: r.End.Add(time.Hour)}
	if err := f.Append(bad); !errors.Is(err, codec.ErrBarOutOfRange) {
		t.Fatalf("expected ErrBarOutOfRange, got %v", err)
	}
	state, err := f.Finish(true, true)
	if err != nil || state != StateDiscarded {
		t.Fatalf("expected discard after write error, got %s (%v)", state, err)
	}
	if exists(base) {
		t.Fatal("failed chunk must not be published")
	}
}

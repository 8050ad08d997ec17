// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nishisan-dev/n-candles/internal/candle"
)

var ethH1 = candle.SymbolRef{Exchange: "BINANCE", Area: candle.AreaSpot, Symbol: "ETHUSDT", TimeFrame: candle.H1}

var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func dayRange(t *testing.T) candle.ChunkRange {
	t.Helper()
	r, err := candle.NewChunkRange(ethH1, day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// klineRow formata uma linha horária no layout do dump da Binance.
func klineRow(open time.Time, micros bool) string {
	return klineRowStep(open, time.Hour, micros)
}

func klineRowStep(open time.Time, step time.Duration, micros bool) string {
	ot := open.UnixMilli()
	ct := open.Add(step).UnixMilli() - 1
	if micros {
		ot = open.UnixMicro()
		ct = open.Add(step).UnixMicro() - 1
	}
	return fmt.Sprintf("%d,2280.5,2290.1,2275.0,2285.3,1520.25,%d,3470000.5,8123,760.1,1735000.25,0", ot, ct)
}

func writeDump(t *testing.T, root, name string, rows []string, header bool) {
	t.Helper()
	writeDumpFor(t, root, candle.H1, name, rows, header)
}

func writeDumpFor(t *testing.T, root string, tf candle.TimeFrame, name string, rows []string, header bool) {
	t.Helper()
	dir := filepath.Join(root, "BINANCE", "spot", "ETHUSDT", tf.String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	var b strings.Builder
	if header {
		b.WriteString("open_time,open,high,low,close,volume,close_time,quote_volume,count,taker_buy_volume,taker_buy_quote_volume,ignore\n")
	}
	for _, r := range rows {
		b.WriteString(r + "\n")
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0644); err != nil {
		t.Fatal(err)
	}
}

func newSource(root string, now time.Time) *CSVSource {
	s := NewCSVSource(root, nil)
	s.now = func() time.Time { return now }
	return s
}

func TestFetchBarsCompleteDay(t *testing.T) {
	root := t.TempDir()
	var rows []string
	for h := 0; h < 24; h++ {
		if h == 7 {
			continue
		}
		rows = append(rows, klineRow(day.Add(time.Duration(h)*time.Hour), h >= 12))
	}
	// Metade do dia em um arquivo, metade em outro, com uma linha repetida.
	writeDump(t, root, "ETHUSDT-1h-2024-01-01a.csv", rows[:12], true)
	writeDump(t, root, "ETHUSDT-1h-2024-01-01b.csv", rows[11:], false)

	bars, complete, err := newSource(root, day.AddDate(0, 0, 5)).FetchBars(context.Background(), dayRange(t))
	if err != nil {
		t.Fatalf("FetchBars: %v", err)
	}
	if !complete {
		t.Fatal("expected complete day")
	}
	if len(bars) != 24 {
		t.Fatalf("expected 24 records, got %d", len(bars))
	}
	if !bars[7].IsMissing() {
		t.Errorf("expected slot 7 to be a gap, got %+v", bars[7])
	}
	b := bars[13]
	if b.IsMissing() || !b.OpenTime.Equal(day.Add(13*time.Hour)) {
		t.Fatalf("unexpected bar 13: %+v", b)
	}
	if b.Close != 2285.3 || b.Trades != 8123 || b.TakerBuyQuoteVolume != 1735000.25 {
		t.Errorf("unexpected values: %+v", b)
	}
	if want := day.Add(14*time.Hour - time.Millisecond); !b.CloseTime.Equal(want) {
		t.Errorf("close time from micros = %s, want %s", b.CloseTime, want)
	}
}

func TestFetchBarsPartial(t *testing.T) {
	root := t.TempDir()
	var rows []string
	for h := 0; h < 10; h++ {
		rows = append(rows, klineRow(day.Add(time.Duration(h)*time.Hour), false))
	}
	writeDump(t, root, "today.csv", rows, false)

	bars, complete, err := newSource(root, day.Add(10*time.Hour+5*time.Minute)).FetchBars(context.Background(), dayRange(t))
	if err != nil {
		t.Fatal(err)
	}
	if complete {
		t.Fatal("a day still in progress must not be complete")
	}
	if len(bars) != 10 {
		t.Fatalf("partial chunk should stop at the last known bar, got %d records", len(bars))
	}
}

func TestFetchBarsNoData(t *testing.T) {
	root := t.TempDir()
	bars, complete, err := newSource(root, time.Now()).FetchBars(context.Background(), dayRange(t))
	if err != nil || bars != nil || complete {
		t.Fatalf("expected no data, got %d bars complete=%v err=%v", len(bars), complete, err)
	}

	// Dump existe mas cobre outro dia.
	writeDump(t, root, "other.csv", []string{klineRow(day.AddDate(0, 0, 3), false)}, false)
	bars, _, err = newSource(root, time.Now()).FetchBars(context.Background(), dayRange(t))
	if err != nil || len(bars) != 0 {
		t.Fatalf("expected no bars in range, got %d (%v)", len(bars), err)
	}
}

func TestFetchBarsMalformed(t *testing.T) {
	tests := []struct {
		name string
		row  string
	}{
		{"short row", "1704067200000,1,2,3"},
		{"bad price", "1704067200000,abc,2,1,2,3,1704070799999,4,5,6,7,0"},
		{"bad count", "1704067200000,1,2,1,2,3,1704070799999,4,x,6,7,0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeDump(t, root, "bad.csv", []string{klineRow(day, false), tt.row}, false)
			if _, _, err := newSource(root, time.Now()).FetchBars(context.Background(), dayRange(t)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestFetchBarsCanceled(t *testing.T) {
	root := t.TempDir()
	writeDump(t, root, "a.csv", []string{klineRow(day, false)}, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := newSource(root, time.Now()).FetchBars(ctx, dayRange(t)); err == nil {
		t.Fatal("expected context error")
	}
}

func TestFetchBarsOffCalendarGrid(t *testing.T) {
	year := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		tf    candle.TimeFrame
		first time.Time
		slots int
	}{
		{candle.W1, time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), 52},
		{candle.D3, time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC), 121},
	}
	for _, tt := range tests {
		t.Run(tt.tf.String(), func(t *testing.T) {
			root := t.TempDir()
			ref := ethH1
			ref.TimeFrame = tt.tf
			r, err := candle.NewChunkRange(ref, year, year.AddDate(1, 0, 0))
			if err != nil {
				t.Fatal(err)
			}

			step := tt.tf.Duration()
			var rows []string
			// Última abertura do ano anterior cai fora do range.
			rows = append(rows, klineRowStep(tt.first.Add(-step), step, false))
			for i := 0; i < tt.slots; i++ {
				if i == 4 {
					continue
				}
				rows = append(rows, klineRowStep(tt.first.Add(time.Duration(i)*step), step, false))
			}
			// Linha fora do grid é descartada.
			rows = append(rows, klineRowStep(year.AddDate(0, 6, 0), step, false))
			writeDumpFor(t, root, tt.tf, "dump.csv", rows, true)

			bars, complete, err := newSource(root, year.AddDate(1, 0, 10)).FetchBars(context.Background(), r)
			if err != nil {
				t.Fatalf("FetchBars: %v", err)
			}
			if !complete {
				t.Fatal("expected complete chunk")
			}
			if len(bars) != tt.slots {
				t.Fatalf("expected %d records, got %d", tt.slots, len(bars))
			}
			if !bars[0].OpenTime.Equal(tt.first) || bars[0].IsMissing() {
				t.Errorf("unexpected first bar: %+v", bars[0])
			}
			if !bars[4].IsMissing() || !bars[4].OpenTime.Equal(tt.first.Add(4*step)) {
				t.Errorf("expected gap at slot 4, got %+v", bars[4])
			}
			for i, b := range bars {
				if !tt.tf.Aligned(b.OpenTime) {
					t.Fatalf("record %d off grid: %s", i, b.OpenTime)
				}
			}
		})
	}
}

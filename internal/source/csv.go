// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package source implementa BarFetchers sobre dumps de klines em disco.
package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/n-candles/internal/candle"
	"github.com/nishisan-dev/n-candles/internal/layout"
)

// Colunas do dump de klines da Binance.
const (
	colOpenTime = iota
	colOpen
	colHigh
	colLow
	colClose
	colVolume
	colCloseTime
	colQuoteVolume
	colTrades
	colTakerBase
	colTakerQuote
	minColumns
)

// Acima disso o timestamp está em microssegundos (dumps spot a partir de 2025).
const microsThreshold = 1e14

// CSVSource lê {dir}/{exchange}/{area}/{symbol}/{timeframe}/*.csv.
type CSVSource struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger
}

// NewCSVSource cria a fonte sobre dir.
func NewCSVSource(dir string, logger *slog.Logger) *CSVSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVSource{dir: dir, now: time.Now, logger: logger.With("component", "csv_source")}
}

// FetchBars devolve as barras de r em ordem, com os slots vazios preenchidos
// por marcadores missing. complete=true quando o range já terminou e o dump
// cobre o último slot.
func (s *CSVSource) FetchBars(ctx context.Context, r candle.ChunkRange) ([]candle.Bar, bool, error) {
	dir, err := layout.Dir(s.dir, r.SymbolRef)
	if err != nil {
		return nil, false, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("listing %s: %w", dir, err)
	}

	lastSlot := r.End
	if n := r.Slots(); n > 0 {
		lastSlot = r.SlotOpen(n - 1)
	}
	byOpen := make(map[int64]candle.Bar)
	reached := false
	misaligned := 0

	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		path := filepath.Join(dir, e.Name())
		err := readKlines(path, r.TimeFrame, func(b candle.Bar) {
			if !b.OpenTime.Before(lastSlot) {
				reached = true
			}
			if !r.Contains(b.OpenTime) {
				return
			}
			if !r.TimeFrame.Aligned(b.OpenTime) {
				misaligned++
				return
			}
			byOpen[b.OpenTime.UnixMilli()] = b
		})
		if err != nil {
			return nil, false, err
		}
	}
	if misaligned > 0 {
		s.logger.Warn("skipping rows off the timeframe grid", "chunk", r.String(), "rows", misaligned)
	}
	if len(byOpen) == 0 {
		return nil, false, nil
	}

	complete := reached && !r.End.After(s.now())
	bars := fillGaps(byOpen, r, complete)
	s.logger.Debug("bars loaded from csv",
		"chunk", r.String(),
		"rows", len(byOpen),
		"records", len(bars),
		"complete", complete,
	)
	return bars, complete, nil
}

// fillGaps ordena as barras no grid do timeframe. Chunks completos são
// preenchidos até o fim; parciais, até a última barra conhecida.
func fillGaps(byOpen map[int64]candle.Bar, r candle.ChunkRange, complete bool) []candle.Bar {
	keys := make([]int64, 0, len(byOpen))
	for k := range byOpen {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	step := r.TimeFrame.Duration()
	end := time.UnixMilli(keys[len(keys)-1]).UTC().Add(step)
	if complete {
		end = r.End
	}

	start := r.GridStart()
	bars := make([]candle.Bar, 0, int(end.Sub(start)/step)+1)
	for ts := start; ts.Before(end); ts = ts.Add(step) {
		if b, ok := byOpen[ts.UnixMilli()]; ok {
			bars = append(bars, b)
			continue
		}
		bars = append(bars, candle.MissingBar(ts, r.TimeFrame))
	}
	return bars
}

func readKlines(path string, tf candle.TimeFrame, fn func(candle.Bar)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if len(rec) < minColumns {
			return fmt.Errorf("%s:%d: expected at least %d columns, got %d", path, line, minColumns, len(rec))
		}
		if line == 1 && !isNumeric(rec[colOpenTime]) {
			continue // header
		}
		b, err := parseKline(rec, tf)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
		fn(b)
	}
}

func parseKline(rec []string, tf candle.TimeFrame) (candle.Bar, error) {
	open, err := parseTimestamp(rec[colOpenTime])
	if err != nil {
		return candle.Bar{}, fmt.Errorf("open_time: %w", err)
	}
	closeTime, err := parseTimestamp(rec[colCloseTime])
	if err != nil {
		return candle.Bar{}, fmt.Errorf("close_time: %w", err)
	}

	var values [8]float64
	for i, col := range []int{colOpen, colHigh, colLow, colClose, colVolume, colQuoteVolume, colTakerBase, colTakerQuote} {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[col]), 64)
		if err != nil {
			return candle.Bar{}, fmt.Errorf("column %d: %w", col, err)
		}
		values[i] = v
	}
	trades, err := strconv.ParseInt(strings.TrimSpace(rec[colTrades]), 10, 64)
	if err != nil {
		return candle.Bar{}, fmt.Errorf("count: %w", err)
	}

	// Fechamento truncado em ms; se o dump vier sem ele, usa a convenção.
	if closeTime.IsZero() || !closeTime.After(open) {
		closeTime = candle.DefaultCloseTime(open, tf)
	}
	return candle.Bar{
		OpenTime:            open,
		CloseTime:           closeTime.Truncate(time.Millisecond),
		Open:                values[0],
		High:                values[1],
		Low:                 values[2],
		Close:               values[3],
		Volume:              values[4],
		QuoteVolume:         values[5],
		TakerBuyBaseVolume:  values[6],
		TakerBuyQuoteVolume: values[7],
		Trades:              trades,
		Status:              candle.StatusOK,
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if v > microsThreshold {
		return time.UnixMicro(v).UTC(), nil
	}
	return time.UnixMilli(v).UTC(), nil
}

func isNumeric(s string) bool {
	_, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return err == nil
}

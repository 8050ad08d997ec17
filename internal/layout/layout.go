// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package layout implementa a convenção de caminhos dos chunks:
//
//	{base}/{exchange}/{area}/{symbol}/{timeframe}/{start}-{end}.kline[.downloading|.partial|.downloading.lock]
//
// As formas working, partial e complete de um mesmo chunk diferem apenas pelo sufixo.
package layout

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/nishisan-dev/n-candles/internal/candle"
)

const (
	// Extension é a extensão do arquivo complete.
	Extension = ".kline"
	// WorkingSuffix marca o arquivo em escrita.
	WorkingSuffix = ".downloading"
	// PartialSuffix marca um chunk cuja escrita parou antes do fim lógico.
	PartialSuffix = ".partial"
	// LockSuffix é acrescentado ao caminho working para formar o lock file.
	LockSuffix = ".lock"
)

const (
	dateLayout     = "20060102"
	dateTimeLayout = "20060102T150405"
)

// RangeName codifica [start, end) no nome base do chunk.
// Ranges alinhados à meia-noite usam apenas a data.
func RangeName(start, end time.Time) string {
	return encodeInstant(start) + "-" + encodeInstant(end) + Extension
}

func encodeInstant(ts time.Time) string {
	ts = ts.UTC()
	if ts.Hour() == 0 && ts.Minute() == 0 && ts.Second() == 0 && ts.Nanosecond() == 0 {
		return ts.Format(dateLayout)
	}
	return ts.Format(dateTimeLayout)
}

// ParseRangeName faz o caminho inverso de RangeName. Sufixos de ciclo de vida
// devem ser removidos antes (ver Classify).
func ParseRangeName(name string) (start, end time.Time, err error) {
	trimmed, ok := strings.CutSuffix(name, Extension)
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("chunk name %q lacks %s extension", name, Extension)
	}
	a, b, ok := strings.Cut(trimmed, "-")
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("chunk name %q is not start-end", name)
	}
	if start, err = decodeInstant(a); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("chunk name %q: %w", name, err)
	}
	if end, err = decodeInstant(b); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("chunk name %q: %w", name, err)
	}
	return start, end, nil
}

func decodeInstant(s string) (time.Time, error) {
	layout := dateLayout
	if len(s) > len(dateLayout) {
		layout = dateTimeLayout
	}
	return time.ParseInLocation(layout, s, time.UTC)
}

// Dir retorna o diretório da série dentro de baseDir.
func Dir(baseDir string, ref candle.SymbolRef) (string, error) {
	for _, c := range []struct{ v, field string }{
		{ref.Exchange, "exchange"},
		{ref.Area, "exchange area"},
		{ref.Symbol, "symbol"},
		{ref.TimeFrame.String(), "timeframe"},
	} {
		if err := validateSegment(c.v, c.field); err != nil {
			return "", err
		}
	}
	dir := filepath.Join(baseDir, ref.Exchange, ref.Area, ref.Symbol, ref.TimeFrame.String())
	if err := within(baseDir, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// BasePath retorna o caminho complete do chunk r.
func BasePath(baseDir string, r candle.ChunkRange) (string, error) {
	dir, err := Dir(baseDir, r.SymbolRef)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, RangeName(r.Start, r.End)), nil
}

// WorkingPath deriva o caminho working a partir do complete.
func WorkingPath(base string) string { return base + WorkingSuffix }

// PartialPath deriva o caminho partial a partir do complete.
func PartialPath(base string) string { return base + PartialSuffix }

// LockPath deriva o lock file a partir do caminho working.
func LockPath(working string) string { return working + LockSuffix }

// BaseFromWorking remove o sufixo working; ok=false se o caminho não é working.
func BaseFromWorking(working string) (string, bool) {
	return strings.CutSuffix(working, WorkingSuffix)
}

// Kind classifica um arquivo do layout pelo sufixo.
type Kind int

const (
	KindUnknown Kind = iota
	KindComplete
	KindWorking
	KindPartial
	KindLock
)

func (k Kind) String() string {
	switch k {
	case KindComplete:
		return "complete"
	case KindWorking:
		return "working"
	case KindPartial:
		return "partial"
	case KindLock:
		return "lock"
	default:
		return "unknown"
	}
}

// Classify identifica o tipo do arquivo e retorna o caminho base (complete) correspondente.
func Classify(path string) (Kind, string) {
	if w, ok := strings.CutSuffix(path, LockSuffix); ok {
		if base, ok := BaseFromWorking(w); ok {
			return KindLock, base
		}
		return KindUnknown, ""
	}
	if base, ok := BaseFromWorking(path); ok {
		return KindWorking, base
	}
	if base, ok := strings.CutSuffix(path, PartialSuffix); ok {
		return KindPartial, base
	}
	if strings.HasSuffix(path, Extension) {
		return KindComplete, path
	}
	return KindUnknown, ""
}

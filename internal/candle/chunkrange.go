// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package candle

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRange é retornado quando um ChunkRange viola start < end ou tem timestamps zero.
var ErrInvalidRange = errors.New("candle: invalid chunk range")

// Áreas conhecidas de exchange.
const (
	AreaSpot    = "spot"
	AreaFutures = "futures"
)

// SymbolRef identifica a série (exchange, área, símbolo, timeframe) de um chunk.
type SymbolRef struct {
	Exchange  string
	Area      string
	Symbol    string
	TimeFrame TimeFrame
}

func (r SymbolRef) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", r.Exchange, r.Area, r.Symbol, r.TimeFrame)
}

// Validate verifica que todos os campos foram preenchidos.
func (r SymbolRef) Validate() error {
	switch {
	case r.Exchange == "":
		return fmt.Errorf("exchange is required")
	case r.Area == "":
		return fmt.Errorf("exchange area is required")
	case r.Symbol == "":
		return fmt.Errorf("symbol is required")
	case !r.TimeFrame.IsValid():
		return fmt.Errorf("%w: %d", ErrUnknownTimeFrame, uint8(r.TimeFrame))
	}
	return nil
}

// ChunkRange é a chave de endereçamento de um chunk: série + intervalo [Start, End).
// Imutável após NewChunkRange; Start e End são sempre UTC.
type ChunkRange struct {
	SymbolRef
	Start time.Time
	End   time.Time
}

// NewChunkRange valida e normaliza (UTC) um ChunkRange.
func NewChunkRange(ref SymbolRef, start, end time.Time) (ChunkRange, error) {
	if err := ref.Validate(); err != nil {
		return ChunkRange{}, err
	}
	if start.IsZero() || end.IsZero() {
		return ChunkRange{}, fmt.Errorf("%w: start and end must be set", ErrInvalidRange)
	}
	if !start.Before(end) {
		return ChunkRange{}, fmt.Errorf("%w: start %s is not before end %s", ErrInvalidRange,
			start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}
	return ChunkRange{SymbolRef: ref, Start: start.UTC(), End: end.UTC()}, nil
}

// Contains informa se ts pertence a [Start, End).
func (r ChunkRange) Contains(ts time.Time) bool {
	return !ts.Before(r.Start) && ts.Before(r.End)
}

// Equal compara todos os campos (instantes via time.Equal).
func (r ChunkRange) Equal(o ChunkRange) bool {
	return r.SymbolRef == o.SymbolRef && r.Start.Equal(o.Start) && r.End.Equal(o.End)
}

// GridStart é a primeira abertura do timeframe dentro do range. Coincide com
// Start exceto quando o grid do timeframe não segue o calendário (w1, d3).
func (r ChunkRange) GridStart() time.Time {
	return r.TimeFrame.FirstOpen(r.Start)
}

// Slots retorna quantas aberturas do timeframe caem em [Start, End).
func (r ChunkRange) Slots() int {
	step := r.TimeFrame.Duration()
	if step <= 0 {
		return 0
	}
	gs := r.GridStart()
	if !gs.Before(r.End) {
		return 0
	}
	return int((r.End.Sub(gs)-1)/step) + 1
}

// SlotOpen retorna a abertura do i-ésimo slot do grid.
func (r ChunkRange) SlotOpen(i int) time.Time {
	return r.GridStart().Add(time.Duration(i) * r.TimeFrame.Duration())
}

func (r ChunkRange) String() string {
	return fmt.Sprintf("%s[%s,%s)", r.SymbolRef, r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

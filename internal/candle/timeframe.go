// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package candle define os tipos de valor do store de candles: Bar, TimeFrame,
// SymbolRef, ChunkRange, ChunkMetadata e o cálculo determinístico de ranges.
package candle

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownTimeFrame é retornado quando um código de timeframe não existe na tabela.
var ErrUnknownTimeFrame = errors.New("candle: unknown timeframe")

// TimeFrame identifica a granularidade de um candle. O valor zero é inválido.
type TimeFrame uint8

const (
	TimeFrameUnknown TimeFrame = iota
	S1
	S5
	S15
	S30
	M1
	M3
	M5
	M15
	M30
	H1
	H2
	H4
	H6
	H8
	H12
	D1
	D3
	W1
)

// timeFrameTable é imutável: índice = TimeFrame.
var timeFrameTable = [...]struct {
	code string
	step time.Duration
}{
	TimeFrameUnknown: {"", 0},
	S1:               {"s1", time.Second},
	S5:               {"s5", 5 * time.Second},
	S15:              {"s15", 15 * time.Second},
	S30:              {"s30", 30 * time.Second},
	M1:               {"m1", time.Minute},
	M3:               {"m3", 3 * time.Minute},
	M5:               {"m5", 5 * time.Minute},
	M15:              {"m15", 15 * time.Minute},
	M30:              {"m30", 30 * time.Minute},
	H1:               {"h1", time.Hour},
	H2:               {"h2", 2 * time.Hour},
	H4:               {"h4", 4 * time.Hour},
	H6:               {"h6", 6 * time.Hour},
	H8:               {"h8", 8 * time.Hour},
	H12:              {"h12", 12 * time.Hour},
	D1:               {"d1", 24 * time.Hour},
	D3:               {"d3", 72 * time.Hour},
	W1:               {"w1", 7 * 24 * time.Hour},
}

// ParseTimeFrame converte o código textual ("m1", "h4", ...) no TimeFrame.
// Aceita maiúsculas ("H1").
func ParseTimeFrame(code string) (TimeFrame, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	for i := 1; i < len(timeFrameTable); i++ {
		if timeFrameTable[i].code == code {
			return TimeFrame(i), nil
		}
	}
	return TimeFrameUnknown, fmt.Errorf("%w: %q", ErrUnknownTimeFrame, code)
}

// TimeFrames retorna todos os timeframes válidos em ordem crescente de duração.
func TimeFrames() []TimeFrame {
	out := make([]TimeFrame, 0, len(timeFrameTable)-1)
	for i := 1; i < len(timeFrameTable); i++ {
		out = append(out, TimeFrame(i))
	}
	return out
}

// IsValid informa se o timeframe existe na tabela.
func (tf TimeFrame) IsValid() bool {
	return tf > TimeFrameUnknown && int(tf) < len(timeFrameTable)
}

// Duration retorna o passo fixo entre aberturas de candles consecutivos.
func (tf TimeFrame) Duration() time.Duration {
	if !tf.IsValid() {
		return 0
	}
	return timeFrameTable[tf].step
}

// Origens do grid de aberturas. Todos os timeframes seguem a epoch Unix, exceto
// w1, cujos candles abrem às segundas-feiras (1970-01-05 foi a primeira).
var (
	epochOrigin = time.Unix(0, 0).UTC()
	weekOrigin  = time.Date(1970, time.January, 5, 0, 0, 0, 0, time.UTC)
)

func (tf TimeFrame) origin() time.Time {
	if tf == W1 {
		return weekOrigin
	}
	return epochOrigin
}

// offset retorna a distância de ts até a abertura anterior (ou igual) do grid.
func (tf TimeFrame) offset(ts time.Time) time.Duration {
	step := tf.Duration()
	if step <= 0 {
		return 0
	}
	m := ts.Sub(tf.origin()) % step
	if m < 0 {
		m += step
	}
	return m
}

// Aligned informa se ts é uma abertura válida do timeframe: múltiplo do passo
// a partir da epoch (d3) ou de uma segunda-feira (w1).
func (tf TimeFrame) Aligned(ts time.Time) bool {
	return tf.IsValid() && tf.offset(ts) == 0
}

// FirstOpen retorna a primeira abertura do grid em ou após ts.
func (tf TimeFrame) FirstOpen(ts time.Time) time.Time {
	ts = ts.UTC()
	m := tf.offset(ts)
	if m == 0 {
		return ts
	}
	return ts.Add(tf.Duration() - m)
}

func (tf TimeFrame) String() string {
	if !tf.IsValid() {
		return fmt.Sprintf("TimeFrame(%d)", uint8(tf))
	}
	return timeFrameTable[tf].code
}

// MarshalText implementa encoding.TextMarshaler (YAML, JSON).
func (tf TimeFrame) MarshalText() ([]byte, error) {
	if !tf.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTimeFrame, uint8(tf))
	}
	return []byte(tf.String()), nil
}

// UnmarshalText implementa encoding.TextUnmarshaler.
func (tf *TimeFrame) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeFrame(string(b))
	if err != nil {
		return err
	}
	*tf = parsed
	return nil
}

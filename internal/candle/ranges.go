// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package candle

import (
	"fmt"
	"strings"
	"time"
)

// Span é a unidade de calendário (UTC) usada como duração de um chunk.
type Span uint8

const (
	SpanUnknown Span = iota
	SpanDay
	SpanMonth
	SpanYear
)

func (s Span) String() string {
	switch s {
	case SpanDay:
		return "day"
	case SpanMonth:
		return "month"
	case SpanYear:
		return "year"
	default:
		return fmt.Sprintf("Span(%d)", uint8(s))
	}
}

// ParseSpan converte "day", "month" ou "year".
func ParseSpan(s string) (Span, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day":
		return SpanDay, nil
	case "month":
		return SpanMonth, nil
	case "year":
		return SpanYear, nil
	}
	return SpanUnknown, fmt.Errorf("unknown chunk span %q (expected day, month or year)", s)
}

func (s Span) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Span) UnmarshalText(b []byte) error {
	parsed, err := ParseSpan(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// floor trunca ts para o início da unidade de calendário.
func (s Span) floor(ts time.Time) time.Time {
	ts = ts.UTC()
	switch s {
	case SpanDay:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	case SpanMonth:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(ts.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	}
}

func (s Span) next(start time.Time) time.Time {
	switch s {
	case SpanDay:
		return start.AddDate(0, 0, 1)
	case SpanMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(1, 0, 0)
	}
}

// Tier associa uma faixa de timeframes a um Span.
// Below vazio (TimeFrameUnknown) marca o tier catch-all, obrigatoriamente o último.
type Tier struct {
	Below TimeFrame `yaml:"below"`
	Span  Span      `yaml:"span"`
	Long  bool      `yaml:"long"`
}

// RangePolicy é a política de tamanho de chunk: timeframes menores usam spans menores.
type RangePolicy struct {
	Tiers []Tier `yaml:"tiers"`
}

// DefaultRangePolicy: sub-minuto → dia; abaixo de d1 → mês; demais → ano (long chunk).
func DefaultRangePolicy() RangePolicy {
	return RangePolicy{Tiers: []Tier{
		{Below: M1, Span: SpanDay},
		{Below: D1, Span: SpanMonth},
		{Span: SpanYear, Long: true},
	}}
}

// Validate exige tiers em ordem crescente e um catch-all no final.
func (p RangePolicy) Validate() error {
	if len(p.Tiers) == 0 {
		return fmt.Errorf("range policy must have at least one tier")
	}
	var prev time.Duration
	for i, t := range p.Tiers {
		if t.Span == SpanUnknown {
			return fmt.Errorf("tiers[%d].span is required", i)
		}
		last := i == len(p.Tiers)-1
		if last {
			if t.Below != TimeFrameUnknown {
				return fmt.Errorf("tiers[%d] must be the catch-all tier (no below)", i)
			}
			continue
		}
		if !t.Below.IsValid() {
			return fmt.Errorf("tiers[%d].below is required for non-final tiers", i)
		}
		d := t.Below.Duration()
		if d <= prev {
			return fmt.Errorf("tiers[%d].below %s must be greater than the previous tier", i, t.Below)
		}
		prev = d
	}
	return nil
}

// RangeCalculator mapeia (timestamp, timeframe) para o chunk que o contém.
// É puro e determinístico: processos com a mesma política calculam o mesmo range.
type RangeCalculator struct {
	policy RangePolicy
}

// NewRangeCalculator valida a política e cria o calculador.
func NewRangeCalculator(policy RangePolicy) (*RangeCalculator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	tiers := make([]Tier, len(policy.Tiers))
	copy(tiers, policy.Tiers)
	return &RangeCalculator{policy: RangePolicy{Tiers: tiers}}, nil
}

// Policy retorna uma cópia da política em uso.
func (c *RangeCalculator) Policy() RangePolicy {
	tiers := make([]Tier, len(c.policy.Tiers))
	copy(tiers, c.policy.Tiers)
	return RangePolicy{Tiers: tiers}
}

func (c *RangeCalculator) tierFor(tf TimeFrame) Tier {
	for _, t := range c.policy.Tiers {
		if t.Below == TimeFrameUnknown || tf.Duration() < t.Below.Duration() {
			return t
		}
	}
	return c.policy.Tiers[len(c.policy.Tiers)-1]
}

// Bounds retorna [start, end) do chunk que contém ts e se ele é um "long chunk".
func (c *RangeCalculator) Bounds(ts time.Time, tf TimeFrame) (start, end time.Time, long bool, err error) {
	if ts.IsZero() {
		return time.Time{}, time.Time{}, false, fmt.Errorf("%w: timestamp must be set", ErrInvalidRange)
	}
	if !tf.IsValid() {
		return time.Time{}, time.Time{}, false, fmt.Errorf("%w: %d", ErrUnknownTimeFrame, uint8(tf))
	}
	tier := c.tierFor(tf)
	start = tier.Span.floor(ts)
	return start, tier.Span.next(start), tier.Long, nil
}

// RangeFor retorna o ChunkRange da série ref que contém ts.
func (c *RangeCalculator) RangeFor(ref SymbolRef, ts time.Time) (ChunkRange, bool, error) {
	start, end, long, err := c.Bounds(ts, ref.TimeFrame)
	if err != nil {
		return ChunkRange{}, false, err
	}
	r, err := NewChunkRange(ref, start, end)
	if err != nil {
		return ChunkRange{}, false, err
	}
	return r, long, nil
}

// Walk chama fn para cada chunk que intersecta [from, to), em ordem.
// Interrompe no primeiro erro retornado por fn.
func (c *RangeCalculator) Walk(ref SymbolRef, from, to time.Time, fn func(r ChunkRange, long bool) error) error {
	if !from.Before(to) {
		return nil
	}
	ts := from
	for ts.Before(to) {
		r, long, err := c.RangeFor(ref, ts)
		if err != nil {
			return err
		}
		if err := fn(r, long); err != nil {
			return err
		}
		ts = r.End
	}
	return nil
}

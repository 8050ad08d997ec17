// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nishisan-dev/n-candles/internal/candle"
)

// Encoder escreve header + corpo de um chunk. As barras devem chegar em
// ordem crescente de abertura e dentro do range do header.
type Encoder struct {
	meta   candle.ChunkMetadata
	layout recordLayout
	buf    *bufio.Writer
	comp   io.WriteCloser
	rec    [maxRecordLen]byte

	slot    int
	last    time.Time
	written int
	closed  bool
}

// NewEncoder valida o formato e grava o header imediatamente.
func NewEncoder(w io.Writer, meta candle.ChunkMetadata) (*Encoder, error) {
	layout, err := layoutFor(meta)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriterSize(w, 64*1024)
	if err := WriteHeader(buf, meta); err != nil {
		return nil, err
	}
	comp, err := newCompressor(buf, meta.Compression)
	if err != nil {
		return nil, err
	}
	return &Encoder{meta: meta, layout: layout, buf: buf, comp: comp}, nil
}

// Write anexa uma barra. No layout compacto os slots pulados viram gaps.
func (e *Encoder) Write(b candle.Bar) error {
	if e.closed {
		return errors.New("codec: write on closed encoder")
	}
	r := e.meta.Range
	open := b.OpenTime.UTC()
	if !r.Contains(open) {
		return fmt.Errorf("%w: %s not in %s", ErrBarOutOfRange, open.Format(time.RFC3339), r)
	}
	if e.written > 0 && !open.After(e.last) {
		return fmt.Errorf("%w: %s after %s", ErrBarsOutOfOrder,
			open.Format(time.RFC3339), e.last.Format(time.RFC3339))
	}

	if e.layout.gridAligned() {
		if !r.TimeFrame.Aligned(open) {
			return fmt.Errorf("%w: %s is not aligned to %s", ErrBarOutOfRange, open.Format(time.RFC3339), r.TimeFrame)
		}
		target := int(open.Sub(r.GridStart()) / r.TimeFrame.Duration())
		for e.slot < target {
			gap := candle.MissingBar(r.SlotOpen(e.slot), r.TimeFrame)
			if err := e.put(gap); err != nil {
				return err
			}
		}
	}

	if err := e.put(b); err != nil {
		return err
	}
	e.last = open
	e.written++
	return nil
}

func (e *Encoder) put(b candle.Bar) error {
	buf := e.rec[:e.layout.size()]
	e.layout.encode(buf, b)
	if _, err := e.comp.Write(buf); err != nil {
		return fmt.Errorf("writing record %d: %w", e.slot, err)
	}
	e.slot++
	return nil
}

// Records retorna quantos registros (incluindo gaps) foram gravados.
func (e *Encoder) Records() int {
	return e.slot
}

// Close encerra o stream de compressão e faz flush. Não fecha o writer de destino.
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.comp.Close(); err != nil {
		return fmt.Errorf("closing %s stream: %w", e.meta.Compression, err)
	}
	return e.buf.Flush()
}

// Encode grava um chunk inteiro em w.
func Encode(w io.Writer, meta candle.ChunkMetadata, bars []candle.Bar) error {
	enc, err := NewEncoder(w, meta)
	if err != nil {
		return err
	}
	for _, b := range bars {
		if err := enc.Write(b); err != nil {
			return err
		}
	}
	return enc.Close()
}

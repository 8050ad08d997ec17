// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package codec

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nishisan-dev/n-candles/internal/candle"
)

// Sentinel é a linha que termina o cabeçalho texto (marcador de fim de documento YAML).
const Sentinel = "..."

// DefaultHeaderLimit limita a varredura do cabeçalho em arquivos corrompidos.
const DefaultHeaderLimit = 64 * 1024

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// headerDoc é a forma serializada de ChunkMetadata: uma linha "Key: value" por campo.
// Campos desconhecidos são ignorados na leitura.
type headerDoc struct {
	Exchange     string    `yaml:"Exchange"`
	ExchangeArea string    `yaml:"ExchangeArea"`
	Symbol       string    `yaml:"Symbol"`
	TimeFrame    string    `yaml:"TimeFrame"`
	Start        time.Time `yaml:"Start"`
	EndExclusive time.Time `yaml:"EndExclusive"`
	FieldSet     string    `yaml:"FieldSet"`
	Compression  string    `yaml:"Compression"`
	DataType     string    `yaml:"DataType,omitempty"`
}

// WriteHeader grava o cabeçalho seguido da linha sentinel.
func WriteHeader(w io.Writer, meta candle.ChunkMetadata) error {
	r := meta.Range
	doc := headerDoc{
		Exchange:     r.Exchange,
		ExchangeArea: r.Area,
		Symbol:       r.Symbol,
		TimeFrame:    r.TimeFrame.String(),
		Start:        r.Start.UTC(),
		EndExclusive: r.End.UTC(),
		FieldSet:     string(meta.FieldSet),
		Compression:  string(meta.Compression),
		DataType:     string(meta.DataType),
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encoding chunk header: %w", err)
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("writing chunk header: %w", err)
	}
	if _, err := io.WriteString(w, Sentinel+"\n"); err != nil {
		return fmt.Errorf("writing header sentinel: %w", err)
	}
	return nil
}

// readHeader consome o BOM opcional e o cabeçalho até a linha sentinel,
// deixando br posicionado no primeiro byte do corpo binário.
func readHeader(br *bufio.Reader, limit int) (candle.ChunkMetadata, error) {
	if limit <= 0 {
		limit = DefaultHeaderLimit
	}
	if prefix, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(prefix, utf8BOM) {
		br.Discard(len(utf8BOM))
	}

	var (
		text  bytes.Buffer
		line  []byte
		total int
	)
	for {
		b, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && isSentinel(line) {
				break
			}
			if errors.Is(err, io.EOF) {
				return candle.ChunkMetadata{}, ErrHeaderNotFound
			}
			return candle.ChunkMetadata{}, fmt.Errorf("reading chunk header: %w", err)
		}
		total++
		if total > limit {
			return candle.ChunkMetadata{}, fmt.Errorf("%w within %d bytes", ErrHeaderNotFound, limit)
		}
		if b != '\n' {
			line = append(line, b)
			continue
		}
		if isSentinel(line) {
			break
		}
		text.Write(bytes.TrimSuffix(line, []byte{'\r'}))
		text.WriteByte('\n')
		line = line[:0]
	}

	return parseHeader(text.Bytes())
}

// isSentinel aceita "..." terminado por LF ou CR+LF.
func isSentinel(line []byte) bool {
	return string(bytes.TrimSuffix(line, []byte{'\r'})) == Sentinel
}

func parseHeader(text []byte) (candle.ChunkMetadata, error) {
	var doc headerDoc
	if err := yaml.Unmarshal(text, &doc); err != nil {
		return candle.ChunkMetadata{}, fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}

	tf, err := candle.ParseTimeFrame(doc.TimeFrame)
	if err != nil {
		return candle.ChunkMetadata{}, fmt.Errorf("%w: TimeFrame: %v", ErrCorruptHeader, err)
	}
	ref := candle.SymbolRef{
		Exchange:  doc.Exchange,
		Area:      doc.ExchangeArea,
		Symbol:    doc.Symbol,
		TimeFrame: tf,
	}
	r, err := candle.NewChunkRange(ref, doc.Start, doc.EndExclusive)
	if err != nil {
		return candle.ChunkMetadata{}, fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}

	meta := candle.ChunkMetadata{
		Range:       r,
		FieldSet:    candle.FieldSet(doc.FieldSet),
		Compression: candle.Compression(doc.Compression),
		DataType:    candle.DataType(doc.DataType),
	}
	// Arquivos anteriores aos campos FieldSet/Compression são native sem compressão.
	if meta.FieldSet == "" {
		meta.FieldSet = candle.FieldSetNative
	}
	if meta.Compression == "" {
		meta.Compression = candle.CompressionNone
	}
	return meta, nil
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/nishisan-dev/n-candles/internal/candle"
)

// DecodeOptions controla a leitura de um chunk.
type DecodeOptions struct {
	// SkipMissing omite os marcadores de gap em vez de entregá-los como barras missing.
	SkipMissing bool
	// HeaderLimit limita quantos bytes podem preceder o sentinel (0 = DefaultHeaderLimit).
	HeaderLimit int
}

// Reader decodifica o corpo de um chunk registro a registro.
type Reader struct {
	meta   candle.ChunkMetadata
	opts   DecodeOptions
	body   io.ReadCloser
	file   *os.File
	rec    recordReader
	closed bool
}

// Open abre o chunk em path. Um arquivo de tamanho zero é um placeholder:
// retorna hasData=false sem erro, e o chamador decide se o remove.
func Open(path string, opts DecodeOptions) (r *Reader, hasData bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("stat chunk %s: %w", path, err)
	}
	if info.Size() == 0 {
		f.Close()
		return nil, false, nil
	}

	r, err = NewReader(f, opts)
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("decoding %s: %w", path, err)
	}
	r.file = f
	return r, true, nil
}

// NewReader lê o header de src e prepara o decoder do corpo.
// O chamador continua dono de src; Close fecha apenas o descompressor.
func NewReader(src io.Reader, opts DecodeOptions) (*Reader, error) {
	br := bufio.NewReader(src)
	meta, err := readHeader(br, opts.HeaderLimit)
	if err != nil {
		return nil, err
	}
	layout, err := layoutFor(meta)
	if err != nil {
		return nil, err
	}
	body, err := newDecompressor(br, meta.Compression)
	if err != nil {
		return nil, err
	}
	return &Reader{
		meta: meta,
		opts: opts,
		body: body,
		rec:  recordReader{r: body, layout: layout},
	}, nil
}

// ReadHeader lê apenas o header, sem validar FieldSet/DataType/Compression.
func ReadHeader(path string) (candle.ChunkMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return candle.ChunkMetadata{}, err
	}
	defer f.Close()
	return readHeader(bufio.NewReader(f), DefaultHeaderLimit)
}

// Metadata retorna o header decodificado.
func (r *Reader) Metadata() candle.ChunkMetadata {
	return r.meta
}

// Next retorna a próxima barra ou io.EOF ao fim do corpo.
func (r *Reader) Next() (candle.Bar, error) {
	if r.closed {
		return candle.Bar{}, os.ErrClosed
	}
	for {
		b, err := r.rec.next()
		if err != nil {
			return candle.Bar{}, err
		}
		if r.opts.SkipMissing && b.IsMissing() {
			continue
		}
		return b, nil
	}
}

// Bars itera o restante do corpo. Um erro de decodificação é entregue uma
// única vez e encerra a iteração.
func (r *Reader) Bars() iter.Seq2[candle.Bar, error] {
	return func(yield func(candle.Bar, error) bool) {
		for {
			b, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(candle.Bar{}, err)
				return
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}

// ReadAll consome o restante do corpo.
func (r *Reader) ReadAll() ([]candle.Bar, error) {
	var bars []candle.Bar
	for b, err := range r.Bars() {
		if err != nil {
			return bars, err
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// Close libera o descompressor e, se aberto via Open, o arquivo.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.body.Close()
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// DecodeFile é o atalho para ler um chunk inteiro.
func DecodeFile(path string, opts DecodeOptions) (candle.ChunkMetadata, []candle.Bar, bool, error) {
	r, ok, err := Open(path, opts)
	if err != nil || !ok {
		return candle.ChunkMetadata{}, nil, ok, err
	}
	defer r.Close()
	bars, err := r.ReadAll()
	if err != nil {
		return r.Metadata(), bars, true, fmt.Errorf("decoding %s: %w", path, err)
	}
	return r.Metadata(), bars, true, nil
}

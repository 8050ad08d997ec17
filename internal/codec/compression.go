// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package codec

import (
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-candles/internal/candle"
)

// nopWriteCloser adapta um io.Writer sem compressão.
type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// newCompressor cria o io.WriteCloser para o identificador de compressão.
// Close faz flush do trailer do codec, mas não fecha w.
func newCompressor(w io.Writer, c candle.Compression) (io.WriteCloser, error) {
	switch c {
	case candle.CompressionNone, "":
		return nopWriteCloser{w}, nil
	case candle.CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case candle.CompressionGzip:
		gzWriter, err := pgzip.NewWriterLevel(w, pgzip.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("creating gzip writer: %w", err)
		}
		if err := gzWriter.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
			return nil, fmt.Errorf("configuring gzip concurrency: %w", err)
		}
		return gzWriter, nil
	case candle.CompressionSnappy:
		return snappy.NewBufferedWriter(w), nil
	default:
		return nil, &UnsupportedError{Field: "Compression", Value: string(c)}
	}
}

// newDecompressor envolve r com o descompressor declarado no cabeçalho.
func newDecompressor(r io.Reader, c candle.Compression) (io.ReadCloser, error) {
	switch c {
	case candle.CompressionNone, "":
		return io.NopCloser(r), nil
	case candle.CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	case candle.CompressionGzip:
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return gz, nil
	case candle.CompressionSnappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	default:
		return nil, &UnsupportedError{Field: "Compression", Value: string(c)}
	}
}

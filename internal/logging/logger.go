// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging cria os loggers slog do ncandles.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// NewLogger cria um slog.Logger com o nível, formato e output especificados.
// Formatos: "json" (default) e "text". Níveis: "debug", "info" (default), "warn", "error".
// Se filePath não for vazio, grava em stdout + arquivo. O io.Closer retornado
// fecha o arquivo no shutdown (no-op sem arquivo).
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if filePath != "" {
		f, err := openLogFile(filePath)
		if err != nil {
			// Sem o arquivo, segue apenas com stdout.
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	return slog.New(newHandler(w, format, opts)), closer
}

// Discard retorna um logger que descarta tudo (CLI silenciosa, testes).
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// ParseLevel converte o nível textual; desconhecido vira info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package layout

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidSegment indica exchange, área, símbolo ou timeframe que não pode
// virar diretório da série.
var ErrInvalidSegment = errors.New("layout: invalid series path segment")

const maxSegmentLength = 64

// validateSegment aceita letras ASCII, dígitos, '_', '-' e '.' fora da primeira
// posição. Cobre símbolos como 1000PEPEUSDT e BTCUSD_PERP.
func validateSegment(value, field string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidSegment, field)
	}
	if len(value) > maxSegmentLength {
		return fmt.Errorf("%w: %s longer than %d bytes", ErrInvalidSegment, field, maxSegmentLength)
	}
	if value[0] == '.' {
		return fmt.Errorf("%w: %s %q starts with a dot", ErrInvalidSegment, field, value)
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '-', c == '.':
		default:
			return fmt.Errorf("%w: %s %q has byte %q", ErrInvalidSegment, field, value, c)
		}
	}
	return nil
}

// within confirma que dir (já montado com os segmentos) fica sob baseDir.
func within(baseDir, dir string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolving base dir: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving series dir: %w", err)
	}
	rel, err := filepath.Rel(absBase, absDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: series dir %q escapes %q", ErrInvalidSegment, dir, baseDir)
	}
	return nil
}

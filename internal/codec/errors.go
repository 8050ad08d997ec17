// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package codec

import (
	"errors"
	"fmt"
)

// Erros do codec.
var (
	ErrUnsupported     = errors.New("codec: unsupported chunk format")
	ErrHeaderNotFound  = errors.New("codec: header sentinel not found")
	ErrCorruptHeader   = errors.New("codec: corrupt chunk header")
	ErrTruncatedRecord = errors.New("codec: truncated record")
	ErrBarOutOfRange   = errors.New("codec: bar outside chunk range")
	ErrBarsOutOfOrder  = errors.New("codec: bars not in ascending open time")
)

// UnsupportedError identifica o campo do cabeçalho com valor não suportado.
// errors.Is(err, ErrUnsupported) é verdadeiro.
type UnsupportedError struct {
	Field string
	Value string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("codec: unsupported %s %q", e.Field, e.Value)
}

func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupported
}

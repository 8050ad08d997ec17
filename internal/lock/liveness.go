// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lock

import (
	"context"
	"errors"
	"slices"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessProber responde se um PID local está vivo.
// Um erro significa "não foi possível determinar"; o chamador assume vivo.
type ProcessProber interface {
	Alive(ctx context.Context, pid int32) (bool, error)
}

// SystemProber consulta o sistema operacional via gopsutil.
type SystemProber struct{}

// Alive retorna false se o PID não existe ou se o processo já saiu (zombie).
func (SystemProber) Alive(ctx context.Context, pid int32) (bool, error) {
	exists, err := process.PidExistsWithContext(ctx, pid)
	if err != nil {
		return true, err
	}
	if !exists {
		return false, nil
	}

	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return true, err
	}

	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return true, err
	}
	if slices.Contains(status, process.Zombie) {
		return false, nil
	}
	return true, nil
}

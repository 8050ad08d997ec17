// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nishisan-dev/n-candles/internal/layout"
)

// SweepReport resume uma varredura de limpeza.
type SweepReport struct {
	LocksScanned   int
	LocksReclaimed int
	OrphansRemoved int
}

// SweepStale percorre baseDir removendo lock files stale e arquivos working
// órfãos (sem lock válido e sem modificação há mais de MaxAge).
func (l *Locker) SweepStale(ctx context.Context, baseDir string) (SweepReport, error) {
	var rep SweepReport
	maxAge := l.defaults.MaxAge

	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}

		kind, base := layout.Classify(path)
		switch kind {
		case layout.KindLock:
			rep.LocksScanned++
			rec, rerr := readRecord(path)
			switch {
			case rerr == nil:
				if l.isStale(ctx, rec, maxAge) && l.reclaim(path, &rec, maxAge) {
					rep.LocksReclaimed++
				}
			case errors.Is(rerr, errCorruptRecord):
				if l.corruptIsStale(path, maxAge) && l.reclaim(path, nil, maxAge) {
					rep.LocksReclaimed++
				}
			}
		case layout.KindWorking:
			working := layout.WorkingPath(base)
			if l.IsLocked(ctx, working) {
				return nil
			}
			info, ierr := d.Info()
			if ierr != nil || l.now().Sub(info.ModTime()) <= maxAge {
				return nil
			}
			if rerr := os.Remove(path); rerr == nil {
				rep.OrphansRemoved++
				l.logger.Warn("orphan working file removed", "path", path)
			}
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("sweeping %s: %w", baseDir, err)
	}
	return rep, nil
}

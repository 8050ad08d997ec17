// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"time"

	"github.com/nishisan-dev/n-candles/internal/candle"
	"github.com/nishisan-dev/n-candles/internal/chunkfile"
	"github.com/nishisan-dev/n-candles/internal/codec"
	"github.com/nishisan-dev/n-candles/internal/lock"
)

// Chunk é um chunk aberto para leitura. Leitores não usam o lock: complete é
// imutável e partial é best-effort.
type Chunk struct {
	*codec.Reader
	Location chunkfile.Location
	State    chunkfile.State
	Path     string
}

// Open abre o chunk de ref que contém ts, preferindo complete a partial.
// Placeholders de tamanho zero são removidos e ignorados.
func (s *Store) Open(ref candle.SymbolRef, ts time.Time, opts codec.DecodeOptions) (*Chunk, error) {
	loc, err := s.provider.Locate(ref, ts)
	if err != nil {
		return nil, err
	}
	return s.openLocation(loc, opts)
}

func (s *Store) openLocation(loc chunkfile.Location, opts codec.DecodeOptions) (*Chunk, error) {
	for _, c := range []struct {
		path  string
		state chunkfile.State
	}{
		{loc.BasePath, chunkfile.StateComplete},
		{loc.PartialPath, chunkfile.StatePartial},
	} {
		r, ok, err := codec.Open(c.path, opts)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			s.metrics.IncDecodeFailure(decodeFailureReason(err))
			return nil, err
		}
		if !ok {
			s.logger.Info("removing empty chunk placeholder", "path", c.path)
			if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("failed to remove empty chunk", "path", c.path, "error", err)
			}
			continue
		}
		return &Chunk{Reader: r, Location: loc, State: c.state, Path: c.path}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, loc.Range)
}

func decodeFailureReason(err error) string {
	switch {
	case errors.Is(err, codec.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, codec.ErrHeaderNotFound), errors.Is(err, codec.ErrCorruptHeader):
		return "header"
	case errors.Is(err, codec.ErrTruncatedRecord):
		return "truncated"
	default:
		return "io"
	}
}

// Bars itera as barras de ref em [from, to), atravessando chunks em ordem.
// Chunks ausentes são pulados.
func (s *Store) Bars(ref candle.SymbolRef, from, to time.Time, opts codec.DecodeOptions) iter.Seq2[candle.Bar, error] {
	return func(yield func(candle.Bar, error) bool) {
		stop := errors.New("stop")
		err := s.provider.Calculator().Walk(ref, from, to, func(r candle.ChunkRange, long bool) error {
			loc, err := s.provider.LocateRange(r, long)
			if err != nil {
				return err
			}
			c, err := s.openLocation(loc, opts)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			defer c.Close()

			for b, err := range c.Bars() {
				if err != nil {
					s.metrics.IncDecodeFailure(decodeFailureReason(err))
					return fmt.Errorf("reading %s: %w", c.Path, err)
				}
				if b.OpenTime.Before(from) || !b.OpenTime.Before(to) {
					continue
				}
				if !yield(b, nil) {
					return stop
				}
			}
			return nil
		})
		if err != nil && err != stop {
			yield(candle.Bar{}, err)
		}
	}
}

// ChunkStatus é a visão em disco de um chunk.
type ChunkStatus struct {
	Location chunkfile.Location
	Complete bool
	Partial  bool
	Working  bool
	Locked   bool
	Lock     *lock.Record
}

// Inspect reporta o estado em disco do chunk de ref que contém ts, sem efeitos colaterais.
func (s *Store) Inspect(ctx context.Context, ref candle.SymbolRef, ts time.Time) (ChunkStatus, error) {
	loc, err := s.provider.Locate(ref, ts)
	if err != nil {
		return ChunkStatus{}, err
	}
	st := ChunkStatus{
		Location: loc,
		Complete: fileExists(loc.BasePath),
		Partial:  fileExists(loc.PartialPath),
		Working:  fileExists(loc.WorkingPath),
	}
	rec, err := lock.ReadLockInfo(loc.WorkingPath)
	if err != nil {
		s.logger.Debug("unreadable lock file", "path", loc.LockPath, "error", err)
	}
	st.Lock = rec
	st.Locked = s.locker.IsLocked(ctx, loc.WorkingPath)
	return st, nil
}

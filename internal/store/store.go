// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package store é a fachada usada pelos consumidores do armazenamento de candles:
// "garantir o chunk de (série, instante)" e "iterar as barras de um chunk".
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/nishisan-dev/n-candles/internal/candle"
	"github.com/nishisan-dev/n-candles/internal/chunkfile"
	"github.com/nishisan-dev/n-candles/internal/lock"
	"github.com/nishisan-dev/n-candles/internal/metrics"
)

var (
	// ErrLowDiskSpace indica espaço livre abaixo do mínimo configurado.
	ErrLowDiskSpace = errors.New("store: free disk space below minimum")
	// ErrNotFound indica que não há chunk complete nem partial para o instante.
	ErrNotFound = errors.New("store: chunk not found")
)

// BarFetcher busca as barras de um range numa fonte externa (exchange, dump, etc).
// complete=false indica que a fonte ainda não cobre o range inteiro.
type BarFetcher interface {
	FetchBars(ctx context.Context, r candle.ChunkRange) (bars []candle.Bar, complete bool, err error)
}

// FetcherFunc adapta uma função a BarFetcher.
type FetcherFunc func(ctx context.Context, r candle.ChunkRange) ([]candle.Bar, bool, error)

func (f FetcherFunc) FetchBars(ctx context.Context, r candle.ChunkRange) ([]candle.Bar, bool, error) {
	return f(ctx, r)
}

// EnsureStatus é o desfecho de Ensure.
type EnsureStatus int

const (
	StatusWritten EnsureStatus = iota
	StatusWrittenPartial
	StatusAlreadyComplete
	// StatusNotAcquired: outro escritor vivo manteve o lock até o timeout, ou ctx cancelado.
	StatusNotAcquired
	// StatusNoData: a fonte não retornou barras; nada foi gravado.
	StatusNoData
)

func (s EnsureStatus) String() string {
	switch s {
	case StatusWritten:
		return "written"
	case StatusWrittenPartial:
		return "written_partial"
	case StatusAlreadyComplete:
		return "already_complete"
	case StatusNotAcquired:
		return "not_acquired"
	case StatusNoData:
		return "no_data"
	default:
		return fmt.Sprintf("EnsureStatus(%d)", int(s))
	}
}

// EnsureResult descreve o que Ensure fez.
type EnsureResult struct {
	Status   EnsureStatus
	Location chunkfile.Location
	Path     string
	Bars     int
}

// EnsureOptions sobrescreve, por chamada, os parâmetros do lock.
type EnsureOptions struct {
	Lock lock.Options
}

// Config agrupa os parâmetros do Store.
type Config struct {
	// MinFreeBytes é o espaço livre mínimo em BaseDir para iniciar uma escrita (0 desliga).
	MinFreeBytes uint64
	// KeepAliveInterval renova o lock durante escritas longas (0 = MaxAge/3).
	KeepAliveInterval time.Duration
}

// Store coordena provider, lock e codec.
type Store struct {
	cfg      Config
	provider *chunkfile.Provider
	locker   *lock.Locker
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New cria o Store.
func New(cfg Config, provider *chunkfile.Provider, locker *lock.Locker, logger *slog.Logger, m *metrics.Metrics) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:      cfg,
		provider: provider,
		locker:   locker,
		logger:   logger.With("component", "store"),
		metrics:  m,
	}
}

// Provider expõe o provider (CLI e status API).
func (s *Store) Provider() *chunkfile.Provider { return s.provider }

// Locker expõe o locker (CLI e status API).
func (s *Store) Locker() *lock.Locker { return s.locker }

// Ensure garante que o chunk de ref que contém ts exista em disco.
// Contenção é reportada no status; erros ficam para falhas reais (fonte, disco, formato).
func (s *Store) Ensure(ctx context.Context, ref candle.SymbolRef, ts time.Time, fetcher BarFetcher, opts EnsureOptions) (EnsureResult, error) {
	loc, err := s.provider.Locate(ref, ts)
	if err != nil {
		return EnsureResult{}, err
	}
	res := EnsureResult{Location: loc, Path: loc.BasePath}

	if fileExists(loc.BasePath) {
		res.Status = StatusAlreadyComplete
		return res, nil
	}
	if err := s.checkDiskSpace(ctx); err != nil {
		return res, err
	}

	h, lr, err := s.locker.TryAcquire(ctx, loc.WorkingPath, opts.Lock)
	if err != nil {
		return res, err
	}
	switch lr {
	case lock.AlreadyComplete:
		res.Status = StatusAlreadyComplete
		return res, nil
	case lock.HeldByOther, lock.Canceled:
		res.Status = StatusNotAcquired
		return res, nil
	}
	defer func() {
		if err := h.Release(); err != nil {
			s.logger.Warn("failed to release chunk lock", "path", loc.WorkingPath, "error", err)
		}
	}()

	// O holder anterior pode ter publicado o chunk entre a verificação e o O_EXCL.
	if fileExists(loc.BasePath) {
		res.Status = StatusAlreadyComplete
		return res, nil
	}

	// Com o lock em mãos, qualquer working restante é órfão de um escritor morto.
	if fileExists(loc.WorkingPath) {
		s.logger.Warn("removing orphan working file", "path", loc.WorkingPath)
		if err := os.Remove(loc.WorkingPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return res, fmt.Errorf("removing orphan working file: %w", err)
		}
	}

	// Registrado depois do Release: o keep-alive termina antes do lock ser solto.
	keepCtx, stopKeepAlive := context.WithCancel(ctx)
	keepDone := make(chan struct{})
	go func() {
		defer close(keepDone)
		h.KeepAlive(keepCtx, s.keepAliveInterval(opts.Lock))
	}()
	defer func() {
		stopKeepAlive()
		<-keepDone
	}()

	bars, complete, err := fetcher.FetchBars(ctx, loc.Range)
	if err != nil {
		return res, fmt.Errorf("fetching %s: %w", loc.Range, err)
	}
	if len(bars) == 0 {
		res.Status = StatusNoData
		return res, nil
	}

	f, cs, err := s.provider.Create(loc, true)
	if err != nil {
		return res, err
	}
	if cs != chunkfile.Created {
		res.Status = StatusNotAcquired
		return res, nil
	}
	defer f.Close()

	if err := f.Append(bars...); err != nil {
		return res, fmt.Errorf("writing %s: %w", loc.Range, err)
	}
	state, err := f.Finish(complete, true)
	if err != nil {
		return res, err
	}

	res.Bars = f.Bars()
	if state == chunkfile.StatePartial {
		res.Status = StatusWrittenPartial
		res.Path = loc.PartialPath
	} else {
		res.Status = StatusWritten
	}
	s.logger.Info("chunk written",
		"chunk", loc.Range.String(),
		"state", state.String(),
		"bars", res.Bars,
	)
	return res, nil
}

func (s *Store) keepAliveInterval(o lock.Options) time.Duration {
	if s.cfg.KeepAliveInterval > 0 {
		return s.cfg.KeepAliveInterval
	}
	maxAge := o.MaxAge
	if maxAge <= 0 {
		maxAge = s.locker.Defaults().MaxAge
	}
	return maxAge / 3
}

// checkDiskSpace recusa novas escritas com pouco espaço livre em BaseDir.
func (s *Store) checkDiskSpace(ctx context.Context) error {
	if s.cfg.MinFreeBytes == 0 {
		return nil
	}
	dir := s.provider.BaseDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating base dir: %w", err)
	}
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		// Sem leitura conclusiva do disco a escrita segue; o próprio write falhará se faltar espaço.
		s.logger.Warn("disk usage check failed", "path", dir, "error", err)
		return nil
	}
	if usage.Free < s.cfg.MinFreeBytes {
		return fmt.Errorf("%w: %d bytes free in %s, need %d", ErrLowDiskSpace, usage.Free, dir, s.cfg.MinFreeBytes)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

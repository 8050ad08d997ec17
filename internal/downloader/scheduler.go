// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package downloader

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler dispara execuções periódicas do downloader via cron expression.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	runFn   func(ctx context.Context) error
	ctx     context.Context
	mu      sync.Mutex // garante apenas uma execução por vez
	running bool
	skipped int
}

// NewScheduler cria um Scheduler com a expressão cron fornecida.
func NewScheduler(schedule string, logger *slog.Logger, fn func(ctx context.Context) error) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger: logger.With("component", "scheduler"),
		runFn:  fn,
		ctx:    context.Background(),
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, s.execute); err != nil {
		return nil, err
	}

	s.cron = c
	return s, nil
}

// Start inicia o scheduler. ctx é repassado a cada execução; cancelá-lo
// interrompe a execução em andamento.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.logger.Info("scheduler started")
	s.cron.Start()
}

// Stop para o scheduler e aguarda execuções em andamento.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("scheduler stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// Skipped retorna quantas execuções foram puladas por sobreposição.
func (s *Scheduler) Skipped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

func (s *Scheduler) execute() {
	s.mu.Lock()
	if s.running {
		s.skipped++
		s.mu.Unlock()
		s.logger.Warn("download run already in progress, skipping scheduled execution")
		return
	}
	s.running = true
	ctx := s.ctx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("scheduled download triggered")
	if err := s.runFn(ctx); err != nil {
		s.logger.Error("download run failed", "error", err)
	}
}

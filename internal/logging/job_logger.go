// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// JobLog acompanha uma execução de download de uma série. Com diretório
// configurado, tudo que o job loga vai também para
//
//	{dir}/{job}/{runID}.log
//
// em JSON e nível DEBUG, para investigar chunks que falharam sem subir o
// nível do log do processo. Execuções sem falha descartam o arquivo.
type JobLog struct {
	Logger *slog.Logger
	Path   string

	file *os.File
	once sync.Once
	err  error
}

// OpenJobLog cria o log da execução runID do job. dir vazio devolve um JobLog
// que só anota o logger base com o nome do job.
func OpenJobLog(base *slog.Logger, dir, job, runID string) (*JobLog, error) {
	if dir == "" {
		return &JobLog{Logger: base.With("job", job)}, nil
	}

	jobDir := filepath.Join(dir, job)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, fmt.Errorf("creating job log directory %s: %w", jobDir, err)
	}
	path := filepath.Join(jobDir, runID+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening job log file %s: %w", path, err)
	}

	h := &teeHandler{
		process: base.Handler(),
		run:     slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
	return &JobLog{
		Logger: slog.New(h).With("job", job, "run_id", runID),
		Path:   path,
		file:   f,
	}, nil
}

// Finish fecha o arquivo; sem falhas ele é removido. Chamadas repetidas
// devolvem o resultado da primeira.
func (j *JobLog) Finish(failed bool) error {
	j.once.Do(func() {
		if j.file == nil {
			return
		}
		j.err = j.file.Close()
		if !failed {
			if err := os.Remove(j.Path); err != nil && j.err == nil {
				j.err = err
			}
		}
	})
	return j.err
}

// teeHandler entrega o registro ao log do processo e ao arquivo da execução,
// cada um com seu próprio nível.
type teeHandler struct {
	process slog.Handler
	run     slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.process.Enabled(ctx, level) || h.run.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.run.Enabled(ctx, r.Level) {
		// Falha no arquivo da execução não derruba o log do processo.
		_ = h.run.Handle(ctx, r.Clone())
	}
	if !h.process.Enabled(ctx, r.Level) {
		return nil
	}
	return h.process.Handle(ctx, r)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{process: h.process.WithAttrs(attrs), run: h.run.WithAttrs(attrs)}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{process: h.process.WithGroup(name), run: h.run.WithGroup(name)}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package chunkfile implementa o ciclo de vida de um chunk em disco:
//
//	working (.downloading) ─┬─> complete (sem sufixo)
//	                        ├─> partial (.partial)
//	                        └─> discarded (working removido)
//
// A transição acontece uma única vez, em Finish ou Close.
package chunkfile

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nishisan-dev/n-candles/internal/candle"
	"github.com/nishisan-dev/n-candles/internal/codec"
	"github.com/nishisan-dev/n-candles/internal/layout"
	"github.com/nishisan-dev/n-candles/internal/metrics"
)

// State é o estado do arquivo no ciclo de vida.
type State int

const (
	StateWorking State = iota
	StateComplete
	StatePartial
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateWorking:
		return "working"
	case StateComplete:
		return "complete"
	case StatePartial:
		return "partial"
	default:
		return "discarded"
	}
}

// CreateStatus é o desfecho de Create. Contenção não é erro.
type CreateStatus int

const (
	Created CreateStatus = iota
	// AlreadyComplete: o arquivo complete existe e truncate não foi pedido.
	AlreadyComplete
	// Busy: outro escritor mantém o arquivo working.
	Busy
)

func (s CreateStatus) String() string {
	switch s {
	case Created:
		return "created"
	case AlreadyComplete:
		return "already_complete"
	default:
		return "busy"
	}
}

// ErrFinished é retornado por escritas após a transição final.
var ErrFinished = errors.New("chunkfile: file already finished")

// File é um chunk aberto no estado working. O escritor informa as flags
// persist/complete e Close (ou Finish) executa a transição. Sem decisão
// explícita, Close descarta o conteúdo.
type File struct {
	base    string
	working string
	meta    candle.ChunkMetadata
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	f        *os.File
	enc      *codec.Encoder
	persist  bool
	complete bool
	state    State
	bars     int
	finished bool
	err      error
}

// CreateOptions agrupa dependências opcionais de Create.
type CreateOptions struct {
	Truncate bool
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Create abre o arquivo working de base com O_EXCL e grava o header de meta.
func Create(base string, meta candle.ChunkMetadata, opts CreateOptions) (*File, CreateStatus, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if !opts.Truncate {
		if _, err := os.Stat(base); err == nil {
			return nil, AlreadyComplete, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(base), 0755); err != nil {
		return nil, Busy, fmt.Errorf("creating chunk directory: %w", err)
	}

	working := layout.WorkingPath(base)
	f, err := os.OpenFile(working, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, Busy, nil
		}
		return nil, Busy, fmt.Errorf("creating working file: %w", err)
	}

	enc, err := codec.NewEncoder(f, meta)
	if err != nil {
		f.Close()
		os.Remove(working)
		return nil, Busy, err
	}

	return &File{
		base:    base,
		working: working,
		meta:    meta,
		logger:  logger.With("chunk", base),
		metrics: opts.Metrics,
		f:       f,
		enc:     enc,
		state:   StateWorking,
	}, Created, nil
}

// Path retorna o caminho complete.
func (c *File) Path() string { return c.base }

// WorkingPath retorna o caminho do arquivo em escrita.
func (c *File) WorkingPath() string { return c.working }

// Metadata retorna o header gravado.
func (c *File) Metadata() candle.ChunkMetadata { return c.meta }

// Append grava barras no corpo. Após um erro de escrita o arquivo não é
// mais persistível: Close o descarta.
func (c *File) Append(bars ...candle.Bar) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return ErrFinished
	}
	if c.err != nil {
		return c.err
	}
	for _, b := range bars {
		if err := c.enc.Write(b); err != nil {
			c.err = err
			return err
		}
		c.bars++
	}
	return nil
}

// Bars retorna quantas barras foram anexadas (sem contar gaps preenchidos).
func (c *File) Bars() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bars
}

// SetPersist define se o conteúdo deve sobreviver ao Close.
func (c *File) SetPersist(persist bool) {
	c.mu.Lock()
	c.persist = persist
	c.mu.Unlock()
}

// SetComplete define se o chunk está logicamente completo.
func (c *File) SetComplete(complete bool) {
	c.mu.Lock()
	c.complete = complete
	c.mu.Unlock()
}

// Finish define as flags e executa a transição.
func (c *File) Finish(complete, persist bool) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		c.complete = complete
		c.persist = persist
	}
	return c.finishLocked()
}

// Close executa a transição com as flags atuais. Idempotente: chamadas
// seguintes retornam o mesmo estado sem tocar no disco.
func (c *File) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.finishLocked()
	return err
}

// State retorna o estado atual.
func (c *File) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *File) finishLocked() (State, error) {
	if c.finished {
		return c.state, nil
	}
	c.finished = true

	persist := c.persist && c.err == nil
	if !persist {
		c.f.Close()
		if err := removeIfExists(c.working); err != nil {
			c.logger.Warn("failed to remove working file", "path", c.working, "error", err)
		}
		c.state = StateDiscarded
		c.metrics.ObserveFinish(c.state.String(), 0)
		c.logger.Debug("chunk discarded", "bars", c.bars)
		return c.state, nil
	}

	if err := c.flush(); err != nil {
		removeIfExists(c.working)
		c.state = StateDiscarded
		c.metrics.ObserveFinish(c.state.String(), 0)
		return c.state, err
	}

	target, state := layout.PartialPath(c.base), StatePartial
	if c.complete {
		target, state = c.base, StateComplete
	}
	for _, p := range []string{c.base, layout.PartialPath(c.base)} {
		if err := removeIfExists(p); err != nil {
			c.logger.Warn("failed to remove previous chunk", "path", p, "error", err)
		}
	}
	if err := os.Rename(c.working, target); err != nil {
		removeIfExists(c.working)
		c.state = StateDiscarded
		c.metrics.ObserveFinish(c.state.String(), 0)
		return c.state, fmt.Errorf("renaming working to %s: %w", state, err)
	}

	c.state = state
	c.metrics.ObserveFinish(state.String(), c.bars)
	c.logger.Debug("chunk finished", "state", state.String(), "bars", c.bars, "path", target)
	return c.state, nil
}

func (c *File) flush() error {
	if err := c.enc.Close(); err != nil {
		c.f.Close()
		return err
	}
	if err := c.f.Sync(); err != nil {
		c.f.Close()
		return fmt.Errorf("syncing working file: %w", err)
	}
	if err := c.f.Close(); err != nil {
		return fmt.Errorf("closing working file: %w", err)
	}
	return nil
}

// removeIfExists remove path; arquivo inexistente não é erro.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

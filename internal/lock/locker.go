// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package lock implementa o lock advisory entre processos sobre chunks.
//
// A exclusão mútua vem exclusivamente da criação exclusiva (O_EXCL) do arquivo
// {working}.lock. Verificações de chunk complete e de staleness são otimizações
// e limpeza; nenhum estado em memória substitui a releitura do filesystem.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/n-candles/internal/layout"
	"github.com/nishisan-dev/n-candles/internal/metrics"
)

// Defaults de aquisição.
const (
	DefaultMaxAge       = 10 * time.Minute
	DefaultPollInterval = 500 * time.Millisecond
	DefaultTimeout      = 2 * time.Minute
)

// Result é o desfecho de uma tentativa de aquisição. Contenção não é erro.
type Result int

const (
	Acquired Result = iota
	// AlreadyComplete indica que o chunk complete já existe; o chamador não deve escrever.
	AlreadyComplete
	// HeldByOther indica timeout com o lock ainda nas mãos de outro holder vivo.
	HeldByOther
	// Canceled indica que o context foi cancelado antes da aquisição.
	Canceled
)

func (r Result) String() string {
	switch r {
	case Acquired:
		return "acquired"
	case AlreadyComplete:
		return "already_complete"
	case HeldByOther:
		return "held_by_other"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// ErrNotWorkingPath é retornado quando o caminho não termina com o sufixo working.
var ErrNotWorkingPath = errors.New("lock: path is not a working (.downloading) path")

// ErrLockLost indica que, no release, o lock file pertencia a outro holder.
var ErrLockLost = errors.New("lock: lock record no longer owned by this handle")

// Options controla uma aquisição. Campos zero herdam os defaults do Locker.
type Options struct {
	MaxAge       time.Duration
	PollInterval time.Duration
	Timeout      time.Duration
}

// DefaultOptions retorna os defaults documentados (10m, 500ms, 2m).
func DefaultOptions() Options {
	return Options{
		MaxAge:       DefaultMaxAge,
		PollInterval: DefaultPollInterval,
		Timeout:      DefaultTimeout,
	}
}

func (o Options) merge(def Options) Options {
	if o.MaxAge <= 0 {
		o.MaxAge = def.MaxAge
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	return o
}

// Locker adquire e libera locks de chunks para o processo corrente.
// É seguro para uso concorrente; não guarda estado entre aquisições.
type Locker struct {
	defaults Options
	hostname string
	pid      int32
	prober   ProcessProber
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option customiza o Locker (identidade, relógio, prober). Usado em testes.
type Option func(*Locker)

// WithProber substitui a verificação de liveness.
func WithProber(p ProcessProber) Option { return func(l *Locker) { l.prober = p } }

// WithClock substitui time.Now.
func WithClock(now func() time.Time) Option { return func(l *Locker) { l.now = now } }

// WithIdentity substitui hostname e PID gravados no record.
func WithIdentity(hostname string, pid int32) Option {
	return func(l *Locker) {
		l.hostname = hostname
		l.pid = pid
	}
}

// WithMetrics registra contadores de aquisição e reclaim.
func WithMetrics(m *metrics.Metrics) Option { return func(l *Locker) { l.metrics = m } }

// NewLocker cria um Locker com os defaults informados.
func NewLocker(defaults Options, logger *slog.Logger, opts ...Option) *Locker {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	l := &Locker{
		defaults: defaults.merge(DefaultOptions()),
		hostname: hostname,
		pid:      int32(os.Getpid()),
		prober:   SystemProber{},
		now:      time.Now,
		logger:   logger.With("component", "chunk_lock"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Defaults retorna as opções efetivas do Locker.
func (l *Locker) Defaults() Options { return l.defaults }

// Handle representa um lock adquirido. Release é idempotente.
type Handle struct {
	locker   *Locker
	lockPath string
	working  string

	mu       sync.Mutex
	record   Record
	released bool
}

// Path retorna o caminho working protegido pelo lock.
func (h *Handle) Path() string { return h.working }

// LockPath retorna o caminho do lock file.
func (h *Handle) LockPath() string { return h.lockPath }

// Record retorna o record gravado por este handle.
func (h *Handle) Record() Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record
}

type attemptOutcome int

const (
	outcomeAcquired attemptOutcome = iota
	outcomeComplete
	outcomeHeld
	outcomeTransient
)

// TryAcquire tenta adquirir o lock do chunk cujo caminho working é workingPath,
// repetindo a cada PollInterval até Timeout. Cancelamento do ctx interrompe o
// loop prontamente e retorna Canceled; nunca deixa lock meio-adquirido.
// O erro só é não-nil para argumentos inválidos.
func (l *Locker) TryAcquire(ctx context.Context, workingPath string, opts Options) (*Handle, Result, error) {
	base, ok := layout.BaseFromWorking(workingPath)
	if !ok {
		return nil, HeldByOther, fmt.Errorf("%w: %s", ErrNotWorkingPath, workingPath)
	}
	o := opts.merge(l.defaults)
	deadline := time.Now().Add(o.Timeout)

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			l.metrics.ObserveLock(Canceled.String())
			return nil, Canceled, nil
		}

		h, outcome := l.attempt(ctx, base, workingPath, o)
		switch outcome {
		case outcomeAcquired:
			l.logger.Debug("chunk lock acquired", "path", workingPath, "attempt", attempt)
			l.metrics.ObserveLock(Acquired.String())
			return h, Acquired, nil
		case outcomeComplete:
			l.metrics.ObserveLock(AlreadyComplete.String())
			return nil, AlreadyComplete, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			l.logger.Debug("chunk lock not acquired before timeout",
				"path", workingPath,
				"attempts", attempt,
				"timeout", o.Timeout,
			)
			l.metrics.ObserveLock(HeldByOther.String())
			return nil, HeldByOther, nil
		}

		wait := min(o.PollInterval, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.metrics.ObserveLock(Canceled.String())
			return nil, Canceled, nil
		case <-timer.C:
		}
	}
}

// attempt executa uma única tentativa de aquisição.
func (l *Locker) attempt(ctx context.Context, base, working string, o Options) (*Handle, attemptOutcome) {
	if _, err := os.Stat(base); err == nil {
		return nil, outcomeComplete
	}

	lockPath := layout.LockPath(working)

	rec, err := readRecord(lockPath)
	switch {
	case err == nil:
		if !l.isStale(ctx, rec, o.MaxAge) {
			return nil, outcomeHeld
		}
		if !l.reclaim(lockPath, &rec, o.MaxAge) {
			return nil, outcomeHeld
		}
	case errors.Is(err, errCorruptRecord):
		if !l.corruptIsStale(lockPath, o.MaxAge) {
			return nil, outcomeHeld
		}
		if !l.reclaim(lockPath, nil, o.MaxAge) {
			return nil, outcomeHeld
		}
	case isNotExist(err):
	default:
		l.logger.Warn("reading lock record failed", "path", lockPath, "error", err)
		return nil, outcomeTransient
	}

	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		l.logger.Warn("creating lock directory failed", "path", lockPath, "error", err)
		return nil, outcomeTransient
	}

	mine := Record{
		ProcessID:       l.pid,
		MachineName:     l.hostname,
		AcquiredUTC:     l.now().UTC(),
		DownloadingPath: working,
		Token:           uuid.NewString(),
	}
	if err := createExclusive(lockPath, mine); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, outcomeHeld
		}
		l.logger.Warn("creating lock file failed", "path", lockPath, "error", err)
		return nil, outcomeTransient
	}

	return &Handle{locker: l, lockPath: lockPath, working: working, record: mine}, outcomeAcquired
}

// isStale aplica a regra: idade > maxAge OU holder local não está vivo.
// Holders de outra máquina são considerados vivos (apenas o limite de idade vale).
func (l *Locker) isStale(ctx context.Context, rec Record, maxAge time.Duration) bool {
	if l.now().Sub(rec.AcquiredUTC) > maxAge {
		return true
	}
	if rec.MachineName != l.hostname {
		return false
	}
	if rec.ProcessID == l.pid {
		return false
	}
	alive, err := l.prober.Alive(ctx, rec.ProcessID)
	if err != nil {
		l.logger.Debug("process liveness inconclusive, assuming alive", "pid", rec.ProcessID, "error", err)
		return false
	}
	return !alive
}

// corruptIsStale decide pelo mtime: um writer pode estar entre o O_EXCL e a escrita.
func (l *Locker) corruptIsStale(lockPath string, maxAge time.Duration) bool {
	fi, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	return l.now().Sub(fi.ModTime()) > maxAge
}

// reclaim remove um lock stale. O record é relido logo antes do rename (um
// Refresh ou um novo dono desde a observação cancela o reclaim); depois o
// arquivo é renomeado para um nome exclusivo e relido: se o conteúdo não for
// o record stale observado, ele volta ao lugar via link e o reclaim falha.
// expected nil significa lock corrompido (verificado pelo mtime).
//
// Entre o rename e a restauração o lock fica ausente; um terceiro processo que
// crie o lock nessa janela vence e o dono restaurado percebe no próximo
// Refresh (ErrLockLost).
func (l *Locker) reclaim(lockPath string, expected *Record, maxAge time.Duration) bool {
	if !l.stillObserved(lockPath, expected, maxAge) {
		return false
	}

	aside := lockPath + ".reclaim-" + uuid.NewString()
	if err := os.Rename(lockPath, aside); err != nil {
		if !isNotExist(err) {
			l.logger.Warn("reclaiming stale lock failed", "path", lockPath, "error", err)
		}
		return false
	}

	got, err := readRecord(aside)
	switch {
	case expected != nil && err == nil && got.sameRecord(*expected):
	case expected == nil && errors.Is(err, errCorruptRecord):
	default:
		// Pegamos um lock que não era o stale observado: devolve ao dono.
		l.restore(lockPath, aside, got, err == nil)
		return false
	}

	if err := os.Remove(aside); err != nil && !isNotExist(err) {
		l.logger.Warn("removing reclaimed lock failed", "path", aside, "error", err)
	}

	attrs := []any{"path", lockPath, "max_age", maxAge}
	if expected != nil {
		attrs = append(attrs,
			"holder_pid", expected.ProcessID,
			"holder_machine", expected.MachineName,
			"acquired_utc", expected.AcquiredUTC,
		)
	}
	l.logger.Warn("stale chunk lock reclaimed", attrs...)
	l.metrics.IncStaleReclaim()
	return true
}

// stillObserved relê o lock imediatamente antes do reclaim.
func (l *Locker) stillObserved(lockPath string, expected *Record, maxAge time.Duration) bool {
	got, err := readRecord(lockPath)
	if expected == nil {
		return errors.Is(err, errCorruptRecord) && l.corruptIsStale(lockPath, maxAge)
	}
	return err == nil && got.sameRecord(*expected)
}

// restore devolve o arquivo renomeado para lockPath. O link preserva o inode
// que o dono pode ainda estar escrevendo; sem suporte a link, recria o record.
func (l *Locker) restore(lockPath, aside string, got Record, parsed bool) {
	defer os.Remove(aside)
	err := os.Link(aside, lockPath)
	if err == nil {
		return
	}
	if !errors.Is(err, fs.ErrExist) && parsed {
		err = createExclusive(lockPath, got)
	}
	if err != nil {
		l.logger.Error("restoring lock taken during reclaim failed",
			"path", lockPath, "holder_pid", got.ProcessID, "error", err)
	}
}

// Release apaga o lock file somente se o record em disco ainda pertence a este
// handle (relido imediatamente antes). Chamadas repetidas são no-op.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true

	onDisk, err := readRecord(h.lockPath)
	if err != nil {
		if isNotExist(err) {
			h.locker.logger.Warn("chunk lock already gone on release", "path", h.lockPath)
			return nil
		}
		return fmt.Errorf("reading lock record on release: %w", err)
	}
	if !onDisk.sameOwner(h.record) {
		h.locker.logger.Warn("chunk lock taken over by another holder, leaving it in place",
			"path", h.lockPath,
			"holder_pid", onDisk.ProcessID,
			"holder_machine", onDisk.MachineName,
		)
		return ErrLockLost
	}
	if err := os.Remove(h.lockPath); err != nil && !isNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	h.locker.logger.Debug("chunk lock released", "path", h.working)
	return nil
}

// Close é um alias de Release para uso com defer.
func (h *Handle) Close() error { return h.Release() }

// Refresh renova AcquiredUTC para que escritas longas não sejam consideradas
// stale pelo limite de idade. Falha com ErrLockLost se o lock mudou de dono.
func (h *Handle) Refresh() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrLockLost
	}
	onDisk, err := readRecord(h.lockPath)
	if err != nil {
		if isNotExist(err) {
			return ErrLockLost
		}
		return fmt.Errorf("reading lock record on refresh: %w", err)
	}
	if !onDisk.sameOwner(h.record) {
		return ErrLockLost
	}
	next := h.record
	next.AcquiredUTC = h.locker.now().UTC()
	if err := replaceRecord(h.lockPath, next); err != nil {
		return err
	}
	h.record = next
	return nil
}

// KeepAlive chama Refresh a cada interval até ctx terminar ou o lock ser perdido.
func (h *Handle) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Refresh(); err != nil {
				h.locker.logger.Warn("chunk lock refresh failed", "path", h.lockPath, "error", err)
				if errors.Is(err, ErrLockLost) {
					return
				}
			}
		}
	}
}

// ReadLockInfo lê o record atual sem efeitos colaterais. Retorna (nil, nil)
// se não houver lock.
func ReadLockInfo(workingPath string) (*Record, error) {
	rec, err := readRecord(layout.LockPath(workingPath))
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// IsLocked informa se existe lock file não-stale para o caminho working.
func (l *Locker) IsLocked(ctx context.Context, workingPath string) bool {
	lockPath := layout.LockPath(workingPath)
	rec, err := readRecord(lockPath)
	switch {
	case err == nil:
		return !l.isStale(ctx, rec, l.defaults.MaxAge)
	case errors.Is(err, errCorruptRecord):
		return !l.corruptIsStale(lockPath, l.defaults.MaxAge)
	default:
		return false
	}
}

// IsStale expõe a regra de staleness para inspeção (CLI, status API).
func (l *Locker) IsStale(ctx context.Context, rec Record) bool {
	return l.isStale(ctx, rec, l.defaults.MaxAge)
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package chunkfile

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-candles/internal/candle"
	"github.com/nishisan-dev/n-candles/internal/layout"
	"github.com/nishisan-dev/n-candles/internal/metrics"
)

// Location reúne o range calculado e todos os caminhos derivados de um chunk.
type Location struct {
	Range       candle.ChunkRange
	Long        bool
	Meta        candle.ChunkMetadata
	BasePath    string
	WorkingPath string
	PartialPath string
	LockPath    string
}

// ProviderConfig é a parte da configuração consumida pelo Provider.
type ProviderConfig struct {
	BaseDir     string
	Compression candle.Compression
	DataType    candle.DataType
}

// Provider resolve (série, timestamp) para o chunk no layout configurado.
// Não guarda estado além da configuração; seguro para uso concorrente.
type Provider struct {
	cfg     ProviderConfig
	calc    *candle.RangeCalculator
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProvider cria o Provider. calc define a política de ranges.
func NewProvider(cfg ProviderConfig, calc *candle.RangeCalculator, logger *slog.Logger, m *metrics.Metrics) (*Provider, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("provider: base dir is required")
	}
	if calc == nil {
		return nil, fmt.Errorf("provider: range calculator is required")
	}
	if cfg.Compression == "" {
		cfg.Compression = candle.CompressionNone
	}
	if cfg.DataType == "" {
		cfg.DataType = candle.DataTypeKlineV2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:     cfg,
		calc:    calc,
		logger:  logger.With("component", "chunk_provider"),
		metrics: m,
	}, nil
}

// BaseDir retorna o diretório raiz do store.
func (p *Provider) BaseDir() string { return p.cfg.BaseDir }

// Calculator retorna o calculador de ranges em uso.
func (p *Provider) Calculator() *candle.RangeCalculator { return p.calc }

// Locate calcula o chunk de ref que contém ts. Não faz I/O.
func (p *Provider) Locate(ref candle.SymbolRef, ts time.Time) (Location, error) {
	r, long, err := p.calc.RangeFor(ref, ts)
	if err != nil {
		return Location{}, err
	}
	return p.LocateRange(r, long)
}

// LocateRange monta a Location de um range já calculado.
func (p *Provider) LocateRange(r candle.ChunkRange, long bool) (Location, error) {
	base, err := layout.BasePath(p.cfg.BaseDir, r)
	if err != nil {
		return Location{}, err
	}
	working := layout.WorkingPath(base)
	return Location{
		Range:       r,
		Long:        long,
		Meta:        candle.NewChunkMetadata(r, p.cfg.Compression, p.cfg.DataType),
		BasePath:    base,
		WorkingPath: working,
		PartialPath: layout.PartialPath(base),
		LockPath:    layout.LockPath(working),
	}, nil
}

// GetFile localiza o chunk e cria seu arquivo working.
// File é nil quando o status não é Created.
func (p *Provider) GetFile(ref candle.SymbolRef, ts time.Time, truncate bool) (*File, Location, CreateStatus, error) {
	loc, err := p.Locate(ref, ts)
	if err != nil {
		return nil, Location{}, Busy, err
	}
	f, status, err := p.Create(loc, truncate)
	return f, loc, status, err
}

// Create abre o arquivo working de uma Location já resolvida.
func (p *Provider) Create(loc Location, truncate bool) (*File, CreateStatus, error) {
	return Create(loc.BasePath, loc.Meta, CreateOptions{
		Truncate: truncate,
		Logger:   p.logger,
		Metrics:  p.metrics,
	})
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package downloader

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/n-candles/internal/candle"
	"github.com/nishisan-dev/n-candles/internal/store"
)

// ThrottledFetcher é um store.BarFetcher com rate limiting baseado em token bucket.
// Cada FetchBars consome um token; chunks já completos não passam por aqui.
type ThrottledFetcher struct {
	next    store.BarFetcher
	limiter *rate.Limiter
}

// NewThrottledFetcher limita next a perSec chamadas/segundo com o burst dado.
// Se perSec <= 0, retorna o fetcher original sem throttle (bypass).
func NewThrottledFetcher(next store.BarFetcher, perSec float64, burst int) store.BarFetcher {
	if perSec <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &ThrottledFetcher{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
	}
}

// FetchBars espera um token (respeitando ctx) e delega.
func (f *ThrottledFetcher) FetchBars(ctx context.Context, r candle.ChunkRange) ([]candle.Bar, bool, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, false, err
	}
	return f.next.FetchBars(ctx, r)
}

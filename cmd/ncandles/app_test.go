// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/nishisan-dev/n-candles/internal/candle"
)

func TestParseSeries(t *testing.T) {
	ref, err := parseSeries("BINANCE/futures/BTCUSDT/m15")
	if err != nil {
		t.Fatalf("parseSeries: %v", err)
	}
	want := candle.SymbolRef{Exchange: "BINANCE", Area: "futures", Symbol: "BTCUSDT", TimeFrame: candle.M15}
	if ref != want {
		t.Errorf("got %+v, want %+v", ref, want)
	}

	for _, bad := range []string{"", "BINANCE/futures/BTCUSDT", "BINANCE/futures/BTCUSDT/x9", "/futures/BTCUSDT/h1"} {
		if _, err := parseSeries(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package export converte chunks para formatos de análise.
package export

import (
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/nishisan-dev/n-candles/internal/candle"
	"github.com/nishisan-dev/n-candles/internal/codec"
)

// Row é a linha Parquet de uma barra. Tempos em ms desde a epoch (UTC).
type Row struct {
	OpenTime            int64   `parquet:"open_time"`
	CloseTime           int64   `parquet:"close_time"`
	Open                float64 `parquet:"open"`
	High                float64 `parquet:"high"`
	Low                 float64 `parquet:"low"`
	Close               float64 `parquet:"close"`
	Volume              float64 `parquet:"volume"`
	QuoteVolume         float64 `parquet:"quote_volume"`
	TakerBuyBaseVolume  float64 `parquet:"taker_buy_base_volume"`
	TakerBuyQuoteVolume float64 `parquet:"taker_buy_quote_volume"`
	Trades              int64   `parquet:"trades"`
}

// RowFromBar converte uma barra.
func RowFromBar(b candle.Bar) Row {
	return Row{
		OpenTime:            b.OpenTime.UnixMilli(),
		CloseTime:           b.CloseTime.UnixMilli(),
		Open:                b.Open,
		High:                b.High,
		Low:                 b.Low,
		Close:               b.Close,
		Volume:              b.Volume,
		QuoteVolume:         b.QuoteVolume,
		TakerBuyBaseVolume:  b.TakerBuyBaseVolume,
		TakerBuyQuoteVolume: b.TakerBuyQuoteVolume,
		Trades:              b.Trades,
	}
}

// ChunkToParquet grava as barras não-missing do chunk em outPath.
// Retorna o número de linhas e se o chunk tinha dados.
func ChunkToParquet(chunkPath, outPath string) (int, bool, error) {
	_, bars, ok, err := codec.DecodeFile(chunkPath, codec.DecodeOptions{SkipMissing: true})
	if err != nil || !ok {
		return 0, ok, err
	}
	rows := make([]Row, 0, len(bars))
	for _, b := range bars {
		rows = append(rows, RowFromBar(b))
	}
	if err := parquet.WriteFile(outPath, rows); err != nil {
		return 0, true, fmt.Errorf("writing parquet %s: %w", outPath, err)
	}
	return len(rows), true, nil
}

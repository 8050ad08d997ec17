// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package candle

import "time"

// BarStatus é o código de status persistido por registro.
type BarStatus uint8

const (
	StatusOK      BarStatus = 0x00
	StatusMissing BarStatus = 0x01 // gap: posição reservada sem dados
	StatusOther   BarStatus = 0x02
)

func (s BarStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMissing:
		return "missing"
	default:
		return "other"
	}
}

// Bar é um candle OHLCV.
type Bar struct {
	OpenTime  time.Time
	CloseTime time.Time

	Open  float64
	High  float64
	Low   float64
	Close float64

	Volume              float64
	QuoteVolume         float64
	TakerBuyBaseVolume  float64
	TakerBuyQuoteVolume float64
	Trades              int64

	Status BarStatus
}

// MissingBar cria o marcador de gap para a abertura openTime.
// Os campos de preço e volume ficam zerados; apenas os tempos são significativos.
func MissingBar(openTime time.Time, tf TimeFrame) Bar {
	openTime = openTime.UTC()
	return Bar{
		OpenTime:  openTime,
		CloseTime: DefaultCloseTime(openTime, tf),
		Status:    StatusMissing,
	}
}

// IsMissing informa se o registro é um gap.
func (b Bar) IsMissing() bool {
	return b.Status == StatusMissing
}

// DefaultCloseTime é a convenção de fechamento das exchanges: abertura + passo - 1ms.
func DefaultCloseTime(openTime time.Time, tf TimeFrame) time.Time {
	return openTime.Add(tf.Duration() - time.Millisecond)
}

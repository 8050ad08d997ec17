// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/nishisan-dev/n-candles/internal/candle"
)

// Layouts native (little-endian, tamanho fixo):
//
//	kline.v1: [Status 1B] [Open High Low Close Volume QuoteVolume TakerBase TakerQuote 8×float64] [Trades int64]
//	kline.v2: [Status 1B] [OpenTime int64 ms] [CloseTime int64 ms] [mesmos campos do v1]
//
// No v1 a abertura do registro i é Start + i*passo e o fechamento segue a
// convenção abertura + passo - 1ms.
const (
	valuesSize   = 8*8 + 8
	klineV1Size  = 1 + valuesSize
	klineV2Size  = 1 + 8 + 8 + valuesSize
	maxRecordLen = klineV2Size
)

// recordLayout codifica e decodifica um DataType native.
type recordLayout interface {
	size() int
	// encode grava b em buf; slot é o índice do registro no grid do chunk.
	encode(buf []byte, b candle.Bar)
	decode(buf []byte, slot int) candle.Bar
	// gridAligned indica que o layout exige um registro por slot do timeframe.
	gridAligned() bool
}

func layoutFor(meta candle.ChunkMetadata) (recordLayout, error) {
	if meta.FieldSet != candle.FieldSetNative {
		return nil, &UnsupportedError{Field: "FieldSet", Value: string(meta.FieldSet)}
	}
	switch meta.DataType {
	case candle.DataTypeKlineV1:
		return compactLayout{start: meta.Range.GridStart(), tf: meta.Range.TimeFrame}, nil
	case candle.DataTypeKlineV2:
		return timedLayout{}, nil
	default:
		return nil, &UnsupportedError{Field: "DataType", Value: string(meta.DataType)}
	}
}

type compactLayout struct {
	start time.Time
	tf    candle.TimeFrame
}

func (compactLayout) size() int         { return klineV1Size }
func (compactLayout) gridAligned() bool { return true }

func (compactLayout) encode(buf []byte, b candle.Bar) {
	buf[0] = byte(b.Status)
	if b.IsMissing() {
		clear(buf[1:klineV1Size])
		return
	}
	putValues(buf[1:], b)
}

func (l compactLayout) decode(buf []byte, slot int) candle.Bar {
	open := l.start.Add(time.Duration(slot) * l.tf.Duration())
	status := candle.BarStatus(buf[0])
	if status == candle.StatusMissing {
		return candle.MissingBar(open, l.tf)
	}
	b := getValues(buf[1:])
	b.Status = status
	b.OpenTime = open
	b.CloseTime = candle.DefaultCloseTime(open, l.tf)
	return b
}

type timedLayout struct{}

func (timedLayout) size() int         { return klineV2Size }
func (timedLayout) gridAligned() bool { return false }

func (timedLayout) encode(buf []byte, b candle.Bar) {
	buf[0] = byte(b.Status)
	binary.LittleEndian.PutUint64(buf[1:], uint64(b.OpenTime.UnixMilli()))
	binary.LittleEndian.PutUint64(buf[9:], uint64(b.CloseTime.UnixMilli()))
	if b.IsMissing() {
		clear(buf[17:klineV2Size])
		return
	}
	putValues(buf[17:], b)
}

func (timedLayout) decode(buf []byte, _ int) candle.Bar {
	open := time.UnixMilli(int64(binary.LittleEndian.Uint64(buf[1:]))).UTC()
	closeTime := time.UnixMilli(int64(binary.LittleEndian.Uint64(buf[9:]))).UTC()
	status := candle.BarStatus(buf[0])
	if status == candle.StatusMissing {
		return candle.Bar{OpenTime: open, CloseTime: closeTime, Status: candle.StatusMissing}
	}
	b := getValues(buf[17:])
	b.Status = status
	b.OpenTime = open
	b.CloseTime = closeTime
	return b
}

func putValues(buf []byte, b candle.Bar) {
	for i, v := range [...]float64{
		b.Open, b.High, b.Low, b.Close,
		b.Volume, b.QuoteVolume, b.TakerBuyBaseVolume, b.TakerBuyQuoteVolume,
	} {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	binary.LittleEndian.PutUint64(buf[64:], uint64(b.Trades))
}

func getValues(buf []byte) candle.Bar {
	f := func(i int) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:])) }
	return candle.Bar{
		Open:                f(0),
		High:                f(1),
		Low:                 f(2),
		Close:               f(3),
		Volume:              f(4),
		QuoteVolume:         f(5),
		TakerBuyBaseVolume:  f(6),
		TakerBuyQuoteVolume: f(7),
		Trades:              int64(binary.LittleEndian.Uint64(buf[64:])),
	}
}

// recordReader lê registros de tamanho fixo do corpo (já descomprimido).
type recordReader struct {
	r      io.Reader
	layout recordLayout
	buf    [maxRecordLen]byte
	slot   int
}

// next retorna io.EOF no fim limpo e ErrTruncatedRecord para um registro incompleto.
func (rr *recordReader) next() (candle.Bar, error) {
	buf := rr.buf[:rr.layout.size()]
	if _, err := io.ReadFull(rr.r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return candle.Bar{}, fmt.Errorf("%w at record %d", ErrTruncatedRecord, rr.slot)
		}
		return candle.Bar{}, err
	}
	b := rr.layout.decode(buf, rr.slot)
	rr.slot++
	return b, nil
}

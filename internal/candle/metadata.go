// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package candle

// FieldSet é o identificador do schema binário dos registros.
// Apenas FieldSetNative tem decoder; os demais são reservados.
type FieldSet string

const (
	FieldSetNative FieldSet = "Native"
	FieldSetOHLC   FieldSet = "Ohlc"
	FieldSetOHLCV  FieldSet = "Ohlcv"
)

// Compression identifica o codec de stream aplicado ao corpo binário.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionGzip   Compression = "gzip"
	CompressionZstd   Compression = "zstd"
	CompressionSnappy Compression = "snappy"
)

// DataType desambigua os layouts históricos de registro dentro de FieldSetNative.
type DataType string

const (
	// DataTypeKlineV1 é o layout compacto: sem tempos por registro; a abertura
	// é reconstruída a partir de Start + i*passo.
	DataTypeKlineV1 DataType = "kline.v1"
	// DataTypeKlineV2 carrega abertura e fechamento explícitos em cada registro.
	DataTypeKlineV2 DataType = "kline.v2"
)

// ChunkMetadata descreve um chunk; é persistida como cabeçalho texto no início do arquivo.
type ChunkMetadata struct {
	Range       ChunkRange
	FieldSet    FieldSet
	Compression Compression
	DataType    DataType
}

// NewChunkMetadata cria metadata com FieldSetNative.
func NewChunkMetadata(r ChunkRange, compression Compression, dataType DataType) ChunkMetadata {
	if compression == "" {
		compression = CompressionNone
	}
	if dataType == "" {
		dataType = DataTypeKlineV2
	}
	return ChunkMetadata{
		Range:       r,
		FieldSet:    FieldSetNative,
		Compression: compression,
		DataType:    dataType,
	}
}

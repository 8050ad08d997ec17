// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-candles/internal/candle"
	"github.com/nishisan-dev/n-candles/internal/codec"
	"github.com/nishisan-dev/n-candles/internal/layout"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func writeChunk(t *testing.T, baseDir string) string {
	t.Helper()
	ref := candle.SymbolRef{Exchange: "BINANCE", Area: candle.AreaFutures, Symbol: "BTCUSDT", TimeFrame: candle.H1}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r, err := candle.NewChunkRange(ref, start, start.AddDate(0, 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	base, err := layout.BasePath(baseDir, r)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(base), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(base)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	bar := candle.Bar{OpenTime: start, CloseTime: candle.DefaultCloseTime(start, ref.TimeFrame), Close: 42000}
	if err := codec.Encode(f, candle.NewChunkMetadata(r, candle.CompressionZstd, candle.DataTypeKlineV2), []candle.Bar{bar}); err != nil {
		t.Fatal(err)
	}
	return base
}

func TestUpload(t *testing.T) {
	baseDir := t.TempDir()
	chunk := writeChunk(t, baseDir)
	fake := &fakeS3{}
	a := NewWithClient(fake, Config{Bucket: "market-data", Prefix: "/candles/"}, baseDir, nil, nil)

	key, err := a.Upload(context.Background(), chunk)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	want := "candles/BINANCE/futures/BTCUSDT/h1/20240101-20240102.kline"
	if key != want {
		t.Fatalf("key = %q, want %q", key, want)
	}
	if len(fake.inputs) != 1 {
		t.Fatalf("expected one PutObject, got %d", len(fake.inputs))
	}
	in := fake.inputs[0]
	if aws.ToString(in.Bucket) != "market-data" || aws.ToString(in.Key) != want {
		t.Errorf("unexpected target s3://%s/%s", aws.ToString(in.Bucket), aws.ToString(in.Key))
	}
	if in.Metadata["symbol"] != "BTCUSDT" || in.Metadata["compression"] != "zstd" {
		t.Errorf("unexpected metadata: %v", in.Metadata)
	}
	local, _ := os.ReadFile(chunk)
	if string(fake.bodies[0]) != string(local) {
		t.Error("uploaded body differs from the local chunk")
	}
	if aws.ToInt64(in.ContentLength) != int64(len(local)) {
		t.Errorf("content length %d, want %d", aws.ToInt64(in.ContentLength), len(local))
	}
}

func TestUploadRejectsNonComplete(t *testing.T) {
	baseDir := t.TempDir()
	chunk := writeChunk(t, baseDir)
	a := NewWithClient(&fakeS3{}, Config{Bucket: "b"}, baseDir, nil, nil)

	for _, p := range []string{layout.PartialPath(chunk), layout.WorkingPath(chunk), filepath.Join(t.TempDir(), "x.kline")} {
		if _, err := a.Upload(context.Background(), p); err == nil {
			t.Errorf("expected error for %s", p)
		}
	}
}

func TestUploadPropagatesClientError(t *testing.T) {
	baseDir := t.TempDir()
	chunk := writeChunk(t, baseDir)
	boom := errors.New("access denied")
	a := NewWithClient(&fakeS3{err: boom}, Config{Bucket: "b"}, baseDir, nil, nil)
	if _, err := a.Upload(context.Background(), chunk); !errors.Is(err, boom) {
		t.Fatalf("expected client error, got %v", err)
	}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package archive envia chunks complete para object storage S3-compatível.
// A chave do objeto espelha o layout local: {prefix}/{exchange}/{area}/{symbol}/{tf}/{nome}.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-candles/internal/codec"
	"github.com/nishisan-dev/n-candles/internal/layout"
	"github.com/nishisan-dev/n-candles/internal/metrics"
)

// PutObjectAPI é o subconjunto do cliente S3 usado pelo Archiver.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config descreve o bucket de destino.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// Archiver publica chunks complete no bucket.
type Archiver struct {
	client  PutObjectAPI
	bucket  string
	prefix  string
	baseDir string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New cria um Archiver com cliente S3 real. Sem credenciais estáticas usa a
// cadeia padrão do SDK (env, profile, IMDS).
func New(ctx context.Context, cfg Config, baseDir string, logger *slog.Logger, m *metrics.Metrics) (*Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithClient(client, cfg, baseDir, logger, m), nil
}

// NewWithClient cria um Archiver sobre um cliente já construído.
func NewWithClient(client PutObjectAPI, cfg Config, baseDir string, logger *slog.Logger, m *metrics.Metrics) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		baseDir: baseDir,
		logger:  logger.With("component", "archive"),
		metrics: m,
	}
}

// Key calcula a chave do objeto para o chunk local chunkPath.
func (a *Archiver) Key(chunkPath string) (string, error) {
	if kind, _ := layout.Classify(chunkPath); kind != layout.KindComplete {
		return "", fmt.Errorf("archive: %s is not a complete chunk (%s)", chunkPath, kind)
	}
	rel, err := filepath.Rel(a.baseDir, chunkPath)
	if err != nil {
		return "", fmt.Errorf("archive: resolving %s: %w", chunkPath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive: %s is outside %s", chunkPath, a.baseDir)
	}
	return path.Join(a.prefix, filepath.ToSlash(rel)), nil
}

// Upload envia o chunk e retorna a chave gravada. Os campos do header vão
// como metadata do objeto.
func (a *Archiver) Upload(ctx context.Context, chunkPath string) (string, error) {
	key, err := a.Key(chunkPath)
	if err != nil {
		return "", err
	}
	meta, err := codec.ReadHeader(chunkPath)
	if err != nil {
		return "", fmt.Errorf("archive: reading header of %s: %w", chunkPath, err)
	}

	f, err := os.Open(chunkPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	r := meta.Range
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"exchange":      r.Exchange,
			"exchange-area": r.Area,
			"symbol":        r.Symbol,
			"timeframe":     r.TimeFrame.String(),
			"compression":   string(meta.Compression),
			"data-type":     string(meta.DataType),
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive: uploading s3://%s/%s: %w", a.bucket, key, err)
	}

	a.metrics.IncArchived()
	a.logger.Info("chunk archived", "bucket", a.bucket, "key", key, "bytes", info.Size())
	return key, nil
}

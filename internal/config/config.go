// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nishisan-dev/n-candles/internal/candle"
	"github.com/nishisan-dev/n-candles/internal/lock"
)

// EnvPrefix é o prefixo das variáveis de ambiente que sobrescrevem o YAML.
const EnvPrefix = "NCANDLES_"

// Config representa a configuração completa do ncandles.
type Config struct {
	Storage    StorageConfig    `yaml:"storage" envPrefix:"STORAGE_"`
	Locking    LockingConfig    `yaml:"locking" envPrefix:"LOCKING_"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Downloader DownloaderConfig `yaml:"downloader" envPrefix:"DOWNLOADER_"`
	Source     SourceConfig     `yaml:"source" envPrefix:"SOURCE_"`
	Archive    ArchiveConfig    `yaml:"archive" envPrefix:"ARCHIVE_"`
	HTTP       HTTPConfig       `yaml:"http" envPrefix:"HTTP_"`
	Logging    LoggingInfo      `yaml:"logging" envPrefix:"LOG_"`
}

// StorageConfig descreve onde e como os chunks são gravados.
type StorageConfig struct {
	BaseDir      string `yaml:"base_dir" env:"BASE_DIR"`
	Compression  string `yaml:"compression" env:"COMPRESSION"` // none|gzip|zstd|snappy (default: none)
	DataType     string `yaml:"data_type" env:"DATA_TYPE"`     // kline.v1|kline.v2 (default: kline.v2)
	HeaderLimit  string `yaml:"header_limit" env:"HEADER_LIMIT"`
	MinFreeSpace string `yaml:"min_free_space" env:"MIN_FREE_SPACE"` // ex: "1gb" (default: desligado)

	HeaderLimitRaw  int64 `yaml:"-"`
	MinFreeSpaceRaw int64 `yaml:"-"`
}

// LockingConfig contém os defaults de aquisição; cada chamada pode sobrescrever.
type LockingConfig struct {
	MaxAge        time.Duration `yaml:"max_age" env:"MAX_AGE"`               // default: 10m
	PollInterval  time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`   // default: 500ms
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`               // default: 2m
	SweepSchedule string        `yaml:"sweep_schedule" env:"SWEEP_SCHEDULE"` // cron opcional para SweepStale
}

// Options converte para lock.Options.
func (l LockingConfig) Options() lock.Options {
	return lock.Options{MaxAge: l.MaxAge, PollInterval: l.PollInterval, Timeout: l.Timeout}
}

// ChunkingConfig define a política de ranges. Vazio usa candle.DefaultRangePolicy.
type ChunkingConfig struct {
	Tiers []candle.Tier `yaml:"tiers"`
}

// Policy retorna a política configurada.
func (c ChunkingConfig) Policy() candle.RangePolicy {
	return candle.RangePolicy{Tiers: c.Tiers}
}

// DownloaderConfig configura o daemon de backfill.
type DownloaderConfig struct {
	Schedule  string      `yaml:"schedule" env:"SCHEDULE"`     // cron expression
	Workers   int         `yaml:"workers" env:"WORKERS"`       // default: 2
	RateLimit float64     `yaml:"rate_limit" env:"RATE_LIMIT"` // fetches/s, 0 = sem limite
	Burst     int         `yaml:"burst" env:"BURST"`           // default: 1
	Archive   bool        `yaml:"archive" env:"ARCHIVE"`       // envia chunks complete ao archive
	Retry     RetryInfo   `yaml:"retry" envPrefix:"RETRY_"`
	Jobs      []JobConfig `yaml:"jobs"`
}

// RetryInfo contém configurações de retry com exponential backoff.
type RetryInfo struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// JobConfig é uma série a manter em disco no intervalo [from, to).
type JobConfig struct {
	Exchange  string `yaml:"exchange"`
	Area      string `yaml:"area"`
	Symbol    string `yaml:"symbol"`
	TimeFrame string `yaml:"timeframe"`
	From      string `yaml:"from"` // 2006-01-02 ou RFC3339
	To        string `yaml:"to"`   // vazio = até o momento da execução

	Ref      candle.SymbolRef `yaml:"-"`
	FromTime time.Time        `yaml:"-"`
	ToTime   time.Time        `yaml:"-"`
}

// SourceConfig define de onde vêm as barras.
type SourceConfig struct {
	Type string `yaml:"type" env:"TYPE"` // csv
	Dir  string `yaml:"dir" env:"DIR"`
}

// ArchiveConfig configura o envio de chunks complete para object storage S3-compatível.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" env:"ENABLED"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	Region          string `yaml:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `yaml:"use_path_style" env:"USE_PATH_STYLE"`
}

// HTTPConfig configura a status API.
type HTTPConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Listen       string        `yaml:"listen" env:"LISTEN"`               // default: "127.0.0.1:9850"
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`   // default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"` // default: 15s
	Allow        []string      `yaml:"allow" env:"ALLOW" envSeparator:","` // CIDRs; default: loopback

	AllowNets []*net.IPNet `yaml:"-"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	File   string `yaml:"file" env:"FILE"`
	JobDir string `yaml:"job_dir" env:"JOB_DIR"` // logs por execução de job (opcional)
}

// Load lê o YAML em path, aplica .env e variáveis NCANDLES_* e valida.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.validate(time.Now()); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate(now time.Time) error {
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	c.Storage.Compression = strings.ToLower(strings.TrimSpace(c.Storage.Compression))
	switch candle.Compression(c.Storage.Compression) {
	case "":
		c.Storage.Compression = string(candle.CompressionNone)
	case candle.CompressionNone, candle.CompressionGzip, candle.CompressionZstd, candle.CompressionSnappy:
	default:
		return fmt.Errorf("storage.compression must be none, gzip, zstd or snappy, got %q", c.Storage.Compression)
	}
	switch candle.DataType(c.Storage.DataType) {
	case "":
		c.Storage.DataType = string(candle.DataTypeKlineV2)
	case candle.DataTypeKlineV1, candle.DataTypeKlineV2:
	default:
		return fmt.Errorf("storage.data_type must be kline.v1 or kline.v2, got %q", c.Storage.DataType)
	}
	if c.Storage.HeaderLimit == "" {
		c.Storage.HeaderLimit = "64kb"
	}
	limit, err := ParseByteSize(c.Storage.HeaderLimit)
	if err != nil {
		return fmt.Errorf("storage.header_limit: %w", err)
	}
	if limit < 1024 {
		return fmt.Errorf("storage.header_limit must be at least 1kb, got %s", c.Storage.HeaderLimit)
	}
	c.Storage.HeaderLimitRaw = limit
	if c.Storage.MinFreeSpace != "" {
		free, err := ParseByteSize(c.Storage.MinFreeSpace)
		if err != nil {
			return fmt.Errorf("storage.min_free_space: %w", err)
		}
		c.Storage.MinFreeSpaceRaw = free
	}

	if c.Locking.MaxAge <= 0 {
		c.Locking.MaxAge = lock.DefaultMaxAge
	}
	if c.Locking.PollInterval <= 0 {
		c.Locking.PollInterval = lock.DefaultPollInterval
	}
	if c.Locking.Timeout <= 0 {
		c.Locking.Timeout = lock.DefaultTimeout
	}

	if len(c.Chunking.Tiers) == 0 {
		c.Chunking.Tiers = candle.DefaultRangePolicy().Tiers
	}
	if err := c.Chunking.Policy().Validate(); err != nil {
		return fmt.Errorf("chunking: %w", err)
	}

	if err := c.validateDownloader(now); err != nil {
		return err
	}

	c.Source.Type = strings.ToLower(strings.TrimSpace(c.Source.Type))
	if c.Source.Type == "" {
		c.Source.Type = "csv"
	}
	if c.Source.Type != "csv" {
		return fmt.Errorf("source.type must be csv, got %q", c.Source.Type)
	}
	if len(c.Downloader.Jobs) > 0 && c.Source.Dir == "" {
		return fmt.Errorf("source.dir is required when downloader jobs are configured")
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archive is enabled")
		}
		if c.Archive.Region == "" {
			c.Archive.Region = "us-east-1"
		}
		if (c.Archive.AccessKeyID == "") != (c.Archive.SecretAccessKey == "") {
			return fmt.Errorf("archive.access_key_id and archive.secret_access_key must be set together")
		}
	}
	if c.Downloader.Archive && !c.Archive.Enabled {
		return fmt.Errorf("downloader.archive requires archive.enabled")
	}

	if c.HTTP.Enabled {
		if c.HTTP.Listen == "" {
			c.HTTP.Listen = "127.0.0.1:9850"
		}
		if c.HTTP.ReadTimeout <= 0 {
			c.HTTP.ReadTimeout = 5 * time.Second
		}
		if c.HTTP.WriteTimeout <= 0 {
			c.HTTP.WriteTimeout = 15 * time.Second
		}
		if len(c.HTTP.Allow) == 0 {
			c.HTTP.Allow = []string{"127.0.0.1/32", "::1/128"}
		}
		c.HTTP.AllowNets = c.HTTP.AllowNets[:0]
		for _, a := range c.HTTP.Allow {
			_, cidr, err := net.ParseCIDR(strings.TrimSpace(a))
			if err != nil {
				return fmt.Errorf("http.allow: invalid CIDR %q", a)
			}
			c.HTTP.AllowNets = append(c.HTTP.AllowNets, cidr)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

func (c *Config) validateDownloader(now time.Time) error {
	d := &c.Downloader
	if d.Workers <= 0 {
		d.Workers = 2
	}
	if d.Workers > 64 {
		return fmt.Errorf("downloader.workers must be at most 64, got %d", d.Workers)
	}
	if d.RateLimit < 0 {
		return fmt.Errorf("downloader.rate_limit must be >= 0, got %v", d.RateLimit)
	}
	if d.Burst <= 0 {
		d.Burst = 1
	}
	if d.Retry.MaxAttempts <= 0 {
		d.Retry.MaxAttempts = 5
	}
	if d.Retry.InitialDelay <= 0 {
		d.Retry.InitialDelay = 1 * time.Second
	}
	if d.Retry.MaxDelay <= 0 {
		d.Retry.MaxDelay = 5 * time.Minute
	}

	for i := range d.Jobs {
		j := &d.Jobs[i]
		tf, err := candle.ParseTimeFrame(j.TimeFrame)
		if err != nil {
			return fmt.Errorf("downloader.jobs[%d].timeframe: %w", i, err)
		}
		j.Ref = candle.SymbolRef{Exchange: j.Exchange, Area: j.Area, Symbol: j.Symbol, TimeFrame: tf}
		if err := j.Ref.Validate(); err != nil {
			return fmt.Errorf("downloader.jobs[%d]: %w", i, err)
		}
		if j.FromTime, err = parseInstant(j.From); err != nil {
			return fmt.Errorf("downloader.jobs[%d].from: %w", i, err)
		}
		if j.To == "" {
			j.ToTime = time.Time{}
		} else if j.ToTime, err = parseInstant(j.To); err != nil {
			return fmt.Errorf("downloader.jobs[%d].to: %w", i, err)
		}
		end := j.ToTime
		if end.IsZero() {
			end = now
		}
		if !j.FromTime.Before(end) {
			return fmt.Errorf("downloader.jobs[%d]: from must be before to", i)
		}
	}
	return nil
}

// parseInstant aceita data (UTC) ou RFC3339.
func parseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("value is required")
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid instant %q (expected 2006-01-02 or RFC3339)", s)
	}
	return t.UTC(), nil
}

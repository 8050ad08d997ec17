// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-candles/internal/config"
	"github.com/nishisan-dev/n-candles/internal/export"
	"github.com/nishisan-dev/n-candles/internal/layout"
	"github.com/nishisan-dev/n-candles/internal/lock"
)

func loadApp(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return newApp(cfg)
}

func cmdDaemon(args []string) error {
	fs, configPath := newFlagSet("daemon")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return runDaemon(*configPath, cfg)
}

func cmdOnce(args []string) error {
	fs, configPath := newFlagSet("once")
	fs.Parse(args)

	a, err := loadApp(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dl, err := a.newDownloader(ctx)
	if err != nil {
		return err
	}
	sum, err := dl.RunOnce(ctx)
	fmt.Printf("chunks=%d written=%d partial=%d already_complete=%d not_acquired=%d no_data=%d failed=%d bars=%d archived=%d\n",
		sum.Chunks, sum.Written, sum.Partial, sum.AlreadyComplete, sum.NotAcquired, sum.NoData, sum.Failed, sum.Bars, sum.Archived)
	return err
}

func cmdInspect(args []string) error {
	fs, configPath := newFlagSet("inspect")
	series := fs.String("series", "", "series as EXCHANGE/area/SYMBOL/timeframe")
	at := fs.String("at", "", "RFC3339 instant inside the chunk (default: now)")
	fs.Parse(args)

	ref, err := parseSeries(*series)
	if err != nil {
		return err
	}
	ts := time.Now().UTC()
	if *at != "" {
		if ts, err = time.Parse(time.RFC3339, *at); err != nil {
			return fmt.Errorf("invalid -at: %w", err)
		}
	}

	a, err := loadApp(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.store.Inspect(context.Background(), ref, ts)
	if err != nil {
		return err
	}
	loc := st.Location
	fmt.Printf("chunk:     %s\n", loc.Range)
	fmt.Printf("long:      %v\n", loc.Long)
	fmt.Printf("complete:  %v  %s\n", st.Complete, loc.BasePath)
	fmt.Printf("partial:   %v  %s\n", st.Partial, loc.PartialPath)
	fmt.Printf("working:   %v  %s\n", st.Working, loc.WorkingPath)
	fmt.Printf("locked:    %v  %s\n", st.Locked, loc.LockPath)
	if st.Lock != nil {
		fmt.Printf("holder:    pid=%d host=%s since=%s\n", st.Lock.ProcessID, st.Lock.MachineName, st.Lock.AcquiredUTC.Format(time.RFC3339))
	}

	if c, err := a.store.Open(ref, ts, a.decodeOptions(true)); err == nil {
		defer c.Close()
		meta := c.Metadata()
		fmt.Printf("format:    %s %s compression=%s\n", meta.FieldSet, meta.DataType, meta.Compression)
	}
	return nil
}

func cmdBars(args []string) error {
	fs, configPath := newFlagSet("bars")
	series := fs.String("series", "", "series as EXCHANGE/area/SYMBOL/timeframe")
	from := fs.String("from", "", "RFC3339 start (inclusive)")
	to := fs.String("to", "", "RFC3339 end (exclusive)")
	missing := fs.Bool("missing", false, "include gap markers")
	fs.Parse(args)

	ref, err := parseSeries(*series)
	if err != nil {
		return err
	}
	start, err := time.Parse(time.RFC3339, *from)
	if err != nil {
		return fmt.Errorf("invalid -from: %w", err)
	}
	end, err := time.Parse(time.RFC3339, *to)
	if err != nil {
		return fmt.Errorf("invalid -to: %w", err)
	}

	a, err := loadApp(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	w := csv.NewWriter(os.Stdout)
	w.Write([]string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_volume", "trades", "status"})
	for b, err := range a.store.Bars(ref, start, end, a.decodeOptions(!*missing)) {
		if err != nil {
			w.Flush()
			return err
		}
		w.Write([]string{
			b.OpenTime.Format(time.RFC3339),
			formatFloat(b.Open), formatFloat(b.High), formatFloat(b.Low), formatFloat(b.Close),
			formatFloat(b.Volume),
			b.CloseTime.Format(time.RFC3339Nano),
			formatFloat(b.QuoteVolume),
			strconv.FormatInt(b.Trades, 10),
			b.Status.String(),
		})
	}
	w.Flush()
	return w.Error()
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func cmdLockInfo(args []string) error {
	fs, _ := newFlagSet("lock-info")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: ncandles lock-info <chunk path>")
	}

	// Aceita o caminho do chunk em qualquer estado.
	_, base := layout.Classify(fs.Arg(0))
	if base == "" {
		base = fs.Arg(0)
	}
	rec, err := lock.ReadLockInfo(layout.WorkingPath(base))
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Println("not locked")
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func cmdSweep(args []string) error {
	fs, configPath := newFlagSet("sweep")
	fs.Parse(args)

	a, err := loadApp(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.locker.SweepStale(context.Background(), a.cfg.Storage.BaseDir)
	if err != nil {
		return err
	}
	fmt.Printf("locks scanned=%d reclaimed=%d orphans removed=%d\n", rep.LocksScanned, rep.LocksReclaimed, rep.OrphansRemoved)
	return nil
}

func cmdExport(args []string) error {
	fs, _ := newFlagSet("export")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: ncandles export <chunk> <out.parquet>")
	}

	rows, ok, err := export.ChunkToParquet(fs.Arg(0), fs.Arg(1))
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("chunk is empty, nothing exported")
		return nil
	}
	fmt.Printf("exported %d bars to %s\n", rows, fs.Arg(1))
	return nil
}

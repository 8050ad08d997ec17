// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package statusapi expõe saúde do processo, métricas Prometheus e o estado
// em disco de chunks (arquivos e lock) via HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nishisan-dev/n-candles/internal/candle"
	"github.com/nishisan-dev/n-candles/internal/lock"
	"github.com/nishisan-dev/n-candles/internal/store"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// ChunkInspector é o subconjunto do store usado pela API.
type ChunkInspector interface {
	Inspect(ctx context.Context, ref candle.SymbolRef, ts time.Time) (store.ChunkStatus, error)
}

// ChunkDTO é a resposta de GET /v1/chunks/...
type ChunkDTO struct {
	Series      string       `json:"series"`
	Start       time.Time    `json:"start"`
	End         time.Time    `json:"end"`
	Long        bool         `json:"long"`
	State       string       `json:"state"` // complete, partial, working, absent
	Path        string       `json:"path"`
	PartialPath string       `json:"partial_path"`
	WorkingPath string       `json:"working_path"`
	LockPath    string       `json:"lock_path"`
	Locked      bool         `json:"locked"`
	Lock        *lock.Record `json:"lock,omitempty"`
}

// NewRouter cria o http.Handler da API. gatherer nil desliga /metrics.
func NewRouter(inspector ChunkInspector, gatherer prometheus.Gatherer, acl *ACL, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if acl != nil {
		r.Use(acl.Middleware)
	}

	r.Get("/healthz", handleHealth)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/v1/chunks/{exchange}/{area}/{symbol}/{timeframe}", makeChunkHandler(inspector, logger))
	return r
}

// handleHealth retorna status do processo, uptime e versão.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(startTime).Round(time.Second).String(),
		"version": Version,
		"go":      runtime.Version(),
	})
}

func makeChunkHandler(inspector ChunkInspector, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tf, err := candle.ParseTimeFrame(chi.URLParam(r, "timeframe"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ref := candle.SymbolRef{
			Exchange:  chi.URLParam(r, "exchange"),
			Area:      chi.URLParam(r, "area"),
			Symbol:    chi.URLParam(r, "symbol"),
			TimeFrame: tf,
		}
		at := time.Now().UTC()
		if v := r.URL.Query().Get("at"); v != "" {
			if at, err = time.Parse(time.RFC3339, v); err != nil {
				writeError(w, http.StatusBadRequest, "at must be RFC3339")
				return
			}
		}

		st, err := inspector.Inspect(r.Context(), ref, at)
		if err != nil {
			// Locate só falha por série ou timestamp inválidos.
			logger.Debug("chunk inspection rejected", "series", ref.String(), "error", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, chunkDTO(st))
	}
}

func chunkDTO(st store.ChunkStatus) ChunkDTO {
	loc := st.Location
	dto := ChunkDTO{
		Series:      loc.Range.SymbolRef.String(),
		Start:       loc.Range.Start,
		End:         loc.Range.End,
		Long:        loc.Long,
		Path:        loc.BasePath,
		PartialPath: loc.PartialPath,
		WorkingPath: loc.WorkingPath,
		LockPath:    loc.LockPath,
		Locked:      st.Locked,
		Lock:        st.Lock,
	}
	switch {
	case st.Complete:
		dto.State = "complete"
	case st.Working:
		dto.State = "working"
	case st.Partial:
		dto.State = "partial"
	default:
		dto.State = "absent"
	}
	return dto
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/MegaGrindStone/craftcoach/internal/refresh"
	"github.com/shirou/gopsutil/v3/process"
)

type sessionCounter interface {
	Len() int
}

type metadataReader interface {
	Metadata(ctx context.Context, key string) (string, error)
}

type healthReport struct {
	Status            string       `json:"status"`
	Version           string       `json:"version"`
	Uptime            string       `json:"uptime"`
	Sessions          int          `json:"sessions"`
	PricesRefreshedAt string       `json:"pricesRefreshedAt,omitempty"`
	ModsRefreshedAt   string       `json:"modsRefreshedAt,omitempty"`
	Process           processStats `json:"process"`
}

type processStats struct {
	PID        int32   `json:"pid"`
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rssBytes,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
}

type healthHandler struct {
	sessions sessionCounter
	meta     metadataReader
	started  time.Time
	logger   *slog.Logger
}

func newHealthHandler(sessions sessionCounter, meta metadataReader, logger *slog.Logger) *healthHandler {
	return &healthHandler{
		sessions: sessions,
		meta:     meta,
		started:  time.Now(),
		logger:   logger,
	}
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report := healthReport{
		Status:   "ok",
		Version:  version,
		Uptime:   time.Since(h.started).Round(time.Second).String(),
		Sessions: h.sessions.Len(),
		Process: processStats{
			PID:        int32(os.Getpid()),
			Goroutines: runtime.NumGoroutine(),
		},
	}
	// A never refreshed store is not an error, the fields stay empty.
	report.PricesRefreshedAt, _ = h.meta.Metadata(ctx, refresh.MetaPricesRefreshedAt)
	report.ModsRefreshedAt, _ = h.meta.Metadata(ctx, refresh.MetaModsRefreshedAt)

	if p, err := process.NewProcessWithContext(ctx, report.Process.PID); err != nil {
		h.logger.Debug("failed to inspect process", slog.String("err", err.Error()))
	} else {
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
			report.Process.RSSBytes = mem.RSS
		}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			report.Process.CPUPercent = cpu
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Warn("failed to write health report", slog.String("err", err.Error()))
	}
}

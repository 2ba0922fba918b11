package web

// stats.go — сервер статистики на отдельном порту. Поднимается только при
// TELEGRAM_STAT: текстовая сводка на «/», метрики Prometheus на «/metrics».

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"telegram-botapi/internal/domain/bots"
	"telegram-botapi/internal/domain/files"
	"telegram-botapi/internal/infra/config"
	"telegram-botapi/internal/infra/logger"
	"telegram-botapi/internal/infra/metrics"
)

// StatsServer — слушатель статистики на TELEGRAM_HTTP_IP_ADDRESS:8082.
type StatsServer struct {
	mgr     *bots.Manager
	cache   *files.Cache
	srv     *http.Server
	started time.Time
}

// NewStatsServer собирает сервер статистики.
func NewStatsServer(cfg *config.EnvConfig, mgr *bots.Manager, cache *files.Cache) *StatsServer {
	s := &StatsServer{
		mgr:     mgr,
		cache:   cache,
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Get("/", s.handleSummary)
	r.Handle("/metrics", metrics.Handler())

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTPIPAddress, cfg.StatPort),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start блокируется до остановки слушателя.
func (s *StatsServer) Start() error {
	logger.Infof("stats listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown мягко гасит слушатель.
func (s *StatsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleSummary печатает текстовую сводку в духе телеграмного
// эндпоинта статистики: общие цифры, затем строка на бота.
func (s *StatsServer) handleSummary(w http.ResponseWriter, _ *http.Request) {
	snapshots := s.mgr.Snapshots()
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].BotID < snapshots[j].BotID })

	depth := 0
	for _, snap := range snapshots {
		depth += snap.QueueLen
	}
	metrics.QueueDepth.Set(float64(depth))
	cacheBytes := s.cache.TotalBytes()
	metrics.FileCacheBytes.Set(float64(cacheBytes))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "uptime\t%s\n", time.Since(s.started).Round(time.Second))
	fmt.Fprintf(w, "active_bots\t%d\n", len(snapshots))
	fmt.Fprintf(w, "pending_updates\t%d\n", depth)
	fmt.Fprintf(w, "file_cache_bytes\t%d\n\n", cacheBytes)

	for _, snap := range snapshots {
		mode := "long-poll"
		if snap.Webhook {
			mode = "webhook"
		}
		idle := time.Since(time.Unix(snap.LastUsed, 0)).Round(time.Second)
		fmt.Fprintf(w, "id %d\tusername %s\tmode %s\tpending %d\tidle %s\n",
			snap.BotID, snap.Username, mode, snap.QueueLen, idle)
	}
}

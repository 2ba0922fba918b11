// Package web — HTTP-фасад Bot API. Принимает запросы вида
// /bot<token>/<method>, разбирает аргументы, находит актор бота и
// сериализует ответ в конверт {"ok":…}. Второй слушатель (порт статистики)
// живёт в stats.go.
package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"telegram-botapi/internal/botapi"
	"telegram-botapi/internal/domain/bots"
	"telegram-botapi/internal/domain/files"
	"telegram-botapi/internal/infra/config"
	"telegram-botapi/internal/infra/logger"
	"telegram-botapi/internal/infra/metrics"
)

const (
	readTimeout  = 65 * time.Second // дольше максимального long-poll
	writeTimeout = 65 * time.Second
	idleTimeout  = 120 * time.Second
)

// knownMethods — методы, которые фасад умеет диспетчеризовать. Имена
// сравниваются без учёта регистра, как в Bot API.
var knownMethods = map[string]struct{}{
	"getme":               {},
	"sendmessage":         {},
	"forwardmessage":      {},
	"deletemessage":       {},
	"answercallbackquery": {},
	"sendchataction":      {},
	"getfile":             {},
	"getupdates":          {},
	"setwebhook":          {},
	"deletewebhook":       {},
	"getwebhookinfo":      {},
	"logout":              {},
	"close":               {},
}

// Server — фасад Bot API на TELEGRAM_HTTP_IP_ADDRESS:8081.
type Server struct {
	cfg   *config.EnvConfig
	mgr   *bots.Manager
	cache *files.Cache
	srv   *http.Server
}

// NewServer собирает фасад. Слушать начинает Start.
func NewServer(cfg *config.EnvConfig, mgr *bots.Manager, cache *files.Cache) *Server {
	s := &Server{
		cfg:   cfg,
		mgr:   mgr,
		cache: cache,
	}

	r := chi.NewRouter()
	r.Use(loggingMiddleware)
	r.MethodFunc(http.MethodGet, "/bot{token}/{method}", s.handleMethod)
	r.MethodFunc(http.MethodPost, "/bot{token}/{method}", s.handleMethod)
	r.Get("/file/bot{token}/*", s.handleFile)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		botapi.WriteError(w, botapi.ErrNotFound("unknown path"))
	})

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTPIPAddress, cfg.HTTPPort),
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Start блокируется до остановки слушателя.
func (s *Server) Start() error {
	logger.Infof("bot api listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown мягко гасит слушатель.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleMethod — единая точка входа методов Bot API.
func (s *Server) handleMethod(w http.ResponseWriter, r *http.Request) {
	method := strings.ToLower(chi.URLParam(r, "method"))
	if _, ok := knownMethods[method]; !ok {
		s.writeError(w, method, botapi.ErrNotFound("method not found"))
		return
	}

	token := chi.URLParam(r, "token")
	actor, err := s.mgr.Actor(r.Context(), token)
	if err != nil {
		s.writeError(w, method, err)
		return
	}

	// Кап одновременных запросов считается на каждого бота: лишние получают
	// 429, а не растущую очередь горутин.
	if !actor.BeginRequest() {
		s.writeError(w, method, botapi.ErrTooManyRequests(1))
		return
	}
	defer actor.EndRequest()

	p, err := parseParams(r)
	if err != nil {
		s.writeError(w, method, err)
		return
	}

	result, err := s.dispatch(r.Context(), actor, method, p)
	if err != nil {
		s.writeError(w, method, err)
		return
	}
	metrics.RequestsTotal.WithLabelValues(method, "200").Inc()
	botapi.WriteResult(w, result)
}

func (s *Server) writeError(w http.ResponseWriter, method string, err error) {
	apiErr := botapi.AsError(err)
	metrics.RequestsTotal.WithLabelValues(method, fmt.Sprint(apiErr.Code)).Inc()
	botapi.WriteError(w, apiErr)
}

// handleFile раздаёт скачанные файлы. В локальном режиме клиент читает файлы
// с диска сам, и эндпоинт закрыт.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Local {
		botapi.WriteError(w, botapi.ErrNotFound("files are served from local disk in local mode"))
		return
	}

	token := chi.URLParam(r, "token")
	actor, err := s.mgr.Actor(r.Context(), token)
	if err != nil {
		botapi.WriteError(w, botapi.AsError(err))
		return
	}

	rel := chi.URLParam(r, "*")
	abs, err := safeFilePath(s.cache, actor.BotID(), rel)
	if err != nil {
		botapi.WriteError(w, botapi.AsError(err))
		return
	}
	http.ServeFile(w, r, abs)
}

// loggingMiddleware пишет строку доступа в debug-лог.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if logger.IsDebugEnabled() {
			logger.Debugf("%s %s (%s)", r.Method, redactToken(r.URL.Path), time.Since(start))
		}
	})
}

// redactToken прячет секретную часть токена в логах доступа.
func redactToken(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if !strings.HasPrefix(part, "bot") {
			continue
		}
		if id, _, ok := strings.Cut(part[3:], ":"); ok {
			parts[i] = "bot" + id + ":***"
		}
	}
	return strings.Join(parts, "/")
}

// Package webhook — доставка апдейтов на вебхук бота.
// Один Sender обслуживает один зарегистрированный вебхук: забирает апдейты
// из головы очереди, отправляет POST-ами c подписью secret token и
// подтверждает только доставленное. Повторы и паузы — через общий троттлер
// (экспоненциальный backoff, уважение Retry-After). Ответ 410 Gone означает,
// что получатель отказался от вебхука насовсем.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"telegram-botapi/internal/botapi"
	"telegram-botapi/internal/domain/queue"
	"telegram-botapi/internal/infra/logger"
	"telegram-botapi/internal/infra/metrics"
	"telegram-botapi/internal/infra/throttle"
)

// secretTokenHeader — заголовок, по которому получатель проверяет подлинность POST.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

const (
	deliveryTimeout   = 30 * time.Second
	idleWait          = time.Minute
	deliveryRPS       = 30
	maxAttempts       = 5
	defaultRetryPause = 10 * time.Second
)

// Config — параметры доставки одного вебхука. Снимок неизменяем: смена URL
// или секрета означает остановку старого Sender и запуск нового.
type Config struct {
	BotID          int64
	URL            string
	SecretToken    string
	MaxConnections int
	Queue          *queue.Queue
	// OnError фиксирует последнюю ошибку доставки в сессии бота (getWebhookInfo).
	OnError func(ts int64, message string)
	// OnGone вызывается при ответе 410: вебхук снимается, доставка прекращается.
	OnGone func()
	// Client подменяется в тестах; nil означает клиента по умолчанию.
	Client *http.Client
	// RetryPause — пауза между заходами после неудачи головы очереди.
	// Ноль означает значение по умолчанию.
	RetryPause time.Duration
}

// Sender — воркер доставки одного вебхука.
type Sender struct {
	cfg    Config
	client *http.Client
	thr    *throttle.Throttler
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// statusError — не-2xx ответ получателя.
type statusError struct {
	code       int
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook responded %d", e.code)
}

// StopRetry: 4xx (кроме 429) повторять внутри цикла бессмысленно — получатель
// ответил осознанно. Апдейт остаётся в очереди и уйдёт в следующем заходе.
func (e *statusError) StopRetry() bool {
	return e.code >= 400 && e.code < 500 && e.code != http.StatusTooManyRequests
}

// retryAfterExtractor сообщает троттлеру паузу из заголовка Retry-After.
func retryAfterExtractor(err error) (time.Duration, bool) {
	var se *statusError
	if errors.As(err, &se) && se.retryAfter > 0 {
		return se.retryAfter, true
	}
	return 0, false
}

// New строит Sender. Доставка начинается после Start.
func New(cfg Config) *Sender {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: deliveryTimeout}
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = defaultRetryPause
	}
	return &Sender{
		cfg:    cfg,
		client: client,
		thr: throttle.New(deliveryRPS,
			throttle.WithMaxRetries(maxAttempts),
			throttle.WithWaitExtractors(retryAfterExtractor),
		),
	}
}

// Start запускает цикл доставки в фоне.
func (s *Sender) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.thr.Start(runCtx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx)
	}()
}

// Stop останавливает доставку и дожидается завершения воркера.
// Неподтверждённые апдейты остаются в очереди.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.thr.Stop()
}

// run — основной цикл: ждать появления апдейтов, доставить окно из головы
// очереди, подтвердить непрерывный префикс успехов.
func (s *Sender) run(ctx context.Context) {
	logger.Debugf("bot %d: webhook sender started, url=%s", s.cfg.BotID, s.cfg.URL)
	for ctx.Err() == nil {
		if s.cfg.Queue.Len() == 0 && !s.cfg.Queue.Wait(ctx, idleWait) {
			continue
		}

		window := s.cfg.MaxConnections
		if window < 1 {
			window = 1
		}
		batch, err := s.cfg.Queue.Peek(window)
		if err != nil {
			logger.Errorf("bot %d: peek queue: %v", s.cfg.BotID, err)
			return
		}
		if len(batch) == 0 {
			continue
		}

		gone, ok := s.deliverBatch(ctx, batch)
		if gone {
			logger.Infof("bot %d: webhook returned 410, dropping webhook", s.cfg.BotID)
			if s.cfg.OnGone != nil {
				s.cfg.OnGone()
			}
			return
		}
		if !ok {
			s.pause(ctx)
		}
	}
	logger.Debugf("bot %d: webhook sender stopped", s.cfg.BotID)
}

// pause ждёт RetryPause или отмену контекста.
func (s *Sender) pause(ctx context.Context) {
	timer := time.NewTimer(s.cfg.RetryPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// deliverBatch шлёт окно параллельно, но подтверждает только непрерывный
// префикс успехов: провал головы оставляет хвост в очереди целиком.
func (s *Sender) deliverBatch(ctx context.Context, batch []botapi.Update) (gone, ok bool) {
	results := make([]error, len(batch))
	var wg sync.WaitGroup
	for i, upd := range batch {
		wg.Add(1)
		go func(i int, upd botapi.Update) {
			defer wg.Done()
			results[i] = s.thr.Do(ctx, func() error {
				return s.post(ctx, upd)
			})
		}(i, upd)
	}
	wg.Wait()

	var confirmed int
	for i, err := range results {
		if err != nil {
			break
		}
		confirmed = i + 1
	}
	if confirmed > 0 {
		through := batch[confirmed-1].UpdateID
		if err := s.cfg.Queue.Confirm(through); err != nil {
			logger.Errorf("bot %d: confirm through %d: %v", s.cfg.BotID, through, err)
		}
		metrics.WebhookDeliveries.WithLabelValues(metrics.OutcomeOK).Add(float64(confirmed))
	}

	if confirmed == len(batch) {
		return false, true
	}

	headErr := results[confirmed]
	var se *statusError
	if errors.As(headErr, &se) && se.code == http.StatusGone {
		metrics.WebhookDeliveries.WithLabelValues(metrics.OutcomeDropped).Inc()
		return true, false
	}
	if headErr != nil && !errors.Is(headErr, context.Canceled) {
		metrics.WebhookDeliveries.WithLabelValues(metrics.OutcomeRetry).Inc()
		logger.Warnf("bot %d: webhook delivery failed: %v", s.cfg.BotID, headErr)
		if s.cfg.OnError != nil {
			s.cfg.OnError(time.Now().Unix(), headErr.Error())
		}
	}
	return false, false
}

// post отправляет один апдейт. Любой 2xx считается доставкой.
func (s *Sender) post(ctx context.Context, upd botapi.Update) error {
	body, err := json.Marshal(upd)
	if err != nil {
		return errors.Wrap(err, "marshal update")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.SecretToken != "" {
		req.Header.Set(secretTokenHeader, s.cfg.SecretToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	se := &statusError{code: resp.StatusCode}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, parseErr := strconv.Atoi(ra); parseErr == nil && secs > 0 {
			se.retryAfter = time.Duration(secs) * time.Second
		}
	}
	return se
}

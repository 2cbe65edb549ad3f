// reaper.go — фоновый сервис реклайма заброшенных сессий.
//
// Сессии active/paused, не получавшие чанков дольше TTL, переводятся
// в expired, их чанки удаляются из хранилища. Сессии finalizing не
// трогаются: финализация либо завершится, либо откатит сессию в active,
// после чего её подберёт следующий проход.
//
// Запускается как горутина с периодическим тикером (TM_REAPER_INTERVAL).
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
	"github.com/bigkaa/gomediastore/transfer-module/internal/repository"
	"github.com/bigkaa/gomediastore/transfer-module/internal/storage/chunkstore"
)

// reaperBatchSize — максимум сессий, обрабатываемых за один проход.
const reaperBatchSize = 500

// Prometheus метрики Reaper
var (
	// reaperRunsTotal — количество проходов Reaper.
	reaperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_reaper_runs_total",
		Help: "Общее количество проходов Reaper",
	})

	// reaperSessionsExpiredTotal — количество сессий, переведённых в expired.
	reaperSessionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_reaper_sessions_expired_total",
		Help: "Общее количество сессий, реклаймированных Reaper'ом",
	})

	// reaperLeftoversCleanedTotal — количество терминальных сессий,
	// остатки которых зачищены отложенно.
	reaperLeftoversCleanedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_reaper_leftovers_cleaned_total",
		Help: "Общее количество терминальных сессий с отложенной зачисткой чанков",
	})

	// reaperDurationSeconds — длительность прохода Reaper.
	reaperDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tm_reaper_duration_seconds",
		Help:    "Длительность прохода Reaper в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// ReapResult — результат одного прохода Reaper.
type ReapResult struct {
	// ExpiredCount — количество сессий, переведённых в expired
	ExpiredCount int
	// CleanedCount — количество терминальных сессий с зачищенными остатками
	CleanedCount int
	// Errors — количество ошибок при обработке сессий
	Errors int
	// Duration — длительность прохода
	Duration time.Duration
}

// ReaperService — фоновый сервис реклайма сессий.
type ReaperService struct {
	sessions repository.SessionRepository
	store    chunkstore.Store
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewReaperService создаёт Reaper.
// interval — период проходов, ttl — порог неактивности сессии.
func NewReaperService(
	sessions repository.SessionRepository,
	store chunkstore.Store,
	interval, ttl time.Duration,
	logger *slog.Logger,
) *ReaperService {
	return &ReaperService{
		sessions: sessions,
		store:    store,
		interval: interval,
		ttl:      ttl,
		logger:   logger.With(slog.String("component", "reaper")),
	}
}

// Start запускает фоновую горутину Reaper с периодическим тикером.
// Вызывается один раз при старте приложения.
func (rp *ReaperService) Start(ctx context.Context) {
	reaperCtx, cancel := context.WithCancel(ctx)
	rp.cancel = cancel

	go rp.run(reaperCtx)

	rp.logger.Info("Reaper запущен",
		slog.String("interval", rp.interval.String()),
		slog.String("session_ttl", rp.ttl.String()),
	)
}

// Stop останавливает фоновый процесс Reaper.
func (rp *ReaperService) Stop() {
	if rp.cancel != nil {
		rp.cancel()
	}
	rp.logger.Info("Reaper остановлен")
}

// run — основной цикл фоновой горутины.
func (rp *ReaperService) run(ctx context.Context) {
	// Первый проход — сразу после старта
	rp.RunOnce(ctx)

	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rp.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход Reaper.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
//
// Для каждой устаревшей сессии:
//  1. CAS active/paused → expired (гонка с принятым чанком или
//     финализацией разрешается в пользу клиента — сессия пропускается)
//  2. Удаление чанков и превью из хранилища
//
// Вторая фаза зачищает остатки failed/expired сессий: чанки, удаление
// которых не прошло в момент отмены или в прошлом проходе.
func (rp *ReaperService) RunOnce(ctx context.Context) *ReapResult {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	start := time.Now()
	result := &ReapResult{}

	cutoff := time.Now().UTC().Add(-rp.ttl)
	tokens, err := rp.sessions.ListStale(ctx, cutoff, reaperBatchSize)
	if err != nil {
		rp.logger.Error("Reaper: ошибка поиска устаревших сессий",
			slog.String("error", err.Error()),
		)
		result.Errors++
		return result
	}

	for _, token := range tokens {
		err := rp.sessions.CompareAndSetStatus(ctx, token, model.StatusExpired,
			model.StatusActive, model.StatusPaused)
		if err != nil {
			// Сессия успела финализироваться или принять чанк — пропускаем
			if errors.Is(err, repository.ErrStatusConflict) || errors.Is(err, repository.ErrNotFound) {
				continue
			}
			rp.logger.Error("Reaper: ошибка перевода сессии в expired",
				slog.String("session_token", token),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}

		if err := rp.reclaim(ctx, token); err != nil {
			rp.logger.Error("Reaper: ошибка удаления чанков",
				slog.String("session_token", token),
				slog.String("error", err.Error()),
			)
			result.Errors++
			// Статус уже expired, клиент чанки дописать не сможет;
			// остатки зачистит вторая фаза следующих проходов
		}

		rp.logger.Debug("Reaper: сессия реклаймирована",
			slog.String("session_token", token),
		)
		result.ExpiredCount++
	}

	rp.cleanLeftovers(ctx, cutoff, result)

	result.Duration = time.Since(start)

	reaperRunsTotal.Inc()
	reaperSessionsExpiredTotal.Add(float64(result.ExpiredCount))
	reaperLeftoversCleanedTotal.Add(float64(result.CleanedCount))
	reaperDurationSeconds.Observe(result.Duration.Seconds())

	if result.ExpiredCount > 0 || result.CleanedCount > 0 || result.Errors > 0 {
		rp.logger.Info("Reaper: проход завершён",
			slog.Int("expired", result.ExpiredCount),
			slog.Int("cleaned", result.CleanedCount),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration),
		)
	}

	return result
}

// cleanLeftovers зачищает остатки failed/expired сессий: чанки и превью
// сессий, удаление которых не прошло в момент отмены или реклайма.
// Touch после зачистки сдвигает updated_at, чтобы сессия не попадала
// в выборку каждого следующего прохода.
func (rp *ReaperService) cleanLeftovers(ctx context.Context, cutoff time.Time, result *ReapResult) {
	tokens, err := rp.sessions.ListTerminalStale(ctx, cutoff, reaperBatchSize)
	if err != nil {
		rp.logger.Error("Reaper: ошибка поиска терминальных сессий",
			slog.String("error", err.Error()),
		)
		result.Errors++
		return
	}

	for _, token := range tokens {
		if err := rp.reclaim(ctx, token); err != nil {
			rp.logger.Error("Reaper: ошибка зачистки остатков",
				slog.String("session_token", token),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}

		if err := rp.sessions.Touch(ctx, token); err != nil && !errors.Is(err, repository.ErrNotFound) {
			rp.logger.Warn("Reaper: не удалось обновить updated_at",
				slog.String("session_token", token),
				slog.String("error", err.Error()),
			)
		}
		result.CleanedCount++
	}
}

// reclaim удаляет из хранилища чанки и превью сессии.
// Отсутствие данных — не ошибка, повторный вызов безопасен.
func (rp *ReaperService) reclaim(ctx context.Context, token string) error {
	if err := rp.store.DeleteSession(ctx, token); err != nil {
		return err
	}
	return rp.store.DeleteObject(ctx, ThumbnailKey(token))
}

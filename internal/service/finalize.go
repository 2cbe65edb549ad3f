// finalize.go — Finalizer: превращение завершённой сессии в файл.
//
// Два режима по размеру файла:
//   - direct (<= порога): чанки последовательно собираются в единый blob,
//     после успешной записи чанки удаляются
//   - streamed (> порога): чанки остаются хранилищем записи, файл читается
//     через streaming endpoint с range-маппингом
//
// Финализация идемпотентна: повторный вызов для completed сессии
// возвращает существующую запись файла. Конкурентные вызовы внутри
// процесса схлопываются через singleflight, между процессами —
// через CAS статуса в репозитории.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	apierrors "github.com/bigkaa/gomediastore/transfer-module/internal/api/errors"
	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
	"github.com/bigkaa/gomediastore/transfer-module/internal/repository"
	"github.com/bigkaa/gomediastore/transfer-module/internal/storage/chunkstore"
)

// Prometheus метрики финализации
var (
	// finalizeTotal — количество финализаций по режиму и результату.
	finalizeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tm_finalize_total",
			Help: "Общее количество финализаций сессий",
		},
		[]string{"mode", "result"},
	)

	// finalizeDurationSeconds — длительность финализации.
	finalizeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tm_finalize_duration_seconds",
		Help:    "Длительность финализации сессии в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
)

// FinalizeService — сервис финализации сессий.
type FinalizeService struct {
	sessions   repository.SessionRepository
	files      repository.FileRepository
	store      chunkstore.Store
	cache      *FileCache
	threshold  int64
	presignTTL time.Duration
	publicURL  string
	logger     *slog.Logger

	// sf схлопывает конкурентные финализации одного токена внутри процесса
	sf singleflight.Group
}

// NewFinalizeService создаёт сервис финализации.
// threshold — порог выбора streamed-режима (файлы строго больше — streamed).
// publicURL — внешний базовый URL модуля для формирования адресов чтения.
func NewFinalizeService(
	sessions repository.SessionRepository,
	files repository.FileRepository,
	store chunkstore.Store,
	cache *FileCache,
	threshold int64,
	presignTTL time.Duration,
	publicURL string,
	logger *slog.Logger,
) *FinalizeService {
	return &FinalizeService{
		sessions:   sessions,
		files:      files,
		store:      store,
		cache:      cache,
		threshold:  threshold,
		presignTTL: presignTTL,
		publicURL:  publicURL,
		logger:     logger.With(slog.String("component", "finalize_service")),
	}
}

// Finalize завершает сессию и регистрирует файл.
//
// Поток:
//  1. Загрузка сессии + проверка владельца
//  2. completed — идемпотентный возврат существующей записи
//  3. Проверка полноты: все чанки должны быть приняты
//  4. CAS active/paused → finalizing (межпроцессная защита)
//  5. Сборка (direct) или верификация чанков (streamed)
//  6. Регистрация файла + CAS finalizing → completed
//
// При ошибке сборки сессия откатывается в active: принятые чанки
// сохраняются, клиент может повторить финализацию.
func (s *FinalizeService) Finalize(ctx context.Context, token, ownerID string) (*model.FileRecord, *TransferError) {
	// 1. Загружаем сессию
	session, err := s.sessions.Get(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &TransferError{
				StatusCode: 404,
				Code:       apierrors.CodeSessionNotFound,
				Message:    "Сессия не найдена",
			}
		}
		return nil, &TransferError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка чтения сессии",
		}
	}

	if ownerID != "" && session.OwnerID != "" && session.OwnerID != ownerID {
		return nil, &TransferError{
			StatusCode: 403,
			Code:       apierrors.CodeForbidden,
			Message:    "Сессия принадлежит другому пользователю",
		}
	}

	// 2. Идемпотентность: completed сессия возвращает существующий файл
	if session.Status == model.StatusCompleted {
		return s.existingRecord(ctx, token)
	}

	switch session.Status {
	case model.StatusExpired:
		return nil, &TransferError{
			StatusCode: 410,
			Code:       apierrors.CodeSessionExpired,
			Message:    "Сессия истекла и была реклаймирована",
		}
	case model.StatusFailed:
		return nil, &TransferError{
			StatusCode: 409,
			Code:       apierrors.CodeSessionTerminal,
			Message:    "Сессия отменена",
		}
	}

	// 3. Полнота: финализация неполной сессии отклоняется без побочных
	// эффектов — статус не меняется, чанки не трогаются
	if !session.Complete() {
		missing := session.MissingChunks()
		return nil, &TransferError{
			StatusCode: 409,
			Code:       apierrors.CodeIncompleteUpload,
			Message: fmt.Sprintf("Загружено %d из %d чанков, недостающих: %d",
				session.UploadedCount(), session.TotalChunks, len(missing)),
		}
	}

	// 4. Конкурентные вызовы одного токена схлопываются
	result, _, _ := s.sf.Do(token, func() (any, error) {
		record, terr := s.finalizeLocked(ctx, session)
		return finalizeOutcome{record: record, terr: terr}, nil
	})

	outcome := result.(finalizeOutcome)
	return outcome.record, outcome.terr
}

// finalizeOutcome — результат singleflight-вызова.
type finalizeOutcome struct {
	record *model.FileRecord
	terr   *TransferError
}

// finalizeLocked выполняет финализацию после singleflight-дедупликации.
func (s *FinalizeService) finalizeLocked(ctx context.Context, session *model.UploadSession) (*model.FileRecord, *TransferError) {
	start := time.Now()
	token := session.SessionToken
	mode := model.StorageModeFor(session.TotalSize, s.threshold)

	// Межпроцессная защита: только один процесс переводит сессию в finalizing
	err := s.sessions.CompareAndSetStatus(ctx, token, model.StatusFinalizing,
		model.StatusActive, model.StatusPaused)
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			// Либо другой процесс уже финализировал, либо финализация идёт
			current, getErr := s.sessions.Get(ctx, token)
			if getErr == nil && current.Status == model.StatusCompleted {
				return s.existingRecord(ctx, token)
			}
			return nil, &TransferError{
				StatusCode: 409,
				Code:       apierrors.CodeSessionTerminal,
				Message:    "Финализация сессии уже выполняется",
			}
		}
		return nil, &TransferError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка смены статуса сессии",
		}
	}

	fileID := uuid.New().String()
	var url string
	var terr *TransferError

	switch mode {
	case model.ModeStreamed:
		url, terr = s.finalizeStreamed(ctx, session)
	default:
		url, terr = s.finalizeDirect(ctx, session, fileID)
	}

	if terr != nil {
		// Откат в active: чанки сохранены, финализацию можно повторить
		if rbErr := s.sessions.CompareAndSetStatus(ctx, token, model.StatusActive, model.StatusFinalizing); rbErr != nil {
			s.logger.Error("Ошибка отката статуса после неудачной финализации",
				slog.String("session_token", token),
				slog.String("error", rbErr.Error()),
			)
		}
		finalizeTotal.WithLabelValues(string(mode), "error").Inc()
		return nil, terr
	}

	// Регистрируем файл
	record := &model.FileRecord{
		FileID:       fileID,
		SessionToken: token,
		URL:          url,
		StorageMode:  mode,
		MimeType:     session.MimeType,
		FileSize:     session.TotalSize,
		ChunkSize:    session.ChunkSize,
		TotalChunks:  session.TotalChunks,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.files.Create(ctx, record); err != nil {
		s.logger.Error("Ошибка регистрации файла",
			slog.String("session_token", token),
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		if rbErr := s.sessions.CompareAndSetStatus(ctx, token, model.StatusActive, model.StatusFinalizing); rbErr != nil {
			s.logger.Error("Ошибка отката статуса",
				slog.String("session_token", token),
				slog.String("error", rbErr.Error()),
			)
		}
		finalizeTotal.WithLabelValues(string(mode), "error").Inc()
		return nil, &TransferError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка регистрации файла",
		}
	}

	if err := s.sessions.SetResult(ctx, token, fileID, url); err != nil {
		s.logger.Error("Ошибка записи результата финализации",
			slog.String("session_token", token),
			slog.String("error", err.Error()),
		)
	}

	if err := s.sessions.CompareAndSetStatus(ctx, token, model.StatusCompleted, model.StatusFinalizing); err != nil {
		s.logger.Error("Ошибка перевода сессии в completed",
			slog.String("session_token", token),
			slog.String("error", err.Error()),
		)
	}

	// Direct-режим: чанки больше не нужны
	if mode == model.ModeDirect {
		if err := s.store.DeleteSession(ctx, token); err != nil {
			s.logger.Warn("Не удалось удалить чанки после сборки",
				slog.String("session_token", token),
				slog.String("error", err.Error()),
			)
		}
	}

	s.cache.Set(token, record)

	duration := time.Since(start)
	finalizeTotal.WithLabelValues(string(mode), "success").Inc()
	finalizeDurationSeconds.Observe(duration.Seconds())

	s.logger.Info("Сессия финализирована",
		slog.String("session_token", token),
		slog.String("file_id", fileID),
		slog.String("mode", string(mode)),
		slog.Int64("size", session.TotalSize),
		slog.Duration("duration", duration),
	)

	return record, nil
}

// finalizeStreamed верифицирует чанки streamed-сессии.
// Данные не перемещаются: чанки остаются хранилищем записи,
// проверяется только наличие и размер каждого чанка.
func (s *FinalizeService) finalizeStreamed(ctx context.Context, session *model.UploadSession) (string, *TransferError) {
	for i := 0; i < session.TotalChunks; i++ {
		size, err := s.store.ChunkSize(ctx, session.SessionToken, i)
		if err != nil {
			s.logger.Error("Чанк отсутствует в хранилище при финализации",
				slog.String("session_token", session.SessionToken),
				slog.Int("index", i),
				slog.String("error", err.Error()),
			)
			return "", &TransferError{
				StatusCode: 502,
				Code:       apierrors.CodeStorageFailure,
				Message:    fmt.Sprintf("Чанк %d отсутствует в хранилище", i),
			}
		}
		if expected := session.ChunkSizeAt(i); size != expected {
			return "", &TransferError{
				StatusCode: 502,
				Code:       apierrors.CodeStorageFailure,
				Message:    fmt.Sprintf("Размер чанка %d в хранилище %d байт, ожидалось %d", i, size, expected),
			}
		}
	}

	return s.publicURL + "/files/stream/" + session.SessionToken, nil
}

// finalizeDirect собирает чанки в единый blob.
// Чанки читаются последовательно по индексу и передаются в PutObject
// через pipe — сборка не материализует файл в памяти.
func (s *FinalizeService) finalizeDirect(ctx context.Context, session *model.UploadSession, fileID string) (string, *TransferError) {
	key := ObjectKey(fileID)

	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < session.TotalChunks; i++ {
			rc, err := s.store.OpenChunk(ctx, session.SessionToken, i)
			if err != nil {
				pw.CloseWithError(fmt.Errorf("чанк %d: %w", i, err))
				return
			}
			_, err = io.Copy(pw, rc)
			rc.Close()
			if err != nil {
				pw.CloseWithError(fmt.Errorf("чтение чанка %d: %w", i, err))
				return
			}
		}
		pw.Close()
	}()

	if err := s.store.PutObject(ctx, key, pr, session.TotalSize); err != nil {
		pr.CloseWithError(err)
		s.logger.Error("Ошибка сборки файла",
			slog.String("session_token", session.SessionToken),
			slog.String("error", err.Error()),
		)
		return "", &TransferError{
			StatusCode: 502,
			Code:       apierrors.CodeStorageFailure,
			Message:    "Ошибка сборки файла из чанков",
		}
	}

	// Прямой URL (presigned для S3); fallback — download endpoint модуля
	url, err := s.store.ObjectURL(ctx, key, s.presignTTL)
	if err != nil {
		s.logger.Warn("Не удалось получить прямой URL объекта",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		url = ""
	}
	if url == "" {
		url = s.publicURL + "/api/v1/files/" + fileID + "/download"
	}

	return url, nil
}

// existingRecord возвращает запись файла completed сессии.
func (s *FinalizeService) existingRecord(ctx context.Context, token string) (*model.FileRecord, *TransferError) {
	if record, ok := s.cache.Get(token); ok {
		return record, nil
	}

	record, err := s.files.GetBySessionToken(ctx, token)
	if err != nil {
		s.logger.Error("Completed сессия без записи файла",
			slog.String("session_token", token),
			slog.String("error", err.Error()),
		)
		return nil, &TransferError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Запись файла завершённой сессии не найдена",
		}
	}

	s.cache.Set(token, record)
	return record, nil
}

// ObjectKey возвращает ключ собранного blob'а в хранилище объектов.
func ObjectKey(fileID string) string {
	return "files/" + fileID
}

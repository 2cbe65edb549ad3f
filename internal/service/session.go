// session.go — Session Authority: создание сессий, приём чанков,
// pause/cancel, прогресс. Сервер — единственный источник истины
// о принятых чанках; клиентский прогресс — только отображение.
package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/bigkaa/gomediastore/transfer-module/internal/api/errors"
	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/state"
	"github.com/bigkaa/gomediastore/transfer-module/internal/repository"
	"github.com/bigkaa/gomediastore/transfer-module/internal/storage/chunkstore"
)

// Prometheus метрики приёма чанков
var (
	// chunksReceivedTotal — количество принятых чанков.
	chunksReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_chunks_received_total",
		Help: "Общее количество принятых чанков",
	})

	// chunkBytesReceivedTotal — объём принятых чанков в байтах.
	chunkBytesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_chunk_bytes_received_total",
		Help: "Общий объём принятых чанков в байтах",
	})

	// sessionsCreatedTotal — количество созданных сессий.
	sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_sessions_created_total",
		Help: "Общее количество созданных сессий загрузки",
	})
)

// chunkLockCount — количество striped-блокировок приёма чанков.
const chunkLockCount = 64

// CreateSessionParams — параметры создания сессии загрузки.
type CreateSessionParams struct {
	// Filename — оригинальное имя файла
	Filename string
	// MimeType — MIME-тип файла
	MimeType string
	// TotalSize — полный размер файла в байтах
	TotalSize int64
	// OwnerID — идентификатор инициатора (sub из JWT)
	OwnerID string
}

// SessionService — сервис управления сессиями загрузки.
type SessionService struct {
	sessions  repository.SessionRepository
	store     chunkstore.Store
	chunkSize int64
	logger    *slog.Logger

	// locks — striped-блокировки по (token, index): конкурентная запись
	// одного и того же чанка сериализуется, разные чанки идут параллельно.
	locks [chunkLockCount]sync.Mutex
}

// NewSessionService создаёт сервис сессий.
// chunkSize — размер чанка, фиксируемый в новых сессиях.
func NewSessionService(
	sessions repository.SessionRepository,
	store chunkstore.Store,
	chunkSize int64,
	logger *slog.Logger,
) *SessionService {
	return &SessionService{
		sessions:  sessions,
		store:     store,
		chunkSize: chunkSize,
		logger:    logger.With(slog.String("component", "session_service")),
	}
}

// CreateSession создаёт новую сессию загрузки в статусе active.
func (s *SessionService) CreateSession(ctx context.Context, params CreateSessionParams) (*model.UploadSession, *TransferError) {
	// 1. Валидация входных данных
	if params.Filename == "" {
		return nil, &TransferError{
			StatusCode: 400,
			Code:       apierrors.CodeValidationError,
			Message:    "Не указано имя файла",
		}
	}
	if params.TotalSize <= 0 {
		return nil, &TransferError{
			StatusCode: 400,
			Code:       apierrors.CodeValidationError,
			Message:    fmt.Sprintf("Недопустимый размер файла: %d", params.TotalSize),
		}
	}

	// 2. Формируем сессию: токен, количество чанков, статус active
	now := time.Now().UTC()
	session := &model.UploadSession{
		SessionToken: uuid.New().String(),
		OwnerID:      params.OwnerID,
		Filename:     params.Filename,
		MimeType:     params.MimeType,
		TotalSize:    params.TotalSize,
		ChunkSize:    s.chunkSize,
		TotalChunks:  model.TotalChunks(params.TotalSize, s.chunkSize),
		Uploaded:     make(map[int]bool),
		Status:       model.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// 3. Сохраняем
	if err := s.sessions.Create(ctx, session); err != nil {
		s.logger.Error("Ошибка создания сессии", slog.String("error", err.Error()))
		return nil, &TransferError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Внутренняя ошибка при создании сессии",
		}
	}

	sessionsCreatedTotal.Inc()

	s.logger.Info("Сессия создана",
		slog.String("session_token", session.SessionToken),
		slog.String("filename", session.Filename),
		slog.Int64("total_size", session.TotalSize),
		slog.Int("total_chunks", session.TotalChunks),
		slog.String("owner", session.OwnerID),
	)

	return session, nil
}

// AcceptChunk принимает чанк сессии.
//
// Поток:
//  1. Загрузка сессии + проверка владельца
//  2. Проверка статуса (терминальные и finalizing чанки не принимают)
//  3. Проверка индекса и размера
//  4. Дубликат — идемпотентный no-op
//  5. Запись в хранилище под striped-блокировкой (token, index)
//  6. Отметка чанка в репозитории
//
// Приём чанка в статусе paused реактивирует сессию: пауза — advisory
// сигнал клиента, сервер чанки принимает всегда.
func (s *SessionService) AcceptChunk(ctx context.Context, token, ownerID string, index int, r io.Reader, size int64) (*model.UploadSession, *TransferError) {
	// 1. Загружаем сессию
	session, terr := s.getOwned(ctx, token, ownerID)
	if terr != nil {
		return nil, terr
	}

	// 2. Проверяем статус
	if terr := checkAccepting(session); terr != nil {
		return nil, terr
	}

	// 3. Проверяем индекс
	if index < 0 || index >= session.TotalChunks {
		return nil, &TransferError{
			StatusCode: 400,
			Code:       apierrors.CodeIndexOutOfRange,
			Message:    fmt.Sprintf("Индекс чанка %d вне диапазона [0, %d)", index, session.TotalChunks),
		}
	}

	// 4. Проверяем размер: каждый чанк, кроме последнего, ровно ChunkSize
	expected := session.ChunkSizeAt(index)
	if size != expected {
		return nil, &TransferError{
			StatusCode: 400,
			Code:       apierrors.CodeInvalidSize,
			Message:    fmt.Sprintf("Размер чанка %d байт, ожидалось %d", size, expected),
		}
	}

	// 5. Дубликат — идемпотентный успех без перезаписи
	if session.HasChunk(index) {
		s.logger.Debug("Повторный чанк пропущен",
			slog.String("session_token", token),
			slog.Int("index", index),
		)
		return session, nil
	}

	// 6. Запись под striped-блокировкой: конкурентные запросы на один
	// и тот же (token, index) сериализуются
	lock := &s.locks[lockIndex(token, index)]
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.PutChunk(ctx, token, index, r, size); err != nil {
		s.logger.Error("Ошибка записи чанка",
			slog.String("session_token", token),
			slog.Int("index", index),
			slog.String("error", err.Error()),
		)
		return nil, &TransferError{
			StatusCode: 502,
			Code:       apierrors.CodeStorageFailure,
			Message:    "Ошибка записи чанка в хранилище",
		}
	}

	// 7. Отмечаем чанк принятым (идемпотентно)
	if err := s.sessions.MarkChunkUploaded(ctx, token, index); err != nil {
		s.logger.Error("Ошибка отметки чанка",
			slog.String("session_token", token),
			slog.Int("index", index),
			slog.String("error", err.Error()),
		)
		return nil, &TransferError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка обновления состояния сессии",
		}
	}

	// 8. Пауза — advisory: принятый чанк реактивирует сессию
	if session.Status == model.StatusPaused {
		if err := s.sessions.CompareAndSetStatus(ctx, token, model.StatusActive, model.StatusPaused); err != nil &&
			!errors.Is(err, repository.ErrStatusConflict) {
			s.logger.Warn("Не удалось реактивировать сессию",
				slog.String("session_token", token),
				slog.String("error", err.Error()),
			)
		}
	}

	chunksReceivedTotal.Inc()
	chunkBytesReceivedTotal.Add(float64(size))

	// 9. Возвращаем актуальное состояние
	updated, err := s.sessions.Get(ctx, token)
	if err != nil {
		return nil, &TransferError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка чтения состояния сессии",
		}
	}

	s.logger.Debug("Чанк принят",
		slog.String("session_token", token),
		slog.Int("index", index),
		slog.Int("uploaded", updated.UploadedCount()),
		slog.Int("total", updated.TotalChunks),
	)

	return updated, nil
}

// Pause помечает сессию приостановленной. Идемпотентна: повторная
// пауза уже приостановленной сессии — успех.
func (s *SessionService) Pause(ctx context.Context, token, ownerID string) (*model.UploadSession, *TransferError) {
	session, terr := s.getOwned(ctx, token, ownerID)
	if terr != nil {
		return nil, terr
	}
	if terr := checkAccepting(session); terr != nil {
		return nil, terr
	}

	if session.Status == model.StatusPaused {
		return session, nil
	}

	err := s.sessions.CompareAndSetStatus(ctx, token, model.StatusPaused, model.StatusActive)
	if err != nil && !errors.Is(err, repository.ErrStatusConflict) {
		return nil, &TransferError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка смены статуса сессии",
		}
	}

	s.logger.Info("Сессия приостановлена", slog.String("session_token", token))
	return s.refresh(ctx, token)
}

// Cancel отменяет сессию и удаляет её чанки.
// Идемпотентна: отмена сессии в терминальном статусе — успех без действий.
// Отмена во время finalizing запрещена: финализация либо завершится,
// либо откатит сессию в active.
func (s *SessionService) Cancel(ctx context.Context, token, ownerID string) *TransferError {
	session, terr := s.getOwned(ctx, token, ownerID)
	if terr != nil {
		return terr
	}

	// Повторная отмена — идемпотентный успех
	if session.Status.IsTerminal() {
		return nil
	}

	// После отсева терминальных здесь остаются active, paused и finalizing;
	// автомат запрещает finalizing → failed
	if !state.CanTransition(session.Status, model.StatusFailed) {
		return &TransferError{
			StatusCode: 409,
			Code:       apierrors.CodeSessionTerminal,
			Message:    "Сессия финализируется, отмена недоступна",
		}
	}

	err := s.sessions.CompareAndSetStatus(ctx, token, model.StatusFailed,
		model.StatusActive, model.StatusPaused)
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			// Гонка с финализацией или Reaper'ом: перечитываем статус
			current, getErr := s.sessions.Get(ctx, token)
			if getErr == nil && current.Status.IsTerminal() {
				return nil
			}
			return &TransferError{
				StatusCode: 409,
				Code:       apierrors.CodeSessionTerminal,
				Message:    "Сессия финализируется, отмена недоступна",
			}
		}
		return &TransferError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка отмены сессии",
		}
	}

	// Чанки удаляются best-effort: запись о failed сессии уже есть,
	// остатки зачистит фаза терминальных сессий Reaper'а
	if err := s.store.DeleteSession(ctx, token); err != nil {
		s.logger.Warn("Не удалось удалить чанки отменённой сессии",
			slog.String("session_token", token),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("Сессия отменена", slog.String("session_token", token))
	return nil
}

// Progress возвращает серверное состояние сессии.
// Клиент использует его при resume для вычисления недостающих чанков.
func (s *SessionService) Progress(ctx context.Context, token, ownerID string) (*model.UploadSession, *TransferError) {
	return s.getOwned(ctx, token, ownerID)
}

// SaveThumbnail сохраняет превью, сгенерированное клиентом во время загрузки.
// Превью хранится отдельно от чанков под ключом thumbs/<token> и
// переживает финализацию сессии.
func (s *SessionService) SaveThumbnail(ctx context.Context, token, ownerID string, r io.Reader, size int64) *TransferError {
	session, terr := s.getOwned(ctx, token, ownerID)
	if terr != nil {
		return terr
	}
	if session.Status == model.StatusExpired {
		return &TransferError{
			StatusCode: 410,
			Code:       apierrors.CodeSessionExpired,
			Message:    "Сессия истекла",
		}
	}

	if err := s.store.PutObject(ctx, ThumbnailKey(token), r, size); err != nil {
		s.logger.Error("Ошибка сохранения превью",
			slog.String("session_token", token),
			slog.String("error", err.Error()),
		)
		return &TransferError{
			StatusCode: 502,
			Code:       apierrors.CodeStorageFailure,
			Message:    "Ошибка записи превью в хранилище",
		}
	}

	s.logger.Debug("Превью сохранено", slog.String("session_token", token))
	return nil
}

// OpenThumbnail открывает ранее сохранённое превью сессии.
// Возвращает reader данных и размер превью в байтах.
func (s *SessionService) OpenThumbnail(ctx context.Context, token, ownerID string) (io.ReadCloser, int64, *TransferError) {
	if _, terr := s.getOwned(ctx, token, ownerID); terr != nil {
		return nil, 0, terr
	}

	size, err := s.store.ObjectSize(ctx, ThumbnailKey(token))
	if err != nil {
		if errors.Is(err, chunkstore.ErrNotFound) {
			return nil, 0, &TransferError{
				StatusCode: 404,
				Code:       apierrors.CodeNotFound,
				Message:    "Превью не найдено",
			}
		}
		return nil, 0, &TransferError{
			StatusCode: 502,
			Code:       apierrors.CodeStorageFailure,
			Message:    "Ошибка чтения превью из хранилища",
		}
	}

	rc, err := s.store.OpenObject(ctx, ThumbnailKey(token))
	if err != nil {
		return nil, 0, &TransferError{
			StatusCode: 502,
			Code:       apierrors.CodeStorageFailure,
			Message:    "Ошибка чтения превью из хранилища",
		}
	}
	return rc, size, nil
}

// ThumbnailKey возвращает ключ объекта превью сессии.
func ThumbnailKey(token string) string {
	return "thumbs/" + token
}

// getOwned загружает сессию и проверяет владельца.
// Пустой ownerID означает работу без аутентификации (standalone-режим).
func (s *SessionService) getOwned(ctx context.Context, token, ownerID string) (*model.UploadSession, *TransferError) {
	session, err := s.sessions.Get(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &TransferError{
				StatusCode: 404,
				Code:       apierrors.CodeSessionNotFound,
				Message:    "Сессия не найдена",
			}
		}
		s.logger.Error("Ошибка чтения сессии",
			slog.String("session_token", token),
			slog.String("error", err.Error()),
		)
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

	return session, nil
}

// refresh перечитывает сессию после изменения.
func (s *SessionService) refresh(ctx context.Context, token string) (*model.UploadSession, *TransferError) {
	session, err := s.sessions.Get(ctx, token)
	if err != nil {
		return nil, &TransferError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка чтения состояния сессии",
		}
	}
	return session, nil
}

// checkAccepting проверяет, что сессия может принимать операции загрузки.
func checkAccepting(session *model.UploadSession) *TransferError {
	switch session.Status {
	case model.StatusExpired:
		return &TransferError{
			StatusCode: 410,
			Code:       apierrors.CodeSessionExpired,
			Message:    "Сессия истекла и была реклаймирована",
		}
	case model.StatusCompleted, model.StatusFailed:
		return &TransferError{
			StatusCode: 409,
			Code:       apierrors.CodeSessionTerminal,
			Message:    fmt.Sprintf("Сессия в терминальном статусе %s", session.Status),
		}
	case model.StatusFinalizing:
		return &TransferError{
			StatusCode: 409,
			Code:       apierrors.CodeSessionTerminal,
			Message:    "Сессия финализируется",
		}
	}
	return nil
}

// lockIndex вычисляет номер striped-блокировки для пары (token, index).
func lockIndex(token string, index int) int {
	h := fnv.New32a()
	h.Write([]byte(token))
	h.Write([]byte{byte(index), byte(index >> 8), byte(index >> 16), byte(index >> 24)})
	return int(h.Sum32() % chunkLockCount)
}

// direct.go — простая (не-сессионная) загрузка малых файлов.
// Один POST вместо протокола чанков: payload до лимита принимается
// целиком, сохраняется в хранилище объектов и сразу регистрируется
// как direct-файл.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/bigkaa/gomediastore/transfer-module/internal/api/errors"
	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
	"github.com/bigkaa/gomediastore/transfer-module/internal/repository"
	"github.com/bigkaa/gomediastore/transfer-module/internal/storage/chunkstore"
)

// directUploadsTotal — количество простых загрузок по результату.
var directUploadsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tm_direct_uploads_total",
		Help: "Общее количество простых (не-сессионных) загрузок",
	},
	[]string{"result"},
)

// DirectUploadParams — параметры простой загрузки.
type DirectUploadParams struct {
	// Reader — поток данных файла
	Reader io.Reader
	// Filename — оригинальное имя файла
	Filename string
	// MimeType — MIME-тип файла
	MimeType string
	// Size — размер payload в байтах
	Size int64
	// OwnerID — идентификатор пользователя (sub из JWT)
	OwnerID string
}

// DirectUploadService — сервис простой загрузки малых файлов.
type DirectUploadService struct {
	files      repository.FileRepository
	store      chunkstore.Store
	limit      int64
	presignTTL time.Duration
	publicURL  string
	logger     *slog.Logger
}

// NewDirectUploadService создаёт сервис простой загрузки.
// limit — максимальный размер payload.
func NewDirectUploadService(
	files repository.FileRepository,
	store chunkstore.Store,
	limit int64,
	presignTTL time.Duration,
	publicURL string,
	logger *slog.Logger,
) *DirectUploadService {
	return &DirectUploadService{
		files:      files,
		store:      store,
		limit:      limit,
		presignTTL: presignTTL,
		publicURL:  publicURL,
		logger:     logger.With(slog.String("component", "direct_upload_service")),
	}
}

// Limit возвращает максимальный размер payload простой загрузки.
func (s *DirectUploadService) Limit() int64 {
	return s.limit
}

// Upload принимает малый файл одним запросом.
//
// Поток:
//  1. Проверка размера против лимита
//  2. Запись blob'а в хранилище объектов
//  3. Регистрация файла (storage_mode = direct, без сессии)
func (s *DirectUploadService) Upload(ctx context.Context, params DirectUploadParams) (*model.FileRecord, *TransferError) {
	// 1. Проверяем размер: файлы больше лимита идут через сессии чанков
	if params.Size <= 0 {
		directUploadsTotal.WithLabelValues("error").Inc()
		return nil, &TransferError{
			StatusCode: 400,
			Code:       apierrors.CodeValidationError,
			Message:    fmt.Sprintf("Недопустимый размер файла: %d", params.Size),
		}
	}
	if params.Size > s.limit {
		directUploadsTotal.WithLabelValues("too_large").Inc()
		return nil, &TransferError{
			StatusCode: 413,
			Code:       apierrors.CodePayloadTooLarge,
			Message: fmt.Sprintf("Размер файла %d байт превышает лимит простой загрузки %d байт, используйте сессию чанков",
				params.Size, s.limit),
		}
	}

	// 2. Записываем blob
	fileID := uuid.New().String()
	key := ObjectKey(fileID)
	if err := s.store.PutObject(ctx, key, params.Reader, params.Size); err != nil {
		s.logger.Error("Ошибка записи файла",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		directUploadsTotal.WithLabelValues("error").Inc()
		return nil, &TransferError{
			StatusCode: 502,
			Code:       apierrors.CodeStorageFailure,
			Message:    "Ошибка записи файла в хранилище",
		}
	}

	// 3. Формируем URL чтения
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

	// 4. Регистрируем файл
	record := &model.FileRecord{
		FileID:      fileID,
		URL:         url,
		StorageMode: model.ModeDirect,
		MimeType:    params.MimeType,
		FileSize:    params.Size,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.files.Create(ctx, record); err != nil {
		// Откатываем blob: запись о файле создать не удалось
		if delErr := s.store.DeleteObject(ctx, key); delErr != nil {
			s.logger.Error("Ошибка отката blob'а",
				slog.String("file_id", fileID),
				slog.String("error", delErr.Error()),
			)
		}
		s.logger.Error("Ошибка регистрации файла",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		directUploadsTotal.WithLabelValues("error").Inc()
		return nil, &TransferError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка регистрации файла",
		}
	}

	directUploadsTotal.WithLabelValues("success").Inc()

	s.logger.Info("Файл загружен напрямую",
		slog.String("file_id", fileID),
		slog.String("filename", params.Filename),
		slog.Int64("size", params.Size),
		slog.String("owner", params.OwnerID),
	)

	return record, nil
}

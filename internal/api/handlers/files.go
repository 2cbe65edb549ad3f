// files.go — обработчики файлов: простая загрузка, метаданные, скачивание.
package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/gomediastore/transfer-module/internal/api/errors"
	"github.com/bigkaa/gomediastore/transfer-module/internal/api/middleware"
	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
	"github.com/bigkaa/gomediastore/transfer-module/internal/repository"
	"github.com/bigkaa/gomediastore/transfer-module/internal/service"
	"github.com/bigkaa/gomediastore/transfer-module/internal/storage/chunkstore"
)

// FilesHandler — обработчик чтения файлов.
type FilesHandler struct {
	files  repository.FileRepository
	store  chunkstore.Store
	logger *slog.Logger
}

// NewFilesHandler создаёт обработчик файлов.
func NewFilesHandler(files repository.FileRepository, store chunkstore.Store, logger *slog.Logger) *FilesHandler {
	return &FilesHandler{
		files:  files,
		store:  store,
		logger: logger.With(slog.String("component", "files_handler")),
	}
}

// DirectUpload — POST /api/v1/files/upload.
// Простая загрузка малого файла одним multipart-запросом.
// Файлы больше лимита отклоняются с 413: большие файлы идут через сессии.
func (h *APIHandler) DirectUpload(w http.ResponseWriter, r *http.Request) {
	limit := h.direct.Limit()

	// Запас на multipart-оверхед поверх лимита payload
	r.Body = http.MaxBytesReader(w, r.Body, limit+1024*1024)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierrors.PayloadTooLarge(w, "Файл превышает лимит простой загрузки")
			return
		}
		apierrors.ValidationError(w, "Требуется multipart-поле file")
		return
	}
	defer file.Close()

	record, terr := h.direct.Upload(r.Context(), service.DirectUploadParams{
		Reader:   file,
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Size:     header.Size,
		OwnerID:  middleware.SubjectFromContext(r.Context()),
	})
	if terr != nil {
		apierrors.WriteError(w, terr.StatusCode, terr.Code, terr.Message)
		return
	}

	writeJSON(w, http.StatusCreated, toFileResponse(record))
}

// GetFile — GET /api/v1/files/{fileId}. Метаданные файла.
func (h *FilesHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileId")

	record, err := h.files.GetByID(r.Context(), fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Файл не найден")
			return
		}
		h.logger.Error("Ошибка чтения записи файла",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка чтения записи файла")
		return
	}

	writeJSON(w, http.StatusOK, toFileResponse(record))
}

// DownloadFile — GET /api/v1/files/{fileId}/download.
// Direct-файлы отдаются из хранилища объектов (с поддержкой Range
// через http.ServeContent). Streamed-файлы перенаправляются на
// streaming endpoint.
func (h *FilesHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileId")

	record, err := h.files.GetByID(r.Context(), fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Файл не найден")
			return
		}
		apierrors.InternalError(w, "Ошибка чтения записи файла")
		return
	}

	if record.StorageMode == model.ModeStreamed {
		http.Redirect(w, r, "/files/stream/"+record.SessionToken, http.StatusFound)
		return
	}

	rc, err := h.store.OpenObject(r.Context(), service.ObjectKey(fileID))
	if err != nil {
		if errors.Is(err, chunkstore.ErrNotFound) {
			apierrors.NotFound(w, "Данные файла отсутствуют в хранилище")
			return
		}
		h.logger.Error("Ошибка открытия файла",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		apierrors.StorageFailure(w, "Ошибка чтения файла из хранилища")
		return
	}
	defer rc.Close()

	contentType := record.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)

	// Дисковый backend возвращает *os.File — отдаём через ServeContent
	// (Range, If-Modified-Since). Иначе — прямое копирование.
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, record.FileID, record.CreatedAt, rs)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(record.FileSize, 10))
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("Скачивание файла прервано",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
	}
}

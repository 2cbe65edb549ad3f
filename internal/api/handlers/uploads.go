// uploads.go — обработчики протокола chunked-загрузки.
// Тело чанка передаётся бинарно; заголовок Content-Transfer-Encoding: base64
// включает декодирование base64 (для клиентов, читающих файлы через data URL).
package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/gomediastore/transfer-module/internal/api/errors"
	"github.com/bigkaa/gomediastore/transfer-module/internal/api/middleware"
	"github.com/bigkaa/gomediastore/transfer-module/internal/service"
)

// maxThumbnailSize — лимит размера превью (2 MiB).
const maxThumbnailSize = 2 * 1024 * 1024

// createUploadRequest — тело запроса создания сессии.
type createUploadRequest struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	TotalSize int64  `json:"total_size"`
}

// CreateUpload — POST /api/v1/uploads. Создаёт сессию загрузки.
func (h *APIHandler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	var req createUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	session, terr := h.sessions.CreateSession(r.Context(), service.CreateSessionParams{
		Filename:  req.Filename,
		MimeType:  req.MimeType,
		TotalSize: req.TotalSize,
		OwnerID:   middleware.SubjectFromContext(r.Context()),
	})
	if terr != nil {
		apierrors.WriteError(w, terr.StatusCode, terr.Code, terr.Message)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

// GetUploadProgress — GET /api/v1/uploads/{token}.
// Возвращает серверное состояние сессии; клиент использует его при resume.
func (h *APIHandler) GetUploadProgress(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	session, terr := h.sessions.Progress(r.Context(), token, middleware.SubjectFromContext(r.Context()))
	if terr != nil {
		apierrors.WriteError(w, terr.StatusCode, terr.Code, terr.Message)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// UploadChunk — PUT /api/v1/uploads/{token}/chunks/{index}.
// Тело запроса — данные чанка. Повторная загрузка принятого чанка —
// идемпотентный успех.
func (h *APIHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		apierrors.ValidationError(w, "Некорректный индекс чанка")
		return
	}

	var (
		body io.Reader = r.Body
		size           = r.ContentLength
	)

	// Клиенты, читающие файл через data URL, шлют base64
	if strings.EqualFold(r.Header.Get("Content-Transfer-Encoding"), "base64") {
		raw, readErr := io.ReadAll(r.Body)
		if readErr != nil {
			apierrors.ValidationError(w, "Ошибка чтения тела запроса")
			return
		}
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
		n, decErr := base64.StdEncoding.Decode(decoded, raw)
		if decErr != nil {
			apierrors.ValidationError(w, "Некорректная base64-кодировка чанка")
			return
		}
		body = bytes.NewReader(decoded[:n])
		size = int64(n)
	}

	if size < 0 {
		apierrors.ValidationError(w, "Требуется заголовок Content-Length")
		return
	}

	session, terr := h.sessions.AcceptChunk(r.Context(), token,
		middleware.SubjectFromContext(r.Context()), index, body, size)
	if terr != nil {
		apierrors.WriteError(w, terr.StatusCode, terr.Code, terr.Message)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// PauseUpload — POST /api/v1/uploads/{token}/pause.
// Пауза — advisory: сервер продолжит принимать чанки.
func (h *APIHandler) PauseUpload(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	session, terr := h.sessions.Pause(r.Context(), token, middleware.SubjectFromContext(r.Context()))
	if terr != nil {
		apierrors.WriteError(w, terr.StatusCode, terr.Code, terr.Message)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// FinalizeUpload — POST /api/v1/uploads/{token}/finalize.
func (h *APIHandler) FinalizeUpload(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	record, terr := h.finalize.Finalize(r.Context(), token, middleware.SubjectFromContext(r.Context()))
	if terr != nil {
		apierrors.WriteError(w, terr.StatusCode, terr.Code, terr.Message)
		return
	}

	writeJSON(w, http.StatusOK, toFileResponse(record))
}

// UploadThumbnail — PUT /api/v1/uploads/{token}/thumbnail.
// Принимает превью, сгенерированное клиентом во время загрузки.
func (h *APIHandler) UploadThumbnail(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	if r.ContentLength < 0 {
		apierrors.ValidationError(w, "Требуется заголовок Content-Length")
		return
	}
	if r.ContentLength > maxThumbnailSize {
		apierrors.PayloadTooLarge(w, "Превью превышает лимит размера")
		return
	}

	terr := h.sessions.SaveThumbnail(r.Context(), token,
		middleware.SubjectFromContext(r.Context()), r.Body, r.ContentLength)
	if terr != nil {
		apierrors.WriteError(w, terr.StatusCode, terr.Code, terr.Message)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetThumbnail — GET /api/v1/uploads/{token}/thumbnail.
// Отдаёт сохранённое превью; превью переживает финализацию сессии.
func (h *APIHandler) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	rc, size, terr := h.sessions.OpenThumbnail(r.Context(), token,
		middleware.SubjectFromContext(r.Context()))
	if terr != nil {
		apierrors.WriteError(w, terr.StatusCode, terr.Code, terr.Message)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("Отдача превью прервана",
			slog.String("session_token", token),
			slog.String("error", err.Error()),
		)
	}
}

// CancelUpload — DELETE /api/v1/uploads/{token}.
// Отмена идемпотентна: повторная отмена — успех.
func (h *APIHandler) CancelUpload(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	if terr := h.sessions.Cancel(r.Context(), token, middleware.SubjectFromContext(r.Context())); terr != nil {
		apierrors.WriteError(w, terr.StatusCode, terr.Code, terr.Message)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

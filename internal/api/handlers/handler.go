// handler.go — основной обработчик API Transfer Module.
// Объединяет обработчики сессий, файлов, streaming и health,
// регистрирует маршруты в chi-роутере.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
	"github.com/bigkaa/gomediastore/transfer-module/internal/service"
)

// APIHandler — основной обработчик API Transfer Module.
// Делегирует запросы в сервисный слой.
type APIHandler struct {
	sessions *service.SessionService
	finalize *service.FinalizeService
	stream   *service.StreamService
	direct   *service.DirectUploadService
	files    *FilesHandler
	health   *HealthHandler
	logger   *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	sessions *service.SessionService,
	finalize *service.FinalizeService,
	stream *service.StreamService,
	direct *service.DirectUploadService,
	files *FilesHandler,
	health *HealthHandler,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		sessions: sessions,
		finalize: finalize,
		stream:   stream,
		direct:   direct,
		files:    files,
		health:   health,
		logger:   logger.With(slog.String("component", "api_handler")),
	}
}

// RegisterRoutes регистрирует маршруты API в роутере.
// Маршруты под /api/v1 защищаются JWT middleware на уровне сервера;
// /files/stream, /health и /metrics — публичные.
func (h *APIHandler) RegisterRoutes(r chi.Router) {
	// Health и метрики
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	// Сессии chunked-загрузки
	r.Route("/api/v1/uploads", func(r chi.Router) {
		r.Post("/", h.CreateUpload)
		r.Get("/{token}", h.GetUploadProgress)
		r.Put("/{token}/chunks/{index}", h.UploadChunk)
		r.Post("/{token}/pause", h.PauseUpload)
		r.Post("/{token}/finalize", h.FinalizeUpload)
		r.Put("/{token}/thumbnail", h.UploadThumbnail)
		r.Get("/{token}/thumbnail", h.GetThumbnail)
		r.Delete("/{token}", h.CancelUpload)
	})

	// Файлы
	r.Route("/api/v1/files", func(r chi.Router) {
		r.Post("/upload", h.DirectUpload)
		r.Get("/{fileId}", h.files.GetFile)
		r.Get("/{fileId}/download", h.files.DownloadFile)
	})

	// Streaming — без JWT: токен сессии сам по себе capability
	r.Get("/files/stream/{token}", h.StreamFile)
	r.Head("/files/stream/{token}", h.StreamFile)
}

// StreamFile — GET/HEAD /files/stream/{token}.
func (h *APIHandler) StreamFile(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	h.stream.ServeStream(w, r, token)
}

// --- DTO и вспомогательные функции ---

// sessionResponse — представление сессии в API.
type sessionResponse struct {
	SessionToken   string `json:"session_token"`
	Status         string `json:"status"`
	Filename       string `json:"filename"`
	MimeType       string `json:"mime_type,omitempty"`
	TotalSize      int64  `json:"total_size"`
	ChunkSize      int64  `json:"chunk_size"`
	TotalChunks    int    `json:"total_chunks"`
	UploadedChunks []int  `json:"uploaded_chunks"`
	UploadedBytes  int64  `json:"uploaded_bytes"`
	MissingChunks  []int  `json:"missing_chunks"`
	ResultFileID   string `json:"result_file_id,omitempty"`
	ResultURL      string `json:"result_url,omitempty"`
}

// toSessionResponse преобразует доменную сессию в DTO.
func toSessionResponse(s *model.UploadSession) sessionResponse {
	uploaded := make([]int, 0, len(s.Uploaded))
	for i := 0; i < s.TotalChunks; i++ {
		if s.Uploaded[i] {
			uploaded = append(uploaded, i)
		}
	}
	return sessionResponse{
		SessionToken:   s.SessionToken,
		Status:         string(s.Status),
		Filename:       s.Filename,
		MimeType:       s.MimeType,
		TotalSize:      s.TotalSize,
		ChunkSize:      s.ChunkSize,
		TotalChunks:    s.TotalChunks,
		UploadedChunks: uploaded,
		UploadedBytes:  s.UploadedBytes(),
		MissingChunks:  s.MissingChunks(),
		ResultFileID:   s.ResultFileID,
		ResultURL:      s.ResultURL,
	}
}

// fileResponse — представление файла в API.
type fileResponse struct {
	FileID      string `json:"file_id"`
	URL         string `json:"url"`
	StorageMode string `json:"storage_mode"`
	MimeType    string `json:"mime_type,omitempty"`
	FileSize    int64  `json:"file_size"`
	CreatedAt   string `json:"created_at"`
}

// toFileResponse преобразует запись файла в DTO.
func toFileResponse(f *model.FileRecord) fileResponse {
	return fileResponse{
		FileID:      f.FileID,
		URL:         f.URL,
		StorageMode: string(f.StorageMode),
		MimeType:    f.MimeType,
		FileSize:    f.FileSize,
		CreatedAt:   f.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Пакет errors — конструкторы стандартных ошибок Transfer Module.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // TODO: переименовать пакет errors, конфликт со stdlib

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Машиночитаемые коды ошибок API.
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeInvalidSize       = "INVALID_SIZE"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeSessionTerminal   = "SESSION_TERMINAL"
	CodeSessionExpired    = "SESSION_EXPIRED"
	CodeIndexOutOfRange   = "INDEX_OUT_OF_RANGE"
	CodeIncompleteUpload  = "INCOMPLETE_UPLOAD"
	CodeStorageFailure    = "STORAGE_FAILURE"
	CodeChunkNotAvailable = "CHUNK_NOT_AVAILABLE"
	CodeInvalidRange      = "INVALID_RANGE"
	CodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeInternalError     = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// StorageFailure — 502 ошибка blob-хранилища.
func StorageFailure(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeStorageFailure, message)
}

// ChunkNotAvailable — 503 запрошенный диапазон ещё не загружен.
// retryAfter — рекомендация клиенту в секундах (заголовок Retry-After).
func ChunkNotAvailable(w http.ResponseWriter, message string, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	WriteError(w, http.StatusServiceUnavailable, CodeChunkNotAvailable, message)
}

// InvalidRange — 416 некорректный или невыполнимый Range header.
func InvalidRange(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestedRangeNotSatisfiable, CodeInvalidRange, message)
}

// PayloadTooLarge — 413 payload превышает лимит простой загрузки.
func PayloadTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}

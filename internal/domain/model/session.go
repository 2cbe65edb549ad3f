// Пакет model — доменные модели Transfer Module.
// UploadSession — сессия chunked-загрузки, FileRecord — финализированный файл.
package model

import (
	"time"
)

// Значения по умолчанию для параметров передачи.
const (
	// DefaultChunkSize — размер чанка при загрузке (5 MiB)
	DefaultChunkSize int64 = 5 * 1024 * 1024
	// DefaultStreamThreshold — порог выбора streamed-режима (50 MiB).
	// Файлы строго больше порога остаются чанками, меньше или равные — собираются в один blob.
	DefaultStreamThreshold int64 = 50 * 1024 * 1024
	// DefaultDirectUploadLimit — максимальный размер payload простой (не-сессионной) загрузки (10 MiB)
	DefaultDirectUploadLimit int64 = 10 * 1024 * 1024
)

// SessionStatus — статус сессии загрузки.
// Допустимы только шесть значений, pending/uploading не существуют.
type SessionStatus string

const (
	// StatusActive — сессия принимает чанки
	StatusActive SessionStatus = "active"
	// StatusPaused — загрузка приостановлена клиентом (advisory, чанки по-прежнему принимаются)
	StatusPaused SessionStatus = "paused"
	// StatusFinalizing — выполняется финализация
	StatusFinalizing SessionStatus = "finalizing"
	// StatusCompleted — сессия завершена, файл зарегистрирован
	StatusCompleted SessionStatus = "completed"
	// StatusFailed — сессия отменена пользователем или завершилась с ошибкой
	StatusFailed SessionStatus = "failed"
	// StatusExpired — сессия реклаймирована Reaper'ом по таймауту
	StatusExpired SessionStatus = "expired"
)

// IsTerminal возвращает true для конечных статусов (completed, failed, expired).
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// UploadSession — сессия резюмируемой chunked-загрузки.
// Сервер — единственный источник истины о принятых чанках.
type UploadSession struct {
	// SessionToken — уникальный внешний идентификатор сессии (UUID)
	SessionToken string
	// OwnerID — идентификатор пользователя-инициатора (sub из JWT);
	// все операции над сессией ограничены её владельцем
	OwnerID string
	// Filename — оригинальное имя файла
	Filename string
	// MimeType — MIME-тип файла
	MimeType string
	// TotalSize — полный размер файла в байтах (> 0)
	TotalSize int64
	// ChunkSize — размер чанка, фиксируется при создании сессии
	ChunkSize int64
	// TotalChunks — ceil(TotalSize / ChunkSize)
	TotalChunks int
	// Uploaded — множество индексов чанков, подтверждённо сохранённых.
	// Порядок поступления не важен, важно только членство.
	Uploaded map[int]bool
	// Status — текущий статус сессии
	Status SessionStatus
	// CreatedAt, UpdatedAt — UpdatedAt обновляется при каждом принятом чанке
	// и смене статуса; по нему работает Reaper
	CreatedAt time.Time
	UpdatedAt time.Time
	// ResultFileID, ResultURL — заполняются только после completed
	ResultFileID string
	ResultURL    string
}

// TotalChunks вычисляет количество чанков: ceil(totalSize / chunkSize).
func TotalChunks(totalSize, chunkSize int64) int {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((totalSize + chunkSize - 1) / chunkSize)
}

// LastChunkSize возвращает размер последнего чанка:
// totalSize - (totalChunks-1)*chunkSize, всегда в интервале (0, chunkSize].
func LastChunkSize(totalSize, chunkSize int64) int64 {
	n := TotalChunks(totalSize, chunkSize)
	if n == 0 {
		return 0
	}
	return totalSize - int64(n-1)*chunkSize
}

// ChunkSizeAt возвращает ожидаемый размер чанка с индексом index.
// Для последнего чанка размер может быть меньше ChunkSize.
func (s *UploadSession) ChunkSizeAt(index int) int64 {
	if index < 0 || index >= s.TotalChunks {
		return 0
	}
	if index == s.TotalChunks-1 {
		return LastChunkSize(s.TotalSize, s.ChunkSize)
	}
	return s.ChunkSize
}

// UploadedCount возвращает количество подтверждённых чанков.
func (s *UploadSession) UploadedCount() int {
	return len(s.Uploaded)
}

// UploadedBytes возвращает суммарный объём подтверждённых чанков.
func (s *UploadSession) UploadedBytes() int64 {
	var total int64
	for idx := range s.Uploaded {
		total += s.ChunkSizeAt(idx)
	}
	return total
}

// Complete возвращает true, когда приняты все чанки сессии.
func (s *UploadSession) Complete() bool {
	return s.TotalChunks > 0 && len(s.Uploaded) == s.TotalChunks
}

// HasChunk проверяет, принят ли чанк с указанным индексом.
func (s *UploadSession) HasChunk(index int) bool {
	return s.Uploaded[index]
}

// MissingChunks возвращает отсортированный список недостающих индексов.
// Используется клиентом при resume.
func (s *UploadSession) MissingChunks() []int {
	missing := make([]int, 0, s.TotalChunks-len(s.Uploaded))
	for i := 0; i < s.TotalChunks; i++ {
		if !s.Uploaded[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

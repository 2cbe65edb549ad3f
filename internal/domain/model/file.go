// file.go — модель финализированного файла.
package model

import "time"

// StorageMode — способ хранения финализированного файла.
type StorageMode string

const (
	// ModeDirect — файл собран в единый blob
	ModeDirect StorageMode = "direct"
	// ModeStreamed — чанки остаются хранилищем записи, чтение через range-маппинг
	ModeStreamed StorageMode = "streamed"
)

// StorageModeFor выбирает режим хранения по размеру файла.
// streamed выбирается строго при totalSize > threshold:
// файл ровно в threshold байт — direct.
func StorageModeFor(totalSize, threshold int64) StorageMode {
	if totalSize > threshold {
		return ModeStreamed
	}
	return ModeDirect
}

// FileRecord — финализированный файл, результат завершённой сессии.
// Для streamed-файлов чанки сессии не удаляются, пока существует запись.
type FileRecord struct {
	// FileID — идентификатор файла (UUID)
	FileID string
	// SessionToken — токен исходной сессии загрузки
	SessionToken string
	// URL — адрес чтения: прямой blob (direct) или streaming endpoint (streamed)
	URL string
	// StorageMode — direct или streamed
	StorageMode StorageMode
	// MimeType — MIME-тип файла
	MimeType string
	// FileSize — размер файла в байтах
	FileSize int64
	// ChunkSize — гранулярность чтения для range-маппинга (streamed);
	// хранится отдельно от ingest-размера сессии
	ChunkSize int64
	// TotalChunks — количество чанков (streamed)
	TotalChunks int
	// CreatedAt — время финализации
	CreatedAt time.Time
}

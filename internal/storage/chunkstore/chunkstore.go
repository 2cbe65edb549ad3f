// Пакет chunkstore — абстракция над долговременным blob-хранилищем чанков.
// Чанк адресуется парой (sessionToken, index), собранные файлы — ключом объекта.
// Два backend'а: локальный диск (fs.go) и S3-совместимое хранилище (s3.go).
package chunkstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound — чанк или объект отсутствует в хранилище.
var ErrNotFound = errors.New("чанк не найден в хранилище")

// Store — операции хранилища чанков и собранных объектов.
//
// Гарантии упорядочивания между конкурентными PutChunk для разных индексов
// одной сессии отсутствуют; вызывающий код не должен на них полагаться.
// Конкурентная запись одного индекса разрешается на уровне Session Authority
// (striped-блокировки по (token, index)).
type Store interface {
	// PutChunk сохраняет чанк. size — точный размер данных в reader.
	PutChunk(ctx context.Context, token string, index int, r io.Reader, size int64) error
	// OpenChunk открывает чанк целиком для чтения.
	OpenChunk(ctx context.Context, token string, index int) (io.ReadCloser, error)
	// OpenChunkRange открывает под-диапазон чанка: length байт начиная с offset.
	// Backend читает диапазон без материализации всего чанка, где это возможно.
	OpenChunkRange(ctx context.Context, token string, index int, offset, length int64) (io.ReadCloser, error)
	// ChunkSize возвращает фактический размер сохранённого чанка.
	ChunkSize(ctx context.Context, token string, index int) (int64, error)
	// DeleteSession удаляет все чанки сессии как единое целое.
	// Отсутствие чанков — не ошибка.
	DeleteSession(ctx context.Context, token string) error

	// PutObject сохраняет собранный объект (direct-режим, thumbnail).
	PutObject(ctx context.Context, key string, r io.Reader, size int64) error
	// OpenObject открывает объект для чтения.
	OpenObject(ctx context.Context, key string) (io.ReadCloser, error)
	// ObjectSize возвращает размер объекта.
	ObjectSize(ctx context.Context, key string) (int64, error)
	// DeleteObject удаляет объект. Отсутствие объекта — не ошибка.
	DeleteObject(ctx context.Context, key string) error
	// ObjectURL возвращает прямой URL чтения объекта (presigned для S3).
	// Пустая строка — backend не поддерживает прямые URL, отдача идёт
	// через download endpoint модуля.
	ObjectURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

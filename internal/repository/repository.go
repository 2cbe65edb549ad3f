// Пакет repository — слой доступа к данным сессий и файлов.
// Две реализации: postgres.go (pgxpool, чистый SQL) и memory.go
// (in-memory, для standalone-режима без БД и тестов).
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
)

// ErrNotFound — запись не найдена в репозитории.
var ErrNotFound = errors.New("запись не найдена")

// ErrStatusConflict — compare-and-set статуса не прошёл:
// текущий статус сессии не входит в допустимый набор исходных.
var ErrStatusConflict = errors.New("конфликт статуса сессии")

// DBTX — абстракция над pgxpool.Pool и pgx.Tx.
// Позволяет выполнять запросы как напрямую через пул, так и в транзакции.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SessionRepository — операции над сессиями загрузки.
type SessionRepository interface {
	// Create сохраняет новую сессию.
	Create(ctx context.Context, session *model.UploadSession) error
	// Get возвращает сессию по токену. ErrNotFound, если сессии нет.
	Get(ctx context.Context, token string) (*model.UploadSession, error)
	// MarkChunkUploaded атомарно отмечает чанк принятым и обновляет
	// updated_at. Повторная отметка того же индекса — no-op.
	MarkChunkUploaded(ctx context.Context, token string, index int) error
	// CompareAndSetStatus атомарно переводит сессию в статус to, только
	// если текущий статус входит в from. ErrStatusConflict при несовпадении.
	// Каждый запрошенный переход from → to проверяется автоматом статусов:
	// недопустимый переход — *state.TransitionError.
	CompareAndSetStatus(ctx context.Context, token string, to model.SessionStatus, from ...model.SessionStatus) error
	// SetResult записывает результат финализации (file_id, url).
	SetResult(ctx context.Context, token, fileID, url string) error
	// Touch обновляет updated_at сессии текущим временем.
	Touch(ctx context.Context, token string) error
	// ListStale возвращает токены нетерминальных сессий (кроме finalizing),
	// у которых updated_at старше cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	// ListTerminalStale возвращает токены failed/expired сессий с updated_at
	// старше cutoff — кандидаты на зачистку остаточных чанков.
	ListTerminalStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// FileRepository — операции над финализированными файлами.
type FileRepository interface {
	// Create регистрирует финализированный файл.
	Create(ctx context.Context, file *model.FileRecord) error
	// GetByID возвращает файл по идентификатору. ErrNotFound, если файла нет.
	GetByID(ctx context.Context, fileID string) (*model.FileRecord, error)
	// GetBySessionToken возвращает файл по токену исходной сессии.
	GetBySessionToken(ctx context.Context, token string) (*model.FileRecord, error)
}

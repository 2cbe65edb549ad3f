// postgres.go — PostgreSQL-реализация репозиториев поверх pgx.
// Чистый SQL без ORM. Множество принятых чанков хранится в колонке
// uploaded_chunks INT[]; отметка чанка и смена статуса выполняются
// одним атомарным UPDATE, без read-modify-write на стороне приложения.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/state"
)

// PostgresSessionRepository — репозиторий сессий в PostgreSQL.
type PostgresSessionRepository struct {
	db DBTX
}

// NewPostgresSessionRepository создаёт репозиторий сессий.
func NewPostgresSessionRepository(db DBTX) *PostgresSessionRepository {
	return &PostgresSessionRepository{db: db}
}

// Create сохраняет новую сессию.
func (r *PostgresSessionRepository) Create(ctx context.Context, s *model.UploadSession) error {
	query := `
		INSERT INTO upload_sessions (
			session_token, owner_id, filename, mime_type,
			total_size, chunk_size, total_chunks, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.Exec(ctx, query,
		s.SessionToken, s.OwnerID, s.Filename, s.MimeType,
		s.TotalSize, s.ChunkSize, s.TotalChunks, string(s.Status),
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка создания сессии: %w", err)
	}
	return nil
}

// Get возвращает сессию по токену.
func (r *PostgresSessionRepository) Get(ctx context.Context, token string) (*model.UploadSession, error) {
	query := `
		SELECT session_token, owner_id, filename, mime_type,
		       total_size, chunk_size, total_chunks, uploaded_chunks,
		       status, created_at, updated_at, result_file_id, result_url
		FROM upload_sessions
		WHERE session_token = $1`

	var (
		s        model.UploadSession
		status   string
		uploaded []int32
	)
	err := r.db.QueryRow(ctx, query, token).Scan(
		&s.SessionToken, &s.OwnerID, &s.Filename, &s.MimeType,
		&s.TotalSize, &s.ChunkSize, &s.TotalChunks, &uploaded,
		&status, &s.CreatedAt, &s.UpdatedAt, &s.ResultFileID, &s.ResultURL,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения сессии: %w", err)
	}

	s.Status, err = state.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения сессии: %w", err)
	}
	s.Uploaded = make(map[int]bool, len(uploaded))
	for _, idx := range uploaded {
		s.Uploaded[int(idx)] = true
	}
	return &s, nil
}

// MarkChunkUploaded атомарно добавляет индекс в uploaded_chunks.
// Повторное добавление того же индекса — no-op: CASE оставляет массив
// без изменений, но updated_at всё равно обновляется.
func (r *PostgresSessionRepository) MarkChunkUploaded(ctx context.Context, token string, index int) error {
	query := `
		UPDATE upload_sessions
		SET uploaded_chunks = CASE
		        WHEN $2 = ANY(uploaded_chunks) THEN uploaded_chunks
		        ELSE array_append(uploaded_chunks, $2)
		    END,
		    updated_at = now()
		WHERE session_token = $1`

	tag, err := r.db.Exec(ctx, query, token, int32(index))
	if err != nil {
		return fmt.Errorf("ошибка отметки чанка %d: %w", index, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSetStatus атомарно переводит сессию в статус to, только если
// текущий статус входит в from. Один UPDATE с условием по статусу —
// конкурентные финализации и отмены разрешаются на уровне БД.
func (r *PostgresSessionRepository) CompareAndSetStatus(ctx context.Context, token string, to model.SessionStatus, from ...model.SessionStatus) error {
	fromStr := make([]string, len(from))
	for i, f := range from {
		// Каждый запрошенный переход должен быть допустим по автомату
		if err := state.Validate(f, to); err != nil {
			return err
		}
		fromStr[i] = string(f)
	}

	query := `
		UPDATE upload_sessions
		SET status = $2, updated_at = now()
		WHERE session_token = $1 AND status = ANY($3)`

	tag, err := r.db.Exec(ctx, query, token, string(to), fromStr)
	if err != nil {
		return fmt.Errorf("ошибка смены статуса сессии: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Различаем отсутствие сессии и конфликт статуса.
		var exists bool
		checkErr := r.db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM upload_sessions WHERE session_token = $1)`,
			token,
		).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("ошибка проверки сессии: %w", checkErr)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

// SetResult записывает результат финализации.
func (r *PostgresSessionRepository) SetResult(ctx context.Context, token, fileID, url string) error {
	query := `
		UPDATE upload_sessions
		SET result_file_id = $2, result_url = $3, updated_at = now()
		WHERE session_token = $1`

	tag, err := r.db.Exec(ctx, query, token, fileID, url)
	if err != nil {
		return fmt.Errorf("ошибка записи результата финализации: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch обновляет updated_at сессии.
func (r *PostgresSessionRepository) Touch(ctx context.Context, token string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE upload_sessions SET updated_at = now() WHERE session_token = $1`,
		token,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления updated_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStale возвращает токены нетерминальных сессий (кроме finalizing)
// с updated_at старше cutoff. Запрос использует индекс (status, updated_at).
func (r *PostgresSessionRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	query := `
		SELECT session_token
		FROM upload_sessions
		WHERE status IN ('active', 'paused') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска устаревших сессий: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("ошибка чтения токена: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации по устаревшим сессиям: %w", err)
	}
	return tokens, nil
}

// ListTerminalStale возвращает токены failed/expired сессий с updated_at
// старше cutoff. Кандидаты на зачистку остаточных чанков Reaper'ом.
func (r *PostgresSessionRepository) ListTerminalStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	query := `
		SELECT session_token
		FROM upload_sessions
		WHERE status IN ('failed', 'expired') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска терминальных сессий: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("ошибка чтения токена: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации по терминальным сессиям: %w", err)
	}
	return tokens, nil
}

// PostgresFileRepository — репозиторий финализированных файлов в PostgreSQL.
type PostgresFileRepository struct {
	db DBTX
}

// NewPostgresFileRepository создаёт репозиторий файлов.
func NewPostgresFileRepository(db DBTX) *PostgresFileRepository {
	return &PostgresFileRepository{db: db}
}

// Create регистрирует финализированный файл.
func (r *PostgresFileRepository) Create(ctx context.Context, f *model.FileRecord) error {
	query := `
		INSERT INTO transfer_files (
			file_id, session_token, url, storage_mode,
			mime_type, file_size, chunk_size, total_chunks, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query,
		f.FileID, f.SessionToken, f.URL, string(f.StorageMode),
		f.MimeType, f.FileSize, f.ChunkSize, f.TotalChunks, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка регистрации файла: %w", err)
	}
	return nil
}

// GetByID возвращает файл по идентификатору.
func (r *PostgresFileRepository) GetByID(ctx context.Context, fileID string) (*model.FileRecord, error) {
	return r.get(ctx, `WHERE file_id = $1`, fileID)
}

// GetBySessionToken возвращает файл по токену исходной сессии.
func (r *PostgresFileRepository) GetBySessionToken(ctx context.Context, token string) (*model.FileRecord, error) {
	return r.get(ctx, `WHERE session_token = $1`, token)
}

func (r *PostgresFileRepository) get(ctx context.Context, where string, arg any) (*model.FileRecord, error) {
	query := `
		SELECT file_id, session_token, url, storage_mode,
		       mime_type, file_size, chunk_size, total_chunks, created_at
		FROM transfer_files ` + where

	var (
		f    model.FileRecord
		mode string
	)
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&f.FileID, &f.SessionToken, &f.URL, &mode,
		&f.MimeType, &f.FileSize, &f.ChunkSize, &f.TotalChunks, &f.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения файла: %w", err)
	}
	f.StorageMode = model.StorageMode(mode)
	return &f, nil
}

// Проверка реализации интерфейсов на этапе компиляции.
var (
	_ SessionRepository = (*PostgresSessionRepository)(nil)
	_ FileRepository    = (*PostgresFileRepository)(nil)
)

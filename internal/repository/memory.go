// memory.go — in-memory реализация репозиториев.
// Используется в standalone-режиме (без PostgreSQL) и в тестах.
// Все методы возвращают глубокие копии: вызывающий код не может
// повредить внутреннее состояние через возвращённый указатель.
package repository

import (
	"context"
	"sync"
	"time"

	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/state"
)

// MemorySessionRepository — потокобезопасное in-memory хранилище сессий.
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*model.UploadSession
}

// NewMemorySessionRepository создаёт пустое in-memory хранилище сессий.
func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[string]*model.UploadSession),
	}
}

// Create сохраняет новую сессию.
func (r *MemorySessionRepository) Create(_ context.Context, session *model.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.SessionToken] = copySession(session)
	return nil
}

// Get возвращает копию сессии по токену.
func (r *MemorySessionRepository) Get(_ context.Context, token string) (*model.UploadSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// MarkChunkUploaded отмечает чанк принятым. Повторная отметка — no-op.
func (r *MemorySessionRepository) MarkChunkUploaded(_ context.Context, token string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		return ErrNotFound
	}
	s.Uploaded[index] = true
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// CompareAndSetStatus атомарно меняет статус при совпадении текущего с from.
func (r *MemorySessionRepository) CompareAndSetStatus(_ context.Context, token string, to model.SessionStatus, from ...model.SessionStatus) error {
	for _, f := range from {
		// Каждый запрошенный переход должен быть допустим по автомату
		if err := state.Validate(f, to); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		return ErrNotFound
	}
	for _, f := range from {
		if s.Status == f {
			s.Status = to
			s.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrStatusConflict
}

// SetResult записывает результат финализации.
func (r *MemorySessionRepository) SetResult(_ context.Context, token, fileID, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		return ErrNotFound
	}
	s.ResultFileID = fileID
	s.ResultURL = url
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Touch обновляет updated_at текущим временем.
func (r *MemorySessionRepository) Touch(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		return ErrNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// ListStale возвращает токены нетерминальных сессий (кроме finalizing)
// с updated_at старше cutoff.
func (r *MemorySessionRepository) ListStale(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var tokens []string
	for token, s := range r.sessions {
		if s.Status.IsTerminal() || s.Status == model.StatusFinalizing {
			continue
		}
		if s.UpdatedAt.Before(cutoff) {
			tokens = append(tokens, token)
			if limit > 0 && len(tokens) >= limit {
				break
			}
		}
	}
	return tokens, nil
}

// ListTerminalStale возвращает токены failed/expired сессий
// с updated_at старше cutoff.
func (r *MemorySessionRepository) ListTerminalStale(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var tokens []string
	for token, s := range r.sessions {
		if s.Status != model.StatusFailed && s.Status != model.StatusExpired {
			continue
		}
		if s.UpdatedAt.Before(cutoff) {
			tokens = append(tokens, token)
			if limit > 0 && len(tokens) >= limit {
				break
			}
		}
	}
	return tokens, nil
}

// copySession делает глубокую копию сессии, включая множество чанков.
func copySession(s *model.UploadSession) *model.UploadSession {
	cp := *s
	cp.Uploaded = make(map[int]bool, len(s.Uploaded))
	for idx := range s.Uploaded {
		cp.Uploaded[idx] = true
	}
	return &cp
}

// MemoryFileRepository — потокобезопасное in-memory хранилище файлов.
type MemoryFileRepository struct {
	mu      sync.RWMutex
	byID    map[string]*model.FileRecord
	byToken map[string]*model.FileRecord
}

// NewMemoryFileRepository создаёт пустое in-memory хранилище файлов.
func NewMemoryFileRepository() *MemoryFileRepository {
	return &MemoryFileRepository{
		byID:    make(map[string]*model.FileRecord),
		byToken: make(map[string]*model.FileRecord),
	}
}

// Create регистрирует финализированный файл.
func (r *MemoryFileRepository) Create(_ context.Context, file *model.FileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *file
	r.byID[file.FileID] = &cp
	if file.SessionToken != "" {
		r.byToken[file.SessionToken] = &cp
	}
	return nil
}

// GetByID возвращает копию файла по идентификатору.
func (r *MemoryFileRepository) GetByID(_ context.Context, fileID string) (*model.FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byID[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

// GetBySessionToken возвращает копию файла по токену сессии.
func (r *MemoryFileRepository) GetBySessionToken(_ context.Context, token string) (*model.FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

// Проверка реализации интерфейсов на этапе компиляции.
var (
	_ SessionRepository = (*MemorySessionRepository)(nil)
	_ FileRepository    = (*MemoryFileRepository)(nil)
)

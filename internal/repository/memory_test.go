package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/state"
)

func newSession(token string) *model.UploadSession {
	now := time.Now().UTC()
	return &model.UploadSession{
		SessionToken: token,
		OwnerID:      "user-1",
		Filename:     "video.mp4",
		MimeType:     "video/mp4",
		TotalSize:    16 * 1024 * 1024,
		ChunkSize:    model.DefaultChunkSize,
		TotalChunks:  4,
		Uploaded:     make(map[int]bool),
		Status:       model.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// TestMemorySessionRepository_CreateGet проверяет сохранение и чтение сессии.
func TestMemorySessionRepository_CreateGet(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	if err := repo.Create(ctx, newSession("tok-1")); err != nil {
		t.Fatalf("Ошибка создания сессии: %v", err)
	}

	got, err := repo.Get(ctx, "tok-1")
	if err != nil {
		t.Fatalf("Ошибка чтения сессии: %v", err)
	}
	if got.SessionToken != "tok-1" || got.Status != model.StatusActive {
		t.Errorf("Прочитана не та сессия: %+v", got)
	}

	if _, err := repo.Get(ctx, "нет-такой"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Ожидалась ErrNotFound, получено %v", err)
	}
}

// TestMemorySessionRepository_GetReturnsCopy проверяет изоляцию от мутаций.
func TestMemorySessionRepository_GetReturnsCopy(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()
	repo.Create(ctx, newSession("tok-1"))

	first, _ := repo.Get(ctx, "tok-1")
	first.Uploaded[0] = true
	first.Status = model.StatusFailed

	second, _ := repo.Get(ctx, "tok-1")
	if second.HasChunk(0) {
		t.Error("Мутация возвращённой копии не должна менять состояние репозитория")
	}
	if second.Status != model.StatusActive {
		t.Error("Статус в репозитории не должен меняться через копию")
	}
}

// TestMemorySessionRepository_MarkChunkUploaded проверяет идемпотентную отметку чанка.
func TestMemorySessionRepository_MarkChunkUploaded(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()
	repo.Create(ctx, newSession("tok-1"))

	if err := repo.MarkChunkUploaded(ctx, "tok-1", 2); err != nil {
		t.Fatalf("Ошибка отметки чанка: %v", err)
	}
	// Повторная отметка того же индекса — no-op без ошибки.
	if err := repo.MarkChunkUploaded(ctx, "tok-1", 2); err != nil {
		t.Fatalf("Повторная отметка чанка не должна возвращать ошибку: %v", err)
	}

	s, _ := repo.Get(ctx, "tok-1")
	if s.UploadedCount() != 1 {
		t.Errorf("UploadedCount = %d, ожидалось 1", s.UploadedCount())
	}
	if !s.HasChunk(2) {
		t.Error("Чанк 2 должен быть отмечен принятым")
	}

	if err := repo.MarkChunkUploaded(ctx, "нет-такой", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Ожидалась ErrNotFound, получено %v", err)
	}
}

// TestMemorySessionRepository_CompareAndSetStatus проверяет CAS статуса.
func TestMemorySessionRepository_CompareAndSetStatus(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()
	repo.Create(ctx, newSession("tok-1"))

	// active → finalizing: допустимый исходный статус.
	err := repo.CompareAndSetStatus(ctx, "tok-1", model.StatusFinalizing,
		model.StatusActive, model.StatusPaused)
	if err != nil {
		t.Fatalf("CAS active → finalizing: %v", err)
	}

	// Повторный CAS с теми же исходными статусами должен упасть:
	// сессия уже finalizing.
	err = repo.CompareAndSetStatus(ctx, "tok-1", model.StatusFinalizing,
		model.StatusActive, model.StatusPaused)
	if !errors.Is(err, ErrStatusConflict) {
		t.Errorf("Ожидалась ErrStatusConflict, получено %v", err)
	}

	s, _ := repo.Get(ctx, "tok-1")
	if s.Status != model.StatusFinalizing {
		t.Errorf("Статус = %s, ожидалось finalizing", s.Status)
	}

	err = repo.CompareAndSetStatus(ctx, "нет-такой", model.StatusFailed, model.StatusActive)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Ожидалась ErrNotFound, получено %v", err)
	}
}

// TestMemorySessionRepository_InvalidTransition проверяет, что CAS
// отклоняет переходы, запрещённые автоматом статусов.
func TestMemorySessionRepository_InvalidTransition(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()
	repo.Create(ctx, newSession("tok-1"))

	// completed — терминальный статус, completed → active запрещён
	err := repo.CompareAndSetStatus(ctx, "tok-1", model.StatusActive, model.StatusCompleted)
	var terr *state.TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("Ожидалась TransitionError, получено %v", err)
	}

	s, _ := repo.Get(ctx, "tok-1")
	if s.Status != model.StatusActive {
		t.Errorf("Недопустимый переход не должен менять статус, получено %s", s.Status)
	}
}

// TestMemorySessionRepository_ListStale проверяет выборку устаревших сессий.
func TestMemorySessionRepository_ListStale(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	stale := newSession("tok-stale")
	stale.UpdatedAt = time.Now().Add(-48 * time.Hour)
	repo.Create(ctx, stale)

	fresh := newSession("tok-fresh")
	repo.Create(ctx, fresh)

	// Терминальная сессия не должна попадать в выборку даже при старом updated_at.
	done := newSession("tok-done")
	done.Status = model.StatusCompleted
	done.UpdatedAt = time.Now().Add(-48 * time.Hour)
	repo.Create(ctx, done)

	// finalizing исключается: финализация может идти долго.
	fin := newSession("tok-fin")
	fin.Status = model.StatusFinalizing
	fin.UpdatedAt = time.Now().Add(-48 * time.Hour)
	repo.Create(ctx, fin)

	cutoff := time.Now().Add(-24 * time.Hour)
	tokens, err := repo.ListStale(ctx, cutoff, 100)
	if err != nil {
		t.Fatalf("Ошибка ListStale: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "tok-stale" {
		t.Errorf("ListStale = %v, ожидался только tok-stale", tokens)
	}
}

// TestMemorySessionRepository_ListTerminalStale проверяет выборку
// терминальных незавершённых сессий для зачистки остатков.
func TestMemorySessionRepository_ListTerminalStale(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)

	failed := newSession("tok-failed")
	failed.Status = model.StatusFailed
	failed.UpdatedAt = old
	repo.Create(ctx, failed)

	expired := newSession("tok-expired")
	expired.Status = model.StatusExpired
	expired.UpdatedAt = old
	repo.Create(ctx, expired)

	// completed и active не зачищаются даже при старом updated_at
	done := newSession("tok-done")
	done.Status = model.StatusCompleted
	done.UpdatedAt = old
	repo.Create(ctx, done)

	active := newSession("tok-active")
	active.UpdatedAt = old
	repo.Create(ctx, active)

	// Свежая failed ещё не попадает в выборку
	freshFailed := newSession("tok-fresh-failed")
	freshFailed.Status = model.StatusFailed
	repo.Create(ctx, freshFailed)

	cutoff := time.Now().Add(-24 * time.Hour)
	tokens, err := repo.ListTerminalStale(ctx, cutoff, 100)
	if err != nil {
		t.Fatalf("Ошибка ListTerminalStale: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("ListTerminalStale = %v, ожидались tok-failed и tok-expired", tokens)
	}
	seen := map[string]bool{}
	for _, tok := range tokens {
		seen[tok] = true
	}
	if !seen["tok-failed"] || !seen["tok-expired"] {
		t.Errorf("ListTerminalStale = %v, ожидались tok-failed и tok-expired", tokens)
	}
}

// TestMemoryFileRepository проверяет регистрацию и поиск файлов.
func TestMemoryFileRepository(t *testing.T) {
	repo := NewMemoryFileRepository()
	ctx := context.Background()

	file := &model.FileRecord{
		FileID:       "file-1",
		SessionToken: "tok-1",
		URL:          "/files/stream/tok-1",
		StorageMode:  model.ModeStreamed,
		MimeType:     "video/mp4",
		FileSize:     259 * 1024 * 1024,
		ChunkSize:    model.DefaultChunkSize,
		TotalChunks:  52,
		CreatedAt:    time.Now().UTC(),
	}
	if err := repo.Create(ctx, file); err != nil {
		t.Fatalf("Ошибка регистрации файла: %v", err)
	}

	byID, err := repo.GetByID(ctx, "file-1")
	if err != nil {
		t.Fatalf("Ошибка поиска по id: %v", err)
	}
	if byID.StorageMode != model.ModeStreamed || byID.TotalChunks != 52 {
		t.Errorf("Прочитан не тот файл: %+v", byID)
	}

	byToken, err := repo.GetBySessionToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("Ошибка поиска по токену: %v", err)
	}
	if byToken.FileID != "file-1" {
		t.Errorf("FileID = %s, ожидалось file-1", byToken.FileID)
	}

	if _, err := repo.GetByID(ctx, "нет-такого"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Ожидалась ErrNotFound, получено %v", err)
	}
	if _, err := repo.GetBySessionToken(ctx, "нет-такого"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Ожидалась ErrNotFound, получено %v", err)
	}
}

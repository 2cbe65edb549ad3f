package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
	"github.com/bigkaa/gomediastore/transfer-module/internal/repository"
	"github.com/bigkaa/gomediastore/transfer-module/internal/storage/chunkstore"
)

// testChunkSize — маленький размер чанка для тестов.
const testChunkSize = 4

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	sessions *repository.MemorySessionRepository
	files    *repository.MemoryFileRepository
	store    *chunkstore.FSStore
	svc      *SessionService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := chunkstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Не удалось создать хранилище: %v", err)
	}
	sessions := repository.NewMemorySessionRepository()
	return &testEnv{
		sessions: sessions,
		files:    repository.NewMemoryFileRepository(),
		store:    store,
		svc:      NewSessionService(sessions, store, testChunkSize, discardLogger()),
	}
}

// createSession создаёт сессию под файл размером size.
func (e *testEnv) createSession(t *testing.T, size int64) *model.UploadSession {
	t.Helper()
	session, terr := e.svc.CreateSession(context.Background(), CreateSessionParams{
		Filename:  "video.mp4",
		MimeType:  "video/mp4",
		TotalSize: size,
		OwnerID:   "user-1",
	})
	if terr != nil {
		t.Fatalf("Ошибка создания сессии: %v", terr)
	}
	return session
}

// uploadChunk загружает чанк индекса index с корректным размером.
func (e *testEnv) uploadChunk(t *testing.T, session *model.UploadSession, index int, data string) *model.UploadSession {
	t.Helper()
	updated, terr := e.svc.AcceptChunk(context.Background(), session.SessionToken, "user-1",
		index, strings.NewReader(data), int64(len(data)))
	if terr != nil {
		t.Fatalf("Ошибка приёма чанка %d: %v", index, terr)
	}
	return updated
}

// TestCreateSession проверяет создание сессии и вычисление чанков.
func TestCreateSession(t *testing.T) {
	env := newTestEnv(t)

	session := env.createSession(t, 10) // 10 байт / 4 = 3 чанка

	if session.Status != model.StatusActive {
		t.Errorf("Статус новой сессии = %s, ожидалось active", session.Status)
	}
	if session.TotalChunks != 3 {
		t.Errorf("TotalChunks = %d, ожидалось 3", session.TotalChunks)
	}
	if session.SessionToken == "" {
		t.Error("Токен сессии не должен быть пустым")
	}

	// Недопустимый размер
	_, terr := env.svc.CreateSession(context.Background(), CreateSessionParams{
		Filename:  "x",
		TotalSize: 0,
	})
	if terr == nil || terr.StatusCode != 400 {
		t.Errorf("Создание сессии с нулевым размером должно вернуть 400, получено %v", terr)
	}
}

// TestAcceptChunk проверяет приём чанков и прогресс.
func TestAcceptChunk(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t, 10)

	updated := env.uploadChunk(t, session, 0, "aaaa")
	if updated.UploadedCount() != 1 {
		t.Errorf("UploadedCount = %d, ожидалось 1", updated.UploadedCount())
	}

	// Последний чанк короче: 10 - 2*4 = 2 байта
	updated = env.uploadChunk(t, session, 2, "cc")
	if !updated.HasChunk(2) {
		t.Error("Чанк 2 должен быть отмечен принятым")
	}

	// Данные попали в хранилище
	rc, err := env.store.OpenChunk(context.Background(), session.SessionToken, 0)
	if err != nil {
		t.Fatalf("Чанк 0 должен существовать в хранилище: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "aaaa" {
		t.Errorf("Содержимое чанка 0 = %q, ожидалось aaaa", got)
	}
}

// TestAcceptChunk_Validation проверяет отказы по индексу и размеру.
func TestAcceptChunk_Validation(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t, 10)
	ctx := context.Background()

	// Индекс вне диапазона
	_, terr := env.svc.AcceptChunk(ctx, session.SessionToken, "user-1", 3,
		strings.NewReader("aaaa"), 4)
	if terr == nil || terr.StatusCode != 400 {
		t.Errorf("Индекс 3 при 3 чанках должен вернуть 400, получено %v", terr)
	}
	_, terr = env.svc.AcceptChunk(ctx, session.SessionToken, "user-1", -1,
		strings.NewReader("aaaa"), 4)
	if terr == nil || terr.StatusCode != 400 {
		t.Errorf("Отрицательный индекс должен вернуть 400, получено %v", terr)
	}

	// Неверный размер не-последнего чанка
	_, terr = env.svc.AcceptChunk(ctx, session.SessionToken, "user-1", 0,
		strings.NewReader("aa"), 2)
	if terr == nil || terr.StatusCode != 400 {
		t.Errorf("Недомерный чанк должен вернуть 400, получено %v", terr)
	}

	// Неверный размер последнего чанка (ожидается 2)
	_, terr = env.svc.AcceptChunk(ctx, session.SessionToken, "user-1", 2,
		strings.NewReader("cccc"), 4)
	if terr == nil || terr.StatusCode != 400 {
		t.Errorf("Последний чанк неверного размера должен вернуть 400, получено %v", terr)
	}

	// Несуществующая сессия
	_, terr = env.svc.AcceptChunk(ctx, "нет-такой", "user-1", 0,
		strings.NewReader("aaaa"), 4)
	if terr == nil || terr.StatusCode != 404 {
		t.Errorf("Несуществующая сессия должна вернуть 404, получено %v", terr)
	}
}

// TestAcceptChunk_Duplicate проверяет идемпотентность повторного чанка.
func TestAcceptChunk_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t, 10)
	ctx := context.Background()

	env.uploadChunk(t, session, 0, "aaaa")

	// Повторная загрузка того же индекса — успех без перезаписи
	updated, terr := env.svc.AcceptChunk(ctx, session.SessionToken, "user-1", 0,
		strings.NewReader("zzzz"), 4)
	if terr != nil {
		t.Fatalf("Повторный чанк должен приниматься идемпотентно: %v", terr)
	}
	if updated.UploadedCount() != 1 {
		t.Errorf("UploadedCount = %d, ожидалось 1", updated.UploadedCount())
	}

	// Исходные данные не перезаписаны
	rc, _ := env.store.OpenChunk(ctx, session.SessionToken, 0)
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, []byte("aaaa")) {
		t.Errorf("Дубликат не должен перезаписывать чанк: содержимое %q", got)
	}
}

// TestAcceptChunk_Forbidden проверяет изоляцию сессий по владельцу.
func TestAcceptChunk_Forbidden(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t, 10)

	_, terr := env.svc.AcceptChunk(context.Background(), session.SessionToken, "user-2", 0,
		strings.NewReader("aaaa"), 4)
	if terr == nil || terr.StatusCode != 403 {
		t.Errorf("Чужая сессия должна вернуть 403, получено %v", terr)
	}
}

// TestPause проверяет паузу и реактивацию принятым чанком.
func TestPause(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t, 10)
	ctx := context.Background()

	paused, terr := env.svc.Pause(ctx, session.SessionToken, "user-1")
	if terr != nil {
		t.Fatalf("Ошибка паузы: %v", terr)
	}
	if paused.Status != model.StatusPaused {
		t.Errorf("Статус = %s, ожидалось paused", paused.Status)
	}

	// Повторная пауза — идемпотентный успех
	if _, terr := env.svc.Pause(ctx, session.SessionToken, "user-1"); terr != nil {
		t.Errorf("Повторная пауза не должна возвращать ошибку: %v", terr)
	}

	// Пауза — advisory: чанк принимается и реактивирует сессию
	updated := env.uploadChunk(t, session, 0, "aaaa")
	if updated.Status != model.StatusActive {
		t.Errorf("Принятый чанк должен реактивировать сессию, статус = %s", updated.Status)
	}
}

// TestCancel проверяет отмену: чанки удаляются, сессия не принимает новых.
func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t, 10)
	ctx := context.Background()

	env.uploadChunk(t, session, 0, "aaaa")
	env.uploadChunk(t, session, 1, "bbbb")

	if terr := env.svc.Cancel(ctx, session.SessionToken, "user-1"); terr != nil {
		t.Fatalf("Ошибка отмены: %v", terr)
	}

	// Чанки удалены
	if _, err := env.store.OpenChunk(ctx, session.SessionToken, 0); !errors.Is(err, chunkstore.ErrNotFound) {
		t.Error("Чанки отменённой сессии должны быть удалены")
	}

	// Статус failed
	got, _ := env.sessions.Get(ctx, session.SessionToken)
	if got.Status != model.StatusFailed {
		t.Errorf("Статус = %s, ожидалось failed", got.Status)
	}

	// Чанк после отмены отклоняется, состояние не воскресает
	_, terr := env.svc.AcceptChunk(ctx, session.SessionToken, "user-1", 0,
		strings.NewReader("aaaa"), 4)
	if terr == nil || terr.StatusCode != 409 {
		t.Errorf("Чанк после отмены должен вернуть 409, получено %v", terr)
	}
	got, _ = env.sessions.Get(ctx, session.SessionToken)
	if got.Status != model.StatusFailed {
		t.Errorf("Отменённая сессия не должна воскресать, статус = %s", got.Status)
	}

	// Повторная отмена — идемпотентный успех
	if terr := env.svc.Cancel(ctx, session.SessionToken, "user-1"); terr != nil {
		t.Errorf("Повторная отмена не должна возвращать ошибку: %v", terr)
	}
}

// TestSaveThumbnail проверяет сохранение превью.
func TestSaveThumbnail(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t, 10)
	ctx := context.Background()

	thumb := []byte("jpeg-данные превью")
	terr := env.svc.SaveThumbnail(ctx, session.SessionToken, "user-1",
		bytes.NewReader(thumb), int64(len(thumb)))
	if terr != nil {
		t.Fatalf("Ошибка сохранения превью: %v", terr)
	}

	rc, err := env.store.OpenObject(ctx, ThumbnailKey(session.SessionToken))
	if err != nil {
		t.Fatalf("Превью должно существовать в хранилище: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, thumb) {
		t.Error("Содержимое превью не совпадает с записанным")
	}

	// Превью читается обратно вместе с размером
	trc, size, terr := env.svc.OpenThumbnail(ctx, session.SessionToken, "user-1")
	if terr != nil {
		t.Fatalf("Ошибка чтения превью: %v", terr)
	}
	got, _ = io.ReadAll(trc)
	trc.Close()
	if size != int64(len(thumb)) {
		t.Errorf("Размер превью = %d, ожидалось %d", size, len(thumb))
	}
	if !bytes.Equal(got, thumb) {
		t.Error("Прочитанное превью не совпадает с записанным")
	}

	// Сессия без превью — 404
	bare := env.createSession(t, 10)
	if _, _, terr := env.svc.OpenThumbnail(ctx, bare.SessionToken, "user-1"); terr == nil || terr.StatusCode != 404 {
		t.Errorf("Отсутствующее превью должно вернуть 404, получено %v", terr)
	}
}

package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
	"github.com/bigkaa/gomediastore/transfer-module/internal/storage/chunkstore"
)

// TestReaper_ExpiresStale проверяет реклайм заброшенной сессии.
func TestReaper_ExpiresStale(t *testing.T) {
	env := newTestEnv(t)
	reaper := NewReaperService(env.sessions, env.store, time.Hour, 24*time.Hour, discardLogger())
	ctx := context.Background()

	stale := env.createSession(t, 10)
	env.uploadChunk(t, stale, 0, "aaaa")

	fresh := env.createSession(t, 10)
	env.uploadChunk(t, fresh, 0, "bbbb")

	// Состариваем первую сессию за порог TTL
	backdate(t, env, stale.SessionToken, 25*time.Hour)

	result := reaper.RunOnce(ctx)
	if result.ExpiredCount != 1 {
		t.Fatalf("ExpiredCount = %d, ожидалось 1", result.ExpiredCount)
	}

	// Устаревшая сессия — expired, чанки удалены
	got, _ := env.sessions.Get(ctx, stale.SessionToken)
	if got.Status != model.StatusExpired {
		t.Errorf("Статус = %s, ожидалось expired", got.Status)
	}
	if _, err := env.store.OpenChunk(ctx, stale.SessionToken, 0); !errors.Is(err, chunkstore.ErrNotFound) {
		t.Error("Чанки реклаймированной сессии должны быть удалены")
	}

	// Свежая сессия не тронута
	got, _ = env.sessions.Get(ctx, fresh.SessionToken)
	if got.Status != model.StatusActive {
		t.Errorf("Свежая сессия не должна реклаймироваться, статус = %s", got.Status)
	}
	if _, err := env.store.OpenChunk(ctx, fresh.SessionToken, 0); err != nil {
		t.Errorf("Чанки свежей сессии должны сохраниться: %v", err)
	}
}

// TestReaper_SkipsTerminalAndFinalizing проверяет, что терминальные
// и финализирующиеся сессии не реклаймируются.
func TestReaper_SkipsTerminalAndFinalizing(t *testing.T) {
	env := newTestEnv(t)
	reaper := NewReaperService(env.sessions, env.store, time.Hour, 24*time.Hour, discardLogger())
	ctx := context.Background()

	fin := env.createSession(t, 10)
	if err := env.sessions.CompareAndSetStatus(ctx, fin.SessionToken, model.StatusFinalizing,
		model.StatusActive); err != nil {
		t.Fatalf("Не удалось перевести сессию в finalizing: %v", err)
	}
	backdate(t, env, fin.SessionToken, 48*time.Hour)

	result := reaper.RunOnce(ctx)
	if result.ExpiredCount != 0 {
		t.Fatalf("ExpiredCount = %d, ожидалось 0", result.ExpiredCount)
	}

	got, _ := env.sessions.Get(ctx, fin.SessionToken)
	if got.Status != model.StatusFinalizing {
		t.Errorf("Финализирующаяся сессия не должна реклаймироваться, статус = %s", got.Status)
	}
}

// TestReaper_ChunkAfterExpiry проверяет отказ приёма чанков в expired сессию.
func TestReaper_ChunkAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	reaper := NewReaperService(env.sessions, env.store, time.Hour, 24*time.Hour, discardLogger())
	ctx := context.Background()

	session := env.createSession(t, 10)
	backdate(t, env, session.SessionToken, 25*time.Hour)
	reaper.RunOnce(ctx)

	_, terr := env.svc.AcceptChunk(ctx, session.SessionToken, "user-1", 0,
		strings.NewReader("aaaa"), 4)
	if terr == nil || terr.StatusCode != 410 {
		t.Errorf("Чанк в expired сессию должен вернуть 410, получено %v", terr)
	}
}

// TestReaper_PausedSessionsExpire проверяет реклайм приостановленных сессий.
func TestReaper_PausedSessionsExpire(t *testing.T) {
	env := newTestEnv(t)
	reaper := NewReaperService(env.sessions, env.store, time.Hour, 24*time.Hour, discardLogger())
	ctx := context.Background()

	session := env.createSession(t, 10)
	if _, terr := env.svc.Pause(ctx, session.SessionToken, "user-1"); terr != nil {
		t.Fatalf("Ошибка паузы: %v", terr)
	}
	backdate(t, env, session.SessionToken, 25*time.Hour)

	result := reaper.RunOnce(ctx)
	if result.ExpiredCount != 1 {
		t.Fatalf("ExpiredCount = %d, ожидалось 1", result.ExpiredCount)
	}
	got, _ := env.sessions.Get(ctx, session.SessionToken)
	if got.Status != model.StatusExpired {
		t.Errorf("Статус = %s, ожидалось expired", got.Status)
	}
}

// flakyDeleteStore имитирует хранилище с временным отказом удаления чанков.
type flakyDeleteStore struct {
	chunkstore.Store
	failures int
}

func (s *flakyDeleteStore) DeleteSession(ctx context.Context, token string) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("временный отказ хранилища")
	}
	return s.Store.DeleteSession(ctx, token)
}

// TestReaper_CleansCancelledLeftovers проверяет отложенную зачистку чанков
// отменённой сессии, удаление которых не прошло в момент отмены.
func TestReaper_CleansCancelledLeftovers(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakyDeleteStore{Store: env.store, failures: 1}
	svc := NewSessionService(env.sessions, flaky, testChunkSize, discardLogger())
	reaper := NewReaperService(env.sessions, flaky, time.Hour, 24*time.Hour, discardLogger())
	ctx := context.Background()

	session := env.createSession(t, 10)
	env.uploadChunk(t, session, 0, "aaaa")

	// Отмена при отказавшем хранилище: сессия failed, чанки остаются
	if terr := svc.Cancel(ctx, session.SessionToken, "user-1"); terr != nil {
		t.Fatalf("Ошибка отмены: %v", terr)
	}
	if _, err := env.store.OpenChunk(ctx, session.SessionToken, 0); err != nil {
		t.Fatalf("Чанк должен остаться после неудачного удаления: %v", err)
	}

	// Свежая failed сессия ещё не зачищается
	result := reaper.RunOnce(ctx)
	if result.CleanedCount != 0 {
		t.Fatalf("CleanedCount = %d, ожидалось 0 для свежей failed сессии", result.CleanedCount)
	}

	// После порога TTL остатки зачищаются
	backdate(t, env, session.SessionToken, 25*time.Hour)
	result = reaper.RunOnce(ctx)
	if result.CleanedCount != 1 {
		t.Fatalf("CleanedCount = %d, ожидалось 1", result.CleanedCount)
	}
	if _, err := env.store.OpenChunk(ctx, session.SessionToken, 0); !errors.Is(err, chunkstore.ErrNotFound) {
		t.Error("Чанки отменённой сессии должны быть зачищены")
	}

	// Статус остаётся failed, updated_at сдвинут — повторной зачистки нет
	got, _ := env.sessions.Get(ctx, session.SessionToken)
	if got.Status != model.StatusFailed {
		t.Errorf("Статус = %s, ожидалось failed", got.Status)
	}
	result = reaper.RunOnce(ctx)
	if result.CleanedCount != 0 {
		t.Errorf("Повторный проход не должен зачищать ту же сессию, CleanedCount = %d", result.CleanedCount)
	}
}

// backdate состаривает updated_at сессии, пересоздавая её в репозитории.
func backdate(t *testing.T, env *testEnv, token string, age time.Duration) {
	t.Helper()
	s, err := env.sessions.Get(context.Background(), token)
	if err != nil {
		t.Fatalf("Ошибка чтения сессии: %v", err)
	}
	s.UpdatedAt = time.Now().UTC().Add(-age)
	if err := env.sessions.Create(context.Background(), s); err != nil {
		t.Fatalf("Ошибка пересоздания сессии: %v", err)
	}
}

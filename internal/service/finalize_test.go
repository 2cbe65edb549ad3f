package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
	"github.com/bigkaa/gomediastore/transfer-module/internal/storage/chunkstore"
)

// testThreshold — порог streamed-режима для тестов (8 байт при чанке 4).
const testThreshold = 8

func newFinalizeService(env *testEnv, cache *FileCache) *FinalizeService {
	return NewFinalizeService(env.sessions, env.files, env.store, cache,
		testThreshold, 0, "http://tm.local", discardLogger())
}

// TestFinalize_Incomplete проверяет отказ при недогруженных чанках
// без побочных эффектов.
func TestFinalize_Incomplete(t *testing.T) {
	env := newTestEnv(t)
	fin := newFinalizeService(env, NewFileCache(16, 0))
	ctx := context.Background()

	session := env.createSession(t, 10) // 3 чанка
	env.uploadChunk(t, session, 0, "aaaa")

	_, terr := fin.Finalize(ctx, session.SessionToken, "user-1")
	if terr == nil || terr.StatusCode != 409 {
		t.Fatalf("Финализация неполной сессии должна вернуть 409, получено %v", terr)
	}

	// Побочных эффектов нет: статус active, чанк на месте, файла нет
	got, _ := env.sessions.Get(ctx, session.SessionToken)
	if got.Status != model.StatusActive {
		t.Errorf("Статус после отказа = %s, ожидалось active", got.Status)
	}
	if _, err := env.store.OpenChunk(ctx, session.SessionToken, 0); err != nil {
		t.Error("Принятые чанки должны сохраниться после отказа финализации")
	}
	if _, err := env.files.GetBySessionToken(ctx, session.SessionToken); err == nil {
		t.Error("Запись файла не должна создаваться при отказе финализации")
	}
}

// TestFinalize_Direct проверяет сборку малого файла в единый blob.
func TestFinalize_Direct(t *testing.T) {
	env := newTestEnv(t)
	fin := newFinalizeService(env, NewFileCache(16, 0))
	ctx := context.Background()

	// 8 байт == порог → direct
	session := env.createSession(t, 8)
	env.uploadChunk(t, session, 0, "abcd")
	env.uploadChunk(t, session, 1, "efgh")

	record, terr := fin.Finalize(ctx, session.SessionToken, "user-1")
	if terr != nil {
		t.Fatalf("Ошибка финализации: %v", terr)
	}
	if record.StorageMode != model.ModeDirect {
		t.Errorf("StorageMode = %s, ожидалось direct", record.StorageMode)
	}
	if record.FileSize != 8 {
		t.Errorf("FileSize = %d, ожидалось 8", record.FileSize)
	}

	// Blob собран в правильном порядке
	rc, err := env.store.OpenObject(ctx, ObjectKey(record.FileID))
	if err != nil {
		t.Fatalf("Собранный blob должен существовать: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "abcdefgh" {
		t.Errorf("Содержимое blob'а = %q, ожидалось abcdefgh", got)
	}

	// Чанки удалены после сборки
	if _, err := env.store.OpenChunk(ctx, session.SessionToken, 0); !errors.Is(err, chunkstore.ErrNotFound) {
		t.Error("Чанки direct-сессии должны удаляться после сборки")
	}

	// Сессия completed с результатом
	got2, _ := env.sessions.Get(ctx, session.SessionToken)
	if got2.Status != model.StatusCompleted {
		t.Errorf("Статус = %s, ожидалось completed", got2.Status)
	}
	if got2.ResultFileID != record.FileID {
		t.Errorf("ResultFileID = %s, ожидалось %s", got2.ResultFileID, record.FileID)
	}
}

// TestFinalize_Streamed проверяет финализацию большого файла без сборки.
func TestFinalize_Streamed(t *testing.T) {
	env := newTestEnv(t)
	fin := newFinalizeService(env, NewFileCache(16, 0))
	ctx := context.Background()

	// 12 байт > порога 8 → streamed
	session := env.createSession(t, 12)
	env.uploadChunk(t, session, 0, "aaaa")
	env.uploadChunk(t, session, 1, "bbbb")
	env.uploadChunk(t, session, 2, "cccc")

	record, terr := fin.Finalize(ctx, session.SessionToken, "user-1")
	if terr != nil {
		t.Fatalf("Ошибка финализации: %v", terr)
	}
	if record.StorageMode != model.ModeStreamed {
		t.Errorf("StorageMode = %s, ожидалось streamed", record.StorageMode)
	}
	if record.TotalChunks != 3 || record.ChunkSize != testChunkSize {
		t.Errorf("Геометрия чанков не сохранена: %+v", record)
	}
	if !strings.HasSuffix(record.URL, "/files/stream/"+session.SessionToken) {
		t.Errorf("URL = %s, ожидался streaming endpoint", record.URL)
	}

	// Чанки остаются хранилищем записи
	for i := 0; i < 3; i++ {
		if _, err := env.store.OpenChunk(ctx, session.SessionToken, i); err != nil {
			t.Errorf("Чанк %d streamed-файла должен сохраниться: %v", i, err)
		}
	}
}

// TestFinalize_ThresholdBoundary проверяет строгую границу порога.
func TestFinalize_ThresholdBoundary(t *testing.T) {
	// Ровно порог → direct
	if mode := model.StorageModeFor(testThreshold, testThreshold); mode != model.ModeDirect {
		t.Errorf("Файл ровно в порог должен быть direct, получено %s", mode)
	}
	// Порог + 1 → streamed
	if mode := model.StorageModeFor(testThreshold+1, testThreshold); mode != model.ModeStreamed {
		t.Errorf("Файл в порог+1 должен быть streamed, получено %s", mode)
	}
}

// TestFinalize_Idempotent проверяет повторную финализацию completed сессии.
func TestFinalize_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	fin := newFinalizeService(env, NewFileCache(16, 0))
	ctx := context.Background()

	session := env.createSession(t, 8)
	env.uploadChunk(t, session, 0, "abcd")
	env.uploadChunk(t, session, 1, "efgh")

	first, terr := fin.Finalize(ctx, session.SessionToken, "user-1")
	if terr != nil {
		t.Fatalf("Ошибка финализации: %v", terr)
	}

	second, terr := fin.Finalize(ctx, session.SessionToken, "user-1")
	if terr != nil {
		t.Fatalf("Повторная финализация должна быть идемпотентной: %v", terr)
	}
	if second.FileID != first.FileID {
		t.Errorf("Повторная финализация вернула другой файл: %s != %s", second.FileID, first.FileID)
	}
}

// TestFinalize_RollbackOnStorageFailure проверяет откат в active
// при ошибке сборки: чанк удалён из хранилища за спиной сервиса.
func TestFinalize_RollbackOnStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	fin := newFinalizeService(env, NewFileCache(16, 0))
	ctx := context.Background()

	session := env.createSession(t, 8)
	env.uploadChunk(t, session, 0, "abcd")
	env.uploadChunk(t, session, 1, "efgh")

	// Ломаем хранилище: физически удаляем чанк, оставив отметку в сессии
	if err := env.store.DeleteSession(ctx, session.SessionToken); err != nil {
		t.Fatalf("Не удалось удалить чанки: %v", err)
	}

	_, terr := fin.Finalize(ctx, session.SessionToken, "user-1")
	if terr == nil || terr.StatusCode != 502 {
		t.Fatalf("Финализация без чанков должна вернуть 502, получено %v", terr)
	}

	// Сессия откатилась в active и пригодна для повторной финализации
	got, _ := env.sessions.Get(ctx, session.SessionToken)
	if got.Status != model.StatusActive {
		t.Errorf("Статус после ошибки сборки = %s, ожидалось active", got.Status)
	}
}

// TestFinalize_Cancelled проверяет отказ финализации отменённой сессии.
func TestFinalize_Cancelled(t *testing.T) {
	env := newTestEnv(t)
	fin := newFinalizeService(env, NewFileCache(16, 0))
	ctx := context.Background()

	session := env.createSession(t, 8)
	env.uploadChunk(t, session, 0, "abcd")
	env.uploadChunk(t, session, 1, "efgh")

	if terr := env.svc.Cancel(ctx, session.SessionToken, "user-1"); terr != nil {
		t.Fatalf("Ошибка отмены: %v", terr)
	}

	_, terr := fin.Finalize(ctx, session.SessionToken, "user-1")
	if terr == nil || terr.StatusCode != 409 {
		t.Errorf("Финализация отменённой сессии должна вернуть 409, получено %v", terr)
	}
}

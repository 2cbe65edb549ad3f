// fs.go — локальный дисковый backend хранилища чанков.
// Layout: {dataDir}/sessions/{token}/{index}.chunk и {dataDir}/objects/{key}.
// Запись по паттерну: temp файл → запись → fsync → атомарный rename.
package chunkstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FSStore — хранилище чанков на локальном диске.
type FSStore struct {
	// dataDir — корневая директория хранения (TM_DATA_DIR)
	dataDir string
}

// NewFSStore создаёт дисковое хранилище. Создаёт директории sessions/ и objects/,
// если они не существуют.
func NewFSStore(dataDir string) (*FSStore, error) {
	for _, sub := range []string{"sessions", "objects"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", sub, err)
		}
	}
	return &FSStore{dataDir: dataDir}, nil
}

// DataDir возвращает путь к директории данных.
func (s *FSStore) DataDir() string {
	return s.dataDir
}

// chunkPath возвращает путь файла чанка.
func (s *FSStore) chunkPath(token string, index int) string {
	return filepath.Join(s.dataDir, "sessions", sanitizeToken(token), fmt.Sprintf("%06d.chunk", index))
}

// objectPath возвращает путь файла объекта.
// Ключ может содержать подпути (files/..., thumbs/...).
func (s *FSStore) objectPath(key string) string {
	return filepath.Join(s.dataDir, "objects", filepath.FromSlash(key))
}

// PutChunk записывает чанк на диск: temp файл → fsync → атомарный rename.
// Повторная запись того же индекса перезаписывает чанк (last write wins).
func (s *FSStore) PutChunk(_ context.Context, token string, index int, r io.Reader, size int64) error {
	path := s.chunkPath(token, index)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("ошибка создания директории сессии: %w", err)
	}
	return atomicWrite(path, r, size)
}

// OpenChunk открывает чанк целиком. Вызывающий код обязан закрыть ReadCloser.
func (s *FSStore) OpenChunk(_ context.Context, token string, index int) (io.ReadCloser, error) {
	f, err := os.Open(s.chunkPath(token, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка открытия чанка %d: %w", index, err)
	}
	return f, nil
}

// OpenChunkRange открывает под-диапазон чанка через seek + LimitReader,
// без чтения всего чанка в память.
func (s *FSStore) OpenChunkRange(_ context.Context, token string, index int, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(s.chunkPath(token, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка открытия чанка %d: %w", index, err)
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("ошибка позиционирования в чанке %d: %w", index, err)
	}

	return &limitedFile{Reader: io.LimitReader(f, length), f: f}, nil
}

// ChunkSize возвращает фактический размер чанка на диске.
func (s *FSStore) ChunkSize(_ context.Context, token string, index int) (int64, error) {
	info, err := os.Stat(s.chunkPath(token, index))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка stat чанка %d: %w", index, err)
	}
	return info.Size(), nil
}

// DeleteSession удаляет директорию сессии со всеми чанками.
func (s *FSStore) DeleteSession(_ context.Context, token string) error {
	dir := filepath.Join(s.dataDir, "sessions", sanitizeToken(token))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("ошибка удаления чанков сессии: %w", err)
	}
	return nil
}

// PutObject записывает собранный объект атомарно.
func (s *FSStore) PutObject(_ context.Context, key string, r io.Reader, size int64) error {
	path := s.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("ошибка создания директории объекта: %w", err)
	}
	return atomicWrite(path, r, size)
}

// OpenObject открывает объект для чтения.
// Возвращаемый *os.File реализует io.ReadSeeker — download handler
// использует это для http.ServeContent.
func (s *FSStore) OpenObject(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка открытия объекта %s: %w", key, err)
	}
	return f, nil
}

// ObjectSize возвращает размер объекта.
func (s *FSStore) ObjectSize(_ context.Context, key string) (int64, error) {
	info, err := os.Stat(s.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка stat объекта %s: %w", key, err)
	}
	return info.Size(), nil
}

// DeleteObject удаляет объект. Отсутствие — не ошибка.
func (s *FSStore) DeleteObject(_ context.Context, key string) error {
	err := os.Remove(s.objectPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления объекта %s: %w", key, err)
	}
	return nil
}

// ObjectURL для дискового backend'а прямых URL нет —
// отдача идёт через download endpoint модуля.
func (s *FSStore) ObjectURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", nil
}

// atomicWrite записывает данные по паттерну temp → fsync → rename.
// При ошибке temp файл удаляется. Проверяет соответствие записанного size.
func atomicWrite(path string, r io.Reader, size int64) error {
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	written, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи данных: %w", err)
	}

	if size >= 0 && written != size {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("неполная запись: ожидалось %d байт, записано %d", size, written)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// limitedFile — ReadCloser над под-диапазоном файла.
type limitedFile struct {
	io.Reader
	f *os.File
}

func (l *limitedFile) Close() error {
	return l.f.Close()
}

// sanitizeToken очищает токен для использования в пути файловой системы.
// Токены — UUID, но защита от path traversal обязательна.
func sanitizeToken(token string) string {
	var b strings.Builder
	for _, r := range token {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "invalid"
	}
	return b.String()
}

// Проверка реализации интерфейса на этапе компиляции.
var _ Store = (*FSStore)(nil)

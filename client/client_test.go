package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestBackoffDelay(t *testing.T) {
	base := 1500 * time.Millisecond

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 3000 * time.Millisecond},
		{2, 6000 * time.Millisecond},
		{3, 12000 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := BackoffDelay(base, tt.attempt); got != tt.want {
			t.Errorf("BackoffDelay(попытка %d): ожидалось %v, получено %v", tt.attempt, tt.want, got)
		}
	}
}

// fakeServer — минимальный сервер протокола chunked-загрузки для тестов.
type fakeServer struct {
	mu        sync.Mutex
	chunkSize int64
	totalSize int64
	token     string

	chunks     map[int][]byte
	putCount   map[int]int
	failFirst  map[int]int // сколько первых попыток чанка отклонять 503
	inFlight   int
	maxFlight  int
	finalized  bool
	cancelled  bool
	slowChunks chan struct{} // если не nil — обработчик чанка ждёт закрытия
}

func newFakeServer(chunkSize, totalSize int64) *fakeServer {
	return &fakeServer{
		chunkSize: chunkSize,
		totalSize: totalSize,
		token:     "sess-test",
		chunks:    make(map[int][]byte),
		putCount:  make(map[int]int),
		failFirst: make(map[int]int),
	}
}

func (f *fakeServer) totalChunks() int {
	return int((f.totalSize + f.chunkSize - 1) / f.chunkSize)
}

func (f *fakeServer) session() Session {
	uploaded := make([]int, 0)
	missing := make([]int, 0)
	for i := 0; i < f.totalChunks(); i++ {
		if _, ok := f.chunks[i]; ok {
			uploaded = append(uploaded, i)
		} else {
			missing = append(missing, i)
		}
	}
	return Session{
		SessionToken:   f.token,
		Status:         "active",
		TotalSize:      f.totalSize,
		ChunkSize:      f.chunkSize,
		TotalChunks:    f.totalChunks(),
		UploadedChunks: uploaded,
		MissingChunks:  missing,
	}
}

func (f *fakeServer) handler() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/v1/uploads", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		resp := f.session()
		f.mu.Unlock()
		writeTestJSON(w, http.StatusCreated, resp)
	})

	r.Get("/api/v1/uploads/{token}", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		resp := f.session()
		f.mu.Unlock()
		writeTestJSON(w, http.StatusOK, resp)
	})

	r.Put("/api/v1/uploads/{token}/chunks/{index}", func(w http.ResponseWriter, req *http.Request) {
		index, _ := strconv.Atoi(chi.URLParam(req, "index"))

		f.mu.Lock()
		f.putCount[index]++
		f.inFlight++
		if f.inFlight > f.maxFlight {
			f.maxFlight = f.inFlight
		}
		fail := f.failFirst[index] > 0
		if fail {
			f.failFirst[index]--
		}
		slow := f.slowChunks
		f.mu.Unlock()

		defer func() {
			f.mu.Lock()
			f.inFlight--
			f.mu.Unlock()
		}()

		if slow != nil {
			select {
			case <-slow:
			case <-req.Context().Done():
				return
			}
		}

		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		data, err := io.ReadAll(req.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		f.mu.Lock()
		f.chunks[index] = data
		resp := f.session()
		f.mu.Unlock()
		writeTestJSON(w, http.StatusOK, resp)
	})

	r.Post("/api/v1/uploads/{token}/finalize", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if len(f.chunks) != f.totalChunks() {
			writeTestError(w, http.StatusConflict, "INCOMPLETE_UPLOAD", "загружены не все чанки")
			return
		}
		f.finalized = true
		writeTestJSON(w, http.StatusOK, File{
			FileID:      "file-test",
			URL:         "/files/stream/" + f.token,
			StorageMode: "streamed",
			FileSize:    f.totalSize,
		})
	})

	r.Delete("/api/v1/uploads/{token}", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		f.cancelled = true
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

// assembled возвращает конкатенацию чанков по порядку.
func (f *fakeServer) assembled() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	var buf bytes.Buffer
	for i := 0; i < f.totalChunks(); i++ {
		buf.Write(f.chunks[i])
	}
	return buf.Bytes()
}

func writeTestJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeTestError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	env := errorEnvelope{}
	env.Error.Code = code
	env.Error.Message = message
	_ = json.NewEncoder(w).Encode(env)
}

// testPayload генерирует детерминированные данные заданного размера.
func testPayload(size int64) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return data
}

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{
		BaseURL:     srv.URL,
		Concurrency: 3,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	})
}

func TestUpload_FullCycle(t *testing.T) {
	payload := testPayload(22) // 6 чанков по 4 байта, последний — 2
	fake := newFakeServer(4, int64(len(payload)))
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(srv)

	file, err := c.Upload(context.Background(), bytes.NewReader(payload), int64(len(payload)), "video.mp4", "video/mp4")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if file.FileID != "file-test" {
		t.Errorf("FileID: ожидалось 'file-test', получено %q", file.FileID)
	}
	if !fake.finalized {
		t.Error("сессия не финализирована")
	}
	if got := fake.assembled(); !bytes.Equal(got, payload) {
		t.Errorf("собранные данные не совпадают с исходными: %d байт vs %d", len(got), len(payload))
	}
	if fake.maxFlight > 3 {
		t.Errorf("окно параллелизма превышено: %d > 3", fake.maxFlight)
	}
	if len(c.ActiveTransfers()) != 0 {
		t.Error("передача осталась в реестре после завершения")
	}
}

func TestUpload_RetriesTransientFailure(t *testing.T) {
	payload := testPayload(8)
	fake := newFakeServer(4, int64(len(payload)))
	fake.failFirst[1] = 2 // первые две попытки чанка 1 — 503

	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(srv)

	if _, err := c.Upload(context.Background(), bytes.NewReader(payload), int64(len(payload)), "a.bin", ""); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if fake.putCount[1] != 3 {
		t.Errorf("чанк 1: ожидалось 3 попытки, получено %d", fake.putCount[1])
	}
	if got := fake.assembled(); !bytes.Equal(got, payload) {
		t.Error("данные после повторов не совпадают с исходными")
	}
}

func TestUpload_ExhaustedRetries(t *testing.T) {
	payload := testPayload(8)
	fake := newFakeServer(4, int64(len(payload)))
	fake.failFirst[0] = 100 // чанк 0 не восстановится

	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(srv)

	_, err := c.Upload(context.Background(), bytes.NewReader(payload), int64(len(payload)), "a.bin", "")
	if err == nil {
		t.Fatal("ожидалась ошибка после исчерпания попыток")
	}
	if fake.finalized {
		t.Error("сессия не должна финализироваться при сбое чанка")
	}
}

func TestUpload_NoRetryOnClientError(t *testing.T) {
	r := chi.NewRouter()
	var calls int
	var mu sync.Mutex

	r.Post("/api/v1/uploads", func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		writeTestError(w, http.StatusBadRequest, "INVALID_SIZE", "недопустимый размер")
	})

	srv := httptest.NewServer(r)
	defer srv.Close()

	c := newTestClient(srv)

	_, err := c.CreateSession(context.Background(), "a.bin", "", -1)
	if err == nil {
		t.Fatal("ожидалась ошибка")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("ожидалась APIError, получено %T: %v", err, err)
	}
	if apiErr.Code != "INVALID_SIZE" {
		t.Errorf("код: ожидалось INVALID_SIZE, получено %q", apiErr.Code)
	}
	if calls != 1 {
		t.Errorf("4xx не должен повторяться: %d вызовов", calls)
	}
}

func TestResume_UploadsOnlyMissing(t *testing.T) {
	payload := testPayload(16) // 4 чанка по 4 байта
	fake := newFakeServer(4, int64(len(payload)))
	// Чанки 0 и 2 уже на сервере
	fake.chunks[0] = payload[0:4]
	fake.chunks[2] = payload[8:12]

	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(srv)

	if _, err := c.Resume(context.Background(), fake.token, bytes.NewReader(payload)); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if fake.putCount[0] != 0 || fake.putCount[2] != 0 {
		t.Errorf("уже загруженные чанки не должны перезагружаться: 0=%d, 2=%d",
			fake.putCount[0], fake.putCount[2])
	}
	if fake.putCount[1] != 1 || fake.putCount[3] != 1 {
		t.Errorf("недостающие чанки должны загрузиться по разу: 1=%d, 3=%d",
			fake.putCount[1], fake.putCount[3])
	}
	if got := fake.assembled(); !bytes.Equal(got, payload) {
		t.Error("данные после resume не совпадают с исходными")
	}
}

func TestCancel_AbortsInFlight(t *testing.T) {
	payload := testPayload(16)
	fake := newFakeServer(4, int64(len(payload)))
	fake.slowChunks = make(chan struct{})

	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(srv)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Upload(context.Background(), bytes.NewReader(payload), int64(len(payload)), "a.bin", "")
		errCh <- err
	}()

	// Ждём регистрации передачи
	deadline := time.After(5 * time.Second)
	for len(c.ActiveTransfers()) == 0 {
		select {
		case <-deadline:
			t.Fatal("передача не зарегистрировалась")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := c.Cancel(fake.token); err != nil {
		t.Fatalf("неожиданная ошибка Cancel: %v", err)
	}
	close(fake.slowChunks)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTransferCancelled) {
			t.Errorf("ожидалась ErrTransferCancelled, получено %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Upload не завершился после отмены")
	}

	fake.mu.Lock()
	cancelled := fake.cancelled
	finalized := fake.finalized
	fake.mu.Unlock()

	if !cancelled {
		t.Error("серверная отмена не выполнена")
	}
	if finalized {
		t.Error("отменённая сессия не должна финализироваться")
	}
	if len(c.ActiveTransfers()) != 0 {
		t.Error("отменённая передача осталась в реестре")
	}
}

func TestCancel_UnknownTokenIsIdempotent(t *testing.T) {
	fake := newFakeServer(4, 8)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(srv)

	// Отмена без локальной передачи — best-effort запрос на сервер
	if err := c.Cancel("sess-unknown"); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !fake.cancelled {
		t.Error("серверная отмена не выполнена")
	}
}

// stream.go — Streaming Server: HTTP Range чтение streamed-файлов
// поверх чанков без сборки в единый blob.
//
// Диапазон байт [start, end] отображается на чанки:
//
//	firstChunk = start / chunkSize
//	lastChunk  = end / chunkSize
//
// Чанки отдаются последовательно; из крайних чанков читаются только
// нужные под-диапазоны. Backpressure естественный: следующий чанк
// не читается, пока клиент не принял предыдущий.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/bigkaa/gomediastore/transfer-module/internal/api/errors"
	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
	"github.com/bigkaa/gomediastore/transfer-module/internal/repository"
	"github.com/bigkaa/gomediastore/transfer-module/internal/storage/chunkstore"
)

// retryAfterSeconds — рекомендация Retry-After для недогруженных диапазонов.
const retryAfterSeconds = 5

// Prometheus метрики streaming
var (
	// streamRequestsTotal — количество range-запросов по результату.
	streamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tm_stream_requests_total",
			Help: "Общее количество запросов к streaming endpoint",
		},
		[]string{"result"},
	)

	// streamBytesSentTotal — объём отданных байт.
	streamBytesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_stream_bytes_sent_total",
		Help: "Общий объём байт, отданных streaming endpoint'ом",
	})
)

// ByteRange — разобранный диапазон байт, границы включительно.
type ByteRange struct {
	Start int64
	End   int64
}

// Length возвращает длину диапазона в байтах.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ErrInvalidRange — заголовок Range некорректен или невыполним.
var ErrInvalidRange = errors.New("некорректный диапазон")

// ParseRange разбирает заголовок Range для ресурса размером size.
// Поддерживается один диапазон: bytes=a-b, bytes=a-, bytes=-n.
// Возвращает (nil, nil) если заголовок пуст или содержит несколько
// диапазонов — в этом случае отдаётся весь ресурс (200).
func ParseRange(header string, size int64) (*ByteRange, error) {
	if header == "" {
		return nil, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, ErrInvalidRange
	}
	spec := strings.TrimSpace(header[len(prefix):])
	// Несколько диапазонов — игнорируем заголовок, отдаём весь ресурс
	if strings.Contains(spec, ",") {
		return nil, nil
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return nil, ErrInvalidRange
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	// Суффиксный диапазон: bytes=-n — последние n байт
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, ErrInvalidRange
		}
		if n > size {
			n = size
		}
		return &ByteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, ErrInvalidRange
	}
	if start >= size {
		return nil, ErrInvalidRange
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, ErrInvalidRange
		}
		if end > size-1 {
			end = size - 1
		}
	}

	return &ByteRange{Start: start, End: end}, nil
}

// ChunkRange возвращает индексы первого и последнего чанков,
// покрывающих диапазон байт.
func ChunkRange(r ByteRange, chunkSize int64) (first, last int) {
	return int(r.Start / chunkSize), int(r.End / chunkSize)
}

// StreamService — сервис отдачи streamed-файлов по HTTP Range.
type StreamService struct {
	sessions repository.SessionRepository
	files    repository.FileRepository
	store    chunkstore.Store
	cache    *FileCache
	// streamUnfinalized — отдавать ли загруженные диапазоны до финализации
	streamUnfinalized bool
	logger            *slog.Logger
}

// NewStreamService создаёт streaming-сервис.
func NewStreamService(
	sessions repository.SessionRepository,
	files repository.FileRepository,
	store chunkstore.Store,
	cache *FileCache,
	streamUnfinalized bool,
	logger *slog.Logger,
) *StreamService {
	return &StreamService{
		sessions:          sessions,
		files:             files,
		store:             store,
		cache:             cache,
		streamUnfinalized: streamUnfinalized,
		logger:            logger.With(slog.String("component", "stream_service")),
	}
}

// ServeStream обрабатывает GET /files/stream/{token}.
//
// Для direct-файлов — redirect на прямой URL blob'а.
// Для streamed — отдача диапазона из чанков (200 или 206).
// Для нефинализированной сессии (если включено) — отдача диапазонов,
// полностью покрытых принятыми чанками; иначе 503 + Retry-After.
func (s *StreamService) ServeStream(w http.ResponseWriter, r *http.Request, token string) {
	ctx := r.Context()

	record, ok := s.cache.Get(token)
	if !ok {
		var err error
		record, err = s.files.GetBySessionToken(ctx, token)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				s.serveUnfinalized(w, r, token)
				return
			}
			s.logger.Error("Ошибка чтения записи файла",
				slog.String("session_token", token),
				slog.String("error", err.Error()),
			)
			streamRequestsTotal.WithLabelValues("error").Inc()
			apierrors.InternalError(w, "Ошибка чтения записи файла")
			return
		}
		s.cache.Set(token, record)
	}

	// Direct-файл: чанков больше нет, чтение через прямой URL blob'а
	if record.StorageMode == model.ModeDirect {
		streamRequestsTotal.WithLabelValues("redirect").Inc()
		http.Redirect(w, r, record.URL, http.StatusFound)
		return
	}

	s.serveChunks(w, r, token, record.MimeType, record.FileSize, record.ChunkSize, nil)
}

// serveUnfinalized отдаёт диапазоны активной сессии до финализации.
func (s *StreamService) serveUnfinalized(w http.ResponseWriter, r *http.Request, token string) {
	if !s.streamUnfinalized {
		streamRequestsTotal.WithLabelValues("not_found").Inc()
		apierrors.NotFound(w, "Файл не найден")
		return
	}

	session, err := s.sessions.Get(r.Context(), token)
	if err != nil {
		streamRequestsTotal.WithLabelValues("not_found").Inc()
		apierrors.NotFound(w, "Файл не найден")
		return
	}
	if session.Status.IsTerminal() && session.Status != model.StatusCompleted {
		streamRequestsTotal.WithLabelValues("not_found").Inc()
		apierrors.NotFound(w, "Сессия отменена или истекла")
		return
	}

	s.serveChunks(w, r, token, session.MimeType, session.TotalSize, session.ChunkSize, session)
}

// serveChunks отдаёт диапазон байт последовательным чтением чанков.
// session != nil означает нефинализированную сессию: перед отдачей
// проверяется покрытие диапазона принятыми чанками.
func (s *StreamService) serveChunks(
	w http.ResponseWriter,
	r *http.Request,
	token, mimeType string,
	size, chunkSize int64,
	session *model.UploadSession,
) {
	br, err := ParseRange(r.Header.Get("Range"), size)
	if err != nil {
		streamRequestsTotal.WithLabelValues("invalid_range").Inc()
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		apierrors.InvalidRange(w, "Некорректный или невыполнимый заголовок Range")
		return
	}

	full := br == nil
	if full {
		br = &ByteRange{Start: 0, End: size - 1}
	}

	first, last := ChunkRange(*br, chunkSize)

	// Нефинализированная сессия: диапазон должен быть полностью покрыт
	if session != nil {
		for i := first; i <= last; i++ {
			if !session.HasChunk(i) {
				streamRequestsTotal.WithLabelValues("not_available").Inc()
				apierrors.ChunkNotAvailable(w,
					fmt.Sprintf("Чанк %d ещё не загружен", i), retryAfterSeconds)
				return
			}
		}
	}

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	status := http.StatusOK
	if !full {
		status = http.StatusPartialContent
	}

	// HEAD — только заголовки, чанки не открываются
	if r.Method == http.MethodHead {
		writeRangeHeaders(w, mimeType, *br, size, full)
		w.WriteHeader(status)
		streamRequestsTotal.WithLabelValues("success").Inc()
		return
	}

	// Первый чанк открывается до отправки заголовков: отказ хранилища
	// на этом этапе ещё может вернуться клиенту статусом 502
	offset, length := chunkSlice(first, *br, chunkSize, size)
	firstRC, err := s.store.OpenChunkRange(r.Context(), token, first, offset, length)
	if err != nil {
		s.logger.Error("Ошибка открытия чанка",
			slog.String("session_token", token),
			slog.Int("index", first),
			slog.String("error", err.Error()),
		)
		streamRequestsTotal.WithLabelValues("error").Inc()
		apierrors.StorageFailure(w, "Ошибка чтения чанка из хранилища")
		return
	}

	writeRangeHeaders(w, mimeType, *br, size, full)
	w.WriteHeader(status)

	sent, err := s.copyRange(r.Context(), w, firstRC, token, *br, chunkSize, size)
	streamBytesSentTotal.Add(float64(sent))
	if err != nil {
		// Заголовки уже отправлены — остаётся только оборвать соединение
		s.logger.Warn("Отдача диапазона прервана",
			slog.String("session_token", token),
			slog.Int64("sent", sent),
			slog.String("error", err.Error()),
		)
		streamRequestsTotal.WithLabelValues("aborted").Inc()
		return
	}

	streamRequestsTotal.WithLabelValues("success").Inc()
}

// writeRangeHeaders выставляет заголовки ответа на range-запрос.
func writeRangeHeaders(w http.ResponseWriter, mimeType string, br ByteRange, size int64, full bool) {
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(br.Length(), 10))
	if !full {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.Start, br.End, size))
	}
}

// chunkSlice возвращает под-диапазон чанка idx, попадающий в br:
// смещение от начала чанка и длину чтения.
func chunkSlice(idx int, br ByteRange, chunkSize, size int64) (offset, length int64) {
	chunkStart := int64(idx) * chunkSize
	chunkEnd := chunkStart + chunkSize - 1
	if chunkEnd > size-1 {
		chunkEnd = size - 1 // последний чанк короче
	}

	if br.Start > chunkStart {
		offset = br.Start - chunkStart
	}
	readTo := chunkEnd - chunkStart
	if br.End < chunkEnd {
		readTo = br.End - chunkStart
	}
	return offset, readTo - offset + 1
}

// copyRange последовательно копирует чанки, покрывающие диапазон,
// обрезая крайние чанки до нужных под-диапазонов.
// firstRC — уже открытый под-диапазон первого чанка.
func (s *StreamService) copyRange(ctx context.Context, w io.Writer, firstRC io.ReadCloser, token string, br ByteRange, chunkSize, size int64) (int64, error) {
	first, last := ChunkRange(br, chunkSize)

	var sent int64
	for idx := first; idx <= last; idx++ {
		rc := firstRC
		firstRC = nil
		if rc == nil {
			offset, length := chunkSlice(idx, br, chunkSize, size)
			var err error
			rc, err = s.store.OpenChunkRange(ctx, token, idx, offset, length)
			if err != nil {
				return sent, fmt.Errorf("чанк %d: %w", idx, err)
			}
		}

		n, err := io.Copy(w, rc)
		rc.Close()
		sent += n
		if err != nil {
			return sent, fmt.Errorf("копирование чанка %d: %w", idx, err)
		}
	}

	return sent, nil
}

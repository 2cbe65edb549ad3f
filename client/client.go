// Пакет client — Go-клиент Transfer Module: оркестратор chunked-загрузки
// с ограниченным окном параллелизма, повторами с экспоненциальной задержкой
// и отменой, переживающей жизненный цикл вызывающего кода.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Значения по умолчанию.
const (
	// DefaultConcurrency — окно параллельных загрузок чанков
	DefaultConcurrency = 3
	// DefaultMaxAttempts — максимум попыток на один чанк (1 исходная + повторы)
	DefaultMaxAttempts = 4
	// DefaultBaseDelay — база экспоненциальной задержки повторов
	DefaultBaseDelay = 1500 * time.Millisecond
	// DefaultHTTPTimeout — таймаут одного HTTP-запроса
	DefaultHTTPTimeout = 60 * time.Second
)

// BackoffDelay возвращает задержку перед повтором attempt (1, 2, 3...):
// delay = base * 2^attempt. Для базы 1500ms — 3000ms, 6000ms, 12000ms.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	return base << attempt
}

// Config — конфигурация клиента.
type Config struct {
	// BaseURL — адрес Transfer Module (например http://transfer-module:8040)
	BaseURL string
	// Token — bearer-токен; пустой — без заголовка Authorization
	Token string
	// Concurrency — окно параллельных загрузок чанков (по умолчанию 3)
	Concurrency int
	// MaxAttempts — максимум попыток на чанк (по умолчанию 4)
	MaxAttempts int
	// BaseDelay — база задержки повторов (по умолчанию 1500ms)
	BaseDelay time.Duration
	// HTTPTimeout — таймаут одного запроса (по умолчанию 60s)
	HTTPTimeout time.Duration
}

// Client — клиент Transfer Module.
// Реестр активных передач живёт в клиенте, а не у вызывающего кода:
// Cancel работает, даже если инициатор загрузки уже завершился.
type Client struct {
	baseURL     string
	token       string
	concurrency int
	http        *retryablehttp.Client

	mu        sync.Mutex
	transfers map[string]context.CancelFunc
}

// New создаёт клиент Transfer Module.
func New(cfg Config) *Client {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = cfg.HTTPTimeout
	rc.RetryMax = cfg.MaxAttempts - 1
	rc.Logger = nil
	// retryablehttp нумерует повторы с нуля; наш первый повтор — attempt 1
	rc.Backoff = func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		return BackoffDelay(cfg.BaseDelay, attemptNum+1)
	}
	rc.CheckRetry = checkRetry

	return &Client{
		baseURL:     cfg.BaseURL,
		token:       cfg.Token,
		concurrency: cfg.Concurrency,
		http:        rc,
		transfers:   make(map[string]context.CancelFunc),
	}
}

// checkRetry повторяет только транзиентные сбои: сетевые ошибки,
// 5xx и 429. Ошибки протокола (4xx) не повторяются.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	return false, nil
}

// APIError — ошибка API Transfer Module.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error реализует интерфейс error.
func (e *APIError) Error() string {
	return fmt.Sprintf("transfer module: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Session — серверное состояние сессии загрузки.
type Session struct {
	SessionToken   string `json:"session_token"`
	Status         string `json:"status"`
	Filename       string `json:"filename"`
	MimeType       string `json:"mime_type,omitempty"`
	TotalSize      int64  `json:"total_size"`
	ChunkSize      int64  `json:"chunk_size"`
	TotalChunks    int    `json:"total_chunks"`
	UploadedChunks []int  `json:"uploaded_chunks"`
	UploadedBytes  int64  `json:"uploaded_bytes"`
	MissingChunks  []int  `json:"missing_chunks"`
	ResultFileID   string `json:"result_file_id,omitempty"`
	ResultURL      string `json:"result_url,omitempty"`
}

// File — зарегистрированный файл.
type File struct {
	FileID      string `json:"file_id"`
	URL         string `json:"url"`
	StorageMode string `json:"storage_mode"`
	MimeType    string `json:"mime_type,omitempty"`
	FileSize    int64  `json:"file_size"`
	CreatedAt   string `json:"created_at"`
}

// CreateSession создаёт сессию chunked-загрузки.
func (c *Client) CreateSession(ctx context.Context, filename, mimeType string, totalSize int64) (*Session, error) {
	body, err := json.Marshal(map[string]any{
		"filename":   filename,
		"mime_type":  mimeType,
		"total_size": totalSize,
	})
	if err != nil {
		return nil, err
	}

	var session Session
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/uploads", bytes.NewReader(body), "application/json", &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Progress возвращает серверное состояние сессии.
// Сервер — единственный источник истины: локальная проекция состояния
// пригодна только для отображения.
func (c *Client) Progress(ctx context.Context, token string) (*Session, error) {
	var session Session
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/uploads/"+token, nil, "", &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// UploadChunk загружает один чанк. data должен поддерживать Seek —
// повтор после транзиентного сбоя перечитывает тело с начала.
func (c *Client) UploadChunk(ctx context.Context, token string, index int, data io.ReadSeeker, size int64) (*Session, error) {
	path := "/api/v1/uploads/" + token + "/chunks/" + strconv.Itoa(index)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, data)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	c.setAuth(req)

	var session Session
	if err := c.doRequest(req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Pause отмечает сессию приостановленной (advisory).
func (c *Client) Pause(ctx context.Context, token string) (*Session, error) {
	var session Session
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/uploads/"+token+"/pause", nil, "", &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Finalize завершает сессию и возвращает зарегистрированный файл.
func (c *Client) Finalize(ctx context.Context, token string) (*File, error) {
	var file File
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/uploads/"+token+"/finalize", nil, "", &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// SaveThumbnail прикрепляет превью к сессии.
func (c *Client) SaveThumbnail(ctx context.Context, token string, thumbnail []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/api/v1/uploads/"+token+"/thumbnail", bytes.NewReader(thumbnail))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(thumbnail))
	req.Header.Set("Content-Type", "image/jpeg")
	c.setAuth(req)

	return c.doRequest(req, nil)
}

// doJSON выполняет запрос с JSON-телом (или без тела) и разбирает JSON-ответ.
func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	var rawBody any
	if body != nil {
		rawBody = body
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, rawBody)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.setAuth(req)

	return c.doRequest(req, out)
}

// doRequest выполняет запрос и разбирает ответ либо ошибку API.
func (c *Client) doRequest(req *retryablehttp.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseAPIError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("разбор ответа: %w", err)
	}
	return nil
}

// setAuth добавляет заголовок Authorization, если задан токен.
func (c *Client) setAuth(req *retryablehttp.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// errorEnvelope — конверт ошибки API.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseAPIError разбирает тело ошибки API.
func parseAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var env errorEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	if apiErr.Code == "" {
		apiErr.Code = "UNKNOWN"
		apiErr.Message = resp.Status
	}
	return apiErr
}

// upload.go — оркестрация chunked-загрузки: разбиение источника на чанки,
// ограниченное окно параллелизма, resume по серверному состоянию, отмена
// через реестр передач.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrTransferCancelled — передача отменена через Cancel.
var ErrTransferCancelled = errors.New("передача отменена")

// cancelTimeout — таймаут best-effort запроса отмены на сервер.
const cancelTimeout = 10 * time.Second

// Upload выполняет полный цикл chunked-загрузки: создаёт сессию,
// загружает все чанки и финализирует. src должен быть стабильным
// источником (файл): чанки читаются независимыми section-ридерами.
func (c *Client) Upload(ctx context.Context, src io.ReaderAt, totalSize int64, filename, mimeType string) (*File, error) {
	session, err := c.CreateSession(ctx, filename, mimeType, totalSize)
	if err != nil {
		return nil, err
	}

	return c.runTransfer(ctx, session, src)
}

// Resume продолжает прерванную загрузку: запрашивает у сервера
// недостающие индексы и загружает только их.
func (c *Client) Resume(ctx context.Context, token string, src io.ReaderAt) (*File, error) {
	session, err := c.Progress(ctx, token)
	if err != nil {
		return nil, err
	}

	return c.runTransfer(ctx, session, src)
}

// Cancel отменяет передачу. Сначала снимается локальное состояние и
// прерываются запросы в полёте (включая ожидающие backoff-таймеры),
// затем best-effort отмена на сервере на отдельном контексте — отмена
// не зависит от жизненного цикла инициатора загрузки.
func (c *Client) Cancel(token string) error {
	c.mu.Lock()
	cancel, ok := c.transfers[token]
	delete(c.transfers, token)
	c.mu.Unlock()

	if ok {
		cancel()
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancelCtx()

	return c.CancelSession(ctx, token)
}

// CancelSession отменяет сессию на сервере. Идемпотентна.
func (c *Client) CancelSession(ctx context.Context, token string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/uploads/"+token, nil, "", nil)
}

// ActiveTransfers возвращает токены передач в полёте.
func (c *Client) ActiveTransfers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	tokens := make([]string, 0, len(c.transfers))
	for token := range c.transfers {
		tokens = append(tokens, token)
	}
	return tokens
}

// runTransfer загружает недостающие чанки сессии и финализирует её.
func (c *Client) runTransfer(ctx context.Context, session *Session, src io.ReaderAt) (*File, error) {
	token := session.SessionToken

	// Регистрируем передачу: Cancel по токену прервёт её из любого места
	transferCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.transfers[token] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.transfers, token)
		c.mu.Unlock()
	}()

	if err := c.uploadMissing(transferCtx, session, src); err != nil {
		if transferCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrTransferCancelled
		}
		return nil, err
	}

	file, err := c.Finalize(transferCtx, token)
	if err != nil {
		if transferCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrTransferCancelled
		}
		return nil, err
	}
	return file, nil
}

// uploadMissing загружает недостающие чанки с ограниченным окном
// параллелизма. Повторы отдельных чанков выполняет HTTP-клиент;
// исчерпание попыток одного чанка прерывает всю передачу.
func (c *Client) uploadMissing(ctx context.Context, session *Session, src io.ReaderAt) error {
	missing := session.MissingChunks
	if len(missing) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, index := range missing {
		g.Go(func() error {
			offset := int64(index) * session.ChunkSize
			length := session.ChunkSize
			if remaining := session.TotalSize - offset; remaining < length {
				length = remaining
			}

			// Section-ридер перематывается при повторах и не разделяет
			// позицию чтения с другими чанками
			reader := io.NewSectionReader(src, offset, length)
			if _, err := c.UploadChunk(gctx, session.SessionToken, index, reader, length); err != nil {
				return fmt.Errorf("чанк %d: %w", index, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// s3.go — S3-совместимый backend хранилища чанков.
// Чанки: {prefix}sessions/{token}/{index}; объекты: {prefix}objects/{key}.
// Под-диапазоны чанков читаются через GetObject с заголовком Range,
// без материализации всего чанка. Прямые URL — presigned GET.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// deleteBatchSize — максимум ключей в одном DeleteObjects (лимит S3 API).
const deleteBatchSize = 1000

// S3Store — хранилище чанков в S3-совместимом bucket'е.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store создаёт S3-хранилище чанков.
// prefix — необязательный префикс ключей внутри bucket'а (например, "transfer/").
func NewS3Store(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// chunkKey возвращает ключ чанка в bucket'е.
func (s *S3Store) chunkKey(token string, index int) string {
	return fmt.Sprintf("%ssessions/%s/%06d", s.prefix, token, index)
}

// sessionPrefix возвращает префикс всех чанков сессии.
func (s *S3Store) sessionPrefix(token string) string {
	return fmt.Sprintf("%ssessions/%s/", s.prefix, token)
}

// objectKey возвращает ключ собранного объекта.
func (s *S3Store) objectKey(key string) string {
	return s.prefix + "objects/" + key
}

// PutChunk сохраняет чанк через PutObject.
// Повторный put того же ключа перезаписывает объект (last write wins) —
// S3 гарантирует атомарность put'а на уровне ключа.
func (s *S3Store) PutChunk(ctx context.Context, token string, index int, r io.Reader, size int64) error {
	return s.put(ctx, s.chunkKey(token, index), r, size)
}

// OpenChunk открывает чанк целиком.
func (s *S3Store) OpenChunk(ctx context.Context, token string, index int) (io.ReadCloser, error) {
	return s.open(ctx, s.chunkKey(token, index), "")
}

// OpenChunkRange читает под-диапазон чанка через HTTP Range:
// bytes={offset}-{offset+length-1} (границы включительно).
func (s *S3Store) OpenChunkRange(ctx context.Context, token string, index int, offset, length int64) (io.ReadCloser, error) {
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	return s.open(ctx, s.chunkKey(token, index), rng)
}

// ChunkSize возвращает размер чанка через HeadObject.
func (s *S3Store) ChunkSize(ctx context.Context, token string, index int) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.chunkKey(token, index)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка HeadObject чанка %d: %w", index, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// DeleteSession удаляет все чанки сессии: постраничный ListObjectsV2 +
// пакетный DeleteObjects (до 1000 ключей за запрос).
func (s *S3Store) DeleteSession(ctx context.Context, token string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.sessionPrefix(token)),
	})

	var batch []types.ObjectIdentifier
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: batch,
				Quiet:   aws.Bool(true),
			},
		})
		batch = batch[:0]
		if err != nil {
			return fmt.Errorf("ошибка пакетного удаления чанков: %w", err)
		}
		return nil
	}

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("ошибка листинга чанков сессии: %w", err)
		}
		for _, obj := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == deleteBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}

	return flush()
}

// PutObject сохраняет собранный объект.
func (s *S3Store) PutObject(ctx context.Context, key string, r io.Reader, size int64) error {
	return s.put(ctx, s.objectKey(key), r, size)
}

// OpenObject открывает объект для чтения.
func (s *S3Store) OpenObject(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.open(ctx, s.objectKey(key), "")
}

// ObjectSize возвращает размер объекта.
func (s *S3Store) ObjectSize(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка HeadObject объекта %s: %w", key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// DeleteObject удаляет объект.
func (s *S3Store) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("ошибка удаления объекта %s: %w", key, err)
	}
	return nil
}

// ObjectURL возвращает presigned GET URL с указанным TTL.
func (s *S3Store) ObjectURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	presigner := s3.NewPresignClient(s.client)

	presigned, err := presigner.PresignGetObject(ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
		},
		s3.WithPresignExpires(ttl),
	)
	if err != nil {
		return "", fmt.Errorf("ошибка presign объекта %s: %w", key, err)
	}

	return presigned.URL, nil
}

// put выполняет PutObject с известным размером тела.
func (s *S3Store) put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("ошибка записи %s в S3: %w", key, err)
	}
	return nil
}

// open выполняет GetObject, опционально с заголовком Range.
func (s *S3Store) open(ctx context.Context, key, rng string) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if rng != "" {
		input.Range = aws.String(rng)
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения %s из S3: %w", key, err)
	}
	return out.Body, nil
}

// isNotFound проверяет, является ли ошибка S3 отсутствием ключа.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// Проверка реализации интерфейса на этапе компиляции.
var _ Store = (*S3Store)(nil)

// cache.go — LRU-кэш записей финализированных файлов с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable. Ключ — токен сессии:
// горячий путь streaming endpoint'а обходится без запроса к репозиторию.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш записей файлов.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша записей файлов.",
	})
)

// FileCache — LRU-кэш записей файлов с автоматическим TTL.
// Каждый экземпляр модуля имеет собственный in-memory кэш (per-instance).
type FileCache struct {
	cache *expirable.LRU[string, *model.FileRecord]
}

// NewFileCache создаёт LRU-кэш с указанным максимальным размером и TTL.
func NewFileCache(maxSize int, ttl time.Duration) *FileCache {
	cache := expirable.NewLRU[string, *model.FileRecord](maxSize, nil, ttl)
	return &FileCache{cache: cache}
}

// Get возвращает запись файла из кэша по токену сессии.
// Возвращает (запись, true) при hit или (nil, false) при miss.
func (c *FileCache) Get(token string) (*model.FileRecord, bool) {
	val, ok := c.cache.Get(token)
	if ok {
		cacheHitsTotal.Inc()
		return val, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет запись в кэше.
func (c *FileCache) Set(token string, record *model.FileRecord) {
	c.cache.Add(token, record)
}

// Delete удаляет запись из кэша.
func (c *FileCache) Delete(token string) {
	c.cache.Remove(token)
}

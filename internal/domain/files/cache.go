package files

// cache.go — локальный дисковый кэш скачанных файлов. Раскладка:
// <workdir>/<bot_id>/<kind>s/file_<id><ext>. Метаданные (дайджест → путь,
// размер, last_access) живут в bbolt и переживают рестарты. Запись кэша
// инвалидируется только сменой file_reference (другой дайджест), TTL нет.
// Сборка места — по верхней отметке суммарного размера, старейшие по
// последнему доступу удаляются первыми.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-botapi/internal/infra/logger"
	"telegram-botapi/internal/infra/storage"
)

// Meta — запись кэша: относительный путь внутри workdir и учёт доступа.
type Meta struct {
	Digest     string `json:"digest"`
	BotID      int64  `json:"bot_id"`
	Path       string `json:"path"` // относительный путь внутри workdir
	Size       int64  `json:"size"`
	UniqueID   string `json:"unique_id"`
	LastAccess int64  `json:"last_access"`
}

// Cache управляет дисковым кэшем всех ботов процесса. Потокобезопасность
// обеспечивается транзакциями bbolt и тем, что скачивание одного дайджеста
// сериализует актор бота.
type Cache struct {
	db   *storage.DB
	root string
	now  func() time.Time
}

// Option задаёт дополнительные параметры кэша при создании.
type Option func(*Cache)

// WithClock подменяет источник времени. Используется в тестах для
// детерминированного порядка вытеснения.
func WithClock(fn func() time.Time) Option {
	return func(c *Cache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCache создаёт кэш поверх workdir и гарантирует наличие корня.
func NewCache(db *storage.DB, root string, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, errors.Wrapf(err, "ensure workdir %q", root)
	}
	c := &Cache{db: db, root: root, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Root возвращает корень кэша (workdir).
func (c *Cache) Root() string {
	return c.root
}

// Lookup возвращает метаданные по дайджесту, если файл ещё на диске.
// Исчезнувший файл (ручная очистка тома) прозрачно выбрасывает запись.
func (c *Cache) Lookup(digest string) (*Meta, error) {
	data, err := c.db.GetFileMeta(digest)
	if err != nil {
		return nil, errors.Wrap(err, "lookup meta")
	}
	if data == nil {
		return nil, nil
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "decode meta")
	}
	if _, statErr := os.Stat(c.Absolute(m.Path)); statErr != nil {
		logger.Debug("cache entry lost its file, dropping",
			zap.String("digest", digest),
			zap.String("path", m.Path),
		)
		_ = c.db.DeleteFileMeta(digest)
		return nil, nil
	}
	return &m, nil
}

// Touch обновляет отметку последнего доступа. Ошибки не фатальны: отметка
// влияет лишь на порядок вытеснения.
func (c *Cache) Touch(m *Meta) {
	m.LastAccess = c.now().Unix()
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := c.db.PutFileMeta(m.Digest, data); err != nil {
		logger.Debugf("cache touch: %v", err)
	}
}

// TargetPath строит относительный путь для новой записи кэша бота.
func (c *Cache) TargetPath(botID int64, kind Kind, id int64, ext string) string {
	return filepath.Join(fmt.Sprintf("%d", botID), string(kind)+"s", fmt.Sprintf("file_%d%s", id, ext))
}

// Absolute переводит относительный путь записи в абсолютный путь на диске.
func (c *Cache) Absolute(rel string) string {
	return filepath.Join(c.root, rel)
}

// Commit фиксирует скачанный файл в кэше: регистрирует метаданные под его
// дайджестом. Файл уже должен лежать по относительному пути rel.
func (c *Cache) Commit(digest string, botID int64, rel, uniqueID string) (*Meta, error) {
	st, err := os.Stat(c.Absolute(rel))
	if err != nil {
		return nil, errors.Wrap(err, "stat downloaded file")
	}
	m := &Meta{
		Digest:     digest,
		BotID:      botID,
		Path:       rel,
		Size:       st.Size(),
		UniqueID:   uniqueID,
		LastAccess: c.now().Unix(),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode meta")
	}
	if err := c.db.PutFileMeta(digest, data); err != nil {
		return nil, errors.Wrap(err, "persist meta")
	}
	return m, nil
}

// Forget удаляет запись кэша вместе с файлом. Используется при явной
// инвалидации ссылки и сборкой места.
func (c *Cache) Forget(m *Meta) {
	if err := os.Remove(c.Absolute(m.Path)); err != nil && !os.IsNotExist(err) {
		logger.Warnf("cache forget: remove %s: %v", m.Path, err)
	}
	if err := c.db.DeleteFileMeta(m.Digest); err != nil {
		logger.Warnf("cache forget: meta %s: %v", m.Digest, err)
	}
}

// TotalBytes возвращает суммарный размер всех записей кэша по метаданным.
func (c *Cache) TotalBytes() int64 {
	var total int64
	err := c.db.ForEachFileMeta(func(_ string, data []byte) error {
		var m Meta
		if jErr := json.Unmarshal(data, &m); jErr == nil {
			total += m.Size
		}
		return nil
	})
	if err != nil {
		logger.Warnf("cache size scan: %v", err)
	}
	return total
}

// GC приводит суммарный размер кэша к отметке maxTotalBytes, удаляя записи в
// порядке возрастания last_access. maxTotalBytes <= 0 отключает сборку.
// Возвращает число удалённых записей.
func (c *Cache) GC(maxTotalBytes int64) int {
	if maxTotalBytes <= 0 {
		return 0
	}

	var (
		all   []Meta
		total int64
	)
	err := c.db.ForEachFileMeta(func(_ string, data []byte) error {
		var m Meta
		if jErr := json.Unmarshal(data, &m); jErr != nil {
			return nil // битую запись пропускаем, подчистит следующий Lookup
		}
		all = append(all, m)
		total += m.Size
		return nil
	})
	if err != nil {
		logger.Warnf("cache gc: scan: %v", err)
		return 0
	}
	if total <= maxTotalBytes {
		return 0
	}

	sort.Slice(all, func(i, j int) bool { return all[i].LastAccess < all[j].LastAccess })

	removed := 0
	for _, m := range all {
		if total <= maxTotalBytes {
			break
		}
		c.Forget(&m)
		total -= m.Size
		removed++
	}
	if removed > 0 {
		logger.Info("cache gc finished",
			zap.Int("removed", removed),
			zap.Int64("total_bytes", total),
		)
	}
	return removed
}

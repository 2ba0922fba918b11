// db.go — персистентное состояние шлюза поверх bbolt.
// Одна база на процесс, бакеты по подсистемам:
//   - sessions — записи сессий ботов (токен, webhook-конфигурация, счётчики);
//   - updates  — вложенные бакеты по bot_id с очередями апдейтов (ключ — update_id);
//   - files    — метаданные файлового кэша (ключ — дайджест удалённой локации);
//   - peers    — резерв под gotd contrib PeerStorage (bucket выдаётся наружу по имени).
//
// bbolt даёт сериализуемые транзакции с единственным писателем, что совпадает с
// акторной моделью шлюза: каждая запись выполняется из горутины-владельца.
package storage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

const (
	dbOpenTimeout             = time.Second
	dbFileMode    os.FileMode = 0o600
)

// Имена корневых бакетов. PeersBucket экспортируется: его использует
// contrib-хранилище пиров напрямую через Bolt().
var (
	sessionsBucket = []byte("sessions")
	updatesBucket  = []byte("updates")
	filesBucket    = []byte("files")
	PeersBucket    = []byte("peers")
)

// DB — обёртка над bbolt с доменными операциями шлюза.
type DB struct {
	db *bbolt.DB
}

// OpenDB открывает (или создаёт) файл базы и гарантирует наличие корневых бакетов.
// Timeout при открытии защищает от вечного ожидания flock, если файл держит
// другой процесс.
func OpenDB(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errors.Wrapf(err, "ensure dir %q", dir)
		}
	}

	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, updatesBucket, filesBucket, PeersBucket} {
			if _, bErr := tx.CreateBucketIfNotExists(name); bErr != nil {
				return errors.Wrapf(bErr, "create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// Bolt возвращает низкоуровневый дескриптор для подсистем, работающих с bbolt
// напрямую (contrib PeerStorage).
func (d *DB) Bolt() *bbolt.DB {
	return d.db
}

// Close закрывает файл базы данных.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// PutSession сохраняет сериализованную запись сессии бота.
func (d *DB) PutSession(botID int64, data []byte) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put(itob(botID), data)
	})
}

// GetSession возвращает запись сессии бота или nil, если её нет.
func (d *DB) GetSession(botID int64) ([]byte, error) {
	var out []byte
	err := d.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get(itob(botID))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// DeleteSession удаляет запись сессии бота вместе с его очередью апдейтов.
// Используется при logOut: сервер обязан забыть бота целиком.
func (d *DB) DeleteSession(botID int64) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(sessionsBucket).Delete(itob(botID)); err != nil {
			return err
		}
		upd := tx.Bucket(updatesBucket)
		if upd.Bucket(itob(botID)) != nil {
			return upd.DeleteBucket(itob(botID))
		}
		return nil
	})
}

// ForEachSession обходит все сохранённые сессии. Колбэк получает копии данных,
// которые безопасно использовать после завершения транзакции.
func (d *DB) ForEachSession(fn func(botID int64, data []byte) error) error {
	return d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			return fn(btoi(k), append([]byte(nil), v...))
		})
	})
}

// PutUpdate кладёт сериализованный апдейт в очередь бота под ключом update_id.
// Big-endian ключи сохраняют порядок обхода курсором — это и есть FIFO очереди.
func (d *DB) PutUpdate(botID, updateID int64, payload []byte) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(updatesBucket).CreateBucketIfNotExists(itob(botID))
		if err != nil {
			return err
		}
		return b.Put(itob(updateID), payload)
	})
}

// DeleteUpdatesThrough удаляет из очереди бота все апдейты с update_id <= confirmedID.
// Так реализуется подтверждение доставки (offset в getUpdates, 2xx вебхука).
func (d *DB) DeleteUpdatesThrough(botID, confirmedID int64) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(updatesBucket).Bucket(itob(botID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil && btoi(k) <= confirmedID; k, _ = c.First() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadUpdates возвращает до limit апдейтов бота в порядке возрастания update_id.
// limit <= 0 означает «все».
func (d *DB) LoadUpdates(botID int64, limit int) (ids []int64, payloads [][]byte, err error) {
	err = d.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(updatesBucket).Bucket(itob(botID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ids = append(ids, btoi(k))
			payloads = append(payloads, append([]byte(nil), v...))
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
		return nil
	})
	return ids, payloads, err
}

// PutFileMeta сохраняет метаданные кэшированного файла под его дайджестом.
func (d *DB) PutFileMeta(digest string, data []byte) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(filesBucket).Put([]byte(digest), data)
	})
}

// GetFileMeta возвращает метаданные кэшированного файла или nil.
func (d *DB) GetFileMeta(digest string) ([]byte, error) {
	var out []byte
	err := d.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(filesBucket).Get([]byte(digest))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// DeleteFileMeta удаляет метаданные кэшированного файла.
func (d *DB) DeleteFileMeta(digest string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(filesBucket).Delete([]byte(digest))
	})
}

// ForEachFileMeta обходит метаданные всех кэшированных файлов.
func (d *DB) ForEachFileMeta(fn func(digest string, data []byte) error) error {
	return d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			return fn(string(k), append([]byte(nil), v...))
		})
	})
}

// itob кодирует int64 в big-endian ключ: лексикографический порядок ключей
// совпадает с числовым, что важно для курсоров очереди.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// btoi — обратное преобразование ключа в int64.
func btoi(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// Package telegram — MTProto-адаптер шлюза поверх gotd: клиент на бота,
// авторизация по токену, конверсия апдейтов в формат Bot API, выполнение
// методов фасада через RPC и скачивание файлов.
package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-faster/errors"

	tdsession "github.com/gotd/td/session"

	"telegram-botapi/internal/infra/storage"
)

// FileStorage реализует tdsession.Storage поверх обычного файла. Каждый бот
// получает собственный файл сессии внутри workdir; запись атомарна, чтобы
// обрыв процесса не оставил сессию полузаписанной (это равно потере авторизации).
// Потокобезопасен: операции Load/Store защищены мьютексом.
type FileStorage struct {
	Path string
	mux  sync.Mutex
}

// Компиляторная проверка соответствия интерфейсу tdsession.Storage.
var _ tdsession.Storage = (*FileStorage)(nil)

// SessionPath строит путь файла MTProto-сессии бота внутри workdir.
func SessionPath(workDir string, botID int64) string {
	return filepath.Join(workDir, fmt.Sprintf("%d", botID), "session.bin")
}

// LoadSession читает файл сессии с диска.
func (f *FileStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession атомарно сохраняет данные сессии на диск.
func (f *FileStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return errors.Wrap(err, "store session")
	}
	return nil
}

// Wipe удаляет файл сессии (logOut). Отсутствие файла ошибкой не считается.
func (f *FileStorage) Wipe() error {
	f.mux.Lock()
	defer f.mux.Unlock()

	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove session")
	}
	return nil
}

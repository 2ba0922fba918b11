package telegram

// files.go — getFile поверх upload.getFile: ленивое скачивание в
// контентно-адресуемый кэш и выдача пути для раздачи фасадом.

import (
	"context"
	"os"
	"path/filepath"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"telegram-botapi/internal/botapi"
	"telegram-botapi/internal/domain/files"
	"telegram-botapi/internal/infra/logger"
	"telegram-botapi/internal/infra/storage"
)

// GetFile возвращает метаданные файла по его file_id, скачивая содержимое
// при первом обращении. Повторные запросы с тем же file_reference попадают
// в кэш; смена file_reference даёт новый дайджест и новое скачивание.
func (b *BotClient) GetFile(ctx context.Context, fileID string) (*botapi.File, error) {
	ref, err := files.DecodeFileID(fileID)
	if err != nil {
		return nil, botapi.ErrBadRequest("invalid file_id")
	}

	digest := files.Digest(ref)
	meta, err := b.cache.Lookup(digest)
	if err != nil {
		logger.Warnf("file cache lookup %s: %v", digest, err)
	}
	if meta != nil {
		b.cache.Touch(meta)
		return b.fileResult(ref, meta.Path, meta.Size), nil
	}

	rel, size, err := b.download(ctx, ref)
	if err != nil {
		return nil, err
	}
	if _, err := b.cache.Commit(digest, b.botID, rel, files.UniqueID(ref)); err != nil {
		return nil, botapi.ErrInternal("file cache commit failed")
	}
	return b.fileResult(ref, rel, size), nil
}

// fileResult собирает ответ getFile. В локальном режиме file_path — абсолютный
// путь на машине, иначе относительный путь под /file/bot<token>/.
func (b *BotClient) fileResult(ref files.Ref, rel string, size int64) *botapi.File {
	path := rel
	if b.local {
		path = b.cache.Absolute(rel)
	}
	return &botapi.File{
		FileID:       files.EncodeFileID(ref),
		FileUniqueID: files.UniqueID(ref),
		FileSize:     size,
		FilePath:     path,
	}
}

// download скачивает файл во временный файл и атомарно переносит его на
// целевой путь кэша. Возвращает относительный путь и фактический размер.
func (b *BotClient) download(ctx context.Context, ref files.Ref) (string, int64, error) {
	loc, ext, err := inputLocation(ref)
	if err != nil {
		return "", 0, err
	}

	rel := b.cache.TargetPath(b.botID, ref.Kind, ref.ID, ext)
	abs := b.cache.Absolute(rel)
	if err := storage.EnsureDir(abs); err != nil {
		return "", 0, botapi.ErrInternal("file cache dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".download-*")
	if err != nil {
		return "", 0, botapi.ErrInternal("temp file")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := downloader.NewDownloader().Download(b.api(), loc).Stream(ctx, tmp); err != nil {
		logger.Warnf("bot %d: download %s/%d failed: %v", b.botID, ref.Kind, ref.ID, err)
		return "", 0, mapRPCError(err)
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, botapi.ErrInternal("file sync")
	}
	info, err := tmp.Stat()
	if err != nil {
		return "", 0, botapi.ErrInternal("file stat")
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		return "", 0, botapi.ErrInternal("file move")
	}
	return rel, info.Size(), nil
}

// inputLocation строит MTProto-локацию по декодированному file_id.
func inputLocation(ref files.Ref) (tg.InputFileLocationClass, string, error) {
	switch ref.Kind {
	case files.KindPhoto:
		return &tg.InputPhotoFileLocation{
			ID:            ref.ID,
			AccessHash:    ref.AccessHash,
			FileReference: ref.FileRef,
			ThumbSize:     ref.ThumbSize,
		}, ".jpg", nil
	case files.KindDocument:
		return &tg.InputDocumentFileLocation{
			ID:            ref.ID,
			AccessHash:    ref.AccessHash,
			FileReference: ref.FileRef,
		}, ".bin", nil
	default:
		return nil, "", botapi.ErrBadRequest("unsupported file kind %q", ref.Kind)
	}
}

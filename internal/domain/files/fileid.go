// Package files — файловый слой шлюза: опознаваемые только сервером file_id,
// контент-адресуемый кэш скачанных файлов на диске и его метаданные в bbolt.
//
// file_id в Bot API — непрозрачная строка. Наш формат: base64url над компактным
// JSON с типом файла, идентификаторами MTProto-локации и file_reference.
// Кодирование детерминировано, так что одинаковая удалённая локация всегда даёт
// одинаковый file_id; инвалидация происходит только сменой file_reference.
package files

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"github.com/go-faster/errors"
)

// Kind — тип файла в терминах Bot API.
type Kind string

const (
	KindPhoto    Kind = "photo"
	KindDocument Kind = "document"
)

// Ref — разобранное содержимое file_id: всё, что нужно, чтобы построить
// tg.InputFileLocation и скачать файл заново.
type Ref struct {
	Kind       Kind   `json:"k"`
	ID         int64  `json:"i"`
	AccessHash int64  `json:"a"`
	FileRef    []byte `json:"r,omitempty"`
	// ThumbSize — размер-код для фотографий (tg.PhotoSize.Type), пуст для документов.
	ThumbSize string `json:"t,omitempty"`
	DC        int    `json:"d"`
	Size      int64  `json:"s,omitempty"`
}

// EncodeFileID сериализует Ref в непрозрачный file_id.
func EncodeFileID(ref Ref) string {
	data, _ := json.Marshal(ref) // Ref состоит из маршалируемых типов
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeFileID разбирает file_id. Любой мусор (чужой или повреждённый
// идентификатор) превращается в ошибку — наружу она уходит как 400.
func DecodeFileID(fileID string) (Ref, error) {
	data, err := base64.RawURLEncoding.DecodeString(fileID)
	if err != nil {
		return Ref{}, errors.Wrap(err, "decode file_id")
	}
	var ref Ref
	if err := json.Unmarshal(data, &ref); err != nil {
		return Ref{}, errors.Wrap(err, "parse file_id")
	}
	if ref.ID == 0 || ref.Kind == "" {
		return Ref{}, errors.New("file_id is incomplete")
	}
	return ref, nil
}

// UniqueID строит file_unique_id: стабильный идентификатор содержимого,
// не зависящий от access_hash и file_reference.
func UniqueID(ref Ref) string {
	data, _ := json.Marshal(struct {
		Kind Kind  `json:"k"`
		ID   int64 `json:"i"`
	}{ref.Kind, ref.ID})
	return base64.RawURLEncoding.EncodeToString(data)
}

// Digest — контент-адрес удалённой локации для кэша. Включает file_reference:
// смена reference означает новую запись кэша, прежняя инвалидируется явно.
func Digest(ref Ref) string {
	h := sha256.New()
	data, _ := json.Marshal(ref)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

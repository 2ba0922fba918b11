package web

// params.go — разбор аргументов метода Bot API. Клиенты передают аргументы
// как угодно: query string, urlencoded/multipart форма или JSON-тело; все три
// источника сливаются в один набор, JSON имеет приоритет.

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"

	"telegram-botapi/internal/botapi"
)

// maxBodySize ограничивает тело запроса метода. Медиа мы не принимаем,
// поэтому лимита в 2 MiB хватает с запасом даже для больших разметок.
const maxBodySize = 2 << 20

type params struct {
	form map[string]string
	json map[string]json.RawMessage
}

// parseParams собирает аргументы запроса из всех поддерживаемых источников.
func parseParams(r *http.Request) (*params, error) {
	p := &params{form: make(map[string]string)}

	for key, vals := range r.URL.Query() {
		if len(vals) > 0 {
			p.form[key] = vals[0]
		}
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/json":
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			return nil, botapi.ErrBadRequest("can't read request body")
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &p.json); err != nil {
				return nil, botapi.ErrBadRequest("can't parse JSON body")
			}
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodySize); err != nil {
			return nil, botapi.ErrBadRequest("can't parse multipart form")
		}
		for key, vals := range r.MultipartForm.Value {
			if len(vals) > 0 {
				p.form[key] = vals[0]
			}
		}
	default:
		if err := r.ParseForm(); err != nil {
			return nil, botapi.ErrBadRequest("can't parse form")
		}
		for key, vals := range r.PostForm {
			if len(vals) > 0 {
				p.form[key] = vals[0]
			}
		}
	}
	return p, nil
}

// String возвращает строковый аргумент ("" если не задан).
func (p *params) String(key string) string {
	if raw, ok := p.json[key]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		// Числа и прочие скаляры в JSON-теле приводим к строковому виду.
		return string(raw)
	}
	return p.form[key]
}

// Has сообщает, был ли аргумент передан.
func (p *params) Has(key string) bool {
	if _, ok := p.json[key]; ok {
		return true
	}
	_, ok := p.form[key]
	return ok
}

// Int64 разбирает целочисленный аргумент; 0, если не задан.
func (p *params) Int64(key string) (int64, error) {
	s := p.String(key)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Errorf("parameter %q must be an integer", key)
	}
	return v, nil
}

// Int — как Int64, но для небольших значений.
func (p *params) Int(key string) (int, error) {
	v, err := p.Int64(key)
	return int(v), err
}

// Bool разбирает булев аргумент; false, если не задан.
func (p *params) Bool(key string) bool {
	s := p.String(key)
	if s == "" {
		return false
	}
	v, err := strconv.ParseBool(s)
	return err == nil && v
}

// Decode разбирает JSON-значение аргумента (entities, allowed_updates и т.п.).
// В форме такие аргументы приходят JSON-строкой, в JSON-теле — вложенным значением.
func (p *params) Decode(key string, dest any) error {
	if raw, ok := p.json[key]; ok {
		if err := json.Unmarshal(raw, dest); err != nil {
			return errors.Errorf("parameter %q has invalid format", key)
		}
		return nil
	}
	s := p.form[key]
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), dest); err != nil {
		return errors.Errorf("parameter %q has invalid format", key)
	}
	return nil
}

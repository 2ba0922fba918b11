package botapi

// response.go — конверт ответа Bot API и помощники записи его в http.ResponseWriter.
// Успех: {"ok":true,"result":...}; ошибка: {"ok":false,"error_code":...,
// "description":...,"parameters":{...}}. HTTP-статус совпадает с error_code.

import (
	"encoding/json"
	"net/http"

	"telegram-botapi/internal/infra/logger"
)

// Response — конверт ответа Bot API.
type Response struct {
	OK          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result,omitempty"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Description string              `json:"description,omitempty"`
	Parameters  *ResponseParameters `json:"parameters,omitempty"`
}

// WriteResult сериализует result в конверт успеха и пишет его с кодом 200.
// Ошибка маршалинга результата — внутренний сбой: отвечаем 500.
func WriteResult(w http.ResponseWriter, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		logger.Errorf("WriteResult: marshal result: %v", err)
		WriteError(w, ErrInternal("cannot serialize result"))
		return
	}
	writeJSON(w, http.StatusOK, Response{OK: true, Result: raw})
}

// WriteError пишет конверт ошибки с HTTP-статусом, равным её коду.
func WriteError(w http.ResponseWriter, apiErr *Error) {
	if apiErr == nil {
		apiErr = ErrInternal("unknown error")
	}
	writeJSON(w, apiErr.Code, Response{
		OK:          false,
		ErrorCode:   apiErr.Code,
		Description: apiErr.Description,
		Parameters:  apiErr.Parameters,
	})
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugf("writeJSON: encode response: %v", err)
	}
}

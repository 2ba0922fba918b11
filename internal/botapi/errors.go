package botapi

// errors.go — канонические ошибки Bot API. Ошибка несёт HTTP-код, текстовое
// описание в формате «Bad Request: ...» и необязательные параметры
// (retry_after, migrate_to_chat_id). Эти же коды использует фасад как HTTP-статус.

import "fmt"

// ResponseParameters — дополнительные сведения об ошибке по спецификации Bot API.
type ResponseParameters struct {
	RetryAfter      int   `json:"retry_after,omitempty"`
	MigrateToChatID int64 `json:"migrate_to_chat_id,omitempty"`
}

// Error — ошибка уровня Bot API, сериализуемая в конверт ответа.
type Error struct {
	Code        int
	Description string
	Parameters  *ResponseParameters
}

// Error реализует error.
func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Description)
}

// StopRetry: ошибки Bot API с кодами 4xx (кроме 429) не имеет смысла ретраить.
// Сигнатура согласована с throttle.StopRetryer.
func (e *Error) StopRetry() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != 429
}

// ErrBadRequest строит 400 с описанием "Bad Request: <текст>".
func ErrBadRequest(format string, args ...any) *Error {
	return &Error{Code: 400, Description: "Bad Request: " + fmt.Sprintf(format, args...)}
}

// ErrUnauthorized — 401, невалидный или неизвестный токен.
func ErrUnauthorized(format string, args ...any) *Error {
	return &Error{Code: 401, Description: "Unauthorized: " + fmt.Sprintf(format, args...)}
}

// ErrForbidden — 403, в том числе отказ шард-фильтра.
func ErrForbidden(format string, args ...any) *Error {
	return &Error{Code: 403, Description: "Forbidden: " + fmt.Sprintf(format, args...)}
}

// ErrNotFound — 404, неизвестный метод или файл.
func ErrNotFound(format string, args ...any) *Error {
	return &Error{Code: 404, Description: "Not Found: " + fmt.Sprintf(format, args...)}
}

// ErrConflict — 409, конфликт режимов доставки (getUpdates при активном вебхуке).
func ErrConflict(format string, args ...any) *Error {
	return &Error{Code: 409, Description: "Conflict: " + fmt.Sprintf(format, args...)}
}

// ErrTooManyRequests — 429 с параметром retry_after в секундах.
func ErrTooManyRequests(retryAfter int) *Error {
	return &Error{
		Code:        429,
		Description: fmt.Sprintf("Too Many Requests: retry after %d", retryAfter),
		Parameters:  &ResponseParameters{RetryAfter: retryAfter},
	}
}

// ErrInternal — 500 для неожиданных сбоев. Текст намеренно краток: детали
// остаются в логах, наружу утекать не должны.
func ErrInternal(format string, args ...any) *Error {
	return &Error{Code: 500, Description: "Internal Server Error: " + fmt.Sprintf(format, args...)}
}

// AsError приводит произвольную ошибку к *Error. Всё, что не является ошибкой
// Bot API, превращается в 500 с нейтральным описанием.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*Error); ok {
		return apiErr
	}
	return ErrInternal("request failed")
}

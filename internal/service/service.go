// Пакет service — бизнес-логика Transfer Module.
// service.go — общий тип ошибки сервисного слоя.
package service

import (
	"fmt"
)

// TransferError — ошибка сервисного слоя с HTTP-кодом.
// Handlers транслируют её в ответ через apierrors.WriteError.
type TransferError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

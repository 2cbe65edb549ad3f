// Пакет state — конечный автомат статусов сессии загрузки.
//
// Жизненный цикл:
//   - active ⇄ paused — единственная двунаправленная пара (pause/resume)
//   - active/paused → finalizing → completed
//   - finalizing → active — откат при ошибке сборки, сессия остаётся пригодной
//     для повторной финализации
//   - active/paused → failed — отмена пользователем
//   - active/paused → expired — только через Reaper
//
// completed, failed, expired — терминальные состояния.
// Автомат не хранит текущее состояние: статус живёт в репозитории,
// здесь только матрица допустимых переходов.
package state

import (
	"fmt"

	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
)

// validTransitions — матрица допустимых переходов.
// Ключ — исходный статус, значение — набор допустимых целевых статусов.
var validTransitions = map[model.SessionStatus]map[model.SessionStatus]bool{
	model.StatusActive: {
		model.StatusPaused:     true,
		model.StatusFinalizing: true,
		model.StatusFailed:     true,
		model.StatusExpired:    true,
	},
	model.StatusPaused: {
		model.StatusActive:     true,
		model.StatusFinalizing: true,
		model.StatusFailed:     true,
		model.StatusExpired:    true,
	},
	model.StatusFinalizing: {
		model.StatusCompleted: true,
		model.StatusActive:    true, // откат при ошибке direct-сборки
	},
	model.StatusCompleted: {}, // терминальный
	model.StatusFailed:    {}, // терминальный
	model.StatusExpired:   {}, // терминальный
}

// CanTransition проверяет допустимость перехода from → to.
func CanTransition(from, to model.SessionStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Validate возвращает TransitionError, если переход from → to недопустим.
func Validate(from, to model.SessionStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{
			From: from,
			To:   to,
		}
	}
	return nil
}

// TransitionError — ошибка недопустимого перехода между статусами.
type TransitionError struct {
	From model.SessionStatus
	To   model.SessionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("недопустимый переход статуса %s → %s", e.From, e.To)
}

// ParseStatus преобразует строку в SessionStatus.
// Возвращает ошибку для недопустимых значений (включая pending/uploading).
func ParseStatus(s string) (model.SessionStatus, error) {
	st := model.SessionStatus(s)
	switch st {
	case model.StatusActive, model.StatusPaused, model.StatusFinalizing,
		model.StatusCompleted, model.StatusFailed, model.StatusExpired:
		return st, nil
	default:
		return "", fmt.Errorf("недопустимый статус сессии: %q", s)
	}
}

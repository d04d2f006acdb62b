package booking

import "github.com/Leganyst/reservation-core/internal/model"

// Trigger — событие жизненного цикла записи.
type Trigger string

const (
	TriggerConfirm  Trigger = "confirm"
	TriggerExpire   Trigger = "expire"
	TriggerCancel   Trigger = "cancel"
	TriggerComplete Trigger = "complete"
)

// Таблица переходов. Всё, чего здесь нет, — ErrInvalidTransition.
var transitions = map[model.AppointmentStatus]map[Trigger]model.AppointmentStatus{
	model.AppointmentStatusPending: {
		TriggerConfirm: model.AppointmentStatusConfirmed,
		TriggerExpire:  model.AppointmentStatusCancelled,
		TriggerCancel:  model.AppointmentStatusCancelled,
	},
	model.AppointmentStatusConfirmed: {
		TriggerCancel:   model.AppointmentStatusCancelled,
		TriggerComplete: model.AppointmentStatusCompleted,
	},
}

// Next возвращает целевой статус перехода или false, если переход запрещён.
func Next(from model.AppointmentStatus, t Trigger) (model.AppointmentStatus, bool) {
	to, ok := transitions[from][t]
	return to, ok
}

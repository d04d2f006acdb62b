package notify

import (
	"encoding/json"
	"time"
)

// Kind — перечисление видов событий, которые получают клиенты.
type Kind string

const (
	KindBookingConfirmed     Kind = "booking-confirmed"
	KindSlotUnavailable      Kind = "slot-unavailable"
	KindAppointmentCancelled Kind = "appointment-cancelled"
	KindAppointmentReminder  Kind = "appointment-reminder"
	KindAppointmentCompleted Kind = "appointment-completed"
)

func (k Kind) Valid() bool {
	switch k {
	case KindBookingConfirmed, KindSlotUnavailable, KindAppointmentCancelled,
		KindAppointmentReminder, KindAppointmentCompleted:
		return true
	}
	return false
}

// Event — эфемерное событие. Не сохраняется: отключённый подписчик его пропускает.
type Event struct {
	ID   string
	Kind Kind

	// Адресаты: все подписки личности и/или все наблюдатели ресурса.
	TargetIdentity string
	TargetResource string

	Service string
	Time    *time.Time
	// Поля конкретного вида события.
	Fields map[string]any
}

// MarshalJSON отдаёт форму для клиента:
// { "kind": ..., "service"?: ..., "time"?: RFC3339, ...поля события }.
// Адресаты наружу не уходят.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+4)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["kind"] = string(e.Kind)
	if e.ID != "" {
		out["id"] = e.ID
	}
	if e.Service != "" {
		out["service"] = e.Service
	}
	if e.Time != nil {
		out["time"] = e.Time.UTC().Format(time.RFC3339)
	}
	return json.Marshal(out)
}

// RelayMessage — форма события для брокера. В отличие от клиентской несёт
// адресатов, чтобы потребитель мог сам маршрутизировать событие.
type RelayMessage struct {
	ID             string `json:"id"`
	Kind           Kind   `json:"kind"`
	TargetIdentity string `json:"target_identity,omitempty"`
	TargetResource string `json:"target_resource,omitempty"`
	Event          Event  `json:"event"`
}

func newRelayMessage(e Event) RelayMessage {
	return RelayMessage{
		ID:             e.ID,
		Kind:           e.Kind,
		TargetIdentity: e.TargetIdentity,
		TargetResource: e.TargetResource,
		Event:          e,
	}
}

package ledger

import "errors"

// Reason — код отказа в допуске, уходит клиенту как есть.
type Reason string

const (
	ReasonCapacityExceeded Reason = "CAPACITY_EXCEEDED"
	ReasonInvalidWindow    Reason = "INVALID_WINDOW"
)

var (
	// ErrCapacityExceeded — ожидаемый отказ: ёмкость слота исчерпана.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrInvalidWindow — некорректный запрос, общее состояние не трогали.
	ErrInvalidWindow = errors.New("invalid window")
	// ErrConflict — версия ресурса изменилась между чтением и записью.
	ErrConflict = errors.New("concurrent modification")

	ErrResourceNotFound = errors.New("resource not found")
	ErrInvalidCapacity  = errors.New("capacity must be at least 1")
	// ErrCapacityInUse — уменьшение ёмкости осиротило бы существующие записи.
	ErrCapacityInUse = errors.New("capacity is in use by existing appointments")
)

// ReasonOf возвращает код отказа для ошибки Reserve; пустая строка — не отказ.
func ReasonOf(err error) Reason {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return ReasonCapacityExceeded
	case errors.Is(err, ErrInvalidWindow):
		return ReasonInvalidWindow
	default:
		return ""
	}
}

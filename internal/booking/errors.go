package booking

import "errors"

var (
	// ErrInvalidTransition — переход не разрешён из текущего статуса. Ничего не меняет.
	ErrInvalidTransition = errors.New("INVALID_TRANSITION")
	ErrInvalidRequest    = errors.New("invalid booking request")
	ErrNotFound          = errors.New("appointment not found")
	ErrServiceNotFound   = errors.New("service not found")
	ErrForbidden         = errors.New("actor is not allowed to perform this transition")
	ErrCodeRequired      = errors.New("confirmation code is required")
	// ErrConflict — запись менялась конкурентно и повторы исчерпаны.
	ErrConflict = errors.New("appointment modified concurrently")
)

// errStale — версия записи устарела, переход нужно пересчитать.
var errStale = errors.New("stale appointment version")

package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Leganyst/reservation-core/internal/auth"
	"github.com/Leganyst/reservation-core/internal/booking"
	"github.com/Leganyst/reservation-core/internal/ledger"
	"github.com/Leganyst/reservation-core/internal/otp"
)

// ErrorResponse — тело ответа с ошибкой.
type ErrorResponse struct {
	Message string `json:"message"`
	// Машиночитаемый код: CAPACITY_EXCEEDED, INVALID_TRANSITION, MISMATCH...
	Reason string `json:"reason,omitempty"`
}

// reasonErrors — ошибки, текст которых и есть код для клиента.
var reasonErrors = []error{
	booking.ErrInvalidTransition,
	otp.ErrNoChallenge,
	otp.ErrExpired,
	otp.ErrMismatch,
}

func statusOf(err error) int {
	var verr validator.ValidationErrors
	switch {
	case errors.As(err, &verr),
		errors.Is(err, ledger.ErrInvalidWindow),
		errors.Is(err, ledger.ErrInvalidCapacity),
		errors.Is(err, booking.ErrInvalidRequest),
		errors.Is(err, otp.ErrInvalidEmail):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrInvalidIdentity),
		errors.Is(err, auth.ErrUnknownRole):
		return http.StatusUnauthorized
	case errors.Is(err, booking.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, booking.ErrNotFound),
		errors.Is(err, booking.ErrServiceNotFound),
		errors.Is(err, ledger.ErrResourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrCapacityExceeded),
		errors.Is(err, ledger.ErrCapacityInUse),
		errors.Is(err, booking.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, booking.ErrInvalidTransition),
		errors.Is(err, booking.ErrCodeRequired),
		errors.Is(err, otp.ErrNoChallenge),
		errors.Is(err, otp.ErrExpired),
		errors.Is(err, otp.ErrMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, otp.ErrThrottled):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func reasonOf(err error) string {
	if r := ledger.ReasonOf(err); r != "" {
		return string(r)
	}
	for _, target := range reasonErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return ""
}

// errorHandler переводит ошибки ядра в HTTP-ответы.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		_ = c.JSON(he.Code, ErrorResponse{Message: msg})
		return
	}

	code := statusOf(err)
	resp := ErrorResponse{Message: err.Error(), Reason: reasonOf(err)}
	if code == http.StatusInternalServerError {
		s.log.Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
		resp.Message = http.StatusText(code)
	}
	_ = c.JSON(code, resp)
}

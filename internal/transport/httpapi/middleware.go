package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Leganyst/reservation-core/internal/auth"
)

const identityKey = "identity"

// requireAuth достаёт Identity из Bearer-токена. EventSource не умеет ставить
// заголовки, поэтому для потока событий токен принимается и в ?access_token.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		if raw == "" {
			raw = c.QueryParam("access_token")
		}
		if raw == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing auth token")
		}

		id, err := s.verifier.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid auth token")
		}

		c.Set(identityKey, id)
		c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), id)))
		return next(c)
	}
}

// requireStaff пропускает только организаторов и админов.
func requireStaff(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !identityOf(c).IsStaff() {
			return echo.NewHTTPError(http.StatusForbidden, "organiser or admin role required")
		}
		return next(c)
	}
}

func identityOf(c echo.Context) auth.Identity {
	id, _ := c.Get(identityKey).(auth.Identity)
	return id
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// requestValidator подключает validator/v10 к echo.Context.Validate.
type requestValidator struct {
	v *validator.Validate
}

func (rv *requestValidator) Validate(i any) error {
	return rv.v.Struct(i)
}

// bindValid — Bind + Validate; ошибка разбора тела уходит как 400.
func bindValid(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	return c.Validate(dst)
}

package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Leganyst/reservation-core/internal/booking"
	"github.com/Leganyst/reservation-core/internal/model"
)

type BookRequest struct {
	ResourceID string    `json:"resource_id" validate:"required,uuid"`
	ServiceID  string    `json:"service_id" validate:"required,uuid"`
	Start      time.Time `json:"start" validate:"required"`
	Units      int       `json:"units" validate:"omitempty,min=1"`
}

type ConfirmRequest struct {
	Code string `json:"code" validate:"omitempty,len=6,numeric"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type AppointmentResponse struct {
	ID           string     `json:"id"`
	ResourceID   string     `json:"resource_id"`
	ServiceID    string     `json:"service_id"`
	CustomerID   string     `json:"customer_id"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	Units        int        `json:"units"`
	Status       string     `json:"status"`
	ConfirmBy    *time.Time `json:"confirm_by,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toAppointmentResponse(a *model.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:           a.ID.String(),
		ResourceID:   a.ResourceID.String(),
		ServiceID:    a.ServiceID.String(),
		CustomerID:   a.CustomerID,
		Start:        a.StartsAt.UTC(),
		End:          a.EndsAt.UTC(),
		Units:        a.Units,
		Status:       string(a.Status),
		CancelReason: a.CancelReason,
		CreatedAt:    a.CreatedAt.UTC(),
	}
	if a.Status == model.AppointmentStatusPending {
		confirmBy := a.ConfirmBy.UTC()
		resp.ConfirmBy = &confirmBy
	}
	return resp
}

func (s *Server) createAppointment(c echo.Context) error {
	var req BookRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}

	appt, err := s.bookings.Book(c.Request().Context(), identityOf(c), booking.BookRequest{
		ResourceID: uuid.MustParse(req.ResourceID),
		ServiceID:  uuid.MustParse(req.ServiceID),
		Start:      req.Start,
		Units:      req.Units,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toAppointmentResponse(appt))
}

// listAppointments — записи текущего клиента, ?from&to в RFC3339, ?limit&offset.
func (s *Server) listAppointments(c echo.Context) error {
	now := s.clock.Now()
	from, err := timeParam(c, "from", now.AddDate(0, -1, 0))
	if err != nil {
		return err
	}
	to, err := timeParam(c, "to", now.AddDate(0, 3, 0))
	if err != nil {
		return err
	}
	limit, err := intParam(c, "limit", 50)
	if err != nil {
		return err
	}
	offset, err := intParam(c, "offset", 0)
	if err != nil {
		return err
	}

	appts, total, err := s.bookings.List(c.Request().Context(), identityOf(c).Subject, from, to, limit, offset)
	if err != nil {
		return err
	}

	out := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		out = append(out, toAppointmentResponse(&appts[i]))
	}
	return c.JSON(http.StatusOK, echo.Map{"appointments": out, "total": total})
}

func (s *Server) getAppointment(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	appt, err := s.bookings.Get(c.Request().Context(), identityOf(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAppointmentResponse(appt))
}

func (s *Server) confirmAppointment(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req ConfirmRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	appt, err := s.bookings.Confirm(c.Request().Context(), identityOf(c), id, req.Code)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAppointmentResponse(appt))
}

func (s *Server) cancelAppointment(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req CancelRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	appt, err := s.bookings.Cancel(c.Request().Context(), identityOf(c), id, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAppointmentResponse(appt))
}

func (s *Server) completeAppointment(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	appt, err := s.bookings.Complete(c.Request().Context(), identityOf(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAppointmentResponse(appt))
}

// issueCode выдаёт код на email из токена. Сам код уходит только в доставку.
func (s *Server) issueCode(c echo.Context) error {
	if _, err := s.otp.Issue(c.Request().Context(), identityOf(c).Email); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	return parseUUID(c.Param(name), name)
}

func uuidQuery(c echo.Context, name string) (uuid.UUID, error) {
	return parseUUID(c.QueryParam(name), name)
}

func parseUUID(raw, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, name+" is not a valid uuid")
	}
	return id, nil
}

func timeParam(c echo.Context, name string, def time.Time) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, name+" must be RFC3339")
	}
	return t.UTC(), nil
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return v, nil
}

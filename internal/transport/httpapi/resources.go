package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/Leganyst/reservation-core/internal/booking"
	"github.com/Leganyst/reservation-core/internal/calendar"
	"github.com/Leganyst/reservation-core/internal/model"
)

// максимальное окно запроса доступности
const maxAvailabilityWindow = 31 * 24 * time.Hour

type CreateResourceRequest struct {
	Label    string `json:"label" validate:"required,max=255"`
	Capacity int    `json:"capacity" validate:"required,min=1"`
}

type SetCapacityRequest struct {
	Capacity int `json:"capacity" validate:"required,min=1"`
}

type ResourceResponse struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Capacity int    `json:"capacity"`
}

type CreateServiceRequest struct {
	Name             string `json:"name" validate:"required,max=255"`
	Description      string `json:"description"`
	DurationMin      int64  `json:"duration_min" validate:"required,min=1,max=1440"`
	RequiresOTP      bool   `json:"requires_otp"`
	ConfirmWindowMin *int64 `json:"confirm_window_min" validate:"omitempty,min=1"`
}

type ServiceResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	DurationMin      int64  `json:"duration_min"`
	RequiresOTP      bool   `json:"requires_otp"`
	ConfirmWindowMin *int64 `json:"confirm_window_min,omitempty"`
	IsActive         bool   `json:"is_active"`
}

type SlotResponse struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Remaining int       `json:"remaining"`
	Label     string    `json:"label"`
}

func toServiceResponse(s *model.Service) ServiceResponse {
	return ServiceResponse{
		ID:               s.ID.String(),
		Name:             s.Name,
		Description:      s.Description,
		DurationMin:      s.DurationMin,
		RequiresOTP:      s.RequiresOTP,
		ConfirmWindowMin: s.ConfirmWindowMin,
		IsActive:         s.IsActive,
	}
}

func (s *Server) createResource(c echo.Context) error {
	var req CreateResourceRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	res, err := s.resources.AddResource(c.Request().Context(), req.Label, req.Capacity)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ResourceResponse{ID: res.ID.String(), Label: res.Label, Capacity: res.Capacity})
}

func (s *Server) setCapacity(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req SetCapacityRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	res, err := s.resources.SetCapacity(c.Request().Context(), identityOf(c).Subject, id, req.Capacity)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ResourceResponse{ID: res.ID.String(), Label: res.Label, Capacity: res.Capacity})
}

// availability режет [from, to) на слоты длительности услуги и отдаёт остаток ёмкости.
// Ответ постраничный: ?page&page_size.
func (s *Server) availability(c echo.Context) error {
	ctx := c.Request().Context()

	resourceID, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	serviceID, err := uuidQuery(c, "service_id")
	if err != nil {
		return err
	}
	from, err := timeParam(c, "from", time.Time{})
	if err != nil {
		return err
	}
	to, err := timeParam(c, "to", time.Time{})
	if err != nil {
		return err
	}
	window, err := calendar.NormalizeTimeRange(from, to, time.UTC, maxAvailabilityWindow)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	svc, err := s.services.GetByID(ctx, serviceID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return booking.ErrServiceNotFound
	}
	if err != nil {
		return err
	}

	slots, err := s.resources.Availability(ctx, resourceID, window, svc.Duration())
	if err != nil {
		return err
	}

	out := make([]SlotResponse, 0, len(slots))
	for _, sl := range slots {
		out = append(out, SlotResponse{
			Start:     sl.Window.Start,
			End:       sl.Window.End,
			Remaining: sl.Remaining,
			Label:     calendar.FormatSlotForUser(sl.Window, time.UTC),
		})
	}

	page, err := intParam(c, "page", 1)
	if err != nil {
		return err
	}
	pageSize, err := intParam(c, "page_size", 50)
	if err != nil {
		return err
	}
	p := calendar.Paginate(out, page, pageSize)

	return c.JSON(http.StatusOK, echo.Map{
		"service":   svc.Name,
		"slots":     p.Items,
		"page":      p.Page,
		"page_size": p.PageSize,
		"total":     p.Total,
		"has_next":  p.HasNext,
	})
}

func (s *Server) listServices(c echo.Context) error {
	limit, err := intParam(c, "limit", 50)
	if err != nil {
		return err
	}
	offset, err := intParam(c, "offset", 0)
	if err != nil {
		return err
	}
	services, total, err := s.services.List(c.Request().Context(), !identityOf(c).IsStaff(), limit, offset)
	if err != nil {
		return err
	}
	out := make([]ServiceResponse, 0, len(services))
	for i := range services {
		out = append(out, toServiceResponse(&services[i]))
	}
	return c.JSON(http.StatusOK, echo.Map{"services": out, "total": total})
}

func (s *Server) createService(c echo.Context) error {
	var req CreateServiceRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	svc := &model.Service{
		Name:             req.Name,
		Description:      req.Description,
		DurationMin:      req.DurationMin,
		RequiresOTP:      req.RequiresOTP,
		ConfirmWindowMin: req.ConfirmWindowMin,
		IsActive:         true,
	}
	if err := s.services.Create(c.Request().Context(), svc); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toServiceResponse(svc))
}

// Package httpapi — HTTP-интерфейс ядра бронирования на echo: записи, коды
// подтверждения, ресурсы и поток событий (Server-Sent Events).
package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/Leganyst/reservation-core/internal/auth"
	"github.com/Leganyst/reservation-core/internal/booking"
	"github.com/Leganyst/reservation-core/internal/calendar"
	"github.com/Leganyst/reservation-core/internal/clock"
	"github.com/Leganyst/reservation-core/internal/ledger"
	"github.com/Leganyst/reservation-core/internal/model"
	"github.com/Leganyst/reservation-core/internal/session"
)

// Bookings — жизненный цикл записи.
type Bookings interface {
	Book(ctx context.Context, actor auth.Identity, req booking.BookRequest) (*model.Appointment, error)
	Confirm(ctx context.Context, actor auth.Identity, id uuid.UUID, code string) (*model.Appointment, error)
	Cancel(ctx context.Context, actor auth.Identity, id uuid.UUID, reason string) (*model.Appointment, error)
	Complete(ctx context.Context, actor auth.Identity, id uuid.UUID) (*model.Appointment, error)
	Get(ctx context.Context, actor auth.Identity, id uuid.UUID) (*model.Appointment, error)
	List(ctx context.Context, customerID string, from, to time.Time, limit, offset int) ([]model.Appointment, int64, error)
}

// Resources — управление ресурсами и чтение доступности.
type Resources interface {
	AddResource(ctx context.Context, label string, capacity int) (*model.Resource, error)
	GetResource(ctx context.Context, id uuid.UUID) (*model.Resource, error)
	SetCapacity(ctx context.Context, actorID string, resourceID uuid.UUID, capacity int) (*model.Resource, error)
	Availability(ctx context.Context, resourceID uuid.UUID, window calendar.TimeRange, slot time.Duration) ([]ledger.SlotAvailability, error)
}

// Services — справочник услуг.
type Services interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Service, error)
	Create(ctx context.Context, service *model.Service) error
	List(ctx context.Context, onlyActive bool, limit, offset int) ([]model.Service, int64, error)
}

// CodeIssuer выдаёт одноразовые коды.
type CodeIssuer interface {
	Issue(ctx context.Context, email string) (string, error)
}

// Sessions — реестр живых подключений.
type Sessions interface {
	Register(identity string, conn session.Connection) (string, error)
	Unregister(id string)
	Watch(id, resourceID string) error
}

type Deps struct {
	Bookings  Bookings
	Resources Resources
	Services  Services
	OTP       CodeIssuer
	Sessions  Sessions
	Verifier  *auth.Verifier
	Log       *log.Logger
	// nil — системные часы.
	Clock clock.Clock

	// Буфер исходящих событий одного SSE-подключения.
	StreamBuffer int
	// Период комментариев-пингов в потоке событий.
	KeepAlive time.Duration
}

type Server struct {
	bookings  Bookings
	resources Resources
	services  Services
	otp       CodeIssuer
	sessions  Sessions
	verifier  *auth.Verifier
	log       *log.Logger
	clock     clock.Clock

	streamBuffer int
	keepAlive    time.Duration

	closing   chan struct{}
	closeOnce sync.Once
}

func NewServer(d Deps) *Server {
	if d.StreamBuffer <= 0 {
		d.StreamBuffer = 16
	}
	if d.KeepAlive <= 0 {
		d.KeepAlive = 25 * time.Second
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	return &Server{
		bookings:     d.Bookings,
		resources:    d.Resources,
		services:     d.Services,
		otp:          d.OTP,
		sessions:     d.Sessions,
		verifier:     d.Verifier,
		log:          d.Log,
		clock:        d.Clock,
		streamBuffer: d.StreamBuffer,
		keepAlive:    d.KeepAlive,
		closing:      make(chan struct{}),
	}
}

// CloseStreams завершает открытые потоки событий. Вызывается перед остановкой
// HTTP-сервера, иначе Shutdown ждёт их до таймаута.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Echo собирает роутер со всеми маршрутами.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger = s.log
	e.Validator = &requestValidator{v: validator.New()}
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api := e.Group("/api", s.requireAuth)

	// Appointments
	api.POST("/appointments", s.createAppointment)
	api.GET("/appointments", s.listAppointments)
	api.GET("/appointments/:id", s.getAppointment)
	api.POST("/appointments/:id/confirm", s.confirmAppointment)
	api.POST("/appointments/:id/cancel", s.cancelAppointment)
	api.POST("/appointments/:id/complete", s.completeAppointment)

	// Коды подтверждения
	api.POST("/otp", s.issueCode)

	// Resources & services
	api.GET("/resources/:id/availability", s.availability)
	api.POST("/resources", s.createResource, requireStaff)
	api.PUT("/resources/:id/capacity", s.setCapacity, requireStaff)
	api.GET("/services", s.listServices)
	api.POST("/services", s.createService, requireStaff)

	// Realtime
	api.GET("/events", s.streamEvents)

	return e
}

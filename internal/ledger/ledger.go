// Package ledger — движок допуска записей: следит за занятостью ресурса во времени
// и атомарно принимает или отклоняет попытки бронирования.
//
// Ёмкость не кэшируется в памяти: загрузка вычисляется из хранилища внутри
// транзакции, которая блокирует строку ресурса и сверяет его версию. Поверх этого
// действует мьютекс на ресурс, чтобы конкурирующие запросы одного процесса
// не тратили попытки на конфликты версий.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/Leganyst/reservation-core/internal/calendar"
	"github.com/Leganyst/reservation-core/internal/clock"
	"github.com/Leganyst/reservation-core/internal/model"
	"github.com/Leganyst/reservation-core/internal/repository"
)

const defaultMaxAttempts = 3

// горизонт, за которым смена ёмкости уже ничего не проверяет
const capacityHorizon = 100 * 365 * 24 * time.Hour

type Config struct {
	// Сколько раз повторять допуск при конфликте версий.
	MaxAttempts int
}

// ReserveRequest — попытка занять units единиц ресурса на [Start, Start+Duration).
type ReserveRequest struct {
	ResourceID uuid.UUID
	Start      time.Time
	Duration   time.Duration
	Units      int
}

// Reservation — результат допуска. Живёт только внутри транзакции допуска:
// OpenFunc превращает его в запись, иначе транзакция откатывается.
type Reservation struct {
	ResourceID uuid.UUID
	Window     calendar.TimeRange
	Units      int
	// Пиковая загрузка окна до допуска и ёмкость ресурса на момент решения.
	Load     int
	Capacity int

	Appointment *model.Appointment
}

// OpenFunc создаёт запись по допуску в той же транзакции.
type OpenFunc func(tx *gorm.DB, r *Reservation) (*model.Appointment, error)

// CommitFunc — изменение, освобождающее ёмкость; выполняется в транзакции Release.
type CommitFunc func(tx *gorm.DB) error

type Ledger struct {
	db           *gorm.DB
	resources    *repository.GormResourceRepository
	appointments *repository.GormAppointmentRepository
	audit        *repository.GormAuditRepository

	clock       clock.Clock
	locks       *keyedMutex
	maxAttempts int

	log    *log.Logger
	tracer trace.Tracer
}

func New(db *gorm.DB, clk clock.Clock, cfg Config, logger *log.Logger) *Ledger {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Ledger{
		db:           db,
		resources:    repository.NewGormResourceRepository(db),
		appointments: repository.NewGormAppointmentRepository(db),
		audit:        repository.NewGormAuditRepository(db),
		clock:        clk,
		locks:        newKeyedMutex(),
		maxAttempts:  cfg.MaxAttempts,
		log:          logger,
		tracer:       otel.Tracer("reservation-core/ledger"),
	}
}

// Reserve допускает или отклоняет бронирование. Проверка загрузки и создание записи
// выполняются одной транзакцией под блокировкой ресурса: из двух одновременных
// запросов на последнюю единицу ёмкости проходит ровно один.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest, open OpenFunc) (*Reservation, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Reserve", trace.WithAttributes(
		attribute.String("resource.id", req.ResourceID.String()),
		attribute.String("slot.start", req.Start.UTC().Format(time.RFC3339)),
		attribute.Int64("slot.duration_sec", int64(req.Duration/time.Second)),
	))
	defer span.End()

	if req.Units == 0 {
		req.Units = 1
	}
	window, err := l.validate(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	unlock := l.locks.Lock(req.ResourceID)
	defer unlock()

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		res, err := l.tryReserve(ctx, req, window, open)
		if errors.Is(err, ErrConflict) {
			l.log.Warnf("reserve conflict resource=%s attempt=%d/%d", req.ResourceID, attempt, l.maxAttempts)
			continue
		}
		if err != nil {
			span.SetAttributes(attribute.String("ledger.reason", string(ReasonOf(err))))
			if ReasonOf(err) == "" {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return nil, err
		}

		span.SetAttributes(attribute.Int("ledger.load", res.Load), attribute.Int("ledger.capacity", res.Capacity))
		l.log.Infoj(log.JSON{
			"msg":         "reservation admitted",
			"resource_id": req.ResourceID.String(),
			"start":       window.Start.Format(time.RFC3339),
			"end":         window.End.Format(time.RFC3339),
			"units":       req.Units,
			"load":        res.Load,
			"capacity":    res.Capacity,
		})
		return res, nil
	}

	// Ресурс слишком занят конкурентами — для клиента это тот же отказ по ёмкости.
	return nil, fmt.Errorf("%w: resource %s still contended after %d attempts", ErrCapacityExceeded, req.ResourceID, l.maxAttempts)
}

func (l *Ledger) validate(req ReserveRequest) (calendar.TimeRange, error) {
	if req.ResourceID == uuid.Nil {
		return calendar.TimeRange{}, fmt.Errorf("%w: resource id is required", ErrInvalidWindow)
	}
	if req.Units < 1 {
		return calendar.TimeRange{}, fmt.Errorf("%w: units must be positive", ErrInvalidWindow)
	}
	window, err := calendar.NewTimeRange(req.Start.UTC(), req.Duration)
	if err != nil {
		return calendar.TimeRange{}, fmt.Errorf("%w: %v", ErrInvalidWindow, err)
	}
	if window.Start.Before(l.clock.Now()) {
		return calendar.TimeRange{}, fmt.Errorf("%w: start %s is in the past", ErrInvalidWindow, window.Start.Format(time.RFC3339))
	}
	return window, nil
}

func (l *Ledger) tryReserve(ctx context.Context, req ReserveRequest, window calendar.TimeRange, open OpenFunc) (*Reservation, error) {
	var reservation *Reservation

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		resources := l.resources.WithTx(tx)

		res, err := resources.GetForUpdate(ctx, req.ResourceID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrResourceNotFound
		}
		if err != nil {
			return fmt.Errorf("load resource: %w", err)
		}

		active, err := l.appointments.WithTx(tx).ListActiveOverlapping(ctx, req.ResourceID, window.Start, window.End)
		if err != nil {
			return fmt.Errorf("load overlapping appointments: %w", err)
		}

		load := calendar.PeakLoad(window, occupancies(active))
		if load+req.Units > res.Capacity {
			return fmt.Errorf("%w: resource %s load %d+%d > capacity %d",
				ErrCapacityExceeded, req.ResourceID, load, req.Units, res.Capacity)
		}

		reservation = &Reservation{
			ResourceID: req.ResourceID,
			Window:     window,
			Units:      req.Units,
			Load:       load,
			Capacity:   res.Capacity,
		}
		appt, err := open(tx, reservation)
		if err != nil {
			return err
		}
		reservation.Appointment = appt

		ok, err := resources.BumpVersion(ctx, req.ResourceID, res.Version)
		if err != nil {
			return fmt.Errorf("bump resource version: %w", err)
		}
		if !ok {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

// Release выполняет commit (перевод записи в CANCELLED) под блокировкой ресурса.
// Когда Release вернул nil, освобождённая ёмкость уже видна следующим Reserve.
func (l *Ledger) Release(ctx context.Context, resourceID uuid.UUID, commit CommitFunc) error {
	ctx, span := l.tracer.Start(ctx, "ledger.Release", trace.WithAttributes(
		attribute.String("resource.id", resourceID.String()),
	))
	defer span.End()

	unlock := l.locks.Lock(resourceID)
	defer unlock()

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			resources := l.resources.WithTx(tx)
			res, err := resources.GetForUpdate(ctx, resourceID)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrResourceNotFound
			}
			if err != nil {
				return fmt.Errorf("load resource: %w", err)
			}
			if err := commit(tx); err != nil {
				return err
			}
			ok, err := resources.BumpVersion(ctx, resourceID, res.Version)
			if err != nil {
				return fmt.Errorf("bump resource version: %w", err)
			}
			if !ok {
				return ErrConflict
			}
			return nil
		})
		if errors.Is(err, ErrConflict) {
			l.log.Warnf("release conflict resource=%s attempt=%d/%d", resourceID, attempt, l.maxAttempts)
			continue
		}
		if err != nil {
			span.RecordError(err)
		}
		return err
	}
	return ErrConflict
}

// AddResource регистрирует новый ресурс.
func (l *Ledger) AddResource(ctx context.Context, label string, capacity int) (*model.Resource, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	res := &model.Resource{Label: label, Capacity: capacity}
	if err := l.resources.Create(ctx, res); err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// GetResource возвращает ресурс по ID.
func (l *Ledger) GetResource(ctx context.Context, id uuid.UUID) (*model.Resource, error) {
	res, err := l.resources.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrResourceNotFound
	}
	return res, err
}

// SetCapacity меняет ёмкость ресурса. Уменьшение ниже пиковой загрузки
// будущих активных записей отклоняется с ErrCapacityInUse.
func (l *Ledger) SetCapacity(ctx context.Context, actorID string, resourceID uuid.UUID, capacity int) (*model.Resource, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}

	unlock := l.locks.Lock(resourceID)
	defer unlock()

	var updated model.Resource
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		resources := l.resources.WithTx(tx)
		res, err := resources.GetForUpdate(ctx, resourceID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrResourceNotFound
		}
		if err != nil {
			return fmt.Errorf("load resource: %w", err)
		}

		now := l.clock.Now()
		if capacity < res.Capacity {
			horizon := calendar.TimeRange{Start: now, End: now.Add(capacityHorizon)}
			active, err := l.appointments.WithTx(tx).ListActiveOverlapping(ctx, resourceID, horizon.Start, horizon.End)
			if err != nil {
				return fmt.Errorf("load active appointments: %w", err)
			}
			if peak := calendar.PeakLoad(horizon, occupancies(active)); peak > capacity {
				return fmt.Errorf("%w: peak load %d > requested capacity %d", ErrCapacityInUse, peak, capacity)
			}
		}

		ok, err := resources.UpdateCapacity(ctx, resourceID, res.Version, capacity)
		if err != nil {
			return fmt.Errorf("update capacity: %w", err)
		}
		if !ok {
			return ErrConflict
		}

		rid := res.ID
		if err := l.audit.WithTx(tx).Record(ctx, &model.AuditEntry{
			EventType:  model.AuditCapacityChanged,
			CreatedAt:  now,
			ActorID:    actorID,
			ResourceID: &rid,
		}, map[string]int{"from": res.Capacity, "to": capacity}); err != nil {
			return fmt.Errorf("audit: %w", err)
		}

		updated = *res
		updated.Capacity = capacity
		updated.Version++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// SlotAvailability — остаток ёмкости в слоте.
type SlotAvailability struct {
	Window    calendar.TimeRange
	Remaining int
}

// Availability режет окно на слоты длительностью slot и считает остаток ёмкости в каждом.
// Только чтение: результат может устареть к моменту Reserve.
func (l *Ledger) Availability(ctx context.Context, resourceID uuid.UUID, window calendar.TimeRange, slot time.Duration) ([]SlotAvailability, error) {
	res, err := l.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	if window.Start.Before(now) {
		window.Start = now
	}
	slots, err := calendar.SplitToTimeSlots(window, slot, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWindow, err)
	}
	if len(slots) == 0 {
		return []SlotAvailability{}, nil
	}

	active, err := l.appointments.ListActiveOverlapping(ctx, resourceID, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("load overlapping appointments: %w", err)
	}
	occ := occupancies(active)

	out := make([]SlotAvailability, 0, len(slots))
	for _, s := range slots {
		remaining := res.Capacity - calendar.PeakLoad(s, occ)
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, SlotAvailability{Window: s, Remaining: remaining})
	}
	return out, nil
}

func occupancies(appts []model.Appointment) []calendar.Occupancy {
	out := make([]calendar.Occupancy, 0, len(appts))
	for _, a := range appts {
		units := a.Units
		if units < 1 {
			units = 1
		}
		out = append(out, calendar.Occupancy{
			Range: calendar.TimeRange{Start: a.StartsAt, End: a.EndsAt},
			Units: units,
		})
	}
	return out
}

// Package booking владеет жизненным циклом записи:
// pending → confirmed → completed, pending/confirmed → cancelled.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/Leganyst/reservation-core/internal/auth"
	"github.com/Leganyst/reservation-core/internal/clock"
	"github.com/Leganyst/reservation-core/internal/ledger"
	"github.com/Leganyst/reservation-core/internal/model"
	"github.com/Leganyst/reservation-core/internal/notify"
	"github.com/Leganyst/reservation-core/internal/repository"
)

const defaultMaxAttempts = 3

// Publisher — шина событий. Публикация идёт после коммита и не откатывает переход.
type Publisher interface {
	Publish(ctx context.Context, ev notify.Event)
}

// CodeVerifier проверяет одноразовый код подтверждения. Check не расходует код,
// Consume расходует его в транзакции перехода.
type CodeVerifier interface {
	Check(ctx context.Context, email, code string) (uuid.UUID, error)
	Consume(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type Config struct {
	// Окно подтверждения по умолчанию; услуга может задать своё.
	ConfirmWindow time.Duration
	MaxAttempts   int
}

type Machine struct {
	db           *gorm.DB
	ledger       *ledger.Ledger
	appointments *repository.GormAppointmentRepository
	services     repository.ServiceRepository
	audit        *repository.GormAuditRepository

	otp    CodeVerifier
	events Publisher
	clock  clock.Clock
	cfg    Config

	log    *log.Logger
	tracer trace.Tracer
}

func NewMachine(
	db *gorm.DB,
	l *ledger.Ledger,
	services repository.ServiceRepository,
	otp CodeVerifier,
	events Publisher,
	clk clock.Clock,
	cfg Config,
	logger *log.Logger,
) *Machine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.ConfirmWindow <= 0 {
		cfg.ConfirmWindow = 15 * time.Minute
	}
	return &Machine{
		db:           db,
		ledger:       l,
		appointments: repository.NewGormAppointmentRepository(db),
		services:     services,
		audit:        repository.NewGormAuditRepository(db),
		otp:          otp,
		events:       events,
		clock:        clk,
		cfg:          cfg,
		log:          logger,
		tracer:       otel.Tracer("reservation-core/booking"),
	}
}

// BookRequest — запрос клиента на запись.
type BookRequest struct {
	ResourceID uuid.UUID
	ServiceID  uuid.UUID
	Start      time.Time
	Units      int
}

// Book проводит запрос через Slot Ledger и в той же транзакции создаёт PENDING-запись.
// При отказе по ёмкости запросившему уходит slot-unavailable.
func (m *Machine) Book(ctx context.Context, actor auth.Identity, req BookRequest) (*model.Appointment, error) {
	ctx, span := m.tracer.Start(ctx, "booking.Book")
	defer span.End()

	if actor.Subject == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrInvalidRequest)
	}
	if req.ServiceID == uuid.Nil {
		return nil, fmt.Errorf("%w: service id is required", ErrInvalidRequest)
	}
	if req.Units == 0 {
		req.Units = 1
	}

	svc, err := m.services.GetByID(ctx, req.ServiceID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load service: %w", err)
	}
	if !svc.IsActive {
		return nil, fmt.Errorf("%w: service %s is not active", ErrInvalidRequest, svc.ID)
	}
	if svc.DurationMin <= 0 {
		return nil, fmt.Errorf("%w: service %s has no duration", ErrInvalidRequest, svc.ID)
	}
	if svc.RequiresOTP && actor.Email == "" {
		// код подтверждения некуда будет отправить
		return nil, fmt.Errorf("%w: service %s requires an email for confirmation", ErrInvalidRequest, svc.ID)
	}

	confirmWindow := svc.ConfirmWindow(m.cfg.ConfirmWindow)

	res, err := m.ledger.Reserve(ctx, ledger.ReserveRequest{
		ResourceID: req.ResourceID,
		Start:      req.Start,
		Duration:   svc.Duration(),
		Units:      req.Units,
	}, func(tx *gorm.DB, r *ledger.Reservation) (*model.Appointment, error) {
		now := m.clock.Now()
		appt := &model.Appointment{
			ResourceID:    r.ResourceID,
			ServiceID:     svc.ID,
			CustomerID:    actor.Subject,
			CustomerEmail: actor.Email,
			StartsAt:      r.Window.Start,
			EndsAt:        r.Window.End,
			Units:         r.Units,
			Status:        model.AppointmentStatusPending,
			ConfirmBy:     now.Add(confirmWindow),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := m.appointments.WithTx(tx).Create(ctx, appt); err != nil {
			return nil, fmt.Errorf("create appointment: %w", err)
		}
		if err := m.recordAudit(ctx, tx, model.AuditAppointmentCreated, actor, appt, map[string]any{
			"load":     r.Load,
			"capacity": r.Capacity,
		}); err != nil {
			return nil, err
		}
		return appt, nil
	})
	if errors.Is(err, ledger.ErrCapacityExceeded) {
		start := req.Start.UTC()
		m.publish(ctx, notify.Event{
			Kind:           notify.KindSlotUnavailable,
			TargetIdentity: actor.Subject,
			Service:        svc.Name,
			Time:           &start,
			Fields: map[string]any{
				"resource_id": req.ResourceID.String(),
				"reason":      string(ledger.ReasonCapacityExceeded),
			},
		})
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("appointment.id", res.Appointment.ID.String()))
	return res.Appointment, nil
}

// Confirm переводит PENDING в CONFIRMED. Если услуга требует кода, сначала
// проверяется OTP клиента. Просроченное окно подтверждения сразу закрывает запись.
func (m *Machine) Confirm(ctx context.Context, actor auth.Identity, id uuid.UUID, code string) (*model.Appointment, error) {
	appt, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !owns(actor, appt) && !actor.IsStaff() {
		return nil, ErrForbidden
	}
	if appt.Status != model.AppointmentStatusPending {
		return nil, invalidTransition(appt.Status, TriggerConfirm)
	}
	if !m.clock.Now().Before(appt.ConfirmBy) {
		if _, err := m.Expire(ctx, id); err != nil && !errors.Is(err, ErrInvalidTransition) {
			m.log.Errorf("expire on late confirm appointment=%s: %v", id, err)
		}
		return nil, fmt.Errorf("%w: confirmation window elapsed", ErrInvalidTransition)
	}

	svc, err := m.services.GetByID(ctx, appt.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("load service: %w", err)
	}
	var consume txFunc
	if svc.RequiresOTP {
		if code == "" {
			return nil, ErrCodeRequired
		}
		challengeID, err := m.otp.Check(ctx, appt.CustomerEmail, code)
		if err != nil {
			return nil, err
		}
		// Код расходуется вместе с переходом: если переход не состоялся, код остаётся живым.
		consume = func(tx *gorm.DB) error { return m.otp.Consume(ctx, tx, challengeID) }
	}

	updated, err := m.apply(ctx, actor, id, TriggerConfirm, model.AuditAppointmentConfirmed,
		func(a *model.Appointment, now time.Time) error {
			if !now.Before(a.ConfirmBy) {
				return fmt.Errorf("%w: confirmation window elapsed", ErrInvalidTransition)
			}
			return nil
		},
		func(_ *model.Appointment, now time.Time) map[string]any {
			return map[string]any{"confirmed_at": now}
		},
		consume,
	)
	if err != nil {
		return nil, err
	}

	m.publish(ctx, notify.Event{
		Kind:           notify.KindBookingConfirmed,
		TargetIdentity: updated.CustomerID,
		Service:        svc.Name,
		Time:           &updated.StartsAt,
		Fields:         appointmentFields(updated),
	})
	return updated, nil
}

// Cancel отменяет PENDING или CONFIRMED запись. Разрешено владельцу и
// организатору/админу. Ёмкость освобождается до возврата.
func (m *Machine) Cancel(ctx context.Context, actor auth.Identity, id uuid.UUID, reason string) (*model.Appointment, error) {
	appt, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !owns(actor, appt) && !actor.IsStaff() {
		return nil, ErrForbidden
	}

	updated, err := m.apply(ctx, actor, id, TriggerCancel, model.AuditAppointmentCancelled, nil,
		func(_ *model.Appointment, now time.Time) map[string]any {
			return map[string]any{"cancelled_at": now, "cancel_reason": reason}
		},
		nil,
	)
	if err != nil {
		return nil, err
	}

	m.publishCancelled(ctx, updated, "cancelled")
	return updated, nil
}

// Expire — переход по таймеру: PENDING с истёкшим окном подтверждения становится
// CANCELLED. Повторный или запоздалый вызов для уже подтверждённой или отменённой
// записи возвращает ErrInvalidTransition и ничего не меняет.
func (m *Machine) Expire(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	updated, err := m.apply(ctx, auth.System, id, TriggerExpire, model.AuditAppointmentExpired,
		func(a *model.Appointment, now time.Time) error {
			if now.Before(a.ConfirmBy) {
				return fmt.Errorf("%w: confirmation window still open", ErrInvalidTransition)
			}
			return nil
		},
		func(_ *model.Appointment, now time.Time) map[string]any {
			return map[string]any{"cancelled_at": now, "cancel_reason": "confirmation window elapsed"}
		},
		nil,
	)
	if err != nil {
		return nil, err
	}

	m.publishCancelled(ctx, updated, "expired")
	return updated, nil
}

// Complete закрывает CONFIRMED запись после её окончания. Только персонал или система.
func (m *Machine) Complete(ctx context.Context, actor auth.Identity, id uuid.UUID) (*model.Appointment, error) {
	if !actor.IsStaff() {
		return nil, ErrForbidden
	}

	updated, err := m.apply(ctx, actor, id, TriggerComplete, model.AuditAppointmentCompleted,
		func(a *model.Appointment, now time.Time) error {
			if now.Before(a.EndsAt) {
				return fmt.Errorf("%w: appointment has not ended yet", ErrInvalidTransition)
			}
			return nil
		},
		func(_ *model.Appointment, now time.Time) map[string]any {
			return map[string]any{"completed_at": now}
		},
		nil,
	)
	if err != nil {
		return nil, err
	}

	m.publish(ctx, notify.Event{
		Kind:           notify.KindAppointmentCompleted,
		TargetIdentity: updated.CustomerID,
		Service:        m.serviceName(ctx, updated.ServiceID),
		Time:           &updated.StartsAt,
		Fields:         appointmentFields(updated),
	})
	return updated, nil
}

// Remind один раз отправляет напоминание о подтверждённой записи.
// false — напоминание уже отправлено или запись не подтверждена.
func (m *Machine) Remind(ctx context.Context, id uuid.UUID) (bool, error) {
	appt, err := m.get(ctx, id)
	if err != nil {
		return false, err
	}
	if appt.Status != model.AppointmentStatusConfirmed || appt.ReminderSentAt != nil {
		return false, nil
	}

	ok, err := m.appointments.UpdateVersioned(ctx, appt, map[string]any{"reminder_sent_at": m.clock.Now()})
	if err != nil {
		return false, fmt.Errorf("mark reminder: %w", err)
	}
	if !ok {
		// Кто-то успел раньше; следующий проход разберётся.
		return false, nil
	}

	m.publish(ctx, notify.Event{
		Kind:           notify.KindAppointmentReminder,
		TargetIdentity: appt.CustomerID,
		Service:        m.serviceName(ctx, appt.ServiceID),
		Time:           &appt.StartsAt,
		Fields:         appointmentFields(appt),
	})
	return true, nil
}

// Get возвращает запись владельцу или персоналу.
func (m *Machine) Get(ctx context.Context, actor auth.Identity, id uuid.UUID) (*model.Appointment, error) {
	appt, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !owns(actor, appt) && !actor.IsStaff() {
		// Чужие записи для клиента не существуют.
		return nil, ErrNotFound
	}
	return appt, nil
}

// List — записи клиента, начинающиеся в [from, to).
func (m *Machine) List(ctx context.Context, customerID string, from, to time.Time, limit, offset int) ([]model.Appointment, int64, error) {
	return m.appointments.ListByCustomerAndRange(ctx, customerID, from, to, limit, offset)
}

type guardFunc func(a *model.Appointment, now time.Time) error

type updatesFunc func(a *model.Appointment, now time.Time) map[string]any

// txFunc — дополнительная работа в транзакции перехода.
type txFunc func(tx *gorm.DB) error

// apply выполняет переход с оптимистичной проверкой версии. При гонке запись
// перечитывается, и переход оценивается заново: из двух конкурирующих переходов
// один выигрывает, второй получает ErrInvalidTransition.
func (m *Machine) apply(
	ctx context.Context,
	actor auth.Identity,
	id uuid.UUID,
	trigger Trigger,
	auditType model.AuditEventType,
	guard guardFunc,
	updates updatesFunc,
	within txFunc,
) (*model.Appointment, error) {
	ctx, span := m.tracer.Start(ctx, "booking.transition", trace.WithAttributes(
		attribute.String("appointment.id", id.String()),
		attribute.String("transition.trigger", string(trigger)),
	))
	defer span.End()

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		appt, err := m.get(ctx, id)
		if err != nil {
			return nil, err
		}
		to, ok := Next(appt.Status, trigger)
		if !ok {
			return nil, invalidTransition(appt.Status, trigger)
		}

		now := m.clock.Now()
		if guard != nil {
			if err := guard(appt, now); err != nil {
				return nil, err
			}
		}

		upd := updates(appt, now)
		upd["status"] = to
		upd["updated_at"] = now

		commit := func(tx *gorm.DB) error {
			ok, err := m.appointments.WithTx(tx).UpdateVersioned(ctx, appt, upd)
			if err != nil {
				return fmt.Errorf("update appointment: %w", err)
			}
			if !ok {
				return errStale
			}
			if within != nil {
				if err := within(tx); err != nil {
					return err
				}
			}
			return m.recordAudit(ctx, tx, auditType, actor, appt, map[string]any{
				"from":    appt.Status,
				"to":      to,
				"trigger": trigger,
			})
		}

		if to == model.AppointmentStatusCancelled {
			err = m.ledger.Release(ctx, appt.ResourceID, commit)
		} else {
			err = m.db.WithContext(ctx).Transaction(commit)
		}
		if errors.Is(err, errStale) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		m.log.Infoj(log.JSON{
			"msg":            "appointment transition",
			"appointment_id": id.String(),
			"from":           string(appt.Status),
			"to":             string(to),
			"trigger":        string(trigger),
			"actor":          actor.Subject,
		})
		return m.get(ctx, id)
	}
	return nil, ErrConflict
}

func (m *Machine) get(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	appt, err := m.appointments.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return appt, nil
}

func (m *Machine) recordAudit(
	ctx context.Context,
	tx *gorm.DB,
	typ model.AuditEventType,
	actor auth.Identity,
	appt *model.Appointment,
	details any,
) error {
	apptID, resID := appt.ID, appt.ResourceID
	err := m.audit.WithTx(tx).Record(ctx, &model.AuditEntry{
		EventType:     typ,
		CreatedAt:     m.clock.Now(),
		ActorID:       actor.Subject,
		AppointmentID: &apptID,
		ResourceID:    &resID,
	}, details)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	return nil
}

func (m *Machine) publishCancelled(ctx context.Context, appt *model.Appointment, cause string) {
	fields := appointmentFields(appt)
	fields["cause"] = cause
	if appt.CancelReason != "" {
		fields["reason"] = appt.CancelReason
	}
	m.publish(ctx, notify.Event{
		Kind:           notify.KindAppointmentCancelled,
		TargetIdentity: appt.CustomerID,
		TargetResource: appt.ResourceID.String(),
		Service:        m.serviceName(ctx, appt.ServiceID),
		Time:           &appt.StartsAt,
		Fields:         fields,
	})
}

func (m *Machine) publish(ctx context.Context, ev notify.Event) {
	if m.events == nil {
		return
	}
	m.events.Publish(ctx, ev)
}

func (m *Machine) serviceName(ctx context.Context, id uuid.UUID) string {
	svc, err := m.services.GetByID(ctx, id)
	if err != nil {
		m.log.Warnf("service name lookup %s: %v", id, err)
		return ""
	}
	return svc.Name
}

func appointmentFields(a *model.Appointment) map[string]any {
	return map[string]any{
		"appointment_id": a.ID.String(),
		"resource_id":    a.ResourceID.String(),
		"status":         string(a.Status),
		"end_time":       a.EndsAt.UTC().Format(time.RFC3339),
	}
}

func owns(actor auth.Identity, a *model.Appointment) bool {
	return actor.Subject != "" && actor.Subject == a.CustomerID
}

func invalidTransition(from model.AppointmentStatus, t Trigger) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, t, from)
}

package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/Leganyst/reservation-core/internal/auth"
	"github.com/Leganyst/reservation-core/internal/clock"
	"github.com/Leganyst/reservation-core/internal/db"
	"github.com/Leganyst/reservation-core/internal/ledger"
	"github.com/Leganyst/reservation-core/internal/model"
	"github.com/Leganyst/reservation-core/internal/notify"
	"github.com/Leganyst/reservation-core/internal/obs"
	"github.com/Leganyst/reservation-core/internal/otp"
	"github.com/Leganyst/reservation-core/internal/repository"
)

type recordedEvents struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordedEvents) Publish(_ context.Context, ev notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordedEvents) ofKind(k notify.Kind) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	db       *gorm.DB
	machine  *Machine
	ledger   *ledger.Ledger
	otp      *otp.Issuer
	events   *recordedEvents
	clock    *clock.Manual
	audit    *repository.GormAuditRepository
	resource *model.Resource
	service  *model.Service
}

var (
	alice     = auth.Identity{Subject: "alice", Email: "alice@example.com", Role: auth.RoleCustomer}
	bob       = auth.Identity{Subject: "bob", Email: "bob@example.com", Role: auth.RoleCustomer}
	organiser = auth.Identity{Subject: "org", Email: "org@example.com", Role: auth.RoleOrganiser}
)

func newFixture(t *testing.T, requiresOTP bool) *fixture {
	t.Helper()
	ctx := context.Background()

	gdb, err := db.NewSQLiteMemory(t.Name(), model.AutoMigrate)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	logger := obs.NewLogger("booking-test", "off")
	clk := clock.NewManual(time.Date(2030, 3, 1, 8, 0, 0, 0, time.UTC))

	l := ledger.New(gdb, clk, ledger.Config{}, logger)
	res, err := l.AddResource(ctx, "Room A", 1)
	if err != nil {
		t.Fatalf("add resource: %v", err)
	}

	services := repository.NewGormServiceRepository(gdb)
	svc := &model.Service{Name: "Consultation", DurationMin: 30, RequiresOTP: requiresOTP, IsActive: true}
	if err := services.Create(ctx, svc); err != nil {
		t.Fatalf("create service: %v", err)
	}

	issuer := otp.NewIssuer(gdb, nil, clk, otp.Config{BcryptCost: bcrypt.MinCost}, logger)
	events := &recordedEvents{}

	return &fixture{
		db:       gdb,
		machine:  NewMachine(gdb, l, services, issuer, events, clk, Config{ConfirmWindow: 15 * time.Minute}, logger),
		ledger:   l,
		otp:      issuer,
		events:   events,
		clock:    clk,
		audit:    repository.NewGormAuditRepository(gdb),
		resource: res,
		service:  svc,
	}
}

func (f *fixture) request() BookRequest {
	return BookRequest{
		ResourceID: f.resource.ID,
		ServiceID:  f.service.ID,
		Start:      time.Date(2030, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) book(t *testing.T, who auth.Identity) *model.Appointment {
	t.Helper()
	appt, err := f.machine.Book(context.Background(), who, f.request())
	if err != nil {
		t.Fatalf("book for %s: %v", who.Subject, err)
	}
	return appt
}

func TestScenario_BookConfirmRejectCancelRebook(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	appt := f.book(t, alice)
	if appt.Status != model.AppointmentStatusPending {
		t.Fatalf("expected pending, got %s", appt.Status)
	}
	if !appt.EndsAt.Equal(appt.StartsAt.Add(30 * time.Minute)) {
		t.Fatalf("unexpected window %s - %s", appt.StartsAt, appt.EndsAt)
	}

	if _, err := f.machine.Confirm(ctx, alice, appt.ID, ""); !errors.Is(err, ErrCodeRequired) {
		t.Fatalf("expected ErrCodeRequired, got %v", err)
	}

	code, err := f.otp.Issue(ctx, alice.Email)
	if err != nil {
		t.Fatalf("issue otp: %v", err)
	}
	confirmed, err := f.machine.Confirm(ctx, alice, appt.ID, code)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != model.AppointmentStatusConfirmed || confirmed.ConfirmedAt == nil {
		t.Fatalf("expected confirmed with timestamp, got %+v", confirmed)
	}
	evs := f.events.ofKind(notify.KindBookingConfirmed)
	if len(evs) != 1 || evs[0].TargetIdentity != "alice" {
		t.Fatalf("expected one booking-confirmed for alice, got %+v", evs)
	}
	if evs[0].Service != "Consultation" {
		t.Fatalf("expected service name in event, got %q", evs[0].Service)
	}

	if _, err := f.machine.Book(ctx, bob, f.request()); !errors.Is(err, ledger.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	unavailable := f.events.ofKind(notify.KindSlotUnavailable)
	if len(unavailable) != 1 || unavailable[0].TargetIdentity != "bob" || unavailable[0].TargetResource != "" {
		t.Fatalf("expected slot-unavailable only for bob, got %+v", unavailable)
	}

	cancelled, err := f.machine.Cancel(ctx, alice, appt.ID, "changed plans")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.AppointmentStatusCancelled || cancelled.CancelReason != "changed plans" {
		t.Fatalf("unexpected cancelled appointment: %+v", cancelled)
	}
	if got := f.events.ofKind(notify.KindAppointmentCancelled); len(got) != 1 {
		t.Fatalf("expected one appointment-cancelled, got %d", len(got))
	}

	rebooked := f.book(t, bob)
	if rebooked.CustomerID != "bob" {
		t.Fatalf("expected bob's appointment, got %s", rebooked.CustomerID)
	}

	entries, err := f.audit.ListByAppointment(ctx, appt.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected created/confirmed/cancelled audit entries, got %d", len(entries))
	}
}

func TestCancel_TwiceIsInvalidTransition(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	appt := f.book(t, alice)
	if _, err := f.machine.Cancel(ctx, alice, appt.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	before, err := f.ledger.GetResource(ctx, f.resource.ID)
	if err != nil {
		t.Fatalf("get resource: %v", err)
	}

	if _, err := f.machine.Cancel(ctx, alice, appt.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	after, err := f.ledger.GetResource(ctx, f.resource.ID)
	if err != nil {
		t.Fatalf("get resource: %v", err)
	}
	if after.Version != before.Version {
		t.Fatalf("second cancel must not touch the ledger: version %d -> %d", before.Version, after.Version)
	}
	if got := f.events.ofKind(notify.KindAppointmentCancelled); len(got) != 1 {
		t.Fatalf("expected exactly one cancel event, got %d", len(got))
	}
}

func TestConfirm_WithoutOTPPolicy(t *testing.T) {
	f := newFixture(t, false)

	appt := f.book(t, alice)
	confirmed, err := f.machine.Confirm(context.Background(), alice, appt.ID, "")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != model.AppointmentStatusConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Status)
	}
}

func TestConfirm_WrongCodeKeepsPending(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	appt := f.book(t, alice)
	code, err := f.otp.Issue(ctx, alice.Email)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	if _, err := f.machine.Confirm(ctx, alice, appt.ID, wrong); !errors.Is(err, otp.ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
	got, err := f.machine.Get(ctx, alice, appt.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.AppointmentStatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
}

func TestExpire_IdempotentAndGuarded(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	appt := f.book(t, alice)

	if _, err := f.machine.Expire(ctx, appt.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected early expire to be rejected, got %v", err)
	}

	f.clock.Advance(15 * time.Minute)
	expired, err := f.machine.Expire(ctx, appt.ID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired.Status != model.AppointmentStatusCancelled {
		t.Fatalf("expected cancelled, got %s", expired.Status)
	}

	if _, err := f.machine.Expire(ctx, appt.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected stale expire to be a no-op, got %v", err)
	}
	if got := f.events.ofKind(notify.KindAppointmentCancelled); len(got) != 1 {
		t.Fatalf("expected one cancel event, got %d", len(got))
	}

	// Ёмкость освобождена.
	f.book(t, bob)
}

func TestExpire_IgnoresConfirmed(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	appt := f.book(t, alice)
	if _, err := f.machine.Confirm(ctx, alice, appt.ID, ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	f.clock.Advance(time.Hour)
	if _, err := f.machine.Expire(ctx, appt.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestConfirm_AfterWindowExpires(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	appt := f.book(t, alice)
	f.clock.Advance(16 * time.Minute)

	if _, err := f.machine.Confirm(ctx, alice, appt.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, err := f.machine.Get(ctx, alice, appt.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.AppointmentStatusCancelled {
		t.Fatalf("expected late confirm to expire the appointment, got %s", got.Status)
	}
}

func TestComplete_Guards(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	appt := f.book(t, alice)

	if _, err := f.machine.Complete(ctx, organiser, appt.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending must not complete, got %v", err)
	}
	if _, err := f.machine.Confirm(ctx, alice, appt.ID, ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := f.machine.Complete(ctx, organiser, appt.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected not-yet-ended rejection, got %v", err)
	}

	f.clock.Set(time.Date(2030, 3, 1, 10, 30, 0, 0, time.UTC))

	if _, err := f.machine.Complete(ctx, alice, appt.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("customer must not complete, got %v", err)
	}
	done, err := f.machine.Complete(ctx, organiser, appt.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != model.AppointmentStatusCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected completed appointment: %+v", done)
	}
	if _, err := f.machine.Cancel(ctx, organiser, appt.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed is terminal, got %v", err)
	}
	if got := f.events.ofKind(notify.KindAppointmentCompleted); len(got) != 1 {
		t.Fatalf("expected one completed event, got %d", len(got))
	}
}

func TestCancel_RoleGuards(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	appt := f.book(t, alice)

	if _, err := f.machine.Cancel(ctx, bob, appt.ID, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.machine.Get(ctx, bob, appt.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign appointment must look missing, got %v", err)
	}
	if _, err := f.machine.Cancel(ctx, organiser, appt.ID, "room closed"); err != nil {
		t.Fatalf("organiser cancel: %v", err)
	}
	if _, err := f.machine.Cancel(ctx, alice, uuid.New(), ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentConfirmAndCancel_OneWinner(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	appt := f.book(t, alice)

	var (
		wg         sync.WaitGroup
		confirmErr error
		cancelErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, confirmErr = f.machine.Confirm(ctx, alice, appt.ID, "")
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = f.machine.Cancel(ctx, alice, appt.ID, "")
	}()
	wg.Wait()

	got, err := f.machine.Get(ctx, alice, appt.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	switch got.Status {
	case model.AppointmentStatusCancelled:
		// отмена прошла; подтверждение либо проиграло, либо успело раньше
		if cancelErr != nil {
			t.Fatalf("cancel lost but status is cancelled: %v", cancelErr)
		}
		if confirmErr != nil && !errors.Is(confirmErr, ErrInvalidTransition) {
			t.Fatalf("unexpected confirm error: %v", confirmErr)
		}
	case model.AppointmentStatusConfirmed:
		if confirmErr != nil {
			t.Fatalf("confirm lost but status is confirmed: %v", confirmErr)
		}
		if !errors.Is(cancelErr, ErrInvalidTransition) {
			t.Fatalf("expected cancel to lose with ErrInvalidTransition, got %v", cancelErr)
		}
	default:
		t.Fatalf("unexpected status %s", got.Status)
	}
}

func TestRemind_OnlyOnce(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	appt := f.book(t, alice)
	if sent, err := f.machine.Remind(ctx, appt.ID); err != nil || sent {
		t.Fatalf("pending must not be reminded: sent=%v err=%v", sent, err)
	}
	if _, err := f.machine.Confirm(ctx, alice, appt.ID, ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	sent, err := f.machine.Remind(ctx, appt.ID)
	if err != nil || !sent {
		t.Fatalf("expected reminder: sent=%v err=%v", sent, err)
	}
	sent, err = f.machine.Remind(ctx, appt.ID)
	if err != nil || sent {
		t.Fatalf("second reminder must be skipped: sent=%v err=%v", sent, err)
	}
	if got := f.events.ofKind(notify.KindAppointmentReminder); len(got) != 1 {
		t.Fatalf("expected one reminder event, got %d", len(got))
	}
}

func TestBook_Validation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	req := f.request()
	req.ServiceID = uuid.New()
	if _, err := f.machine.Book(ctx, alice, req); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}

	req = f.request()
	req.Start = time.Date(2030, 3, 1, 7, 0, 0, 0, time.UTC)
	if _, err := f.machine.Book(ctx, alice, req); !errors.Is(err, ledger.ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
	if got := f.events.ofKind(notify.KindSlotUnavailable); len(got) != 0 {
		t.Fatalf("invalid window is not an availability event, got %d", len(got))
	}

	if _, err := f.machine.Book(ctx, auth.Identity{}, f.request()); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

// cancellingVerifier проверяет код, а затем отменяет запись до коммита подтверждения.
type cancellingVerifier struct {
	inner  CodeVerifier
	cancel func()
}

func (v cancellingVerifier) Check(ctx context.Context, email, code string) (uuid.UUID, error) {
	id, err := v.inner.Check(ctx, email, code)
	if err == nil {
		v.cancel()
	}
	return id, err
}

func (v cancellingVerifier) Consume(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return v.inner.Consume(ctx, tx, id)
}

func TestConfirm_LostRaceKeepsCodeUsable(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	appt := f.book(t, alice)
	code, err := f.otp.Issue(ctx, alice.Email)
	if err != nil {
		t.Fatalf("issue otp: %v", err)
	}

	racing := NewMachine(f.db, f.ledger, repository.NewGormServiceRepository(f.db), cancellingVerifier{
		inner: f.otp,
		cancel: func() {
			if _, err := f.machine.Cancel(ctx, organiser, appt.ID, "closed"); err != nil {
				t.Errorf("cancel: %v", err)
			}
		},
	}, f.events, f.clock, Config{ConfirmWindow: 15 * time.Minute}, obs.NewLogger("booking-test", "off"))

	if _, err := racing.Confirm(ctx, alice, appt.ID, code); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got := f.events.ofKind(notify.KindBookingConfirmed); len(got) != 0 {
		t.Fatalf("no confirmation event expected, got %d", len(got))
	}

	// Переход не состоялся, поэтому код не израсходован.
	if err := f.otp.Verify(ctx, alice.Email, code); err != nil {
		t.Fatalf("code must stay usable after a failed confirm: %v", err)
	}
}

func TestApply_ConflictExhaustion(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	appt := f.book(t, alice)

	// Каждая попытка видит запись, которую тут же меняет конкурент.
	attempts := 0
	_, err := f.machine.apply(ctx, alice, appt.ID, TriggerConfirm, model.AuditAppointmentConfirmed,
		func(a *model.Appointment, _ time.Time) error {
			attempts++
			return f.db.Model(&model.Appointment{}).
				Where("id = ?", a.ID).
				Update("version", gorm.Expr("version + 1")).Error
		},
		func(_ *model.Appointment, now time.Time) map[string]any {
			return map[string]any{"confirmed_at": now}
		},
		nil,
	)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if attempts != defaultMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", defaultMaxAttempts, attempts)
	}

	got, err := f.machine.Get(ctx, alice, appt.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.AppointmentStatusPending {
		t.Fatalf("expected pending after conflicts, got %s", got.Status)
	}

	entries, err := f.audit.ListByAppointment(ctx, appt.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	for _, e := range entries {
		if e.EventType == model.AuditAppointmentConfirmed {
			t.Fatalf("no confirmation must be audited after conflicts")
		}
	}
}

// Package scheduler выполняет переходы по времени: истечение окна подтверждения,
// автозавершение прошедших записей и напоминания.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"

	"github.com/Leganyst/reservation-core/internal/auth"
	"github.com/Leganyst/reservation-core/internal/booking"
	"github.com/Leganyst/reservation-core/internal/clock"
	"github.com/Leganyst/reservation-core/internal/model"
)

const batchSize = 100

// Finder — выборки записей, которым пора сменить статус.
type Finder interface {
	ListPendingExpired(ctx context.Context, now time.Time, limit int) ([]model.Appointment, error)
	ListConfirmedEnded(ctx context.Context, now time.Time, limit int) ([]model.Appointment, error)
	ListConfirmedStartingWithoutReminder(ctx context.Context, from, to time.Time, limit int) ([]model.Appointment, error)
}

// Transitions — переходы, которые запускает планировщик.
type Transitions interface {
	Expire(ctx context.Context, id uuid.UUID) (*model.Appointment, error)
	Complete(ctx context.Context, actor auth.Identity, id uuid.UUID) (*model.Appointment, error)
	Remind(ctx context.Context, id uuid.UUID) (bool, error)
}

type Config struct {
	Interval     time.Duration
	AutoComplete bool
	ReminderLead time.Duration
}

// Report — итог одного прохода.
type Report struct {
	Expired   int
	Completed int
	Reminded  int
}

type Sweeper struct {
	finder      Finder
	transitions Transitions
	clock       clock.Clock
	cfg         Config
	log         *log.Logger
}

func NewSweeper(finder Finder, transitions Transitions, clk clock.Clock, cfg Config, logger *log.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Sweeper{
		finder:      finder,
		transitions: transitions,
		clock:       clk,
		cfg:         cfg,
		log:         logger,
	}
}

// Run крутит Sweep по таймеру до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Errorf("sweep: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep — один проход. Устаревшие триггеры (запись уже подтверждена или
// отменена) пропускаются молча.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	now := s.clock.Now()

	pending, err := s.finder.ListPendingExpired(ctx, now, batchSize)
	if err != nil {
		return rep, err
	}
	for _, a := range pending {
		_, err := s.transitions.Expire(ctx, a.ID)
		if s.skip(err, "expire", a.ID) {
			continue
		}
		rep.Expired++
	}

	if s.cfg.AutoComplete {
		ended, err := s.finder.ListConfirmedEnded(ctx, now, batchSize)
		if err != nil {
			return rep, err
		}
		for _, a := range ended {
			_, err := s.transitions.Complete(ctx, auth.System, a.ID)
			if s.skip(err, "complete", a.ID) {
				continue
			}
			rep.Completed++
		}
	}

	if s.cfg.ReminderLead > 0 {
		upcoming, err := s.finder.ListConfirmedStartingWithoutReminder(ctx, now, now.Add(s.cfg.ReminderLead), batchSize)
		if err != nil {
			return rep, err
		}
		for _, a := range upcoming {
			sent, err := s.transitions.Remind(ctx, a.ID)
			if s.skip(err, "remind", a.ID) || !sent {
				continue
			}
			rep.Reminded++
		}
	}

	if rep != (Report{}) {
		s.log.Infoj(log.JSON{
			"msg":       "sweep done",
			"expired":   rep.Expired,
			"completed": rep.Completed,
			"reminded":  rep.Reminded,
		})
	}
	return rep, nil
}

func (s *Sweeper) skip(err error, op string, id uuid.UUID) bool {
	if err == nil {
		return false
	}
	if !errors.Is(err, booking.ErrInvalidTransition) {
		s.log.Warnf("%s appointment=%s: %v", op, id, err)
	}
	return true
}

// Package otp выдаёт и проверяет одноразовые шестизначные коды подтверждения.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/Leganyst/reservation-core/internal/clock"
	"github.com/Leganyst/reservation-core/internal/model"
	"github.com/Leganyst/reservation-core/internal/repository"
)

var (
	ErrNoChallenge = errors.New("NO_CHALLENGE")
	ErrExpired     = errors.New("EXPIRED")
	ErrMismatch    = errors.New("MISMATCH")
	// ErrThrottled — новый код запрошен раньше, чем истёк интервал повторной отправки.
	ErrThrottled    = errors.New("otp issuance throttled")
	ErrInvalidEmail = errors.New("subject email is required")
)

const codeDigits = 6

// Sender доставляет код субъекту (почта, СМС, брокер).
type Sender interface {
	SendCode(ctx context.Context, email, code string) error
}

type Config struct {
	TTL            time.Duration
	ResendInterval time.Duration
	MaxAttempts    int
	BcryptCost     int
}

type Issuer struct {
	db     *gorm.DB
	repo   *repository.GormOTPRepository
	sender Sender
	clock  clock.Clock
	cfg    Config
	log    *log.Logger
}

func NewIssuer(db *gorm.DB, sender Sender, clk clock.Clock, cfg Config, logger *log.Logger) *Issuer {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Issuer{
		db:     db,
		repo:   repository.NewGormOTPRepository(db),
		sender: sender,
		clock:  clk,
		cfg:    cfg,
		log:    logger,
	}
}

// Issue аннулирует живые коды субъекта и выдаёт новый. Ошибка доставки
// не отменяет выдачу: код остаётся действительным.
func (i *Issuer) Issue(ctx context.Context, email string) (string, error) {
	email = normalize(email)
	if email == "" {
		return "", ErrInvalidEmail
	}

	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), i.cfg.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}

	now := i.clock.Now()
	err = i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := i.repo.WithTx(tx)

		if i.cfg.ResendInterval > 0 {
			last, err := repo.Latest(ctx, email)
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
			case err != nil:
				return fmt.Errorf("load last challenge: %w", err)
			case now.Sub(last.IssuedAt) < i.cfg.ResendInterval:
				return ErrThrottled
			}
		}

		if err := repo.InvalidateLive(ctx, email, now); err != nil {
			return fmt.Errorf("invalidate challenges: %w", err)
		}
		return repo.Create(ctx, &model.OTPChallenge{
			SubjectEmail: email,
			CodeHash:     string(hash),
			IssuedAt:     now,
			ExpiresAt:    now.Add(i.cfg.TTL),
		})
	})
	if err != nil {
		return "", err
	}

	if i.sender != nil {
		if err := i.sender.SendCode(ctx, email, code); err != nil {
			i.log.Warnf("deliver otp to %s: %v", email, err)
		}
	}
	return code, nil
}

// Verify принимает код не более одного раза и только до истечения срока.
func (i *Issuer) Verify(ctx context.Context, email, code string) error {
	id, err := i.Check(ctx, email, code)
	if err != nil {
		return err
	}
	return i.Consume(ctx, i.db, id)
}

// Check сверяет код с живым вызовом субъекта, не используя его. Неверный код
// засчитывается как попытка; на пределе попыток вызов сгорает.
func (i *Issuer) Check(ctx context.Context, email, code string) (uuid.UUID, error) {
	email = normalize(email)

	ch, err := i.repo.LatestLive(ctx, email)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, ErrNoChallenge
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("load challenge: %w", err)
	}

	now := i.clock.Now()
	if !now.Before(ch.ExpiresAt) {
		return uuid.Nil, ErrExpired
	}

	if bcrypt.CompareHashAndPassword([]byte(ch.CodeHash), []byte(strings.TrimSpace(code))) != nil {
		attempts, err := i.repo.IncrementAttempts(ctx, ch.ID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("count attempt: %w", err)
		}
		if attempts >= i.cfg.MaxAttempts {
			if _, err := i.repo.Consume(ctx, ch.ID, now); err != nil {
				return uuid.Nil, fmt.Errorf("burn challenge: %w", err)
			}
			i.log.Warnf("otp for %s burned after %d attempts", email, attempts)
		}
		return uuid.Nil, ErrMismatch
	}
	return ch.ID, nil
}

// Consume помечает проверенный вызов использованным в транзакции tx.
// Откат tx возвращает код субъекту.
func (i *Issuer) Consume(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	ok, err := i.repo.WithTx(tx).Consume(ctx, id, i.clock.Now())
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	if !ok {
		// Параллельная проверка успела первой.
		return ErrNoChallenge
	}
	return nil
}

// LogSender пишет код в лог. Для локального запуска без брокера.
type LogSender struct {
	Log *log.Logger
}

func (s LogSender) SendCode(_ context.Context, email, code string) error {
	s.Log.Infof("otp for %s: %s", email, code)
	return nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

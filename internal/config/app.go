package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// App — конфигурация процесса целиком.
type App struct {
	DB DBConfig `ignored:"true"`

	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr string `envconfig:"GRPC_ADDR" default:":50051"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	OTP       OTPConfig       `ignored:"true"`
	Booking   BookingConfig   `ignored:"true"`
	Notify    NotifyConfig    `ignored:"true"`
	Scheduler SchedulerConfig `ignored:"true"`

	// Пустой URL — брокер не используется, коды уходят в лог.
	RabbitURL      string `envconfig:"RABBIT_URL"`
	EventsExchange string `envconfig:"EVENTS_EXCHANGE" default:"appointment.exchange"`

	OTelEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Env          string `envconfig:"ENV" default:"dev"`
}

type OTPConfig struct {
	TTL            time.Duration `envconfig:"OTP_TTL" default:"5m"`
	ResendInterval time.Duration `envconfig:"OTP_RESEND_INTERVAL" default:"30s"`
	MaxAttempts    int           `envconfig:"OTP_MAX_ATTEMPTS" default:"5"`
	BcryptCost     int           `envconfig:"OTP_BCRYPT_COST" default:"10"`
}

type BookingConfig struct {
	// Окно подтверждения PENDING-записи; сервис может переопределить своё.
	ConfirmWindow      time.Duration `envconfig:"BOOKING_CONFIRM_WINDOW" default:"15m"`
	MaxReserveAttempts int           `envconfig:"BOOKING_MAX_RESERVE_ATTEMPTS" default:"3"`
}

type NotifyConfig struct {
	DeliveryTimeout time.Duration `envconfig:"NOTIFY_DELIVERY_TIMEOUT" default:"2s"`
	Buffer          int           `envconfig:"NOTIFY_CONN_BUFFER" default:"16"`
}

type SchedulerConfig struct {
	Interval     time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"15s"`
	AutoComplete bool          `envconfig:"SCHEDULER_AUTO_COMPLETE" default:"true"`
	ReminderLead time.Duration `envconfig:"REMINDER_LEAD" default:"1h"`
}

func Load() (*App, error) {
	var c App
	// Вложенные секции разбираем отдельно: иначе envconfig добавит префикс поля к ключам.
	for _, section := range []any{&c, &c.OTP, &c.Booking, &c.Notify, &c.Scheduler} {
		if err := envconfig.Process("", section); err != nil {
			return nil, fmt.Errorf("process env: %w", err)
		}
	}
	db, err := LoadDBConfig()
	if err != nil {
		return nil, err
	}
	c.DB = *db

	if c.JWTSecret == "" {
		return nil, fmt.Errorf("invalid config: JWT_SECRET must not be empty")
	}
	if c.OTP.TTL <= 0 {
		return nil, fmt.Errorf("invalid config: OTP_TTL must be positive")
	}
	if c.Booking.ConfirmWindow <= 0 {
		return nil, fmt.Errorf("invalid config: BOOKING_CONFIRM_WINDOW must be positive")
	}
	return &c, nil
}

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/gommon/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/Leganyst/reservation-core/internal/auth"
	"github.com/Leganyst/reservation-core/internal/booking"
	"github.com/Leganyst/reservation-core/internal/clock"
	"github.com/Leganyst/reservation-core/internal/config"
	"github.com/Leganyst/reservation-core/internal/db"
	"github.com/Leganyst/reservation-core/internal/ledger"
	"github.com/Leganyst/reservation-core/internal/model"
	"github.com/Leganyst/reservation-core/internal/mq"
	"github.com/Leganyst/reservation-core/internal/notify"
	"github.com/Leganyst/reservation-core/internal/obs"
	"github.com/Leganyst/reservation-core/internal/otp"
	"github.com/Leganyst/reservation-core/internal/repository"
	"github.com/Leganyst/reservation-core/internal/scheduler"
	"github.com/Leganyst/reservation-core/internal/session"
	"github.com/Leganyst/reservation-core/internal/transport/httpapi"
)

const serviceName = "reservation-core"

func main() {
	// .env опционален: в контейнере всё приходит из окружения.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("load .env: %v", err)
	}

	// 1. Конфиг.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := obs.NewLogger("core", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Трейсинг.
	shutdownTracer, err := obs.InitTracer(ctx, serviceName, cfg.OTelEndpoint, cfg.Env)
	if err != nil {
		logger.Fatalf("init tracer: %v", err)
	}

	// 3. БД и миграции.
	gormDB, err := db.NewGormDB(&cfg.DB)
	if err != nil {
		logger.Fatalf("init db: %v", err)
	}
	if err := model.AutoMigrate(gormDB); err != nil {
		logger.Fatalf("auto migrate: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		logger.Fatalf("sql DB: %v", err)
	}
	defer sqlDB.Close()

	clk := clock.System{}

	// 4. Брокер: коды подтверждения и ретрансляция событий. Без него коды пишутся в лог.
	var (
		sender otp.Sender = otp.LogSender{Log: obs.NewLogger("otp", cfg.LogLevel)}
		relay  notify.Relay
	)
	if cfg.RabbitURL != "" {
		pub, err := mq.NewPublisher(cfg.RabbitURL, cfg.EventsExchange)
		if err != nil {
			logger.Fatalf("init rabbitmq: %v", err)
		}
		defer pub.Close()
		sender, relay = pub, pub
	}

	// 5. Ядро.
	issuer := otp.NewIssuer(gormDB, sender, clk, otp.Config{
		TTL:            cfg.OTP.TTL,
		ResendInterval: cfg.OTP.ResendInterval,
		MaxAttempts:    cfg.OTP.MaxAttempts,
		BcryptCost:     cfg.OTP.BcryptCost,
	}, obs.NewLogger("otp", cfg.LogLevel))

	registry := session.NewRegistry()
	notifier := notify.New(registry, notify.Config{DeliveryTimeout: cfg.Notify.DeliveryTimeout}, relay,
		obs.NewLogger("notify", cfg.LogLevel))
	registry.OnRemove(notifier.Forget)

	slotLedger := ledger.New(gormDB, clk, ledger.Config{MaxAttempts: cfg.Booking.MaxReserveAttempts},
		obs.NewLogger("ledger", cfg.LogLevel))

	serviceRepo := repository.NewGormServiceRepository(gormDB)
	machine := booking.NewMachine(gormDB, slotLedger, serviceRepo, issuer, notifier, clk, booking.Config{
		ConfirmWindow: cfg.Booking.ConfirmWindow,
	}, obs.NewLogger("booking", cfg.LogLevel))

	sweeper := scheduler.NewSweeper(repository.NewGormAppointmentRepository(gormDB), machine, clk, scheduler.Config{
		Interval:     cfg.Scheduler.Interval,
		AutoComplete: cfg.Scheduler.AutoComplete,
		ReminderLead: cfg.Scheduler.ReminderLead,
	}, obs.NewLogger("scheduler", cfg.LogLevel))
	go sweeper.Run(ctx)

	// 6. HTTP API + поток событий.
	api := httpapi.NewServer(httpapi.Deps{
		Bookings:     machine,
		Resources:    slotLedger,
		Services:     serviceRepo,
		OTP:          issuer,
		Sessions:     registry,
		Verifier:     auth.NewVerifier(cfg.JWTSecret),
		Log:          obs.NewLogger("http", cfg.LogLevel),
		Clock:        clk,
		StreamBuffer: cfg.Notify.Buffer,
	})
	e := api.Echo()
	go func() {
		logger.Infof("http server listening on %s", cfg.HTTPAddr)
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http serve: %v", err)
		}
	}()

	// 7. gRPC: health + reflection для оркестратора.
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatalf("listen %s: %v", cfg.GRPCAddr, err)
	}
	go func() {
		logger.Infof("grpc health server listening on %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatalf("grpc serve: %v", err)
		}
	}()

	// 8. Грейсфул-шатдаун по сигналу.
	<-ctx.Done()
	logger.Info("shutting down...")

	healthSrv.Shutdown()
	api.CloseStreams()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("http shutdown: %v", err)
	}
	grpcServer.GracefulStop()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Errorf("tracer shutdown: %v", err)
	}
}

package main // Entry point package

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-reservation/internal/booking"
	"github.com/iliyamo/tour-reservation/internal/config"
	"github.com/iliyamo/tour-reservation/internal/database"
	"github.com/iliyamo/tour-reservation/internal/gateway"
	"github.com/iliyamo/tour-reservation/internal/handler"
	"github.com/iliyamo/tour-reservation/internal/middleware"
	"github.com/iliyamo/tour-reservation/internal/notify"
	"github.com/iliyamo/tour-reservation/internal/queue"
	"github.com/iliyamo/tour-reservation/internal/repository"
	"github.com/iliyamo/tour-reservation/internal/router"
)

func main() {
	cfg := config.Load()
	log := config.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, database.Options{
		User: cfg.DBUser,
		Pass: cfg.DBPass,
		Host: cfg.DBHost,
		Port: cfg.DBPort,
		Name: cfg.DBName,
	})
	if err != nil {
		log.WithError(err).Fatal("database unavailable")
	}
	defer db.Close()

	gw, err := newGateway(cfg.Payment, log)
	if err != nil {
		log.WithError(err).Fatal("payment gateway")
	}

	var dispatcher booking.Dispatcher = notify.LogDispatcher{Log: log}
	if cfg.RabbitMQURL != "" {
		pub := queue.NewPublisher(cfg.RabbitMQURL, log)
		defer pub.Close()
		dispatcher = pub
		go func() {
			if err := queue.StartNotificationConsumer(ctx, cfg.RabbitMQURL, queue.FileDelivery(cfg.LogDir), log); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("notification consumer stopped")
			}
		}()
	} else {
		log.Warn("RABBITMQ_URL not set; notifications are only logged")
	}

	engine := booking.NewEngine(
		repository.NewMySQLStore(db),
		gw,
		booking.NewNotifier(dispatcher, notify.CSVExporter{Location: time.UTC}, log),
		log,
		booking.Options{
			Currency:   cfg.Payment.Currency,
			NotifyMode: booking.CascadeNotifyMode(cfg.Booking.CascadeNotifyMode),
		},
	)

	rdb := config.NewRedisClient(log)
	availability := middleware.NewAvailabilityCache(config.LoadCacheConfig(), rdb, log)
	invalidate := handler.Invalidator(availability.Invalidate)

	tours := repository.NewTourRepo(db)
	reservations := handler.NewReservationHandler(engine, repository.NewReservationRepo(db), invalidate, log)
	residents := handler.NewResidentHandler(engine, tours, repository.NewUserRepo(db), invalidate, log)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestLogger(log))
	router.RegisterRoutes(e, db)
	router.RegisterPublic(e, handler.NewPublicHandler(tours, log), availability.Middleware())
	router.RegisterUser(e, reservations, cfg.JWTSecret, middleware.NewBookingLimiter(config.LoadRateLimitConfig(), rdb, log))
	router.RegisterAdmin(e, reservations, cfg.JWTSecret)
	router.RegisterResident(e, residents, cfg.JWTSecret)
	router.RegisterWebhooks(e, handler.NewWebhookHandler(engine, gw, invalidate, log))

	addr := ":" + cfg.Port
	go func() {
		log.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env, "gateway": gw.Name()}).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server stopped")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
	}
}

func newGateway(p config.PaymentConfig, log *logrus.Logger) (gateway.Gateway, error) {
	retry := gateway.DefaultRetryPolicy()
	if p.RetryAttempts > 0 {
		retry.Attempts = p.RetryAttempts
	}
	if p.RetryBase > 0 {
		retry.BaseDelay = p.RetryBase
	}
	switch p.Provider {
	case "yookassa":
		return gateway.NewYooKassa(gateway.YooKassaConfig{
			ShopID:    p.ShopID,
			SecretKey: p.SecretKey,
			BaseURL:   p.BaseURL,
			ReturnURL: p.ReturnURL,
			Timeout:   p.Timeout,
			Retry:     retry,
		}, log)
	case "stripe":
		return gateway.NewStripe(gateway.StripeConfig{
			SecretKey:     p.SecretKey,
			WebhookSecret: p.WebhookSecret,
			Retry:         retry,
		}, log)
	}
	log.Warn("using the mock payment gateway")
	return gateway.NewMock(gateway.MockConfig{}), nil
}

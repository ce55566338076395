package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"payout-sync/app"
	"payout-sync/payout-api/api"
	"payout-sync/projection"
)

const conflictRetries = 3

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	app.ConfigureLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pc, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer pc.Close()
	if err := pc.RequireRedis(); err != nil {
		log.Fatal(err)
	}
	dispatcher, err := pc.Dispatcher(pc.Service())
	if err != nil {
		log.Fatalf("dispatcher: %v", err)
	}

	auth, err := newAuth(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.BodyLimitMiddleware(api.MaxBodySize))

	rc := pc.Redis
	broker := api.NewStatusBroker()
	go api.SubscribeUpdates(ctx, rc, cfg.ProjectionChannel, broker)
	api.Register(e, api.Deps{
		Dispatcher: dispatcher,
		Publisher:  pc.Publisher,
		Auth:       auth,
		Deduper:    api.NewRedisDeduper(rc, cfg.DeduperTTL),
		Projections: api.ProjectionFunc(func(ctx context.Context, subjectID string) (projection.Payout, error) {
			return projection.Get(ctx, rc, subjectID)
		}),
		Broker:          broker,
		ProviderTopic:   cfg.ProviderEventsTopic,
		ProviderScope:   cfg.ProviderScope,
		ConflictRetries: conflictRetries,
	}, log.StandardLogger())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown")
		}
	}()

	log.WithField("addr", cfg.ListenAddr).Info("payout api listening")
	if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func newAuth(cfg app.Config) (*api.Auth, error) {
	var issuer string
	if cfg.AuthDomain != "" {
		issuer = "https://" + cfg.AuthDomain + "/"
	}
	if cfg.LocalAuthSecret != "" {
		return api.NewLocalAuth([]byte(cfg.LocalAuthSecret), cfg.AuthAudience, issuer)
	}
	if cfg.AuthAudience == "" || cfg.AuthDomain == "" {
		return nil, errors.New("AUTH_AUDIENCE and AUTH_DOMAIN are required without LOCAL_AUTH_SECRET")
	}
	jwks, err := keyfunc.Get(fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.AuthDomain), keyfunc.Options{
		RefreshInterval: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.AuthAudience, issuer), nil
}

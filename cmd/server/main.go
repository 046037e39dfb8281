package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Bogeun-Kim/habit-stacker/internal/app"
	"github.com/Bogeun-Kim/habit-stacker/internal/config"
	"github.com/Bogeun-Kim/habit-stacker/internal/httpapi"
	"github.com/Bogeun-Kim/habit-stacker/internal/httpapi/handlers"
	"github.com/Bogeun-Kim/habit-stacker/internal/logger"
	"github.com/Bogeun-Kim/habit-stacker/internal/store/rabbitmq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", "error", err)
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, "api")
	if err != nil {
		log.Fatal("startup failed", "error", err)
	}

	// the async endpoint answers 503 while the broker is unreachable
	var jobs handlers.JobPublisher
	pub, err := rabbitmq.NewPublisher(ctx, cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Warn("rabbitmq unavailable, async chat disabled", "error", err)
	} else {
		defer pub.Close()
		jobs = pub
	}

	h := handlers.NewHandler(a.Services.Users, a.Services.Challenges, a.Services.Chat, a.Media, jobs, handlers.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		TokenTTL:       cfg.TokenTTL,
		SecureCookie:   cfg.Production(),
	}, log)
	r := httpapi.NewRouter(h, a.Redis, httpapi.RouterConfig{
		ServiceName:    "habit-stacker-api",
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins(),
		MediaPath:      a.MediaRoute(),
	}, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	a.Close(shutdownCtx)
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Bogeun-Kim/habit-stacker/internal/app"
	"github.com/Bogeun-Kim/habit-stacker/internal/config"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, "worker")
	if err != nil {
		log.Fatal("startup failed", "error", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()

	consumer, err := rabbitmq.NewConsumer(ctx, cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency, log)
	if err != nil {
		log.Error("rabbitmq connect failed", "error", err)
		return
	}
	defer consumer.Close()

	if err := consumer.Run(ctx, a.Services.Chat.RunJob); err != nil {
		log.Error("worker stopped", "error", err)
	}
}

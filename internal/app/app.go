package app

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/Bogeun-Kim/habit-stacker/internal/ai"
	"github.com/Bogeun-Kim/habit-stacker/internal/assistant"
	"github.com/Bogeun-Kim/habit-stacker/internal/challenge"
	"github.com/Bogeun-Kim/habit-stacker/internal/chat"
	"github.com/Bogeun-Kim/habit-stacker/internal/config"
	"github.com/Bogeun-Kim/habit-stacker/internal/db"
	"github.com/Bogeun-Kim/habit-stacker/internal/logger"
	"github.com/Bogeun-Kim/habit-stacker/internal/media"
	"github.com/Bogeun-Kim/habit-stacker/internal/observability"
	"github.com/Bogeun-Kim/habit-stacker/internal/store/redisstore"
	"github.com/Bogeun-Kim/habit-stacker/internal/users"
)

// Services is everything the API server and the worker share.
type Services struct {
	Users      *users.Service
	Challenges *challenge.Service
	Chat       *chat.Service
}

type App struct {
	Cfg      config.Config
	Log      *logger.Logger
	DB       *gorm.DB
	Redis    *redisstore.Store
	Media    *media.Store
	Services Services

	shutdownOtel func(context.Context) error
}

// New connects every backing store and wires the services. component names
// the process in logs and traces.
func New(ctx context.Context, cfg config.Config, log *logger.Logger, component string) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	a.shutdownOtel = observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:     cfg.OtelEnabled,
		ServiceName: "habit-stacker-" + component,
		Environment: cfg.AppEnv,
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		SampleRatio: cfg.OtelSample,
	})

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, errors.Wrap(err, "migrate")
	}
	a.DB = gdb

	a.Redis = redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := a.Redis.Ping(ctx); err != nil {
		return nil, errors.Wrapf(err, "redis ping %s", cfg.RedisAddr)
	}

	a.Media, err = media.Open(ctx, cfg.MediaBucketURL, cfg.MediaPublicURL)
	if err != nil {
		return nil, err
	}

	vision, err := ai.NewDefaultRegistry(ai.Settings{
		OpenAIBaseURL:     cfg.OpenAIBaseURL,
		OpenAIAPIKey:      cfg.OpenAIAPIKey,
		OpenRouterBaseURL: cfg.OpenRouterBaseURL,
		OpenRouterAPIKey:  cfg.OpenRouterAPIKey,
		OpenRouterSiteURL: cfg.OpenRouterSiteURL,
		OpenRouterAppName: cfg.OpenRouterAppName,
		OllamaBaseURL:     cfg.OllamaBaseURL,
	}).Get(ctx, cfg.VisionProvider, cfg.VisionModel)
	if err != nil {
		return nil, errors.Wrap(err, "vision provider")
	}

	a.Services.Users = users.NewService(gdb, a.Redis, cfg.JWTSecret, cfg.TokenTTL, log)
	a.Services.Challenges = challenge.NewService(gdb, a.Media, log)
	a.Services.Chat = chat.NewService(
		chat.NewRepo(gdb),
		assistant.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey),
		a.Redis,
		vision,
		a.Media,
		a.Services.Challenges,
		log,
		chat.Options{
			AssistantModel: cfg.AssistantModel,
			Poll:           assistant.DefaultPollConfig(cfg.AssistantRunTimeout),
		},
	)

	log.Info("app wired",
		"component", component,
		"db_driver", cfg.DBDriver,
		"vision_provider", cfg.VisionProvider,
		"vision_model", cfg.VisionModel,
		"assistant_model", cfg.AssistantModel,
	)
	return a, nil
}

// MediaRoute is the router prefix for media when the public URL is a local path.
func (a *App) MediaRoute() string {
	if strings.HasPrefix(a.Cfg.MediaPublicURL, "/") {
		return strings.TrimRight(a.Cfg.MediaPublicURL, "/")
	}
	return "/media"
}

func (a *App) Close(ctx context.Context) {
	if a.Media != nil {
		_ = a.Media.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if err := a.shutdownOtel(ctx); err != nil {
		a.Log.Warn("otel shutdown failed", "error", err)
	}
}

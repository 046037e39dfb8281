package httpapi

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/Bogeun-Kim/habit-stacker/internal/common"
	"github.com/Bogeun-Kim/habit-stacker/internal/httpapi/handlers"
	"github.com/Bogeun-Kim/habit-stacker/internal/httpapi/middleware"
	"github.com/Bogeun-Kim/habit-stacker/internal/logger"
)

type RouterConfig struct {
	ServiceName    string
	JWTSecret      string
	AllowedOrigins []string
	MediaPath      string // route prefix for stored media, "/media" by default
}

func NewRouter(h *handlers.Handler, revoked middleware.RevocationChecker, cfg RouterConfig, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	if cfg.ServiceName == "" {
		cfg.ServiceName = "habit-stacker"
	}
	if cfg.MediaPath == "" {
		cfg.MediaPath = "/media"
	}

	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(log))
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.NoRoute(func(c *gin.Context) {
		common.Abort(c, common.ErrRouteNotFound)
	})
	r.NoMethod(func(c *gin.Context) {
		common.Abort(c, common.ErrMethodNotAllowed)
	})

	authRequired := middleware.AuthRequired(cfg.JWTSecret, revoked)
	optionalAuth := middleware.OptionalAuth(cfg.JWTSecret, revoked)

	r.GET("/ping", h.Ping)
	r.GET(cfg.MediaPath+"/*key", h.ServeMedia)

	api := r.Group("/api")

	// accounts
	api.POST("/signup", h.Signup)
	api.POST("/login", h.Login)
	api.POST("/logout", authRequired, h.Logout)
	api.GET("/me", authRequired, h.Me)
	api.GET("/users/:user_id/challenges", authRequired, h.UserChallenges)

	// challenges
	api.GET("/challenges", h.ListChallenges)
	api.GET("/challenges/popular", h.PopularChallenges)
	api.POST("/challenges", authRequired, h.CreateChallenge)
	api.GET("/challenges/:id", optionalAuth, h.GetChallenge)
	api.PUT("/challenges/:id", authRequired, h.UpdateChallenge)
	api.POST("/challenges/:id/join", authRequired, h.JoinChallenge)

	// per-challenge chat and verification
	ch := api.Group("/challenge")
	ch.POST("/chat", authRequired, h.SendChat)
	ch.POST("/chat/", authRequired, h.SendChat)
	ch.POST("/chat/async", authRequired, h.SendChatAsync)
	ch.GET("/chat/jobs/:job_id", authRequired, h.GetChatJob)
	ch.GET("/:id/chat-history", authRequired, h.ChatHistory)
	ch.GET("/:id/chat-history/:user_id", authRequired, h.ChatHistory)

	ch.GET("/:id/authentications", h.ListAuthentications)
	ch.GET("/:id/my-authentications", authRequired, h.MyAuthentications)
	ch.POST("/:id/authentications", authRequired, h.SubmitAuthentication)
	ch.PUT("/:id/authentications/:index", authRequired, h.EditAuthentication)
	ch.GET("/:id/authentications/:user_id/:index", authRequired, h.GetAuthentication)
	ch.GET("/:id/authentications/:user_id/:index/comments", authRequired, h.ListComments)
	ch.POST("/:id/authentications/:user_id/:index/comments", authRequired, h.AddComment)

	return r
}

package handlers

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Bogeun-Kim/habit-stacker/internal/challenge"
	"github.com/Bogeun-Kim/habit-stacker/internal/chat"
	"github.com/Bogeun-Kim/habit-stacker/internal/common"
	"github.com/Bogeun-Kim/habit-stacker/internal/httpapi/middleware"
	"github.com/Bogeun-Kim/habit-stacker/internal/logger"
	"github.com/Bogeun-Kim/habit-stacker/internal/media"
	"github.com/Bogeun-Kim/habit-stacker/internal/users"
)

// JobPublisher enqueues chat jobs for the worker.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Options struct {
	MaxUploadBytes int64
	TokenTTL       time.Duration
	SecureCookie   bool
}

type Handler struct {
	Users      *users.Service
	Challenges *challenge.Service
	Chat       *chat.Service
	Media      *media.Store
	Jobs       JobPublisher // nil disables the async endpoint
	Opts       Options
	log        *logger.Logger
}

func NewHandler(u *users.Service, c *challenge.Service, ch *chat.Service, m *media.Store, jobs JobPublisher, opts Options, log *logger.Logger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	return &Handler{
		Users:      u,
		Challenges: c,
		Chat:       ch,
		Media:      m,
		Jobs:       jobs,
		Opts:       opts,
		log:        log.With("component", "http"),
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"message": "pong"})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// mustUserID aborts with 401 when the caller is anonymous.
func mustUserID(c *gin.Context) (uint64, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Abort(c, common.ErrUnauthorized)
	}
	return uid, ok
}

func parseID(c *gin.Context, name string, notFound error) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		common.Abort(c, notFound)
		return 0, false
	}
	return id, true
}

func parseIndex(c *gin.Context) (int, bool) {
	n, err := strconv.Atoi(c.Param("index"))
	if err != nil || n < 1 {
		common.Abort(c, common.ErrAuthenticationNotFound)
		return 0, false
	}
	return n, true
}

// parsePage reads ?page=, defaulting to 1. Anything but a positive integer is rejected.
func parsePage(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("page"))
	if raw == "" {
		return 1, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		common.Abort(c, common.ErrInvalidInput)
		return 0, false
	}
	return n, true
}

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "multipart/form-data")
}

// readUpload returns the bytes of an optional multipart file field, or nil when absent.
func (h *Handler) readUpload(c *gin.Context, field string) ([]byte, error) {
	fh, err := c.FormFile(field)
	if err == http.ErrMissingFile {
		return nil, nil
	}
	if err != nil {
		return nil, common.ErrInvalidInput.Wrap(err)
	}
	return h.readFile(fh)
}

func (h *Handler) readFile(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > h.Opts.MaxUploadBytes {
		return nil, common.ErrUploadTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return nil, common.ErrInvalidInput.Wrap(err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.Opts.MaxUploadBytes+1))
	if err != nil {
		return nil, common.ErrInvalidInput.Wrap(err)
	}
	if int64(len(data)) > h.Opts.MaxUploadBytes {
		return nil, common.ErrUploadTooLarge
	}
	return data, nil
}

func (h *Handler) mediaURL(key string) *string {
	if key == "" {
		return nil
	}
	u := h.Media.URL(key)
	return &u
}

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Bogeun-Kim/habit-stacker/internal/chat"
	"github.com/Bogeun-Kim/habit-stacker/internal/common"
)

const maxIdempotencyKeyLen = 128

type chatReq struct {
	ChallengeID json.Number `json:"challenge_id"`
	Message     string      `json:"message"`
}

// bindChatTurn reads a chat turn from a JSON or multipart body.
func (h *Handler) bindChatTurn(c *gin.Context, uid uint64) (chat.TurnInput, bool) {
	in := chat.TurnInput{UserID: uid}
	var rawID string

	switch {
	case c.ContentType() == "application/json":
		var req chatReq
		if err := c.ShouldBindJSON(&req); err != nil {
			common.Abort(c, common.ErrInvalidJSON)
			return in, false
		}
		rawID, in.Text = req.ChallengeID.String(), req.Message
	case isMultipart(c):
		rawID, in.Text = c.PostForm("challenge_id"), c.PostForm("message")
		img, err := h.readUpload(c, "image")
		if err != nil {
			common.Abort(c, err)
			return in, false
		}
		in.Image = img
	default:
		common.Abort(c, common.ErrUnsupportedContent)
		return in, false
	}

	rawID = strings.TrimSpace(rawID)
	if rawID == "" {
		common.Abort(c, common.ErrChallengeIDRequired)
		return in, false
	}
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil || id == 0 {
		common.Abort(c, common.ErrInvalidInput)
		return in, false
	}
	in.ChallengeID = id
	return in, true
}

// SendChat answers with two NDJSON lines: the stored user message, then the
// AI reply. When the AI step fails the second line is an error body.
func (h *Handler) SendChat(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	in, ok := h.bindChatTurn(c, uid)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	turn, err := h.Chat.AcceptTurn(ctx, in)
	if err != nil {
		common.Abort(c, err)
		return
	}

	c.Header("Content-Type", "application/x-ndjson; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	writeLine := func(v any) {
		if err := enc.Encode(v); err != nil {
			h.log.Warn("ndjson write failed", "error", err)
		}
		c.Writer.Flush()
	}

	writeLine(h.Chat.Item(turn.UserMessage, turn.User.Username))

	reply, err := h.Chat.CompleteTurn(ctx, turn)
	if err != nil {
		ae := common.AsAppError(err)
		h.log.Error("chat turn failed",
			"challenge_id", in.ChallengeID, "user_id", uid, "code", ae.Code, "error", err)
		writeLine(common.ErrorBody(ae))
		return
	}
	writeLine(h.Chat.Item(reply, turn.User.Username))
}

func jobJSON(j *chat.Job) gin.H {
	return gin.H{
		"id":                j.ID,
		"challenge_id":      j.ChallengeID,
		"user_message_id":   j.UserMessageID,
		"status":            j.Status,
		"attempts":          j.Attempts,
		"result_message_id": j.ResultMessageID,
		"error":             j.Error,
		"created_at":        j.CreatedAt,
		"updated_at":        j.UpdatedAt,
	}
}

// SendChatAsync accepts a turn and queues the AI step for the worker.
// A repeated Idempotency-Key returns the original job without accepting again.
func (h *Handler) SendChatAsync(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > maxIdempotencyKeyLen {
		common.Abort(c, common.ErrInvalidInput)
		return
	}
	var keyPtr *string
	if idempoKey != "" {
		keyPtr = &idempoKey
		existing, err := h.Chat.JobByKey(ctx, uid, idempoKey)
		if err != nil {
			common.Abort(c, err)
			return
		}
		if existing != nil {
			h.resumeJob(c, uid, existing)
			return
		}
	}

	in, ok := h.bindChatTurn(c, uid)
	if !ok {
		return
	}
	if h.Jobs == nil {
		common.Abort(c, common.ErrEnqueueFailed)
		return
	}

	turn, err := h.Chat.AcceptTurn(ctx, in)
	if err != nil {
		common.Abort(c, err)
		return
	}
	job, created, err := h.Chat.CreateJob(ctx, turn, keyPtr)
	if err != nil {
		common.Abort(c, err)
		return
	}

	// enqueue only when a new job was created
	if created && !h.publish(c, uid, job) {
		return
	}

	common.JSON(c, http.StatusAccepted, gin.H{
		"job_id":       job.ID,
		"job":          jobJSON(job),
		"user_message": h.Chat.Item(turn.UserMessage, turn.User.Username),
	})
}

// resumeJob answers a repeated Idempotency-Key. A job whose publish failed is
// reopened and published again; any other job is returned as is.
func (h *Handler) resumeJob(c *gin.Context, uid uint64, job *chat.Job) {
	if h.Jobs != nil {
		reopened, err := h.Chat.Requeue(c.Request.Context(), job)
		if err != nil {
			common.Abort(c, err)
			return
		}
		if reopened {
			if !h.publish(c, uid, job) {
				return
			}
			common.JSON(c, http.StatusAccepted, gin.H{"job_id": job.ID, "job": jobJSON(job)})
			return
		}
	}
	common.OK(c, gin.H{"job_id": job.ID, "job": jobJSON(job)})
}

// publish enqueues job. On failure the job is marked failed and the
// response is already written.
func (h *Handler) publish(c *gin.Context, uid uint64, job *chat.Job) bool {
	ctx := c.Request.Context()
	if err := h.Jobs.PublishJob(ctx, job.ID); err != nil {
		h.log.Error("publish job failed", "job_id", job.ID, "user_id", uid, "error", err)
		h.Chat.EnqueueFailed(ctx, job.ID, err)
		common.Abort(c, common.ErrEnqueueFailed.Wrap(err))
		return false
	}
	return true
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	j, err := h.Chat.GetJob(c.Request.Context(), uid, c.Param("job_id"))
	if err != nil {
		common.Abort(c, err)
		return
	}
	common.OK(c, gin.H{"job": jobJSON(j)})
}

// ChatHistory serves both history routes. With :user_id the caller may only
// read their own conversation.
func (h *Handler) ChatHistory(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", common.ErrChallengeNotFound)
	if !ok {
		return
	}
	if c.Param("user_id") != "" {
		owner, ok := parseID(c, "user_id", common.ErrUserNotFound)
		if !ok {
			return
		}
		if owner != uid {
			common.Abort(c, common.ErrForbidden)
			return
		}
	}
	page, ok := parsePage(c)
	if !ok {
		return
	}

	history, err := h.Chat.History(c.Request.Context(), id, uid, page)
	if err != nil {
		common.Abort(c, err)
		return
	}
	common.OK(c, gin.H{"history": history, "page": page})
}

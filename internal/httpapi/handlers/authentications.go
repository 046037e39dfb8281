package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Bogeun-Kim/habit-stacker/internal/challenge"
	"github.com/Bogeun-Kim/habit-stacker/internal/common"
	"github.com/Bogeun-Kim/habit-stacker/internal/media"
	"github.com/Bogeun-Kim/habit-stacker/internal/models"
)

// fileURL is the public media URL, or a data URL of the stored image when inline is set.
func (h *Handler) fileURL(ctx context.Context, key string, inline bool) *string {
	if key == "" {
		return nil
	}
	if inline {
		data, ct, err := h.Media.Read(ctx, key)
		if err == nil {
			u := media.DataURL(ct, data)
			return &u
		}
		h.log.Warn("inline media unreadable", "key", key, "error", err)
	}
	return h.mediaURL(key)
}

func (h *Handler) authenticationJSON(ctx context.Context, a *models.Authentication, username string, inline bool) gin.H {
	return gin.H{
		"user":       username,
		"user_id":    a.UserID,
		"text":       a.Text,
		"file_url":   h.fileURL(ctx, a.FileKey, inline),
		"created_at": a.CreatedAt,
		"index":      a.Seq,
	}
}

func (h *Handler) authenticationList(c *gin.Context, rows []challenge.AuthenticationRow) []gin.H {
	inline := c.Query("inline") == "1"
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, h.authenticationJSON(c.Request.Context(), &rows[i].Authentication, rows[i].Username, inline))
	}
	return out
}

func (h *Handler) ListAuthentications(c *gin.Context) {
	id, ok := parseID(c, "id", common.ErrChallengeNotFound)
	if !ok {
		return
	}
	rows, err := h.Challenges.ListAuthentications(c.Request.Context(), id, 0)
	if err != nil {
		common.Abort(c, err)
		return
	}
	common.OK(c, gin.H{"authentications": h.authenticationList(c, rows)})
}

func (h *Handler) MyAuthentications(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", common.ErrChallengeNotFound)
	if !ok {
		return
	}
	rows, err := h.Challenges.ListAuthentications(c.Request.Context(), id, uid)
	if err != nil {
		common.Abort(c, err)
		return
	}
	common.OK(c, gin.H{"authentications": h.authenticationList(c, rows)})
}

func (h *Handler) SubmitAuthentication(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", common.ErrChallengeNotFound)
	if !ok {
		return
	}
	if !isMultipart(c) {
		common.Abort(c, common.ErrUnsupportedContent)
		return
	}
	img, err := h.readUpload(c, "file")
	if err != nil {
		common.Abort(c, err)
		return
	}
	a, err := h.Challenges.SubmitAuthenticationUpload(c.Request.Context(), id, uid, c.PostForm("text"), img)
	if err != nil {
		common.Abort(c, err)
		return
	}
	u, err := h.Users.Get(c.Request.Context(), uid)
	if err != nil {
		common.Abort(c, err)
		return
	}
	common.JSON(c, http.StatusCreated, gin.H{
		"authentication": h.authenticationJSON(c.Request.Context(), a, u.Username, false),
	})
}

func (h *Handler) EditAuthentication(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", common.ErrChallengeNotFound)
	if !ok {
		return
	}
	seq, ok := parseIndex(c)
	if !ok {
		return
	}
	if !isMultipart(c) {
		common.Abort(c, common.ErrUnsupportedContent)
		return
	}
	img, err := h.readUpload(c, "new_image")
	if err != nil {
		common.Abort(c, err)
		return
	}
	a, err := h.Challenges.EditAuthentication(c.Request.Context(), id, uid, seq, c.PostForm("text"), img)
	if err != nil {
		common.Abort(c, err)
		return
	}
	u, err := h.Users.Get(c.Request.Context(), uid)
	if err != nil {
		common.Abort(c, err)
		return
	}
	common.OK(c, gin.H{"authentication": h.authenticationJSON(c.Request.Context(), a, u.Username, false)})
}

func (h *Handler) GetAuthentication(c *gin.Context) {
	id, ok := parseID(c, "id", common.ErrChallengeNotFound)
	if !ok {
		return
	}
	owner, ok := parseID(c, "user_id", common.ErrUserNotFound)
	if !ok {
		return
	}
	seq, ok := parseIndex(c)
	if !ok {
		return
	}
	row, err := h.Challenges.GetAuthentication(c.Request.Context(), id, owner, seq)
	if err != nil {
		common.Abort(c, err)
		return
	}
	common.OK(c, gin.H{
		"authentication": h.authenticationJSON(c.Request.Context(), &row.Authentication, row.Username, c.Query("inline") == "1"),
	})
}

func commentJSON(r *challenge.CommentRow) gin.H {
	return gin.H{
		"id":           r.ID,
		"comment_user": r.CommentUser,
		"commenter_id": r.CommenterID,
		"text":         r.Text,
		"created_at":   r.CreatedAt,
	}
}

func (h *Handler) ListComments(c *gin.Context) {
	id, ok := parseID(c, "id", common.ErrChallengeNotFound)
	if !ok {
		return
	}
	owner, ok := parseID(c, "user_id", common.ErrUserNotFound)
	if !ok {
		return
	}
	seq, ok := parseIndex(c)
	if !ok {
		return
	}
	rows, err := h.Challenges.ListComments(c.Request.Context(), id, owner, seq)
	if err != nil {
		common.Abort(c, err)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, commentJSON(&rows[i]))
	}
	common.OK(c, gin.H{"comments": out})
}

type commentReq struct {
	Text string `json:"text" form:"text"`
}

func (h *Handler) AddComment(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", common.ErrChallengeNotFound)
	if !ok {
		return
	}
	owner, ok := parseID(c, "user_id", common.ErrUserNotFound)
	if !ok {
		return
	}
	seq, ok := parseIndex(c)
	if !ok {
		return
	}
	var req commentReq
	if err := c.ShouldBind(&req); err != nil {
		common.Abort(c, common.ErrInvalidJSON)
		return
	}
	row, err := h.Challenges.AddComment(c.Request.Context(), id, owner, seq, uid, req.Text)
	if err != nil {
		common.Abort(c, err)
		return
	}
	common.JSON(c, http.StatusCreated, gin.H{"comment": commentJSON(row)})
}

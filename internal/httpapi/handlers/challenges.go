package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Bogeun-Kim/habit-stacker/internal/challenge"
	"github.com/Bogeun-Kim/habit-stacker/internal/common"
	"github.com/Bogeun-Kim/habit-stacker/internal/models"
)

func (h *Handler) challengeJSON(ch *models.Challenge) gin.H {
	return gin.H{
		"id":          ch.ID,
		"category":    ch.Category,
		"title":       ch.Title,
		"description": ch.Description,
		"duration":    ch.Duration,
		"image_url":   h.mediaURL(ch.ImageKey),
		"creator_id":  ch.CreatorID,
		"created_at":  ch.CreatedAt,
		"updated_at":  ch.UpdatedAt,
	}
}

// bindChallenge accepts JSON or multipart with an optional "image" file.
func (h *Handler) bindChallenge(c *gin.Context) (challenge.Input, bool) {
	var in challenge.Input
	if isMultipart(c) {
		if err := c.ShouldBind(&in); err != nil {
			common.Abort(c, common.ErrInvalidInput)
			return in, false
		}
		img, err := h.readUpload(c, "image")
		if err != nil {
			common.Abort(c, err)
			return in, false
		}
		in.Image = img
		return in, true
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		common.Abort(c, common.ErrInvalidJSON)
		return in, false
	}
	return in, true
}

func (h *Handler) ListChallenges(c *gin.Context) {
	page, ok := parsePage(c)
	if !ok {
		return
	}
	list, total, err := h.Challenges.List(c.Request.Context(), page, c.Query("q"))
	if err != nil {
		common.Abort(c, err)
		return
	}
	items := make([]gin.H, 0, len(list))
	for i := range list {
		items = append(items, h.challengeJSON(&list[i]))
	}
	common.OK(c, gin.H{
		"challenges": items,
		"page":       page,
		"page_size":  challenge.PageSize,
		"total":      total,
	})
}

func (h *Handler) PopularChallenges(c *gin.Context) {
	list, err := h.Challenges.Popular(c.Request.Context())
	if err != nil {
		common.Abort(c, err)
		return
	}
	items := make([]gin.H, 0, len(list))
	for i := range list {
		it := h.challengeJSON(&list[i].Challenge)
		it["participants_count"] = list[i].ParticipantsCount
		items = append(items, it)
	}
	common.OK(c, gin.H{"challenges": items})
}

func (h *Handler) CreateChallenge(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	in, ok := h.bindChallenge(c)
	if !ok {
		return
	}
	ch, err := h.Challenges.Create(c.Request.Context(), uid, in)
	if err != nil {
		common.Abort(c, err)
		return
	}
	common.JSON(c, http.StatusCreated, gin.H{"challenge": h.challengeJSON(ch)})
}

func (h *Handler) GetChallenge(c *gin.Context) {
	id, ok := parseID(c, "id", common.ErrChallengeNotFound)
	if !ok {
		return
	}
	viewer, _ := userIDFromContext(c)
	detail, joined, err := h.Challenges.Detail(c.Request.Context(), id, viewer)
	if err != nil {
		common.Abort(c, err)
		return
	}
	out := h.challengeJSON(&detail.Challenge)
	out["participants_count"] = detail.ParticipantsCount
	out["is_participant"] = joined
	common.OK(c, gin.H{"challenge": out})
}

func (h *Handler) UpdateChallenge(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", common.ErrChallengeNotFound)
	if !ok {
		return
	}
	in, ok := h.bindChallenge(c)
	if !ok {
		return
	}
	ch, err := h.Challenges.Update(c.Request.Context(), id, uid, in)
	if err != nil {
		common.Abort(c, err)
		return
	}
	common.OK(c, gin.H{"challenge": h.challengeJSON(ch)})
}

func (h *Handler) JoinChallenge(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", common.ErrChallengeNotFound)
	if !ok {
		return
	}
	p, created, err := h.Challenges.Join(c.Request.Context(), id, uid)
	if err != nil {
		common.Abort(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	common.JSON(c, status, gin.H{"participant": p, "joined": created})
}

// UserChallenges lists the challenges a user joined. Only the caller's own list is visible.
func (h *Handler) UserChallenges(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	target, ok := parseID(c, "user_id", common.ErrUserNotFound)
	if !ok {
		return
	}
	if target != uid {
		common.Abort(c, common.ErrForbidden)
		return
	}
	list, err := h.Challenges.UserChallenges(c.Request.Context(), uid)
	if err != nil {
		common.Abort(c, err)
		return
	}
	common.OK(c, gin.H{"challenges": list})
}

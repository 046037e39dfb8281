package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Bogeun-Kim/habit-stacker/internal/common"
	"github.com/Bogeun-Kim/habit-stacker/internal/httpapi/middleware"
	"github.com/Bogeun-Kim/habit-stacker/internal/models"
	"github.com/Bogeun-Kim/habit-stacker/internal/users"
)

func userJSON(u *models.User) gin.H {
	return gin.H{
		"id":         u.ID,
		"email":      u.Email,
		"username":   u.Username,
		"created_at": u.CreatedAt,
	}
}

func (h *Handler) setTokenCookie(c *gin.Context, token string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.TokenCookie, token, maxAge, "/", "", h.Opts.SecureCookie, true)
}

func (h *Handler) sessionResponse(c *gin.Context, status int, s *users.Session) {
	h.setTokenCookie(c, s.Token, int(time.Until(s.ExpiresAt).Seconds()))
	common.JSON(c, status, gin.H{
		"user":       userJSON(s.User),
		"token":      s.Token,
		"expires_at": s.ExpiresAt,
	})
}

func (h *Handler) Signup(c *gin.Context) {
	var in users.SignupInput
	if err := c.ShouldBind(&in); err != nil {
		common.Abort(c, common.ErrInvalidJSON)
		return
	}
	sess, err := h.Users.Signup(c.Request.Context(), in)
	if err != nil {
		common.Abort(c, err)
		return
	}
	h.sessionResponse(c, http.StatusCreated, sess)
}

func (h *Handler) Login(c *gin.Context) {
	var in users.LoginInput
	if err := c.ShouldBind(&in); err != nil {
		common.Abort(c, common.ErrInvalidJSON)
		return
	}
	sess, err := h.Users.Login(c.Request.Context(), in)
	if err != nil {
		common.Abort(c, err)
		return
	}
	h.sessionResponse(c, http.StatusOK, sess)
}

func (h *Handler) Logout(c *gin.Context) {
	jti := c.GetString(middleware.TokenIDKey)
	exp, _ := c.Get(middleware.TokenExpKey)
	expiresAt, _ := exp.(time.Time)
	if err := h.Users.Logout(c.Request.Context(), jti, expiresAt); err != nil {
		common.Abort(c, err)
		return
	}
	h.setTokenCookie(c, "", -1)
	common.OK(c, gin.H{"message": "로그아웃되었습니다."})
}

func (h *Handler) Me(c *gin.Context) {
	uid, ok := mustUserID(c)
	if !ok {
		return
	}
	u, err := h.Users.Get(c.Request.Context(), uid)
	if err != nil {
		common.Abort(c, err)
		return
	}
	common.OK(c, gin.H{"user": userJSON(u)})
}

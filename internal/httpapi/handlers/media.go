package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Bogeun-Kim/habit-stacker/internal/common"
	"github.com/Bogeun-Kim/habit-stacker/internal/media"
)

// ServeMedia streams a stored object for the /media/*key route.
func (h *Handler) ServeMedia(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	data, ct, err := h.Media.Read(c.Request.Context(), key)
	if errors.Is(err, media.ErrNotFound) {
		common.Abort(c, common.ErrMediaNotFound)
		return
	}
	if err != nil {
		common.Abort(c, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, ct, data)
}

package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// OK writes a 200 with "status":"success" merged into payload.
func OK(c *gin.Context, payload gin.H) {
	JSON(c, http.StatusOK, payload)
}

func JSON(c *gin.Context, httpStatus int, payload gin.H) {
	if payload == nil {
		payload = gin.H{}
	}
	payload["status"] = StatusSuccess
	c.JSON(httpStatus, payload)
}

// Abort reports err and stops the handler chain.
func Abort(c *gin.Context, err error) {
	ae := AsAppError(err)
	if ae.Status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(ae.Status, ErrorBody(ae))
}

// ErrorBody is the JSON body for ae. Also used as an NDJSON line.
func ErrorBody(ae *AppError) gin.H {
	body := gin.H{
		"status": StatusError,
		"code":   ae.Code,
		"error":  ae.Message,
	}
	if ae.Field != "" {
		body["field"] = ae.Field
	}
	return body
}

package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/apperr"
	"messaging-service/internal/observability"
)

// respondError maps an error kind to its status code and a client-safe {message} body.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrTransient):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		log.Printf("http error method=%s path=%s request_id=%s: %v", c.Request.Method, c.FullPath(), observability.RequestID(c), err)
	}
	c.JSON(status, gin.H{"message": apperr.Public(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"message": msg})
}

func paramID(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

func queryUserID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Query("userId"))
	if err != nil || id <= 0 {
		badRequest(c, "userId query parameter is required")
		return 0, false
	}
	return id, true
}

// userBody is the {userId} body shared by the read endpoints.
type userBody struct {
	UserID int `json:"userId" binding:"required,gt=0"`
}

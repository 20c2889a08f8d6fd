package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"clubattendance/internal/attendance"
	"clubattendance/internal/logging"
)

var statusByKind = map[string]int{
	"not_found":          http.StatusNotFound,
	"already_checked_in": http.StatusConflict,
	"not_checked_in":     http.StatusConflict,
	"conflict":           http.StatusConflict,
	"validation":         http.StatusBadRequest,
	"inconsistent":       http.StatusInternalServerError,
	"unexpected":         http.StatusInternalServerError,
}

// fail maps an engine error to {error, message}. Internal failures are
// logged with detail and answered generically.
func (h *Handler) fail(c *gin.Context, err error) {
	ctx := c.Request.Context()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout", "message": "the request took too long, check your status and try again"})
		return
	}

	kind := attendance.ErrorKind(err)
	status := statusByKind[kind]
	body := gin.H{"error": kind, "message": err.Error()}

	var vErr *attendance.ValidationError
	if errors.As(err, &vErr) {
		body["fields"] = vErr.FieldErrors
	}
	var already *attendance.AlreadyCheckedInError
	if errors.As(err, &already) {
		body["message"] = fmt.Sprintf("You're already checked in since %s.", already.Session.CheckedInAt.In(h.loc).Format(time.Kitchen))
		body["checkedInAt"] = already.Session.CheckedInAt
		body["sessionId"] = already.Session.ID
	}

	if status >= http.StatusInternalServerError {
		logging.Or(ctx, h.logger).Error("request_failed", "kind", kind, "error", err)
		body["message"] = "internal error"
	}
	_ = c.Error(err)
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
}

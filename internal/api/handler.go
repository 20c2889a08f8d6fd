package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"clubattendance/internal/attendance"
	"clubattendance/internal/auth"
)

// HealthChecker reports whether a backing service answers.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Tokens configures admin JWT issuance.
type Tokens struct {
	Issuer     string
	SigningKey string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Handler serves the attendance HTTP interface.
type Handler struct {
	engine   *attendance.Engine
	admin    *attendance.Admin
	registry *attendance.Registry
	pin      *auth.PINVerifier
	tokens   Tokens
	db       HealthChecker
	redis    HealthChecker // nil when Redis is not part of the deployment
	loc      *time.Location
	logger   *slog.Logger
}

// ---------- Member actions ----------

type memberRequest struct {
	MemberID string `json:"memberId"`
}

func (h *Handler) CheckIn(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sess, err := h.engine.CheckIn(c.Request.Context(), req.MemberID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId":   sess.ID,
		"memberId":    sess.MemberID,
		"checkedInAt": sess.CheckedInAt,
	})
}

func (h *Handler) CheckOut(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sess, err := h.engine.CheckOut(c.Request.Context(), req.MemberID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId":    sess.ID,
		"memberId":     sess.MemberID,
		"checkedInAt":  sess.CheckedInAt,
		"checkedOutAt": sess.CheckedOutAt,
		"durationMs":   sess.DurationMs,
	})
}

func (h *Handler) Status(c *gin.Context) {
	st, err := h.engine.Status(c.Request.Context(), c.Param("memberId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) Count(c *gin.Context) {
	n, err := h.engine.CurrentCount(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// ---------- Registration ----------

func (h *Handler) RegisterMember(c *gin.Context) {
	var req attendance.NewMember
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	m, err := h.registry.Register(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *Handler) IDAvailable(c *gin.Context) {
	ok, err := h.registry.IDAvailable(c.Request.Context(), c.Param("memberId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": ok})
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbHealthy := h.db != nil && h.db.Healthy(ctx)
	body := gin.H{"db": dbHealthy}
	healthy := dbHealthy
	if h.redis != nil {
		redisHealthy := h.redis.Healthy(ctx)
		body["redis"] = redisHealthy
		healthy = healthy && redisHealthy
	}

	status := http.StatusOK
	body["status"] = "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

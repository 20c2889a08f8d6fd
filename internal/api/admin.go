package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"clubattendance/internal/attendance"
	"clubattendance/internal/auth"
	"clubattendance/internal/logging"
)

// ---------- Admin session ----------

func (h *Handler) Login(c *gin.Context) {
	var req struct {
		PIN string `json:"pin" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !h.pin.Verify(req.PIN) {
		logging.Or(c.Request.Context(), h.logger).Warn("admin_login_rejected", "client_ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "wrong PIN"})
		return
	}
	h.issue(c)
}

func (h *Handler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claims, err := auth.Parse(req.RefreshToken, h.tokens.SigningKey, h.tokens.Issuer, auth.KindRefresh)
	if err != nil || claims.Role != auth.RoleAdmin {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "invalid refresh token"})
		return
	}
	h.issue(c)
}

func (h *Handler) issue(c *gin.Context) {
	tokens, err := auth.Issue("admin", auth.RoleAdmin, h.tokens.Issuer, h.tokens.SigningKey, h.tokens.AccessTTL, h.tokens.RefreshTTL)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accessToken":  tokens.AccessToken,
		"refreshToken": tokens.RefreshToken,
		"expiresAt":    tokens.AccessExp.Unix(),
	})
}

// ---------- Overrides ----------

func (h *Handler) ForceCheckout(c *gin.Context) {
	var req struct {
		MemberID string `json:"memberId"`
		Reason   string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sess, closed, err := h.admin.ForceCheckout(c.Request.Context(), req.MemberID, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !closed {
		c.JSON(http.StatusOK, gin.H{"closed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": true, "session": sess})
}

func (h *Handler) ChangeID(c *gin.Context) {
	var req struct {
		OldID string `json:"oldId"`
		NewID string `json:"newId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.admin.ChangeID(c.Request.Context(), req.OldID, req.NewID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"oldId": req.OldID, "newId": req.NewID})
}

func (h *Handler) DeleteMember(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	n, err := h.admin.DeleteMember(c.Request.Context(), req.MemberID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deletedSessions": n})
}

func (h *Handler) UpdateMember(c *gin.Context) {
	var req attendance.Profile
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	m, err := h.admin.UpdateProfile(c.Request.Context(), c.Param("memberId"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) Sweep(c *gin.Context) {
	n, err := h.admin.Sweep(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": n})
}

// ---------- Reports ----------

func (h *Handler) SessionHistory(c *gin.Context) {
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			badRequest(c, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(parsed, 500)
	}
	if v := c.Query("offset"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			badRequest(c, errors.New("offset must be a non-negative integer"))
			return
		}
		offset = parsed
	}
	sessions, err := h.admin.SessionHistory(c.Request.Context(), c.Param("memberId"), limit, offset)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) TotalHours(c *gin.Context) {
	totals, err := h.admin.TotalHours(c.Request.Context(), c.Param("memberId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, totals)
}

func (h *Handler) Present(c *gin.Context) {
	present, err := h.admin.Present(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(present), "members": present})
}

func (h *Handler) ListMembers(c *gin.Context) {
	members, err := h.registry.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if members == nil {
		members = []attendance.Member{}
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

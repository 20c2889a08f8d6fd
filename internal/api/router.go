package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"clubattendance/internal/attendance"
	"clubattendance/internal/auth"
	"clubattendance/internal/httpmiddleware"
	"clubattendance/internal/metrics"
)

// Deps wires the router to the rest of the service.
type Deps struct {
	Engine   *attendance.Engine
	Admin    *attendance.Admin
	Registry *attendance.Registry
	PIN      *auth.PINVerifier
	Tokens   Tokens

	DB    HealthChecker
	Redis HealthChecker

	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	Limiter        *httpmiddleware.SimpleTokenBucket // per client IP
	MemberLimiter  *httpmiddleware.SimpleTokenBucket // per member, on check-in, check-out and status
	RequestTimeout time.Duration
	AllowOrigins   []string
	Location       *time.Location
}

// NewRouter builds the gin engine serving /v1, /healthz and /metrics.
func NewRouter(d Deps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	h := &Handler{
		engine:   d.Engine,
		admin:    d.Admin,
		registry: d.Registry,
		pin:      d.PIN,
		tokens:   d.Tokens,
		db:       d.DB,
		redis:    d.Redis,
		loc:      loc,
		logger:   logger,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger, d.Metrics, "/healthz", "/metrics"))
	r.Use(cors.New(corsConfig(d.AllowOrigins)))
	r.Use(httpmiddleware.SecurityHeaders())

	if d.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(d.MetricsHandler))
	}
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1", httpmiddleware.Timeout(d.RequestTimeout))

	// A kiosk checks a whole room in from one address, so member actions are
	// limited per member instead of per IP.
	member := v1.Group("")
	if d.MemberLimiter != nil {
		member.Use(d.MemberLimiter.GinMiddlewareBy(httpmiddleware.MemberKey))
	}
	{
		member.POST("/checkin", h.CheckIn)
		member.POST("/checkout", h.CheckOut)
		member.GET("/status/:memberId", h.Status)
	}

	general := v1.Group("")
	if d.Limiter != nil {
		general.Use(d.Limiter.GinMiddleware())
	}
	{
		general.GET("/count", h.Count)
		general.POST("/members", h.RegisterMember)
		general.GET("/members/:memberId/available", h.IDAvailable)

		general.POST("/admin/login", h.Login)
		general.POST("/admin/refresh", h.Refresh)
	}

	admin := general.Group("/admin", auth.AdminAuth(d.Tokens.SigningKey, d.Tokens.Issuer))
	{
		admin.POST("/force-checkout", h.ForceCheckout)
		admin.POST("/change-id", h.ChangeID)
		admin.DELETE("/delete-user", h.DeleteMember)
		admin.GET("/session-history/:memberId", h.SessionHistory)
		admin.GET("/total-hours/:memberId", h.TotalHours)
		admin.GET("/present", h.Present)
		admin.GET("/members", h.ListMembers)
		admin.PUT("/members/:memberId", h.UpdateMember)
		admin.POST("/sweep", h.Sweep)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no such route"})
	})
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", httpmiddleware.RequestIDHeader},
		MaxAge:       24 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

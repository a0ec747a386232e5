// Package handler exposes the presence services over HTTP with gin.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"presence/internal/apperr"
	"presence/internal/attendance"
	"presence/internal/auth"
	"presence/internal/challenge"
	"presence/internal/liveness"
	"presence/internal/store"
	"presence/internal/verify"
)

// Deps are the services served by the handler. Redis is optional.
type Deps struct {
	Verifier      *verify.Service
	Tracker       *liveness.Tracker
	Codec         *challenge.Codec
	Ledger        *attendance.Ledger
	Notifications *attendance.Notifications
	DB            *store.DB
	Redis         *store.Redis
	Log           *zap.Logger
	Now           func() time.Time
}

// Handler serves the presence API.
type Handler struct {
	Deps
}

func New(d Deps) *Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Handler{Deps: d}
}

// Routes carries the middleware the router wires in front of the API.
type Routes struct {
	// Auth authenticates bearer tokens and stores the claims.
	Auth gin.HandlerFunc
	// VerifyLimit throttles verification attempts; optional.
	VerifyLimit gin.HandlerFunc
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter, rt Routes) {
	r.GET("/healthz", h.health)

	v1 := r.Group("/v1", rt.Auth)

	student := v1.Group("", auth.RequireRole(auth.RoleStudent))
	verifyChain := []gin.HandlerFunc{}
	if rt.VerifyLimit != nil {
		verifyChain = append(verifyChain, rt.VerifyLimit)
	}
	student.POST("/verify", append(verifyChain, h.verifyPresence)...)
	student.GET("/liveness", h.livenessStatus)
	student.POST("/liveness/reset", h.livenessReset)
	student.POST("/enrollment", h.enroll)
	student.GET("/attendance", h.attendanceHistory)

	faculty := v1.Group("", auth.RequireRole(auth.RoleFaculty))
	faculty.GET("/challenges", h.issueChallenge)
	faculty.GET("/faculty/records", h.listRecords)
	faculty.GET("/faculty/records/:id", h.recordDetails)
	faculty.POST("/faculty/sessions/close", h.closeSession)
	faculty.POST("/faculty/sessions/mark", h.markAttendance)
	faculty.GET("/faculty/analytics", h.classAnalytics)
	faculty.GET("/faculty/notifications", h.listNotifications)
	faculty.GET("/faculty/notifications/count", h.unreadCount)
	faculty.POST("/faculty/notifications/:id/read", h.markRead)
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbHealthy := h.DB != nil && h.DB.Healthy(ctx)
	body := gin.H{"status": "ok", "db": dbHealthy}
	healthy := dbHealthy
	if h.Redis != nil {
		redisHealthy := h.Redis.Healthy(ctx)
		body["redis"] = redisHealthy
		healthy = healthy && redisHealthy
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

// subject returns the authenticated principal's id.
func subject(c *gin.Context) string {
	claims, _ := auth.ClaimsFrom(c)
	return claims.Subject
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.MalformedChallenge, apperr.ExpiredChallenge, apperr.MalformedRequest, apperr.NotEnrolled,
		apperr.NoFaceDetected, apperr.FaceMismatch, apperr.LivenessNotVerified:
		return http.StatusBadRequest
	case apperr.UnknownTopic, apperr.UnknownIssuer, apperr.UnknownSubject, apperr.NotFound:
		return http.StatusNotFound
	case apperr.AlreadyMarked:
		return http.StatusConflict
	case apperr.StorageContention, apperr.StorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	msg := apperr.MessageOf(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("kind", string(kind)),
			zap.Error(err))
		if kind == apperr.Internal {
			msg = "internal error"
		}
	}
	c.JSON(status, gin.H{"error": msg, "kind": kind})
}

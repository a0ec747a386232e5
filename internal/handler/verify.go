package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"presence/internal/apperr"
	"presence/internal/attendance"
	"presence/internal/verify"
)

const maxBodyBytes = 8 << 20

func (h *Handler) verifyPresence(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	body, err := c.GetRawData()
	if err != nil {
		h.respond(c, verify.Rejected(apperr.Wrap(apperr.MalformedRequest, err, "could not read request body")))
		return
	}
	req, err := verify.ParseRequest(body)
	if err != nil {
		h.respond(c, verify.Rejected(err))
		return
	}
	out, err := h.Verifier.Verify(c.Request.Context(), subject(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, out)
}

func (h *Handler) respond(c *gin.Context, out verify.Outcome) {
	status := http.StatusOK
	if out.Status == verify.StatusError {
		status = statusFor(out.Kind)
	}
	c.JSON(status, out)
}

func (h *Handler) livenessStatus(c *gin.Context) {
	st, err := h.Tracker.Status(c.Request.Context(), subject(c))
	if err != nil {
		h.fail(c, livenessFailure(err, "load liveness state"))
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) livenessReset(c *gin.Context) {
	if err := h.Tracker.Reset(c.Request.Context(), subject(c)); err != nil {
		h.fail(c, livenessFailure(err, "reset liveness state"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Liveness detection reset successfully"})
}

// livenessFailure passes a busy shared lock through as retryable.
func livenessFailure(err error, msg string) error {
	if errors.Is(err, apperr.ErrStorageUnavailable) {
		return err
	}
	return apperr.Wrap(apperr.Internal, err, msg)
}

// attendanceHistory returns the student's own records and per-subject totals.
func (h *Handler) attendanceHistory(c *gin.Context) {
	since := c.Query("since")
	if since != "" {
		if _, err := time.Parse(attendance.DateLayout, since); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be YYYY-MM-DD"})
			return
		}
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	report, err := h.Ledger.SubjectRecords(c.Request.Context(), subject(c), since, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) enroll(c *gin.Context) {
	var req struct {
		CanvasDataURL string `json:"canvas_data_url" binding:"required"`
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "canvas_data_url is required"})
		return
	}
	n, err := h.Verifier.Enroll(c.Request.Context(), subject(c), req.CanvasDataURL)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"status":            "success",
		"message":           "Face registered successfully",
		"descriptor_length": n,
	})
}

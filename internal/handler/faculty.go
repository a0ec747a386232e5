package handler

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"presence/internal/apperr"
	"presence/internal/attendance"
	"presence/internal/challenge"
)

func (h *Handler) issueChallenge(c *gin.Context) {
	groupID, err := strconv.ParseInt(c.Query("class_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "class_id must be an integer"})
		return
	}
	size := 256
	if v := c.Query("size"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 64 && parsed <= 1024 {
			size = parsed
		}
	}
	issued := h.Now()
	payload, err := h.Codec.Encode(c.Request.Context(), c.Query("mode"), groupID, subject(c), c.Query("subject_id"), issued)
	if err != nil {
		h.fail(c, err)
		return
	}
	png, err := challenge.RenderQR(payload, size)
	if err != nil {
		h.fail(c, apperr.Wrap(apperr.Internal, err, "render challenge"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"qr":         base64.StdEncoding.EncodeToString(png),
		"mime":       "image/png",
		"class_id":   groupID,
		"subject_id": challenge.NormalizeTopic(c.Query("subject_id")),
		"start_time": issued.Unix(),
	})
}

func (h *Handler) listRecords(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	since := c.Query("since")
	if since != "" {
		if _, err := time.Parse(attendance.DateLayout, since); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be YYYY-MM-DD"})
			return
		}
	}
	records, err := h.Ledger.ListAggregates(c.Request.Context(), subject(c), since, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *Handler) recordDetails(c *gin.Context) {
	agg, details, err := h.Ledger.AggregateDetails(c.Request.Context(), subject(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": agg, "students": details})
}

func (h *Handler) closeSession(c *gin.Context) {
	var req struct {
		TopicCode string `json:"subject_id" binding:"required"`
		GroupID   int64  `json:"class_id" binding:"required"`
		Date      string `json:"date"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Date != "" {
		if _, err := time.Parse(attendance.DateLayout, req.Date); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
	}
	agg, err := h.Ledger.CloseSession(c.Request.Context(), subject(c), req.TopicCode, req.GroupID, req.Date)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": agg})
}

type markEntry struct {
	SubjectID string `json:"student_id" binding:"required"`
	Status    string `json:"status" binding:"required"`
}

// markAttendance records hand-entered statuses for one session.
func (h *Handler) markAttendance(c *gin.Context) {
	var req struct {
		TopicCode string      `json:"subject_id" binding:"required"`
		GroupID   int64       `json:"class_id" binding:"required"`
		Date      string      `json:"date"`
		Students  []markEntry `json:"students" binding:"required,min=1,dive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Date != "" {
		if _, err := time.Parse(attendance.DateLayout, req.Date); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
	}
	statuses := make(map[string]attendance.Status, len(req.Students))
	for _, s := range req.Students {
		if _, dup := statuses[s.SubjectID]; dup {
			c.JSON(http.StatusBadRequest, gin.H{"error": "student " + s.SubjectID + " is listed twice"})
			return
		}
		statuses[s.SubjectID] = attendance.Status(s.Status)
	}
	res, err := h.Ledger.Mark(c.Request.Context(), attendance.MarkRequest{
		IssuerID:  subject(c),
		TopicCode: req.TopicCode,
		GroupID:   req.GroupID,
		Date:      req.Date,
		Statuses:  statuses,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) classAnalytics(c *gin.Context) {
	groupID, err := strconv.ParseInt(c.Query("class_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "class_id must be an integer"})
		return
	}
	stats, err := h.Ledger.ClassAnalytics(c.Request.Context(), subject(c), c.Query("subject_id"), groupID, c.Query("date"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) listNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	unread := c.Query("unread") == "true" || c.Query("unread") == "1"
	notes, err := h.Notifications.List(c.Request.Context(), subject(c), unread, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notes})
}

func (h *Handler) unreadCount(c *gin.Context) {
	n, err := h.Notifications.UnreadCount(c.Request.Context(), subject(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": n})
}

func (h *Handler) markRead(c *gin.Context) {
	if err := h.Notifications.MarkRead(c.Request.Context(), subject(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence/internal/apperr"
	"presence/internal/metrics"
	"presence/internal/queue"
	"presence/internal/store"
)

// MessageAttendanceMarked is the queue message type published after a commit.
const MessageAttendanceMarked = "attendance_marked"

// MarkedEvent is the body of an attendance_marked message.
type MarkedEvent struct {
	RecordID         string    `json:"record_id"`
	IssuerID         string    `json:"teacher_roll_no"`
	SubjectID        string    `json:"subject_id"`
	SubjectName      string    `json:"subject_name"`
	RollNumber       string    `json:"roll_number"`
	TopicCode        string    `json:"topic_code"`
	TopicName        string    `json:"topic_name"`
	GroupID          int64     `json:"group_id"`
	ChallengeGroupID *int64    `json:"challenge_group_id,omitempty"`
	GroupMismatch    bool      `json:"group_mismatch"`
	MarkedAt         time.Time `json:"marked_at"`
}

// Notification builds the issuer notification for the event.
func (e MarkedEvent) Notification() Notification {
	topic := e.TopicName
	if topic == "" {
		topic = e.TopicCode
	}
	msg := fmt.Sprintf("%s (%s) marked attendance for %s", e.SubjectName, e.RollNumber, topic)
	if e.GroupMismatch && e.ChallengeGroupID != nil {
		msg += fmt.Sprintf(" (scanned a code for class %d, recorded under class %d)", *e.ChallengeGroupID, e.GroupID)
	}
	return Notification{
		IssuerID:      e.IssuerID,
		SubjectID:     e.SubjectID,
		RecordID:      e.RecordID,
		TopicCode:     e.TopicCode,
		Kind:          MessageAttendanceMarked,
		Message:       msg,
		GroupMismatch: e.GroupMismatch,
		CreatedAt:     e.MarkedAt,
	}
}

// DecodeMarkedEvent parses an attendance_marked message.
func DecodeMarkedEvent(msg queue.Message) (MarkedEvent, error) {
	if msg.Type != MessageAttendanceMarked {
		return MarkedEvent{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	var e MarkedEvent
	if err := json.Unmarshal(msg.Body, &e); err != nil {
		return MarkedEvent{}, fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	return e, nil
}

// publish is fire-and-forget: a failure is logged and counted, never returned.
func (l *Ledger) publish(ctx context.Context, rec Record, subject Subject, topic Topic, mismatch bool) {
	if l.notify == nil {
		return
	}
	evt := MarkedEvent{
		RecordID:         rec.ID,
		IssuerID:         rec.IssuerID,
		SubjectID:        subject.ID,
		SubjectName:      subject.Name,
		RollNumber:       subject.RollNumber,
		TopicCode:        topic.Code,
		TopicName:        topic.Name,
		GroupID:          rec.GroupID,
		ChallengeGroupID: rec.ChallengeGroupID,
		GroupMismatch:    mismatch,
		MarkedAt:         rec.MarkedAt,
	}
	msg, err := queue.NewMessage(MessageAttendanceMarked, evt)
	if err == nil {
		// Detached from the request and bounded: a full queue must not stall the response.
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.publishTimeout)
		err = l.notify.Publish(pubCtx, msg)
		cancel()
	}
	if err != nil {
		metrics.NotifyFailures.Inc()
		l.log.Warn("issuer notification not published",
			zap.String("record", rec.ID),
			zap.String("issuer", rec.IssuerID),
			zap.Error(err))
	}
}

// Notifications persists and reads issuer notifications.
type Notifications struct {
	db  *store.DB
	now func() time.Time
}

func NewNotifications(db *store.DB) *Notifications {
	return &Notifications{db: db, now: time.Now}
}

// Save stores n, assigning an id and creation time when missing.
func (n *Notifications) Save(ctx context.Context, note Notification) (Notification, error) {
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = n.now()
	}
	note.CreatedAt = note.CreatedAt.UTC()
	if note.Kind == "" {
		note.Kind = MessageAttendanceMarked
	}
	_, err := n.db.ExecContext(ctx, `
		INSERT INTO issuer_notifications
			(id, issuer_id, subject_id, record_id, topic_code, kind, message, group_mismatch, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, note.ID, note.IssuerID, note.SubjectID, note.RecordID, note.TopicCode, note.Kind, note.Message,
		note.GroupMismatch, false, note.CreatedAt)
	if err != nil {
		return Notification{}, apperr.Wrap(apperr.Internal, err, "save notification")
	}
	return note, nil
}

// List returns the issuer's notifications, newest first.
func (n *Notifications) List(ctx context.Context, issuerID string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, issuer_id, subject_id, record_id, topic_code, kind, message, group_mismatch, is_read, created_at, read_at
		FROM issuer_notifications WHERE issuer_id = ?`
	if unreadOnly {
		query += ` AND is_read = ?`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args := []any{issuerID}
	if unreadOnly {
		args = append(args, false)
	}
	args = append(args, limit)

	rows, err := n.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list notifications")
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var note Notification
		if err := rows.Scan(&note.ID, &note.IssuerID, &note.SubjectID, &note.RecordID, &note.TopicCode, &note.Kind,
			&note.Message, &note.GroupMismatch, &note.IsRead, &note.CreatedAt, &note.ReadAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan notification")
		}
		out = append(out, note)
	}
	return out, rows.Err()
}

// MarkRead marks one of the issuer's notifications read. Marking an already
// read notification is a no-op.
func (n *Notifications) MarkRead(ctx context.Context, issuerID, id string) error {
	res, err := n.db.ExecContext(ctx, `
		UPDATE issuer_notifications SET is_read = ?, read_at = COALESCE(read_at, ?)
		WHERE id = ? AND issuer_id = ?
	`, true, n.now().UTC(), id, issuerID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "mark notification read")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperr.New(apperr.NotFound, "notification not found")
	}
	return nil
}

// UnreadCount returns how many notifications the issuer has not read.
func (n *Notifications) UnreadCount(ctx context.Context, issuerID string) (int, error) {
	var count int
	err := n.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM issuer_notifications WHERE issuer_id = ? AND is_read = ?
	`, issuerID, false).Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		return 0, apperr.Wrap(apperr.Internal, err, "count notifications")
	}
	return count, nil
}

// Deliver consumes attendance_marked messages from q and stores them as
// notifications until ctx is done. Undecodable messages are logged and dropped.
func (n *Notifications) Deliver(ctx context.Context, q queue.Queue, log *zap.Logger) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume notifications: %w", err)
	}
	for msg := range messages {
		evt, err := DecodeMarkedEvent(msg)
		if err != nil {
			log.Warn("dropping queue message", zap.String("type", msg.Type), zap.Error(err))
			continue
		}
		note, err := n.Save(ctx, evt.Notification())
		if err != nil {
			metrics.NotifyFailures.Inc()
			log.Error("store notification failed", zap.String("record", evt.RecordID), zap.Error(err))
			continue
		}
		log.Debug("notification stored",
			zap.String("id", note.ID),
			zap.String("issuer", note.IssuerID),
			zap.String("record", note.RecordID))
	}
	return nil
}

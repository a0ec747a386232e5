package attendance

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence/internal/apperr"
	"presence/internal/metrics"
	"presence/internal/queue"
	"presence/internal/store"
)

// RetryPolicy bounds how often a contended commit is retried.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy retries three times with a one second pause.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Backoff: time.Second}

// DefaultPublishTimeout caps the wait for a full notification queue.
const DefaultPublishTimeout = 2 * time.Second

// Publisher is the part of queue.Queue the ledger needs.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Ledger writes the subject-facing record and the issuer-facing aggregate as
// one transaction.
type Ledger struct {
	db     *store.DB
	retry          RetryPolicy
	notify         Publisher
	publishTimeout time.Duration
	log            *zap.Logger
	loc            *time.Location
	now            func() time.Time
	sleep          func(time.Duration)
}

type LedgerOption func(*Ledger)

func WithRetryPolicy(p RetryPolicy) LedgerOption {
	return func(l *Ledger) {
		if p.MaxAttempts > 0 {
			l.retry = p
		}
	}
}

// WithPublisher enables issuer notifications after each commit.
func WithPublisher(p Publisher) LedgerOption {
	return func(l *Ledger) { l.notify = p }
}

// WithPublishTimeout bounds how long a commit waits on the notification queue.
func WithPublishTimeout(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		if d > 0 {
			l.publishTimeout = d
		}
	}
}

func WithLogger(log *zap.Logger) LedgerOption {
	return func(l *Ledger) { l.log = log }
}

// WithLocation sets the zone used to derive calendar dates.
func WithLocation(loc *time.Location) LedgerOption {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// WithSleep replaces time.Sleep between retries.
func WithSleep(sleep func(time.Duration)) LedgerOption {
	return func(l *Ledger) { l.sleep = sleep }
}

func NewLedger(db *store.DB, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		db:             db,
		retry:          DefaultRetryPolicy,
		publishTimeout: DefaultPublishTimeout,
		log:            zap.NewNop(),
		loc:            time.UTC,
		now:            time.Now,
		sleep:          time.Sleep,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Today returns the current calendar date in the ledger's location.
func (l *Ledger) Today() string {
	return l.now().In(l.loc).Format(DateLayout)
}

// Existing returns the present record for (subject, topic, date), or nil.
func (l *Ledger) Existing(ctx context.Context, subjectID, topicCode, date string) (*Record, error) {
	return presentRecord(ctx, l.db, subjectID, normalizeCode(topicCode), date)
}

// errRaced marks a write that lost a race to a concurrent commit of the same key.
var errRaced = errors.New("concurrent commit for the same attendance key")

// Commit marks the subject present. Failures leave no partial state; lock
// contention is retried per the RetryPolicy and surfaces as
// StorageUnavailable once attempts run out.
func (l *Ledger) Commit(ctx context.Context, req CommitRequest) (Record, error) {
	if req.SubjectID == "" || req.IssuerID == "" {
		return Record{}, apperr.New(apperr.MalformedRequest, "subject and teacher are required")
	}
	req.TopicCode = normalizeCode(req.TopicCode)
	if req.TopicCode == "" {
		return Record{}, apperr.New(apperr.UnknownTopic, "subject code is required")
	}
	if req.MarkedAt.IsZero() {
		req.MarkedAt = l.now()
	}
	req.MarkedAt = req.MarkedAt.UTC()
	if req.Date == "" {
		req.Date = req.MarkedAt.In(l.loc).Format(DateLayout)
	}

	var (
		rec      Record
		mismatch bool
		subject  Subject
		topic    Topic
	)
	err := l.withRetry(ctx, "commit", func(ctx context.Context, q store.DBTX) error {
		var err error
		rec, subject, topic, mismatch, err = l.commitTx(ctx, q, req)
		return err
	}, func(ctx context.Context) error {
		existing, err := l.Existing(ctx, req.SubjectID, req.TopicCode, req.Date)
		if err != nil {
			return err
		}
		if existing != nil {
			return &AlreadyMarkedError{Existing: *existing}
		}
		return nil
	})
	if err != nil {
		metrics.LedgerCommits.WithLabelValues(resultLabel(err)).Inc()
		return Record{}, err
	}
	metrics.LedgerCommits.WithLabelValues("committed").Inc()

	if mismatch {
		l.log.Warn("challenge group differs from student group",
			zap.String("subject", req.SubjectID),
			zap.Int64("challenge_group", *req.ChallengeGroupID),
			zap.Int64("student_group", subject.GroupID))
	}
	l.publish(ctx, rec, subject, topic, mismatch)
	return rec, nil
}

func (l *Ledger) commitTx(ctx context.Context, q store.DBTX, req CommitRequest) (Record, Subject, Topic, bool, error) {
	existing, err := presentRecord(ctx, q, req.SubjectID, req.TopicCode, req.Date)
	if err != nil {
		return Record{}, Subject{}, Topic{}, false, err
	}
	if existing != nil {
		return Record{}, Subject{}, Topic{}, false, &AlreadyMarkedError{Existing: *existing}
	}
	if !req.FaceMatched {
		return Record{}, Subject{}, Topic{}, false, apperr.New(apperr.FaceMismatch, "face does not match the enrolled template")
	}
	if !req.Evidence.LivenessVerified {
		return Record{}, Subject{}, Topic{}, false, apperr.New(apperr.LivenessNotVerified, "liveness not verified")
	}

	topic, err := topicByCode(ctx, q, req.TopicCode)
	if err != nil {
		return Record{}, Subject{}, Topic{}, false, err
	}
	if err := issuerExists(ctx, q, req.IssuerID); err != nil {
		return Record{}, Subject{}, Topic{}, false, err
	}
	subject, err := subjectByID(ctx, q, req.SubjectID)
	if err != nil {
		return Record{}, Subject{}, Topic{}, false, err
	}

	// The subject's own group wins over whatever the challenge claims.
	mismatch := req.ChallengeGroupID != nil && *req.ChallengeGroupID != subject.GroupID

	rec := Record{
		ID:           uuid.NewString(),
		SubjectID:    subject.ID,
		TopicID:      topic.ID,
		TopicCode:    topic.Code,
		IssuerID:     req.IssuerID,
		GroupID:      subject.GroupID,
		Date:         req.Date,
		MarkedAt:     req.MarkedAt,
		Status:       StatusPresent,
		FaceVerified: true,
	}
	if mismatch {
		rec.ChallengeGroupID = req.ChallengeGroupID
	}
	rec.ChallengePayload = req.ChallengePayload

	err = q.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(id, subject_id, topic_id, issuer_id, group_id, challenge_group_id, attendance_date, marked_at, status, face_verified, challenge_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_id, topic_id, attendance_date) DO UPDATE SET
			issuer_id = excluded.issuer_id,
			group_id = excluded.group_id,
			challenge_group_id = excluded.challenge_group_id,
			marked_at = excluded.marked_at,
			status = excluded.status,
			face_verified = excluded.face_verified,
			challenge_payload = excluded.challenge_payload
		WHERE attendance_records.status <> 'present'
		RETURNING id
	`, rec.ID, rec.SubjectID, rec.TopicID, rec.IssuerID, rec.GroupID, rec.ChallengeGroupID,
		rec.Date, rec.MarkedAt, string(rec.Status), rec.FaceVerified, rec.ChallengePayload).Scan(&rec.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, Subject{}, Topic{}, false, errRaced
	}
	if err != nil {
		return Record{}, Subject{}, Topic{}, false, err
	}

	aggregateID, err := getOrCreateAggregate(ctx, q, req.IssuerID, topic.ID, subject.GroupID, req.Date, req.MarkedAt)
	if err != nil {
		return Record{}, Subject{}, Topic{}, false, err
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO issuer_details (id, aggregate_id, subject_id, status, face_verified, group_mismatch, marked_at)
		VALUES (?, ?, ?, 'present', ?, ?, ?)
		ON CONFLICT (aggregate_id, subject_id) DO UPDATE SET
			status = 'present',
			face_verified = excluded.face_verified,
			group_mismatch = excluded.group_mismatch,
			marked_at = excluded.marked_at
		WHERE issuer_details.status <> 'present'
	`, uuid.NewString(), aggregateID, subject.ID, true, mismatch, req.MarkedAt); err != nil {
		return Record{}, Subject{}, Topic{}, false, err
	}
	if err := recount(ctx, q, aggregateID, subject.GroupID, req.MarkedAt); err != nil {
		return Record{}, Subject{}, Topic{}, false, err
	}
	return rec, subject, topic, mismatch, nil
}

// CloseSession marks every roster subject without a detail row absent for
// the session and recomputes the counts.
func (l *Ledger) CloseSession(ctx context.Context, issuerID, topicCode string, groupID int64, date string) (Aggregate, error) {
	topicCode = normalizeCode(topicCode)
	if date == "" {
		date = l.Today()
	}
	var agg Aggregate
	err := l.withRetry(ctx, "close_session", func(ctx context.Context, q store.DBTX) error {
		topic, err := topicByCode(ctx, q, topicCode)
		if err != nil {
			return err
		}
		if err := issuerExists(ctx, q, issuerID); err != nil {
			return err
		}
		now := l.now().UTC()
		aggregateID, err := getOrCreateAggregate(ctx, q, issuerID, topic.ID, groupID, date, now)
		if err != nil {
			return err
		}
		missing, err := rosterWithoutDetail(ctx, q, aggregateID, groupID)
		if err != nil {
			return err
		}
		for _, subjectID := range missing {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO issuer_details (id, aggregate_id, subject_id, status, face_verified, group_mismatch)
				VALUES (?, ?, ?, 'absent', ?, ?)
				ON CONFLICT (aggregate_id, subject_id) DO NOTHING
			`, uuid.NewString(), aggregateID, subjectID, false, false); err != nil {
				return err
			}
			// The subject-facing view gets the same absence; a later scan upgrades it.
			if _, err := q.ExecContext(ctx, `
				INSERT INTO attendance_records
					(id, subject_id, topic_id, issuer_id, group_id, attendance_date, marked_at, status, face_verified, challenge_payload)
				VALUES (?, ?, ?, ?, ?, ?, ?, 'absent', ?, '')
				ON CONFLICT (subject_id, topic_id, attendance_date) DO NOTHING
			`, uuid.NewString(), subjectID, topic.ID, issuerID, groupID, date, now, false); err != nil {
				return err
			}
		}
		if err := recount(ctx, q, aggregateID, groupID, now); err != nil {
			return err
		}
		agg, err = aggregateByID(ctx, q, aggregateID)
		return err
	}, nil)
	if err != nil {
		return Aggregate{}, err
	}
	l.log.Info("session closed",
		zap.String("issuer", issuerID),
		zap.String("topic", topicCode),
		zap.Int64("group", groupID),
		zap.String("date", date),
		zap.Int("present", agg.Present),
		zap.Int("absent", agg.Absent))
	return agg, nil
}

// Mark records the issuer's hand-entered statuses for the session. Both views
// are written and the aggregate recounted in one transaction. A face-verified
// present record is never downgraded; such subjects are returned in Kept.
func (l *Ledger) Mark(ctx context.Context, req MarkRequest) (MarkResult, error) {
	req.TopicCode = normalizeCode(req.TopicCode)
	if req.IssuerID == "" || len(req.Statuses) == 0 {
		return MarkResult{}, apperr.New(apperr.MalformedRequest, "teacher and at least one student status are required")
	}
	for subjectID, status := range req.Statuses {
		if status != StatusPresent && status != StatusAbsent {
			return MarkResult{}, apperr.New(apperr.MalformedRequest, "invalid status %q for student %s", status, subjectID)
		}
	}
	if req.Date == "" {
		req.Date = l.Today()
	}

	var res MarkResult
	err := l.withRetry(ctx, "mark", func(ctx context.Context, q store.DBTX) error {
		res = MarkResult{}
		topic, err := topicByCode(ctx, q, req.TopicCode)
		if err != nil {
			return err
		}
		if err := issuerExists(ctx, q, req.IssuerID); err != nil {
			return err
		}
		now := l.now().UTC()
		aggregateID, err := getOrCreateAggregate(ctx, q, req.IssuerID, topic.ID, req.GroupID, req.Date, now)
		if err != nil {
			return err
		}
		for _, subjectID := range sortedKeys(req.Statuses) {
			subject, err := subjectByID(ctx, q, subjectID)
			if err != nil {
				return err
			}
			if subject.GroupID != req.GroupID {
				return apperr.New(apperr.UnknownSubject, "student %s is not in class %d", subjectID, req.GroupID)
			}
			kept, err := markOne(ctx, q, aggregateID, topic.ID, req, subjectID, req.Statuses[subjectID], now)
			if err != nil {
				return err
			}
			if kept {
				res.Kept = append(res.Kept, subjectID)
			}
		}
		if err := recount(ctx, q, aggregateID, req.GroupID, now); err != nil {
			return err
		}
		res.Aggregate, err = aggregateByID(ctx, q, aggregateID)
		return err
	}, nil)
	if err != nil {
		return MarkResult{}, err
	}
	l.log.Info("attendance marked manually",
		zap.String("issuer", req.IssuerID),
		zap.String("topic", req.TopicCode),
		zap.Int64("group", req.GroupID),
		zap.String("date", req.Date),
		zap.Int("students", len(req.Statuses)),
		zap.Strings("kept", res.Kept))
	return res, nil
}

// markOne writes one hand-entered status. It reports true when a
// face-verified present record blocked the change.
func markOne(ctx context.Context, q store.DBTX, aggregateID, topicID string, req MarkRequest, subjectID string, status Status, now time.Time) (bool, error) {
	var verified bool
	err := q.QueryRowContext(ctx, `
		SELECT face_verified FROM attendance_records
		WHERE subject_id = ? AND topic_id = ? AND attendance_date = ? AND status = 'present'
	`, subjectID, topicID, req.Date).Scan(&verified)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, err
	case verified:
		return status == StatusAbsent, nil
	}

	if _, err := q.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, subject_id, topic_id, issuer_id, group_id, attendance_date, marked_at, status, face_verified, challenge_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '')
		ON CONFLICT (subject_id, topic_id, attendance_date) DO UPDATE SET
			issuer_id = excluded.issuer_id,
			marked_at = excluded.marked_at,
			status = excluded.status,
			face_verified = excluded.face_verified
		WHERE attendance_records.face_verified = ? OR attendance_records.status <> 'present'
	`, uuid.NewString(), subjectID, topicID, req.IssuerID, req.GroupID, req.Date, now, string(status), false, false); err != nil {
		return false, err
	}
	var at *time.Time
	if status == StatusPresent {
		at = &now
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO issuer_details (id, aggregate_id, subject_id, status, face_verified, group_mismatch, marked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_id, subject_id) DO UPDATE SET
			status = excluded.status,
			face_verified = excluded.face_verified,
			marked_at = excluded.marked_at
		WHERE issuer_details.face_verified = ? OR issuer_details.status <> 'present'
	`, uuid.NewString(), aggregateID, subjectID, string(status), false, false, at, false)
	return false, err
}

func sortedKeys(m map[string]Status) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// withRetry runs fn in a transaction, retrying contention. onRace, when set,
// runs after a lost unique-key race and may turn it into a terminal error.
func (l *Ledger) withRetry(ctx context.Context, op string, fn func(ctx context.Context, q store.DBTX) error, onRace func(ctx context.Context) error) error {
	attempts := l.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := l.db.RunInTx(ctx, nil, fn)
		if err == nil {
			return nil
		}
		raced := errors.Is(err, errRaced) || store.IsUniqueViolation(err)
		if !raced && !store.IsContention(err) {
			var appErr *apperr.Error
			if errors.As(err, &appErr) {
				return err
			}
			return apperr.Wrap(apperr.Internal, err, "%s failed", op)
		}
		if raced && onRace != nil {
			if terminal := onRace(ctx); terminal != nil {
				return terminal
			}
		}
		last = err
		if attempt == attempts {
			break
		}
		metrics.LedgerRetries.Inc()
		l.log.Warn("ledger transaction retry",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", l.retry.Backoff),
			zap.Error(err))
		l.sleep(l.retry.Backoff)
	}
	l.log.Error("ledger transaction gave up", zap.String("op", op), zap.Int("attempts", attempts), zap.Error(last))
	return apperr.Wrap(apperr.StorageUnavailable, last, "%s failed after %d attempts, please retry", op, attempts)
}

func presentRecord(ctx context.Context, q store.DBTX, subjectID, topicCode, date string) (*Record, error) {
	var (
		r       Record
		status  string
		chGroup sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `
		SELECT r.id, r.subject_id, r.topic_id, t.code, r.issuer_id, r.group_id, r.challenge_group_id,
			r.attendance_date, r.marked_at, r.status, r.face_verified
		FROM attendance_records r
		JOIN topics t ON t.id = r.topic_id
		WHERE r.subject_id = ? AND t.code = ? AND r.attendance_date = ? AND r.status = 'present'
	`, subjectID, topicCode, date).Scan(&r.ID, &r.SubjectID, &r.TopicID, &r.TopicCode, &r.IssuerID, &r.GroupID,
		&chGroup, &r.Date, &r.MarkedAt, &status, &r.FaceVerified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if chGroup.Valid {
		v := chGroup.Int64
		r.ChallengeGroupID = &v
	}
	return &r, nil
}

func getOrCreateAggregate(ctx context.Context, q store.DBTX, issuerID, topicID string, groupID int64, date string, now time.Time) (string, error) {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO issuer_aggregates (id, issuer_id, topic_id, group_id, attendance_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (issuer_id, topic_id, group_id, attendance_date) DO NOTHING
	`, uuid.NewString(), issuerID, topicID, groupID, date, now, now); err != nil {
		return "", err
	}
	var id string
	err := q.QueryRowContext(ctx, `
		SELECT id FROM issuer_aggregates
		WHERE issuer_id = ? AND topic_id = ? AND group_id = ? AND attendance_date = ?
	`, issuerID, topicID, groupID, date).Scan(&id)
	return id, err
}

// recount derives the aggregate's counts from its detail rows and the group
// roster. Counts are never adjusted incrementally.
func recount(ctx context.Context, q store.DBTX, aggregateID string, groupID int64, now time.Time) error {
	var details, present int
	if err := q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'present' THEN 1 ELSE 0 END), 0)
		FROM issuer_details WHERE aggregate_id = ?
	`, aggregateID).Scan(&details, &present); err != nil {
		return err
	}
	var roster int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM subjects WHERE group_id = ?`, groupID).Scan(&roster); err != nil {
		return err
	}
	total := roster
	if details > total {
		total = details
	}
	_, err := q.ExecContext(ctx, `
		UPDATE issuer_aggregates
		SET total_students = ?, present_students = ?, absent_students = ?, percentage = ?, updated_at = ?
		WHERE id = ?
	`, total, present, total-present, percentage(present, total), now, aggregateID)
	return err
}

func rosterWithoutDetail(ctx context.Context, q store.DBTX, aggregateID string, groupID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT s.id FROM subjects s
		WHERE s.group_id = ?
		AND NOT EXISTS (SELECT 1 FROM issuer_details d WHERE d.aggregate_id = ? AND d.subject_id = s.id)
		ORDER BY s.roll_number
	`, groupID, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func percentage(present, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(present)/float64(total)*100*100) / 100
}

func resultLabel(err error) string {
	return string(apperr.KindOf(err))
}

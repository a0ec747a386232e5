package attendance

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"presence/internal/apperr"
	"presence/internal/face"
	"presence/internal/queue"
	"presence/internal/store"
)

const testDate = "2023-11-14"

var markedAt = time.Date(2023, 11, 14, 9, 30, 0, 0, time.UTC)

func dsn(t *testing.T, extra string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ledger.db") + "?_journal_mode=WAL&_foreign_keys=on" + extra
}

func openDB(t *testing.T, path string) *store.DB {
	t.Helper()
	db, err := store.NewDB("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func seed(t *testing.T, db *store.DB) {
	t.Helper()
	ctx := context.Background()
	stmts := []struct {
		q    string
		args []any
	}{
		{`INSERT INTO class_groups (id, name) VALUES (?, ?)`, []any{4, "CSE-A"}},
		{`INSERT INTO class_groups (id, name) VALUES (?, ?)`, []any{5, "CSE-B"}},
		{`INSERT INTO topics (id, code, name) VALUES (?, ?, ?)`, []any{"topic-mth", "MTH101", "Mathematics"}},
		{`INSERT INTO topics (id, code, name) VALUES (?, ?, ?)`, []any{"topic-phy", "PHY101", "Physics"}},
		{`INSERT INTO issuers (roll_no, name) VALUES (?, ?)`, []any{"T002", "Dr. Rao"}},
		{`INSERT INTO issuers (roll_no, name) VALUES (?, ?)`, []any{"T003", "Dr. Iyer"}},
		{`INSERT INTO subjects (id, roll_number, name, group_id) VALUES (?, ?, ?, ?)`, []any{"S1", "21CS001", "Asha", 4}},
		{`INSERT INTO subjects (id, roll_number, name, group_id) VALUES (?, ?, ?, ?)`, []any{"S2", "21CS002", "Bala", 4}},
		{`INSERT INTO subjects (id, roll_number, name, group_id) VALUES (?, ?, ?, ?)`, []any{"S3", "21CS003", "Chitra", 4}},
		{`INSERT INTO subjects (id, roll_number, name, group_id) VALUES (?, ?, ?, ?)`, []any{"S4", "21CS101", "Dev", 5}},
	}
	for _, s := range stmts {
		_, err := db.ExecContext(ctx, s.q, s.args...)
		require.NoError(t, err)
	}
}

func commitReq(subject string) CommitRequest {
	group := int64(4)
	return CommitRequest{
		SubjectID:        subject,
		TopicCode:        "mth101",
		IssuerID:         "T002",
		ChallengeGroupID: &group,
		Date:             testDate,
		MarkedAt:         markedAt,
		FaceMatched:      true,
		Evidence:         Evidence{LivenessVerified: true},
		ChallengePayload: "mode=class;class_id=4;start_time=1699954000;teacher_roll_no=T002;subject_id=MTH101",
	}
}

func noSleep(time.Duration) {}

func newLedger(t *testing.T, opts ...LedgerOption) (*Ledger, *store.DB) {
	t.Helper()
	db := openDB(t, dsn(t, "&_busy_timeout=5000"))
	seed(t, db)
	opts = append([]LedgerOption{WithSleep(noSleep)}, opts...)
	return NewLedger(db, opts...), db
}

func countRows(t *testing.T, db *store.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}

func onlyAggregate(t *testing.T, l *Ledger, issuer string) Aggregate {
	t.Helper()
	aggs, err := l.ListAggregates(context.Background(), issuer, "", 10)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	return aggs[0]
}

func TestCommitWritesBothViews(t *testing.T) {
	ctx := context.Background()
	l, db := newLedger(t)

	rec, err := l.Commit(ctx, commitReq("S1"))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "MTH101", rec.TopicCode)
	assert.Equal(t, int64(4), rec.GroupID)
	assert.Nil(t, rec.ChallengeGroupID)
	assert.Equal(t, StatusPresent, rec.Status)

	agg := onlyAggregate(t, l, "T002")
	assert.Equal(t, testDate, agg.Date)
	assert.Equal(t, 3, agg.Total)
	assert.Equal(t, 1, agg.Present)
	assert.Equal(t, 2, agg.Absent)
	assert.Equal(t, 33.33, agg.Percentage)

	_, details, err := l.AggregateDetails(ctx, "T002", agg.ID)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, "21CS001", details[0].RollNumber)
	assert.Equal(t, StatusPresent, details[0].Status)
	assert.False(t, details[0].GroupMismatch)

	existing, err := l.Existing(ctx, "S1", "MTH101", testDate)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, rec.ID, existing.ID)
	assert.True(t, existing.MarkedAt.Equal(markedAt))

	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM attendance_records`))
}

func TestCommitTwiceIsAlreadyMarked(t *testing.T) {
	ctx := context.Background()
	l, db := newLedger(t)

	first, err := l.Commit(ctx, commitReq("S1"))
	require.NoError(t, err)

	_, err = l.Commit(ctx, commitReq("S1"))
	require.ErrorIs(t, err, apperr.ErrAlreadyMarked)
	var am *AlreadyMarkedError
	require.True(t, errors.As(err, &am))
	assert.Equal(t, first.ID, am.Existing.ID)
	assert.Equal(t, apperr.AlreadyMarked, apperr.KindOf(err))

	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM attendance_records`))
	assert.Equal(t, 1, onlyAggregate(t, l, "T002").Present)
}

func TestConcurrentCommitsYieldOneRecord(t *testing.T) {
	ctx := context.Background()
	l, db := newLedger(t)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		already int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Commit(ctx, commitReq("S2"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrAlreadyMarked):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, already)
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM attendance_records WHERE subject_id = ?`, "S2"))
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM issuer_details WHERE subject_id = ?`, "S2"))
}

func TestAggregateInvariantAcrossMutations(t *testing.T) {
	ctx := context.Background()
	l, db := newLedger(t)

	check := func() {
		t.Helper()
		agg := onlyAggregate(t, l, "T002")
		present := countRows(t, db, `SELECT COUNT(*) FROM issuer_details WHERE aggregate_id = ? AND status = 'present'`, agg.ID)
		assert.Equal(t, present, agg.Present)
		assert.Equal(t, agg.Total, agg.Present+agg.Absent)
	}

	_, err := l.Commit(ctx, commitReq("S1"))
	require.NoError(t, err)
	check()

	agg, err := l.CloseSession(ctx, "T002", "MTH101", 4, testDate)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.Present)
	assert.Equal(t, 2, agg.Absent)
	assert.Equal(t, 3, countRows(t, db, `SELECT COUNT(*) FROM issuer_details WHERE aggregate_id = ?`, agg.ID))
	check()

	// A late scan flips an absent detail to present.
	_, err = l.Commit(ctx, commitReq("S3"))
	require.NoError(t, err)
	check()

	final := onlyAggregate(t, l, "T002")
	assert.Equal(t, 2, final.Present)
	assert.Equal(t, 1, final.Absent)
	assert.Equal(t, 66.67, final.Percentage)

	// Closing again is idempotent.
	again, err := l.CloseSession(ctx, "T002", "MTH101", 4, testDate)
	require.NoError(t, err)
	assert.Equal(t, final.Present, again.Present)
	check()
}

func TestCrossGroupChallengeUsesSubjectGroup(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	l, _ := newLedger(t, WithPublisher(pub))

	req := commitReq("S4")
	rec, err := l.Commit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.GroupID)
	require.NotNil(t, rec.ChallengeGroupID)
	assert.Equal(t, int64(4), *rec.ChallengeGroupID)

	agg := onlyAggregate(t, l, "T002")
	assert.Equal(t, int64(5), agg.GroupID)
	assert.Equal(t, 1, agg.Total)

	_, details, err := l.AggregateDetails(ctx, "T002", agg.ID)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.True(t, details[0].GroupMismatch)

	require.Len(t, pub.messages, 1)
	evt, err := DecodeMarkedEvent(pub.messages[0])
	require.NoError(t, err)
	assert.True(t, evt.GroupMismatch)
	assert.Contains(t, evt.Notification().Message, "recorded under class 5")
}

func TestCommitRejections(t *testing.T) {
	ctx := context.Background()
	l, db := newLedger(t)

	cases := []struct {
		name   string
		mutate func(*CommitRequest)
		want   error
	}{
		{"unknown topic", func(r *CommitRequest) { r.TopicCode = "CHEM9" }, apperr.ErrUnknownTopic},
		{"missing topic", func(r *CommitRequest) { r.TopicCode = " " }, apperr.ErrUnknownTopic},
		{"unknown issuer", func(r *CommitRequest) { r.IssuerID = "T999" }, apperr.ErrUnknownIssuer},
		{"unknown subject", func(r *CommitRequest) { r.SubjectID = "S9" }, apperr.ErrUnknownSubject},
		{"face mismatch", func(r *CommitRequest) { r.FaceMatched = false }, apperr.ErrFaceMismatch},
		{"liveness", func(r *CommitRequest) { r.Evidence.LivenessVerified = false }, apperr.ErrLivenessNotVerified},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := commitReq("S1")
			tc.mutate(&req)
			_, err := l.Commit(ctx, req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	assert.Equal(t, 0, countRows(t, db, `SELECT COUNT(*) FROM attendance_records`))
	assert.Equal(t, 0, countRows(t, db, `SELECT COUNT(*) FROM issuer_aggregates`))
	assert.Equal(t, 0, countRows(t, db, `SELECT COUNT(*) FROM issuer_details`))
}

func TestAbsentRecordIsUpgraded(t *testing.T) {
	ctx := context.Background()
	l, db := newLedger(t)

	_, err := db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, subject_id, topic_id, issuer_id, group_id, attendance_date, marked_at, status, face_verified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, "old", "S1", "topic-mth", "T002", 4, testDate, markedAt, "absent", false)
	require.NoError(t, err)

	rec, err := l.Commit(ctx, commitReq("S1"))
	require.NoError(t, err)
	assert.Equal(t, "old", rec.ID)
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM attendance_records WHERE status = 'present'`))
}

func TestContentionExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	path := dsn(t, "")
	db := openDB(t, path+"&_busy_timeout=10")
	seed(t, db)

	blocker, err := sql.Open("sqlite3", path+"&_busy_timeout=10&_txlock=immediate")
	require.NoError(t, err)
	t.Cleanup(func() { _ = blocker.Close() })
	tx, err := blocker.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `INSERT INTO class_groups (id, name) VALUES (99, 'lock')`)
	require.NoError(t, err)

	var sleeps []time.Duration
	l := NewLedger(db,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, Backoff: 250 * time.Millisecond}),
		WithSleep(func(d time.Duration) { sleeps = append(sleeps, d) }))

	_, err = l.Commit(ctx, commitReq("S1"))
	require.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, sleeps)

	require.NoError(t, tx.Rollback())
	assert.Equal(t, 0, countRows(t, db, `SELECT COUNT(*) FROM attendance_records`))

	_, err = l.Commit(ctx, commitReq("S1"))
	require.NoError(t, err)
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []queue.Message
	err      error
}

func (p *recordingPublisher) Publish(ctx context.Context, msg queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func TestPublishFailureDoesNotFailCommit(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, WithPublisher(&recordingPublisher{err: errors.New("redis down")}))

	_, err := l.Commit(ctx, commitReq("S1"))
	require.NoError(t, err)
}

func TestNotificationsLifecycle(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	l, db := newLedger(t, WithPublisher(pub))
	notes := NewNotifications(db)

	for _, s := range []string{"S1", "S2"} {
		_, err := l.Commit(ctx, commitReq(s))
		require.NoError(t, err)
	}
	require.Len(t, pub.messages, 2)
	for _, msg := range pub.messages {
		evt, err := DecodeMarkedEvent(msg)
		require.NoError(t, err)
		_, err = notes.Save(ctx, evt.Notification())
		require.NoError(t, err)
	}

	count, err := notes.UnreadCount(ctx, "T002")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	list, err := notes.List(ctx, "T002", false, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Contains(t, list[0].Message, "marked attendance for Mathematics")

	require.NoError(t, notes.MarkRead(ctx, "T002", list[0].ID))
	require.NoError(t, notes.MarkRead(ctx, "T002", list[0].ID))
	assert.ErrorIs(t, notes.MarkRead(ctx, "T003", list[1].ID), apperr.ErrNotFound)

	unread, err := notes.List(ctx, "T002", true, 0)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, list[1].ID, unread[0].ID)

	count, err = notes.UnreadCount(ctx, "T002")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeliverStoresQueuedNotifications(t *testing.T) {
	q := queue.NewInMemory(8)
	l, db := newLedger(t, WithPublisher(q))
	notes := NewNotifications(db)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- notes.Deliver(ctx, q, zap.NewNop()) }()

	require.NoError(t, q.Publish(ctx, queue.Message{Type: "unrelated", Body: []byte(`{}`)}))
	_, err := l.Commit(ctx, commitReq("S1"))
	require.NoError(t, err)
	_, err = l.Commit(ctx, commitReq("S4"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := notes.UnreadCount(context.Background(), "T002")
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	list, err := notes.List(context.Background(), "T002", true, 0)
	require.NoError(t, err)
	var mismatched int
	for _, n := range list {
		if n.GroupMismatch {
			mismatched++
			assert.Equal(t, "S4", n.SubjectID)
		}
	}
	assert.Equal(t, 1, mismatched)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver did not stop")
	}
}

func TestAggregateDetailsChecksOwner(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	_, err := l.Commit(ctx, commitReq("S1"))
	require.NoError(t, err)
	agg := onlyAggregate(t, l, "T002")

	_, _, err = l.AggregateDetails(ctx, "T003", agg.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, _, err = l.AggregateDetails(ctx, "T002", "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	aggs, err := l.ListAggregates(ctx, "T002", "2023-11-15", 10)
	require.NoError(t, err)
	assert.Empty(t, aggs)
}

func TestDirectory(t *testing.T) {
	ctx := context.Background()
	_, db := newLedger(t)
	dir := NewDirectory(db, time.Minute)

	ok, err := dir.TopicExists(ctx, " mth101 ")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = dir.TopicExists(ctx, "CHEM9")
	require.NoError(t, err)
	assert.False(t, ok)

	s, err := dir.Subject(ctx, "S1")
	require.NoError(t, err)
	assert.False(t, s.Enrolled())

	desc := face.Descriptor{0.25, 0.5, 0.75}
	require.NoError(t, dir.Enroll(ctx, "S1", desc, markedAt))
	s, err = dir.Subject(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, desc, s.Descriptor)
	require.NotNil(t, s.EnrolledAt)

	assert.ErrorIs(t, dir.Enroll(ctx, "S9", desc, markedAt), apperr.ErrUnknownSubject)
	_, err = dir.Subject(ctx, "S9")
	assert.ErrorIs(t, err, apperr.ErrUnknownSubject)
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 0.0, percentage(0, 0))
	assert.Equal(t, 100.0, percentage(3, 3))
	assert.Equal(t, 33.33, percentage(1, 3))
	assert.Equal(t, 66.67, percentage(2, 3))
}

func TestCloseSessionWritesBothViews(t *testing.T) {
	ctx := context.Background()
	l, db := newLedger(t)

	_, err := l.Commit(ctx, commitReq("S1"))
	require.NoError(t, err)
	agg, err := l.CloseSession(ctx, "T002", "MTH101", 4, testDate)
	require.NoError(t, err)

	absentDetails := countRows(t, db, `SELECT COUNT(*) FROM issuer_details WHERE aggregate_id = ? AND status = 'absent'`, agg.ID)
	absentRecords := countRows(t, db, `SELECT COUNT(*) FROM attendance_records WHERE attendance_date = ? AND status = 'absent'`, testDate)
	assert.Equal(t, 2, absentDetails)
	assert.Equal(t, absentDetails, absentRecords)
	assert.Equal(t, agg.Absent, absentRecords)

	report, err := l.SubjectRecords(ctx, "S2", "", 0)
	require.NoError(t, err)
	require.Len(t, report.Records, 1)
	assert.Equal(t, StatusAbsent, report.Records[0].Status)
	assert.False(t, report.Records[0].FaceVerified)

	// A late scan upgrades the absent record in place.
	rec, err := l.Commit(ctx, commitReq("S2"))
	require.NoError(t, err)
	assert.Equal(t, report.Records[0].ID, rec.ID)
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM attendance_records WHERE status = 'absent'`))
	assert.Equal(t, 1, onlyAggregate(t, l, "T002").Absent)

	_, err = l.CloseSession(ctx, "T002", "MTH101", 4, testDate)
	require.NoError(t, err)
	assert.Equal(t, 3, countRows(t, db, `SELECT COUNT(*) FROM attendance_records`))
}

func markReq(statuses map[string]Status) MarkRequest {
	return MarkRequest{IssuerID: "T002", TopicCode: "mth101", GroupID: 4, Date: testDate, Statuses: statuses}
}

func TestMarkWritesBothViews(t *testing.T) {
	ctx := context.Background()
	l, db := newLedger(t, WithClock(func() time.Time { return markedAt }))

	res, err := l.Mark(ctx, markReq(map[string]Status{"S1": StatusPresent, "S2": StatusAbsent}))
	require.NoError(t, err)
	assert.Empty(t, res.Kept)
	assert.Equal(t, 3, res.Aggregate.Total)
	assert.Equal(t, 1, res.Aggregate.Present)
	assert.Equal(t, 2, res.Aggregate.Absent)

	_, details, err := l.AggregateDetails(ctx, "T002", res.Aggregate.ID)
	require.NoError(t, err)
	require.Len(t, details, 2)
	assert.Equal(t, StatusPresent, details[0].Status)
	assert.False(t, details[0].FaceVerified)
	assert.Equal(t, StatusAbsent, details[1].Status)
	assert.Nil(t, details[1].MarkedAt)

	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM attendance_records WHERE subject_id = 'S1' AND status = 'present'`))
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM attendance_records WHERE subject_id = 'S2' AND status = 'absent'`))

	// A manual present counts as marked for a later scan.
	_, err = l.Commit(ctx, commitReq("S1"))
	assert.ErrorIs(t, err, apperr.ErrAlreadyMarked)

	// The issuer can flip their own manual entries.
	res, err = l.Mark(ctx, markReq(map[string]Status{"S1": StatusAbsent, "S2": StatusPresent}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Aggregate.Present)
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM attendance_records WHERE subject_id = 'S1' AND status = 'absent'`))
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM issuer_details WHERE subject_id = 'S2' AND status = 'present'`))
}

func TestMarkKeepsVerifiedPresence(t *testing.T) {
	ctx := context.Background()
	l, db := newLedger(t)

	rec, err := l.Commit(ctx, commitReq("S1"))
	require.NoError(t, err)

	res, err := l.Mark(ctx, markReq(map[string]Status{"S1": StatusAbsent, "S3": StatusAbsent}))
	require.NoError(t, err)
	assert.Equal(t, []string{"S1"}, res.Kept)
	assert.Equal(t, 1, res.Aggregate.Present)

	existing, err := l.Existing(ctx, "S1", "MTH101", testDate)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, rec.ID, existing.ID)
	assert.True(t, existing.FaceVerified)
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM issuer_details WHERE subject_id = 'S1' AND status = 'present'`))
}

func TestMarkRejections(t *testing.T) {
	ctx := context.Background()
	l, db := newLedger(t)

	cases := []struct {
		name string
		req  MarkRequest
		want error
	}{
		{"no statuses", markReq(nil), apperr.ErrMalformedRequest},
		{"bad status", markReq(map[string]Status{"S1": "late"}), apperr.ErrMalformedRequest},
		{"unknown topic", MarkRequest{IssuerID: "T002", TopicCode: "CHEM9", GroupID: 4, Date: testDate,
			Statuses: map[string]Status{"S1": StatusPresent}}, apperr.ErrUnknownTopic},
		{"unknown issuer", MarkRequest{IssuerID: "T999", TopicCode: "MTH101", GroupID: 4, Date: testDate,
			Statuses: map[string]Status{"S1": StatusPresent}}, apperr.ErrUnknownIssuer},
		{"unknown subject", markReq(map[string]Status{"S1": StatusPresent, "S9": StatusPresent}), apperr.ErrUnknownSubject},
		{"other class", markReq(map[string]Status{"S1": StatusPresent, "S4": StatusPresent}), apperr.ErrUnknownSubject},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Mark(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	assert.Equal(t, 0, countRows(t, db, `SELECT COUNT(*) FROM attendance_records`))
	assert.Equal(t, 0, countRows(t, db, `SELECT COUNT(*) FROM issuer_details`))
}

func TestSubjectRecordsSummarisesTopics(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	_, err := l.Commit(ctx, commitReq("S1"))
	require.NoError(t, err)
	next := commitReq("S1")
	next.Date = "2023-11-15"
	next.MarkedAt = markedAt.Add(24 * time.Hour)
	_, err = l.Commit(ctx, next)
	require.NoError(t, err)
	_, err = l.Mark(ctx, MarkRequest{IssuerID: "T003", TopicCode: "PHY101", GroupID: 4, Date: testDate,
		Statuses: map[string]Status{"S1": StatusAbsent}})
	require.NoError(t, err)

	report, err := l.SubjectRecords(ctx, "S1", "", 0)
	require.NoError(t, err)
	require.Len(t, report.Records, 3)
	assert.Equal(t, "2023-11-15", report.Records[0].Date)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Present)
	assert.Equal(t, 1, report.Absent)
	assert.Equal(t, 66.67, report.Percentage)

	require.Len(t, report.Topics, 2)
	assert.Equal(t, TopicSummary{TopicCode: "MTH101", TopicName: "Mathematics", Present: 2, Total: 2, Percentage: 100}, report.Topics[0])
	assert.Equal(t, TopicSummary{TopicCode: "PHY101", TopicName: "Physics", Absent: 1, Total: 1}, report.Topics[1])

	recent, err := l.SubjectRecords(ctx, "S1", "2023-11-15", 0)
	require.NoError(t, err)
	assert.Len(t, recent.Records, 1)
	assert.Equal(t, 3, recent.Total)

	empty, err := l.SubjectRecords(ctx, "S3", "", 0)
	require.NoError(t, err)
	assert.Empty(t, empty.Records)
	assert.Zero(t, empty.Percentage)

	_, err = l.SubjectRecords(ctx, "S9", "", 0)
	assert.ErrorIs(t, err, apperr.ErrUnknownSubject)
}

func TestClassAnalytics(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	_, err := l.Commit(ctx, commitReq("S1"))
	require.NoError(t, err)
	_, err = l.Commit(ctx, commitReq("S2"))
	require.NoError(t, err)
	_, err = l.Mark(ctx, MarkRequest{IssuerID: "T002", TopicCode: "MTH101", GroupID: 4, Date: "2023-11-10",
		Statuses: map[string]Status{"S1": StatusPresent, "S3": StatusAbsent}})
	require.NoError(t, err)

	stats, err := l.ClassAnalytics(ctx, "T002", "mth101", 4, testDate)
	require.NoError(t, err)
	assert.Equal(t, "MTH101", stats.TopicCode)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Present)
	assert.Equal(t, 1, stats.Absent)
	require.Len(t, stats.Trend, 7)
	assert.Equal(t, DayCount{Date: "2023-11-08", Present: 0}, stats.Trend[0])
	assert.Equal(t, DayCount{Date: "2023-11-10", Present: 1}, stats.Trend[2])
	assert.Equal(t, DayCount{Date: testDate, Present: 2}, stats.Trend[6])

	other, err := l.ClassAnalytics(ctx, "T003", "MTH101", 4, testDate)
	require.NoError(t, err)
	assert.Zero(t, other.Present)
	assert.Equal(t, 3, other.Absent)

	_, err = l.ClassAnalytics(ctx, "T002", "MTH101", 4, "14/11/2023")
	assert.ErrorIs(t, err, apperr.ErrMalformedRequest)
	_, err = l.ClassAnalytics(ctx, "T002", "CHEM9", 4, testDate)
	assert.ErrorIs(t, err, apperr.ErrUnknownTopic)
}

func TestFullQueueDoesNotStallCommit(t *testing.T) {
	full := queue.NewInMemory(0)
	l, db := newLedger(t, WithPublisher(full), WithPublishTimeout(20*time.Millisecond))

	start := time.Now()
	rec, err := l.Commit(context.Background(), commitReq("S1"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM attendance_records WHERE status = 'present'`))
}

func TestCancelledRequestStillPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	l, _ := newLedger(t, WithPublisher(pub))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := l.Commit(ctx, commitReq("S1"))
	require.NoError(t, err)
	cancel()

	rec, subject, topic := Record{ID: "r1", IssuerID: "T002"}, Subject{ID: "S1"}, Topic{Code: "MTH101"}
	l.publish(ctx, rec, subject, topic, false)
	assert.Len(t, pub.messages, 2)
}

package attendance

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"presence/internal/apperr"
	"presence/internal/face"
	"presence/internal/store"
)

// Directory reads the reference entities the ledger depends on and stores
// enrollment templates.
type Directory struct {
	db     *store.DB
	topics *gocache.Cache
}

// NewDirectory creates a directory. Topic lookups are cached for topicTTL;
// zero disables caching.
func NewDirectory(db *store.DB, topicTTL time.Duration) *Directory {
	d := &Directory{db: db}
	if topicTTL > 0 {
		d.topics = gocache.New(topicTTL, 2*topicTTL)
	}
	return d
}

// Topic resolves a topic by code. Unknown codes yield UnknownTopic.
func (d *Directory) Topic(ctx context.Context, code string) (Topic, error) {
	code = normalizeCode(code)
	if d.topics != nil {
		if cached, ok := d.topics.Get(code); ok {
			return cached.(Topic), nil
		}
	}
	t, err := topicByCode(ctx, d.db, code)
	if err != nil {
		return Topic{}, err
	}
	if d.topics != nil {
		d.topics.SetDefault(code, t)
	}
	return t, nil
}

// TopicExists implements challenge.TopicCatalog.
func (d *Directory) TopicExists(ctx context.Context, code string) (bool, error) {
	_, err := d.Topic(ctx, code)
	if errors.Is(err, apperr.ErrUnknownTopic) {
		return false, nil
	}
	return err == nil, err
}

// Subject loads a subject with its enrolled descriptor.
func (d *Directory) Subject(ctx context.Context, id string) (Subject, error) {
	return subjectByID(ctx, d.db, id)
}

// Enroll stores a fresh descriptor for the subject, replacing any previous one.
func (d *Directory) Enroll(ctx context.Context, subjectID string, desc face.Descriptor, at time.Time) error {
	if len(desc) == 0 {
		return apperr.New(apperr.MalformedRequest, "empty descriptor")
	}
	raw, err := face.MarshalDescriptor(desc)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode descriptor")
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE subjects SET face_descriptor = ?, enrolled_at = ? WHERE id = ?
	`, raw, at.UTC(), subjectID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "store descriptor")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.UnknownSubject, "unknown subject %q", subjectID)
	}
	return nil
}

func topicByCode(ctx context.Context, q store.DBTX, code string) (Topic, error) {
	var t Topic
	err := q.QueryRowContext(ctx, `SELECT id, code, name FROM topics WHERE code = ?`, code).
		Scan(&t.ID, &t.Code, &t.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Topic{}, apperr.New(apperr.UnknownTopic, "unknown subject code %q", code)
	}
	if err != nil {
		return Topic{}, err
	}
	return t, nil
}

func issuerExists(ctx context.Context, q store.DBTX, rollNo string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM issuers WHERE roll_no = ?`, rollNo).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.UnknownIssuer, "unknown teacher %q", rollNo)
	}
	return err
}

func subjectByID(ctx context.Context, q store.DBTX, id string) (Subject, error) {
	var (
		s    Subject
		desc sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, roll_number, name, group_id, face_descriptor, enrolled_at
		FROM subjects WHERE id = ?
	`, id).Scan(&s.ID, &s.RollNumber, &s.Name, &s.GroupID, &desc, &s.EnrolledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Subject{}, apperr.New(apperr.UnknownSubject, "unknown student %q", id)
	}
	if err != nil {
		return Subject{}, err
	}
	if desc.Valid && desc.String != "" {
		d, err := face.UnmarshalDescriptor(desc.String)
		if err != nil {
			return Subject{}, apperr.Wrap(apperr.Internal, err, "stored descriptor for %q is corrupt", id)
		}
		s.Descriptor = d
	}
	return s, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"presence/internal/apperr"
	"presence/internal/store"
)

const aggregateColumns = `
	a.id, a.issuer_id, a.topic_id, t.code, t.name, a.group_id, a.attendance_date,
	a.total_students, a.present_students, a.absent_students, a.percentage, a.created_at, a.updated_at`

func scanAggregate(row interface{ Scan(...any) error }) (Aggregate, error) {
	var a Aggregate
	err := row.Scan(&a.ID, &a.IssuerID, &a.TopicID, &a.TopicCode, &a.TopicName, &a.GroupID, &a.Date,
		&a.Total, &a.Present, &a.Absent, &a.Percentage, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func aggregateByID(ctx context.Context, q store.DBTX, id string) (Aggregate, error) {
	a, err := scanAggregate(q.QueryRowContext(ctx, `
		SELECT`+aggregateColumns+`
		FROM issuer_aggregates a JOIN topics t ON t.id = a.topic_id
		WHERE a.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Aggregate{}, apperr.New(apperr.NotFound, "attendance record not found")
	}
	return a, err
}

// ListAggregates returns the issuer's sessions on or after since (YYYY-MM-DD),
// newest first. An empty since lists everything.
func (l *Ledger) ListAggregates(ctx context.Context, issuerID, since string, limit int) ([]Aggregate, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []Aggregate
	err := l.db.ReadOnly(ctx, func(ctx context.Context, q store.DBTX) error {
		rows, err := q.QueryContext(ctx, `
			SELECT`+aggregateColumns+`
			FROM issuer_aggregates a JOIN topics t ON t.id = a.topic_id
			WHERE a.issuer_id = ? AND a.attendance_date >= ?
			ORDER BY a.attendance_date DESC, t.code, a.group_id
			LIMIT ?`, issuerID, since, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAggregate(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list attendance records")
	}
	return out, nil
}

// AggregateDetails returns one of the issuer's sessions with per-subject rows.
// Sessions of other issuers are reported as not found.
func (l *Ledger) AggregateDetails(ctx context.Context, issuerID, aggregateID string) (Aggregate, []Detail, error) {
	var (
		agg     Aggregate
		details []Detail
	)
	err := l.db.ReadOnly(ctx, func(ctx context.Context, q store.DBTX) error {
		var err error
		agg, err = aggregateByID(ctx, q, aggregateID)
		if err != nil {
			return err
		}
		if agg.IssuerID != issuerID {
			return apperr.New(apperr.NotFound, "attendance record not found")
		}
		rows, err := q.QueryContext(ctx, `
			SELECT d.id, d.aggregate_id, d.subject_id, s.roll_number, s.name, d.status,
				d.face_verified, d.group_mismatch, d.marked_at
			FROM issuer_details d JOIN subjects s ON s.id = d.subject_id
			WHERE d.aggregate_id = ?
			ORDER BY s.roll_number`, aggregateID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				d      Detail
				status string
			)
			if err := rows.Scan(&d.ID, &d.AggregateID, &d.SubjectID, &d.RollNumber, &d.Name, &status,
				&d.FaceVerified, &d.GroupMismatch, &d.MarkedAt); err != nil {
				return err
			}
			d.Status = Status(status)
			details = append(details, d)
		}
		return rows.Err()
	})
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return Aggregate{}, nil, err
		}
		return Aggregate{}, nil, apperr.Wrap(apperr.Internal, err, "load attendance record")
	}
	return agg, details, nil
}

// SubjectRecords returns the subject's records on or after since, newest
// first, with all-time totals per topic.
func (l *Ledger) SubjectRecords(ctx context.Context, subjectID, since string, limit int) (SubjectReport, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	report := SubjectReport{Records: []Record{}, Topics: []TopicSummary{}}
	err := l.db.ReadOnly(ctx, func(ctx context.Context, q store.DBTX) error {
		if _, err := subjectByID(ctx, q, subjectID); err != nil {
			return err
		}
		rows, err := q.QueryContext(ctx, `
			SELECT r.id, r.subject_id, r.topic_id, t.code, r.issuer_id, r.group_id, r.challenge_group_id,
				r.attendance_date, r.marked_at, r.status, r.face_verified
			FROM attendance_records r JOIN topics t ON t.id = r.topic_id
			WHERE r.subject_id = ? AND r.attendance_date >= ?
			ORDER BY r.attendance_date DESC, r.marked_at DESC
			LIMIT ?`, subjectID, since, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r       Record
				status  string
				chGroup sql.NullInt64
			)
			if err := rows.Scan(&r.ID, &r.SubjectID, &r.TopicID, &r.TopicCode, &r.IssuerID, &r.GroupID,
				&chGroup, &r.Date, &r.MarkedAt, &status, &r.FaceVerified); err != nil {
				return err
			}
			r.Status = Status(status)
			if chGroup.Valid {
				v := chGroup.Int64
				r.ChallengeGroupID = &v
			}
			report.Records = append(report.Records, r)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		sums, err := q.QueryContext(ctx, `
			SELECT t.code, t.name,
				COALESCE(SUM(CASE WHEN r.status = 'present' THEN 1 ELSE 0 END), 0), COUNT(*)
			FROM attendance_records r JOIN topics t ON t.id = r.topic_id
			WHERE r.subject_id = ?
			GROUP BY t.code, t.name
			ORDER BY t.code`, subjectID)
		if err != nil {
			return err
		}
		defer sums.Close()
		for sums.Next() {
			var s TopicSummary
			if err := sums.Scan(&s.TopicCode, &s.TopicName, &s.Present, &s.Total); err != nil {
				return err
			}
			s.Absent = s.Total - s.Present
			s.Percentage = percentage(s.Present, s.Total)
			report.Topics = append(report.Topics, s)
			report.Present += s.Present
			report.Total += s.Total
		}
		return sums.Err()
	})
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return SubjectReport{}, err
		}
		return SubjectReport{}, apperr.Wrap(apperr.Internal, err, "load student attendance")
	}
	report.Absent = report.Total - report.Present
	report.Percentage = percentage(report.Present, report.Total)
	return report, nil
}

// trendDays is the length of the present trend, ending on the requested day.
const trendDays = 7

// ClassAnalytics returns the issuer's counts for (topic, group) on date and
// the present count for each of the seven days ending on date.
func (l *Ledger) ClassAnalytics(ctx context.Context, issuerID, topicCode string, groupID int64, date string) (ClassAnalytics, error) {
	if date == "" {
		date = l.Today()
	}
	day, err := time.Parse(DateLayout, date)
	if err != nil {
		return ClassAnalytics{}, apperr.New(apperr.MalformedRequest, "date must be YYYY-MM-DD")
	}
	first := day.AddDate(0, 0, -(trendDays - 1)).Format(DateLayout)

	out := ClassAnalytics{GroupID: groupID, Date: date}
	err = l.db.ReadOnly(ctx, func(ctx context.Context, q store.DBTX) error {
		topic, err := topicByCode(ctx, q, normalizeCode(topicCode))
		if err != nil {
			return err
		}
		out.TopicCode = topic.Code
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM subjects WHERE group_id = ?`, groupID).
			Scan(&out.Total); err != nil {
			return err
		}
		rows, err := q.QueryContext(ctx, `
			SELECT attendance_date, COUNT(*) FROM attendance_records
			WHERE issuer_id = ? AND topic_id = ? AND group_id = ? AND status = 'present'
				AND attendance_date >= ? AND attendance_date <= ?
			GROUP BY attendance_date`, issuerID, topic.ID, groupID, first, date)
		if err != nil {
			return err
		}
		defer rows.Close()
		counts := make(map[string]int, trendDays)
		for rows.Next() {
			var (
				d string
				n int
			)
			if err := rows.Scan(&d, &n); err != nil {
				return err
			}
			counts[d] = n
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for i := trendDays - 1; i >= 0; i-- {
			d := day.AddDate(0, 0, -i).Format(DateLayout)
			out.Trend = append(out.Trend, DayCount{Date: d, Present: counts[d]})
		}
		out.Present = counts[date]
		return nil
	})
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return ClassAnalytics{}, err
		}
		return ClassAnalytics{}, apperr.Wrap(apperr.Internal, err, "load class analytics")
	}
	out.Absent = out.Total - out.Present
	if out.Absent < 0 {
		out.Absent = 0
	}
	return out, nil
}

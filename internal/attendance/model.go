package attendance

import (
	"time"

	"presence/internal/apperr"
	"presence/internal/face"
)

// DateLayout is the calendar-date format stored in attendance_date columns.
const DateLayout = "2006-01-02"

// Status of a subject for one session.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
)

// Record is the subject-facing attendance row.
type Record struct {
	ID               string    `json:"id"`
	SubjectID        string    `json:"subject_id"`
	TopicID          string    `json:"topic_id"`
	TopicCode        string    `json:"topic_code"`
	IssuerID         string    `json:"issuer_id"`
	GroupID          int64     `json:"group_id"`
	ChallengeGroupID *int64    `json:"challenge_group_id,omitempty"`
	Date             string    `json:"date"`
	MarkedAt         time.Time `json:"marked_at"`
	Status           Status    `json:"status"`
	FaceVerified     bool      `json:"face_verified"`
	ChallengePayload string    `json:"-"`
}

// Aggregate is the issuer-facing session summary for (issuer, topic, group, date).
type Aggregate struct {
	ID         string    `json:"id"`
	IssuerID   string    `json:"issuer_id"`
	TopicID    string    `json:"topic_id"`
	TopicCode  string    `json:"topic_code"`
	TopicName  string    `json:"topic_name"`
	GroupID    int64     `json:"group_id"`
	Date       string    `json:"date"`
	Total      int       `json:"total_students"`
	Present    int       `json:"present_students"`
	Absent     int       `json:"absent_students"`
	Percentage float64   `json:"percentage"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Detail is one subject's status inside an aggregate.
type Detail struct {
	ID            string     `json:"id"`
	AggregateID   string     `json:"aggregate_id"`
	SubjectID     string     `json:"subject_id"`
	RollNumber    string     `json:"roll_number"`
	Name          string     `json:"name"`
	Status        Status     `json:"status"`
	FaceVerified  bool       `json:"face_verified"`
	GroupMismatch bool       `json:"group_mismatch"`
	MarkedAt      *time.Time `json:"marked_at,omitempty"`
}

// Notification tells an issuer that a subject marked attendance.
type Notification struct {
	ID            string     `json:"id"`
	IssuerID      string     `json:"issuer_id"`
	SubjectID     string     `json:"subject_id"`
	RecordID      string     `json:"record_id"`
	TopicCode     string     `json:"topic_code"`
	Kind          string     `json:"notification_type"`
	Message       string     `json:"message"`
	GroupMismatch bool       `json:"group_mismatch"`
	IsRead        bool       `json:"is_read"`
	CreatedAt     time.Time  `json:"created_at"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
}

// Topic is a catalog entry referenced by challenges.
type Topic struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// Subject is an enrolled person with their group and face template.
type Subject struct {
	ID         string          `json:"id"`
	RollNumber string          `json:"roll_number"`
	Name       string          `json:"name"`
	GroupID    int64           `json:"group_id"`
	Descriptor face.Descriptor `json:"-"`
	EnrolledAt *time.Time      `json:"enrolled_at,omitempty"`
}

// Enrolled reports whether the subject has a face template.
func (s Subject) Enrolled() bool { return len(s.Descriptor) > 0 }

// Evidence is what the verification pipeline established about the attempt.
type Evidence struct {
	LivenessVerified bool    `json:"liveness_verified"`
	BlinkCount       int     `json:"blink_count"`
	HeadMoved        bool    `json:"head_moved"`
	Similarity       float64 `json:"similarity"`
}

// CommitRequest carries everything Commit needs. Date defaults to MarkedAt
// in the ledger's location; MarkedAt defaults to now.
type CommitRequest struct {
	SubjectID        string
	TopicCode        string
	IssuerID         string
	ChallengeGroupID *int64
	Date             string
	MarkedAt         time.Time
	FaceMatched      bool
	Evidence         Evidence
	ChallengePayload string
}

// AlreadyMarkedError is returned when the subject already has a present
// record for the topic and date. It unwraps to apperr.ErrAlreadyMarked.
type AlreadyMarkedError struct {
	Existing Record
}

func (e *AlreadyMarkedError) Error() string {
	return "attendance already marked at " + e.Existing.MarkedAt.Format(time.RFC3339)
}

func (e *AlreadyMarkedError) Unwrap() error { return apperr.ErrAlreadyMarked }

// MarkRequest is an issuer's hand-entered attendance for one session.
// Statuses maps subject ids to present or absent. Date defaults to today.
type MarkRequest struct {
	IssuerID  string
	TopicCode string
	GroupID   int64
	Date      string
	Statuses  map[string]Status
}

// MarkResult is the session after a manual mark. Kept lists subjects whose
// face-verified present record was left in place.
type MarkResult struct {
	Aggregate Aggregate `json:"record"`
	Kept      []string  `json:"kept,omitempty"`
}

// TopicSummary is a subject's attendance totals for one topic.
type TopicSummary struct {
	TopicCode  string  `json:"topic_code"`
	TopicName  string  `json:"topic_name"`
	Present    int     `json:"present"`
	Absent     int     `json:"absent"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// SubjectReport is a subject's own attendance history.
type SubjectReport struct {
	Records    []Record       `json:"records"`
	Topics     []TopicSummary `json:"topics"`
	Present    int            `json:"present"`
	Absent     int            `json:"absent"`
	Total      int            `json:"total"`
	Percentage float64        `json:"percentage"`
}

// DayCount is the present count of one calendar day.
type DayCount struct {
	Date    string `json:"date"`
	Present int    `json:"present"`
}

// ClassAnalytics summarises one issuer's class for a topic: the day's counts
// and the present trend over the trailing week.
type ClassAnalytics struct {
	GroupID   int64      `json:"group_id"`
	TopicCode string     `json:"topic_code"`
	Date      string     `json:"date"`
	Total     int        `json:"total_students"`
	Present   int        `json:"present_today"`
	Absent    int        `json:"absent_today"`
	Trend     []DayCount `json:"trend"`
}

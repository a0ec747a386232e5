// Package verify runs a presence claim end to end: challenge, face, liveness
// and ledger.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"presence/internal/apperr"
	"presence/internal/attendance"
	"presence/internal/challenge"
	"presence/internal/cloudinary"
	"presence/internal/face"
	"presence/internal/liveness"
	"presence/internal/metrics"
)

// Directory resolves subjects and stores enrollment templates.
type Directory interface {
	Subject(ctx context.Context, id string) (attendance.Subject, error)
	Enroll(ctx context.Context, subjectID string, desc face.Descriptor, at time.Time) error
}

// Ledger is the attendance ledger as seen by verification.
type Ledger interface {
	Commit(ctx context.Context, req attendance.CommitRequest) (attendance.Record, error)
	Existing(ctx context.Context, subjectID, topicCode, date string) (*attendance.Record, error)
	Today() string
}

// Archiver stores verification captures out of band.
type Archiver interface {
	UploadDataURL(ctx context.Context, data, publicID string, tags ...string) (*cloudinary.UploadResult, error)
}

// Config holds verification policy.
type Config struct {
	ChallengeMaxAge     time.Duration
	TrustClientVerified bool
	Location            *time.Location
}

// Service verifies presence claims.
type Service struct {
	codec    *challenge.Codec
	detector face.Detector
	matcher  face.Matcher
	tracker  *liveness.Tracker
	dir      Directory
	ledger   Ledger
	archive  Archiver
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithArchiver(a Archiver) Option {
	return func(s *Service) { s.archive = a }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(codec *challenge.Codec, detector face.Detector, matcher face.Matcher, tracker *liveness.Tracker,
	dir Directory, ledger Ledger, cfg Config, opts ...Option) *Service {
	if cfg.ChallengeMaxAge <= 0 {
		cfg.ChallengeMaxAge = time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Service{
		codec:    codec,
		detector: detector,
		matcher:  matcher,
		tracker:  tracker,
		dir:      dir,
		ledger:   ledger,
		cfg:      cfg,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify runs one verification attempt for subjectID. Every user-facing
// result, including AlreadyMarked, comes back as an Outcome; the error is
// reserved for storage and internal failures.
func (s *Service) Verify(ctx context.Context, subjectID string, req Request) (Outcome, error) {
	start := time.Now()
	out, err := s.verify(ctx, subjectID, req)
	metrics.VerifyDuration.Observe(time.Since(start).Seconds())
	label := out.Label()
	if err != nil {
		label = string(apperr.KindOf(err))
	}
	metrics.Verifications.WithLabelValues(label).Inc()
	return out, err
}

func (s *Service) verify(ctx context.Context, subjectID string, req Request) (Outcome, error) {
	ch, err := s.decodeChallenge(req)
	if err != nil {
		return Rejected(err), nil
	}
	now := s.now()
	if !challenge.IsFresh(ch, now, s.cfg.ChallengeMaxAge) {
		return Rejected(apperr.New(apperr.ExpiredChallenge, "QR code has expired, ask your teacher for a new one")), nil
	}

	date := s.ledger.Today()
	existing, err := s.ledger.Existing(ctx, subjectID, ch.TopicCode, date)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.Internal, err, "check existing attendance")
	}
	if existing != nil {
		return alreadyMarked(*existing, s.displayTime(existing.MarkedAt)), nil
	}

	subject, err := s.dir.Subject(ctx, subjectID)
	if err != nil {
		return s.classify(err)
	}

	groupID := ch.GroupID
	commit := attendance.CommitRequest{
		SubjectID:        subject.ID,
		TopicCode:        ch.TopicCode,
		IssuerID:         ch.IssuerID,
		ChallengeGroupID: &groupID,
		Date:             date,
		MarkedAt:         now,
		ChallengePayload: s.codec.Payload(ch),
	}

	if req.ClientVerified {
		if !s.cfg.TrustClientVerified {
			return Rejected(apperr.New(apperr.MalformedRequest, "client-side face verification is not accepted")), nil
		}
		commit.FaceMatched = true
		commit.Evidence = attendance.Evidence{LivenessVerified: true}
		rec, err := s.ledger.Commit(ctx, commit)
		if err != nil {
			return s.commitFailed(err)
		}
		s.log.Info("attendance marked on client verification",
			zap.String("subject", subject.ID), zap.String("topic", rec.TopicCode), zap.String("record", rec.ID))
		return success(rec, "Face verified and attendance marked successfully", liveness.Status{LivenessVerified: true}, true), nil
	}

	if !subject.Enrolled() {
		return Rejected(apperr.New(apperr.NotEnrolled, "No face encoding found for this student")), nil
	}

	img, err := face.DecodeDataURL(req.CanvasDataURL)
	if err != nil {
		return Rejected(err), nil
	}
	rect, err := face.DetectOne(s.detector, img)
	if err != nil {
		st, _ := s.tracker.Status(ctx, subject.ID)
		s.archiveCapture(subject.ID, req.CanvasDataURL, FailureFaceNotDetected)
		return retryable(apperr.NoFaceDetected, FailureFaceNotDetected, false, 0, st), nil
	}
	eyes, err := s.detector.DetectEyes(img, rect)
	if err != nil {
		s.log.Debug("eye detection failed", zap.String("subject", subject.ID), zap.Error(err))
		eyes = nil
	}
	features, err := face.Extract(img, rect)
	if err != nil {
		st, _ := s.tracker.Status(ctx, subject.ID)
		return retryable(apperr.NoFaceDetected, FailureFaceNotDetected, false, 0, st), nil
	}

	st, err := s.tracker.Observe(ctx, subject.ID, liveness.Observation{Face: rect, Eyes: eyes, Features: features})
	if err != nil {
		if errors.Is(err, apperr.ErrStorageUnavailable) {
			return Outcome{}, err
		}
		return Outcome{}, apperr.Wrap(apperr.Internal, err, "update liveness state")
	}
	match := s.matcher.Compare(subject.Descriptor, features)

	s.log.Debug("verification evidence",
		zap.String("subject", subject.ID),
		zap.Float64("similarity", match.Similarity),
		zap.Bool("face_match", match.Matched),
		zap.Int("blinks", st.BlinkCount),
		zap.Bool("head_moved", st.HeadMoved),
		zap.Bool("liveness", st.LivenessVerified))

	if !match.Matched {
		s.archiveCapture(subject.ID, req.CanvasDataURL, FailureFaceMismatch)
		return retryable(apperr.FaceMismatch, FailureFaceMismatch, false, match.Similarity, st), nil
	}
	if !st.LivenessVerified {
		return retryable(apperr.LivenessNotVerified, FailureLiveness, true, match.Similarity, st), nil
	}

	commit.FaceMatched = true
	commit.Evidence = attendance.Evidence{
		LivenessVerified: true,
		BlinkCount:       st.BlinkCount,
		HeadMoved:        st.HeadMoved,
		Similarity:       match.Similarity,
	}
	rec, err := s.ledger.Commit(ctx, commit)
	if err != nil {
		return s.commitFailed(err)
	}
	s.archiveCapture(subject.ID, req.CanvasDataURL, StatusSuccess)
	s.log.Info("attendance marked",
		zap.String("subject", subject.ID),
		zap.String("topic", rec.TopicCode),
		zap.String("record", rec.ID),
		zap.Float64("similarity", match.Similarity))
	return success(rec, "Face verified with liveness detection and attendance marked successfully", st, true), nil
}

// Enroll computes and stores the subject's face template from a capture.
func (s *Service) Enroll(ctx context.Context, subjectID, dataURL string) (int, error) {
	img, err := face.DecodeDataURL(dataURL)
	if err != nil {
		return 0, err
	}
	rect, err := face.DetectOne(s.detector, img)
	if err != nil {
		return 0, err
	}
	features, err := face.Extract(img, rect)
	if err != nil {
		return 0, err
	}
	if err := s.dir.Enroll(ctx, subjectID, features, s.now()); err != nil {
		return 0, err
	}
	s.log.Info("face enrolled", zap.String("subject", subjectID), zap.Int("length", len(features)))
	return len(features), nil
}

func (s *Service) decodeChallenge(req Request) (challenge.Challenge, error) {
	if req.QRPayload != "" {
		return s.codec.Decode(req.QRPayload)
	}
	if req.QRFields != nil {
		return s.codec.DecodeFields(req.QRFields)
	}
	return challenge.Challenge{}, apperr.New(apperr.MalformedChallenge, "missing qr_data")
}

func (s *Service) commitFailed(err error) (Outcome, error) {
	var am *attendance.AlreadyMarkedError
	if errors.As(err, &am) {
		return alreadyMarked(am.Existing, s.displayTime(am.Existing.MarkedAt)), nil
	}
	return s.classify(err)
}

// classify turns validation errors into terminal outcomes and passes storage
// and internal errors through.
func (s *Service) classify(err error) (Outcome, error) {
	switch apperr.KindOf(err) {
	case apperr.StorageUnavailable, apperr.StorageContention, apperr.Internal:
		return Outcome{}, err
	case apperr.FaceMismatch:
		return retryable(apperr.FaceMismatch, FailureFaceMismatch, false, 0, liveness.Status{}), nil
	case apperr.LivenessNotVerified:
		return retryable(apperr.LivenessNotVerified, FailureLiveness, true, 0, liveness.Status{}), nil
	default:
		return Rejected(err), nil
	}
}

func (s *Service) displayTime(t time.Time) string {
	return t.In(s.cfg.Location).Format("03:04 PM")
}

func (s *Service) archiveCapture(subjectID, dataURL, result string) {
	if s.archive == nil {
		return
	}
	publicID := fmt.Sprintf("%s-%d", subjectID, s.now().UnixNano())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.archive.UploadDataURL(ctx, dataURL, publicID, "verification", result); err != nil {
			s.log.Warn("capture archive failed", zap.String("subject", subjectID), zap.Error(err))
		}
	}()
}

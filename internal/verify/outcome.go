package verify

import (
	"strings"

	"presence/internal/apperr"
	"presence/internal/attendance"
	"presence/internal/liveness"
)

// Outcome statuses.
const (
	StatusSuccess       = "success"
	StatusAlreadyMarked = "already_marked"
	StatusError         = "error"
)

// Failure types reported in Details.FailureType.
const (
	FailureFaceNotDetected = "face_not_detected"
	FailureFaceMismatch    = "face_mismatch"
	FailureLiveness        = "liveness_failed"
)

// Outcome is the structured verification response.
type Outcome struct {
	Status        string          `json:"status"`
	Message       string          `json:"message"`
	AttendanceID  string          `json:"attendance_id,omitempty"`
	Liveness      *LivenessReport `json:"liveness_status,omitempty"`
	Existing      *ExistingRecord `json:"existing_record,omitempty"`
	PromptMessage string          `json:"prompt_message,omitempty"`
	RetryRequired *bool           `json:"retry_required,omitempty"`
	Details       *Details        `json:"details,omitempty"`

	// Kind classifies error outcomes for transport mapping.
	Kind apperr.Kind `json:"-"`
}

// LivenessReport accompanies a successful verification.
type LivenessReport struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	LivenessVerified bool   `json:"liveness_verified"`
	FaceMatch        bool   `json:"face_match"`
	BlinkCount       int    `json:"blink_count"`
	HeadMoved        bool   `json:"head_moved"`
}

// ExistingRecord describes the record that made an attempt redundant.
type ExistingRecord struct {
	ID   string `json:"id"`
	Time string `json:"time"`
	Date string `json:"date"`
}

// Details lets a client render an actionable retry prompt.
type Details struct {
	FaceMatch        bool    `json:"face_match"`
	LivenessVerified bool    `json:"liveness_verified"`
	BlinkCount       int     `json:"blink_count"`
	HeadMoved        bool    `json:"head_moved"`
	Similarity       float64 `json:"similarity"`
	FailureType      string  `json:"failure_type"`
}

// Label is the metrics label for the outcome.
func (o Outcome) Label() string {
	if o.Status == StatusError && o.Details != nil && o.Details.FailureType != "" {
		return o.Details.FailureType
	}
	return o.Status
}

func success(rec attendance.Record, msg string, st liveness.Status, matched bool) Outcome {
	return Outcome{
		Status:       StatusSuccess,
		Message:      msg,
		AttendanceID: rec.ID,
		Liveness: &LivenessReport{
			Success:          true,
			Message:          msg,
			LivenessVerified: st.LivenessVerified,
			FaceMatch:        matched,
			BlinkCount:       st.BlinkCount,
			HeadMoved:        st.HeadMoved,
		},
	}
}

func alreadyMarked(rec attendance.Record, displayTime string) Outcome {
	return Outcome{
		Status:  StatusAlreadyMarked,
		Message: "Attendance already marked for " + rec.TopicCode + " today",
		Existing: &ExistingRecord{
			ID:   rec.ID,
			Time: displayTime,
			Date: rec.Date,
		},
		Kind: apperr.AlreadyMarked,
	}
}

// Rejected reports a failure the user cannot fix by scanning again.
func Rejected(err error) Outcome {
	kind := apperr.KindOf(err)
	retry := false
	return Outcome{
		Status:        StatusError,
		Message:       apperr.MessageOf(err),
		RetryRequired: &retry,
		Details:       &Details{FailureType: strings.ToLower(string(kind))},
		Kind:          kind,
	}
}

// retryable reports a face or liveness failure with a prompt for the next scan.
func retryable(kind apperr.Kind, failureType string, matched bool, similarity float64, st liveness.Status) Outcome {
	retry := true
	message, prompt := prompts(failureType, st)
	return Outcome{
		Status:        StatusError,
		Message:       message,
		PromptMessage: prompt,
		RetryRequired: &retry,
		Details: &Details{
			FaceMatch:        matched,
			LivenessVerified: st.LivenessVerified,
			BlinkCount:       st.BlinkCount,
			HeadMoved:        st.HeadMoved,
			Similarity:       similarity,
			FailureType:      failureType,
		},
		Kind: kind,
	}
}

func prompts(failureType string, st liveness.Status) (message, prompt string) {
	switch failureType {
	case FailureFaceNotDetected:
		return "No face detected. Make sure exactly one face is clearly visible in the camera.",
			"Please scan your face again! Make sure your face is clearly visible and well-lit."
	case FailureFaceMismatch:
		return "Face not detected or doesn't match your profile. Please try scanning again with better lighting and make sure your face is clearly visible in the camera.",
			"Please scan your face again! Make sure your face is clearly visible and well-lit."
	}
	switch {
	case st.BlinkCount == 0 && !st.HeadMoved:
		return "Face matches but liveness verification failed. Please blink naturally and move your head slightly during scanning.",
			"Please scan again! This time, blink naturally and move your head slightly while looking at the camera."
	case st.BlinkCount == 0:
		return "Face matches but please blink naturally during scanning for liveness verification.",
			"Please scan again! This time, blink naturally while looking at the camera."
	case !st.HeadMoved:
		return "Face matches but please move your head slightly during scanning for liveness verification.",
			"Please scan again! This time, move your head slightly (left-right or up-down) while looking at the camera."
	default:
		return "Face matches but liveness verification failed. Please try scanning again with natural movements.",
			"Please scan again! Make natural movements like blinking and slight head movements."
	}
}

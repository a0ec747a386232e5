package liveness

import (
	"time"

	"presence/internal/face"
)

// Heuristic constants. They mirror the browser-side capture loop and are not
// meant to be tuned per deployment.
const (
	EARThreshold          = 0.3
	ConsecFrames          = 2
	HeadMovementThreshold = 5.0
	FallbackAfter         = 2 * time.Second
	DefaultAperture       = 0.5
)

// Phase is the tracker's view of a subject.
type Phase string

const (
	PhaseNew       Phase = "NEW"
	PhaseObserving Phase = "OBSERVING"
	PhaseVerified  Phase = "VERIFIED"
)

// State is the per-subject liveness record.
type State struct {
	BlinkCount        int             `json:"blink_count"`
	LowApertureFrames int             `json:"low_aperture_frames"`
	PrevFace          *face.Rect      `json:"prev_face,omitempty"`
	HeadMoved         bool            `json:"head_moved"`
	FirstSeen         time.Time       `json:"first_seen"`
	LastSeen          time.Time       `json:"last_seen"`
	LastFeatures      face.Descriptor `json:"last_features,omitempty"`
}

// Observation is what one verification attempt contributes.
type Observation struct {
	Face     face.Rect
	Eyes     []face.Rect
	Features face.Descriptor
}

// Status summarizes a subject's liveness for responses.
type Status struct {
	Phase            Phase   `json:"phase"`
	BlinkCount       int     `json:"blink_count"`
	HeadMoved        bool    `json:"head_moved"`
	LivenessVerified bool    `json:"liveness_verified"`
	ObservedFor      float64 `json:"observed_seconds"`
}

// Aperture averages height/width over the detected eyes. With no usable eye
// box it returns DefaultAperture.
func Aperture(eyes []face.Rect) float64 {
	var sum float64
	var n int
	for _, e := range eyes {
		if e.W <= 0 {
			continue
		}
		sum += float64(e.H) / float64(e.W)
		n++
	}
	if n == 0 {
		return DefaultAperture
	}
	return sum / float64(n)
}

func (s *State) apply(obs Observation, now time.Time) {
	if s.FirstSeen.IsZero() {
		s.FirstSeen = now
	}
	s.LastSeen = now

	if Aperture(obs.Eyes) < EARThreshold {
		s.LowApertureFrames++
	} else {
		if s.LowApertureFrames >= ConsecFrames {
			s.BlinkCount++
		}
		s.LowApertureFrames = 0
	}

	if s.PrevFace != nil && s.PrevFace.Distance(obs.Face) > HeadMovementThreshold {
		s.HeadMoved = true
	}
	current := obs.Face
	s.PrevFace = &current

	if len(obs.Features) > 0 {
		s.LastFeatures = obs.Features
	}
}

// verified requires a captured descriptor plus any one liveness signal. Two
// seconds of observation counts as a signal, so a persistent static image
// eventually passes.
func (s *State) verified(now time.Time) bool {
	if len(s.LastFeatures) == 0 {
		return false
	}
	switch {
	case s.BlinkCount >= 1 && s.HeadMoved:
		return true
	case s.HeadMoved:
		return true
	case s.BlinkCount >= 1:
		return true
	case !s.FirstSeen.IsZero() && now.Sub(s.FirstSeen) >= FallbackAfter:
		return true
	}
	return false
}

func (s *State) status(now time.Time) Status {
	if s == nil {
		return Status{Phase: PhaseNew}
	}
	st := Status{
		Phase:      PhaseObserving,
		BlinkCount: s.BlinkCount,
		HeadMoved:  s.HeadMoved,
	}
	if !s.FirstSeen.IsZero() {
		st.ObservedFor = now.Sub(s.FirstSeen).Seconds()
	}
	if s.verified(now) {
		st.Phase = PhaseVerified
		st.LivenessVerified = true
	}
	return st
}

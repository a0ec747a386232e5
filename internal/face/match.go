package face

import "math"

// DefaultThreshold is the single similarity threshold used by every call site.
const DefaultThreshold = 0.75

// Match is the outcome of comparing two descriptors.
type Match struct {
	Similarity float64 `json:"similarity"`
	Matched    bool    `json:"matched"`
	Threshold  float64 `json:"threshold"`
}

// Matcher compares descriptors by cosine similarity.
type Matcher struct {
	Threshold float64
}

// NewMatcher creates a matcher; a non-positive threshold selects DefaultThreshold.
func NewMatcher(threshold float64) Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Matcher{Threshold: threshold}
}

// Compare truncates both descriptors to the shorter length and returns their
// cosine similarity. Matched requires similarity strictly above the threshold.
// A zero-norm side never matches.
func (m Matcher) Compare(enrolled, candidate Descriptor) Match {
	n := len(enrolled)
	if len(candidate) < n {
		n = len(candidate)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		a, b := enrolled[i], candidate[i]
		dot += a * b
		na += a * a
		nb += b * b
	}
	if na == 0 || nb == 0 {
		return Match{Threshold: m.Threshold}
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return Match{Similarity: sim, Matched: sim > m.Threshold, Threshold: m.Threshold}
}

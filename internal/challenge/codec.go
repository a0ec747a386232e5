// Package challenge encodes and decodes the scannable session challenge handed
// out by an issuer and presented by a subject when claiming presence.
//
// The payload is plain text: semicolon separated key=value pairs, order
// independent. Five keys are mandatory: mode, class_id, start_time,
// teacher_roll_no and subject_id. When the codec holds a signing key a sixth
// key, sig, carries a hex HMAC-SHA256 over the five pairs in canonical order.
package challenge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"presence/internal/apperr"
)

const (
	KeyMode      = "mode"
	KeyClassID   = "class_id"
	KeyStartTime = "start_time"
	KeyIssuer    = "teacher_roll_no"
	KeyTopic     = "subject_id"
	KeySignature = "sig"
)

var requiredKeys = []string{KeyMode, KeyClassID, KeyStartTime, KeyIssuer, KeyTopic}

// Challenge is the decoded, request-scoped challenge tuple.
type Challenge struct {
	Mode      string `json:"mode"`
	GroupID   int64  `json:"class_id"`
	IssuerID  string `json:"teacher_roll_no"`
	TopicCode string `json:"subject_id"`
	IssuedAt  int64  `json:"start_time"`
	Signature string `json:"sig,omitempty"`
}

// IssueTime returns IssuedAt as a time.
func (c Challenge) IssueTime() time.Time { return time.Unix(c.IssuedAt, 0) }

// TopicCatalog reports whether a topic code exists. Lookups never create topics.
type TopicCatalog interface {
	TopicExists(ctx context.Context, code string) (bool, error)
}

// Codec encodes and decodes challenge payloads.
type Codec struct {
	topics     TopicCatalog
	signingKey []byte
}

// NewCodec creates a codec. An empty signingKey disables signatures.
func NewCodec(topics TopicCatalog, signingKey string) *Codec {
	c := &Codec{topics: topics}
	if signingKey != "" {
		c.signingKey = []byte(signingKey)
	}
	return c
}

// Signed reports whether payloads carry and require a signature.
func (c *Codec) Signed() bool { return len(c.signingKey) > 0 }

// NormalizeTopic trims and upper-cases a topic code.
func NormalizeTopic(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Encode serializes a challenge. The topic must already exist in the catalog.
func (c *Codec) Encode(ctx context.Context, mode string, groupID int64, issuerID, topicCode string, issueTime time.Time) (string, error) {
	topicCode = NormalizeTopic(topicCode)
	if topicCode == "" {
		return "", apperr.New(apperr.UnknownTopic, "subject_id is required")
	}
	if strings.TrimSpace(issuerID) == "" {
		return "", apperr.New(apperr.MalformedChallenge, "teacher_roll_no is required")
	}
	if mode == "" {
		mode = "class"
	}
	if strings.ContainsAny(mode+issuerID, ";=") {
		return "", apperr.New(apperr.MalformedChallenge, "fields must not contain ';' or '='")
	}
	ok, err := c.topics.TopicExists(ctx, topicCode)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "topic lookup failed")
	}
	if !ok {
		return "", apperr.New(apperr.UnknownTopic, "unknown subject code: %s", topicCode)
	}

	ch := Challenge{
		Mode:      mode,
		GroupID:   groupID,
		IssuerID:  strings.TrimSpace(issuerID),
		TopicCode: topicCode,
		IssuedAt:  issueTime.Unix(),
	}
	payload := canonical(ch)
	if c.Signed() {
		payload += ";" + KeySignature + "=" + c.sign(payload)
	}
	return payload, nil
}

// Payload renders a decoded challenge back to its canonical text, including
// the signature it arrived with.
func (c *Codec) Payload(ch Challenge) string {
	payload := canonical(ch)
	if ch.Signature != "" {
		payload += ";" + KeySignature + "=" + ch.Signature
	}
	return payload
}

// Decode parses a payload produced by Encode.
func (c *Codec) Decode(payload string) (Challenge, error) {
	fields := make(map[string]string, len(requiredKeys)+1)
	for _, segment := range strings.Split(payload, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		key, value, found := strings.Cut(segment, "=")
		if !found {
			return Challenge{}, apperr.New(apperr.MalformedChallenge, "segment %q is not key=value", segment)
		}
		key = strings.TrimSpace(key)
		if _, dup := fields[key]; dup {
			return Challenge{}, apperr.New(apperr.MalformedChallenge, "duplicate key %q", key)
		}
		fields[key] = strings.TrimSpace(value)
	}
	return c.DecodeFields(fields)
}

// DecodeFields validates an already split set of fields, as delivered by a
// client that decoded the scannable code itself. Unknown keys are ignored.
func (c *Codec) DecodeFields(fields map[string]string) (Challenge, error) {
	for _, key := range requiredKeys {
		if strings.TrimSpace(fields[key]) == "" {
			return Challenge{}, apperr.New(apperr.MalformedChallenge, "missing %s", key)
		}
	}
	groupID, err := strconv.ParseInt(strings.TrimSpace(fields[KeyClassID]), 10, 64)
	if err != nil {
		return Challenge{}, apperr.New(apperr.MalformedChallenge, "class_id must be an integer")
	}
	issuedAt, err := strconv.ParseInt(strings.TrimSpace(fields[KeyStartTime]), 10, 64)
	if err != nil {
		return Challenge{}, apperr.New(apperr.MalformedChallenge, "start_time must be a valid timestamp")
	}

	ch := Challenge{
		Mode:      strings.TrimSpace(fields[KeyMode]),
		GroupID:   groupID,
		IssuerID:  strings.TrimSpace(fields[KeyIssuer]),
		TopicCode: strings.TrimSpace(fields[KeyTopic]),
		IssuedAt:  issuedAt,
		Signature: strings.TrimSpace(fields[KeySignature]),
	}
	if c.Signed() {
		if ch.Signature == "" {
			return Challenge{}, apperr.New(apperr.MalformedChallenge, "missing %s", KeySignature)
		}
		want := c.sign(canonical(ch))
		if !hmac.Equal([]byte(want), []byte(strings.ToLower(ch.Signature))) {
			return Challenge{}, apperr.New(apperr.MalformedChallenge, "signature mismatch")
		}
	}
	return ch, nil
}

// IsFresh is false when now is before the issue time (clock skew or tampering)
// or more than maxAge after it.
func IsFresh(ch Challenge, now time.Time, maxAge time.Duration) bool {
	age := now.Unix() - ch.IssuedAt
	if age < 0 {
		return false
	}
	return age <= int64(maxAge/time.Second)
}

func canonical(ch Challenge) string {
	parts := []string{
		KeyMode + "=" + ch.Mode,
		KeyClassID + "=" + strconv.FormatInt(ch.GroupID, 10),
		KeyStartTime + "=" + strconv.FormatInt(ch.IssuedAt, 10),
		KeyIssuer + "=" + ch.IssuerID,
		KeyTopic + "=" + ch.TopicCode,
	}
	return strings.Join(parts, ";")
}

func (c *Codec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

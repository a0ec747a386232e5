package verify

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"presence/internal/apperr"
	"presence/internal/challenge"
)

// verificationTypeFace is the only client-side verification type accepted.
const verificationTypeFace = "face_recognition"

// Request is a parsed verification request. Exactly one of CanvasDataURL and
// ClientVerified is set; exactly one of QRFields and QRPayload is set.
type Request struct {
	QRFields       map[string]string
	QRPayload      string
	CanvasDataURL  string
	ClientVerified bool
}

// qrKeys are the fields a qr_data object may carry.
var qrKeys = map[string]bool{
	challenge.KeyMode:      true,
	challenge.KeyClassID:   true,
	challenge.KeyStartTime: true,
	challenge.KeyIssuer:    true,
	challenge.KeyTopic:     true,
	challenge.KeySignature: true,
}

type wireRequest struct {
	QRData       json.RawMessage `json:"qr_data"`
	FaceEncoding json.RawMessage `json:"face_encoding"`
}

type wireFaceEncoding struct {
	CanvasDataURL    *string `json:"canvas_data_url"`
	FaceVerified     *bool   `json:"face_verified"`
	VerificationType *string `json:"verification_type"`
}

// ParseRequest decodes a verification request body. Unknown fields and
// ambiguous face_encoding shapes are rejected as MalformedRequest.
//
// qr_data is either the scanned payload text or an object of its fields;
// numeric field values are accepted. face_encoding is an object, or a JSON
// string holding that object.
func ParseRequest(body []byte) (Request, error) {
	var wire wireRequest
	if err := strictUnmarshal(body, &wire); err != nil {
		return Request{}, apperr.Wrap(apperr.MalformedRequest, err, "invalid request body")
	}
	if len(wire.QRData) == 0 || string(wire.QRData) == "null" {
		return Request{}, apperr.New(apperr.MalformedRequest, "qr_data is required")
	}
	if len(wire.FaceEncoding) == 0 || string(wire.FaceEncoding) == "null" {
		return Request{}, apperr.New(apperr.MalformedRequest, "No face encoding provided")
	}

	var req Request
	if err := parseQR(wire.QRData, &req); err != nil {
		return Request{}, err
	}
	if err := parseFaceEncoding(wire.FaceEncoding, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}

func parseQR(raw json.RawMessage, req *Request) error {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return apperr.New(apperr.MalformedRequest, "qr_data is empty")
		}
		req.QRPayload = text
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return apperr.Wrap(apperr.MalformedRequest, err, "qr_data must be an object or a string")
	}
	fields := make(map[string]string, len(obj))
	for k, v := range obj {
		if !qrKeys[k] {
			return apperr.New(apperr.MalformedRequest, "qr_data has unknown field %q", k)
		}
		s, ok := scalar(v)
		if !ok {
			return apperr.New(apperr.MalformedRequest, "qr_data.%s must be a string or a number", k)
		}
		fields[k] = s
	}
	if strings.TrimSpace(fields[challenge.KeyMode]) == "" {
		fields[challenge.KeyMode] = "class"
	}
	req.QRFields = fields
	return nil
}

func scalar(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String(), true
	}
	return "", false
}

func parseFaceEncoding(raw json.RawMessage, req *Request) error {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		raw = json.RawMessage(text)
	}
	var fe wireFaceEncoding
	if err := strictUnmarshal(raw, &fe); err != nil {
		return apperr.Wrap(apperr.MalformedRequest, err, "Invalid face encoding data format")
	}

	hasCanvas := fe.CanvasDataURL != nil
	hasClient := fe.FaceVerified != nil || fe.VerificationType != nil
	switch {
	case hasCanvas && hasClient:
		return apperr.New(apperr.MalformedRequest, "face_encoding must carry either canvas_data_url or face_verified, not both")
	case hasCanvas:
		if strings.TrimSpace(*fe.CanvasDataURL) == "" {
			return apperr.New(apperr.MalformedRequest, "No canvas data URL in face encoding")
		}
		req.CanvasDataURL = *fe.CanvasDataURL
	case hasClient:
		if fe.FaceVerified == nil || !*fe.FaceVerified || fe.VerificationType == nil || *fe.VerificationType != verificationTypeFace {
			return apperr.New(apperr.MalformedRequest, "face_verified must be true with verification_type %q", verificationTypeFace)
		}
		req.ClientVerified = true
	default:
		return apperr.New(apperr.MalformedRequest, "No canvas data URL in face encoding")
	}
	return nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hashicorp/go-set/v2"
)

// Payload limits. A request above these bounds is malformed, not slow.
const (
	MaxRequestIDLength     = 256
	MaxFingerprintIDs      = 10000
	MaxFingerprintIDLength = 256
)

// VerificationRequest asks whether every listed fingerprint exists in the store.
// Duplicate IDs are tolerated on the wire and collapsed before lookup.
type VerificationRequest struct {
	RequestID      string   `json:"requestId" validate:"required,max=256,idtext"`
	FingerprintIDs []string `json:"fingerprintIds" validate:"required,min=1,max=10000,dive,required,max=256,idtext"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report wire names (requestId) rather than Go field names (RequestID).
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("idtext", isIDText); err != nil {
		panic(err)
	}
	return v
}

// isIDText rejects identifiers no store can key: invalid UTF-8 and control
// characters, NUL included.
func isIDText(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return utf8.ValidString(s) && !strings.ContainsFunc(s, unicode.IsControl)
}

// ParseRequest decodes and validates an inbound payload.
// Every failure is a MalformedMessageError; callers must not retry it.
func ParseRequest(raw []byte) (VerificationRequest, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return VerificationRequest{}, NewMalformedMessageError(errors.New("empty payload"))
	}

	var req VerificationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return VerificationRequest{}, NewMalformedMessageError(fmt.Errorf("decode payload: %w", err))
	}
	if err := validate.Struct(req); err != nil {
		return VerificationRequest{}, NewMalformedMessageError(describeValidation(err))
	}
	return req, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return errors.New("invalid payload: " + strings.Join(parts, "; "))
}

// UniqueFingerprintIDs returns the requested IDs with duplicates removed,
// keeping the order in which each ID first appeared.
func (r VerificationRequest) UniqueFingerprintIDs() []string {
	seen := set.New[string](len(r.FingerprintIDs))
	out := make([]string, 0, len(r.FingerprintIDs))
	for _, id := range r.FingerprintIDs {
		if seen.Insert(id) {
			out = append(out, id)
		}
	}
	return out
}

// CanonicalFingerprintID inserts the UUID dashes into an undashed
// 32-hex-digit identifier, which is how the store keys such fingerprints.
// Letter case is kept, so an undashed ID maps to the same key as its dashed
// spelling. Anything else is returned unchanged.
func CanonicalFingerprintID(id string) string {
	if len(id) != 32 {
		return id
	}
	if _, err := uuid.Parse(id); err != nil {
		return id
	}
	return id[0:8] + "-" + id[8:12] + "-" + id[12:16] + "-" + id[16:20] + "-" + id[20:32]
}

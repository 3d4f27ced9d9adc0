package extraction

import (
	"strings"

	"github.com/ashureev/farm-intake/internal/domain"
)

// MinContactDigits is the shortest acceptable contact number.
const MinContactDigits = 10

// ContactClarification is appended to the reply when a contact number is rejected.
const ContactClarification = "Could you share your full phone number, including the country code (for example +386 40 123 456)?"

var sentinels = map[string]bool{
	"":             true,
	"null":         true,
	"none":         true,
	"nil":          true,
	"n/a":          true,
	"na":           true,
	"unknown":      true,
	"not provided": true,
	"not given":    true,
	"-":            true,
}

// IsSentinel reports whether v stands for "no value".
func IsSentinel(v string) bool {
	return sentinels[strings.ToLower(strings.TrimSpace(v))]
}

// NormalizeContactNumber keeps digits and a leading plus sign.
func NormalizeContactNumber(v string) (string, error) {
	v = strings.TrimSpace(v)
	var b strings.Builder
	if strings.HasPrefix(v, "+") {
		b.WriteByte('+')
	}
	digits := 0
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			digits++
		}
	}
	if digits < MinContactDigits {
		return "", ErrInvalidContactNumber
	}
	return b.String(), nil
}

// MergeOutcome describes what a merge changed.
type MergeOutcome struct {
	Accepted       []string // fields whose stored value changed
	Rejected       []string // fields that failed validation
	Clarifications []string
}

// Merge applies extracted values to profile in place. Sentinel and empty
// values never overwrite stored data; valid values replace older ones.
// Applying the same fields twice leaves the profile unchanged.
func Merge(profile domain.Profile, fields map[string]string) MergeOutcome {
	var out MergeOutcome
	for _, name := range domain.RequiredFields {
		raw, ok := fields[name]
		if !ok || IsSentinel(raw) {
			continue
		}
		value := collapseSpaces(raw)
		if name == domain.FieldContactNumber {
			normalized, err := NormalizeContactNumber(value)
			if err != nil {
				out.Rejected = append(out.Rejected, name)
				out.Clarifications = append(out.Clarifications, ContactClarification)
				continue
			}
			value = normalized
		}
		if profile[name] == value {
			continue
		}
		profile[name] = value
		out.Accepted = append(out.Accepted, name)
	}
	return out
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

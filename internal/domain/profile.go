package domain

import "time"

// Required profile fields, in the order they are asked for.
const (
	FieldFirstName     = "first_name"
	FieldLastName      = "last_name"
	FieldContactNumber = "contact_number"
	FieldLocation      = "location"
	FieldPrimaryCrops  = "primary_crops"
)

// RequiredFields lists every field a registration must collect.
var RequiredFields = []string{
	FieldFirstName,
	FieldLastName,
	FieldContactNumber,
	FieldLocation,
	FieldPrimaryCrops,
}

// IsRequiredField reports whether name is one of RequiredFields.
func IsRequiredField(name string) bool {
	for _, f := range RequiredFields {
		if f == name {
			return true
		}
	}
	return false
}

// Profile is the accumulated answer set for one conversation.
type Profile map[string]string

// Clone returns an independent copy of p.
func (p Profile) Clone() Profile {
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Missing returns the required fields that do not hold a value yet.
func (p Profile) Missing() []string {
	missing := make([]string, 0, len(RequiredFields))
	for _, f := range RequiredFields {
		if p[f] == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// Complete reports whether every required field holds a value.
func (p Profile) Complete() bool {
	return len(p.Missing()) == 0
}

// Progress returns the completion percentage of the required fields.
func (p Profile) Progress() int {
	done := len(RequiredFields) - len(p.Missing())
	return done * 100 / len(RequiredFields)
}

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleFarmer marks messages written by the farmer.
	RoleFarmer Role = "farmer"
	// RoleAssistant marks messages produced by the assistant.
	RoleAssistant Role = "assistant"
)

// Turn is one message in the conversation history.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// LastTurns returns at most n trailing turns.
func LastTurns(turns []Turn, n int) []Turn {
	if n <= 0 {
		return nil
	}
	if n >= len(turns) {
		return turns
	}
	return turns[len(turns)-n:]
}

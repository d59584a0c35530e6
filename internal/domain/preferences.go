package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Gender is the candidate gender a subscriber may filter on.
type Gender string

const (
	GenderUnset  Gender = ""
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// ParseGender maps client input to a Gender. "any", "all" and the empty
// string mean no gender filter.
func ParseGender(s string) (Gender, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "all", "both":
		return GenderUnset, nil
	case "male", "m":
		return GenderMale, nil
	case "female", "f":
		return GenderFemale, nil
	}
	return GenderUnset, fmt.Errorf("invalid gender %q", s)
}

// ErrMalformedPreferences is returned when a stored preference document has a
// null or missing dimension, or an unknown enum value.
var ErrMalformedPreferences = errors.New("malformed preferences")

// StringSet is a normalized set of strings: trimmed, no empty members, no
// case-insensitive duplicates, sorted. An empty set is never nil on the wire.
type StringSet []string

// NewStringSet builds a normalized set from arbitrary input.
func NewStringSet(values ...string) StringSet {
	out := make(StringSet, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		k := strings.ToLower(v)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

// Empty reports whether the set imposes no constraint.
func (s StringSet) Empty() bool { return len(s) == 0 }

// Contains reports case-insensitive membership of the trimmed value.
func (s StringSet) Contains(v string) bool {
	v = strings.TrimSpace(v)
	for _, m := range s {
		if strings.EqualFold(m, v) {
			return true
		}
	}
	return false
}

// Intersects reports whether at least one of values is a member.
func (s StringSet) Intersects(values []string) bool {
	for _, v := range values {
		if s.Contains(v) {
			return true
		}
	}
	return false
}

// MarshalJSON encodes a nil set as [] so stored documents never hold null.
func (s StringSet) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(s))
}

// Preferences are a subscriber's candidate filters. Every set-valued
// dimension follows the same rule: empty means "no constraint".
type Preferences struct {
	Cities          StringSet `json:"cities"`
	Categories      StringSet `json:"categories"`
	EmploymentTypes StringSet `json:"employmentTypes"`
	DocumentTypes   StringSet `json:"documentTypes"`
	Languages       StringSet `json:"languages"`
	Gender          Gender    `json:"gender,omitempty"`
	OnlyDemanded    bool      `json:"onlyDemanded"`
}

// Normalize returns a copy with every set normalized and non-nil.
func (p Preferences) Normalize() Preferences {
	return Preferences{
		Cities:          NewStringSet(p.Cities...),
		Categories:      NewStringSet(p.Categories...),
		EmploymentTypes: NewStringSet(p.EmploymentTypes...),
		DocumentTypes:   NewStringSet(p.DocumentTypes...),
		Languages:       NewStringSet(p.Languages...),
		Gender:          p.Gender,
		OnlyDemanded:    p.OnlyDemanded,
	}
}

// Validate checks enum values. Sets are always valid once normalized.
func (p Preferences) Validate() error {
	switch p.Gender {
	case GenderUnset, GenderMale, GenderFemale:
		return nil
	}
	return fmt.Errorf("%w: unknown gender %q", ErrMalformedPreferences, p.Gender)
}

// rawPreferences mirrors Preferences with pointer fields so that null and
// missing dimensions can be told apart from empty ones.
type rawPreferences struct {
	Cities          *[]string `json:"cities"`
	Categories      *[]string `json:"categories"`
	EmploymentTypes *[]string `json:"employmentTypes"`
	DocumentTypes   *[]string `json:"documentTypes"`
	Languages       *[]string `json:"languages"`
	Gender          *string   `json:"gender"`
	OnlyDemanded    *bool     `json:"onlyDemanded"`
}

// DecodePreferences strictly parses a stored preference document. A null or
// missing set dimension, a missing onlyDemanded flag, or an unknown gender
// yields ErrMalformedPreferences.
func DecodePreferences(data []byte) (Preferences, error) {
	var raw rawPreferences
	if err := json.Unmarshal(data, &raw); err != nil {
		return Preferences{}, fmt.Errorf("%w: %v", ErrMalformedPreferences, err)
	}

	sets := []struct {
		name string
		val  *[]string
	}{
		{"cities", raw.Cities},
		{"categories", raw.Categories},
		{"employmentTypes", raw.EmploymentTypes},
		{"documentTypes", raw.DocumentTypes},
		{"languages", raw.Languages},
	}
	for _, s := range sets {
		if s.val == nil {
			return Preferences{}, fmt.Errorf("%w: %s is null", ErrMalformedPreferences, s.name)
		}
	}
	if raw.OnlyDemanded == nil {
		return Preferences{}, fmt.Errorf("%w: onlyDemanded is null", ErrMalformedPreferences)
	}

	p := Preferences{
		Cities:          NewStringSet(*raw.Cities...),
		Categories:      NewStringSet(*raw.Categories...),
		EmploymentTypes: NewStringSet(*raw.EmploymentTypes...),
		DocumentTypes:   NewStringSet(*raw.DocumentTypes...),
		Languages:       NewStringSet(*raw.Languages...),
		OnlyDemanded:    *raw.OnlyDemanded,
	}
	if raw.Gender != nil {
		p.Gender = Gender(*raw.Gender)
	}
	if err := p.Validate(); err != nil {
		return Preferences{}, err
	}
	return p, nil
}

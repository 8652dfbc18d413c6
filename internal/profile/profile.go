// Package profile holds user profile attributes and the priority-tier
// directory consulted by the matchmaker. Profiles live in Redis (or memory),
// priority grants in Postgres (or memory).
package profile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("profile: not found")

// Gender values.
const (
	GenderMale   = "M"
	GenderFemale = "F"
)

// Age brackets offered during onboarding.
var AgeRanges = []string{"12-20", "21-30", "31-40"}

// Profile is what a user told us about themselves. Empty fields mean the
// question has not been answered yet.
type Profile struct {
	Gender   string `json:"gender,omitempty" validate:"omitempty,oneof=M F"`
	AgeRange string `json:"age_range,omitempty" validate:"omitempty,oneof=12-20 21-30 31-40"`
}

var validate = validator.New()

// Validate rejects values outside the known sets.
func (p Profile) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("profile: invalid: %w", err)
	}
	return nil
}

// Complete reports whether onboarding is finished.
func (p Profile) Complete() bool {
	return p.Gender != "" && p.AgeRange != ""
}

// Describe renders the profile for display.
func (p Profile) Describe() string {
	gender := "not set"
	switch p.Gender {
	case GenderMale:
		gender = "Male"
	case GenderFemale:
		gender = "Female"
	}
	age := p.AgeRange
	if age == "" {
		age = "not set"
	}
	return fmt.Sprintf("Gender: %s\nAge: %s", gender, age)
}

// Apply sets a single field by name ("gender" or "age_range") and validates
// the result.
func (p Profile) Apply(field, value string) (Profile, error) {
	value = strings.TrimSpace(value)
	switch strings.ToLower(field) {
	case "gender":
		p.Gender = strings.ToUpper(value)
	case "age", "age_range":
		p.AgeRange = value
	default:
		return p, fmt.Errorf("profile: unknown field %q", field)
	}
	return p, p.Validate()
}

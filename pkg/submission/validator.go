package submission

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const MaxNameLength = 50

type Validator struct {
	maxLen int
}

func NewValidator() *Validator {
	return &Validator{maxLen: MaxNameLength}
}

// Validate trims both names and checks their length. The trimmed values are
// returned so every store sees the same text.
func (v *Validator) Validate(in Input) (Input, error) {
	first, err := v.name("firstName", in.FirstName)
	if err != nil {
		return Input{}, err
	}
	last, err := v.name("lastName", in.LastName)
	if err != nil {
		return Input{}, err
	}
	return Input{FirstName: first, LastName: last}, nil
}

func (v *Validator) name(field, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", ValidationError{reason: fmt.Errorf("%s: %w", field, errNameRequired)}
	}
	if n := utf8.RuneCountInString(trimmed); n > v.maxLen {
		return "", ValidationError{reason: fmt.Errorf("%s must be at most %d characters, got %d: %w", field, v.maxLen, n, errNameTooLong)}
	}
	return trimmed, nil
}

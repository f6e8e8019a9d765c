// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxPhoneLen = 16
	MinPhoneLen = 7
)

var (
	ErrPhoneEmpty   = errors.New("phone empty")
	ErrPhoneInvalid = errors.New("phone invalid")
)

type PatientID string

// Patient is the profile record returned at login and persisted locally.
type Patient struct {
	ID    PatientID `json:"id,omitempty"`
	Name  string    `json:"name,omitempty"`
	Phone string    `json:"phone,omitempty"`
	Email string    `json:"email,omitempty"`
}

// Credential is the bearer token plus the login record it came with.
type Credential struct {
	Token   string
	Phone   string
	Patient *Patient
}

// NormalizePhone strips formatting and checks the number looks dialable.
func NormalizePhone(raw string) (string, error) {
	s := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	if s == "" {
		return "", ErrPhoneEmpty
	}
	digits := strings.TrimPrefix(s, "+")
	if len(digits) < MinPhoneLen || len(s) > MaxPhoneLen {
		return "", ErrPhoneInvalid
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", ErrPhoneInvalid
		}
	}
	return s, nil
}

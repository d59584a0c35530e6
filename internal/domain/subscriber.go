package domain

import (
	"strings"
	"time"
)

// SubscriberStatus enumerates the states a newsletter subscriber can be in.
type SubscriberStatus string

const (
	SubscriberPending      SubscriberStatus = "pending_verification"
	SubscriberActive       SubscriberStatus = "active"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
)

// Valid reports whether s is one of the known statuses.
func (s SubscriberStatus) Valid() bool {
	switch s {
	case SubscriberPending, SubscriberActive, SubscriberUnsubscribed:
		return true
	}
	return false
}

// Subscriber is an email with stored notification preferences and a
// lifecycle status. There is at most one Subscriber per normalized email.
type Subscriber struct {
	Email          string           `json:"email" db:"email"`
	FirstName      string           `json:"firstName,omitempty" db:"first_name"`
	LastName       string           `json:"lastName,omitempty" db:"last_name"`
	Preferences    Preferences      `json:"preferences" db:"preferences"`
	Status         SubscriberStatus `json:"status" db:"status"`
	CreatedAt      time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time        `json:"updatedAt" db:"updated_at"`
	VerifiedAt     *time.Time       `json:"verifiedAt,omitempty" db:"verified_at"`
	UnsubscribedAt *time.Time       `json:"unsubscribedAt,omitempty" db:"unsubscribed_at"`
}

// IsActive reports whether the subscriber currently receives notifications.
func (s *Subscriber) IsActive() bool {
	return s != nil && s.Status == SubscriberActive
}

// SubscriberProfile is the narrow projection the digest matcher scans: only
// the fields needed to decide and address a notification. Preferences are kept
// in their stored form so one malformed row can be skipped without failing
// the page it arrived in.
type SubscriberProfile struct {
	Email          string
	FirstName      string
	LastName       string
	RawPreferences []byte
}

// NormalizeEmail trims surrounding whitespace and lowercases the address.
// Emails are compared case-insensitively everywhere in the service.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

package domain

import "time"

// Candidate is a job-seeker record owned by the seekers backend. The
// newsletter only ever reads it.
type Candidate struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Description  string    `json:"description,omitempty"`
	City         string    `json:"city"`
	Category     string    `json:"category"`
	Employment   string    `json:"employment"`
	DocumentType string    `json:"documentType"`
	Languages    []string  `json:"languages"`
	Gender       Gender    `json:"gender,omitempty"`
	IsDemanded   bool      `json:"isDemanded"`
	CreatedAt    time.Time `json:"createdAt"`
}

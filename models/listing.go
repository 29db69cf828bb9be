package models

import "time"

type IdentifierSource string

const (
	IdentifierLabel       IdentifierSource = "label"
	IdentifierSibling     IdentifierSource = "sibling"
	IdentifierPattern     IdentifierSource = "pattern"
	IdentifierSynthesized IdentifierSource = "synthesized"
)

// ListingRecord is one load posting as read from the board. Records are
// never modified after they are persisted.
type ListingRecord struct {
	Identifier  string    `json:"identifier"`
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	RateTotal   *int      `json:"rate_total"`
	RatePerMile *float64  `json:"rate_per_mile"`
	Company     string    `json:"company"`
	Contact     *string   `json:"contact"`
	AgePosted   string    `json:"age_posted"`
	ExtractedAt time.Time `json:"extracted_at"`

	IdentifierSource IdentifierSource `json:"-"`
	DetailAvailable  bool             `json:"-"`
}

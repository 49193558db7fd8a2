package types

import "time"

// Deal is one pipeline record in canonical shape.
//
// Attribute fields hold the raw CRM identifier; an empty string means the
// attribute was absent on the source record. A zero CreatedAt means the
// creation timestamp could not be parsed; CreatedRaw keeps the original text.
type Deal struct {
	ID              string    `json:"id"`
	Title           string    `json:"title,omitempty"`
	Opportunity     string    `json:"opportunity,omitempty"`
	StageID         string    `json:"stageId"`
	CategoryID      string    `json:"categoryId"`
	CreatedAt       time.Time `json:"createdAt"`
	CreatedRaw      string    `json:"createdRaw,omitempty"`
	Department      string    `json:"department,omitempty"`
	RejectionReason string    `json:"rejectionReason,omitempty"`
	CommentClass    string    `json:"commentClass,omitempty"`
	Country         string    `json:"country,omitempty"`
	Source          string    `json:"source,omitempty"`
}

// HasCreatedAt reports whether the creation timestamp parsed.
func (d Deal) HasCreatedAt() bool { return !d.CreatedAt.IsZero() }

// StageChangeEvent records a deal moving into StageID at At.
// A zero At means the event timestamp failed to parse.
type StageChangeEvent struct {
	ID      string    `json:"id,omitempty"`
	DealID  string    `json:"dealId"`
	StageID string    `json:"stageId"`
	At      time.Time `json:"at"`
	Raw     string    `json:"raw,omitempty"`
}

// Valid reports whether the event timestamp parsed.
func (e StageChangeEvent) Valid() bool { return !e.At.IsZero() }

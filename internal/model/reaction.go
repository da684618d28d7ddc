package model

import "time"

type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	Variant   string    `json:"variant,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ReactionSummary is aggregated per (emoji, variant) for one viewer.
type ReactionSummary struct {
	Emoji         string `json:"emoji"`
	Variant       string `json:"variant,omitempty"`
	Count         int    `json:"count"`
	ViewerReacted bool   `json:"viewer_reacted"`
}

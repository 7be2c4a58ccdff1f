package domain

import "time"

// SessionMapping ties a platform conversation location to a backend
// conversation id and records whether the bot participates in it.
type SessionMapping struct {
	SessionKey string    `json:"session_key"`
	BackendID  string    `json:"backend_id,omitempty"`
	Active     bool      `json:"active"`
	ActiveAt   time.Time `json:"active_at,omitzero"`
	UpdatedAt  time.Time `json:"updated_at"`
}

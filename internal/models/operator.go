package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey authenticates a calling service. The raw key is hashed with SHA-256
// before lookup; only the hash is stored.
type APIKey struct {
	ID          uuid.UUID  `json:"id"`
	ServiceName string     `json:"service_name"`
	KeyHash     string     `json:"-"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Operator is a human admin allowed on the /ops endpoints.
type Operator struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

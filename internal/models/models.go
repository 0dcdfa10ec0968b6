// Package models provides database models and the authenticated
// identity attached to every client session.
package models

import (
	"time"
)

// UserStatus represents the status of a platform user.
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
	UserStatusDeleted   UserStatus = "deleted"
)

// User represents a platform user. Each user is bound to exactly one
// broker account through which their market data flows.
type User struct {
	ID        int64      `db:"id" json:"id"`
	Name      string     `db:"name" json:"name"`
	Email     string     `db:"email" json:"email"`
	Broker    string     `db:"broker" json:"broker"`
	Status    UserStatus `db:"status" json:"status"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// Plan represents a feed entitlement plan.
type Plan struct {
	ID               int64     `db:"id" json:"id"`
	Name             string    `db:"name" json:"name"`
	MaxSessions      int       `db:"max_sessions" json:"max_sessions"`
	MaxSubscriptions int       `db:"max_subscriptions" json:"max_subscriptions"`
	MaxRPS           int       `db:"max_rps" json:"max_rps"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// APIKeyStatus represents the status of an API key.
type APIKeyStatus string

const (
	APIKeyStatusActive  APIKeyStatus = "active"
	APIKeyStatusRevoked APIKeyStatus = "revoked"
	APIKeyStatusExpired APIKeyStatus = "expired"
)

// APIKey represents an API key for authentication. Only the SHA-256
// hash is stored.
type APIKey struct {
	ID         int64        `db:"id" json:"id"`
	UserID     int64        `db:"user_id" json:"user_id"`
	PlanID     int64        `db:"plan_id" json:"plan_id"`
	KeyHash    string       `db:"key_hash" json:"-"`
	Status     APIKeyStatus `db:"status" json:"status"`
	ExpiresAt  *time.Time   `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	LastUsedAt *time.Time   `db:"last_used_at" json:"last_used_at,omitempty"`
}

// UsageDaily represents per-key daily feed usage.
type UsageDaily struct {
	ID            int64     `db:"id" json:"id"`
	UserID        int64     `db:"user_id" json:"user_id"`
	APIKeyID      int64     `db:"api_key_id" json:"api_key_id"`
	UsageDate     time.Time `db:"usage_date" json:"usage_date"`
	MessagesSent  int64     `db:"messages_sent" json:"messages_sent"`
	FramesDropped int64     `db:"frames_dropped" json:"frames_dropped"`
	ErrorCount    int64     `db:"error_count" json:"error_count"`
	PeakSessions  int       `db:"peak_sessions" json:"peak_sessions"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// AuthContext contains the authenticated identity and its entitlements.
// Serialized to Redis with msgpack.
type AuthContext struct {
	UserID           int64        `msgpack:"user_id"`
	UserName         string       `msgpack:"user_name"`
	UserStatus       UserStatus   `msgpack:"user_status"`
	Broker           string       `msgpack:"broker"`
	APIKeyID         int64        `msgpack:"api_key_id"`
	APIKeyStatus     APIKeyStatus `msgpack:"api_key_status"`
	PlanID           int64        `msgpack:"plan_id"`
	PlanName         string       `msgpack:"plan_name"`
	MaxSessions      int          `msgpack:"max_sessions"`
	MaxSubscriptions int          `msgpack:"max_subscriptions"`
	MaxRPS           int          `msgpack:"max_rps"`
	ExpiresAt        *time.Time   `msgpack:"expires_at"`
	CachedAt         time.Time    `msgpack:"cached_at"`
}

// IsValid checks if the auth context is valid for use.
func (ac *AuthContext) IsValid() bool {
	if ac.UserStatus != UserStatusActive {
		return false
	}
	if ac.APIKeyStatus != APIKeyStatusActive {
		return false
	}
	if ac.ExpiresAt != nil && ac.ExpiresAt.Before(time.Now()) {
		return false
	}
	return true
}

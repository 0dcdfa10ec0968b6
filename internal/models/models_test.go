package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func activeContext() *AuthContext {
	return &AuthContext{
		UserID:       1,
		UserStatus:   UserStatusActive,
		APIKeyStatus: APIKeyStatusActive,
		Broker:       "simbroker",
	}
}

func TestAuthContextValid(t *testing.T) {
	assert.True(t, activeContext().IsValid())
}

func TestAuthContextSuspendedUser(t *testing.T) {
	ac := activeContext()
	ac.UserStatus = UserStatusSuspended
	assert.False(t, ac.IsValid())
}

func TestAuthContextRevokedKey(t *testing.T) {
	ac := activeContext()
	ac.APIKeyStatus = APIKeyStatusRevoked
	assert.False(t, ac.IsValid())
}

func TestAuthContextExpiry(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	ac := activeContext()
	ac.ExpiresAt = &past
	assert.False(t, ac.IsValid())

	ac.ExpiresAt = &future
	assert.True(t, ac.IsValid())

	ac.ExpiresAt = nil
	assert.True(t, ac.IsValid(), "keys without expiry never expire")
}

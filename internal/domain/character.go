package domain

import "time"

// Character is an audited character and the grant it was authorized with.
type Character struct {
	ID             int64
	Name           string
	Scopes         []string
	AccessToken    string
	TokenExpiresAt time.Time
}

// TokenValid reports whether the stored access token can still be used at now.
func (c Character) TokenValid(now time.Time) bool {
	return c.AccessToken != "" && c.TokenExpiresAt.After(now)
}

// Fields is the reduced output of a collector: field name to a scalar value
// (int64, float64 or string).
type Fields map[string]any

// EntityName is a resolved display name for an ESI id.
type EntityName struct {
	ID       int64
	Name     string
	Category string
}

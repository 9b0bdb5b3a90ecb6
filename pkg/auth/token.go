package auth

import (
	"time"
)

// ExpirySkew is subtracted from a token's lifetime so it is never used in its
// last minute.
const ExpirySkew = 60 * time.Second

// Token is a cached OAuth access token.
type Token struct {
	// AccessToken is the bearer value sent as "Zoho-oauthtoken <token>".
	AccessToken string `json:"access_token"`

	// APIDomain is the data-center specific API host returned with the token.
	APIDomain string `json:"api_domain"`

	// TokenType as reported by the accounts server.
	TokenType string `json:"token_type"`

	// ExpiresAt is when the token stops being usable (skew already applied).
	ExpiresAt time.Time `json:"expires_at"`

	// IssuedAt is when we obtained the token.
	IssuedAt time.Time `json:"issued_at"`
}

// IsExpired returns true if the token has expired.
func (t *Token) IsExpired() bool {
	return !time.Now().Before(t.ExpiresAt)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (t *Token) TTL() time.Duration {
	ttl := time.Until(t.ExpiresAt)
	if ttl < 0 {
		return 0
	}
	return ttl
}

package auth

import (
	"net/url"
	"strings"
)

// StoreKey identifies the cached token of one OAuth client against one
// accounts server.
type StoreKey struct {
	// AccountsURL is the accounts server base URL (data-center specific).
	AccountsURL string

	// ClientID is the OAuth client id.
	ClientID string
}

// String generates a deterministic store key.
// Format: crm:oauth:<accounts host>:<client id>
//
// Example:
//
//	crm:oauth:accounts.zoho.com:1000.ABC
func (k StoreKey) String() string {
	parts := []string{"crm", "oauth"}

	host := strings.TrimSpace(k.AccountsURL)
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Host
	}
	host = strings.Trim(strings.ToLower(host), "/")
	if host != "" {
		parts = append(parts, host)
	}

	parts = append(parts, k.ClientID)

	return strings.Join(parts, ":")
}

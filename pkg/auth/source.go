package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// DefaultAccountsURL is the accounts server of the US data center.
const DefaultAccountsURL = "https://accounts.zoho.com"

// Config holds the OAuth client credentials.
type Config struct {
	// AccountsURL is the accounts server base URL.
	AccountsURL string

	ClientID     string
	ClientSecret string

	// RefreshToken is the long-lived grant exchanged for access tokens.
	RefreshToken string

	// HTTPClient overrides the client used for token requests.
	HTTPClient *http.Client
}

// Source hands out access tokens, refreshing them through the refresh-token
// grant when the store has none.
type Source struct {
	config Config
	oauth  *oauth2.Config
	store  TokenStore
	key    StoreKey
	http   *http.Client
	logger zerolog.Logger

	mu sync.Mutex
}

// NewSource validates cfg and returns a Source backed by store.
func NewSource(cfg Config, store TokenStore, logger zerolog.Logger) (*Source, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.RefreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	if cfg.AccountsURL == "" {
		cfg.AccountsURL = DefaultAccountsURL
	}
	if store == nil {
		store = NewMemoryStore()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	grant := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  strings.TrimRight(cfg.AccountsURL, "/") + "/oauth/v2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	return &Source{
		config: cfg,
		oauth:  grant,
		store:  store,
		key:    StoreKey{AccountsURL: cfg.AccountsURL, ClientID: cfg.ClientID},
		http:   httpClient,
		logger: logger,
	}, nil
}

// AccessToken returns a valid access token, refreshing it if needed.
func (s *Source) AccessToken(ctx context.Context) (string, error) {
	token, err := s.Token(ctx)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// Token returns the full cached token, refreshing it if needed.
func (s *Source) Token(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.store.Get(ctx, s.key)
	if err == nil {
		s.logger.Debug().Dur("ttl", token.TTL()).Msg("Using cached access token")
		return token, nil
	}
	if !errors.Is(err, ErrTokenMiss) {
		s.logger.Warn().Err(err).Msg("Token store read failed, refreshing")
	}

	token, err = s.refresh(ctx)
	if err != nil {
		TokenRefreshes.WithLabelValues("error").Inc()
		return nil, err
	}
	TokenRefreshes.WithLabelValues("success").Inc()

	if err := s.store.Set(ctx, s.key, token); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to store access token")
	}

	s.logger.Info().
		Str("api_domain", token.APIDomain).
		Time("expires_at", token.ExpiresAt).
		Msg("Access token refreshed")

	return token, nil
}

// Invalidate drops the cached token so the next call refreshes it.
func (s *Source) Invalidate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(ctx, s.key)
}

// refresh runs the refresh-token grant. The accounts server reports a
// rejected grant with a 200 status and an "error" field; oauth2 surfaces both
// that and non-2xx answers as *oauth2.RetrieveError.
func (s *Source) refresh(ctx context.Context) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.http)

	// Every call starts from the bare refresh token: caching is the store's job.
	grant := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: s.config.RefreshToken})
	tok, err := grant.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.ErrorCode != "" {
			return nil, fmt.Errorf("token refresh rejected: %s: %w", rerr.ErrorCode, err)
		}
		return nil, fmt.Errorf("token refresh: %w", err)
	}

	now := time.Now()
	expiresAt := now
	if !tok.Expiry.IsZero() {
		expiresAt = tok.Expiry
		if tok.Expiry.Sub(now) > ExpirySkew {
			expiresAt = tok.Expiry.Add(-ExpirySkew)
		}
	}

	apiDomain, _ := tok.Extra("api_domain").(string)

	return &Token{
		AccessToken: tok.AccessToken,
		APIDomain:   apiDomain,
		TokenType:   tok.TokenType,
		ExpiresAt:   expiresAt,
		IssuedAt:    now,
	}, nil
}

// Package auth obtains and caches OAuth access tokens for the CRM API.
//
// The CRM issues short-lived access tokens in exchange for a long-lived refresh
// token. A Source performs the refresh-token grant and keeps the result in a
// TokenStore until shortly before it expires, so consecutive requests (and, with
// the Redis store, consecutive runs) reuse one token.
//
// # Basic Usage
//
//	store := auth.NewRedisStore(redisClient)
//	src, err := auth.NewSource(auth.Config{
//		AccountsURL:  "https://accounts.zoho.com",
//		ClientID:     clientID,
//		ClientSecret: clientSecret,
//		RefreshToken: refreshToken,
//	}, store, logger)
//
//	token, err := src.AccessToken(ctx)
//
// Pass the Source as the TokenSource of the CRM client; the client calls
// Invalidate when the API rejects a token so the next call refreshes it.
//
// # Stores
//
//   - MemoryStore keeps tokens for the lifetime of the process.
//   - RedisStore keeps tokens as JSON with a TTL equal to the token lifetime.
//
// # Metrics
//
//   - crm_token_cache_hits_total{store}
//   - crm_token_cache_misses_total
//   - crm_token_refreshes_total{result}
package auth

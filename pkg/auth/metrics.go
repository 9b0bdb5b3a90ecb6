package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokenCacheHits tracks token cache hits by store ("memory", "redis")
	TokenCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_token_cache_hits_total",
			Help: "Total number of OAuth token cache hits",
		},
		[]string{"store"},
	)

	// TokenCacheMisses tracks token cache misses
	TokenCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crm_token_cache_misses_total",
			Help: "Total number of OAuth token cache misses",
		},
	)

	// TokenRefreshes tracks refresh-token grants by result
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_token_refreshes_total",
			Help: "Total number of OAuth refresh-token grants",
		},
		[]string{"result"}, // "success", "error"
	)

	// TokenStoreErrors tracks store operation errors
	TokenStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_token_store_errors_total",
			Help: "Total number of token store operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)

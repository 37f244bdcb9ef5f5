// Package auth guards the execution API with a single shared key.
package auth

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/HyphaGroup/loom/internal/logger"
)

// HeaderAPIKey carries the shared key on every authenticated request
const HeaderAPIKey = "X-API-Key"

// Config controls API authentication
type Config struct {
	// APIKey is the shared key. Empty disables authentication entirely.
	APIKey string
	// AllowLocalhost lets loopback connections through without a key.
	// A key supplied by a localhost client is still checked.
	AllowLocalhost bool
}

// Middleware creates HTTP middleware enforcing the shared API key
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.APIKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get(HeaderAPIKey)

			if cfg.AllowLocalhost && isLoopback(r.RemoteAddr) {
				if provided != "" && provided != cfg.APIKey {
					jsonError(w, "Invalid API key", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if provided == "" {
				jsonError(w, "API key required", http.StatusUnauthorized)
				return
			}
			if provided != cfg.APIKey {
				logger.Info("rejected request with invalid API key from %s", r.RemoteAddr)
				jsonError(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host == "localhost"
	}
	return ip.IsLoopback()
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"detail": message})
}

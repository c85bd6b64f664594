package api

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthConfig configures the X-API-Key middleware guarding /api routes.
// Grounded on the bridge's own auth middleware (`api/auth.rs`): a
// disable-by-default toggle, an exact-or-wildcard exclude list, and a
// flat set of accepted keys.
type AuthConfig struct {
	Enabled      bool
	APIKeys      []string
	ExcludePaths []string
}

func (c AuthConfig) isValidKey(key string) bool {
	for _, k := range c.APIKeys {
		if k == key {
			return true
		}
	}
	return false
}

func (c AuthConfig) isExcluded(path string) bool {
	for _, p := range c.ExcludePaths {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

// apiKeyAuth validates the X-API-Key header against cfg.APIKeys.
// Requests are passed straight through when auth is disabled or the
// request path is in cfg.ExcludePaths.
func apiKeyAuth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled || cfg.isExcluded(c.Request.URL.Path) {
			c.Next()
			return
		}

		key := c.GetHeader("X-API-Key")
		if key == "" {
			c.AbortWithStatusJSON(401, gin.H{"error": "unauthorized", "message": "Missing X-API-Key header"})
			return
		}
		if !cfg.isValidKey(key) {
			c.AbortWithStatusJSON(401, gin.H{"error": "unauthorized", "message": "Invalid API key"})
			return
		}
		c.Next()
	}
}

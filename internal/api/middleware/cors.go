package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origins is the allow-list of browser origins permitted to call the API,
// shared by the CORS headers and the chat channel handshake
type Origins struct {
	wildcard bool
	allowed  map[string]struct{}
}

// NewOrigins builds the allow-list; "*" permits every origin
func NewOrigins(list []string) *Origins {
	o := &Origins{allowed: make(map[string]struct{}, len(list))}
	for _, entry := range list {
		entry = normalizeOrigin(entry)
		switch entry {
		case "":
		case "*":
			o.wildcard = true
		default:
			o.allowed[entry] = struct{}{}
		}
	}
	return o
}

// Allowed reports whether origin may call the API. An empty origin means a
// non-browser client and is always allowed.
func (o *Origins) Allowed(origin string) bool {
	if origin == "" || o.wildcard {
		return true
	}
	_, ok := o.allowed[normalizeOrigin(origin)]
	return ok
}

// CheckOrigin has the signature of websocket.Upgrader.CheckOrigin
func (o *Origins) CheckOrigin(r *http.Request) bool {
	return o.Allowed(r.Header.Get("Origin"))
}

func normalizeOrigin(s string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "/")
}

// CORS answers preflight requests and sets the CORS headers for allowed
// origins. Disallowed origins get no CORS headers, so browsers block them.
func CORS(origins *Origins) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if origin != "" && origins.Allowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-Process-Time")
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pawpal/comms-api/pkg/security"
)

const HeaderWebhookToken = "X-Webhook-Token"

// WebhookAuth authenticates inbound provider callbacks against the
// per-provider token hashes from configuration. Unknown providers and
// bad tokens both return 401 without hinting which check failed.
type WebhookAuth struct {
	hasher security.TokenHasher
	// provider name -> bcrypt hash of the shared token
	tokenHashes map[string]string
}

func NewWebhookAuth(hasher security.TokenHasher, tokenHashes map[string]string) *WebhookAuth {
	return &WebhookAuth{hasher: hasher, tokenHashes: tokenHashes}
}

func (a *WebhookAuth) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := c.Param("provider")
		token := c.GetHeader(HeaderWebhookToken)

		hash, ok := a.tokenHashes[provider]
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err := a.hasher.Compare(hash, token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

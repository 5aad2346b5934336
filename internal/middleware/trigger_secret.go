package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/lms-api/pkg/errors"
	"github.com/noah-isme/lms-api/pkg/response"
)

// TriggerSecretHeader carries the shared secret of the event platform.
const TriggerSecretHeader = "X-Trigger-Secret"

// TriggerSecret admits requests whose TriggerSecretHeader matches secret. An empty secret
// closes the route entirely.
func TriggerSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(TriggerSecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid trigger secret"))
			c.Abort()
			return
		}
		c.Next()
	}
}

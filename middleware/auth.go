package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/kapublish/common"
)

// AdminAuth guards operator routes with a static bearer token. With no token
// configured the routes answer 503 rather than running open.
func AdminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				common.Errf(http.StatusServiceUnavailable, "admin surface disabled: ADMIN_TOKEN not set"))
			return
		}

		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				common.Errf(http.StatusUnauthorized, "missing or invalid admin token"))
			return
		}

		c.Next()
	}
}

package middleware

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/kapublish/common"
)

// ErrorHandler renders the last error a handler attached with c.Error.
// APIErrors keep their status and code; anything else becomes an opaque 500.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err

		var apiErr common.APIError
		if errors.As(err, &apiErr) {
			c.JSON(apiErr.Status, apiErr)
			return
		}

		c.JSON(http.StatusInternalServerError, common.APIError{
			Code:    common.CodeInternal,
			Message: "internal server error",
		})
	}
}

package middleware

import (
	"net/http"

	"clinical-fhir-extractor/utils"

	"github.com/gin-gonic/gin"
)

// multipartOverhead allows for boundaries and part headers around the file.
const multipartOverhead = 64 * 1024

// RequestSizeLimit rejects bodies whose declared length exceeds maxSize and
// caps the rest with http.MaxBytesReader.
func RequestSizeLimit(maxSize int64) gin.HandlerFunc {
	limit := maxSize + multipartOverhead
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			utils.RespondWithError(c, http.StatusRequestEntityTooLarge,
				"request_too_large",
				"Request body exceeds maximum size",
				gin.H{
					"max_size":    maxSize,
					"received":    c.Request.ContentLength,
					"max_size_mb": maxSize / (1024 * 1024),
				})
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// Package validation rejects malformed input at the HTTP edge, before any
// store lookup or state change.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize bounds request bodies. Escrow and payment requests are a
// few hundred bytes; metadata is the largest field.
const MaxRequestSize = 64 << 10

// MaxStringLength bounds free-text fields such as dispute reasons and
// resolution notes, in runes.
const MaxStringLength = 2000

// idPattern matches identifiers minted by idgen.WithPrefix: a short lowercase
// prefix, an underscore and 24 hex chars.
var idPattern = regexp.MustCompile(`^[a-z]{2,8}_[a-f0-9]{24}$`)

// RequestSizeMiddleware rejects bodies larger than maxSize. A declared
// Content-Length over the limit fails fast with 413; undeclared bodies are
// capped while being read.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "request body exceeds limit",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether id is a well-formed identifier with prefix.
func IsValidID(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && idPattern.MatchString(id)
}

// IDParamMiddleware rejects requests whose :id parameter is not a
// well-formed identifier with prefix. Routes without :id pass through.
func IDParamMiddleware(prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidID(id, prefix) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must look like " + prefix + "<24 hex chars>",
			})
			return
		}
		c.Next()
	}
}

// SanitizeString trims s, drops control characters other than newline and
// tab, replaces invalid UTF-8, and truncates to maxRunes.
func SanitizeString(s string, maxRunes int) string {
	s = strings.TrimSpace(strings.ToValidUTF8(s, "\uFFFD"))
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		if n == maxRunes {
			break
		}
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}

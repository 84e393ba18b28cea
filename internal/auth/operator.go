// Package auth guards the operator surface. Workflow-facing endpoints carry
// their own idempotency and ownership checks; only the operational endpoints
// (pool status, reclaim) require the operator key.
package auth

import (
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	// OperatorKeyHashEnv holds the bcrypt hash of the operator API key.
	OperatorKeyHashEnv = "SANDBOXD_OPERATOR_KEY_HASH"

	// OperatorKeyHeader carries the plaintext key on operator requests.
	OperatorKeyHeader = "X-Operator-Key"
)

// OperatorGuard authenticates operator requests against a bcrypt key hash.
type OperatorGuard struct {
	hash []byte
}

// NewOperatorGuardFromEnv reads the bcrypt hash from the environment. The
// hash is validated eagerly so a malformed value fails at startup instead of
// on the first operator request.
func NewOperatorGuardFromEnv() (*OperatorGuard, error) {
	hash := os.Getenv(OperatorKeyHashEnv)
	if hash == "" {
		return nil, fmt.Errorf("%s is required", OperatorKeyHashEnv)
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", OperatorKeyHashEnv, err)
	}
	return &OperatorGuard{hash: []byte(hash)}, nil
}

// Middleware rejects requests whose X-Operator-Key does not match the
// configured hash.
func (g *OperatorGuard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(OperatorKeyHeader)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "operator key required",
				"code":  "unauthorized",
			})
			return
		}
		if err := bcrypt.CompareHashAndPassword(g.hash, []byte(key)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid operator key",
				"code":  "unauthorized",
			})
			return
		}
		c.Next()
	}
}

// Package auth issues and checks the bearer tokens that identify the owner
// of a training run.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalid is returned for any token that does not verify.
var ErrInvalid = errors.New("invalid token")

// ownerKey is the gin context key holding the caller's user id.
const ownerKey = "taskstream.owner"

// Claims carries the user id a token was issued for.
type Claims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 tokens with one shared secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// Generate returns a token for userID valid for ttl.
func (i *Issuer) Generate(userID int64, username string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Parse verifies tokenStr and returns its claims.
func (i *Issuer) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(_ *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalid
	}
	if claims, ok := token.Claims.(*Claims); ok {
		return claims, nil
	}
	return nil, ErrInvalid
}

// Middleware rejects requests without a valid bearer token and stores the
// caller's user id for Owner. A nil issuer accepts everyone as owner 0.
// Browsers cannot set headers on EventSource, so a token query parameter is
// accepted as well.
func Middleware(issuer *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if issuer == nil {
			c.Set(ownerKey, int64(0))
			c.Next()
			return
		}
		token := bearerToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claims, err := issuer.Parse(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ownerKey, claims.UserID)
		c.Next()
	}
}

// Owner returns the user id set by Middleware.
func Owner(c *gin.Context) int64 {
	return c.GetInt64(ownerKey)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

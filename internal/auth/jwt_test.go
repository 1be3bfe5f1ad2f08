package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_RoundTrip(t *testing.T) {
	issuer := NewIssuer("secret")
	token, err := issuer.Generate(42, "ana", time.Hour)
	require.NoError(t, err)

	claims, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "ana", claims.Username)
}

func TestIssuer_Rejects(t *testing.T) {
	issuer := NewIssuer("secret")
	token, err := issuer.Generate(1, "", time.Minute)
	require.NoError(t, err)

	_, err = NewIssuer("other").Parse(token)
	assert.ErrorIs(t, err, ErrInvalid, "wrong secret")

	issuer.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = issuer.Parse(token)
	assert.ErrorIs(t, err, ErrInvalid, "expired")

	_, err = issuer.Parse("garbage")
	assert.ErrorIs(t, err, ErrInvalid)
}

func newRouter(issuer *Issuer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(issuer))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"owner": Owner(c)})
	})
	return r
}

func TestMiddleware(t *testing.T) {
	issuer := NewIssuer("secret")
	token, err := issuer.Generate(7, "", time.Hour)
	require.NoError(t, err)
	r := newRouter(issuer)

	tests := []struct {
		name     string
		header   string
		query    string
		wantCode int
		wantBody string
	}{
		{"bearer header", "Bearer " + token, "", http.StatusOK, `{"owner":7}`},
		{"query token", "", "?token=" + token, http.StatusOK, `{"owner":7}`},
		{"missing", "", "", http.StatusUnauthorized, `{"error":"unauthorized"}`},
		{"bad token", "Bearer nope", "", http.StatusUnauthorized, `{"error":"unauthorized"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"owner":0}`, rec.Body.String())
}

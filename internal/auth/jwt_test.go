package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	m, err := NewJWTManager("test-secret", time.Hour)
	require.NoError(t, err)

	token, err := m.GenerateToken("desk-1", ScopeRead)
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "desk-1", claims.Subject)
	assert.True(t, claims.HasScope(ScopeRead))
	assert.False(t, claims.HasScope(ScopeWrite))
}

func TestJWTManager_Rejects(t *testing.T) {
	m, _ := NewJWTManager("test-secret", time.Hour)
	other, _ := NewJWTManager("other-secret", time.Hour)

	token, _ := other.GenerateToken("desk-1", ScopeRead)
	_, err := m.ValidateToken(token)
	assert.Equal(t, ErrInvalidToken, err)

	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := m.GenerateToken("desk-1")
	m.now = time.Now
	_, err = m.ValidateToken(expired)
	assert.Equal(t, ErrTokenExpired, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	_, err = m.ValidateToken(unsigned)
	assert.Equal(t, ErrInvalidToken, err)

	_, err = NewJWTManager("", time.Hour)
	assert.Equal(t, ErrNoSecret, err)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, _ := NewJWTManager("test-secret", time.Hour)
	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/read", func(c *gin.Context) { c.String(http.StatusOK, GetSubject(c)) })
	r.POST("/write", RequireScope(ScopeWrite), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	reader, _ := m.GenerateToken("reader", ScopeRead)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"missing header", http.MethodGet, "/read", "", http.StatusUnauthorized},
		{"bad scheme", http.MethodGet, "/read", "Basic abc", http.StatusUnauthorized},
		{"valid", http.MethodGet, "/read", "Bearer " + reader, http.StatusOK},
		{"query token", http.MethodGet, "/read?access_token=" + reader, "", http.StatusOK},
		{"missing scope", http.MethodPost, "/write", "Bearer " + reader, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

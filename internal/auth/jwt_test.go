package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func contextWithToken(t *testing.T, signed string) echo.Context {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	token, err := jwt.Parse(signed, func(token *jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	})
	require.NoError(t, err)
	c.Set("user", token)
	return c
}

func TestGenerateToken_RoundTrip(t *testing.T) {
	signed, expiresAt, err := GenerateToken(Operator{UserID: "user-1", TenantID: "tenant-1"}, testSecret, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	c := contextWithToken(t, signed)
	op, err := OperatorFromContext(c)
	require.NoError(t, err)
	assert.Equal(t, Operator{UserID: "user-1", TenantID: "tenant-1"}, op)

	tenantID, err := TenantIDFromContext(c)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", tenantID)
}

func TestGenerateToken_Validation(t *testing.T) {
	tests := []struct {
		name   string
		op     Operator
		secret string
		ttl    time.Duration
	}{
		{name: "missing user", op: Operator{TenantID: "t"}, secret: testSecret, ttl: time.Hour},
		{name: "missing tenant", op: Operator{UserID: "u"}, secret: testSecret, ttl: time.Hour},
		{name: "missing secret", op: Operator{UserID: "u", TenantID: "t"}, ttl: time.Hour},
		{name: "non-positive ttl", op: Operator{UserID: "u", TenantID: "t"}, secret: testSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := GenerateToken(tt.op, tt.secret, tt.ttl)
			assert.Error(t, err)
		})
	}
}

func TestOperatorFromContext_Rejects(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	_, err := OperatorFromContext(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, err.(*echo.HTTPError).Code)

	noTenant := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()})
	signed, err := noTenant.SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = OperatorFromContext(contextWithToken(t, signed))
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, err.(*echo.HTTPError).Code)

	wrongType := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"typ": "chat_route", "sub": "u", "tenant_id": "t", "exp": time.Now().Add(time.Hour).Unix()})
	signed, err = wrongType.SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = OperatorFromContext(contextWithToken(t, signed))
	require.Error(t, err)
}

func TestJWTMiddleware_SkipsPublicRoutes(t *testing.T) {
	e := echo.New()
	e.Use(JWTMiddleware(testSecret, func(c echo.Context) bool {
		return c.Path() == "/ping"
	}))
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	e.GET("/chats", func(c echo.Context) error {
		op, err := OperatorFromContext(c)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, op.TenantID)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	signed, _, err := GenerateToken(Operator{UserID: "u", TenantID: "tenant-9"}, testSecret, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenant-9", rec.Body.String())
}

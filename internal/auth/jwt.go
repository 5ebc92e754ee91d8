// Package auth issues and verifies operator JWTs. Every operator token is
// scoped to one tenant.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject  = "sub"
	claimUserID   = "user_id"
	claimTenantID = "tenant_id"
	claimType     = "typ"
	operatorType  = "operator"
)

// Operator is the identity carried by an operator token.
type Operator struct {
	UserID   string
	TenantID string
}

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// OperatorFromContext extracts the operator identity from JWT claims.
func OperatorFromContext(c echo.Context) (Operator, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return Operator{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Operator{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	if typ := claimString(claims, claimType); typ != "" && typ != operatorType {
		return Operator{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token type")
	}
	op := Operator{
		UserID:   claimString(claims, claimUserID),
		TenantID: claimString(claims, claimTenantID),
	}
	if op.UserID == "" {
		op.UserID = claimString(claims, claimSubject)
	}
	if op.UserID == "" {
		return Operator{}, echo.NewHTTPError(http.StatusUnauthorized, "user id missing")
	}
	if op.TenantID == "" {
		return Operator{}, echo.NewHTTPError(http.StatusForbidden, "tenant id missing")
	}
	return op, nil
}

// TenantIDFromContext returns the tenant the operator token is scoped to.
func TenantIDFromContext(c echo.Context) (string, error) {
	op, err := OperatorFromContext(c)
	if err != nil {
		return "", err
	}
	return op.TenantID, nil
}

// GenerateToken creates a signed operator JWT.
func GenerateToken(op Operator, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(op.UserID) == "" {
		return "", time.Time{}, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(op.TenantID) == "" {
		return "", time.Time{}, fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimType:     operatorType,
		claimSubject:  op.UserID,
		claimUserID:   op.UserID,
		claimTenantID: op.TenantID,
		"iat":         now.Unix(),
		"exp":         expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}

package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-api/internal/models"
	appErrors "github.com/noah-isme/lms-api/pkg/errors"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims models.JWTClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims(role models.UserRole) models.JWTClaims {
	now := time.Now()
	return models.JWTClaims{
		UserID: "user-1",
		Role:   role,
		Email:  "user@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "lms-auth",
			Audience:  jwt.ClaimStrings{"lms-api"},
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func newTestAuthService() *AuthService {
	return NewAuthService(nil, AuthConfig{AccessTokenSecret: testSecret, Issuer: "lms-auth", Audience: "lms-api"})
}

func TestAuthServiceValidateToken(t *testing.T) {
	svc := newTestAuthService()

	claims, err := svc.ValidateToken(signToken(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims(models.RoleFaculty)))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, models.RoleFaculty, claims.Role)
}

func TestAuthServiceFallsBackToSubject(t *testing.T) {
	svc := newTestAuthService()
	c := validClaims(models.RoleStudent)
	c.UserID = ""
	c.Subject = "stu-9"

	claims, err := svc.ValidateToken(signToken(t, jwt.SigningMethodHS256, []byte(testSecret), c))
	require.NoError(t, err)
	assert.Equal(t, "stu-9", claims.UserID)
}

func TestAuthServiceRejectsInvalidTokens(t *testing.T) {
	svc := newTestAuthService()

	expired := validClaims(models.RoleAdmin)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	wrongIssuer := validClaims(models.RoleAdmin)
	wrongIssuer.Issuer = "someone-else"

	wrongAudience := validClaims(models.RoleAdmin)
	wrongAudience.Audience = jwt.ClaimStrings{"other-api"}

	cases := map[string]string{
		"garbage":        "not-a-token",
		"wrong secret":   signToken(t, jwt.SigningMethodHS256, []byte("other"), validClaims(models.RoleAdmin)),
		"wrong method":   signToken(t, jwt.SigningMethodHS512, []byte(testSecret), validClaims(models.RoleAdmin)),
		"expired":        signToken(t, jwt.SigningMethodHS256, []byte(testSecret), expired),
		"wrong issuer":   signToken(t, jwt.SigningMethodHS256, []byte(testSecret), wrongIssuer),
		"wrong audience": signToken(t, jwt.SigningMethodHS256, []byte(testSecret), wrongAudience),
		"unknown role":   signToken(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims("PARENT")),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ValidateToken(token)
			require.Error(t, err)
			assert.True(t, appErrors.HasCode(err, appErrors.ErrUnauthorized.Code))
		})
	}
}

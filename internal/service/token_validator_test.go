package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/elective-api/internal/models"
	appErrors "github.com/noah-isme/elective-api/pkg/errors"
)

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims models.JWTClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims() models.JWTClaims {
	return models.JWTClaims{
		UserID: "u-1",
		Role:   models.RoleSecretary,
		Email:  "secretariat@example.edu",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestTokenValidatorAcceptsSignedToken(t *testing.T) {
	validator := NewTokenValidator("secret")
	claims, err := validator.ValidateToken(signToken(t, jwt.SigningMethodHS256, []byte("secret"), validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.Equal(t, models.RoleSecretary, claims.Role)
}

func TestTokenValidatorRejects(t *testing.T) {
	validator := NewTokenValidator("secret")

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noRole := validClaims()
	noRole.Role = ""

	tests := map[string]string{
		"wrong secret": signToken(t, jwt.SigningMethodHS256, []byte("other"), validClaims()),
		"wrong alg":    signToken(t, jwt.SigningMethodHS512, []byte("secret"), validClaims()),
		"expired":      signToken(t, jwt.SigningMethodHS256, []byte("secret"), expired),
		"no role":      signToken(t, jwt.SigningMethodHS256, []byte("secret"), noRole),
		"garbage":      "not-a-token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := validator.ValidateToken(token)
			assert.ErrorIs(t, err, appErrors.ErrUnauthorized)
		})
	}
}

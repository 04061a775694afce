package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/acadplan/allocation-api/internal/dto"
	"github.com/acadplan/allocation-api/pkg/config"
	appErrors "github.com/acadplan/allocation-api/pkg/errors"
)

func testOperatorAuth(t *testing.T) config.AuthConfig {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-passw0rd"), bcrypt.MinCost)
	require.NoError(t, err)
	return config.AuthConfig{OperatorEmail: "ops@example.edu", OperatorPasswordHash: string(hash)}
}

func testAuthService(t *testing.T) *AuthService {
	t.Helper()
	return NewAuthService(
		config.JWTConfig{Secret: "test-secret-key", Expiration: time.Hour},
		testOperatorAuth(t),
		nil,
	)
}

func TestLoginIssuesValidToken(t *testing.T) {
	svc := testAuthService(t)

	res, err := svc.Login(dto.LoginRequest{Email: "ops@example.edu", Password: "s3cret-passw0rd"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", res.TokenType)
	assert.Equal(t, int64(3600), res.ExpiresIn)

	claims, err := svc.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.edu", claims.Email)
	assert.Equal(t, "operator", claims.Role)
}

func TestLoginRejectsWrongCredentials(t *testing.T) {
	svc := testAuthService(t)

	cases := []dto.LoginRequest{
		{Email: "ops@example.edu", Password: "wrong-password"},
		{Email: "ops@example.edu", Password: ""},
		{Email: "intruder@example.edu", Password: "s3cret-passw0rd"},
	}
	for _, req := range cases {
		_, err := svc.Login(req)
		require.Error(t, err)
		var appErr *appErrors.Error
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErr.Code)
	}
}

func TestLoginRejectsRawHashAsPassword(t *testing.T) {
	// The stored hash itself must not work as a password.
	auth := testOperatorAuth(t)
	svc := NewAuthService(config.JWTConfig{Secret: "test-secret-key", Expiration: time.Hour}, auth, nil)

	_, err := svc.Login(dto.LoginRequest{Email: "ops@example.edu", Password: auth.OperatorPasswordHash})
	require.Error(t, err)
}

func TestLoginClosedWithoutConfiguredHash(t *testing.T) {
	svc := NewAuthService(
		config.JWTConfig{Secret: "test-secret-key", Expiration: time.Hour},
		config.AuthConfig{OperatorEmail: "ops@example.edu"},
		nil,
	)

	_, err := svc.Login(dto.LoginRequest{Email: "ops@example.edu", Password: ""})
	require.Error(t, err)
}

func TestValidateTokenRejectsTampering(t *testing.T) {
	svc := testAuthService(t)
	res, err := svc.Login(dto.LoginRequest{Email: "ops@example.edu", Password: "s3cret-passw0rd"})
	require.NoError(t, err)

	_, err = svc.ValidateToken(res.AccessToken + "x")
	require.Error(t, err)

	other := NewAuthService(
		config.JWTConfig{Secret: "different-secret", Expiration: time.Hour},
		testOperatorAuth(t),
		nil,
	)
	_, err = other.ValidateToken(res.AccessToken)
	require.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc := NewAuthService(
		config.JWTConfig{Secret: "test-secret-key", Expiration: -time.Minute},
		testOperatorAuth(t),
		nil,
	)
	res, err := svc.Login(dto.LoginRequest{Email: "ops@example.edu", Password: "s3cret-passw0rd"})
	require.NoError(t, err)

	_, err = svc.ValidateToken(res.AccessToken)
	require.Error(t, err)
}

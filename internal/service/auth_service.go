package service

import (
	"crypto/subtle"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/acadplan/allocation-api/internal/dto"
	"github.com/acadplan/allocation-api/internal/models"
	"github.com/acadplan/allocation-api/pkg/config"
	appErrors "github.com/acadplan/allocation-api/pkg/errors"
)

// AuthService authenticates the configured operator and issues access
// tokens. The API has a single operator identity; there is no user table.
type AuthService struct {
	jwtCfg  config.JWTConfig
	authCfg config.AuthConfig
	logger  *zap.Logger
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(jwtCfg config.JWTConfig, authCfg config.AuthConfig, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{jwtCfg: jwtCfg, authCfg: authCfg, logger: logger}
}

// Login verifies the operator credential pair and returns a signed token.
// The configured password is a bcrypt hash; the hash comparison runs even
// when the email does not match.
func (s *AuthService) Login(req dto.LoginRequest) (*dto.LoginResponse, error) {
	emailOK := subtle.ConstantTimeCompare([]byte(req.Email), []byte(s.authCfg.OperatorEmail)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(s.authCfg.OperatorPasswordHash), []byte(req.Password))
	if !emailOK || passErr != nil {
		s.logger.Warn("rejected login attempt", zap.String("email", req.Email))
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	now := time.Now().UTC()
	claims := models.JWTClaims{
		Email: req.Email,
		Role:  "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtCfg.Expiration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.jwtCfg.Secret))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign access token")
	}

	return &dto.LoginResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.jwtCfg.Expiration.Seconds()),
	}, nil
}

// ValidateToken parses a bearer token and returns its claims.
func (s *AuthService) ValidateToken(raw string) (*models.JWTClaims, error) {
	claims := &models.JWTClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "unexpected signing method")
		}
		return []byte(s.jwtCfg.Secret), nil
	})
	if err != nil || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired token")
	}
	return claims, nil
}

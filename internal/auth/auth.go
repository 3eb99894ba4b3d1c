// Package auth exchanges operator API credentials for signed bearer tokens.
// The token's client ID is the actor recorded on plan approvals, execution
// starts and kill-switch writes; its permissions gate those routes.
package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/quantfolio/rebalance-api/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Permissions carried in operator tokens.
const (
	PermApprove = "plan:approve"
	PermExecute = "execution:start"
	PermControl = "control:write"
)

// Credentials is the API key pair exchanged for a token.
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse carries the signed token and its expiry.
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims is the token payload: the operator identity plus the permissions
// the mutating routes check.
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
}

// Service issues and validates operator tokens.
type Service struct {
	jwtSecret   []byte
	tokenTTL    time.Duration
	credentials map[string]string // API key -> secret
}

// NewService creates an auth service signing tokens with the given secret.
func NewService(jwtSecret string, tokenTTL time.Duration) *Service {
	return &Service{
		jwtSecret:   []byte(jwtSecret),
		tokenTTL:    tokenTTL,
		credentials: make(map[string]string),
	}
}

// Register adds an operator credential pair. Called at startup from config.
func (s *Service) Register(apiKey, apiSecret string) {
	s.credentials[apiKey] = apiSecret
}

// GenerateToken exchanges valid credentials for a signed token. The API key
// doubles as the client ID, which surfaces as the actor on audit events.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	secret, ok := s.credentials[creds.APIKey]
	if !ok || secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiration := now.Add(s.tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID:    creds.APIKey,
		Permissions: []string{PermApprove, PermExecute, PermControl},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}
	return &TokenResponse{Token: token, Expiration: expiration}, nil
}

// ValidateToken verifies the signature and expiry and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GenerateTokenHandler handles POST requests to exchange credentials for a token
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

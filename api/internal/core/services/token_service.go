package services

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	agentTokenType   = "agent"
	agentTokenIssuer = "sirka-platform"
)

// AgentClaims is what the platform signs into an agent token.
type AgentClaims struct {
	TokenType string `json:"token_type"` // 🛡️ Only "agent" tokens may drive the agent
	jwt.RegisteredClaims
}

// TokenService mints and verifies platform-signed agent tokens locally, so a
// deploy does not depend on the platform being reachable.
type TokenService struct {
	secret  []byte
	agentID string
}

// NewTokenService binds verification to this agent's id. An empty agentID
// accepts tokens for any subject.
func NewTokenService(secret, agentID string) *TokenService {
	return &TokenService{secret: []byte(secret), agentID: agentID}
}

// IssueAgentToken mints a token for agentID that expires after ttl.
func (s *TokenService) IssueAgentToken(agentID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AgentClaims{
		TokenType: agentTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    agentTokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign agent token: %w", err)
	}
	return signed, nil
}

// Verify implements domain.TokenVerifier. Malformed, expired or foreign tokens
// are rejections, never errors.
func (s *TokenService) Verify(_ context.Context, tokenString string) (bool, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return false, nil
	}
	if s.agentID != "" && claims.Subject != s.agentID {
		return false, nil
	}
	return true, nil
}

func (s *TokenService) parse(tokenString string) (*AgentClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AgentClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 🛡️ Zero-Trust: Force the signing method check
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(agentTokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token signature or expired: %w", err)
	}

	claims, ok := token.Claims.(*AgentClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.TokenType != agentTokenType {
		return nil, fmt.Errorf("invalid token type: expected %s", agentTokenType)
	}
	return claims, nil
}

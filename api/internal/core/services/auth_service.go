package services

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// StaticVerifier accepts the single token whose bcrypt hash is configured on the
// host (AGENT_TOKEN_HASH). It works with no platform at all.
type StaticVerifier struct {
	hash []byte
}

// NewStaticVerifier rejects a hash bcrypt cannot read at startup rather than on
// every request.
func NewStaticVerifier(hash string) (*StaticVerifier, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid AGENT_TOKEN_HASH: %w", err)
	}
	return &StaticVerifier{hash: []byte(hash)}, nil
}

// HashToken produces a value suitable for AGENT_TOKEN_HASH.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (bool, error) {
	// Constant-time check
	err := bcrypt.CompareHashAndPassword(v.hash, []byte(token))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// VerifierChain accepts a token as soon as one verifier does. It reports an error
// only when no verifier accepted and at least one could not decide.
type VerifierChain []domain.TokenVerifier

func (c VerifierChain) Verify(ctx context.Context, token string) (bool, error) {
	var errs []error
	for _, v := range c {
		ok, err := v.Verify(ctx, token)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}
	return false, nil
}

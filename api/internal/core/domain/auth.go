package domain

import "context"

// TokenVerifier decides whether a bearer token may operate this agent.
// A nil error with ok=false is a definite rejection; a non-nil error means the
// verifier could not decide.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (ok bool, err error)
}

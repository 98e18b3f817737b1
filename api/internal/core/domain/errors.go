package domain

import (
	"errors"
	"fmt"
)

// Failure taxonomy for the deployment path. Callers match with errors.Is; the
// concrete error is usually a *DeployError wrapping one of these.
var (
	ErrInvalidRequest = errors.New("invalid request")

	// Artifact resolution. Nothing on disk has been touched.
	ErrFetch            = errors.New("artifact fetch failed")
	ErrFetchTimeout     = errors.New("artifact fetch timed out")
	ErrInvalidEncoding  = errors.New("invalid artifact encoding")
	ErrNoArtifactSource = errors.New("no artifact source")
	ErrChecksumMismatch = errors.New("artifact checksum mismatch")

	// Staging. Rejected before anything is written outside the staging root.
	ErrMalformedArchive = errors.New("malformed archive")
	ErrPathTraversal    = errors.New("path traversal attempt")

	// Swap-level failure. A rollback has been attempted.
	ErrActivation = errors.New("activation failed")

	// Content is live, but the backend could not be wired to it.
	ErrBackendActivation = errors.New("backend activation failed")
	ErrConfigValidation  = errors.New("proxy configuration validation failed")
	ErrReloadFailed      = errors.New("proxy reload failed")

	// Logged only. Never fails a deployment.
	ErrPermissionAdjustment = errors.New("permission adjustment failed")
)

// Stage identifies where a deployment stopped.
type Stage string

const (
	StageValidate Stage = "validate"
	StageResolve  Stage = "resolve"
	StageStage    Stage = "stage"
	StageSwap     Stage = "swap"
	StageBackend  Stage = "backend"
	StageRestart  Stage = "restart"
)

// DeployError is the structured failure surfaced to callers: which stage failed and
// whether the site's served content changed as a result.
type DeployError struct {
	SiteID         string
	Stage          Stage
	ContentChanged bool
	Err            error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy %s: %s stage: %v", e.SiteID, e.Stage, e.Err)
}

func (e *DeployError) Unwrap() error { return e.Err }

// Kind returns the name of the most specific taxonomy error in the chain, for
// reporting. Backend failures report the backend cause when one is known.
func Kind(err error) string {
	for _, k := range []struct {
		err  error
		name string
	}{
		{ErrConfigValidation, "ConfigValidationError"},
		{ErrReloadFailed, "ReloadError"},
		{ErrBackendActivation, "BackendActivationError"},
		{ErrActivation, "ActivationError"},
		{ErrPathTraversal, "PathTraversalAttempt"},
		{ErrMalformedArchive, "MalformedArchive"},
		{ErrChecksumMismatch, "ChecksumMismatch"},
		{ErrFetchTimeout, "FetchTimeout"},
		{ErrFetch, "FetchError"},
		{ErrInvalidEncoding, "InvalidEncoding"},
		{ErrNoArtifactSource, "NoArtifactSource"},
		{ErrInvalidRequest, "InvalidRequest"},
	} {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "InternalError"
}

// FetchStatusError carries the upstream status of a failed artifact download.
type FetchStatusError struct {
	URL        string
	StatusCode int
}

func (e *FetchStatusError) Error() string {
	return fmt.Sprintf("%v: HTTP %d from %s", ErrFetch, e.StatusCode, e.URL)
}

func (e *FetchStatusError) Unwrap() error { return ErrFetch }

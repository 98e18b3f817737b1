package domain

import (
	"fmt"
	"regexp"
	"time"
)

// siteIDPattern keeps IDs safe to use as a directory name, a container name suffix
// and a fragment file name.
var siteIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,62}$`)

// Site is the unit of deployment. Identity is ID; Name is for display only.
// Sites are never persisted on their own: the deploy tree and the backend listings
// are the source of truth.
type Site struct {
	ID     string `json:"site_id"`
	Name   string `json:"site_name"`
	Domain string `json:"domain,omitempty"` // empty means catch-all
}

// Validate checks the parts of a Site that end up on the filesystem or in
// generated proxy configuration.
func (s Site) Validate() error {
	if !siteIDPattern.MatchString(s.ID) {
		return fmt.Errorf("%w: site id %q must match %s", ErrInvalidRequest, s.ID, siteIDPattern)
	}
	if s.Name == "" {
		return fmt.Errorf("%w: site name is required", ErrInvalidRequest)
	}
	if s.Domain != "" && !isFQDN(s.Domain) {
		return fmt.Errorf("%w: domain %q is not a valid host name", ErrInvalidRequest, s.Domain)
	}
	return nil
}

// IsCatchAll reports whether the site is served for unmatched host names.
func (s Site) IsCatchAll() bool {
	return s.Domain == ""
}

var fqdnPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,63}$`)

func isFQDN(host string) bool {
	return len(host) <= 253 && fqdnPattern.MatchString(host)
}

// ArtifactRef points at the packaged site content. Exactly one of InlineBase64 and
// URL must be set.
type ArtifactRef struct {
	InlineBase64 string `json:"-"`
	URL          string `json:"artifact_url,omitempty"`
	// Checksum is optional, "sha256:<hex>" or "blake3:<hex>".
	Checksum string `json:"checksum,omitempty"`
}

// ActivationPolicy selects how staged content replaces the live version.
type ActivationPolicy string

const (
	// PolicyAtomicSwap stages next to the live directory and swaps with renames.
	// On any reported failure the live directory is in its pre-deployment state.
	PolicyAtomicSwap ActivationPolicy = "atomic-swap"

	// PolicyFullReplace deletes the site root first and stages straight into the
	// live location. Faster, but the site has no directory at all while staging and a
	// failure leaves the previous content gone.
	PolicyFullReplace ActivationPolicy = "full-replace"
)

// ParseActivationPolicy maps a config or request value to a policy. Empty means the
// atomic swap.
func ParseActivationPolicy(v string) (ActivationPolicy, error) {
	switch ActivationPolicy(v) {
	case "", PolicyAtomicSwap:
		return PolicyAtomicSwap, nil
	case PolicyFullReplace:
		return PolicyFullReplace, nil
	}
	return "", fmt.Errorf("%w: unknown activation policy %q", ErrInvalidRequest, v)
}

// DeploymentRequest is one deploy call. It lives only as long as the call.
type DeploymentRequest struct {
	Site        Site
	Artifact    ArtifactRef
	Policy      ActivationPolicy
	TraceID     string
	RequestedAt time.Time
}

// StagedContent is a freshly extracted tree that is not live yet.
type StagedContent struct {
	Dir   string
	Files []string // slash-separated, sorted
	Bytes int64
}

// ActivationState names the phases a site passes through during one activation.
type ActivationState string

const (
	StateIdle       ActivationState = "idle"
	StateStaged     ActivationState = "staged"
	StateSwapping   ActivationState = "swapping"
	StateActive     ActivationState = "active"
	StateRolledBack ActivationState = "rolled_back"
)

// ActivationResult is returned for a successful deploy.
type ActivationResult struct {
	// Domain is nil when the site is served as the catch-all.
	Domain     *string          `json:"domain"`
	ServedPath string           `json:"path"`
	Backend    BackendHandle    `json:"backend"`
	Policy     ActivationPolicy `json:"policy"`
	Digest     string           `json:"digest,omitempty"`
}

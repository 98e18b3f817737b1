package services

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

const (
	DefaultFetchTimeout    = 300 * time.Second
	DefaultMaxArtifactSize = 100 * 1000 * 1000
)

// HTTPClient is the part of *http.Client the artifact source needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ArtifactSource turns an ArtifactRef into archive bytes. It has no side effects
// beyond the download itself.
type ArtifactSource struct {
	Client  HTTPClient
	Timeout time.Duration
	MaxSize int64
}

// NewArtifactSource applies the defaults for any zero value.
func NewArtifactSource(client HTTPClient, timeout time.Duration, maxSize int64) *ArtifactSource {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxArtifactSize
	}
	return &ArtifactSource{Client: client, Timeout: timeout, MaxSize: maxSize}
}

// Resolve returns the archive bytes for ref. Exactly one of the inline payload and
// the URL must be set.
func (a *ArtifactSource) Resolve(ctx context.Context, ref domain.ArtifactRef) ([]byte, error) {
	hasInline := strings.TrimSpace(ref.InlineBase64) != ""
	hasURL := strings.TrimSpace(ref.URL) != ""
	if hasInline == hasURL {
		return nil, fmt.Errorf("%w: exactly one of inline data and artifact URL is required", domain.ErrNoArtifactSource)
	}

	var (
		data []byte
		err  error
	)
	if hasInline {
		data, err = a.decodeInline(ref.InlineBase64)
	} else {
		data, err = a.fetch(ctx, strings.TrimSpace(ref.URL))
	}
	if err != nil {
		return nil, err
	}

	if ref.Checksum != "" {
		if err := VerifyChecksum(data, ref.Checksum); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (a *ArtifactSource) decodeInline(payload string) ([]byte, error) {
	// Browsers hand out data URLs; accept them as-is.
	if strings.HasPrefix(payload, "data:") {
		if i := strings.Index(payload, ";base64,"); i >= 0 {
			payload = payload[i+len(";base64,"):]
		}
	}
	payload = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, payload)

	if int64(base64.StdEncoding.DecodedLen(len(payload))) > a.MaxSize+2 {
		return nil, fmt.Errorf("%w: inline artifact exceeds %s", domain.ErrInvalidRequest, humanize.Bytes(uint64(a.MaxSize)))
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEncoding, err)
	}
	if int64(len(data)) > a.MaxSize {
		return nil, fmt.Errorf("%w: inline artifact exceeds %s", domain.ErrInvalidRequest, humanize.Bytes(uint64(a.MaxSize)))
	}
	return data, nil
}

func (a *ArtifactSource) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: artifact URL must be an absolute http(s) URL", domain.ErrInvalidRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", domain.ErrFetch, err)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, a.classify(ctx, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.FetchStatusError{URL: redact(u), StatusCode: resp.StatusCode}
	}
	if resp.ContentLength > a.MaxSize {
		return nil, fmt.Errorf("%w: artifact is %s, limit is %s", domain.ErrFetch,
			humanize.Bytes(uint64(resp.ContentLength)), humanize.Bytes(uint64(a.MaxSize)))
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, a.MaxSize+1))
	if err != nil {
		return nil, a.classify(ctx, rawURL, err)
	}
	if int64(len(content)) > a.MaxSize {
		return nil, fmt.Errorf("%w: artifact exceeds %s", domain.ErrFetch, humanize.Bytes(uint64(a.MaxSize)))
	}
	return content, nil
}

func (a *ArtifactSource) classify(ctx context.Context, rawURL string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", domain.ErrFetchTimeout, a.Timeout)
	}
	if u, perr := url.Parse(rawURL); perr == nil {
		rawURL = redact(u)
	}
	return fmt.Errorf("%w: fetching %s: %v", domain.ErrFetch, rawURL, err)
}

// redact drops credentials and query strings, which often carry signed tokens.
func redact(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	c.Fragment = ""
	return c.String()
}

// VerifyChecksum checks data against "sha256:<hex>" or "blake3:<hex>".
func VerifyChecksum(data []byte, checksum string) error {
	algo, want, ok := strings.Cut(checksum, ":")
	if !ok {
		return fmt.Errorf("%w: checksum %q must look like algorithm:hex", domain.ErrInvalidRequest, checksum)
	}

	var got string
	switch strings.ToLower(algo) {
	case "sha256":
		sum := sha256.Sum256(data)
		got = hex.EncodeToString(sum[:])
	case "blake3":
		sum := blake3.Sum256(data)
		got = hex.EncodeToString(sum[:])
	default:
		return fmt.Errorf("%w: unsupported checksum algorithm %q", domain.ErrInvalidRequest, algo)
	}

	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: expected %s:%s, got %s:%s", domain.ErrChecksumMismatch, algo, want, algo, got)
	}
	return nil
}

// Digest is the content fingerprint recorded for every activation.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}

package services_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
	"github.com/sirka-internal/vps-agent/api/internal/core/services"
)

func TestArtifactSource_Inline(t *testing.T) {
	src := services.NewArtifactSource(nil, 0, 0)
	payload := []byte("PK\x03\x04 pretend zip")
	encoded := base64.StdEncoding.EncodeToString(payload)

	t.Run("plain", func(t *testing.T) {
		got, err := src.Resolve(context.Background(), domain.ArtifactRef{InlineBase64: encoded})
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("whitespace and data url prefix", func(t *testing.T) {
		wrapped := "data:application/zip;base64," + encoded[:8] + "\n  " + encoded[8:] + "\n"
		got, err := src.Resolve(context.Background(), domain.ArtifactRef{InlineBase64: wrapped})
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := src.Resolve(context.Background(), domain.ArtifactRef{InlineBase64: "not*base64!"})
		assert.ErrorIs(t, err, domain.ErrInvalidEncoding)
	})

	t.Run("too large", func(t *testing.T) {
		small := services.NewArtifactSource(nil, 0, 4)
		_, err := small.Resolve(context.Background(), domain.ArtifactRef{InlineBase64: encoded})
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		assert.NotErrorIs(t, err, domain.ErrFetch)
		assert.Equal(t, "InvalidRequest", domain.Kind(err))
	})
}

func TestArtifactSource_RequiresExactlyOneSource(t *testing.T) {
	src := services.NewArtifactSource(nil, 0, 0)

	_, err := src.Resolve(context.Background(), domain.ArtifactRef{})
	assert.ErrorIs(t, err, domain.ErrNoArtifactSource)

	_, err = src.Resolve(context.Background(), domain.ArtifactRef{InlineBase64: "AAAA", URL: "https://example.com/a.zip"})
	assert.ErrorIs(t, err, domain.ErrNoArtifactSource)
}

func TestArtifactSource_URL(t *testing.T) {
	body := strings.Repeat("z", 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/site.zip":
			_, _ = w.Write([]byte(body))
		case "/slow.zip":
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	t.Run("ok", func(t *testing.T) {
		src := services.NewArtifactSource(srv.Client(), 0, 0)
		got, err := src.Resolve(context.Background(), domain.ArtifactRef{URL: srv.URL + "/site.zip"})
		require.NoError(t, err)
		assert.Equal(t, body, string(got))
	})

	t.Run("upstream status is carried", func(t *testing.T) {
		src := services.NewArtifactSource(srv.Client(), 0, 0)
		_, err := src.Resolve(context.Background(), domain.ArtifactRef{URL: srv.URL + "/missing.zip?sig=secret"})
		require.ErrorIs(t, err, domain.ErrFetch)

		var statusErr *domain.FetchStatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
		assert.NotContains(t, err.Error(), "secret")
	})

	t.Run("timeout", func(t *testing.T) {
		src := services.NewArtifactSource(srv.Client(), 50*time.Millisecond, 0)
		_, err := src.Resolve(context.Background(), domain.ArtifactRef{URL: srv.URL + "/slow.zip"})
		assert.ErrorIs(t, err, domain.ErrFetchTimeout)
	})

	t.Run("oversize", func(t *testing.T) {
		src := services.NewArtifactSource(srv.Client(), 0, 16)
		_, err := src.Resolve(context.Background(), domain.ArtifactRef{URL: srv.URL + "/site.zip"})
		assert.ErrorIs(t, err, domain.ErrFetch)
		assert.NotErrorIs(t, err, domain.ErrFetchTimeout)
	})

	t.Run("scheme must be http", func(t *testing.T) {
		src := services.NewArtifactSource(srv.Client(), 0, 0)
		_, err := src.Resolve(context.Background(), domain.ArtifactRef{URL: "file:///etc/passwd"})
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	})
}

func TestArtifactSource_Checksum(t *testing.T) {
	payload := []byte("site bytes")
	encoded := base64.StdEncoding.EncodeToString(payload)
	sha := sha256.Sum256(payload)
	b3 := blake3.Sum256(payload)
	src := services.NewArtifactSource(nil, 0, 0)

	for name, checksum := range map[string]string{
		"sha256":    "sha256:" + hex.EncodeToString(sha[:]),
		"blake3":    "blake3:" + hex.EncodeToString(b3[:]),
		"uppercase": "SHA256:" + strings.ToUpper(hex.EncodeToString(sha[:])),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := src.Resolve(context.Background(), domain.ArtifactRef{InlineBase64: encoded, Checksum: checksum})
			assert.NoError(t, err)
		})
	}

	t.Run("mismatch", func(t *testing.T) {
		_, err := src.Resolve(context.Background(), domain.ArtifactRef{InlineBase64: encoded, Checksum: "sha256:" + strings.Repeat("0", 64)})
		assert.ErrorIs(t, err, domain.ErrChecksumMismatch)
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		_, err := src.Resolve(context.Background(), domain.ArtifactRef{InlineBase64: encoded, Checksum: "md5:abc"})
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	})
}

func TestDigest(t *testing.T) {
	d := services.Digest([]byte("a"))
	assert.True(t, strings.HasPrefix(d, "blake3:"))
	assert.Len(t, d, len("blake3:")+64)
	assert.Equal(t, d, services.Digest([]byte("a")))
	assert.NotEqual(t, d, services.Digest([]byte("b")))
}

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	platformVerifyPath    = "/api/vps/verify-token"
	platformVerifyTimeout = 5 * time.Second
)

// PlatformVerifier asks the control platform whether an agent token is valid.
type PlatformVerifier struct {
	baseURL string
	client  HTTPClient
	timeout time.Duration
}

func NewPlatformVerifier(baseURL string, client HTTPClient) *PlatformVerifier {
	if client == nil {
		client = &http.Client{}
	}
	return &PlatformVerifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		timeout: platformVerifyTimeout,
	}
}

type verifyTokenRequest struct {
	Token string `json:"token"`
}

type verifyTokenResponse struct {
	Valid bool `json:"valid"`
}

// Verify posts the token to the platform. 401 and 403 answers are definite
// rejections; any other failure is reported as an error.
func (p *PlatformVerifier) Verify(ctx context.Context, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(verifyTokenRequest{Token: token})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+platformVerifyPath, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("building verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("platform token verification: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("platform token verification: HTTP %d", resp.StatusCode)
	}

	var out verifyTokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return false, fmt.Errorf("decoding verify response: %w", err)
	}
	return out.Valid, nil
}

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned when the server rejects the refresh credential.
var ErrUnauthorized = errors.New("refresh token rejected")

// HTTPRefresher exchanges a refresh token at POST {base}/auth/refresh.
type HTTPRefresher struct {
	client  *http.Client
	baseURL string
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
}

func NewHTTPRefresher(client *http.Client, baseURL string) *HTTPRefresher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRefresher{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Refresh returns a new access token for refreshToken.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (string, error) {
	reqBody, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/auth/refresh", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: %s", ErrUnauthorized, bytes.TrimSpace(body))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("refresh returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out refreshResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("refresh response has no access_token")
	}
	return out.AccessToken, nil
}

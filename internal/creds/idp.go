// SPDX-License-Identifier: MIT

package creds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// IDPClient exchanges refresh tokens at an OAuth2-style token endpoint.
type IDPClient struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// NewIDPClient builds a client for the provider at baseURL.
func NewIDPClient(baseURL, clientID, clientSecret string) *IDPClient {
	return &IDPClient{
		tokenURL:     strings.TrimRight(baseURL, "/") + "/token",
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type tokenError struct {
	Error string `json:"error"`
}

func (c *IDPClient) Refresh(ctx context.Context, refreshToken string) (string, string, time.Time, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", time.Time{}, &AuthError{Reason: "build token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", time.Time{}, &AuthError{Reason: "token endpoint unreachable", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", time.Time{}, &AuthError{Reason: "read token response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var tok tokenResponse
		if err := json.Unmarshal(body, &tok); err != nil {
			return "", "", time.Time{}, &AuthError{Reason: "decode token response", Err: err}
		}
		if tok.AccessToken == "" {
			return "", "", time.Time{}, &AuthError{Reason: "empty access token in response"}
		}
		if tok.RefreshToken == "" {
			// Provider did not rotate; keep using the old one.
			tok.RefreshToken = refreshToken
		}
		return tok.AccessToken, tok.RefreshToken, time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second), nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", "", time.Time{}, &AuthError{Reason: fmt.Sprintf("token endpoint status %d", resp.StatusCode)}

	default:
		var te tokenError
		_ = json.Unmarshal(body, &te)
		reason := te.Error
		if reason == "" {
			reason = fmt.Sprintf("token endpoint status %d", resp.StatusCode)
		}
		return "", "", time.Time{}, &AuthError{Permanent: true, Reason: reason}
	}
}

var _ Refresher = (*IDPClient)(nil)

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ErrUnauthorized means the relay rejected the device credentials.
var ErrUnauthorized = errors.New("relay rejected credentials")

// FetchToken exchanges a device secret for a link token.
func FetchToken(ctx context.Context, client *http.Client, relayURL, deviceID, secret string) (TokenResponse, error) {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(TokenRequest{DeviceID: deviceID, Secret: secret})
	if err != nil {
		return TokenResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	url := strings.TrimRight(relayURL, "/") + "/api/v1/pairings/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return TokenResponse{}, fmt.Errorf("request token for %s: %w", deviceID, ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return TokenResponse{}, fmt.Errorf("request token: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var out TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TokenResponse{}, fmt.Errorf("decode token: %w", err)
	}
	return out, nil
}

// WaitToken retries FetchToken until it succeeds or ctx ends. Rejected
// credentials are not retried.
func WaitToken(ctx context.Context, client *http.Client, relayURL, deviceID, secret string, retry time.Duration, log hclog.Logger) (TokenResponse, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	for {
		tok, err := FetchToken(ctx, client, relayURL, deviceID, secret)
		if err == nil {
			return tok, nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return TokenResponse{}, err
		}
		log.Warn("token request failed, retrying", "relay", relayURL, "delay", retry, "error", err)
		select {
		case <-ctx.Done():
			return TokenResponse{}, ctx.Err()
		case <-time.After(retry):
		}
	}
}

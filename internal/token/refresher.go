// Package token maintains process-wide authentication tokens for the
// speech service, refreshed on a fixed interval by a background loop.
package token

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Source fetches a fresh token value.
type Source func(ctx context.Context) (string, error)

// Refresher is a cancellable periodic task exposing the current token.
// Consumers needing a token before the first refresh completes use Wait
// rather than treating absence as an error.
type Refresher struct {
	name     string
	source   Source
	interval time.Duration
	logger   zerolog.Logger

	mu    sync.RWMutex
	token string

	readyOnce sync.Once
	ready     chan struct{}
}

// NewRefresher creates a refresher that polls source every interval.
func NewRefresher(name string, source Source, interval time.Duration, logger zerolog.Logger) *Refresher {
	return &Refresher{
		name:     name,
		source:   source,
		interval: interval,
		logger:   logger.With().Str("component", "token-refresher").Str("token", name).Logger(),
		ready:    make(chan struct{}),
	}
}

// Start runs the refresh loop until ctx is canceled. The first refresh
// happens immediately.
func (r *Refresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Token refresher stopped")
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	value, err := r.source(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Token refresh failed")
		return
	}

	r.mu.Lock()
	r.token = value
	r.mu.Unlock()

	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Debug().Msg("Token refreshed")
}

// Current returns the latest token, empty before the first successful
// refresh.
func (r *Refresher) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.token
}

// Wait blocks until a token is available or ctx is canceled.
func (r *Refresher) Wait(ctx context.Context) (string, error) {
	select {
	case <-r.ready:
		return r.Current(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SpeechTokenSource issues short-lived speech service tokens from the
// subscription-key token endpoint.
func SpeechTokenSource(region, subscriptionKey string, client *http.Client) Source {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	url := fmt.Sprintf("https://%s.api.cognitive.microsoft.com/sts/v1.0/issueToken", region)

	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", subscriptionKey)

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("token request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("token request failed: status %d", resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		return string(body), nil
	}
}

// RelayTokenSource fetches the ICE relay token used by clients for
// their peer connections.
func RelayTokenSource(region, privateEndpoint, subscriptionKey string, speech *Refresher, client *http.Client) Source {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	url := fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/avatar/relay/token/v1", region)
	if privateEndpoint != "" {
		url = privateEndpoint + "/tts/cognitiveservices/avatar/relay/token/v1"
	}

	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		if speech != nil {
			// Token-based auth: wait for the speech token first.
			bearer, err := speech.Wait(ctx)
			if err != nil {
				return "", err
			}
			req.Header.Set("Authorization", "Bearer "+bearer)
		} else {
			req.Header.Set("Ocp-Apim-Subscription-Key", subscriptionKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("relay token request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("relay token request failed: status %d", resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("failed to read relay token: %w", err)
		}
		return string(body), nil
	}
}

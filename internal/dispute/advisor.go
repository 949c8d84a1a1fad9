package dispute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nexusmarket/nexus/internal/retry"
	"github.com/nexusmarket/nexus/internal/security"
)

const (
	advisorMaxAttempts = 3
	advisorBaseDelay   = 200 * time.Millisecond
)

// HTTPAdvisor asks an external service for a suggested resolution.
// The endpoint receives the dispute as JSON and answers with
// {"outcome": "release"|"refund"|"split"}.
type HTTPAdvisor struct {
	url    string
	client *http.Client
}

// NewHTTPAdvisor validates the endpoint and builds an advisor.
// The URL is checked against SSRF targets before any request is made.
func NewHTTPAdvisor(url string, timeout time.Duration) (*HTTPAdvisor, error) {
	if err := security.ValidateEndpointURL(url); err != nil {
		return nil, fmt.Errorf("invalid advisor URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPAdvisor{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Advise implements Advisor. Transient failures (network errors, 5xx)
// are retried with backoff; 4xx responses and garbage outcomes are not.
func (a *HTTPAdvisor) Advise(ctx context.Context, dispute *Dispute) (string, error) {
	payload, err := json.Marshal(dispute)
	if err != nil {
		return "", err
	}

	var outcome string
	err = retry.Do(ctx, advisorMaxAttempts, advisorBaseDelay, func() error {
		outcome, err = a.advise(ctx, payload)
		return err
	})
	return outcome, err
}

func (a *HTTPAdvisor) advise(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("advisor returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", retry.Permanent(err)
		}
		return "", err
	}

	var body struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", retry.Permanent(err)
	}

	switch body.Outcome {
	case "release", "refund", "split":
		return body.Outcome, nil
	default:
		return "", retry.Permanent(fmt.Errorf("advisor returned unknown outcome %q", body.Outcome))
	}
}

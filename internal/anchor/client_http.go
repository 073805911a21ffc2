package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/platform/circuit"
)

// HTTPClient talks to the anchoring provider's REST API. A circuit breaker
// guards submissions so a provider outage fails fast instead of tying up
// the submit workers; failed submissions stay queued and retry with backoff.
// While the circuit is open one probe submission per cool-down window still
// reaches the provider, so a recovered provider closes the circuit again.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuit.Breaker
	logger  *slog.Logger
}

type HTTPClientOption func(*HTTPClient)

func WithHTTPClientLogger(logger *slog.Logger) HTTPClientOption {
	return func(c *HTTPClient) { c.logger = logger }
}

func WithHTTPTransport(h *http.Client) HTTPClientOption {
	return func(c *HTTPClient) { c.http = h }
}

// WithHTTPBreaker replaces the submission circuit breaker. Tests use it to
// step through the probe window without sleeping.
func WithHTTPBreaker(b *circuit.Breaker) HTTPClientOption {
	return func(c *HTTPClient) { c.breaker = b }
}

func NewHTTPClient(baseURL, apiKey string, opts ...HTTPClientOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("anchor provider URL is required")
	}
	c := &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: circuit.New("anchor-provider"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type submitRequest struct {
	PlanHash string `json:"plan_hash"`
}

type submitResponse struct {
	AnchorID    string `json:"anchor_id"`
	ExternalURL string `json:"external_url"`
}

func (c *HTTPClient) Submit(ctx context.Context, planHash string) (*Submission, error) {
	if !c.breaker.Allow() {
		return nil, dErrors.New(dErrors.CodeAnchorTransient, "anchoring provider circuit is open")
	}

	body, err := json.Marshal(submitRequest{PlanHash: planHash})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeAnchorPermanent, "marshal anchor submission")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/anchors", bytes.NewReader(body))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeAnchorPermanent, "build anchor submission")
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailure()
		return nil, dErrors.Wrap(err, dErrors.CodeAnchorTransient, "anchor submission failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.breaker.RecordSuccess()
		var out submitResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeAnchorPermanent, "decode anchor submission response")
		}
		if out.AnchorID == "" {
			return nil, dErrors.New(dErrors.CodeAnchorPermanent, "provider returned no anchor id")
		}
		return &Submission{AnchorID: out.AnchorID, ExternalURL: out.ExternalURL}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.recordFailure()
		return nil, dErrors.Newf(dErrors.CodeAnchorTransient,
			"anchor submission returned %d", resp.StatusCode)
	default:
		// The provider is up; it rejected this request.
		c.breaker.RecordSuccess()
		return nil, dErrors.Newf(dErrors.CodeAnchorPermanent,
			"anchor submission rejected with %d", resp.StatusCode)
	}
}

type statusResponse struct {
	Status string `json:"status"`
}

func (c *HTTPClient) Confirmed(ctx context.Context, anchorID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/anchors/"+anchorID, nil)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeAnchorPermanent, "build anchor status request")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeAnchorTransient, "anchor status check failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return false, dErrors.Wrap(err, dErrors.CodeAnchorPermanent, "decode anchor status response")
		}
		switch out.Status {
		case "confirmed":
			return true, nil
		case "pending", "submitted":
			return false, nil
		default:
			return false, dErrors.Newf(dErrors.CodeAnchorPermanent,
				"anchor %s reported status %q", anchorID, out.Status)
		}
	case resp.StatusCode == http.StatusNotFound:
		return false, dErrors.Newf(dErrors.CodeAnchorPermanent, "anchor %s not found", anchorID)
	case resp.StatusCode >= 500:
		return false, dErrors.Newf(dErrors.CodeAnchorTransient,
			"anchor status check returned %d", resp.StatusCode)
	default:
		return false, dErrors.Newf(dErrors.CodeAnchorPermanent,
			"anchor status check rejected with %d", resp.StatusCode)
	}
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *HTTPClient) recordFailure() {
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.Warn("anchoring provider circuit opened", "base_url", c.baseURL)
	}
}

// Package consent asks the consent service whether a beneficiary opted out
// of data sharing.
package consent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
)

// OptOutPolicy is the policy rule of an opt-out consent record.
const OptOutPolicy = "http://hl7.org/fhir/ConsentPolicy/opt-out"

// StatusError is a non-success answer from the consent service.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("consent service returned HTTP %d", e.StatusCode)
}

// Config holds client settings
type Config struct {
	ServerURL     string
	Timeout       time.Duration
	MaxTries      int
	RetryInterval time.Duration
}

// Client searches Consent resources by MBI.
type Client struct {
	baseURL       *url.URL
	httpClient    *http.Client
	maxTries      int
	retryInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// NewClient creates a Client.
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(config.ServerURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid consent server url: %w", err)
	}
	return &Client{
		baseURL:       base,
		httpClient:    &http.Client{Timeout: config.Timeout},
		maxTries:      max(config.MaxTries, 1),
		retryInterval: config.RetryInterval,
		now:           time.Now,
		logger:        logger,
	}, nil
}

// OptedOut reports whether mbi has an active opt-out that is already in
// effect. Records dated in the future do not count yet.
func (c *Client) OptedOut(ctx context.Context, mbi string) (bool, error) {
	body, err := c.search(ctx, mbi)
	if err != nil {
		return false, err
	}

	now := c.now()
	for _, r := range gjson.GetBytes(body, "entry.#.resource").Array() {
		if r.Get("status").String() != "active" || !isOptOut(r) {
			continue
		}
		if at := r.Get("dateTime").String(); at != "" {
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return false, fmt.Errorf("invalid consent dateTime %q: %w", at, err)
			}
			if t.After(now) {
				continue
			}
		}
		return true, nil
	}
	return false, nil
}

func isOptOut(r gjson.Result) bool {
	if r.Get("policyRule").String() == OptOutPolicy {
		return true
	}
	for _, p := range r.Get("policy").Array() {
		if p.Get("uri").String() == OptOutPolicy {
			return true
		}
	}
	return false
}

func (c *Client) search(ctx context.Context, mbi string) ([]byte, error) {
	query := url.Values{}
	query.Set("patient", mbi)
	target := c.baseURL.ResolveReference(&url.URL{Path: "Consent", RawQuery: query.Encode()}).String()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxTries-1)), ctx)

	return backoff.RetryNotifyWithData(func() ([]byte, error) {
		body, err := c.get(ctx, target)
		if err == nil {
			return body, nil
		}
		var statusErr *StatusError
		if ctx.Err() != nil || (errors.As(err, &statusErr) && statusErr.StatusCode < 500) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}, b, func(err error, d time.Duration) {
		c.logger.Warn("Consent request failed, retrying...",
			slog.Duration("retry_after", d),
			slog.Any("error", err),
		)
	})
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build consent request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("consent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read consent response: %w", err)
	}
	return body, nil
}

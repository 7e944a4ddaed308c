// Package bluebutton is the client for the upstream claims data service, a
// FHIR server answering paginated searches per patient and resource type.
package bluebutton

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuongbtq/bulk-export/internal/queue/domain"
)

// MBISystem is the identifier system of Medicare beneficiary identifiers.
const MBISystem = "http://hl7.org/fhir/sid/us-mbi"

const (
	headerIncludeIdentifiers = "IncludeIdentifiers"
	headerBulkJobID          = "BULK-JOBID"
	headerBulkClientID       = "BULK-CLIENTID"
	headerForwardedFor       = "X-Forwarded-For"
	fhirJSON                 = "application/fhir+json"
)

var (
	// ErrResourceNotFound is returned when the server has no record for the patient
	ErrResourceNotFound = errors.New("resource not found")
)

// ResponseError is a non-success upstream answer. StatusCode is 0 when the
// request never got a response.
type ResponseError struct {
	StatusCode int
	URL        string
	Err        error
}

func (e *ResponseError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream request to %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("upstream request to %s returned HTTP %d", e.URL, e.StatusCode)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// Config holds client settings
type Config struct {
	ServerURL     string
	ClientID      string
	PageSize      int
	Timeout       time.Duration
	MaxTries      int
	RetryInterval time.Duration
	CertFile      string
	KeyFile       string
	CAFile        string
}

// RequestHeaders are forwarded on every request made for a batch.
type RequestHeaders struct {
	JobID        string
	ClientID     string
	ForwardedFor string
}

// SearchParams selects one patient's records of one type.
type SearchParams struct {
	PatientID       string
	Since           *time.Time
	TransactionTime time.Time
	Headers         RequestHeaders
}

// Client talks to the upstream FHIR server.
type Client struct {
	baseURL       *url.URL
	httpClient    *http.Client
	clientID      string
	pageSize      int
	maxTries      int
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewClient builds a client, with mutual TLS when a certificate is configured.
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(config.ServerURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid bluebutton server url: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.CertFile != "" {
		tlsConfig, err := loadTLSConfig(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL:       base,
		httpClient:    &http.Client{Timeout: config.Timeout, Transport: transport},
		clientID:      config.ClientID,
		pageSize:      config.PageSize,
		maxTries:      max(config.MaxTries, 1),
		retryInterval: config.RetryInterval,
		logger:        logger,
	}, nil
}

func loadTLSConfig(config Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load bluebutton client certificate: %w", err)
	}

	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if config.CAFile != "" {
		pem, err := os.ReadFile(config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read bluebutton CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", config.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// Search returns the first page of a patient's records of type rt, limited
// to the (since, transactionTime] window.
func (c *Client) Search(ctx context.Context, rt domain.ResourceType, params SearchParams) (*Bundle, error) {
	query := url.Values{}
	switch rt {
	case domain.ResourcePatient:
		query.Set("_id", params.PatientID)
	case domain.ResourceExplanationOfBenefit:
		query.Set("patient", params.PatientID)
		query.Set("excludeSAMHSA", "true")
	case domain.ResourceCoverage:
		query.Set("beneficiary", "Patient/"+params.PatientID)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedResourceType, rt)
	}

	if c.pageSize > 0 {
		query.Set("_count", strconv.Itoa(c.pageSize))
	}
	query.Add("_lastUpdated", "le"+params.TransactionTime.UTC().Format(time.RFC3339Nano))
	if params.Since != nil {
		query.Add("_lastUpdated", "gt"+params.Since.UTC().Format(time.RFC3339Nano))
	}

	target := c.baseURL.ResolveReference(&url.URL{Path: string(rt), RawQuery: query.Encode()})
	bundle, err := c.getBundle(ctx, http.MethodGet, target.String(), nil, params.Headers)
	if err != nil {
		return nil, err
	}

	if rt == domain.ResourcePatient && len(bundle.Entry) == 0 && params.Since == nil {
		return nil, fmt.Errorf("%w: patient %s", ErrResourceNotFound, params.PatientID)
	}
	return bundle, nil
}

// Next follows the bundle's next link. It returns nil, nil on the last page.
func (c *Client) Next(ctx context.Context, bundle *Bundle, headers RequestHeaders) (*Bundle, error) {
	next := bundle.NextURL()
	if next == "" {
		return nil, nil
	}
	return c.getBundle(ctx, http.MethodGet, next, nil, headers)
}

// ResolvePatientID finds the upstream patient id for an MBI. The search is
// a POST so the identifier never lands in a URL.
func (c *Client) ResolvePatientID(ctx context.Context, mbi string, headers RequestHeaders) (string, error) {
	form := url.Values{}
	form.Set("identifier", MBISystem+"|"+mbi)

	target := c.baseURL.ResolveReference(&url.URL{Path: "Patient/_search"})
	bundle, err := c.getBundle(ctx, http.MethodPost, target.String(), []byte(form.Encode()), headers)
	if err != nil {
		return "", err
	}

	for _, raw := range bundle.Resources() {
		if id := ResourceIDOf(raw); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no patient with the requested MBI", ErrResourceNotFound)
}

// getBundle retries transport failures and server errors with exponential
// backoff, up to maxTries attempts in total.
func (c *Client) getBundle(ctx context.Context, method, target string, body []byte, headers RequestHeaders) (*Bundle, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryInterval
	eb.Multiplier = 2
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxTries-1)), ctx)

	attempt := 0
	bundle, err := backoff.RetryNotifyWithData(func() (*Bundle, error) {
		attempt++
		bundle, err := c.do(ctx, method, target, body, headers)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return bundle, err
	}, b, func(err error, d time.Duration) {
		c.logger.Warn("Upstream request failed, retrying...",
			slog.String("url", target),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", d),
			slog.Any("error", err),
		)
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, headers RequestHeaders) (*Bundle, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	req.Header.Set("Accept", fhirJSON)
	req.Header.Set(headerIncludeIdentifiers, "mbi")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	setHeader(req, headerBulkJobID, headers.JobID)
	setHeader(req, headerBulkClientID, firstNonEmpty(headers.ClientID, c.clientID))
	setHeader(req, headerForwardedFor, headers.ForwardedFor)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ResponseError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, target)
	case resp.StatusCode >= 300:
		io.Copy(io.Discard, resp.Body)
		return nil, &ResponseError{StatusCode: resp.StatusCode, URL: target}
	}

	var bundle Bundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("failed to decode upstream bundle: %w", err)
	}
	return &bundle, nil
}

// retryable is true for transport failures and server errors.
func retryable(err error) bool {
	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	return respErr.StatusCode == 0 || respErr.StatusCode >= 500
}

func setHeader(req *http.Request, key, value string) {
	if strings.TrimSpace(value) != "" {
		req.Header.Set(key, value)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

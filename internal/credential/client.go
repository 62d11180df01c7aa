// Package credential fetches the short-lived credential used to open the
// agent connection.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ent0n29/pitchcoach/internal/reliability"
)

var (
	// ErrFetchFailed covers network, status and body failures of the endpoint.
	ErrFetchFailed = errors.New("credential fetch failed")
	// ErrUnavailable marks a transient server-side failure of the endpoint.
	ErrUnavailable = errors.New("credential endpoint unavailable")
)

// Scheme tells the dialer how to present the credential.
type Scheme string

const (
	SchemeBearer Scheme = "Bearer" // short-lived token
	SchemeToken  Scheme = "Token"  // raw API key
)

type Credential struct {
	Value  string
	Scheme Scheme
}

// AuthorizationHeader renders the credential for an Authorization header.
func (c Credential) AuthorizationHeader() string {
	return string(c.Scheme) + " " + c.Value
}

// Source yields one credential per connect attempt.
type Source interface {
	Fetch(ctx context.Context) (Credential, error)
}

type Client struct {
	url        string
	httpClient *http.Client
}

func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{url: strings.TrimSpace(url), httpClient: httpClient}
}

type response struct {
	Token string `json:"token"`
	Key   string `json:"key"`
}

// Fetch issues a single GET against the credential endpoint.
func (c *Client) Fetch(ctx context.Context) (Credential, error) {
	if c.url == "" {
		return Credential{}, fmt.Errorf("%w: endpoint not configured", ErrFetchFailed)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: build request: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: read body: %v", ErrFetchFailed, err)
	}
	if reliability.IsRateLimitedStatus(resp.StatusCode) {
		return Credential{}, fmt.Errorf("%w: %w: status %d", ErrFetchFailed, reliability.ErrRateLimited, resp.StatusCode)
	}
	if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
		return Credential{}, fmt.Errorf("%w: %w: status %d", ErrFetchFailed, ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("%w: unexpected status %d: %s", ErrFetchFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return Credential{}, fmt.Errorf("%w: decode body: %v", ErrFetchFailed, err)
	}
	switch {
	case strings.TrimSpace(out.Token) != "":
		return Credential{Value: strings.TrimSpace(out.Token), Scheme: SchemeBearer}, nil
	case strings.TrimSpace(out.Key) != "":
		return Credential{Value: strings.TrimSpace(out.Key), Scheme: SchemeToken}, nil
	default:
		return Credential{}, fmt.Errorf("%w: response carries neither token nor key", ErrFetchFailed)
	}
}

// Static returns a fixed credential; useful when an API key is configured
// directly instead of a credential endpoint.
type Static Credential

func (s Static) Fetch(context.Context) (Credential, error) {
	if strings.TrimSpace(s.Value) == "" {
		return Credential{}, fmt.Errorf("%w: empty static credential", ErrFetchFailed)
	}
	return Credential(s), nil
}

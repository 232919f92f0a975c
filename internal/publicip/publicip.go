package publicip

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/geoloop/LocationAgent/internal/env"
	"github.com/pkg/errors"
)

// EnvURL overrides the checkip endpoint.
const EnvURL = "PUBLIC_IP_URL"

const (
	defaultURL     = "https://checkip.amazonaws.com"
	requestTimeout = 5 * time.Second
	maxBodyBytes   = 256
)

// Resolver fetches the caller's public IP from a checkip-style endpoint that
// answers a bare address in the response body.
type Resolver struct {
	url        string
	httpClient *http.Client
}

// NewResolverFromEnv builds a Resolver against PUBLIC_IP_URL or the stock
// endpoint.
func NewResolverFromEnv() *Resolver {
	return NewResolver(env.String(EnvURL, defaultURL))
}

// NewResolver builds a Resolver against url.
func NewResolver(url string) *Resolver {
	return &Resolver{
		url:        url,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Resolve returns the public IP as reported by the endpoint.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", errors.Wrap(err, "publicip: build request failed")
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "publicip: execute request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("publicip: unexpected status %d from %s", resp.StatusCode, r.url)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", errors.Wrap(err, "publicip: read response failed")
	}
	ip := strings.TrimSpace(string(body))
	if ip == "" {
		return "", errors.Errorf("publicip: empty response from %s", r.url)
	}
	return ip, nil
}

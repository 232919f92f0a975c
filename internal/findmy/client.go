package findmy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	locationagent "github.com/geoloop/LocationAgent"
	"github.com/geoloop/LocationAgent/internal/env"
)

const (
	defaultBaseURL     = "https://fmipmobile.icloud.com"
	chinaBaseURL       = "https://fmipmobile.icloud.com.cn"
	defaultHTTPTimeout = 60 * time.Second

	findAPIVersion = "3.0"
)

// Environment variables consumed by the Find My source.
const (
	EnvUsername = "FINDMY_USERNAME"
	EnvPassword = "FINDMY_PASSWORD"
	EnvChina    = "FINDMY_CHINA"
	EnvBaseURL  = "FINDMY_BASE_URL"
)

// Client fetches the device list from the Find My endpoint. It implements
// locationagent.SourceAdapter.
type Client struct {
	username string
	password string
	baseURL  string

	httpClient *http.Client

	// used for mock test
	doJSONRequestFunc func(ctx context.Context, method, path string, payload any) (*http.Response, []byte, error)
}

// NewClientFromEnv constructs a Client using environment variables.
//
// Required variables:
//   - FINDMY_USERNAME
//   - FINDMY_PASSWORD
//
// Optional variables:
//   - FINDMY_CHINA (use the China endpoint)
//   - FINDMY_BASE_URL (endpoint override, wins over FINDMY_CHINA)
func NewClientFromEnv() (*Client, error) {
	username := env.String(EnvUsername, "")
	password := env.String(EnvPassword, "")
	if username == "" || password == "" {
		return nil, errors.New("findmy: FINDMY_USERNAME and FINDMY_PASSWORD must be set in environment")
	}

	baseURL := env.String(EnvBaseURL, "")
	if baseURL == "" {
		baseURL = defaultBaseURL
		if env.Bool(EnvChina, false) {
			baseURL = chinaBaseURL
		}
	}

	return &Client{
		username:   username,
		password:   password,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}, nil
}

// deviceDTO mirrors the subset of the device document the agent consumes.
// Everything else rides along in the Status map untouched.
type deviceDTO struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	DeviceDisplayName string       `json:"deviceDisplayName"`
	DeviceStatus      string       `json:"deviceStatus"`
	BatteryLevel      float64      `json:"batteryLevel"`
	BatteryStatus     string       `json:"batteryStatus"`
	Location          *locationDTO `json:"location"`
}

type locationDTO struct {
	Latitude           *float64 `json:"latitude"`
	Longitude          *float64 `json:"longitude"`
	TimeStamp          int64    `json:"timeStamp"`
	HorizontalAccuracy float64  `json:"horizontalAccuracy"`
	PositionType       string   `json:"positionType"`
	IsOld              bool     `json:"isOld"`
	IsInaccurate       bool     `json:"isInaccurate"`
}

type initClientResponse struct {
	Content    []deviceDTO `json:"content"`
	StatusCode string      `json:"statusCode"`
}

// ListEntities fetches the device list. HTTP failures are classified into
// the agent's error taxonomy: 401/403 responses as auth failures, everything
// else as retryable transport failures.
func (c *Client) ListEntities(ctx context.Context) ([]locationagent.RawSample, error) {
	path := "/fmipservice/device/" + url.PathEscape(c.username) + "/initClient"
	payload := map[string]any{
		"clientContext": map[string]any{
			"fmly":         true,
			"shouldLocate": true,
		},
	}

	resp, body, err := c.doJSONRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, classifyHTTPError(resp, err)
	}

	var parsed initClientResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, locationagent.NewTransportError(fmt.Errorf("findmy: decode device list: %w", err))
	}

	samples := make([]locationagent.RawSample, 0, len(parsed.Content))
	for _, device := range parsed.Content {
		samples = append(samples, device.toRawSample())
	}
	return samples, nil
}

func (d deviceDTO) toRawSample() locationagent.RawSample {
	sample := locationagent.RawSample{
		EntityID: strings.TrimSpace(d.ID),
		Name:     d.Name,
		Status: map[string]any{
			"name":              d.Name,
			"deviceDisplayName": d.DeviceDisplayName,
			"deviceStatus":      d.DeviceStatus,
			"batteryLevel":      d.BatteryLevel,
			"batteryStatus":     d.BatteryStatus,
		},
	}
	if d.Location != nil {
		sample.Latitude = d.Location.Latitude
		sample.Longitude = d.Location.Longitude
		sample.CapturedAt = d.Location.TimeStamp
		sample.Status["positionType"] = d.Location.PositionType
		sample.Status["horizontalAccuracy"] = d.Location.HorizontalAccuracy
		sample.Status["isOld"] = d.Location.IsOld
		sample.Status["isInaccurate"] = d.Location.IsInaccurate
	}
	return sample
}

func classifyHTTPError(resp *http.Response, err error) error {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return locationagent.NewAuthError(err)
	}
	return locationagent.NewTransportError(err)
}

func (c *Client) doJSONRequest(ctx context.Context, method, path string, payload any) (*http.Response, []byte, error) {
	if c.doJSONRequestFunc != nil {
		return c.doJSONRequestFunc(ctx, method, path, payload)
	}
	return c.doJSONRequestInternal(ctx, method, path, payload)
}

func (c *Client) doJSONRequestInternal(ctx context.Context, method, path string, payload any) (*http.Response, []byte, error) {
	var req *http.Request
	var err error
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("findmy: marshal request payload: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return nil, nil, fmt.Errorf("findmy: build request: %w", err)
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("findmy: build request: %w", err)
		}
	}

	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("X-Apple-Find-Api-Ver", findAPIVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("findmy: execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("findmy: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return resp, rawBody, fmt.Errorf("findmy: http %d response: %s", resp.StatusCode, strings.TrimSpace(string(rawBody)))
	}

	return resp, rawBody, nil
}

// Package upstream implements the metering.Provider interface against the
// Skycaster forecast endpoints. Variables arrive already grouped by endpoint
// family; the client calls each family in parallel and merges the responses
// into one payload keyed by location.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skycaster/metering/pkg/metering"
)

// DefaultBaseURL is the production forecast API base. Family names are
// appended as path segments.
const DefaultBaseURL = "https://apidelta.skycaster.in/forecast/multiple"

// Client calls the upstream weather-data service.
type Client struct {
	config Config
	client *http.Client
}

// Config holds upstream client configuration.
type Config struct {
	// BaseURL is the forecast API base; the endpoint family is appended as
	// a path segment. Default: DefaultBaseURL.
	BaseURL string

	// EndpointURLs overrides the URL for specific families, taking
	// precedence over BaseURL. Used when a catalog routes a family to a
	// non-standard host.
	EndpointURLs map[string]string

	// Timeout bounds each individual endpoint call. Default: 30s.
	Timeout time.Duration

	// MaxConcurrency bounds parallel endpoint calls. Zero means no bound;
	// there are only a handful of families so the default is fine.
	MaxConcurrency int

	// UseMock makes the client synthesize deterministic responses instead
	// of calling the network. For tests and local development.
	UseMock bool

	// HTTPClient optionally replaces the default transport.
	HTTPClient *http.Client

	Logger metering.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// New creates a new upstream client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &metering.NoopLogger{}
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &Client{config: config, client: client}
}

// forecastRequest is the wire format each family endpoint accepts.
type forecastRequest struct {
	Locations [][2]float64 `json:"list_lat_lon"`
	Timestamp string       `json:"timestamp"`
	Variables []string     `json:"variables"`
	Timezone  string       `json:"timezone"`
}

// familyResult is one family's outcome; failed families merge as absent
// variables rather than failing the whole dispatch.
type familyResult struct {
	family    string
	variables []string
	data      any
	err       error
}

// Dispatch implements metering.Provider. Families are called in parallel; a
// single failed family degrades the payload (its variables are missing),
// while total failure returns an error.
func (c *Client) Dispatch(ctx context.Context, req metering.DispatchRequest) (metering.Payload, error) {
	if len(req.Groups) == 0 {
		return nil, fmt.Errorf("no endpoint groups to dispatch")
	}

	if c.config.UseMock {
		return c.mockPayload(req), nil
	}

	results := make([]familyResult, 0, len(req.Groups))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if c.config.MaxConcurrency > 0 {
		g.SetLimit(c.config.MaxConcurrency)
	}

	for family, variables := range req.Groups {
		family, variables := family, variables
		g.Go(func() error {
			data, err := c.callFamily(gctx, family, forecastRequest{
				Locations: req.Locations,
				Timestamp: req.Timestamp,
				Variables: variables,
				Timezone:  req.Timezone,
			})
			if err != nil {
				c.config.Logger.Error("upstream endpoint failed",
					metering.Field{Key: "family", Value: family},
					metering.Field{Key: "error", Value: err.Error()})
			}
			mu.Lock()
			results = append(results, familyResult{family: family, variables: variables, data: data, err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		if res.err != nil {
			failed++
		}
	}
	if failed == len(results) {
		return nil, fmt.Errorf("all %d upstream endpoints failed", failed)
	}

	return mergeResults(results, req.Locations), nil
}

func (c *Client) callFamily(ctx context.Context, family string, freq forecastRequest) (any, error) {
	url, ok := c.config.EndpointURLs[family]
	if !ok {
		url = strings.TrimSuffix(c.config.BaseURL, "/") + "/" + family
	}

	body, err := json.Marshal(freq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// Upstream errors carry an "Error" field when they are JSON.
		var errBody struct {
			Error string `json:"Error"`
		}
		if json.Unmarshal(raw, &errBody) == nil && errBody.Error != "" {
			return nil, fmt.Errorf("upstream error: %s", errBody.Error)
		}
		return nil, fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return data, nil
}

// mergeResults flattens the per-family responses into one payload keyed by
// "lat,lon". Families respond either with an array indexed like the request
// locations or with a map keyed by location.
func mergeResults(results []familyResult, locations [][2]float64) metering.Payload {
	payload := make(metering.Payload, len(locations))
	for _, loc := range locations {
		payload[locationKey(loc)] = make(map[string]any)
	}

	for _, res := range results {
		if res.err != nil {
			continue
		}

		data := res.data
		// Some endpoints wrap the array in a {"data": ...} envelope.
		if m, ok := data.(map[string]any); ok {
			if inner, ok := m["data"]; ok {
				data = inner
			}
		}

		for i, loc := range locations {
			key := locationKey(loc)
			locData := locationData(data, key, i)
			if locData == nil {
				continue
			}
			for _, variable := range res.variables {
				field := responseField(variable, locData)
				if value, ok := locData[field]; ok {
					payload[key][variable] = value
				}
			}
		}
	}
	return payload
}

func locationKey(loc [2]float64) string {
	return fmt.Sprintf("%g,%g", loc[0], loc[1])
}

func locationData(data any, key string, index int) map[string]any {
	switch d := data.(type) {
	case []any:
		if index < len(d) {
			if m, ok := d[index].(map[string]any); ok {
				return m
			}
		}
	case map[string]any:
		if m, ok := d[key].(map[string]any); ok {
			return m
		}
		if m, ok := d[fmt.Sprint(index)].(map[string]any); ok {
			return m
		}
	}
	return nil
}

// responseField maps a requested variable to the field name the upstream
// actually uses. The wind variables come back as wind_speed_* fields.
func responseField(variable string, locData map[string]any) string {
	aliases := map[string]string{
		"wind_10m":  "wind_speed_10",
		"wind_100m": "wind_speed_100",
	}
	if alias, ok := aliases[variable]; ok {
		if _, present := locData[alias]; present {
			return alias
		}
	}
	return variable
}

// mockPayload synthesizes plausible values per variable category so local
// development and pipeline tests run without network access.
func (c *Client) mockPayload(req metering.DispatchRequest) metering.Payload {
	payload := make(metering.Payload, len(req.Locations))

	for i, loc := range req.Locations {
		values := make(map[string]any)
		for _, variables := range req.Groups {
			for _, variable := range variables {
				values[variable] = mockValue(variable, i)
			}
		}
		payload[locationKey(loc)] = values
	}
	return payload
}

func mockValue(variable string, i int) float64 {
	lower := strings.ToLower(variable)
	switch {
	case strings.Contains(lower, "temp"):
		return 298.15 + float64(i)*2
	case strings.Contains(lower, "wind"):
		return 5.5 + float64(i)*0.5
	case strings.Contains(lower, "humidity"):
		return 65.0 + float64(i)*2
	case strings.Contains(lower, "pressure"):
		return 101325 + float64(i)*100
	case strings.Contains(lower, "precipitation"):
		return 0.5 + float64(i)*0.1
	case strings.Contains(lower, "ghi"):
		return 800 + float64(i)*50
	case strings.Contains(lower, "albedo"):
		return 0.15 + float64(i)*0.01
	default:
		return 0.8 + float64(i)*0.1
	}
}

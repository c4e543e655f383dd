package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/tank-level-service/internal/models"
	"github.com/kjstillabower/tank-level-service/internal/observability"
)

// APIKeyHeader carries the read key so it stays out of URLs and access logs.
const APIKeyHeader = "THINGSPEAKAPIKEY"

// maxBodyBytes bounds the last.json payload; real responses are under 200 bytes.
const maxBodyBytes = 64 << 10

// Source identifies one channel field to read.
type Source struct {
	Tank      string
	ChannelID int64
	Field     int
	APIKey    string // optional override of the client key
}

// Key is the cache/coalescing key for the source.
func (s Source) Key() string {
	return strconv.FormatInt(s.ChannelID, 10) + ":" + strconv.Itoa(s.Field)
}

type LevelClient interface {
	FetchLevel(ctx context.Context, src Source) (models.Reading, error)
}

var (
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrNetwork       = errors.New("network error")
	ErrDecode        = errors.New("decode error")
	ErrUpstream      = errors.New("upstream failure")
	ErrRateLimited   = errors.New("rate limited")
)

type ThingSpeakClient struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	keyInQuery bool
	client     *http.Client
	now        func() time.Time
}

// Option customizes a ThingSpeakClient.
type Option func(*ThingSpeakClient)

// WithAPIKeyInQuery sends the key as ?api_key= instead of a header.
func WithAPIKeyInQuery(v bool) Option {
	return func(c *ThingSpeakClient) { c.keyInQuery = v }
}

// WithHTTPClient replaces the transport; its Timeout is overwritten.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *ThingSpeakClient) { c.client = hc }
}

// WithClock sets the FetchedAt time source.
func WithClock(now func() time.Time) Option {
	return func(c *ThingSpeakClient) { c.now = now }
}

// NewThingSpeakClient builds a client for baseURL (e.g. https://api.thingspeak.com).
// apiKey may be empty for public channels. timeout bounds every request.
func NewThingSpeakClient(apiKey, baseURL string, timeout time.Duration, opts ...Option) (*ThingSpeakClient, error) {
	if apiKey != "" && len(apiKey) < 8 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &ThingSpeakClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.client.Timeout = timeout
	return c, nil
}

// FetchLevel performs one GET of the field's last entry. It never retries.
// Errors wrap ErrNetwork, ErrDecode, ErrUpstream or ErrRateLimited.
func (c *ThingSpeakClient) FetchLevel(ctx context.Context, src Source) (models.Reading, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, src)
	if err != nil {
		observability.ThingSpeakCallsTotal.WithLabelValues("error").Inc()
		return models.Reading{}, fmt.Errorf("build request: %w", err)
	}

	corrID := extractCorrelationID(ctx)
	if corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.ThingSpeakCallsTotal.WithLabelValues("error").Inc()
		observability.ThingSpeakDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.Reading{}, fmt.Errorf("%w: request timeout: %w", ErrNetwork, err)
		}
		return models.Reading{}, fmt.Errorf("%w: http request failed: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.ThingSpeakCallsTotal.WithLabelValues(status).Inc()
	observability.ThingSpeakDuration.WithLabelValues(status).Observe(duration)

	if err := handleErrorResponse(resp); err != nil {
		return models.Reading{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.Reading{}, fmt.Errorf("%w: read response body: %w", ErrNetwork, err)
	}

	reading, err := decodeLastEntry(body, src.Field)
	if err != nil {
		return models.Reading{}, err
	}
	reading.Tank = src.Tank
	reading.FetchedAt = c.now()
	return reading, nil
}

// decodeLastEntry pulls field{N} out of a last.json body and parses it as float64.
// The value arrives as a number, a numeric string, or null depending on how
// the channel was written. Fractional values are kept as-is and the sentinel 2
// is tagged StatusSensorMissing. entry_id and created_at are read one at a
// time and are best effort: a malformed one never drops the other.
func decodeLastEntry(body []byte, field int) (models.Reading, error) {
	body = bytes.TrimSpace(body)
	// ThingSpeak answers a bare -1 for unknown channels or bad keys.
	if bytes.Equal(body, []byte("-1")) {
		return models.Reading{}, fmt.Errorf("%w: channel not found or not readable", ErrDecode)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return models.Reading{}, fmt.Errorf("%w: parse response: %w", ErrDecode, err)
	}

	name := "field" + strconv.Itoa(field)
	val, ok := raw[name]
	if !ok {
		return models.Reading{}, fmt.Errorf("%w: %s missing", ErrDecode, name)
	}
	level, err := parseLevel(val)
	if err != nil {
		return models.Reading{}, fmt.Errorf("%w: %s: %w", ErrDecode, name, err)
	}

	r := models.Reading{
		Level:   level,
		Status:  models.StatusOK,
		EntryID: entryID(raw["entry_id"]),
	}
	var created string
	if v, ok := raw["created_at"]; ok && json.Unmarshal(v, &created) == nil {
		if ts, err := time.Parse(time.RFC3339, created); err == nil {
			r.CreatedAt = ts
		}
	}
	if level == models.SensorMissingLevel {
		r.Status = models.StatusSensorMissing
	}
	return r, nil
}

// entryID reads entry_id sent as a number or a numeric string; anything else is 0.
func entryID(val json.RawMessage) int64 {
	val = bytes.Trim(bytes.TrimSpace(val), `"`)
	id, err := strconv.ParseInt(string(val), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func parseLevel(val json.RawMessage) (float64, error) {
	val = bytes.TrimSpace(val)
	if len(val) == 0 || bytes.Equal(val, []byte("null")) {
		return 0, errors.New("value is null")
	}
	var s string
	if val[0] == '"' {
		if err := json.Unmarshal(val, &s); err != nil {
			return 0, err
		}
	} else {
		s = string(val)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("value is empty")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not numeric: %q", s)
	}
	return f, nil
}

func (c *ThingSpeakClient) buildRequest(ctx context.Context, src Source) (*http.Request, error) {
	if src.ChannelID <= 0 {
		return nil, fmt.Errorf("invalid channel id %d", src.ChannelID)
	}
	if src.Field < 1 || src.Field > 8 {
		return nil, fmt.Errorf("invalid field %d", src.Field)
	}
	u, err := url.Parse(fmt.Sprintf("%s/channels/%d/fields/%d/last.json", c.baseURL, src.ChannelID, src.Field))
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	key := src.APIKey
	if key == "" {
		key = c.apiKey
	}
	if key != "" && c.keyInQuery {
		params := url.Values{}
		params.Set("api_key", key)
		u.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if key != "" && !c.keyInQuery {
		req.Header.Set(APIKeyHeader, key)
	}
	return req, nil
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidAPIKey, resp.StatusCode)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstream, resp.StatusCode)
	}

	return nil
}

type correlationKey struct{}

// WithCorrelationID returns ctx carrying id for the outgoing X-Correlation-ID header.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func extractCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

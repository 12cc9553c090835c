// Package overpass fetches id sets and element snapshots from an Overpass API
// endpoint.
package overpass

import (
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

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/osmwatch/internal/definition"
	"github.com/dokzlo13/osmwatch/internal/element"
)

// ErrServiceError marks a response that carries an error instead of data.
var ErrServiceError = errors.New("overpass service error")

// Config configures the client.
type Config struct {
	Endpoint  string
	Timeout   time.Duration // HTTP timeout, also sent as [timeout:]. Default: 3m.
	UserAgent string
	MaxBytes  int64 // Max response body size. Default: 32MB.
	// RequestsPerMinute caps requests across all runs sharing the client.
	// 0 means no cap.
	RequestsPerMinute int
}

func (c *Config) defaults() {
	if c.Endpoint == "" {
		c.Endpoint = "https://overpass-api.de/api/interpreter"
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Minute
	}
	if c.UserAgent == "" {
		c.UserAgent = "osmwatch/1.0"
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 32 << 20
	}
}

// Client talks to one Overpass endpoint
type Client struct {
	httpClient *http.Client
	config     Config
	limiter    *rate.Limiter
}

// NewClient creates a new Overpass client
func NewClient(cfg Config) *Client {
	cfg.defaults()
	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return c
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// ElementQuery builds the query for one element plus everything it references.
func (c *Client) ElementQuery(id element.Identity) string {
	return fmt.Sprintf("[out:json][timeout:%d];%s(%d);(._;>;);out;",
		int(c.config.Timeout.Seconds()), id.Kind, id.ID)
}

// FetchIDSet resolves the identities a definition monitors, in read order
// with duplicates dropped. Literal lists need no network access.
func (c *Client) FetchIDSet(ctx context.Context, def *definition.Definition) ([]element.Identity, error) {
	var ids []int64
	switch def.Method {
	case definition.MethodIDs:
		ids = def.IDs
	case definition.MethodQuery:
		body, err := c.post(ctx, def.Query)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch id list: %w", err)
		}
		ids, err = parseIDList(body)
		if err != nil {
			return nil, fmt.Errorf("failed to parse id list: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown id retrieval method %q", def.Method)
	}

	seen := make(map[int64]struct{}, len(ids))
	out := make([]element.Identity, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, element.Identity{Kind: def.Kind, ID: id})
	}

	log.Debug().
		Str("title", def.Title).
		Str("method", string(def.Method)).
		Int("count", len(out)).
		Msg("Resolved id set")
	return out, nil
}

// FetchSnapshot retrieves the raw JSON snapshot for one element.
func (c *Client) FetchSnapshot(ctx context.Context, id element.Identity) ([]byte, error) {
	body, err := c.post(ctx, c.ElementQuery(id))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", id, err)
	}
	if err := checkSnapshot(body); err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, query string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.config.UserAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Read one byte past the cap so an oversized body is detected rather than truncated.
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	log.Debug().
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Dur("elapsed", time.Since(start)).
		Msg("Overpass response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: http %d: %s", ErrServiceError, resp.StatusCode, excerpt(body))
	}
	if int64(len(body)) > c.config.MaxBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", c.config.MaxBytes)
	}
	return body, nil
}

// checkSnapshot rejects bodies that are not JSON or that carry an error remark.
// An empty elements list is valid: the element no longer exists.
func checkSnapshot(body []byte) error {
	var doc struct {
		Remark string `json:"remark"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: malformed response: %s", ErrServiceError, excerpt(body))
	}
	if strings.Contains(strings.ToLower(doc.Remark), "error") {
		return fmt.Errorf("%w: %s", ErrServiceError, doc.Remark)
	}
	return nil
}

// parseIDList reads one id per line from [out:csv(::id)] output. The first
// line is the "@id" header and is skipped when it is not numeric.
func parseIDList(body []byte) ([]int64, error) {
	var ids []int64
	for n, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			if n == 0 {
				continue
			}
			return nil, fmt.Errorf("%w: line %d: %q", ErrServiceError, n+1, excerpt([]byte(line)))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func excerpt(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}

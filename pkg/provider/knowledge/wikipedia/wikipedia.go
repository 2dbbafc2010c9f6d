// Package wikipedia provides a knowledge provider backed by the MediaWiki
// Action API.
//
// A lookup runs a full-text search (list=search) against the configured wiki
// and then fetches plain-text intro extracts (prop=extracts) for the top
// hits in a single follow-up request. Results preserve the search ranking.
//
// Example usage:
//
//	p := wikipedia.New("") // queries https://en.wikipedia.org/w/api.php
//	results, err := p.Lookup(ctx, "Who was Albert Einstein?")
//
// Only standard library packages are used — no additional dependencies are
// required beyond Go's net/http and encoding/json.
package wikipedia

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/semem/pkg/provider/knowledge"
)

const (
	// DefaultBaseURL is the English Wikipedia Action API endpoint.
	DefaultBaseURL = "https://en.wikipedia.org/w/api.php"

	// DefaultLimit is the number of search hits fetched per lookup.
	DefaultLimit = 3

	// maxLimit caps the per-lookup hit count at the anonymous-client
	// maximum the Action API accepts for list=search.
	maxLimit = 50

	// maxResponseBytes bounds how much of a response body is read. Intro
	// extracts are small; anything larger indicates a misbehaving server.
	maxResponseBytes = 4 << 20
)

// defaultUserAgent identifies the client per the Wikimedia User-Agent
// policy; anonymous agents are subject to aggressive throttling.
const defaultUserAgent = "semem/1.0 (https://github.com/MrWong99/semem)"

// Ensure Provider implements the knowledge.Provider interface at compile time.
var _ knowledge.Provider = (*Provider)(nil)

// Provider implements knowledge.Provider against a MediaWiki installation.
//
// Provider is safe for concurrent use.
type Provider struct {
	baseURL    string
	limit      int
	userAgent  string
	httpClient *http.Client
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout   time.Duration
	limit     int
	userAgent string
	client    *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
// A zero or negative value means no timeout (the default). Ignored when a
// custom client is supplied via WithHTTPClient.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithLimit sets how many search hits are fetched per lookup. Values
// outside [1, 50] are clamped.
func WithLimit(n int) Option {
	return func(c *config) {
		c.limit = n
	}
}

// WithUserAgent overrides the User-Agent header. The Wikimedia API policy
// asks clients to identify themselves with contact information.
func WithUserAgent(ua string) Option {
	return func(c *config) {
		c.userAgent = ua
	}
}

// WithHTTPClient supplies a custom HTTP client, e.g. one with a shared
// transport or instrumentation. Takes precedence over WithTimeout.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.client = client
	}
}

// New constructs a new Wikipedia Provider.
//
// baseURL is the Action API endpoint (e.g. "https://de.wikipedia.org/w/api.php"
// for the German wiki). If empty, DefaultBaseURL is used. A trailing slash is
// stripped automatically.
func New(baseURL string, opts ...Option) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	limit := cfg.limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	userAgent := cfg.userAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	httpClient := cfg.client
	if httpClient == nil {
		httpClient = &http.Client{}
		if cfg.timeout > 0 {
			httpClient.Timeout = cfg.timeout
		}
	}

	return &Provider{
		baseURL:    baseURL,
		limit:      limit,
		userAgent:  userAgent,
		httpClient: httpClient,
	}
}

// Name implements knowledge.Provider.
func (p *Provider) Name() string {
	return "wikipedia"
}

// Lookup implements knowledge.Provider by searching the wiki for question
// and returning plain-text intro extracts of the top articles, ordered by
// search rank. Pages whose extract is empty (e.g. bare redirects) are
// skipped. A blank question or a search with no hits returns (nil, nil).
func (p *Provider) Lookup(ctx context.Context, question string) ([]knowledge.Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, nil
	}

	hits, err := p.search(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("wikipedia: search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = strconv.Itoa(h.PageID)
	}
	pages, err := p.extracts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("wikipedia: extracts: %w", err)
	}

	results := make([]knowledge.Result, 0, len(hits))
	for _, h := range hits {
		pg, ok := pages[h.PageID]
		if !ok {
			continue
		}
		content := strings.TrimSpace(pg.Extract)
		if content == "" {
			continue
		}
		results = append(results, knowledge.Result{
			ID:      h.Title,
			Title:   h.Title,
			Content: content,
			URL:     pg.FullURL,
		})
	}
	return results, nil
}

// searchHit is one entry of a list=search response.
type searchHit struct {
	PageID int    `json:"pageid"`
	Title  string `json:"title"`
}

// search runs the full-text search and returns the ranked hits.
func (p *Provider) search(ctx context.Context, question string) ([]searchHit, error) {
	var out struct {
		Query struct {
			Search []searchHit `json:"search"`
		} `json:"query"`
	}
	params := url.Values{
		"action":        {"query"},
		"list":          {"search"},
		"srsearch":      {question},
		"srlimit":       {strconv.Itoa(p.limit)},
		"format":        {"json"},
		"formatversion": {"2"},
	}
	if err := p.call(ctx, params, &out); err != nil {
		return nil, err
	}
	return out.Query.Search, nil
}

// page is one entry of a prop=extracts|info response.
type page struct {
	PageID  int    `json:"pageid"`
	Extract string `json:"extract"`
	FullURL string `json:"fullurl"`
}

// extracts fetches plain-text intro extracts and canonical URLs for the
// given page IDs in a single request, keyed by page ID.
func (p *Provider) extracts(ctx context.Context, pageIDs []string) (map[int]page, error) {
	var out struct {
		Query struct {
			Pages []page `json:"pages"`
		} `json:"query"`
	}
	params := url.Values{
		"action":        {"query"},
		"prop":          {"extracts|info"},
		"pageids":       {strings.Join(pageIDs, "|")},
		"explaintext":   {"1"},
		"exintro":       {"1"},
		"exlimit":       {"max"},
		"inprop":        {"url"},
		"format":        {"json"},
		"formatversion": {"2"},
	}
	if err := p.call(ctx, params, &out); err != nil {
		return nil, err
	}
	byID := make(map[int]page, len(out.Query.Pages))
	for _, pg := range out.Query.Pages {
		byID[pg.PageID] = pg
	}
	return byID, nil
}

// apiError is the in-band error envelope MediaWiki returns with HTTP 200.
type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

// call issues a GET request against the Action API and decodes the JSON
// response into out. MediaWiki reports most failures in-band with a 200
// status, so the body is checked for an error envelope before decoding.
func (p *Provider) call(ctx context.Context, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("api error %s: %s", envelope.Error.Code, envelope.Error.Info)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

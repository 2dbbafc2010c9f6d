// Package sparql implements [rdf.Store] over the SPARQL 1.1 protocol.
//
// A [Client] talks to an endpoint pair: a query URL answering SELECT,
// ASK and CONSTRUCT, and an update URL accepting mutations. Both are
// standard form-encoded POST endpoints as served by Apache Jena Fuseki,
// Virtuoso, GraphDB and comparable stores.
//
// Only standard library packages are used — no additional dependencies
// are required beyond Go's net/http and encoding/json.
package sparql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/semem/pkg/rdf"
)

// Media types of the SPARQL 1.1 protocol.
const (
	acceptResultsJSON = "application/sparql-results+json"
	acceptNTriples    = "application/n-triples"
	contentForm       = "application/x-www-form-urlencoded"
)

// probeQuery is the liveness check: the empty group pattern holds on
// every store, so any well-formed answer proves the endpoint is up.
const probeQuery = "ASK {}"

// Compile-time interface check.
var _ rdf.Store = (*Client)(nil)

// Client implements [rdf.Store] against an HTTP SPARQL endpoint pair.
// It is safe for concurrent use.
type Client struct {
	queryURL   string
	updateURL  string
	httpClient *http.Client
	username   string
	password   string
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout    time.Duration
	httpClient *http.Client
	username   string
	password   string
}

// Option is a functional option for Client.
type Option func(*config)

// WithTimeout sets a per-request timeout on the underlying HTTP client.
// A zero or negative value means no timeout (the default). Ignored when
// WithHTTPClient supplies a client.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client, e.g. to share a transport or
// inject a test double.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// WithBasicAuth sends HTTP basic credentials on every request. Secured
// Fuseki and GraphDB deployments commonly require this.
func WithBasicAuth(username, password string) Option {
	return func(c *config) {
		c.username = username
		c.password = password
	}
}

// New constructs a Client for the given endpoint pair. queryURL must
// not be empty; an empty updateURL yields a read-only client whose
// Update and Batch return an error.
func New(queryURL, updateURL string, opts ...Option) (*Client, error) {
	if queryURL == "" {
		return nil, fmt.Errorf("sparql: query URL must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
		if cfg.timeout > 0 {
			httpClient.Timeout = cfg.timeout
		}
	}

	return &Client{
		queryURL:   strings.TrimRight(queryURL, "/"),
		updateURL:  strings.TrimRight(updateURL, "/"),
		httpClient: httpClient,
		username:   cfg.username,
		password:   cfg.password,
	}, nil
}

// jsonTerm is one RDF term in the SPARQL JSON results format.
type jsonTerm struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype"`
	Lang     string `json:"xml:lang"`
}

// toTerm maps the wire representation to [rdf.Term]. Virtuoso reports
// typed literals as "typed-literal"; everything else follows the spec.
func (jt jsonTerm) toTerm() rdf.Term {
	kind := rdf.TermLiteral
	switch jt.Type {
	case "uri":
		kind = rdf.TermIRI
	case "bnode":
		kind = rdf.TermBlank
	}
	return rdf.Term{
		Kind:     kind,
		Value:    jt.Value,
		Datatype: jt.Datatype,
		Language: jt.Lang,
	}
}

// resultsResponse is the SPARQL JSON results envelope; Boolean is set
// for ASK answers only.
type resultsResponse struct {
	Results struct {
		Bindings []map[string]jsonTerm `json:"bindings"`
	} `json:"results"`
	Boolean *bool `json:"boolean"`
}

// Select implements [rdf.Store].
func (c *Client) Select(ctx context.Context, query string) ([]rdf.Binding, error) {
	body, err := c.post(ctx, c.queryURL, url.Values{"query": {query}}, acceptResultsJSON)
	if err != nil {
		return nil, fmt.Errorf("sparql: select: %w", err)
	}

	var result resultsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("sparql: select: decode response: %w", err)
	}

	bindings := make([]rdf.Binding, len(result.Results.Bindings))
	for i, row := range result.Results.Bindings {
		b := make(rdf.Binding, len(row))
		for name, term := range row {
			b[name] = term.toTerm()
		}
		bindings[i] = b
	}
	return bindings, nil
}

// Ask implements [rdf.Store].
func (c *Client) Ask(ctx context.Context, query string) (bool, error) {
	body, err := c.post(ctx, c.queryURL, url.Values{"query": {query}}, acceptResultsJSON)
	if err != nil {
		return false, fmt.Errorf("sparql: ask: %w", err)
	}

	var result resultsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("sparql: ask: decode response: %w", err)
	}
	if result.Boolean == nil {
		return false, fmt.Errorf("sparql: ask: response carries no boolean")
	}
	return *result.Boolean, nil
}

// Construct implements [rdf.Store]. Triples are requested in N-Triples
// form, which every SPARQL 1.1 store can serialize.
func (c *Client) Construct(ctx context.Context, query string) ([]rdf.Triple, error) {
	body, err := c.post(ctx, c.queryURL, url.Values{"query": {query}}, acceptNTriples)
	if err != nil {
		return nil, fmt.Errorf("sparql: construct: %w", err)
	}

	triples, err := parseNTriples(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("sparql: construct: %w", err)
	}
	return triples, nil
}

// Update implements [rdf.Store].
func (c *Client) Update(ctx context.Context, update string) error {
	if c.updateURL == "" {
		return fmt.Errorf("sparql: update: client is read-only (no update URL)")
	}
	if _, err := c.post(ctx, c.updateURL, url.Values{"update": {update}}, ""); err != nil {
		return fmt.Errorf("sparql: update: %w", err)
	}
	return nil
}

// Batch implements [rdf.Store]. The operations are joined with ';' into
// a single update request, which the SPARQL 1.1 protocol requires
// stores to apply as one transaction.
func (c *Client) Batch(ctx context.Context, updates []string) error {
	if len(updates) == 0 {
		return nil
	}
	if c.updateURL == "" {
		return fmt.Errorf("sparql: batch: client is read-only (no update URL)")
	}
	joined := strings.Join(updates, " ;\n")
	if _, err := c.post(ctx, c.updateURL, url.Values{"update": {joined}}, ""); err != nil {
		return fmt.Errorf("sparql: batch: %w", err)
	}
	return nil
}

// Probe implements [rdf.Store].
func (c *Client) Probe(ctx context.Context) error {
	ok, err := c.Ask(ctx, probeQuery)
	if err != nil {
		return fmt.Errorf("sparql: probe: %w", err)
	}
	if !ok {
		return fmt.Errorf("sparql: probe: endpoint answered false to %q", probeQuery)
	}
	return nil
}

// post sends one form-encoded request and returns the response body.
// Transport failures and 5xx answers wrap [rdf.ErrUnavailable] so
// callers can detect an unreachable store; 4xx answers are ordinary
// errors carrying a body snippet for diagnosis.
func (c *Client) post(ctx context.Context, endpoint string, form url.Values, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentForm)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", rdf.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", rdf.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bodySnippet(body))
	}
	return body, nil
}

// bodySnippet trims an error body to one log-friendly line.
func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}

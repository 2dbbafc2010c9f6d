// Package wikidata provides a knowledge provider backed by the Wikidata
// Action API.
//
// A lookup runs an entity search (wbsearchentities) for the question, fetches
// labels, descriptions, and claims for the matched entities
// (wbgetentities), and resolves the labels of every referenced property and
// entity in one batched follow-up request. Each result's content is a
// compact plain-text rendering:
//
//	Albert Einstein — German-born theoretical physicist.
//	instance of: human
//	date of birth: 1879-03-14
//
// Only statement values that can be rendered without further lookups are
// included; qualifiers and references are ignored.
package wikidata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/semem/pkg/provider/knowledge"
)

const (
	// DefaultBaseURL is the Wikidata Action API endpoint.
	DefaultBaseURL = "https://www.wikidata.org/w/api.php"

	// DefaultLimit is the number of entity matches fetched per lookup.
	DefaultLimit = 2

	// maxLimit caps the per-lookup entity count.
	maxLimit = 10

	// maxClaims caps how many properties are rendered per entity. Rich
	// entities carry hundreds of statements; the first statement of the
	// lowest-numbered properties covers the defining facts.
	maxClaims = 12

	// maxBatchIDs is the Action API's per-request cap on wbgetentities ids.
	maxBatchIDs = 50

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 4 << 20
)

const defaultUserAgent = "semem/1.0 (https://github.com/MrWong99/semem)"

// entityPageURL is the human-readable page for an entity ID.
const entityPageURL = "https://www.wikidata.org/wiki/"

// Ensure Provider implements the knowledge.Provider interface at compile time.
var _ knowledge.Provider = (*Provider)(nil)

// Provider implements knowledge.Provider against the Wikidata Action API.
//
// Provider is safe for concurrent use.
type Provider struct {
	baseURL    string
	limit      int
	language   string
	userAgent  string
	httpClient *http.Client
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout   time.Duration
	limit     int
	language  string
	userAgent string
	client    *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
// Ignored when a custom client is supplied via WithHTTPClient.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithLimit sets how many entity matches are fetched per lookup. Values
// outside [1, 10] are clamped.
func WithLimit(n int) Option {
	return func(c *config) {
		c.limit = n
	}
}

// WithLanguage sets the language code used for search, labels, and
// descriptions. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithUserAgent overrides the User-Agent header. The Wikimedia API policy
// asks clients to identify themselves with contact information.
func WithUserAgent(ua string) Option {
	return func(c *config) {
		c.userAgent = ua
	}
}

// WithHTTPClient supplies a custom HTTP client. Takes precedence over
// WithTimeout.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.client = client
	}
}

// New constructs a new Wikidata Provider.
//
// baseURL is the Action API endpoint. If empty, DefaultBaseURL is used.
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

	language := cfg.language
	if language == "" {
		language = "en"
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
		language:   language,
		userAgent:  userAgent,
		httpClient: httpClient,
	}
}

// Name implements knowledge.Provider.
func (p *Provider) Name() string {
	return "wikidata"
}

// Lookup implements knowledge.Provider by matching question against Wikidata
// entities and rendering each match's label, description, and defining
// claims as plain text. A blank question or a search with no matches
// returns (nil, nil).
func (p *Provider) Lookup(ctx context.Context, question string) ([]knowledge.Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, nil
	}

	hits, err := p.searchEntities(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("wikidata: search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	entities, err := p.getEntities(ctx, ids, "labels|descriptions|claims")
	if err != nil {
		return nil, fmt.Errorf("wikidata: entities: %w", err)
	}

	labels, err := p.resolveLabels(ctx, entities)
	if err != nil {
		return nil, fmt.Errorf("wikidata: labels: %w", err)
	}

	results := make([]knowledge.Result, 0, len(hits))
	for _, h := range hits {
		e, ok := entities[h.ID]
		if !ok {
			continue
		}
		content := p.renderEntity(e, h, labels)
		if content == "" {
			continue
		}
		title := e.label(p.language)
		if title == "" {
			title = h.Label
		}
		results = append(results, knowledge.Result{
			ID:      h.ID,
			Title:   title,
			Content: content,
			URL:     entityPageURL + h.ID,
		})
	}
	return results, nil
}

// searchHit is one entry of a wbsearchentities response.
type searchHit struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// searchEntities matches question against entity labels and aliases.
func (p *Provider) searchEntities(ctx context.Context, question string) ([]searchHit, error) {
	var out struct {
		Search []searchHit `json:"search"`
	}
	params := url.Values{
		"action":   {"wbsearchentities"},
		"search":   {question},
		"language": {p.language},
		"uselang":  {p.language},
		"type":     {"item"},
		"limit":    {strconv.Itoa(p.limit)},
		"format":   {"json"},
	}
	if err := p.call(ctx, params, &out); err != nil {
		return nil, err
	}
	return out.Search, nil
}

// entity is one entry of a wbgetentities response.
type entity struct {
	ID           string                 `json:"id"`
	Labels       map[string]langValue   `json:"labels"`
	Descriptions map[string]langValue   `json:"descriptions"`
	Claims       map[string][]statement `json:"claims"`
}

type langValue struct {
	Value string `json:"value"`
}

// label returns the entity's label in lang, or "" when missing.
func (e entity) label(lang string) string {
	return e.Labels[lang].Value
}

// statement is a single claim; qualifiers and references are not decoded.
type statement struct {
	MainSnak snak   `json:"mainsnak"`
	Rank     string `json:"rank"`
}

type snak struct {
	SnakType  string     `json:"snaktype"`
	Property  string     `json:"property"`
	DataValue *dataValue `json:"datavalue"`
}

// dataValue defers value decoding until the type is known.
type dataValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// getEntities fetches the given props for up to maxBatchIDs entity or
// property IDs, keyed by ID.
func (p *Provider) getEntities(ctx context.Context, ids []string, props string) (map[string]entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > maxBatchIDs {
		ids = ids[:maxBatchIDs]
	}
	var out struct {
		Entities map[string]entity `json:"entities"`
	}
	params := url.Values{
		"action":    {"wbgetentities"},
		"ids":       {strings.Join(ids, "|")},
		"props":     {props},
		"languages": {p.language},
		"format":    {"json"},
	}
	if err := p.call(ctx, params, &out); err != nil {
		return nil, err
	}
	return out.Entities, nil
}

// resolveLabels collects every property and entity ID referenced by the
// renderable claims of entities and fetches their labels in one batch.
func (p *Provider) resolveLabels(ctx context.Context, entities map[string]entity) (map[string]string, error) {
	seen := map[string]bool{}
	for _, e := range entities {
		for prop, statements := range e.Claims {
			seen[prop] = true
			for _, st := range statements {
				if id := st.entityRef(); id != "" {
					seen[id] = true
				}
			}
		}
	}
	if len(seen) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	referenced, err := p.getEntities(ctx, ids, "labels")
	if err != nil {
		return nil, err
	}
	labels := make(map[string]string, len(referenced))
	for id, e := range referenced {
		if l := e.label(p.language); l != "" {
			labels[id] = l
		}
	}
	return labels, nil
}

// entityRef returns the entity ID this statement points at, or "" when the
// value is not an entity reference.
func (st statement) entityRef() string {
	dv := st.MainSnak.DataValue
	if dv == nil || dv.Type != "wikibase-entityid" {
		return ""
	}
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(dv.Value, &v); err != nil {
		return ""
	}
	return v.ID
}

// renderEntity formats one entity as a headline plus up to maxClaims
// "property: value" lines, ordered by property number for determinism.
func (p *Provider) renderEntity(e entity, hit searchHit, labels map[string]string) string {
	label := e.label(p.language)
	if label == "" {
		label = hit.Label
	}
	description := e.Descriptions[p.language].Value
	if description == "" {
		description = hit.Description
	}
	if label == "" && description == "" && len(e.Claims) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(label)
	if description != "" {
		if label != "" {
			b.WriteString(" — ")
		}
		b.WriteString(description)
		b.WriteString(".")
	}

	props := make([]string, 0, len(e.Claims))
	for prop := range e.Claims {
		props = append(props, prop)
	}
	sort.Slice(props, func(i, j int) bool {
		a, c := propertyNum(props[i]), propertyNum(props[j])
		if a != c {
			return a < c
		}
		return props[i] < props[j]
	})

	rendered := 0
	for _, prop := range props {
		if rendered >= maxClaims {
			break
		}
		value := firstValue(e.Claims[prop], labels)
		if value == "" {
			continue
		}
		name := labels[prop]
		if name == "" {
			name = prop
		}
		b.WriteString("\n")
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		rendered++
	}
	return b.String()
}

// firstValue renders the first usable statement of a property. Statements
// with deprecated rank, novalue/somevalue snaks, or unrenderable types are
// skipped.
func firstValue(statements []statement, labels map[string]string) string {
	for _, st := range statements {
		if st.Rank == "deprecated" || st.MainSnak.SnakType != "value" {
			continue
		}
		if v := renderValue(st.MainSnak.DataValue, labels); v != "" {
			return v
		}
	}
	return ""
}

// renderValue formats a datavalue as plain text. Entity references resolve
// through labels, falling back to the raw ID.
func renderValue(dv *dataValue, labels map[string]string) string {
	if dv == nil {
		return ""
	}
	switch dv.Type {
	case "string":
		var s string
		if err := json.Unmarshal(dv.Value, &s); err != nil {
			return ""
		}
		return s
	case "monolingualtext":
		var v struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(dv.Value, &v); err != nil {
			return ""
		}
		return v.Text
	case "wikibase-entityid":
		var v struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(dv.Value, &v); err != nil {
			return ""
		}
		if l := labels[v.ID]; l != "" {
			return l
		}
		return v.ID
	case "time":
		var v struct {
			Time string `json:"time"`
		}
		if err := json.Unmarshal(dv.Value, &v); err != nil {
			return ""
		}
		return formatTime(v.Time)
	case "quantity":
		var v struct {
			Amount string `json:"amount"`
		}
		if err := json.Unmarshal(dv.Value, &v); err != nil {
			return ""
		}
		return strings.TrimPrefix(v.Amount, "+")
	case "globecoordinate":
		var v struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		}
		if err := json.Unmarshal(dv.Value, &v); err != nil {
			return ""
		}
		return fmt.Sprintf("%.4f, %.4f", v.Latitude, v.Longitude)
	default:
		return ""
	}
}

// formatTime reduces Wikidata's "+1879-03-14T00:00:00Z" timestamps to a
// date, dropping zeroed month/day components that encode lower precision.
func formatTime(t string) string {
	t = strings.TrimPrefix(t, "+")
	if i := strings.IndexByte(t, 'T'); i >= 0 {
		t = t[:i]
	}
	for strings.HasSuffix(t, "-00") {
		t = strings.TrimSuffix(t, "-00")
	}
	return t
}

// propertyNum extracts the numeric part of a property ID for ordering.
func propertyNum(id string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(id, "P"))
	if err != nil {
		return math.MaxInt
	}
	return n
}

// apiError is the in-band error envelope the Action API returns with HTTP 200.
type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

// call issues a GET request against the Action API and decodes the JSON
// response into out, surfacing in-band API errors.
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

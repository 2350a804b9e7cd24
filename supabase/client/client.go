// Package client is a small Supabase client covering the PostgREST, GoTrue
// (auth) and Storage APIs used by the storefront.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anoint-array/platform/internal/logging"
)

// Client is a Supabase REST API client.
type Client struct {
	baseURL    string
	apiKey     string
	anonKey    string
	httpClient *http.Client
	resilient  *ResilientClient
}

// Config holds client configuration.
type Config struct {
	URL string
	// APIKey is the service role key. It bypasses row level security and is
	// used for every server-side call.
	APIKey string
	// AnonKey is sent on user-facing auth calls. Defaults to APIKey.
	AnonKey    string
	HTTPClient *http.Client
}

// New creates a new Supabase client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: defaultTransport(),
		}
	}

	anon := cfg.AnonKey
	if anon == "" {
		anon = cfg.APIKey
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		anonKey:    anon,
		httpClient: httpClient,
	}, nil
}

// BaseURL returns the project URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Breaker returns the circuit breaker when the client was built with
// resilience enabled, nil otherwise.
func (c *Client) Breaker() *CircuitBreaker {
	if c.resilient == nil {
		return nil
	}
	return c.resilient.Breaker()
}

// Ping checks that the auth service answers.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, c.apiKey)

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Error()
}

// =============================================================================
// Database Operations (PostgREST)
// =============================================================================

// From starts a query builder for a table.
func (c *Client) From(table string) *QueryBuilder {
	return &QueryBuilder{
		client: c,
		table:  table,
	}
}

// QueryBuilder builds PostgREST queries.
type QueryBuilder struct {
	client     *Client
	table      string
	columns    string
	filters    [][2]string
	orders     []string
	limit      int
	offset     int
	single     bool
	count      string // exact, planned, estimated
	upsert     bool
	onConflict string
}

// Select specifies columns to select.
func (q *QueryBuilder) Select(columns string) *QueryBuilder {
	q.columns = columns
	return q
}

func (q *QueryBuilder) filter(column, op string, value any) *QueryBuilder {
	q.filters = append(q.filters, [2]string{column, fmt.Sprintf("%s.%v", op, value)})
	return q
}

// Eq adds an equality filter.
func (q *QueryBuilder) Eq(column string, value any) *QueryBuilder {
	return q.filter(column, "eq", value)
}

// Neq adds a not-equal filter.
func (q *QueryBuilder) Neq(column string, value any) *QueryBuilder {
	return q.filter(column, "neq", value)
}

// Gt adds a greater-than filter.
func (q *QueryBuilder) Gt(column string, value any) *QueryBuilder {
	return q.filter(column, "gt", value)
}

// Gte adds a greater-than-or-equal filter.
func (q *QueryBuilder) Gte(column string, value any) *QueryBuilder {
	return q.filter(column, "gte", value)
}

// Lt adds a less-than filter.
func (q *QueryBuilder) Lt(column string, value any) *QueryBuilder {
	return q.filter(column, "lt", value)
}

// Lte adds a less-than-or-equal filter.
func (q *QueryBuilder) Lte(column string, value any) *QueryBuilder {
	return q.filter(column, "lte", value)
}

// ILike adds a case-insensitive LIKE filter.
func (q *QueryBuilder) ILike(column string, pattern string) *QueryBuilder {
	return q.filter(column, "ilike", pattern)
}

// In adds an IN filter.
func (q *QueryBuilder) In(column string, values []any) *QueryBuilder {
	strValues := make([]string, len(values))
	for i, v := range values {
		strValues[i] = fmt.Sprintf("%v", v)
	}
	return q.filter(column, "in", "("+strings.Join(strValues, ",")+")")
}

// Is adds an IS filter (for NULL, TRUE, FALSE).
func (q *QueryBuilder) Is(column string, value any) *QueryBuilder {
	return q.filter(column, "is", value)
}

// Order adds an ORDER BY clause.
func (q *QueryBuilder) Order(column string, ascending bool) *QueryBuilder {
	dir := "asc"
	if !ascending {
		dir = "desc"
	}
	q.orders = append(q.orders, fmt.Sprintf("%s.%s", column, dir))
	return q
}

// Limit sets the LIMIT.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limit = n
	return q
}

// Offset sets the OFFSET.
func (q *QueryBuilder) Offset(n int) *QueryBuilder {
	q.offset = n
	return q
}

// Single expects exactly one row. No rows yields a not-found Error.
func (q *QueryBuilder) Single() *QueryBuilder {
	q.single = true
	return q
}

// Count includes count in response.
func (q *QueryBuilder) Count(countType string) *QueryBuilder {
	q.count = countType
	return q
}

// Upsert makes ExecuteInsert merge rows that conflict on onConflict.
func (q *QueryBuilder) Upsert(onConflict string) *QueryBuilder {
	q.upsert = true
	q.onConflict = onConflict
	return q
}

func (q *QueryBuilder) url(includeRead bool) string {
	reqURL := fmt.Sprintf("%s/rest/v1/%s", q.client.baseURL, q.table)

	params := url.Values{}
	if includeRead && q.columns != "" {
		params.Set("select", q.columns)
	}
	for _, f := range q.filters {
		params.Add(f[0], f[1])
	}
	if includeRead {
		if len(q.orders) > 0 {
			params.Set("order", strings.Join(q.orders, ","))
		}
		if q.limit > 0 {
			params.Set("limit", strconv.Itoa(q.limit))
		}
		if q.offset > 0 {
			params.Set("offset", strconv.Itoa(q.offset))
		}
	}
	if q.upsert && q.onConflict != "" {
		params.Set("on_conflict", q.onConflict)
	}

	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	return reqURL
}

// Execute executes a SELECT query.
func (q *QueryBuilder) Execute(ctx context.Context) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.url(true), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	q.client.setHeaders(req, q.client.apiKey)
	if q.single {
		req.Header.Set("Accept", "application/vnd.pgrst.object+json")
	}
	if q.count != "" {
		req.Header.Set("Prefer", "count="+q.count)
	}

	return q.client.do(req)
}

// ExecuteInsert executes an INSERT (or upsert) operation.
func (q *QueryBuilder) ExecuteInsert(ctx context.Context, data any) (*Response, error) {
	prefer := "return=representation"
	if q.upsert {
		prefer = "resolution=merge-duplicates," + prefer
	}
	return q.write(ctx, http.MethodPost, data, prefer)
}

// ExecuteUpdate executes an UPDATE operation on the filtered rows.
func (q *QueryBuilder) ExecuteUpdate(ctx context.Context, data any) (*Response, error) {
	return q.write(ctx, http.MethodPatch, data, "return=representation")
}

// ExecuteDelete executes a DELETE operation on the filtered rows.
func (q *QueryBuilder) ExecuteDelete(ctx context.Context) (*Response, error) {
	return q.write(ctx, http.MethodDelete, nil, "return=representation")
}

func (q *QueryBuilder) write(ctx context.Context, method string, data any, prefer string) (*Response, error) {
	var body []byte
	if data != nil {
		var err error
		body, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal data: %w", err)
		}
	}

	req, err := newRequest(ctx, method, q.url(false), body)
	if err != nil {
		return nil, err
	}

	q.client.setHeaders(req, q.client.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Prefer", prefer)

	return q.client.do(req)
}

// =============================================================================
// RPC (Stored Procedures)
// =============================================================================

// RPC calls a stored procedure.
func (c *Client) RPC(ctx context.Context, fn string, params any) (*Response, error) {
	var body []byte
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		body = data
	}

	req, err := newRequest(ctx, http.MethodPost, fmt.Sprintf("%s/rest/v1/rpc/%s", c.baseURL, fn), body)
	if err != nil {
		return nil, err
	}

	c.setHeaders(req, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req)
}

// =============================================================================
// Response Types
// =============================================================================

// Response is a generic API response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Count parses the total from a Content-Range header ("0-9/42"). It returns
// -1 when no total is present.
func (r *Response) Count() int {
	cr := r.Headers.Get("Content-Range")
	idx := strings.LastIndex(cr, "/")
	if idx < 0 || idx == len(cr)-1 || cr[idx+1:] == "*" {
		return -1
	}
	n, err := strconv.Atoi(cr[idx+1:])
	if err != nil {
		return -1
	}
	return n
}

// Error returns an *Error if the response indicates failure.
func (r *Response) Error() error {
	if r.StatusCode < 400 {
		return nil
	}

	var body struct {
		Code      any    `json:"code"`
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
		Msg       string `json:"msg"`
		Error     string `json:"error"`
		ErrorDesc string `json:"error_description"`
	}
	e := &Error{StatusCode: r.StatusCode}
	if err := json.Unmarshal(r.Body, &body); err == nil {
		switch v := body.Code.(type) {
		case string:
			e.Code = v
		case float64:
			e.Code = strconv.Itoa(int(v))
		}
		if body.ErrorCode != "" {
			e.Code = body.ErrorCode
		}
		for _, m := range []string{body.Message, body.Msg, body.ErrorDesc, body.Error} {
			if m != "" {
				e.Message = m
				break
			}
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(r.StatusCode)
	}
	return e
}

// Error is a failed Supabase API call.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the call found no matching row or object.
// PostgREST answers a Single() query with no rows with 406 / PGRST116.
func (e *Error) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.Code == "PGRST116" || e.Code == "user_not_found"
}

// IsConflict reports a unique violation or an already registered user.
func (e *Error) IsConflict() bool {
	return e.StatusCode == http.StatusConflict || e.Code == "23505" ||
		e.Code == "email_exists" || e.Code == "user_already_exists"
}

// Transient reports whether retrying later may succeed.
func (e *Error) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// =============================================================================
// Internal Methods
// =============================================================================

func newRequest(ctx context.Context, method, reqURL string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) setHeaders(req *http.Request, key string) {
	req.Header.Set("apikey", key)
	if req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if traceID := logging.GetTraceID(req.Context()); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
	}, nil
}

// doJSON executes req and decodes a successful body into out.
func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	if err := resp.Error(); err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := resp.JSON(out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

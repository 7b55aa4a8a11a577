// Package twitter is the HTTP client for the v2 filtered stream: it opens the
// stream connection and reads and changes the stream rules.
//
// Transport retries are handled by go-retryablehttp with an attempt budget
// equal to the configured retries. Calls to the rules endpoints are also
// paced by a token bucket so that reconnect loops stay under the endpoint's
// rate limit.
package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/c360/filterstream/errors"
	"github.com/c360/filterstream/rules"
	"github.com/c360/filterstream/stream"
)

// DefaultBaseURL is the public API host
const DefaultBaseURL = "https://api.twitter.com"

const (
	streamPath = "/2/tweets/search/stream"
	rulesPath  = "/2/tweets/search/stream/rules"

	// maxErrorBody caps how much of a failed response is read for details
	maxErrorBody = 64 << 10
)

// Client implements stream.Opener and rules.Client.
type Client struct {
	baseURL     string
	bearerToken string
	tweetFields []string
	retries     int
	userAgent   string

	http    *retryablehttp.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithRetries sets the total attempt budget per call. Values below one are
// raised to one.
func WithRetries(n int) Option {
	return func(c *Client) {
		c.retries = max(n, 1)
	}
}

// WithTweetFields sets the tweet.fields requested when opening the stream.
// Duplicates are removed.
func WithTweetFields(fields []string) Option {
	return func(c *Client) {
		seen := make(map[string]bool, len(fields))
		c.tweetFields = c.tweetFields[:0]
		for _, f := range fields {
			f = strings.TrimSpace(f)
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			c.tweetFields = append(c.tweetFields, f)
		}
		sort.Strings(c.tweetFields)
	}
}

// WithRulesRate limits calls to the rules endpoints to perSecond, with a
// burst of one. Zero or less disables the limiter.
func WithRulesRate(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithRetryWait sets the backoff bounds between attempts
func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.http.RetryWaitMin = minWait
		c.http.RetryWaitMax = maxWait
	}
}

// WithHTTPClient replaces the underlying pooled HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http.HTTPClient = hc
		}
	}
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for baseURL authenticated by bearerToken.
func NewClient(baseURL, bearerToken string, opts ...Option) (*Client, error) {
	if bearerToken == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "check bearer token")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, errors.WrapInvalid(err, "Client", "NewClient", "parse base url")
	}

	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		bearerToken: bearerToken,
		retries:     10,
		userAgent:   "filterstream",
		http:        retryablehttp.NewClient(),
		limiter:     rate.NewLimiter(rate.Limit(1), 1),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With("component", "twitter-client")
	c.http.Logger = c.logger
	c.http.RetryMax = c.retries - 1
	c.http.ErrorHandler = exhaustedHandler

	return c, nil
}

// exhaustedHandler runs once the retry budget is spent or a request fails
// for a non-retryable reason. It turns the outcome into a TransportError,
// keeping the status and problem details of the last response.
func exhaustedHandler(resp *http.Response, err error, attempts int) (*http.Response, error) {
	te := &errors.TransportError{Attempts: attempts, Err: err}
	if resp != nil {
		te.StatusCode = resp.StatusCode
		if te.Err == nil {
			te.Err = responseProblem(resp)
		}
		resp.Body.Close()
	}
	if resp != nil && resp.Request != nil {
		te.Operation = resp.Request.Method + " " + resp.Request.URL.Path
	}
	return nil, te
}

// responseProblem reads a bounded amount of an error body and extracts the
// API problem details when present.
func responseProblem(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var wire struct {
		problem
		Errors []problem `json:"errors"`
	}
	if json.Unmarshal(body, &wire) == nil {
		var details []string
		if d := wire.problem.detail(); d != "" {
			details = append(details, d)
		} else if wire.Title != "" {
			details = append(details, wire.Title)
		}
		for _, p := range wire.Errors {
			if d := p.detail(); d != "" {
				details = append(details, d)
			}
		}
		if len(details) > 0 {
			return fmt.Errorf("%s", strings.Join(details, ", "))
		}
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("%s", text)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body []byte) (*retryablehttp.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var raw any
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, raw)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "newRequest", "build request")
	}

	req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends the request and turns any non-2xx response into a TransportError.
func (c *Client) do(req *retryablehttp.Request, operation string) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if te, ok := err.(*errors.TransportError); ok && te.Operation == "" {
			te.Operation = operation
		}
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, &errors.TransportError{
			Operation:  operation,
			Attempts:   1,
			StatusCode: resp.StatusCode,
			Err:        responseProblem(resp),
		}
	}
	return resp, nil
}

func (c *Client) waitRulesLimiter(ctx context.Context, operation string) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return &errors.TransportError{Operation: operation, Err: err}
	}
	return nil
}

// Open connects to the filtered stream. The returned body stays open until
// closed by the caller or the server.
func (c *Client) Open(ctx context.Context) (io.ReadCloser, error) {
	operation := "GET " + streamPath

	query := url.Values{}
	if len(c.tweetFields) > 0 {
		query.Set("tweet.fields", strings.Join(c.tweetFields, ","))
	}

	req, err := c.newRequest(ctx, http.MethodGet, streamPath, query, nil)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Opening the filtered stream", "tweet_fields", c.tweetFields, "retries", c.retries)
	resp, err := c.do(req, operation)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// ActiveRules fetches the current rule set
func (c *Client) ActiveRules(ctx context.Context) ([]rules.Rule, error) {
	operation := "GET " + rulesPath
	if err := c.waitRulesLimiter(ctx, operation); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodGet, rulesPath, nil, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req, operation)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out rulesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.WrapInvalid(err, "Client", "ActiveRules", "decode rules response")
	}
	if len(out.Errors) > 0 {
		return nil, &errors.TransportError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", joinProblems(out.Errors)),
		}
	}

	c.logger.Debug("Fetched active rules", "count", len(out.Data))
	return out.Data, nil
}

// ChangeRules submits an add or a delete and returns the server's view of
// the result. Problems reported in a 2xx body are returned, not raised.
func (c *Client) ChangeRules(ctx context.Context, change rules.Change) (rules.ChangeResult, error) {
	operation := "POST " + rulesPath

	var payload any
	switch change.Kind {
	case rules.ChangeAdd:
		add := addRulesRequest{Add: make([]rules.Rule, len(change.Values))}
		for i, v := range change.Values {
			add.Add[i] = rules.Rule{Value: v}
		}
		payload = add
	case rules.ChangeDelete:
		var del deleteRulesRequest
		del.Delete.IDs = change.IDs
		payload = del
	default:
		return rules.ChangeResult{}, errors.WrapInvalid(
			fmt.Errorf("%w: unknown change kind %d", errors.ErrInvalidData, change.Kind),
			"Client", "ChangeRules", "build payload")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return rules.ChangeResult{}, errors.WrapInvalid(err, "Client", "ChangeRules", "encode payload")
	}

	if err := c.waitRulesLimiter(ctx, operation); err != nil {
		return rules.ChangeResult{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, rulesPath, nil, body)
	if err != nil {
		return rules.ChangeResult{}, err
	}

	resp, err := c.do(req, operation)
	if err != nil {
		return rules.ChangeResult{}, err
	}
	defer resp.Body.Close()

	var out rulesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return rules.ChangeResult{}, errors.WrapInvalid(err, "Client", "ChangeRules", "decode rules response")
	}

	result := rules.ChangeResult{Rules: out.Data}
	for _, p := range out.Errors {
		result.Problems = append(result.Problems, p.toProblem())
	}

	c.logger.Debug("Submitted rule change", "kind", change.Kind.String(),
		"created", out.Meta.Summary.Created, "deleted", out.Meta.Summary.Deleted,
		"problems", len(result.Problems))
	return result, nil
}

func joinProblems(problems []problem) string {
	details := make([]string, len(problems))
	for i, p := range problems {
		details[i] = p.detail()
	}
	return strings.Join(details, ", ")
}

var (
	_ stream.Opener = (*Client)(nil)
	_ rules.Client  = (*Client)(nil)
)

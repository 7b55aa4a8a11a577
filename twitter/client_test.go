package twitter

import (
	"bufio"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/filterstream/errors"
	"github.com/c360/filterstream/rules"
	"github.com/c360/filterstream/testutil"
)

const testToken = "test-bearer-token"

func newTestClient(t *testing.T, api *testutil.FakeTwitterAPI, opts ...Option) *Client {
	t.Helper()

	base := []Option{
		WithRetries(3),
		WithRetryWait(time.Millisecond, 5*time.Millisecond),
		WithRulesRate(0),
	}
	c, err := NewClient(api.URL(), testToken, append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = NewClient("::not a url", "token")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	c, err := NewClient("", "token")
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, 10, c.retries)
	assert.Equal(t, 9, c.http.RetryMax)
}

func TestWithTweetFields_SortsAndDedups(t *testing.T) {
	c, err := NewClient("", "token", WithTweetFields([]string{"lang", "created_at", " lang ", "", "author_id"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"author_id", "created_at", "lang"}, c.tweetFields)
}

func TestWithRetries_Floor(t *testing.T) {
	c, err := NewClient("", "token", WithRetries(0))
	require.NoError(t, err)
	assert.Equal(t, 1, c.retries)
	assert.Equal(t, 0, c.http.RetryMax)
}

func TestActiveRules(t *testing.T) {
	api := testutil.NewFakeTwitterAPI(t, testToken)
	api.SetRules(testutil.FakeRule{ID: "1", Value: "cats"}, testutil.FakeRule{ID: "2", Value: "dogs", Tag: "pets"})
	c := newTestClient(t, api)

	got, err := c.ActiveRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []rules.Rule{{ID: "1", Value: "cats"}, {ID: "2", Value: "dogs", Tag: "pets"}}, got)

	reqs := api.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer "+testToken, reqs[0].Header.Get("Authorization"))
	assert.Equal(t, "filterstream", reqs[0].Header.Get("User-Agent"))
}

func TestActiveRules_Empty(t *testing.T) {
	api := testutil.NewFakeTwitterAPI(t, testToken)
	c := newTestClient(t, api)

	got, err := c.ActiveRules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestChangeRules_Add(t *testing.T) {
	api := testutil.NewFakeTwitterAPI(t, testToken)
	c := newTestClient(t, api)

	result, err := c.ChangeRules(context.Background(), rules.Add("foo OR bar"))
	require.NoError(t, err)
	require.Len(t, result.Rules, 1)
	assert.Equal(t, "foo OR bar", result.Rules[0].Value)
	assert.NotEmpty(t, result.Rules[0].ID)
	assert.Empty(t, result.Problems)

	reqs := api.Requests()
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"add":[{"value":"foo OR bar"}]}`, reqs[0].Body)
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
}

func TestChangeRules_DeleteByID(t *testing.T) {
	api := testutil.NewFakeTwitterAPI(t, testToken)
	api.SetRules(testutil.FakeRule{ID: "1", Value: "cats"}, testutil.FakeRule{ID: "2", Value: "dogs"})
	c := newTestClient(t, api)

	result, err := c.ChangeRules(context.Background(), rules.Delete("1", "2"))
	require.NoError(t, err)
	assert.Empty(t, result.Rules)
	assert.Empty(t, result.Problems)
	assert.Empty(t, api.Rules())

	reqs := api.Requests()
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"delete":{"ids":["1","2"]}}`, reqs[0].Body)
}

func TestChangeRules_ProblemsAreReturned(t *testing.T) {
	api := testutil.NewFakeTwitterAPI(t, testToken)
	api.RejectAdds(testutil.FakeProblem{
		Title:   "DuplicateRule",
		Details: []string{"duplicate rule", "already exists"},
		Value:   "foo",
	})
	c := newTestClient(t, api)

	result, err := c.ChangeRules(context.Background(), rules.Add("foo"))
	require.NoError(t, err)
	require.Len(t, result.Problems, 1)
	assert.Equal(t, "DuplicateRule", result.Problems[0].Title)
	assert.Equal(t, "duplicate rule; already exists", result.Problems[0].Detail)
	assert.Equal(t, "duplicate rule; already exists", result.Problems[0].String())
}

func TestChangeRules_UnknownKind(t *testing.T) {
	api := testutil.NewFakeTwitterAPI(t, testToken)
	c := newTestClient(t, api)

	_, err := c.ChangeRules(context.Background(), rules.Change{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Zero(t, len(api.Requests()))
}

func TestClient_RetriesTransientStatus(t *testing.T) {
	api := testutil.NewFakeTwitterAPI(t, testToken)
	api.FailNext(2, http.StatusServiceUnavailable, "busy")
	c := newTestClient(t, api)

	_, err := c.ActiveRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, api.RequestCount(http.MethodGet, testutil.RulesPath))
}

func TestClient_RetryBudgetExhausted(t *testing.T) {
	api := testutil.NewFakeTwitterAPI(t, testToken)
	api.FailNext(10, http.StatusServiceUnavailable, `{"title":"Service Unavailable","detail":"try later"}`)
	c := newTestClient(t, api)

	_, err := c.ActiveRules(context.Background())
	require.Error(t, err)

	var te *errors.TransportError
	require.True(t, stderrors.As(err, &te))
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Equal(t, 3, te.Attempts)
	assert.Contains(t, te.Error(), "try later")
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 3, api.RequestCount(http.MethodGet, testutil.RulesPath))
}

func TestClient_UnauthorizedIsNotRetried(t *testing.T) {
	api := testutil.NewFakeTwitterAPI(t, "other-token")
	c := newTestClient(t, api)

	_, err := c.ActiveRules(context.Background())
	require.Error(t, err)

	var te *errors.TransportError
	require.True(t, stderrors.As(err, &te))
	assert.Equal(t, http.StatusUnauthorized, te.StatusCode)
	assert.Contains(t, te.Error(), "Unauthorized")
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, 1, len(api.Requests()))
}

func TestClient_RulesRateLimit(t *testing.T) {
	api := testutil.NewFakeTwitterAPI(t, testToken)
	c := newTestClient(t, api, WithRulesRate(20))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.ActiveRules(context.Background())
		require.NoError(t, err)
	}
	// burst of one then 50ms per token
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestClient_RulesRateLimitHonoursContext(t *testing.T) {
	api := testutil.NewFakeTwitterAPI(t, testToken)
	c := newTestClient(t, api, WithRulesRate(0.001))

	_, err := c.ActiveRules(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.ActiveRules(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, len(api.Requests()))
}

func TestOpen_StreamsLines(t *testing.T) {
	api := testutil.NewFakeTwitterAPI(t, testToken)
	api.SetStream(false, testutil.TweetLine("1", "hello"), "", testutil.TweetLine("2", "world"))
	c := newTestClient(t, api, WithTweetFields([]string{"lang", "created_at"}))

	body, err := c.Open(context.Background())
	require.NoError(t, err)
	defer body.Close()

	var lines []string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 3)
	assert.Empty(t, lines[1])

	env, err := DecodeEnvelope([]byte(lines[2]))
	require.NoError(t, err)
	require.NotNil(t, env.Data)
	assert.Equal(t, "world", env.Data.Text)

	reqs := api.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, testutil.StreamPath, reqs[0].Path)
	assert.Equal(t, "tweet.fields=created_at%2Clang", reqs[0].Query)
}

func TestOpen_NoFieldsOmitsQuery(t *testing.T) {
	api := testutil.NewFakeTwitterAPI(t, testToken)
	c := newTestClient(t, api)

	body, err := c.Open(context.Background())
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, body)
	body.Close()

	reqs := api.Requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Query)
}

func TestOpen_Failures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		requests int
		fatal    bool
		contains string
	}{
		{
			name:     "too many connections",
			status:   http.StatusTooManyRequests,
			body:     `{"title":"ConnectionException","detail":"This stream is currently at the maximum allowed connection limit."}`,
			requests: 3,
			contains: "maximum allowed connection limit",
		},
		{
			name:     "bad request",
			status:   http.StatusBadRequest,
			body:     `{"errors":[{"parameters":{"tweet.fields":["bogus"]},"message":"bad field"}],"title":"Invalid Request","detail":"One or more parameters to your request was invalid."}`,
			requests: 1,
			fatal:    true,
			contains: "One or more parameters",
		},
		{
			name:     "plain text body",
			status:   http.StatusForbidden,
			body:     "forbidden",
			requests: 1,
			fatal:    true,
			contains: "forbidden",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := testutil.NewFakeTwitterAPI(t, testToken)
			api.FailStream(tt.status, tt.body)
			c := newTestClient(t, api)

			_, err := c.Open(context.Background())
			require.Error(t, err)

			var te *errors.TransportError
			require.True(t, stderrors.As(err, &te))
			assert.Equal(t, tt.status, te.StatusCode)
			assert.Contains(t, err.Error(), tt.contains)
			assert.Equal(t, tt.fatal, errors.IsFatal(err))
			assert.Equal(t, tt.requests, api.RequestCount(http.MethodGet, testutil.StreamPath))
		})
	}
}

func TestOpen_HeldConnectionClosesWithContext(t *testing.T) {
	api := testutil.NewFakeTwitterAPI(t, testToken)
	api.SetStream(true, testutil.TweetLine("1", "first"))
	c := newTestClient(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	body, err := c.Open(ctx)
	require.NoError(t, err)
	defer body.Close()

	reader := bufio.NewReader(body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "first")

	cancel()
	_, err = reader.ReadString('\n')
	assert.Error(t, err)
}

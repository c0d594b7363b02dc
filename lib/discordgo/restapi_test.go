package discordgo

import (
	"context"
	"io/ioutil"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "https://discord.test/api/v10"

func newMockedExecutor() (*RESTExecutor, *httpmock.MockTransport) {
	transport := httpmock.NewMockTransport()

	e := NewRESTExecutor("Bot token")
	e.BaseURL = testBaseURL
	e.Client = &http.Client{Transport: transport}
	e.MinRetryInterval = time.Millisecond * 5
	e.MaxRetryInterval = time.Millisecond * 20
	return e, transport
}

func responseWithHeaders(status int, body string, kv ...string) *http.Response {
	resp := httpmock.NewStringResponse(status, body)
	for i := 0; i+1 < len(kv); i += 2 {
		resp.Header.Set(kv[i], kv[i+1])
	}
	return resp
}

func TestExecuteRetriesRatelimited(t *testing.T) {
	e, transport := newMockedExecutor()

	var calls int32
	transport.RegisterResponder("POST", testBaseURL+"/channels/123/messages", func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bot token", req.Header.Get("Authorization"))
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

		if atomic.AddInt32(&calls, 1) <= 3 {
			return responseWithHeaders(429, `{"message": "You are being rate limited.", "retry_after": 0.2, "global": false}`,
				"Retry-After", "0.2"), nil
		}

		return responseWithHeaders(200, `{"id": "1"}`,
			"X-RateLimit-Remaining", "4", "X-RateLimit-Limit", "5", "X-RateLimit-Reset-After", "1"), nil
	})

	started := time.Now()
	status, body, err := e.Execute(context.Background(), "POST", RouteChannelMessages, []string{"123"}, map[string]string{"content": "hi"})
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.JSONEq(t, `{"id": "1"}`, string(body))
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	assert.True(t, time.Since(started) >= time.Millisecond*550)

	stats := e.Ratelimiter.GetBucket("POST " + RouteChannelMessages).Stats()
	assert.Equal(t, int64(3), stats.TotalWaits)
	assert.Equal(t, int64(3), stats.Total429s)
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Equal(t, 4, stats.Remaining)
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	e, transport := newMockedExecutor()

	var calls int32
	transport.RegisterResponder("GET", testBaseURL+"/guilds/1", func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return httpmock.NewStringResponse(502, `bad gateway`), nil
	})

	status, _, err := e.Execute(context.Background(), "GET", RouteGuild, []string{"1"}, nil)
	require.Error(t, err)
	assert.Equal(t, ErrRetriesExhausted, errors.Cause(err))
	assert.Equal(t, 502, status)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestExecuteClientErrorNotRetried(t *testing.T) {
	e, transport := newMockedExecutor()

	var calls int32
	transport.RegisterResponder("GET", testBaseURL+"/channels/5", func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return httpmock.NewStringResponse(403, `{"message": "Missing Access", "code": 50001}`), nil
	})

	status, _, err := e.Execute(context.Background(), "GET", RouteChannel, []string{"5"}, nil)
	require.Error(t, err)
	assert.Equal(t, 403, status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	restErr, ok := err.(*RESTError)
	require.True(t, ok)
	assert.Equal(t, int64(50001), restErr.Code)
	assert.Equal(t, "Missing Access", restErr.Message)
}

func TestExecuteServerErrorRecovers(t *testing.T) {
	e, transport := newMockedExecutor()

	var calls int32
	transport.RegisterResponder("GET", testBaseURL+"/users/@me", func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return httpmock.NewStringResponse(500, `oops`), nil
		}
		return httpmock.NewStringResponse(200, `{"id": "2"}`), nil
	})

	var me struct {
		ID string `json:"id"`
	}
	require.NoError(t, e.ExecuteJSON(context.Background(), "GET", RouteUserMe, nil, nil, &me))
	assert.Equal(t, "2", me.ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

type brokenBody struct{}

func (brokenBody) Read(p []byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func TestExecuteRetriesUnreadableBody(t *testing.T) {
	e, transport := newMockedExecutor()

	var calls int32
	transport.RegisterResponder("GET", testBaseURL+"/guilds/2", func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			resp := responseWithHeaders(200, "",
				"X-RateLimit-Remaining", "0", "X-RateLimit-Limit", "5", "X-RateLimit-Reset-After", "0.1")
			resp.Body = ioutil.NopCloser(brokenBody{})
			return resp, nil
		}

		return responseWithHeaders(200, `{"id": "2"}`,
			"X-RateLimit-Remaining", "4", "X-RateLimit-Limit", "5", "X-RateLimit-Reset-After", "1"), nil
	})

	started := time.Now()
	status, body, err := e.Execute(context.Background(), "GET", RouteGuild, []string{"2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.JSONEq(t, `{"id": "2"}`, string(body))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	// the headers of the broken response still count
	assert.True(t, time.Since(started) >= time.Millisecond*90)

	stats := e.Ratelimiter.GetBucket("GET " + RouteGuild).Stats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, 4, stats.Remaining)
}

func TestGlobalRatelimitBlocksOtherRoutes(t *testing.T) {
	e, transport := newMockedExecutor()

	hit := make(chan struct{})
	var calls int32
	transport.RegisterResponder("GET", testBaseURL+"/guilds/1", func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			defer close(hit)
			return responseWithHeaders(429, `{"message": "You are being rate limited.", "retry_after": 1, "global": true}`,
				"Retry-After", "1", "X-RateLimit-Global", "true"), nil
		}
		return httpmock.NewStringResponse(200, `{}`), nil
	})

	var otherSentAt atomic.Value
	transport.RegisterResponder("GET", testBaseURL+"/users/@me", func(req *http.Request) (*http.Response, error) {
		otherSentAt.Store(time.Now())
		return httpmock.NewStringResponse(200, `{}`), nil
	})

	done := make(chan error, 1)
	go func() {
		_, _, err := e.Execute(context.Background(), "GET", RouteGuild, []string{"1"}, nil)
		done <- err
	}()

	<-hit
	// let the first response get processed
	time.Sleep(time.Millisecond * 50)

	started := time.Now()
	_, _, err := e.Execute(context.Background(), "GET", RouteUserMe, nil, nil)
	require.NoError(t, err)

	sentAt := otherSentAt.Load().(time.Time)
	assert.True(t, sentAt.Sub(started) >= time.Millisecond*850, "unrelated route was sent after %s", sentAt.Sub(started))

	require.NoError(t, <-done)
}

func TestExecuteCancelledWhileWaiting(t *testing.T) {
	e, _ := newMockedExecutor()

	b := e.Ratelimiter.GetBucket("GET " + RouteGuild)
	e.Ratelimiter.Acquire("GET " + RouteGuild)
	e.Ratelimiter.Release(b, headers("X-RateLimit-Remaining", "0", "X-RateLimit-Limit", "5", "X-RateLimit-Reset-After", "10"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*30)
	defer cancel()

	_, _, err := e.Execute(ctx, "GET", RouteGuild, []string{"1"}, nil)
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, 0, b.Stats().Remaining)
}

func TestExpandRoute(t *testing.T) {
	path, err := ExpandRoute(RouteChannelMessage, []string{"1", "2"})
	require.NoError(t, err)
	assert.Equal(t, "/channels/1/messages/2", path)

	path, err = ExpandRoute(RouteGuildMember, []string{"1", "a/b"})
	require.NoError(t, err)
	assert.Equal(t, "/guilds/1/members/a%2Fb", path)

	_, err = ExpandRoute(RouteChannelMessage, []string{"1"})
	assert.Equal(t, ErrRouteParams, errors.Cause(err))

	_, err = ExpandRoute(RouteUserMe, []string{"1"})
	assert.Equal(t, ErrRouteParams, errors.Cause(err))
}

func TestGatewayBot(t *testing.T) {
	e, transport := newMockedExecutor()
	transport.RegisterResponder("GET", testBaseURL+"/gateway/bot",
		httpmock.NewStringResponder(200, `{"url": "wss://gateway.discord.gg", "shards": 9, "session_start_limit": {"total": 1000, "remaining": 999, "reset_after": 14400000, "max_concurrency": 1}}`))

	resp, err := e.GatewayBot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, resp.Shards)
	assert.Equal(t, "wss://gateway.discord.gg/", resp.URL)
	assert.Equal(t, 1, resp.SessionStartLimit.MaxConcurrency)
}

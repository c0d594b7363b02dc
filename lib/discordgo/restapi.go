package discordgo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/cenkalti/backoff"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrRetriesExhausted = errors.New("giving up on request after too many ratelimited or failed attempts")
	ErrRouteParams      = errors.New("route params don't match the route template")
)

// RESTError is returned for responses that aren't retried
type RESTError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte

	// decoded from the body when present
	Message string
	Code    int64
}

func newRESTError(req *http.Request, status int, body []byte) *RESTError {
	e := &RESTError{
		Method:     req.Method,
		URL:        req.URL.String(),
		StatusCode: status,
		Body:       body,
	}

	e.Message, _ = jsonparser.GetString(body, "message")
	e.Code, _ = jsonparser.GetInt(body, "code")
	return e
}

func (r *RESTError) Error() string {
	if r.Message != "" {
		return fmt.Sprintf("HTTP %d, %s %s: %s (code %d)", r.StatusCode, r.Method, r.URL, r.Message, r.Code)
	}

	return fmt.Sprintf("HTTP %d, %s %s: %s", r.StatusCode, r.Method, r.URL, string(r.Body))
}

// RESTExecutor sends requests to the REST API through a RateLimiter, retrying ratelimited and failed requests
type RESTExecutor struct {
	Token       string
	BaseURL     string
	UserAgent   string
	Client      *http.Client
	Ratelimiter *RateLimiter

	// Counts every attempt, ratelimited and server errors alike
	MaxAttempts int

	MinRetryInterval time.Duration
	MaxRetryInterval time.Duration
}

func NewRESTExecutor(token string) *RESTExecutor {
	return &RESTExecutor{
		Token:            token,
		BaseURL:          EndpointAPI,
		UserAgent:        "DiscordBot (https://github.com/botlabs-gg/shardkit, v" + VERSION + ")",
		Client:           cleanhttp.DefaultPooledClient(),
		Ratelimiter:      NewRatelimiter(),
		MaxAttempts:      5,
		MinRetryInterval: time.Millisecond * 500,
		MaxRetryInterval: time.Second * 10,
	}
}

// Execute sends a request to a route template, filling its placeholders from params in order, and returns the
// status and raw body. body is encoded as json if not nil.
func (e *RESTExecutor) Execute(ctx context.Context, method, route string, params []string, body interface{}) (int, []byte, error) {
	path, err := ExpandRoute(route, params)
	if err != nil {
		return 0, nil, err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, nil, errors.WithMessage(err, "encode body")
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.MinRetryInterval
	bo.MaxInterval = e.MaxRetryInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	bucketKey := method + " " + route
	logger := logrus.WithField("route", bucketKey)

	var lastErr error
	var lastStatus int
	var lastBody []byte

	for attempt := 1; attempt <= e.MaxAttempts; attempt++ {
		bucket, err := e.Ratelimiter.Wait(ctx, bucketKey)
		if err != nil {
			return 0, nil, err
		}

		req, err := e.newRequest(ctx, method, path, payload)
		if err != nil {
			bucket.Cancel()
			return 0, nil, err
		}

		resp, err := e.Client.Do(req)
		if err != nil {
			bucket.Cancel()
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}

			lastErr = errors.WithMessage(err, "send request")
			logger.WithError(err).Warn("request failed, retrying")
			if err := sleepContext(ctx, bo.NextBackOff()); err != nil {
				return 0, nil, err
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		// the headers arrived, so the bucket is updated even if the body was cut off
		bucket, err = e.Ratelimiter.Release(bucket, resp.Header)
		if err != nil {
			logger.WithError(err).Error("failed parsing ratelimit headers")
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}

			lastErr = errors.WithMessage(readErr, "read response")
			wait := bo.NextBackOff()
			logger.WithError(readErr).Warnf("failed reading response, retrying in %s", wait)
			if err := sleepContext(ctx, wait); err != nil {
				return 0, nil, err
			}
			continue
		}

		lastStatus, lastBody = resp.StatusCode, respBody

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter, global := parseRateLimited(resp.Header, respBody)
			logger.WithField("global", global).Warnf("ratelimited, retry after %s", retryAfter)
			e.Ratelimiter.RateLimited(bucket, retryAfter, global)
			lastErr = newRESTError(req, resp.StatusCode, respBody)
			// the wait happens pre-emptively in the next Ratelimiter.Wait
		case resp.StatusCode >= 500:
			lastErr = newRESTError(req, resp.StatusCode, respBody)
			wait := bo.NextBackOff()
			logger.WithError(lastErr).Warnf("server error, retrying in %s", wait)
			if err := sleepContext(ctx, wait); err != nil {
				return 0, nil, err
			}
		case resp.StatusCode >= 400:
			return resp.StatusCode, respBody, newRESTError(req, resp.StatusCode, respBody)
		default:
			return resp.StatusCode, respBody, nil
		}
	}

	return lastStatus, lastBody, errors.WithMessagef(ErrRetriesExhausted, "%d attempts, last error: %v", e.MaxAttempts, lastErr)
}

// ExecuteJSON is Execute that decodes a successful response into v
func (e *RESTExecutor) ExecuteJSON(ctx context.Context, method, route string, params []string, body, v interface{}) error {
	_, resp, err := e.Execute(ctx, method, route, params, body)
	if err != nil {
		return err
	}

	if v == nil || len(resp) == 0 {
		return nil
	}

	return errors.WithMessage(json.Unmarshal(resp, v), "decode response")
}

func (e *RESTExecutor) newRequest(ctx context.Context, method, path string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(e.BaseURL, "/")+path, body)
	if err != nil {
		return nil, err
	}

	if e.Token != "" {
		req.Header.Set("Authorization", e.Token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", e.UserAgent)

	return req, nil
}

// parseRateLimited reads how long to back off from a 429, the headers take precedence over the body
func parseRateLimited(headers http.Header, body []byte) (retryAfter time.Duration, global bool) {
	if ra := headers.Get("Retry-After"); ra != "" {
		if dur, err := parseResetAfterDur(ra); err == nil {
			retryAfter = dur
		}
	}

	if retryAfter == 0 {
		if secs, err := jsonparser.GetFloat(body, "retry_after"); err == nil {
			retryAfter = time.Duration(secs * float64(time.Second))
		}
	}

	if retryAfter == 0 {
		// nothing to go by, don't hammer it
		retryAfter = time.Second
	}

	global = strings.EqualFold(headers.Get("X-RateLimit-Global"), "true") || headers.Get("X-RateLimit-Scope") == "global"
	if !global {
		global, _ = jsonparser.GetBoolean(body, "global")
	}

	return
}

// ExpandRoute fills the {placeholders} of a route template in order
func ExpandRoute(route string, params []string) (string, error) {
	var sb strings.Builder
	used := 0

	for i := 0; i < len(route); i++ {
		if route[i] != '{' {
			sb.WriteByte(route[i])
			continue
		}

		end := strings.IndexByte(route[i:], '}')
		if end == -1 {
			return "", errors.WithMessage(ErrRouteParams, route)
		}

		if used >= len(params) {
			return "", errors.WithMessagef(ErrRouteParams, "%s: got %d params", route, len(params))
		}

		sb.WriteString(url.PathEscape(params[used]))
		used++
		i += end
	}

	if used != len(params) {
		return "", errors.WithMessagef(ErrRouteParams, "%s: got %d params, used %d", route, len(params), used)
	}

	return sb.String(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// GatewayBotResponse stores the data for the gateway/bot response
type GatewayBotResponse struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// GatewayBot returns the recommended shard count and gateway url for this bot
func (e *RESTExecutor) GatewayBot(ctx context.Context) (*GatewayBotResponse, error) {
	var resp GatewayBotResponse
	err := e.ExecuteJSON(ctx, http.MethodGet, RouteGatewayBot, nil, nil, &resp)
	if err != nil {
		return nil, err
	}

	// Ensure the gateway always has a trailing slash.
	// MacOS will fail to connect if we add query params without a trailing slash on the base domain.
	if resp.URL != "" && !strings.HasSuffix(resp.URL, "/") {
		resp.URL += "/"
	}

	return &resp, nil
}

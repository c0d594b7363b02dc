package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator"
	"github.com/dghubble/sling"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
)

// DefaultClientTimeout bounds every call to the coordinator
const DefaultClientTimeout = time.Second * 5

// Client talks to a coordinator api, used by workers and the cli
type Client struct {
	addr string
	base *sling.Sling
}

// NewClient returns a client for the coordinator at addr, "host:port" gets a http:// prefix
func NewClient(addr string) *Client {
	return NewClientWithHTTP(addr, nil)
}

func NewClientWithHTTP(addr string, httpClient *http.Client) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	addr = strings.TrimSuffix(addr, "/") + "/"

	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
		httpClient.Timeout = DefaultClientTimeout
	}

	return &Client{
		addr: addr,
		base: sling.New().Client(httpClient).Base(addr),
	}
}

// Addr returns the base address of the coordinator
func (c *Client) Addr() string {
	return c.addr
}

// APIError is returned when the coordinator answered with an error
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, s *sling.Sling, respData interface{}) error {
	req, err := s.Request()
	if err != nil {
		return err
	}

	var failure dshardorchestrator.BasicResponse
	resp, err := s.Do(req.WithContext(ctx), respData, &failure)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode == http.StatusNotFound && strings.Contains(failure.Message, dshardorchestrator.ErrUnknownWorker.Error()) {
		return errors.WithMessage(dshardorchestrator.ErrUnknownWorker, failure.Message)
	}

	return &APIError{StatusCode: resp.StatusCode, Message: failure.Message}
}

func (c *Client) Register(ctx context.Context, req *dshardorchestrator.RegisterRequest) (*dshardorchestrator.RegisterResponse, error) {
	var resp dshardorchestrator.RegisterResponse
	err := c.do(ctx, c.base.New().Post("workers/register").BodyJSON(req), &resp)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

func (c *Client) Heartbeat(ctx context.Context, workerID string, req *dshardorchestrator.HeartbeatRequest) (*dshardorchestrator.HeartbeatResponse, error) {
	var resp dshardorchestrator.HeartbeatResponse
	err := c.do(ctx, c.base.New().Post("workers/"+url.PathEscape(workerID)+"/heartbeat").BodyJSON(req), &resp)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

func (c *Client) Deregister(ctx context.Context, workerID string) error {
	return c.do(ctx, c.base.New().Post("workers/"+url.PathEscape(workerID)+"/deregister"), nil)
}

func (c *Client) State(ctx context.Context) (*dshardorchestrator.ClusterState, error) {
	var state dshardorchestrator.ClusterState
	err := c.do(ctx, c.base.New().Get("cluster/state"), &state)
	if err != nil {
		return nil, err
	}

	return &state, nil
}

func (c *Client) MigrateShard(ctx context.Context, shard int, toWorker string) error {
	body := &dshardorchestrator.MigrateShardRequest{Shard: shard, ToWorker: toWorker}
	return c.do(ctx, c.base.New().Post("cluster/migrateshard").BodyJSON(body), nil)
}

func (c *Client) Resize(ctx context.Context, totalShards int) error {
	body := &dshardorchestrator.ResizeRequest{TotalShards: totalShards}
	return c.do(ctx, c.base.New().Post("cluster/resize").BodyJSON(body), nil)
}

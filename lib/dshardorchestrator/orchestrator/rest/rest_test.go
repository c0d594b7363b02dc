package rest

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator"
	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator/orchestrator"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*orchestrator.Coordinator, *RESTAPI, *httptest.Server) {
	c := orchestrator.NewCoordinator("api-test", nil)
	c.FixedTotalShardCount = 4
	c.SettleWindow = 0
	c.MonitorInterval = time.Hour
	c.DisableLoadBalance = true
	c.Start()

	api := NewRESTAPI(c, "127.0.0.1:0")
	srv := httptest.NewServer(api.Handler())

	t.Cleanup(func() {
		srv.Close()
		c.Stop()
	})

	return c, api, srv
}

func TestClientRoundTrip(t *testing.T) {
	_, _, srv := newTestAPI(t)
	client := NewClient(srv.URL)
	ctx := context.Background()

	resp, err := client.Register(ctx, &dshardorchestrator.RegisterRequest{
		WorkerID: "w1",
		Address:  "10.0.0.1:7447",
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, resp.ShardIDs)
	assert.Equal(t, 4, resp.TotalShards)
	assert.Equal(t, "api-test", resp.CoordinatorID)
	if assert.Len(t, resp.SuccessionOrder, 1) {
		assert.Equal(t, "10.0.0.1:7447", resp.SuccessionOrder[0].Address)
	}

	hb, err := client.Heartbeat(ctx, "w1", &dshardorchestrator.HeartbeatRequest{
		CPUUsage:       12.5,
		LatencyMs:      80,
		GuildCount:     1000,
		RunningShards:  []int{0, 1, 2, 3},
		ShardLatencies: map[int]int64{0: 80, 3: 20},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, hb.ShardIDs)

	state, err := client.State(ctx)
	require.NoError(t, err)
	ws := state.FindWorker("w1")
	require.NotNil(t, ws)
	assert.Equal(t, dshardorchestrator.WorkerStatusHealthy, ws.Status)
	assert.Equal(t, 1000, ws.GuildCount)
	assert.Equal(t, int64(80), ws.ShardLatencies[0])
	assert.Equal(t, "w1", state.ShardOwner(2))

	_, err = client.Register(ctx, &dshardorchestrator.RegisterRequest{WorkerID: "w2"})
	require.NoError(t, err)

	require.NoError(t, client.MigrateShard(ctx, 0, "w2"))
	state, err = client.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "w2", state.ShardOwner(0))

	require.NoError(t, client.Resize(ctx, 6))
	state, err = client.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, state.TotalShards)

	require.NoError(t, client.Deregister(ctx, "w2"))
	state, err = client.State(ctx)
	require.NoError(t, err)
	assert.Nil(t, state.FindWorker("w2"))
}

func TestClientUnknownWorker(t *testing.T) {
	_, _, srv := newTestAPI(t)
	client := NewClient(srv.URL)

	_, err := client.Heartbeat(context.Background(), "ghost", &dshardorchestrator.HeartbeatRequest{})
	assert.Equal(t, dshardorchestrator.ErrUnknownWorker, errors.Cause(err))

	err = client.Deregister(context.Background(), "ghost")
	assert.Equal(t, dshardorchestrator.ErrUnknownWorker, errors.Cause(err))
}

func TestClientErrors(t *testing.T) {
	_, _, srv := newTestAPI(t)
	client := NewClient(srv.URL)
	ctx := context.Background()

	_, err := client.Register(ctx, &dshardorchestrator.RegisterRequest{WorkerID: "w1"})
	require.NoError(t, err)

	err = client.MigrateShard(ctx, 10, "w1")
	if apiErr, ok := err.(*APIError); assert.True(t, ok, "%T", err) {
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Equal(t, dshardorchestrator.ErrUnknownShard.Error(), apiErr.Message)
	}

	err = client.Resize(ctx, 0)
	if apiErr, ok := err.(*APIError); assert.True(t, ok, "%T", err) {
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	}

	_, err = client.Register(ctx, &dshardorchestrator.RegisterRequest{})
	if apiErr, ok := err.(*APIError); assert.True(t, ok, "%T", err) {
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Equal(t, "workerId not provided", apiErr.Message)
	}
}

func TestBadBody(t *testing.T) {
	_, _, srv := newTestAPI(t)

	resp, err := http.Post(srv.URL+"/workers/register", "application/json", bytes.NewBufferString("{nope"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStoppedCoordinatorUnavailable(t *testing.T) {
	c, _, srv := newTestAPI(t)
	c.Stop()

	_, err := NewClient(srv.URL).State(context.Background())
	if apiErr, ok := err.(*APIError); assert.True(t, ok, "%T", err) {
		assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, srv := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestLimit(t *testing.T) {
	c := orchestrator.NewCoordinator("limited", nil)
	c.FixedTotalShardCount = 1
	c.MonitorInterval = time.Hour
	c.Start()
	defer c.Stop()

	api := NewRESTAPI(c, "127.0.0.1:0")
	api.RequestsPerSecond = 1
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	limited := false
	for i := 0; i < 5; i++ {
		resp, err := http.Get(srv.URL + "/cluster/state")
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}

	assert.True(t, limited)
}

func TestStartAndStop(t *testing.T) {
	c := orchestrator.NewCoordinator("listener", nil)
	c.FixedTotalShardCount = 1
	c.MonitorInterval = time.Hour
	c.Start()
	defer c.Stop()

	api := NewRESTAPI(c, "127.0.0.1:0")
	assert.Equal(t, "", api.Addr())
	require.NoError(t, api.Start())

	state, err := NewClient(api.Addr()).State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "listener", state.CoordinatorID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, api.Stop(ctx))
}

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCoordinator(total int, configure func(c *Coordinator)) (*Coordinator, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1600000000, 0)}

	c := NewCoordinator("test", nil)
	c.FixedTotalShardCount = total
	c.MonitorInterval = time.Hour
	c.SettleWindow = 0
	c.DisableLoadBalance = true
	c.clock = clock.now
	if configure != nil {
		configure(c)
	}

	c.Start()
	return c, clock
}

func register(t *testing.T, c *Coordinator, id string, total int, running ...int) *dshardorchestrator.RegisterResponse {
	resp, err := c.RegisterWorker(context.Background(), &dshardorchestrator.RegisterRequest{
		WorkerID:      id,
		Address:       id + ":7447",
		TotalShards:   total,
		RunningShards: running,
	})
	require.NoError(t, err)
	return resp
}

func heartbeat(t *testing.T, c *Coordinator, id string, running []int, released ...*dshardorchestrator.ShardInfo) *dshardorchestrator.HeartbeatResponse {
	resp, err := c.Heartbeat(id, &dshardorchestrator.HeartbeatRequest{
		RunningShards:    running,
		ReleasedSessions: released,
	})
	require.NoError(t, err)
	return resp
}

func tick(c *Coordinator) {
	c.do(c.tick)
}

func workerState(t *testing.T, c *Coordinator, id string) *dshardorchestrator.WorkerState {
	state, err := c.State()
	require.NoError(t, err)
	return state.FindWorker(id)
}

// twoWorkers sets up w1 running 0,1 and w2 running 2,3
func twoWorkers(t *testing.T, c *Coordinator) {
	register(t, c, "w1", 4, 0, 1)
	register(t, c, "w2", 4, 2, 3)
	heartbeat(t, c, "w1", []int{0, 1})
	heartbeat(t, c, "w2", []int{2, 3})
}

func TestFirstWorkerGetsEverything(t *testing.T) {
	c, _ := newTestCoordinator(4, nil)
	defer c.Stop()

	resp := register(t, c, "w1", 0)
	assert.Equal(t, []int{0, 1, 2, 3}, resp.ShardIDs)
	assert.Equal(t, 4, resp.TotalShards)
	assert.Equal(t, "test", resp.CoordinatorID)
	assert.True(t, resp.IsOriginal)

	ws := workerState(t, c, "w1")
	assert.Equal(t, dshardorchestrator.WorkerStatusRegistering, ws.Status)

	heartbeat(t, c, "w1", []int{0, 1, 2, 3})
	ws = workerState(t, c, "w1")
	assert.Equal(t, dshardorchestrator.WorkerStatusHealthy, ws.Status)
}

func TestSecondWorkerTakesOverAfterHandoff(t *testing.T) {
	c, _ := newTestCoordinator(4, nil)
	defer c.Stop()

	register(t, c, "w1", 0)
	heartbeat(t, c, "w1", []int{0, 1, 2, 3})

	// w1 still runs 2 and 3, w2 has to wait for them
	resp := register(t, c, "w2", 0)
	assert.Empty(t, resp.ShardIDs)

	state, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, state.FindWorker("w1").Assigned)
	assert.Equal(t, []int{2, 3}, state.FindWorker("w2").Assigned)

	hb := heartbeat(t, c, "w1", []int{0, 1, 2, 3})
	assert.Equal(t, []int{0, 1}, hb.ShardIDs)

	hb = heartbeat(t, c, "w2", nil)
	assert.Empty(t, hb.ShardIDs)

	heartbeat(t, c, "w1", []int{0, 1},
		&dshardorchestrator.ShardInfo{ShardID: 2, SessionID: "a", Sequence: 20},
		&dshardorchestrator.ShardInfo{ShardID: 3, SessionID: "b", Sequence: 30},
	)

	hb = heartbeat(t, c, "w2", nil)
	assert.Equal(t, []int{2, 3}, hb.ShardIDs)
	if assert.Len(t, hb.ResumeSessions, 2) {
		assert.Equal(t, "a", hb.ResumeSessions[0].SessionID)
		assert.Equal(t, int64(20), hb.ResumeSessions[0].Sequence)
		assert.Equal(t, "b", hb.ResumeSessions[1].SessionID)
	}

	// sessions are only handed out once
	hb = heartbeat(t, c, "w2", nil)
	assert.Equal(t, []int{2, 3}, hb.ShardIDs)
	assert.Empty(t, hb.ResumeSessions)
}

func TestRegisterBeforeFirstHeartbeat(t *testing.T) {
	c, _ := newTestCoordinator(4, nil)
	defer c.Stop()

	resp := register(t, c, "w1", 0)
	assert.Equal(t, []int{0, 1, 2, 3}, resp.ShardIDs)

	// w1 may already be connecting 2 and 3 even though it hasn't said so yet
	resp = register(t, c, "w2", 0)
	assert.Empty(t, resp.ShardIDs)
	assert.Equal(t, []int{2, 3}, workerState(t, c, "w2").Assigned)

	hb := heartbeat(t, c, "w2", nil)
	assert.Empty(t, hb.ShardIDs)

	hb = heartbeat(t, c, "w1", []int{0, 1, 2, 3})
	assert.Equal(t, []int{0, 1}, hb.ShardIDs)

	hb = heartbeat(t, c, "w2", nil)
	assert.Empty(t, hb.ShardIDs, "w1 still runs 2 and 3")

	heartbeat(t, c, "w1", []int{0, 1})
	hb = heartbeat(t, c, "w2", nil)
	assert.Equal(t, []int{2, 3}, hb.ShardIDs)
}

func TestEchoedShardsAreNeverDoubleAssigned(t *testing.T) {
	c, _ := newTestCoordinator(6, nil)
	defer c.Stop()

	echoed := map[string][]int{}
	echoed["w1"] = register(t, c, "w1", 0).ShardIDs
	echoed["w2"] = register(t, c, "w2", 0).ShardIDs
	echoed["w3"] = register(t, c, "w3", 0).ShardIDs

	seen := make(map[int]string)
	for id, shards := range echoed {
		for _, s := range shards {
			owner, dup := seen[s]
			assert.False(t, dup, "shard %d echoed to both %s and %s", s, owner, id)
			seen[s] = id
		}
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	c, _ := newTestCoordinator(4, nil)
	defer c.Stop()

	first := register(t, c, "w1", 0)
	second := register(t, c, "w1", 0)
	assert.Equal(t, first.ShardIDs, second.ShardIDs)

	state, err := c.State()
	require.NoError(t, err)
	assert.Len(t, state.Workers, 1)
}

func TestRegisterWithoutID(t *testing.T) {
	c, _ := newTestCoordinator(4, nil)
	defer c.Stop()

	_, err := c.RegisterWorker(context.Background(), &dshardorchestrator.RegisterRequest{})
	assert.Error(t, err)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	c, _ := newTestCoordinator(4, nil)
	defer c.Stop()

	_, err := c.Heartbeat("nope", &dshardorchestrator.HeartbeatRequest{})
	assert.Equal(t, dshardorchestrator.ErrUnknownWorker, errors.Cause(err))
}

func TestQuietWorkerIsRemoved(t *testing.T) {
	c, clock := newTestCoordinator(4, nil)
	defer c.Stop()

	twoWorkers(t, c)

	// w2 goes quiet, w1 keeps beating
	for i := 0; i < 2; i++ {
		clock.advance(time.Second * 4)
		heartbeat(t, c, "w1", []int{0, 1})
		tick(c)
	}

	state, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, dshardorchestrator.WorkerStatusUnhealthy, state.FindWorker("w2").Status)
	assert.Equal(t, []int{2, 3}, state.FindWorker("w2").Assigned, "unhealthy workers keep their shards")
	if assert.Len(t, state.SuccessionOrder, 1) {
		assert.Equal(t, "w1", state.SuccessionOrder[0].WorkerID)
	}

	for i := 0; i < 2; i++ {
		clock.advance(time.Second * 4)
		heartbeat(t, c, "w1", []int{0, 1})
		tick(c)
	}

	state, err = c.State()
	require.NoError(t, err)
	assert.Nil(t, state.FindWorker("w2"))
	assert.Equal(t, []int{0, 1, 2, 3}, state.FindWorker("w1").Assigned)
	assert.Empty(t, state.Unassigned)

	hb := heartbeat(t, c, "w1", []int{0, 1})
	assert.Equal(t, []int{0, 1, 2, 3}, hb.ShardIDs)

	_, err = c.Heartbeat("w2", &dshardorchestrator.HeartbeatRequest{RunningShards: []int{2, 3}})
	assert.Equal(t, dshardorchestrator.ErrUnknownWorker, errors.Cause(err))
}

func TestUnhealthyWorkerRecovers(t *testing.T) {
	c, clock := newTestCoordinator(4, nil)
	defer c.Stop()

	twoWorkers(t, c)

	clock.advance(time.Second * 8)
	heartbeat(t, c, "w1", []int{0, 1})
	tick(c)
	assert.Equal(t, dshardorchestrator.WorkerStatusUnhealthy, workerState(t, c, "w2").Status)

	hb := heartbeat(t, c, "w2", []int{2, 3})
	assert.Equal(t, []int{2, 3}, hb.ShardIDs)
	assert.Equal(t, dshardorchestrator.WorkerStatusHealthy, workerState(t, c, "w2").Status)
}

func TestSettleWindowAdoptsRunningShards(t *testing.T) {
	c, clock := newTestCoordinator(4, func(c *Coordinator) {
		c.SettleWindow = time.Second * 10
	})
	defer c.Stop()

	resp := register(t, c, "w1", 4, 0, 1)
	assert.Equal(t, []int{0, 1}, resp.ShardIDs)

	resp = register(t, c, "w2", 4, 3)
	assert.Equal(t, []int{3}, resp.ShardIDs)

	tick(c)
	state, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, []int{2}, state.Unassigned, "nothing is handed out while settling")

	clock.advance(time.Second * 11)
	heartbeat(t, c, "w1", []int{0, 1})
	heartbeat(t, c, "w2", []int{3})
	tick(c)

	state, err = c.State()
	require.NoError(t, err)
	assert.Empty(t, state.Unassigned)
	assert.Equal(t, []int{0, 1}, state.FindWorker("w1").Assigned)
	assert.Equal(t, []int{2, 3}, state.FindWorker("w2").Assigned)
}

func TestSettleWindowBalancesLateJoiner(t *testing.T) {
	c, clock := newTestCoordinator(4, func(c *Coordinator) {
		c.SettleWindow = time.Second * 10
	})
	defer c.Stop()

	register(t, c, "w1", 4, 0, 1, 2, 3)
	resp := register(t, c, "w2", 0)
	assert.Empty(t, resp.ShardIDs)

	clock.advance(time.Second * 11)
	heartbeat(t, c, "w1", []int{0, 1, 2, 3})
	heartbeat(t, c, "w2", nil)
	tick(c)

	state, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, state.FindWorker("w1").Assigned)
	assert.Equal(t, []int{2, 3}, state.FindWorker("w2").Assigned)
}

func TestTotalFromWorkerReport(t *testing.T) {
	c, _ := newTestCoordinator(0, nil)
	defer c.Stop()

	resp := register(t, c, "w1", 8, 0, 1, 2, 3)
	assert.Equal(t, 8, resp.TotalShards)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, resp.ShardIDs)
}

func TestTotalFromProvider(t *testing.T) {
	c, _ := newTestCoordinator(0, func(c *Coordinator) {
		c.ShardCountProvider = FixedShardCountProvider(3)
	})
	defer c.Stop()

	resp := register(t, c, "w1", 0)
	assert.Equal(t, 3, resp.TotalShards)
	assert.Equal(t, []int{0, 1, 2}, resp.ShardIDs)
}

func TestTotalUnknown(t *testing.T) {
	c, _ := newTestCoordinator(0, nil)
	defer c.Stop()

	_, err := c.RegisterWorker(context.Background(), &dshardorchestrator.RegisterRequest{WorkerID: "w1"})
	assert.Equal(t, dshardorchestrator.ErrTotalShardsUnknown, errors.Cause(err))
}

func TestCapacityIsRespected(t *testing.T) {
	c, _ := newTestCoordinator(4, nil)
	defer c.Stop()

	_, err := c.RegisterWorker(context.Background(), &dshardorchestrator.RegisterRequest{WorkerID: "small", Capacity: 1})
	require.NoError(t, err)
	register(t, c, "big", 0)

	state, err := c.State()
	require.NoError(t, err)
	assert.Len(t, state.FindWorker("small").Assigned, 1)
	assert.Len(t, state.FindWorker("big").Assigned, 3)
	assert.Empty(t, state.Unassigned)
}

func TestCapacityLeavesShardsUnassigned(t *testing.T) {
	c, _ := newTestCoordinator(4, nil)
	defer c.Stop()

	_, err := c.RegisterWorker(context.Background(), &dshardorchestrator.RegisterRequest{WorkerID: "small", Capacity: 3})
	require.NoError(t, err)

	state, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, state.FindWorker("small").Assigned)
	assert.Equal(t, []int{3}, state.Unassigned)
}

func TestSuccessionOrder(t *testing.T) {
	c, _ := newTestCoordinator(4, nil)
	defer c.Stop()

	register(t, c, "w1", 0)
	_, err := c.RegisterWorker(context.Background(), &dshardorchestrator.RegisterRequest{WorkerID: "noaddr"})
	require.NoError(t, err)
	resp := register(t, c, "w3", 0)

	if assert.Len(t, resp.SuccessionOrder, 2) {
		assert.Equal(t, "w1", resp.SuccessionOrder[0].WorkerID)
		assert.Equal(t, "w1:7447", resp.SuccessionOrder[0].Address)
		assert.Equal(t, "w3", resp.SuccessionOrder[1].WorkerID)
	}
}

func TestMigrateShard(t *testing.T) {
	c, _ := newTestCoordinator(4, nil)
	defer c.Stop()

	twoWorkers(t, c)

	require.NoError(t, c.MigrateShard(1, "w2"))
	assert.Equal(t, "w2", mustState(t, c).ShardOwner(1))

	// w2 waits until w1 let go
	hb := heartbeat(t, c, "w2", []int{2, 3})
	assert.Equal(t, []int{2, 3}, hb.ShardIDs)

	hb = heartbeat(t, c, "w1", []int{0, 1})
	assert.Equal(t, []int{0}, hb.ShardIDs)

	heartbeat(t, c, "w1", []int{0}, &dshardorchestrator.ShardInfo{ShardID: 1, SessionID: "moved", Sequence: 5})

	hb = heartbeat(t, c, "w2", []int{2, 3})
	assert.Equal(t, []int{1, 2, 3}, hb.ShardIDs)
	if assert.Len(t, hb.ResumeSessions, 1) {
		assert.Equal(t, "moved", hb.ResumeSessions[0].SessionID)
	}
}

func TestMigrateShardErrors(t *testing.T) {
	c, clock := newTestCoordinator(4, nil)
	defer c.Stop()

	twoWorkers(t, c)

	assert.Equal(t, dshardorchestrator.ErrUnknownShard, c.MigrateShard(4, "w2"))
	assert.Equal(t, dshardorchestrator.ErrUnknownShard, c.MigrateShard(-1, "w2"))
	assert.Equal(t, dshardorchestrator.ErrUnknownWorker, c.MigrateShard(0, "nope"))
	assert.NoError(t, c.MigrateShard(0, "w1"), "migrating to the current owner is a no-op")

	clock.advance(time.Second * 8)
	heartbeat(t, c, "w1", []int{0, 1})
	tick(c)
	assert.Equal(t, dshardorchestrator.ErrWorkerNotAssignable, c.MigrateShard(0, "w2"))
}

func TestResize(t *testing.T) {
	c, _ := newTestCoordinator(4, nil)
	defer c.Stop()

	twoWorkers(t, c)

	assert.Equal(t, dshardorchestrator.ErrInvalidShardCount, c.Resize(0))
	require.NoError(t, c.Resize(6))

	state := mustState(t, c)
	assert.Equal(t, 6, state.TotalShards)
	assert.Equal(t, []int{0, 1, 2}, state.FindWorker("w1").Assigned)
	assert.Equal(t, []int{3, 4, 5}, state.FindWorker("w2").Assigned)

	hb := heartbeat(t, c, "w2", []int{2, 3})
	assert.Equal(t, 6, hb.TotalShards)
	assert.Equal(t, []int{3, 4, 5}, hb.ShardIDs)

	hb = heartbeat(t, c, "w1", []int{0, 1})
	assert.Equal(t, []int{0, 1}, hb.ShardIDs, "2 is still reported by w2")

	heartbeat(t, c, "w2", []int{3, 4, 5})
	hb = heartbeat(t, c, "w1", []int{0, 1})
	assert.Equal(t, []int{0, 1, 2}, hb.ShardIDs)
}

func TestDeregister(t *testing.T) {
	c, _ := newTestCoordinator(4, nil)
	defer c.Stop()

	twoWorkers(t, c)

	assert.Equal(t, dshardorchestrator.ErrUnknownWorker, c.Deregister("nope"))
	require.NoError(t, c.Deregister("w2"))

	state := mustState(t, c)
	assert.Nil(t, state.FindWorker("w2"))
	assert.Equal(t, []int{0, 1, 2, 3}, state.FindWorker("w1").Assigned)
}

func TestLoadBalanceMovesSlowShard(t *testing.T) {
	c, _ := newTestCoordinator(4, func(c *Coordinator) {
		c.DisableLoadBalance = false
	})
	defer c.Stop()

	twoWorkers(t, c)

	_, err := c.Heartbeat("w1", &dshardorchestrator.HeartbeatRequest{
		CPUUsage:       20,
		RunningShards:  []int{0, 1},
		ShardLatencies: map[int]int64{0: 3000, 1: 100},
	})
	require.NoError(t, err)

	tick(c)

	state := mustState(t, c)
	assert.Equal(t, []int{1}, state.FindWorker("w1").Assigned)
	assert.Equal(t, []int{0, 2, 3}, state.FindWorker("w2").Assigned)

	// cooldown
	_, err = c.Heartbeat("w2", &dshardorchestrator.HeartbeatRequest{
		CPUUsage:      99,
		RunningShards: []int{2, 3},
	})
	require.NoError(t, err)
	tick(c)

	state = mustState(t, c)
	assert.Equal(t, []int{0, 2, 3}, state.FindWorker("w2").Assigned)
}

func TestLoadBalanceCPU(t *testing.T) {
	c, _ := newTestCoordinator(4, func(c *Coordinator) {
		c.DisableLoadBalance = false
	})
	defer c.Stop()

	twoWorkers(t, c)

	_, err := c.Heartbeat("w2", &dshardorchestrator.HeartbeatRequest{CPUUsage: 95, RunningShards: []int{2, 3}})
	require.NoError(t, err)
	tick(c)

	state := mustState(t, c)
	assert.Equal(t, []int{0, 1, 3}, state.FindWorker("w1").Assigned)
	assert.Equal(t, []int{2}, state.FindWorker("w2").Assigned)
}

func TestStoppedCoordinator(t *testing.T) {
	c, _ := newTestCoordinator(4, nil)
	c.Stop()
	c.Stop()

	_, err := c.State()
	assert.Equal(t, dshardorchestrator.ErrCoordinatorStopped, err)

	_, err = c.RegisterWorker(context.Background(), &dshardorchestrator.RegisterRequest{WorkerID: "w1"})
	assert.Equal(t, dshardorchestrator.ErrCoordinatorStopped, errors.Cause(err))
}

func mustState(t *testing.T, c *Coordinator) *dshardorchestrator.ClusterState {
	state, err := c.State()
	require.NoError(t, err)
	return state
}

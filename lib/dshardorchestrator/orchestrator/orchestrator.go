package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ShardCountProvider will only be called when a fresh new shard count is needed,
// that is when the first worker registers without reporting any running shards
type ShardCountProvider interface {
	GetTotalShardCount(ctx context.Context) (int, error)
}

// Coordinator assigns shards to workers and keeps track of their health. All state is owned by a single
// goroutine that runs queued operations one at a time, readers get snapshot copies.
type Coordinator struct {
	// these fields are only safe to edit before you start the coordinator
	// if you decide to change anything afterwards, it may panic or cause undefined behaviour

	CoordinatorID      string
	ShardCountProvider ShardCountProvider

	// Set on the statically configured coordinator, unset on a worker that promoted itself
	IsOriginal bool

	// If above 0 the provider is never asked
	FixedTotalShardCount int

	// How often workers are expected to heartbeat, the health thresholds are derived from it
	HeartbeatInterval time.Duration
	// Unhealthy after this long without a heartbeat
	UnhealthyAfter time.Duration
	// Removed and shards redistributed after this long without a heartbeat
	RemoveAfter time.Duration

	// How often the monitor runs
	MonitorInterval time.Duration

	// Unassigned shards aren't handed out until this long after starting, so that workers still running
	// shards from before have a chance to report them
	SettleWindow time.Duration

	// A worker above this cpu percentage, or with a shard above the latency threshold, gets a shard moved away
	CPUThreshold       float64
	LatencyThreshold   time.Duration
	MigrationCooldown  time.Duration
	DisableLoadBalance bool

	clock func() time.Time

	ops      chan func()
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once

	// everything below is only touched from the run goroutine
	totalShards    int
	workers        map[string]*workerRecord
	regCounter     int64
	pendingResumes map[int]*dshardorchestrator.ShardInfo
	settleUntil    time.Time
	lastMigration  time.Time

	// set when a rebalance was skipped during the settle window
	rebalancePending bool
}

type workerRecord struct {
	ID       string
	Address  string
	Capacity int
	Status   dshardorchestrator.WorkerStatus

	assigned map[int]bool
	running  []int

	// shards handed to the worker since its last heartbeat, counted as running until it reports otherwise
	echoed map[int]bool

	regSeq          int64
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time

	CPUUsage       float64
	LatencyMs      int64
	GuildCount     int
	ShardLatencies map[int]int64
}

func (w *workerRecord) assignedSorted() []int {
	result := make([]int, 0, len(w.assigned))
	for s := range w.assigned {
		result = append(result, s)
	}
	sort.Ints(result)
	return result
}

// accepting returns true if the worker may get new shards
func (w *workerRecord) accepting() bool {
	return w.Status == dshardorchestrator.WorkerStatusRegistering || w.Status == dshardorchestrator.WorkerStatusHealthy
}

func (w *workerRecord) hasRoom() bool {
	return w.Capacity < 1 || len(w.assigned) < w.Capacity
}

// NewCoordinator returns a coordinator with the default settings, call Start to start processing
func NewCoordinator(id string, provider ShardCountProvider) *Coordinator {
	interval := time.Second * 5
	return &Coordinator{
		CoordinatorID:      id,
		ShardCountProvider: provider,
		IsOriginal:         true,
		HeartbeatInterval:  interval,
		UnhealthyAfter:     interval + interval/2,
		RemoveAfter:        interval * 3,
		MonitorInterval:    time.Second,
		SettleWindow:       interval,
		CPUThreshold:       90,
		LatencyThreshold:   time.Second * 2,
		MigrationCooldown:  time.Minute,
	}
}

func (c *Coordinator) log() *logrus.Entry {
	return logrus.WithField("coordinator", c.CoordinatorID)
}

func (c *Coordinator) now() time.Time {
	if c.clock != nil {
		return c.clock()
	}

	return time.Now()
}

// Start will start processing registrations and the health monitor
func (c *Coordinator) Start() {
	c.ops = make(chan func())
	c.stopChan = make(chan struct{})
	c.doneChan = make(chan struct{})
	c.workers = make(map[string]*workerRecord)
	c.pendingResumes = make(map[int]*dshardorchestrator.ShardInfo)
	c.totalShards = c.FixedTotalShardCount
	c.settleUntil = c.now().Add(c.SettleWindow)

	c.log().WithField("original", c.IsOriginal).Info("starting coordinator")
	go c.run()
}

// Stop will stop the coordinator and the monitor, pending and future calls return ErrCoordinatorStopped
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		<-c.doneChan
	})
}

func (c *Coordinator) run() {
	defer close(c.doneChan)

	ticker := time.NewTicker(c.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case op := <-c.ops:
			op()
		case <-ticker.C:
			c.tick()
		case <-c.stopChan:
			return
		}
	}
}

// do runs fn on the state goroutine and waits for it to finish
func (c *Coordinator) do(fn func()) error {
	done := make(chan struct{})
	select {
	case c.ops <- func() { fn(); close(done) }:
	case <-c.stopChan:
		return dshardorchestrator.ErrCoordinatorStopped
	}

	<-done
	return nil
}

// RegisterWorker registers a new worker and returns its assignment, registering an already registered worker
// changes nothing and returns its current assignment
func (c *Coordinator) RegisterWorker(ctx context.Context, req *dshardorchestrator.RegisterRequest) (*dshardorchestrator.RegisterResponse, error) {
	if req.WorkerID == "" {
		return nil, errors.New("no worker id provided")
	}

	// fetching the count can take a while, don't hold up everyone else during it
	fetchedTotal, err := c.fetchTotalIfNeeded(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp *dshardorchestrator.RegisterResponse
	err = c.do(func() {
		resp = c.registerWorker(req, fetchedTotal)
	})

	return resp, err
}

func (c *Coordinator) fetchTotalIfNeeded(ctx context.Context, req *dshardorchestrator.RegisterRequest) (int, error) {
	var known int
	if err := c.do(func() { known = c.totalShards }); err != nil {
		return 0, err
	}

	if known > 0 || (req.TotalShards > 0 && len(req.RunningShards) > 0) {
		return 0, nil
	}

	if c.ShardCountProvider == nil {
		if req.TotalShards > 0 {
			return req.TotalShards, nil
		}
		return 0, dshardorchestrator.ErrTotalShardsUnknown
	}

	total, err := c.ShardCountProvider.GetTotalShardCount(ctx)
	if err != nil {
		return 0, errors.WithMessage(err, "GetTotalShardCount")
	}

	if total < 1 {
		return 0, dshardorchestrator.ErrInvalidShardCount
	}

	return total, nil
}

func (c *Coordinator) registerWorker(req *dshardorchestrator.RegisterRequest, fetchedTotal int) *dshardorchestrator.RegisterResponse {
	now := c.now()

	if existing, ok := c.workers[req.WorkerID]; ok {
		c.log().WithField("worker", req.WorkerID).Debug("worker registered again, nothing to do")
		return c.registerResponse(existing)
	}

	if c.totalShards < 1 {
		if req.TotalShards > 0 && len(req.RunningShards) > 0 {
			// carry on with whatever the cluster was running before
			c.totalShards = req.TotalShards
		} else {
			c.totalShards = fetchedTotal
		}
		c.log().Infof("set total shard count to %d", c.totalShards)
	}

	c.regCounter++
	w := &workerRecord{
		ID:              req.WorkerID,
		Address:         req.Address,
		Capacity:        req.Capacity,
		Status:          dshardorchestrator.WorkerStatusRegistering,
		assigned:        make(map[int]bool),
		echoed:          make(map[int]bool),
		regSeq:          c.regCounter,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}

	if req.TotalShards == c.totalShards {
		w.running = dshardorchestrator.SortedInts(req.RunningShards)
		c.adoptRunning(w)
	} else if len(req.RunningShards) > 0 {
		c.log().WithField("worker", w.ID).Warnf("worker is running shards with a total of %d, we're at %d, it will restart them", req.TotalShards, c.totalShards)
	}

	c.workers[w.ID] = w
	c.log().WithField("worker", w.ID).Infof("registered worker, capacity: %d, running: %v", w.Capacity, w.running)

	c.rebalance(now)
	c.updateMetrics()

	return c.registerResponse(w)
}

// adoptRunning assigns the shards a worker reports running to it, if nobody else has them
func (c *Coordinator) adoptRunning(w *workerRecord) {
	for _, s := range w.running {
		if s < 0 || s >= c.totalShards {
			continue
		}

		if c.ownerOf(s) == nil {
			w.assigned[s] = true
		}
	}
}

func (c *Coordinator) registerResponse(w *workerRecord) *dshardorchestrator.RegisterResponse {
	shards, resumes := c.echo(w)
	return &dshardorchestrator.RegisterResponse{
		ShardIDs:        shards,
		TotalShards:     c.totalShards,
		SuccessionOrder: c.successionOrder(),
		CoordinatorID:   c.CoordinatorID,
		IsOriginal:      c.IsOriginal,
		ResumeSessions:  resumes,
	}
}

// Heartbeat records a workers metrics and returns the shards it should be running
func (c *Coordinator) Heartbeat(workerID string, req *dshardorchestrator.HeartbeatRequest) (*dshardorchestrator.HeartbeatResponse, error) {
	var resp *dshardorchestrator.HeartbeatResponse
	var hbErr error
	err := c.do(func() {
		resp, hbErr = c.heartbeat(workerID, req)
	})
	if err != nil {
		return nil, err
	}

	return resp, hbErr
}

func (c *Coordinator) heartbeat(workerID string, req *dshardorchestrator.HeartbeatRequest) (*dshardorchestrator.HeartbeatResponse, error) {
	w, ok := c.workers[workerID]
	if !ok {
		return nil, dshardorchestrator.ErrUnknownWorker
	}

	now := c.now()
	w.LastHeartbeatAt = now
	w.CPUUsage = req.CPUUsage
	w.LatencyMs = req.LatencyMs
	w.GuildCount = req.GuildCount
	w.ShardLatencies = req.ShardLatencies
	w.running = dshardorchestrator.SortedInts(req.RunningShards)
	w.echoed = make(map[int]bool)

	if w.Status != dshardorchestrator.WorkerStatusHealthy {
		c.log().WithField("worker", w.ID).Infof("worker is now healthy (was %s)", w.Status)
		w.Status = dshardorchestrator.WorkerStatusHealthy
	}

	for _, info := range req.ReleasedSessions {
		if info == nil || info.SessionID == "" || w.assigned[info.ShardID] {
			continue
		}

		c.pendingResumes[info.ShardID] = info
	}

	c.adoptRunning(w)

	shards, resumes := c.echo(w)
	c.updateMetrics()

	return &dshardorchestrator.HeartbeatResponse{
		ShardIDs:        shards,
		TotalShards:     c.totalShards,
		SuccessionOrder: c.successionOrder(),
		ResumeSessions:  resumes,
	}, nil
}

// echo returns the shards the worker may run right now: its assignment minus the shards another worker
// still reports running or was handed since its last heartbeat, those are held back until it let go of them. Handed off sessions for them are
// passed along once.
func (c *Coordinator) echo(w *workerRecord) ([]int, []*dshardorchestrator.ShardInfo) {
	result := make([]int, 0, len(w.assigned))
	var resumes []*dshardorchestrator.ShardInfo

	for _, s := range w.assignedSorted() {
		if c.runningElsewhere(w, s) {
			continue
		}

		result = append(result, s)
		w.echoed[s] = true

		if dshardorchestrator.ContainsInt(w.running, s) {
			// already running it, any handed off session is stale by now
			delete(c.pendingResumes, s)
			continue
		}

		if info, ok := c.pendingResumes[s]; ok {
			resumes = append(resumes, info)
			delete(c.pendingResumes, s)
		}
	}

	return result, resumes
}

func (c *Coordinator) runningElsewhere(w *workerRecord, shard int) bool {
	for _, other := range c.workers {
		if other == w || other.Status == dshardorchestrator.WorkerStatusRemoved {
			continue
		}

		if other.echoed[shard] || dshardorchestrator.ContainsInt(other.running, shard) {
			return true
		}
	}

	return false
}

func (c *Coordinator) ownerOf(shard int) *workerRecord {
	for _, w := range c.workers {
		if w.assigned[shard] {
			return w
		}
	}

	return nil
}

func (c *Coordinator) unassigned() []int {
	if c.totalShards < 1 {
		return nil
	}

	taken := make([]bool, c.totalShards)
	for _, w := range c.workers {
		for s := range w.assigned {
			if s < c.totalShards {
				taken[s] = true
			}
		}
	}

	result := make([]int, 0)
	for s, t := range taken {
		if !t {
			result = append(result, s)
		}
	}

	return result
}

// workersByRegistration returns the workers sorted by the order they registered in
func (c *Coordinator) workersByRegistration() []*workerRecord {
	result := make([]*workerRecord, 0, len(c.workers))
	for _, w := range c.workers {
		result = append(result, w)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].regSeq < result[j].regSeq
	})

	return result
}

// successionOrder lists the workers that can take over if we go away, oldest first
func (c *Coordinator) successionOrder() []*dshardorchestrator.SuccessionCandidate {
	result := make([]*dshardorchestrator.SuccessionCandidate, 0)
	for _, w := range c.workersByRegistration() {
		if w.Address == "" || !w.accepting() {
			continue
		}

		result = append(result, &dshardorchestrator.SuccessionCandidate{
			WorkerID: w.ID,
			Address:  w.Address,
		})
	}

	return result
}

// rebalance spreads the shards as evenly as possible over the workers that can take them, moving as few
// shards as possible. Shards of unhealthy workers stay where they are.
func (c *Coordinator) rebalance(now time.Time) {
	if c.totalShards < 1 {
		return
	}

	if now.Before(c.settleUntil) {
		c.rebalancePending = true
		return
	}
	c.rebalancePending = false

	var eligible []*workerRecord
	distributable := c.totalShards
	for _, w := range c.workersByRegistration() {
		if w.accepting() {
			eligible = append(eligible, w)
		} else {
			distributable -= len(w.assigned)
		}
	}

	if len(eligible) < 1 {
		return
	}

	targets := make(map[*workerRecord]int, len(eligible))
	base := distributable / len(eligible)
	extra := distributable % len(eligible)
	for i, w := range eligible {
		target := base
		if i < extra {
			target++
		}

		if w.Capacity > 0 && target > w.Capacity {
			target = w.Capacity
		}
		targets[w] = target
	}

	// give up the highest shards above the target
	for _, w := range eligible {
		shards := w.assignedSorted()
		for i := len(shards) - 1; i >= targets[w] && i >= 0; i-- {
			delete(w.assigned, shards[i])
		}
	}

	pool := c.unassigned()
	for _, w := range eligible {
		for len(w.assigned) < targets[w] && len(pool) > 0 {
			w.assigned[pool[0]] = true
			pool = pool[1:]
		}
	}

	// someone hit their capacity, hand the rest out one by one to whoever has room
	for len(pool) > 0 {
		gave := false
		for _, w := range eligible {
			if len(pool) < 1 {
				break
			}

			if w.Capacity > 0 && len(w.assigned) >= w.Capacity {
				continue
			}

			w.assigned[pool[0]] = true
			pool = pool[1:]
			gave = true
		}

		if !gave {
			c.log().Warnf("not enough worker capacity, %d shards left unassigned", len(pool))
			break
		}
	}
}

// MigrateShard moves a shard to another worker, the old owner stops it before the new one starts it
func (c *Coordinator) MigrateShard(shard int, toWorker string) error {
	var opErr error
	err := c.do(func() {
		opErr = c.migrateShard(shard, toWorker, "manual")
	})
	if err != nil {
		return err
	}

	return opErr
}

func (c *Coordinator) migrateShard(shard int, toWorker string, reason string) error {
	if c.totalShards < 1 {
		return dshardorchestrator.ErrTotalShardsUnknown
	}

	if shard < 0 || shard >= c.totalShards {
		return dshardorchestrator.ErrUnknownShard
	}

	to, ok := c.workers[toWorker]
	if !ok {
		return dshardorchestrator.ErrUnknownWorker
	}

	if !to.accepting() {
		return dshardorchestrator.ErrWorkerNotAssignable
	}

	from := c.ownerOf(shard)
	if from == to {
		return nil
	}

	fromID := ""
	if from != nil {
		delete(from.assigned, shard)
		fromID = from.ID
	}
	to.assigned[shard] = true

	c.lastMigration = c.now()
	metricsMigrations.With(map[string]string{"reason": reason}).Inc()
	c.log().Infof("migrating shard %d from %q to %q (%s)", shard, fromID, to.ID, reason)
	c.updateMetrics()
	return nil
}

// Resize changes the total shard count, every shard gets reassigned and restarted
func (c *Coordinator) Resize(totalShards int) error {
	if totalShards < 1 {
		return dshardorchestrator.ErrInvalidShardCount
	}

	return c.do(func() {
		c.log().Infof("resizing from %d to %d shards", c.totalShards, totalShards)
		c.totalShards = totalShards
		c.pendingResumes = make(map[int]*dshardorchestrator.ShardInfo)
		for _, w := range c.workers {
			w.assigned = make(map[int]bool)
		}

		c.rebalance(c.now())
		c.updateMetrics()
	})
}

// Deregister removes a worker right away, its shards get redistributed
func (c *Coordinator) Deregister(workerID string) error {
	var opErr error
	err := c.do(func() {
		w, ok := c.workers[workerID]
		if !ok {
			opErr = dshardorchestrator.ErrUnknownWorker
			return
		}

		c.removeWorker(w, "deregistered")
		c.rebalance(c.now())
		c.updateMetrics()
	})
	if err != nil {
		return err
	}

	return opErr
}

func (c *Coordinator) removeWorker(w *workerRecord, reason string) {
	c.log().WithField("worker", w.ID).Warnf("removing worker (%s), its shards %v are up for grabs", reason, w.assignedSorted())
	w.Status = dshardorchestrator.WorkerStatusRemoved
	delete(c.workers, w.ID)
	metricsWorkersRemoved.Inc()
}

// State returns a snapshot of the cluster
func (c *Coordinator) State() (*dshardorchestrator.ClusterState, error) {
	var state *dshardorchestrator.ClusterState
	err := c.do(func() {
		state = c.snapshot()
	})

	return state, err
}

func (c *Coordinator) snapshot() *dshardorchestrator.ClusterState {
	state := &dshardorchestrator.ClusterState{
		CoordinatorID:   c.CoordinatorID,
		IsOriginal:      c.IsOriginal,
		TotalShards:     c.totalShards,
		Unassigned:      c.unassigned(),
		SuccessionOrder: c.successionOrder(),
	}

	for _, w := range c.workersByRegistration() {
		latencies := make(map[int]int64, len(w.ShardLatencies))
		for k, v := range w.ShardLatencies {
			latencies[k] = v
		}

		state.Workers = append(state.Workers, &dshardorchestrator.WorkerState{
			WorkerID:        w.ID,
			Address:         w.Address,
			Capacity:        w.Capacity,
			Status:          w.Status,
			Assigned:        w.assignedSorted(),
			Running:         dshardorchestrator.SortedInts(w.running),
			RegisteredAt:    w.RegisteredAt,
			LastHeartbeatAt: w.LastHeartbeatAt,
			CPUUsage:        w.CPUUsage,
			LatencyMs:       w.LatencyMs,
			GuildCount:      w.GuildCount,
			ShardLatencies:  latencies,
		})
	}

	return state
}

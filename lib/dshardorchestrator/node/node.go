package node

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/botlabs-gg/shardkit/lib/discordgo"
	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator"
	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator/orchestrator"
	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator/orchestrator/rest"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/cpu"
	"github.com/sirupsen/logrus"
)

// ShardRunner runs the shards a worker is assigned, dshardmanager.Manager implements it
type ShardRunner interface {
	Reassign(ctx context.Context, shardIDs []int, totalShards int, resumes map[int]discordgo.SessionInfo) error
	RunningShards() []int
	TakeReleasedSessions() map[int]discordgo.SessionInfo
	Latencies() map[int]time.Duration
	GuildCount() int
	GetNumShards() int
}

// Worker keeps a ShardRunner in line with what the coordinator wants it to run. If the coordinator goes away
// it follows the succession order, promoting itself when it's next in line, and goes back to the
// original coordinator when that one returns.
type Worker struct {
	ID       string
	Capacity int

	// Coordinator api address of the statically configured coordinator
	CoordinatorAddress string

	// Address other workers reach our coordinator api on if we get promoted, empty means we never promote
	Address string
	// Where the promoted api listens, defaults to Address
	ListenAddr string

	HeartbeatInterval time.Duration
	// Failed heartbeats in a row before looking for another coordinator
	MaxFailures int

	Runner ShardRunner

	// Used by a promoted coordinator if a worker registers without a shard count
	ShardCountProvider orchestrator.ShardCountProvider
	// Called on the coordinator before it's started on promotion
	ConfigureCoordinator func(c *orchestrator.Coordinator)

	// Defaults to the system wide cpu usage from gopsutil
	CPUUsage func() float64

	mu sync.Mutex

	original   *rest.Client
	current    *rest.Client
	registered bool
	failures   int
	succession []*dshardorchestrator.SuccessionCandidate

	assigned    []int
	totalShards int

	// released sessions not yet delivered to a coordinator
	pendingReleased map[int]*dshardorchestrator.ShardInfo

	promoted    *orchestrator.Coordinator
	promotedAPI *rest.RESTAPI
}

// NewWorker returns a worker with the default settings and a random id
func NewWorker(coordinatorAddr string, runner ShardRunner) *Worker {
	return &Worker{
		ID:                 uuid.New().String(),
		CoordinatorAddress: coordinatorAddr,
		HeartbeatInterval:  time.Second * 5,
		MaxFailures:        3,
		Runner:             runner,
		CPUUsage:           StdCPUUsage,
	}
}

// StdCPUUsage returns the cpu usage percentage of the whole system since the last call
func StdCPUUsage() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) < 1 {
		return 0
	}

	return percents[0]
}

func (w *Worker) log() *logrus.Entry {
	return logrus.WithField("worker", w.ID)
}

// Run registers with the coordinator and heartbeats until ctx is cancelled, it then deregisters and stops a
// promoted coordinator. The shards are left running.
func (w *Worker) Run(ctx context.Context) error {
	if w.Runner == nil {
		return errors.New("no shard runner set")
	}

	if w.ID == "" {
		w.ID = uuid.New().String()
	}

	if w.HeartbeatInterval <= 0 {
		w.HeartbeatInterval = time.Second * 5
	}

	if w.MaxFailures < 1 {
		w.MaxFailures = 3
	}

	w.mu.Lock()
	w.original = rest.NewClient(w.CoordinatorAddress)
	w.current = w.original
	w.pendingReleased = make(map[int]*dshardorchestrator.ShardInfo)
	w.mu.Unlock()

	w.registerRetry(ctx)

	ticker := time.NewTicker(w.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// registerRetry keeps trying to register with the original coordinator until it works or ctx is done
func (w *Worker) registerRetry(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.HeartbeatInterval / 5
	bo.MaxInterval = w.HeartbeatInterval * 2
	bo.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		return w.register(ctx, w.currentClient())
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		w.log().WithError(err).Warnf("failed registering with coordinator, retrying in %s", next)
	})

	if err != nil {
		w.log().WithError(err).Info("stopped trying to register")
	}
}

func (w *Worker) tick(ctx context.Context) {
	if !w.onOriginal() {
		w.probeOriginal(ctx)
	}

	client := w.currentClient()

	w.mu.Lock()
	registered := w.registered
	w.mu.Unlock()

	var err error
	if registered {
		err = w.heartbeat(ctx, client)
		if errors.Cause(err) == dshardorchestrator.ErrUnknownWorker {
			w.log().Info("coordinator doesn't know us, registering again")
			err = w.register(ctx, client)
		}
	} else {
		err = w.register(ctx, client)
	}

	w.mu.Lock()
	if err == nil {
		w.failures = 0
		w.mu.Unlock()
		return
	}

	w.failures++
	failures := w.failures
	w.mu.Unlock()

	w.log().WithError(err).Warnf("failed reaching coordinator at %s (%d)", client.Addr(), failures)
	if failures >= w.MaxFailures {
		w.failover(ctx)
	}
}

func (w *Worker) register(ctx context.Context, client *rest.Client) error {
	req := &dshardorchestrator.RegisterRequest{
		WorkerID:      w.ID,
		Capacity:      w.Capacity,
		Address:       w.Address,
		TotalShards:   w.Runner.GetNumShards(),
		RunningShards: w.Runner.RunningShards(),
	}

	resp, err := client.Register(ctx, req)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.registered = true
	w.succession = resp.SuccessionOrder
	w.mu.Unlock()

	w.log().Infof("registered with coordinator %s (original: %t), assigned shards: %v", resp.CoordinatorID, resp.IsOriginal, resp.ShardIDs)
	w.apply(ctx, resp.ShardIDs, resp.TotalShards, resp.ResumeSessions)
	return nil
}

func (w *Worker) heartbeat(ctx context.Context, client *rest.Client) error {
	w.collectReleased()

	latencies := w.Runner.Latencies()
	req := &dshardorchestrator.HeartbeatRequest{
		GuildCount:     w.Runner.GuildCount(),
		RunningShards:  w.Runner.RunningShards(),
		ShardLatencies: make(map[int]int64, len(latencies)),
	}

	if w.CPUUsage != nil {
		req.CPUUsage = w.CPUUsage()
	}

	for shard, latency := range latencies {
		ms := latency.Milliseconds()
		req.ShardLatencies[shard] = ms
		if ms > req.LatencyMs {
			req.LatencyMs = ms
		}
	}

	w.mu.Lock()
	for _, info := range w.pendingReleased {
		req.ReleasedSessions = append(req.ReleasedSessions, info)
	}
	w.mu.Unlock()

	resp, err := client.Heartbeat(ctx, w.ID, req)
	if err != nil {
		return err
	}

	w.mu.Lock()
	for _, info := range req.ReleasedSessions {
		delete(w.pendingReleased, info.ShardID)
	}
	w.succession = resp.SuccessionOrder
	w.mu.Unlock()

	w.apply(ctx, resp.ShardIDs, resp.TotalShards, resp.ResumeSessions)
	return nil
}

// collectReleased moves the sessions the runner gave up into the pending list, they're kept there until a
// coordinator got them
func (w *Worker) collectReleased() {
	released := w.Runner.TakeReleasedSessions()
	if len(released) < 1 {
		return
	}

	w.mu.Lock()
	for shard, info := range released {
		w.pendingReleased[shard] = &dshardorchestrator.ShardInfo{
			ShardID:          shard,
			SessionID:        info.SessionID,
			Sequence:         info.Sequence,
			ResumeGatewayURL: info.ResumeGatewayURL,
		}
	}
	w.mu.Unlock()
}

// apply hands the assignment to the runner if it changed
func (w *Worker) apply(ctx context.Context, shards []int, totalShards int, resumes []*dshardorchestrator.ShardInfo) {
	if totalShards < 1 {
		return
	}

	w.mu.Lock()
	unchanged := totalShards == w.totalShards && dshardorchestrator.EqualInts(shards, w.assigned) && len(resumes) < 1
	w.mu.Unlock()
	if unchanged {
		return
	}

	resumeMap := make(map[int]discordgo.SessionInfo, len(resumes))
	for _, info := range resumes {
		resumeMap[info.ShardID] = discordgo.SessionInfo{
			SessionID:        info.SessionID,
			Sequence:         info.Sequence,
			ResumeGatewayURL: info.ResumeGatewayURL,
		}
	}

	sorted := dshardorchestrator.SortedInts(shards)
	w.log().Infof("running shards %v of %d, resuming %d", sorted, totalShards, len(resumeMap))

	err := w.Runner.Reassign(ctx, sorted, totalShards, resumeMap)
	if err != nil {
		w.log().WithError(err).Error("failed applying shard assignment")
		return
	}

	w.mu.Lock()
	w.assigned = sorted
	w.totalShards = totalShards
	w.mu.Unlock()
}

// failover walks the succession order, the first coordinator that takes our registration wins.
// If we come up first we become the coordinator.
func (w *Worker) failover(ctx context.Context) {
	w.mu.Lock()
	candidates := w.succession
	failed := w.current
	w.mu.Unlock()

	for _, candidate := range candidates {
		if candidate.WorkerID == w.ID {
			if err := w.promote(ctx); err != nil {
				w.log().WithError(err).Error("failed promoting to coordinator")
			}
			return
		}

		client := rest.NewClient(candidate.Address)
		if client.Addr() == failed.Addr() {
			continue
		}

		if err := w.register(ctx, client); err != nil {
			w.log().WithError(err).Debugf("succession candidate %s not reachable", candidate.WorkerID)
			continue
		}

		w.log().Warnf("switched to coordinator %s at %s", candidate.WorkerID, candidate.Address)
		w.switchTo(client)
		return
	}

	w.log().Warn("no coordinator reachable, keeping the current shards")
}

func (w *Worker) switchTo(client *rest.Client) {
	w.mu.Lock()
	w.current = client
	w.failures = 0
	w.mu.Unlock()
}

// promote starts a coordinator and its api in this process and registers with it
func (w *Worker) promote(ctx context.Context) error {
	w.mu.Lock()
	if w.promoted != nil {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	listenAddr := w.ListenAddr
	if listenAddr == "" {
		listenAddr = w.Address
	}

	coordinator := orchestrator.NewCoordinator(w.ID, w.ShardCountProvider)
	coordinator.IsOriginal = false
	coordinator.HeartbeatInterval = w.HeartbeatInterval
	coordinator.UnhealthyAfter = w.HeartbeatInterval + w.HeartbeatInterval/2
	coordinator.RemoveAfter = w.HeartbeatInterval * 3
	coordinator.SettleWindow = w.HeartbeatInterval
	if w.ConfigureCoordinator != nil {
		w.ConfigureCoordinator(coordinator)
	}
	coordinator.Start()

	api := rest.NewRESTAPI(coordinator, listenAddr)
	if err := api.Start(); err != nil {
		coordinator.Stop()
		return errors.WithMessage(err, "api.Start")
	}

	w.log().Warnf("promoted to coordinator, serving on %s", listenAddr)

	w.mu.Lock()
	w.promoted = coordinator
	w.promotedAPI = api
	w.mu.Unlock()

	client := rest.NewClient(w.Address)
	w.switchTo(client)
	return w.register(ctx, client)
}

// probeOriginal registers with the original coordinator, if that works we go back to it and stop our own
// coordinator if we were promoted
func (w *Worker) probeOriginal(ctx context.Context) {
	w.mu.Lock()
	original := w.original
	w.mu.Unlock()

	if err := w.register(ctx, original); err != nil {
		return
	}

	w.log().Info("original coordinator is back, switching to it")
	w.switchTo(original)
	w.demote()
}

func (w *Worker) demote() {
	w.mu.Lock()
	coordinator, api := w.promoted, w.promotedAPI
	w.promoted, w.promotedAPI = nil, nil
	w.mu.Unlock()

	if coordinator == nil {
		return
	}

	w.log().Info("stepping down as coordinator")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := api.Stop(ctx); err != nil {
		w.log().WithError(err).Error("failed stopping coordinator api")
	}
	coordinator.Stop()
}

func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if err := w.currentClient().Deregister(ctx, w.ID); err != nil {
		w.log().WithError(err).Warn("failed deregistering")
	}

	w.demote()
}

func (w *Worker) currentClient() *rest.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Worker) onOriginal() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current == w.original
}

// IsCoordinator returns true if this worker promoted itself and runs a coordinator
func (w *Worker) IsCoordinator() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.promoted != nil
}

// CurrentCoordinator returns the address of the coordinator we're talking to
func (w *Worker) CurrentCoordinator() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return ""
	}

	return w.current.Addr()
}

// AssignedShards returns the shards last handed to the runner
func (w *Worker) AssignedShards() []int {
	w.mu.Lock()
	defer w.mu.Unlock()

	result := make([]int, len(w.assigned))
	copy(result, w.assigned)
	sort.Ints(result)
	return result
}

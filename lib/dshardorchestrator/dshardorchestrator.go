package dshardorchestrator

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrUnknownWorker       = errors.New("unknown worker")
	ErrUnknownShard        = errors.New("shard out of range")
	ErrInvalidShardCount   = errors.New("total shard count must be at least 1")
	ErrTotalShardsUnknown  = errors.New("total shard count not known yet")
	ErrWorkerNotAssignable = errors.New("worker can't take shards right now")
	ErrCoordinatorStopped  = errors.New("coordinator stopped")
)

// WorkerStatus is the coordinators view of a worker
type WorkerStatus int

const (
	WorkerStatusRegistering WorkerStatus = iota
	WorkerStatusHealthy
	WorkerStatusUnhealthy
	WorkerStatusRemoved
)

var workerStatusStrings = []string{"Registering", "Healthy", "Unhealthy", "Removed"}

func (s WorkerStatus) String() string {
	if int(s) < len(workerStatusStrings) && s >= 0 {
		return workerStatusStrings[s]
	}

	return "Unknown"
}

func (s WorkerStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *WorkerStatus) UnmarshalText(text []byte) error {
	for i, v := range workerStatusStrings {
		if strings.EqualFold(v, string(text)) {
			*s = WorkerStatus(i)
			return nil
		}
	}

	return errors.Errorf("unknown worker status %q", string(text))
}

// ShardInfo represents basic shard session info, passed from the old owner of a shard to the new one so it can resume
type ShardInfo struct {
	ShardID          int    `json:"shardId"`
	SessionID        string `json:"sessionId"`
	Sequence         int64  `json:"sequence"`
	ResumeGatewayURL string `json:"resumeGatewayUrl,omitempty"`
}

// SuccessionCandidate is a worker that can take over as coordinator, on the address it advertised
type SuccessionCandidate struct {
	WorkerID string `json:"workerId"`
	Address  string `json:"address"`
}

type RegisterRequest struct {
	WorkerID string `json:"workerId"`
	Capacity int    `json:"capacity"`

	// Where this worker would serve the coordinator api if it got promoted, empty if it never should
	Address string `json:"address,omitempty"`

	// What the worker is running right now, used to rebuild the state of a fresh coordinator
	TotalShards   int   `json:"totalShards"`
	RunningShards []int `json:"runningShards"`
}

type RegisterResponse struct {
	ShardIDs        []int                  `json:"shardIds"`
	TotalShards     int                    `json:"totalShards"`
	SuccessionOrder []*SuccessionCandidate `json:"successionOrder"`
	CoordinatorID   string                 `json:"coordinatorId"`
	IsOriginal      bool                   `json:"isOriginal"`
	ResumeSessions  []*ShardInfo           `json:"resumeSessions,omitempty"`
}

type HeartbeatRequest struct {
	CPUUsage   float64 `json:"cpuUsage"`
	LatencyMs  int64   `json:"latencyMs"`
	GuildCount int     `json:"guildCount"`

	ShardLatencies map[int]int64 `json:"shardLatencies,omitempty"`
	RunningShards  []int         `json:"runningShards"`

	// Sessions of shards this worker gave up since its last heartbeat
	ReleasedSessions []*ShardInfo `json:"releasedSessions,omitempty"`
}

type HeartbeatResponse struct {
	// The shards the worker should be running right now
	ShardIDs        []int                  `json:"shardIds"`
	TotalShards     int                    `json:"totalShards"`
	SuccessionOrder []*SuccessionCandidate `json:"successionOrder"`
	ResumeSessions  []*ShardInfo           `json:"resumeSessions,omitempty"`
}

type WorkerState struct {
	WorkerID string       `json:"workerId"`
	Address  string       `json:"address,omitempty"`
	Capacity int          `json:"capacity"`
	Status   WorkerStatus `json:"status"`

	// Assigned is what the coordinator wants the worker to run, Running what it last reported
	Assigned []int `json:"assigned"`
	Running  []int `json:"running"`

	RegisteredAt    time.Time `json:"registeredAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`

	CPUUsage       float64       `json:"cpuUsage"`
	LatencyMs      int64         `json:"latencyMs"`
	GuildCount     int           `json:"guildCount"`
	ShardLatencies map[int]int64 `json:"shardLatencies,omitempty"`
}

type ClusterState struct {
	CoordinatorID   string                 `json:"coordinatorId"`
	IsOriginal      bool                   `json:"isOriginal"`
	TotalShards     int                    `json:"totalShards"`
	Workers         []*WorkerState         `json:"workers"`
	Unassigned      []int                  `json:"unassigned"`
	SuccessionOrder []*SuccessionCandidate `json:"successionOrder"`
}

// FindWorker returns the worker with the given id, or nil
func (cs *ClusterState) FindWorker(id string) *WorkerState {
	for _, v := range cs.Workers {
		if v.WorkerID == id {
			return v
		}
	}

	return nil
}

// ShardOwner returns the id of the worker the shard is assigned to, or an empty string
func (cs *ClusterState) ShardOwner(shard int) string {
	for _, v := range cs.Workers {
		if ContainsInt(v.Assigned, shard) {
			return v.WorkerID
		}
	}

	return ""
}

type MigrateShardRequest struct {
	Shard    int    `json:"shard"`
	ToWorker string `json:"toWorker"`
}

type ResizeRequest struct {
	TotalShards int `json:"totalShards"`
}

type BasicResponse struct {
	Message string `json:"message"`
	Error   bool   `json:"error"`
}

func ContainsInt(slice []int, i int) bool {
	for _, v := range slice {
		if v == i {
			return true
		}
	}

	return false
}

// SortedInts returns a sorted copy
func SortedInts(in []int) []int {
	out := make([]int, len(in))
	copy(out, in)
	sort.Ints(out)
	return out
}

// EqualInts returns true if both slices hold the same set of ints, order doesn't matter
func EqualInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}

	sa, sb := SortedInts(a), SortedInts(b)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}

	return true
}

package dshardmanager

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/botlabs-gg/shardkit/lib/discordgo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	VersionMajor = 0
	VersionMinor = 3
	VersionPath  = 0
)

var (
	VersionString = strconv.Itoa(VersionMajor) + "." + strconv.Itoa(VersionMinor) + "." + strconv.Itoa(VersionPath)
)

var (
	ErrNoShards      = errors.New("no shards to run")
	ErrUnknownTotal  = errors.New("total shard count not set")
	ErrShardNotOwned = errors.New("shard is not run by this manager")
)

// SessionFunc creates the gateway connection for a shard, override it to apply your own connection settings
type SessionFunc func(token string, identity discordgo.ShardIdentity) (*discordgo.GatewayConnectionManager, error)

// Manager runs a set of shards in this process, the shard ids don't have to be contiguous
type Manager struct {
	sync.RWMutex

	// serializes Start, Reassign and StopAll
	opMu sync.Mutex

	// Name of the bot, to appear in log messages and in the title of the updated status message
	Name string

	// All the shards we currently hold, keyed by shard id
	Sessions map[int]*discordgo.GatewayConnectionManager

	Intents    []discordgo.GatewayIntent
	GatewayURL string

	// Shared by every shard of this manager, set by New and GetRecommendedCount
	IdentifyRatelimiter discordgo.GatewayIdentifyRatelimiter

	// Receives the dispatches and status changes of every shard
	Handler discordgo.GatewayEventHandler

	// If set logs connection status events to this channel
	LogChannel int64

	// If set keeps an updated satus message in this channel
	StatusMessageChannel int64

	// Called on events, by default this is set to a function that logs it with logrus.
	// Called in order for a given shard, keep it fast.
	OnEvent func(e *Event)

	// SessionFunc creates a new session and returns it, override the default one if you have your own
	// session settings to apply
	SessionFunc SessionFunc

	// When set, shards taken away by Reassign are suspended instead of disconnected and their
	// sessions kept around for TakeReleasedSessions, so whoever gets them next can resume
	HandoffSessions bool

	// Used for GetRecommendedCount and the discord log/status channels
	REST *discordgo.RESTExecutor

	// Called when a shard started by Reassign stops with a fatal error, such as a bad token
	OnShardFatal func(shardID int, err error)

	nextStatusUpdate     time.Time
	statusUpdaterStarted bool
	stopStatus           chan struct{}

	numShards int
	token     string

	released map[int]discordgo.SessionInfo

	statusMu   sync.Mutex
	lastStatus map[int]discordgo.GatewayStatus
}

// New creates a new shard manager with the defaults set, after you have created this you call Manager.Start
// to start connecting
func New(token string) *Manager {
	// Setup defaults
	manager := &Manager{
		token:               token,
		numShards:           -1,
		Sessions:            make(map[int]*discordgo.GatewayConnectionManager),
		GatewayURL:          discordgo.DefaultGatewayURL,
		IdentifyRatelimiter: discordgo.NewStdGatewayIdentifyRatelimiter(discordgo.DefaultIdentifyInterval, 1),
		REST:                discordgo.NewRESTExecutor(token),
		released:            make(map[int]discordgo.SessionInfo),
		lastStatus:          make(map[int]discordgo.GatewayStatus),
	}

	manager.OnEvent = manager.LogConnectionEventStd
	manager.SessionFunc = manager.StdSessionFunc

	return manager
}

// GetRecommendedCount gets the recommended sharding count from discord, this will also
// set the shard count and the identify concurrency internally if called
// Should not be called after calling Start(), will have undefined behaviour
func (m *Manager) GetRecommendedCount(ctx context.Context) (int, error) {
	resp, err := m.REST.GatewayBot(ctx)
	if err != nil {
		return 0, errors.WithMessage(err, "GetRecommendedCount()")
	}

	m.Lock()
	defer m.Unlock()

	m.numShards = resp.Shards
	if m.numShards < 1 {
		m.numShards = 1
	}

	if resp.SessionStartLimit.MaxConcurrency > 1 {
		m.IdentifyRatelimiter = discordgo.NewStdGatewayIdentifyRatelimiter(discordgo.DefaultIdentifyInterval, resp.SessionStartLimit.MaxConcurrency)
	}

	return m.numShards, nil
}

// GetNumShards returns the current set number of shards
func (m *Manager) GetNumShards() int {
	m.RLock()
	defer m.RUnlock()
	return m.numShards
}

// Start connects the given shards and blocks until all of them are ready, or one of them failed with a fatal error.
// Shards that are already running are left alone.
func (m *Manager) Start(ctx context.Context, shardIDs []int, totalShards int) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if len(shardIDs) < 1 {
		return ErrNoShards
	}

	if totalShards < 1 {
		totalShards = m.GetNumShards()
		if totalShards < 1 {
			return ErrUnknownTotal
		}
	}

	m.Lock()
	if m.numShards != totalShards && len(m.Sessions) > 0 {
		m.Unlock()
		return errors.Errorf("already running with %d total shards, use Reassign to change it to %d", m.numShards, totalShards)
	}
	m.numShards = totalShards
	m.Unlock()

	toStart := make([]*discordgo.GatewayConnectionManager, 0, len(shardIDs))
	for _, id := range shardIDs {
		session, created, err := m.initSession(id, totalShards, nil)
		if err != nil {
			return errors.WithMessagef(err, "failed initializing shard %d", id)
		}

		if created {
			toStart = append(toStart, session)
		}
	}

	m.startStatusRoutine()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, session := range toStart {
		wg.Add(1)
		go func(s *discordgo.GatewayConnectionManager) {
			defer wg.Done()

			err := m.startSession(ctx, s)
			if err == nil {
				return
			}

			mu.Lock()
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "failed starting shard %d", s.Identity.ShardID)
			}
			mu.Unlock()
		}(session)
	}
	wg.Wait()

	return firstErr
}

// Reassign changes the set of shards this manager runs. Shards no longer in shardIDs are stopped,
// new ones are connected in the background, resuming the session in resumes if one is given.
// A different totalShards restarts every shard.
func (m *Manager) Reassign(ctx context.Context, shardIDs []int, totalShards int, resumes map[int]discordgo.SessionInfo) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if totalShards < 1 {
		return ErrUnknownTotal
	}

	wanted := make(map[int]bool, len(shardIDs))
	for _, id := range shardIDs {
		if id < 0 || id >= totalShards {
			return errors.WithMessagef(discordgo.ErrInvalidShard, "shard %d of %d", id, totalShards)
		}
		wanted[id] = true
	}

	m.Lock()
	// a fresh manager has no previous count, sessions handed to it are still valid
	resize := m.numShards > 0 && m.numShards != totalShards
	m.numShards = totalShards

	var toStop []*discordgo.GatewayConnectionManager
	for id, session := range m.Sessions {
		if resize || !wanted[id] {
			toStop = append(toStop, session)
			delete(m.Sessions, id)
		}
	}
	m.Unlock()

	for _, session := range toStop {
		m.stopSession(session, !resize)
	}

	for _, id := range shardIDs {
		var resume *discordgo.SessionInfo
		if info, ok := resumes[id]; ok && info.SessionID != "" && !resize {
			info := info
			resume = &info
		}

		session, created, err := m.initSession(id, totalShards, resume)
		if err != nil {
			return errors.WithMessagef(err, "failed initializing shard %d", id)
		}

		if !created {
			continue
		}

		go func(s *discordgo.GatewayConnectionManager) {
			// the connection keeps retrying on its own, only fatal errors and stops end up here
			err := m.startSession(context.Background(), s)
			if err != nil && errors.Cause(err) != discordgo.ErrGatewayClosed {
				logrus.WithError(err).WithField("shard", s.Identity.ShardID).Error("failed starting reassigned shard")
				if m.OnShardFatal != nil {
					m.OnShardFatal(s.Identity.ShardID, err)
				}
			}
		}(session)
	}

	if len(shardIDs) > 0 {
		m.startStatusRoutine()
	}

	return nil
}

// StopAll stops all the shard sessions and returns the last error that occured
func (m *Manager) StopAll() (err error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.Lock()
	sessions := make([]*discordgo.GatewayConnectionManager, 0, len(m.Sessions))
	for id, v := range m.Sessions {
		sessions = append(sessions, v)
		delete(m.Sessions, id)
	}
	if m.stopStatus != nil {
		close(m.stopStatus)
		m.stopStatus = nil
		m.statusUpdaterStarted = false
	}
	m.Unlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, v := range sessions {
		wg.Add(1)
		go func(s *discordgo.GatewayConnectionManager) {
			defer wg.Done()
			if e := s.Disconnect(); e != nil {
				mu.Lock()
				err = e
				mu.Unlock()
			}
			m.handleEvent(EventClose, s.Identity.ShardID, "")
		}(v)
	}
	wg.Wait()

	return
}

// initSession returns the existing session for a shard or creates a new one, created is false if it already existed
func (m *Manager) initSession(shard, totalShards int, resume *discordgo.SessionInfo) (session *discordgo.GatewayConnectionManager, created bool, err error) {
	m.RLock()
	existing, ok := m.Sessions[shard]
	m.RUnlock()
	if ok {
		return existing, false, nil
	}

	identity, err := discordgo.NewShardIdentity(shard, totalShards)
	if err != nil {
		return nil, false, err
	}

	session, err = m.SessionFunc(m.token, identity)
	if err != nil {
		return nil, false, errors.WithMessage(err, "startSession.SessionFunc")
	}

	session.Identity = identity
	session.IdentifyRatelimiter = m.IdentifyRatelimiter
	session.Handler = m
	if resume != nil {
		session.SetSessionInfo(*resume)
	}

	m.Lock()
	if existing, ok := m.Sessions[shard]; ok {
		m.Unlock()
		return existing, false, nil
	}
	m.Sessions[shard] = session
	delete(m.released, shard)
	m.Unlock()

	return session, true, nil
}

func (m *Manager) startSession(ctx context.Context, session *discordgo.GatewayConnectionManager) error {
	m.handleEvent(EventOpen, session.Identity.ShardID, "")

	err := session.Connect(ctx)
	if err != nil {
		m.handleError(err, session.Identity.ShardID, "failed connecting")
		return errors.WithMessage(err, "startSession.Connect")
	}

	return nil
}

// stopSession suspends the session and records it for a handoff if enabled, otherwise it's disconnected
func (m *Manager) stopSession(session *discordgo.GatewayConnectionManager, mayHandoff bool) {
	shard := session.Identity.ShardID

	if mayHandoff && m.HandoffSessions {
		info := session.Suspend()
		if info.SessionID != "" {
			m.Lock()
			m.released[shard] = info
			m.Unlock()
		}
	} else {
		if err := session.Disconnect(); err != nil {
			logrus.WithError(err).WithField("shard", shard).Debug("error closing shard connection")
		}
	}

	m.handleEvent(EventClose, shard, "")
}

// TakeReleasedSessions returns the sessions of shards given up since the last call and forgets them
func (m *Manager) TakeReleasedSessions() map[int]discordgo.SessionInfo {
	m.Lock()
	defer m.Unlock()

	if len(m.released) < 1 {
		return nil
	}

	result := m.released
	m.released = make(map[int]discordgo.SessionInfo)
	return result
}

// SessionForGuildS is the same as SessionForGuild but accepts the guildID as a string for convenience
func (m *Manager) SessionForGuildS(guildID string) *discordgo.GatewayConnectionManager {
	m.RLock()
	numShards := m.numShards
	m.RUnlock()

	shardID, err := discordgo.ShardIDForGuildString(guildID, numShards)
	if err != nil {
		return nil
	}

	return m.Session(shardID)
}

// SessionForGuild returns the session for the specified guild, or nil if its shard isn't run here
func (m *Manager) SessionForGuild(guildID int64) *discordgo.GatewayConnectionManager {
	m.RLock()
	defer m.RUnlock()

	if m.numShards < 1 {
		return nil
	}

	return m.Sessions[discordgo.ShardIDForGuild(guildID, m.numShards)]
}

// Session retrieves a session from the sessions map, rlocking it in the process
func (m *Manager) Session(shardID int) *discordgo.GatewayConnectionManager {
	m.RLock()
	defer m.RUnlock()
	return m.Sessions[shardID]
}

// RunningShards returns the sorted ids of the shards this manager holds, connected or not
func (m *Manager) RunningShards() []int {
	m.RLock()
	result := make([]int, 0, len(m.Sessions))
	for id := range m.Sessions {
		result = append(result, id)
	}
	m.RUnlock()

	sort.Ints(result)
	return result
}

// Latencies returns the last heartbeat round trip of every shard
func (m *Manager) Latencies() map[int]time.Duration {
	m.RLock()
	defer m.RUnlock()

	result := make(map[int]time.Duration, len(m.Sessions))
	for id, session := range m.Sessions {
		result[id] = session.Latency()
	}

	return result
}

// GuildCount returns the number of guilds across all the shards of this manager
func (m *Manager) GuildCount() int {
	total := 0
	for _, n := range m.StdGuildCountsFunc() {
		total += n
	}
	return total
}

// StdGuildCountsFunc returns the guild count of every shard run by this manager
func (m *Manager) StdGuildCountsFunc() map[int]int {
	m.RLock()
	defer m.RUnlock()

	result := make(map[int]int, len(m.Sessions))
	for id, session := range m.Sessions {
		result[id] = session.GuildCount()
	}

	return result
}

// LogConnectionEventStd is the standard connection event logger, it logs it with logrus
func (m *Manager) LogConnectionEventStd(e *Event) {
	entry := logrus.WithField("shard", e.Shard)
	if m.Name != "" {
		entry = entry.WithField("bot", m.Name)
	}

	if e.Type == EventError {
		entry.Error("[Shard Manager] " + e.String())
		return
	}

	entry.Info("[Shard Manager] " + e.String())
}

func (m *Manager) handleError(err error, shard int, msg string) bool {
	if err == nil {
		return false
	}

	m.handleEvent(EventError, shard, msg+": "+err.Error())
	return true
}

func (m *Manager) handleEvent(typ EventType, shard int, msg string) {
	m.Lock()
	numShards := m.numShards
	m.nextStatusUpdate = time.Now().Add(time.Second * 2)
	m.Unlock()

	evt := &Event{
		Type:      typ,
		Shard:     shard,
		NumShards: numShards,
		Msg:       msg,
		Time:      time.Now(),
	}

	if m.OnEvent != nil {
		m.OnEvent(evt)
	}

	if m.LogChannel != 0 {
		go m.logEventToDiscord(evt)
	}
}

// StdSessionFunc is the standard session provider, it applies the managers gateway settings
func (m *Manager) StdSessionFunc(token string, identity discordgo.ShardIdentity) (*discordgo.GatewayConnectionManager, error) {
	session := discordgo.NewGatewayConnectionManager(token, identity, m)
	session.Intents = m.Intents
	if m.GatewayURL != "" {
		session.GatewayURL = m.GatewayURL
	}
	return session, nil
}

// GetFullStatus retrieves the full status at this instant
func (m *Manager) GetFullStatus() *Status {
	m.RLock()
	result := make([]*ShardStatus, 0, len(m.Sessions))
	totalGuilds := 0
	for id, session := range m.Sessions {
		ss := &ShardStatus{
			Shard:     id,
			Started:   true,
			Status:    session.Status(),
			NumGuilds: session.GuildCount(),
			Latency:   session.Latency(),
		}

		if err := session.Err(); err != nil {
			ss.Error = err.Error()
		}

		totalGuilds += ss.NumGuilds
		result = append(result, ss)
	}
	numShards := m.numShards
	m.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Shard < result[j].Shard
	})

	return &Status{
		Shards:      result,
		NumGuilds:   totalGuilds,
		TotalShards: numShards,
	}
}

type Status struct {
	Shards      []*ShardStatus `json:"shards"`
	NumGuilds   int            `json:"num_guilds"`
	TotalShards int            `json:"total_shards"`
}

type ShardStatus struct {
	Shard     int                     `json:"shard"`
	Status    discordgo.GatewayStatus `json:"status"`
	Started   bool                    `json:"started"`
	NumGuilds int                     `json:"num_guilds"`
	Latency   time.Duration           `json:"latency"`

	// Set when the shard stopped reconnecting
	Error string `json:"error,omitempty"`
}

func (s *ShardStatus) String() string {
	return fmt.Sprintf("[%d]: %s (%d guilds, %s)", s.Shard, s.Status, s.NumGuilds, s.Latency)
}

// Discordgo - Discord bindings for Go
// Available at https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// This file contains low level functions for interacting with the Discord
// data websocket interface.

package discordgo

import (
	"context"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"
	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type GatewayIntent int

const (
	GatewayIntentGuilds                 GatewayIntent = 1 << 0
	GatewayIntentGuildMembers           GatewayIntent = 1 << 1
	GatewayIntentGuildModeration        GatewayIntent = 1 << 2
	GatewayIntentGuildEmojisAndStickers GatewayIntent = 1 << 3
	GatewayIntentGuildIntegrations      GatewayIntent = 1 << 4
	GatewayIntentGuildWebhooks          GatewayIntent = 1 << 5
	GatewayIntentGuildInvites           GatewayIntent = 1 << 6
	GatewayIntentGuildVoiceStates       GatewayIntent = 1 << 7
	GatewayIntentGuildPresences         GatewayIntent = 1 << 8
	GatewayIntentGuildMessages          GatewayIntent = 1 << 9
	GatewayIntentGuildMessageReactions  GatewayIntent = 1 << 10
	GatewayIntentGuildMessageTyping     GatewayIntent = 1 << 11
	GatewayIntentDirectMessages         GatewayIntent = 1 << 12
	GatewayIntentDirectMessageReactions GatewayIntent = 1 << 13
	GatewayIntentDirectMessageTyping    GatewayIntent = 1 << 14
	GatewayIntentMessageContent         GatewayIntent = 1 << 15
)

// GatewayOP represents a gateway operation
// see https://discordapp.com/developers/docs/topics/gateway#gateway-opcodespayloads-gateway-opcodes
type GatewayOP int

const (
	GatewayOPDispatch            GatewayOP = 0  // (Receive)
	GatewayOPHeartbeat           GatewayOP = 1  // (Send/Receive)
	GatewayOPIdentify            GatewayOP = 2  // (Send)
	GatewayOPStatusUpdate        GatewayOP = 3  // (Send)
	GatewayOPVoiceStateUpdate    GatewayOP = 4  // (Send)
	GatewayOPResume              GatewayOP = 6  // (Send)
	GatewayOPReconnect           GatewayOP = 7  // (Receive)
	GatewayOPRequestGuildMembers GatewayOP = 8  // (Send)
	GatewayOPInvalidSession      GatewayOP = 9  // (Receive)
	GatewayOPHello               GatewayOP = 10 // (Receive)
	GatewayOPHeartbeatACK        GatewayOP = 11 // (Receive)
)

// Close codes we treat specially, the rest are reconnected with a resume
const (
	CloseUnknownError        = 4000
	CloseAuthenticationFail  = 4004
	CloseInvalidSeq          = 4007
	CloseSessionTimedOut     = 4009
	CloseInvalidShard        = 4010
	CloseShardingRequired    = 4011
	CloseInvalidAPIVersion   = 4012
	CloseInvalidIntents      = 4013
	CloseDisallowedIntents   = 4014
	closeResumableClientSide = CloseUnknownError
)

var (
	ErrWSAlreadyOpen      = errors.New("gateway connection already open")
	ErrGatewayClosed      = errors.New("gateway connection closed")
	ErrBadAuth            = errors.New("authentication failed")
	ErrInvalidShard       = errors.New("you specified a invalid sharding setup")
	ErrShardingRequired   = errors.New("sharding is required")
	ErrInvalidAPIVersion  = errors.New("invalid gateway api version")
	ErrInvalidIntent      = errors.New("one of the gateway intents passed was invalid")
	ErrDisabledIntent     = errors.New("an intent you specified has not been enabled or not been whitelisted for")
	errNoHello            = errors.New("first gateway frame was not hello")
	errReadyTimeout       = errors.New("timed out waiting for ready")
	errInvalidSession     = errors.New("session invalidated")
	errReconnectRequested = errors.New("gateway requested reconnect")
	errNoHeartbeatAck     = errors.New("no heartbeat ack received")
)

var fatalCloseCodes = map[int]error{
	CloseAuthenticationFail: ErrBadAuth,
	CloseInvalidShard:       ErrInvalidShard,
	CloseShardingRequired:   ErrShardingRequired,
	CloseInvalidAPIVersion:  ErrInvalidAPIVersion,
	CloseInvalidIntents:     ErrInvalidIntent,
	CloseDisallowedIntents:  ErrDisabledIntent,
}

// IsFatalCloseCode returns true if reconnecting after this close code would fail the same way again
func IsFatalCloseCode(code int) bool {
	_, ok := fatalCloseCodes[code]
	return ok
}

type GatewayStatus int

const (
	GatewayStatusDisconnected GatewayStatus = iota
	GatewayStatusConnecting
	GatewayStatusAwaitingHello
	GatewayStatusIdentifying
	GatewayStatusResuming
	GatewayStatusConnected
	GatewayStatusReconnecting
)

func (gs GatewayStatus) String() string {
	switch gs {
	case GatewayStatusDisconnected:
		return "Disconnected"
	case GatewayStatusConnecting:
		return "Connecting"
	case GatewayStatusAwaitingHello:
		return "AwaitingHello"
	case GatewayStatusIdentifying:
		return "Identifying"
	case GatewayStatusResuming:
		return "Resuming"
	case GatewayStatusConnected:
		return "Connected"
	case GatewayStatusReconnecting:
		return "Reconnecting"
	}

	return "??"
}

// GatewayEventHandler receives everything a shard produces. Calls for one shard are made in order from a
// single goroutine, so a slow handler delays that shard's later events but never its frame processing.
type GatewayEventHandler interface {
	OnDispatch(shardID int, eventType string, data []byte)
	OnShardStatus(shardID int, status GatewayStatus)
}

// SessionInfo is what's needed to resume a session, possibly from another process
type SessionInfo struct {
	SessionID        string `json:"session_id"`
	Sequence         int64  `json:"sequence"`
	ResumeGatewayURL string `json:"resume_gateway_url,omitempty"`
}

// GatewayConnectionManager is responsible for managing the gateway connections for a single shard
// We create a new GatewayConnection every time we reconnect to avoid a lot of synchronization needs
// and also to avoid having to manually reset the connection state, all the workers related to the old connection
// should eventually stop, and if they're late they will be working on a closed connection anyways so it dosen't matter
type GatewayConnectionManager struct {
	mu     sync.RWMutex
	openmu sync.Mutex

	Token      string
	Intents    []GatewayIntent
	GatewayURL string
	Identity   ShardIdentity

	// Shared between all the shards of a process, nil means no throttling
	IdentifyRatelimiter GatewayIdentifyRatelimiter
	Handler             GatewayEventHandler
	Dialer              *websocket.Dialer

	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	HelloTimeout         time.Duration
	ReadyTimeout         time.Duration

	// Returns how long to wait before reconnecting after a invalid session, defaults to 1-5 seconds
	InvalidSessionDelay func() time.Duration

	// Disables the random delay before the first heartbeat
	NoHeartbeatJitter bool

	currentConnection *GatewayConnection
	status            GatewayStatus

	sessionID        string
	sequence         int64 // atomic
	resumeGatewayURL string

	guilds map[string]struct{}

	idCounter int
	stop      chan struct{}
	stopped   bool

	dispatch *dispatchQueue

	errorStopReconnects error // set when an error occurs that should stop reconnects (such as bad token, and other things)
}

// NewGatewayConnectionManager returns a manager for one shard, call Connect to open it
func NewGatewayConnectionManager(token string, identity ShardIdentity, handler GatewayEventHandler) *GatewayConnectionManager {
	return &GatewayConnectionManager{
		Token:                token,
		GatewayURL:           DefaultGatewayURL,
		Identity:             identity,
		Handler:              handler,
		Dialer:               websocket.DefaultDialer,
		MinReconnectInterval: time.Second,
		MaxReconnectInterval: time.Minute,
		HelloTimeout:         time.Second * 20,
		ReadyTimeout:         time.Minute,
		guilds:               make(map[string]struct{}),
		stop:                 make(chan struct{}),
	}
}

func (g *GatewayConnectionManager) log() *logrus.Entry {
	return logrus.WithField("shard", g.Identity.ShardID)
}

// SetSessionInfo seeds the session so the next connect resumes instead of identifying
func (g *GatewayConnectionManager) SetSessionInfo(info SessionInfo) {
	g.mu.Lock()
	g.sessionID = info.SessionID
	g.resumeGatewayURL = info.ResumeGatewayURL
	atomic.StoreInt64(&g.sequence, info.Sequence)
	g.mu.Unlock()
}

func (g *GatewayConnectionManager) GetSessionInfo() SessionInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return SessionInfo{
		SessionID:        g.sessionID,
		Sequence:         atomic.LoadInt64(&g.sequence),
		ResumeGatewayURL: g.resumeGatewayURL,
	}
}

func (g *GatewayConnectionManager) clearSession() {
	g.mu.Lock()
	g.sessionID = ""
	g.resumeGatewayURL = ""
	atomic.StoreInt64(&g.sequence, 0)
	g.mu.Unlock()
}

func (g *GatewayConnectionManager) updateSequence(seq int64) {
	for {
		cur := atomic.LoadInt64(&g.sequence)
		if seq <= cur || atomic.CompareAndSwapInt64(&g.sequence, cur, seq) {
			return
		}
	}
}

// Status returns the status of the shard
func (g *GatewayConnectionManager) Status() GatewayStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

// Err returns the error that stopped this shard from reconnecting, if any
func (g *GatewayConnectionManager) Err() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.errorStopReconnects
}

func (g *GatewayConnectionManager) setStatus(from *GatewayConnection, status GatewayStatus) {
	g.mu.Lock()
	if from != nil && from != g.currentConnection {
		g.mu.Unlock()
		return
	}

	if g.status == status {
		g.mu.Unlock()
		return
	}

	g.status = status
	q := g.dispatch
	g.mu.Unlock()

	if q != nil {
		q.pushStatus(status)
	}
}

func (g *GatewayConnectionManager) HeartBeatStats() (lastSend time.Time, lastAck time.Time) {
	conn := g.GetCurrentConnection()
	if conn == nil || conn.heartbeater == nil {
		return
	}

	return conn.heartbeater.Times()
}

// Latency returns the round trip of the last acknowledged heartbeat
func (g *GatewayConnectionManager) Latency() time.Duration {
	send, ack := g.HeartBeatStats()
	if send.IsZero() || ack.Before(send) {
		return 0
	}

	return ack.Sub(send)
}

// GuildCount returns the number of guilds currently on this shard
func (g *GatewayConnectionManager) GuildCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.guilds)
}

func (g *GatewayConnectionManager) trackGuilds(eventType string, data []byte) {
	if eventType != EventGuildCreate && eventType != EventGuildDelete {
		return
	}

	id, err := jsonparser.GetString(data, "id")
	if err != nil {
		return
	}

	g.mu.Lock()
	if eventType == EventGuildCreate {
		g.guilds[id] = struct{}{}
	} else if unavailable, _ := jsonparser.GetBoolean(data, "unavailable"); !unavailable {
		delete(g.guilds, id)
	}
	g.mu.Unlock()
}

func (g *GatewayConnectionManager) GetCurrentConnection() *GatewayConnection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.currentConnection
}

// Send queues a frame through the send ratelimit of the current connection
func (g *GatewayConnectionManager) Send(ctx context.Context, op GatewayOP, data interface{}) error {
	conn := g.GetCurrentConnection()
	if conn == nil || conn.Status() != GatewayStatusConnected {
		return ErrGatewayClosed
	}

	return conn.writer.Queue(ctx, outgoingEvent{Operation: op, Data: data})
}

// Connect opens the gateway connection and blocks until the session is ready or resumed, or a fatal close code
// was received. Transient failures are retried with backoff. The context only bounds the connecting phase.
func (g *GatewayConnectionManager) Connect(ctx context.Context) error {
	g.openmu.Lock()
	defer g.openmu.Unlock()

	g.mu.Lock()
	wasStopped := g.stopped
	if wasStopped {
		// explicitly stopped since the last attempt, a fatal error from that run no longer applies
		g.stop = make(chan struct{})
		g.stopped = false
		g.errorStopReconnects = nil
	}

	if g.errorStopReconnects != nil {
		err := g.errorStopReconnects
		g.mu.Unlock()
		return err
	}

	if g.status != GatewayStatusDisconnected && !wasStopped {
		g.mu.Unlock()
		return ErrWSAlreadyOpen
	}

	if g.dispatch == nil || g.dispatch.isClosed() {
		g.dispatch = newDispatchQueue(g.Identity.ShardID, g.Handler)
		go g.dispatch.run()
	}

	stop := g.stop
	g.mu.Unlock()

	ctx, cancel := contextWithStop(ctx, stop)
	defer cancel()

	return g.connectLoop(ctx)
}

func (g *GatewayConnectionManager) connectLoop(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.MinReconnectInterval
	bo.MaxInterval = g.MaxReconnectInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		err := g.open(ctx)
		if err == nil {
			return nil
		}

		if fatal := g.Err(); fatal != nil {
			g.setStatus(nil, GatewayStatusDisconnected)
			return fatal
		}

		if g.isStopped() {
			g.setStatus(nil, GatewayStatusDisconnected)
			return ErrGatewayClosed
		}

		if ctx.Err() != nil {
			g.setStatus(nil, GatewayStatusDisconnected)
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		g.log().WithError(err).Warnf("failed connecting to the gateway, retrying in %s", wait)
		g.setStatus(nil, GatewayStatusReconnecting)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}
}

func (g *GatewayConnectionManager) isStopped() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stopped
}

// open makes a single attempt at establishing a session
func (g *GatewayConnectionManager) open(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return ErrGatewayClosed
	}

	g.idCounter++
	gatewayURL := g.GatewayURL
	sessionID := g.sessionID
	// if this is an intended resume, use the resume gateway url provided by discord
	if sessionID != "" && g.resumeGatewayURL != "" {
		gatewayURL = g.resumeGatewayURL
	}

	newConn := newGatewayConnection(g, g.idCounter)
	g.currentConnection = newConn
	g.mu.Unlock()

	// Opening may be a long process, with ratelimiting and whatnot
	// we wanna be able to query things like status in the meantime
	err := newConn.open(ctx, gatewayURL, sessionID, atomic.LoadInt64(&g.sequence))
	if err != nil {
		newConn.Close(closeResumableClientSide)
		return err
	}

	return nil
}

// reconnect replaces a dead connection, called from the workers of that connection
func (g *GatewayConnectionManager) reconnect(from *GatewayConnection, cause error) {
	g.openmu.Lock()
	defer g.openmu.Unlock()

	g.mu.RLock()
	stale := from != g.currentConnection || g.stopped
	stop := g.stop
	g.mu.RUnlock()

	from.Close(closeResumableClientSide)
	if stale {
		return
	}

	if fatal := g.Err(); fatal != nil {
		g.log().WithError(fatal).Error("not reconnecting to the gateway")
		g.setStatus(nil, GatewayStatusDisconnected)
		return
	}

	g.log().WithError(cause).Info("reconnecting to the gateway")
	g.setStatus(nil, GatewayStatusReconnecting)

	ctx, cancel := contextWithStop(context.Background(), stop)
	defer cancel()

	if err := g.connectLoop(ctx); err != nil && errors.Cause(err) != ErrGatewayClosed {
		g.log().WithError(err).Error("failed reconnecting to the gateway")
	}
}

func (g *GatewayConnectionManager) setFatal(err error) {
	g.mu.Lock()
	if g.errorStopReconnects == nil {
		g.errorStopReconnects = err
	}
	g.mu.Unlock()
}

// Disconnect closes the connection with a normal close code and forgets the session,
// the next Connect will identify from scratch
func (g *GatewayConnectionManager) Disconnect() error {
	cc := g.shutdown()
	g.clearSession()

	var err error
	if cc != nil {
		err = cc.Close(websocket.CloseNormalClosure)
	}

	g.finishShutdown()
	return err
}

// Suspend closes the connection but keeps the session resumable, returning what's needed to resume it
func (g *GatewayConnectionManager) Suspend() SessionInfo {
	cc := g.shutdown()
	if cc != nil {
		cc.Close(closeResumableClientSide)
	}

	info := g.GetSessionInfo()
	g.finishShutdown()
	return info
}

func (g *GatewayConnectionManager) shutdown() *GatewayConnection {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.stopped {
		g.stopped = true
		close(g.stop)
	}

	cc := g.currentConnection
	g.currentConnection = nil
	return cc
}

func (g *GatewayConnectionManager) finishShutdown() {
	g.setStatus(nil, GatewayStatusDisconnected)

	g.mu.Lock()
	q := g.dispatch
	g.guilds = make(map[string]struct{})
	g.mu.Unlock()

	if q != nil {
		q.closeAndDrain()
	}
}

type GatewayConnection struct {
	mu sync.Mutex

	// The parent manager
	manager *GatewayConnectionManager

	closed      bool
	established bool

	// The underlying websocket connection.
	conn *websocket.Conn

	// This gets closed when the connection closes to signal all workers to stop
	stopWorkers chan struct{}

	readyCh  chan struct{}
	failedCh chan error

	reconnectOnce sync.Once

	heartbeater *wsHeartBeater
	writer      *wsWriter

	connID int // A increasing id per connection from the connection manager to help identify the origin of logs
}

func newGatewayConnection(parent *GatewayConnectionManager, id int) *GatewayConnection {
	return &GatewayConnection{
		manager:     parent,
		stopWorkers: make(chan struct{}),
		readyCh:     make(chan struct{}),
		failedCh:    make(chan error, 1),
		connID:      id,
	}
}

func (g *GatewayConnection) log() *logrus.Entry {
	return g.manager.log().WithField("cid", g.connID)
}

func (g *GatewayConnection) Status() GatewayStatus {
	g.mu.Lock()
	established := g.established
	g.mu.Unlock()

	if established {
		return GatewayStatusConnected
	}

	return g.manager.Status()
}

func (g *GatewayConnection) setStatus(status GatewayStatus) {
	g.manager.setStatus(g, status)
}

// open dials, waits for hello and sends identify or resume, then waits for the session to become ready
func (g *GatewayConnection) open(ctx context.Context, gatewayURL, sessionID string, sequence int64) error {
	g.setStatus(GatewayStatusConnecting)

	if !strings.Contains(gatewayURL, "?") {
		gatewayURL += "?v=" + APIVersion + "&encoding=json"
	}

	conn, _, err := g.manager.Dialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return errors.WithMessage(err, "dial gateway")
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close()
		return ErrGatewayClosed
	}
	g.conn = conn
	g.writer = newWSWriter(conn)
	g.mu.Unlock()

	// closes the socket if the caller gives up before we're done
	go func() {
		select {
		case <-ctx.Done():
			g.mu.Lock()
			established := g.established
			g.mu.Unlock()
			if !established {
				g.Close(closeResumableClientSide)
			}
		case <-g.readyCh:
		case <-g.stopWorkers:
		}
	}()

	g.log().Info("connected to the gateway websocket")
	g.setStatus(GatewayStatusAwaitingHello)

	conn.SetReadDeadline(time.Now().Add(g.manager.HelloTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return g.handleReadError(err)
	}
	conn.SetReadDeadline(time.Time{})

	var hello Event
	if err = json.Unmarshal(raw, &hello); err != nil {
		return errors.WithMessage(err, "decode hello")
	}

	if hello.Operation != GatewayOPHello {
		return errNoHello
	}

	var h helloData
	if err = json.Unmarshal(hello.RawData, &h); err != nil {
		return errors.WithMessage(err, "decode hello")
	}

	g.log().Infof("received hello, heartbeat_interval: %d", h.HeartbeatInterval)

	g.startWorkers(time.Duration(h.HeartbeatInterval) * time.Millisecond)

	if sessionID == "" {
		err = g.identify(ctx)
	} else {
		err = g.resume(ctx, sessionID, sequence)
	}
	if err != nil {
		return err
	}

	select {
	case <-g.readyCh:
		return nil
	case err := <-g.failedCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(g.manager.ReadyTimeout):
		return errReadyTimeout
	}
}

// startWorkers starts the background workers for reading and heartbeating
func (g *GatewayConnection) startWorkers(heartbeatInterval time.Duration) {
	g.heartbeater = &wsHeartBeater{
		stop:        g.stopWorkers,
		writer:      g.writer,
		receivedAck: true,
		sequence:    &g.manager.sequence,
		jitter:      !g.manager.NoHeartbeatJitter,
		onNoAck: func() {
			g.log().Error("no heartbeat ack received since sending last heartbeat, reconnecting")
			g.triggerReconnect(false, 0, errNoHeartbeatAck)
		},
	}

	go g.heartbeater.Run(heartbeatInterval)
	go g.reader()
}

// reader reads incoming messages from the gateway
func (g *GatewayConnection) reader() {
	for {
		_, raw, err := g.conn.ReadMessage()
		if err != nil {
			g.handleReadError(err)
			return
		}

		evt := &Event{}
		if err := json.Unmarshal(raw, evt); err != nil {
			g.log().WithError(err).Errorf("failed decoding incoming gateway event: %s", string(raw))
			continue
		}

		g.handleEvent(evt)
	}
}

// handleReadError decides what a dead socket means, it returns the error for the connecting phase
func (g *GatewayConnection) handleReadError(err error) error {
	select {
	case <-g.stopWorkers:
		// A close/reconnect was triggered somewhere else, do nothing
		return ErrGatewayClosed
	default:
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		g.log().Warnf("got close frame, code: %d, msg: %q", closeErr.Code, closeErr.Text)

		if fatal, ok := fatalCloseCodes[closeErr.Code]; ok {
			g.log().WithError(fatal).Error("gateway closed the connection with a fatal close code")
			g.manager.setFatal(fatal)
			g.triggerReconnect(false, 0, fatal)
			return fatal
		}

		forceIdentify := closeErr.Code == CloseInvalidSeq || closeErr.Code == CloseSessionTimedOut
		g.triggerReconnect(forceIdentify, 0, err)
		return err
	}

	g.log().WithError(err).Error("error reading from the gateway")
	g.triggerReconnect(false, 0, err)
	return err
}

// handleEvent handles a event received from the reader
func (g *GatewayConnection) handleEvent(event *Event) {
	if event.Sequence > 0 {
		g.manager.updateSequence(event.Sequence)
	}

	switch event.Operation {
	case GatewayOPDispatch:
		g.handleDispatch(event)
	case GatewayOPHeartbeat:
		g.log().Info("sending heartbeat immediately in response to OP1")
		go g.heartbeater.SendBeat()
	case GatewayOPReconnect:
		g.log().Warn("got OP7 reconnect, re-connecting")
		g.triggerReconnect(false, 0, errReconnectRequested)
	case GatewayOPInvalidSession:
		resumable := invalidSessionResumable(event.RawData)
		g.log().Warnf("got OP9 invalid session, resumable: %v", resumable)
		if !resumable {
			g.manager.clearSession()
		}
		g.triggerReconnect(!resumable, g.manager.invalidSessionDelay(), errInvalidSession)
	case GatewayOPHello:
		g.log().Warn("got unexpected hello after handshake")
	case GatewayOPHeartbeatACK:
		g.heartbeater.ReceivedAck()
	default:
		g.log().Warnf("unknown operation (%d, %q): %s", event.Operation, event.Type, string(event.RawData))
	}
}

func (g *GatewayConnection) handleDispatch(e *Event) {
	switch e.Type {
	case EventReady:
		info, err := parseReady(e.RawData)
		if err != nil {
			g.log().WithError(err).Error("failed decoding ready")
			g.triggerReconnect(true, 0, err)
			return
		}

		g.handleReady(info)
		return
	case EventResumed:
		g.log().Info("received resumed")
		g.markEstablished()
		return
	}

	if g.Status() != GatewayStatusConnected {
		g.log().Warnf("dropping %s received before the session was ready", e.Type)
		return
	}

	g.manager.trackGuilds(e.Type, e.RawData)
	g.manager.dispatchEvent(g, e.Type, e.RawData)
}

func (g *GatewayConnection) handleReady(r *readyInfo) {
	g.log().Info("received ready")

	resumeURL := r.ResumeGatewayURL
	// Ensure the gatewayUrl always has a trailing slash.
	// MacOS will fail to connect if we add query params without a trailing slash on the base domain.
	if resumeURL != "" && !strings.HasSuffix(resumeURL, "/") {
		resumeURL += "/"
	}

	m := g.manager
	m.mu.Lock()
	if m.currentConnection == g {
		m.sessionID = r.SessionID
		m.resumeGatewayURL = resumeURL
		m.guilds = make(map[string]struct{}, len(r.GuildIDs))
		for _, id := range r.GuildIDs {
			m.guilds[id] = struct{}{}
		}
	}
	m.mu.Unlock()

	g.markEstablished()
}

func (g *GatewayConnection) markEstablished() {
	g.mu.Lock()
	if g.established || g.closed {
		g.mu.Unlock()
		return
	}
	g.established = true
	close(g.readyCh)
	g.mu.Unlock()

	g.setStatus(GatewayStatusConnected)
}

func (g *GatewayConnection) identify(ctx context.Context) error {
	compiled := 0
	for _, v := range g.manager.Intents {
		compiled |= int(v)
	}

	data := identifyData{
		Token: g.manager.Token,
		Properties: identifyProperties{
			OS:      runtime.GOOS,
			Browser: "shardkit v" + VERSION,
		},
		LargeThreshold: 250,
		Shard:          &[2]int{g.manager.Identity.ShardID, g.manager.Identity.TotalShards},
		Intents:        compiled,
	}

	// check if we need to wait before identifying
	if rl := g.manager.IdentifyRatelimiter; rl != nil {
		if err := rl.RatelimitIdentify(ctx, g.manager.Identity.ShardID); err != nil {
			return errors.WithMessage(err, "identify ratelimit")
		}
	}

	g.log().Info("sending identify")
	g.setStatus(GatewayStatusIdentifying)

	return g.writer.Queue(ctx, outgoingEvent{Operation: GatewayOPIdentify, Data: data})
}

func (g *GatewayConnection) resume(ctx context.Context, sessionID string, sequence int64) error {
	g.log().Infof("sending resume, seq: %d", sequence)
	g.setStatus(GatewayStatusResuming)

	return g.writer.Queue(ctx, outgoingEvent{
		Operation: GatewayOPResume,
		Data: &resumeData{
			Token:     g.manager.Token,
			SessionID: sessionID,
			Sequence:  sequence,
		},
	})
}

// fail hands an error to a pending open call
func (g *GatewayConnection) fail(err error) {
	select {
	case g.failedCh <- err:
	default:
	}
}

// triggerReconnect replaces this connection, at most once per connection
func (g *GatewayConnection) triggerReconnect(forceIdentify bool, delay time.Duration, cause error) {
	g.reconnectOnce.Do(func() {
		go func() {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-g.stopWorkers:
					return
				}
			}

			if forceIdentify {
				g.manager.clearSession()
			}

			g.mu.Lock()
			established := g.established
			g.mu.Unlock()

			if !established {
				// still in open(), let the connect loop deal with it
				g.fail(cause)
				return
			}

			g.manager.reconnect(g, cause)
		}()
	})
}

// Close closes the gateway connection, safe to call multiple times
func (g *GatewayConnection) Close(code int) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}

	g.closed = true
	close(g.stopWorkers)
	conn := g.conn
	writer := g.writer
	g.mu.Unlock()

	if conn == nil {
		return nil
	}

	g.log().Infof("closing gateway connection, code %d", code)
	if err := writer.WriteClose(code); err != nil {
		g.log().WithError(err).Debug("failed sending close frame")
	}

	return conn.Close()
}

func (g *GatewayConnectionManager) dispatchEvent(from *GatewayConnection, eventType string, data []byte) {
	g.mu.RLock()
	current := from == g.currentConnection
	q := g.dispatch
	g.mu.RUnlock()

	if current && q != nil {
		q.pushDispatch(eventType, data)
	}
}

func (g *GatewayConnectionManager) invalidSessionDelay() time.Duration {
	if g.InvalidSessionDelay != nil {
		return g.InvalidSessionDelay()
	}

	return time.Second * time.Duration(rand.Intn(4)+1)
}

// contextWithStop returns a context that is also cancelled when stop is closed
func contextWithStop(parent context.Context, stop chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

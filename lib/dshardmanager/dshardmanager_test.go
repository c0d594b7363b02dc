package dshardmanager

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/botlabs-gg/shardkit/lib/discordgo"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handshake struct {
	Shard     int
	Resume    bool
	SessionID string
	Seq       int64
	At        time.Time
}

// fakeGateway answers identifies with READY and resumes with RESUMED, and records both
type fakeGateway struct {
	srv *httptest.Server

	mu         sync.Mutex
	handshakes []handshake

	// if set the connection is closed with this code instead of answering
	closeCode int
}

func newFakeGateway(t *testing.T) *fakeGateway {
	fg := &fakeGateway{}
	upgrader := websocket.Upgrader{}
	fg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		fg.serve(c)
	}))
	t.Cleanup(fg.srv.Close)

	return fg
}

func (fg *fakeGateway) URL() string {
	return "ws" + strings.TrimPrefix(fg.srv.URL, "http") + "/"
}

func writeFrame(c *websocket.Conn, op int, t string, s int64, d interface{}) error {
	frame := map[string]interface{}{"op": op, "d": d}
	if t != "" {
		frame["t"] = t
		frame["s"] = s
	}
	return c.WriteJSON(frame)
}

func (fg *fakeGateway) serve(c *websocket.Conn) {
	if err := writeFrame(c, 10, "", 0, map[string]interface{}{"heartbeat_interval": 45000}); err != nil {
		return
	}

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return
		}

		var frame struct {
			Op int                 `json:"op"`
			D  jsoniter.RawMessage `json:"d"`
		}
		if err := jsoniter.Unmarshal(raw, &frame); err != nil {
			return
		}

		switch frame.Op {
		case 1:
			writeFrame(c, 11, "", 0, nil)
		case 2:
			var identify struct {
				Shard [2]int `json:"shard"`
			}
			jsoniter.Unmarshal(frame.D, &identify)
			fg.record(handshake{Shard: identify.Shard[0], At: time.Now()})

			fg.mu.Lock()
			closeCode := fg.closeCode
			fg.mu.Unlock()
			if closeCode != 0 {
				c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, "nope"))
				return
			}

			writeFrame(c, 0, "READY", 1, map[string]interface{}{
				"session_id": fmt.Sprintf("sess-%d", identify.Shard[0]),
				"guilds":     []map[string]interface{}{{"id": fmt.Sprintf("%d", identify.Shard[0]+100), "unavailable": true}},
			})
		case 6:
			var resume struct {
				SessionID string `json:"session_id"`
				Seq       int64  `json:"seq"`
			}
			jsoniter.Unmarshal(frame.D, &resume)
			fg.record(handshake{Resume: true, SessionID: resume.SessionID, Seq: resume.Seq, At: time.Now()})
			writeFrame(c, 0, "RESUMED", 2, map[string]interface{}{})
		}
	}
}

func (fg *fakeGateway) record(h handshake) {
	fg.mu.Lock()
	fg.handshakes = append(fg.handshakes, h)
	fg.mu.Unlock()
}

func (fg *fakeGateway) Handshakes() []handshake {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return append([]handshake(nil), fg.handshakes...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *eventRecorder) OnEvent(e *Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) Count(typ EventType, shard int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Type == typ && e.Shard == shard {
			n++
		}
	}
	return n
}

func newTestManager(fg *fakeGateway, identifyInterval time.Duration) (*Manager, *eventRecorder) {
	m := New("Bot token")
	m.GatewayURL = fg.URL()
	m.IdentifyRatelimiter = discordgo.NewStdGatewayIdentifyRatelimiter(identifyInterval, 1)

	rec := &eventRecorder{}
	m.OnEvent = rec.OnEvent

	m.SessionFunc = func(token string, identity discordgo.ShardIdentity) (*discordgo.GatewayConnectionManager, error) {
		session, err := m.StdSessionFunc(token, identity)
		if err != nil {
			return nil, err
		}

		session.NoHeartbeatJitter = true
		session.MinReconnectInterval = time.Millisecond * 20
		session.MaxReconnectInterval = time.Millisecond * 100
		session.HelloTimeout = time.Second
		session.ReadyTimeout = time.Second * 2
		return session, nil
	}

	return m, rec
}

func TestStartSpacesIdentifies(t *testing.T) {
	fg := newFakeGateway(t)
	m, rec := newTestManager(fg, time.Millisecond*200)
	defer m.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	require.NoError(t, m.Start(ctx, []int{0, 1, 2}, 3))

	handshakes := fg.Handshakes()
	require.Len(t, handshakes, 3)

	times := make([]time.Time, 0, 3)
	shards := make([]int, 0, 3)
	for _, h := range handshakes {
		assert.False(t, h.Resume)
		times = append(times, h.At)
		shards = append(shards, h.Shard)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	sort.Ints(shards)

	assert.Equal(t, []int{0, 1, 2}, shards)
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		assert.True(t, gap >= time.Millisecond*180, "identifies %d and %d only %s apart", i-1, i, gap)
	}

	assert.Equal(t, []int{0, 1, 2}, m.RunningShards())

	status := m.GetFullStatus()
	require.Len(t, status.Shards, 3)
	for i, s := range status.Shards {
		assert.Equal(t, i, s.Shard)
		assert.Equal(t, discordgo.GatewayStatusConnected, s.Status)
		assert.Equal(t, 1, s.NumGuilds)
	}
	assert.Equal(t, 3, status.NumGuilds)
	assert.Equal(t, 3, m.GuildCount())

	require.Eventually(t, func() bool {
		return rec.Count(EventReady, 0) == 1 && rec.Count(EventReady, 1) == 1 && rec.Count(EventReady, 2) == 1
	}, time.Second, time.Millisecond*10)
	assert.Equal(t, 1, rec.Count(EventOpen, 2))
}

func TestReassignHandsOffSessions(t *testing.T) {
	fg := newFakeGateway(t)

	from, _ := newTestManager(fg, time.Millisecond*10)
	from.HandoffSessions = true
	defer from.StopAll()

	to, toEvents := newTestManager(fg, time.Millisecond*10)
	defer to.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	require.NoError(t, from.Start(ctx, []int{0, 1}, 2))
	require.NoError(t, from.Reassign(ctx, []int{1}, 2, nil))

	assert.Equal(t, []int{1}, from.RunningShards())

	released := from.TakeReleasedSessions()
	require.Contains(t, released, 0)
	assert.Equal(t, "sess-0", released[0].SessionID)
	assert.Equal(t, int64(1), released[0].Sequence)
	assert.Nil(t, from.TakeReleasedSessions())

	require.NoError(t, to.Reassign(ctx, []int{0}, 2, released))
	require.Eventually(t, func() bool {
		return toEvents.Count(EventResumed, 0) == 1
	}, time.Second*5, time.Millisecond*10)

	var resumes []handshake
	for _, h := range fg.Handshakes() {
		if h.Resume {
			resumes = append(resumes, h)
		}
	}
	require.Len(t, resumes, 1)
	assert.Equal(t, "sess-0", resumes[0].SessionID)
	assert.Equal(t, discordgo.GatewayStatusConnected, to.Session(0).Status())
}

func TestReassignResumesOnFreshManager(t *testing.T) {
	fg := newFakeGateway(t)
	m, events := newTestManager(fg, time.Millisecond*10)
	defer m.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	resumes := map[int]discordgo.SessionInfo{0: {SessionID: "sess-0", Sequence: 7}}
	require.NoError(t, m.Reassign(ctx, []int{0}, 2, resumes))
	require.Eventually(t, func() bool {
		return events.Count(EventResumed, 0) == 1
	}, time.Second*5, time.Millisecond*10)

	handshakes := fg.Handshakes()
	require.Len(t, handshakes, 1)
	assert.True(t, handshakes[0].Resume)
	assert.Equal(t, "sess-0", handshakes[0].SessionID)
	assert.Equal(t, int64(7), handshakes[0].Seq)
	assert.Equal(t, 2, m.GetNumShards())
}

func TestReassignReportsFatalErrors(t *testing.T) {
	fg := newFakeGateway(t)
	fg.closeCode = discordgo.CloseAuthenticationFail

	m, _ := newTestManager(fg, time.Millisecond*10)
	defer m.StopAll()

	fatal := make(chan error, 1)
	m.OnShardFatal = func(shardID int, err error) {
		assert.Equal(t, 0, shardID)
		fatal <- err
	}

	require.NoError(t, m.Reassign(context.Background(), []int{0}, 1, nil))

	select {
	case err := <-fatal:
		assert.Equal(t, discordgo.ErrBadAuth, errors.Cause(err))
	case <-time.After(time.Second * 5):
		t.Fatal("fatal error was never reported")
	}
}

func TestReassignLeavesUnaffectedShards(t *testing.T) {
	fg := newFakeGateway(t)
	m, _ := newTestManager(fg, time.Millisecond*10)
	defer m.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	require.NoError(t, m.Start(ctx, []int{0, 1}, 4))
	kept := m.Session(1)

	require.NoError(t, m.Reassign(ctx, []int{1, 3}, 4, nil))
	assert.True(t, kept == m.Session(1))
	assert.Nil(t, m.Session(0))
	assert.Equal(t, []int{1, 3}, m.RunningShards())

	require.Eventually(t, func() bool {
		s := m.Session(3)
		return s != nil && s.Status() == discordgo.GatewayStatusConnected
	}, time.Second*5, time.Millisecond*10)

	// nothing was handed off
	assert.Nil(t, m.TakeReleasedSessions())
}

func TestReassignNewTotalRestartsEverything(t *testing.T) {
	fg := newFakeGateway(t)
	m, _ := newTestManager(fg, time.Millisecond*10)
	m.HandoffSessions = true
	defer m.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	require.NoError(t, m.Start(ctx, []int{0}, 1))
	old := m.Session(0)

	require.NoError(t, m.Reassign(ctx, []int{0, 1}, 2, nil))
	assert.False(t, old == m.Session(0))
	assert.Equal(t, 2, m.GetNumShards())
	assert.Equal(t, discordgo.GatewayStatusDisconnected, old.Status())

	// sessions of another shard count can't be resumed
	assert.Nil(t, m.TakeReleasedSessions())

	err := m.Reassign(ctx, []int{2}, 2, nil)
	assert.Equal(t, discordgo.ErrInvalidShard, errors.Cause(err))
}

func TestStartFatalError(t *testing.T) {
	fg := newFakeGateway(t)
	fg.closeCode = discordgo.CloseAuthenticationFail

	m, rec := newTestManager(fg, time.Millisecond*10)
	defer m.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	err := m.Start(ctx, []int{0}, 1)
	require.Error(t, err)
	assert.Equal(t, discordgo.ErrBadAuth, errors.Cause(err))
	assert.Equal(t, 1, rec.Count(EventError, 0))

	status := m.GetFullStatus()
	require.Len(t, status.Shards, 1)
	assert.NotEmpty(t, status.Shards[0].Error)
}

func TestSessionForGuild(t *testing.T) {
	m := New("Bot token")
	m.numShards = 4

	s1 := discordgo.NewGatewayConnectionManager("", discordgo.ShardIdentity{ShardID: 2, TotalShards: 4}, nil)
	m.Sessions[2] = s1

	// (41771983423143937 >> 22) % 4 == 2
	assert.True(t, m.SessionForGuild(41771983423143937) == s1)
	assert.True(t, m.SessionForGuildS("41771983423143937") == s1)
	assert.Nil(t, m.SessionForGuild(0))
	assert.Nil(t, m.SessionForGuildS("not a snowflake"))
}

func TestEventString(t *testing.T) {
	e := &Event{Type: EventReady, Shard: 2, NumShards: 10}
	assert.Equal(t, "[2/10] Ready", e.String())

	e = &Event{Type: EventError, Shard: -1, Msg: "oh no"}
	assert.Equal(t, "Error: oh no", e.String())
}

package discordgo

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// discord allows 120 frames per 60 seconds, some are kept for heartbeats which bypass the limiter
	gatewaySendLimit   = 120
	heartbeatReserve   = 3
	gatewayWriteTimout = time.Second * 10
)

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn

	sendRatelimiter *rate.Limiter
}

func newWSWriter(conn *websocket.Conn) *wsWriter {
	perMinute := gatewaySendLimit - heartbeatReserve
	return &wsWriter{
		conn:            conn,
		sendRatelimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

// Queue waits for the send ratelimit and writes the frame
func (w *wsWriter) Queue(ctx context.Context, data outgoingEvent) error {
	if err := w.sendRatelimiter.Wait(ctx); err != nil {
		return err
	}

	return w.writeJson(data)
}

func (w *wsWriter) writeJson(data interface{}) error {
	serialized, err := json.Marshal(data)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimout))
	return w.conn.WriteMessage(websocket.TextMessage, serialized)
}

func (w *wsWriter) WriteClose(code int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "o7"), time.Now().Add(time.Second))
}

type wsHeartBeater struct {
	sync.Mutex

	writer      *wsWriter
	sequence    *int64
	receivedAck bool
	stop        chan struct{}
	jitter      bool

	// Called when we received no Ack from last heartbeat
	onNoAck func()

	lastAck  time.Time
	lastSend time.Time
}

func (wh *wsHeartBeater) ReceivedAck() {
	wh.Lock()
	wh.receivedAck = true
	wh.lastAck = time.Now()
	wh.Unlock()
}

func (wh *wsHeartBeater) Run(interval time.Duration) {
	if interval <= 0 {
		return
	}

	first := interval
	if wh.jitter {
		first = time.Duration(rand.Float64() * float64(interval))
	}

	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			wh.Lock()
			hasReceivedAck := wh.receivedAck
			wh.Unlock()

			if !hasReceivedAck {
				wh.onNoAck()
				return
			}

			wh.SendBeat()
			timer.Reset(interval)
		case <-wh.stop:
			return
		}
	}
}

// SendBeat writes a heartbeat right away, heartbeats are not subject to the send ratelimit
func (wh *wsHeartBeater) SendBeat() {
	wh.Lock()
	wh.lastSend = time.Now()
	wh.receivedAck = false
	wh.Unlock()

	seq := atomic.LoadInt64(wh.sequence)

	// write errors show up on the reader side as well
	wh.writer.writeJson(outgoingEvent{
		Operation: GatewayOPHeartbeat,
		Data:      seq,
	})
}

func (wh *wsHeartBeater) Times() (send time.Time, ack time.Time) {
	wh.Lock()
	send = wh.lastSend
	ack = wh.lastAck
	wh.Unlock()
	return
}

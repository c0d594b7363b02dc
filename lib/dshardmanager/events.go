package dshardmanager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/botlabs-gg/shardkit/lib/discordgo"
)

// Event holds data for an event
type Event struct {
	Type EventType

	Shard     int
	NumShards int

	Msg string

	// When this event occured
	Time time.Time
}

func (c *Event) String() string {
	prefix := ""
	if c.Shard > -1 {
		prefix = fmt.Sprintf("[%d/%d] ", c.Shard, c.NumShards)
	}

	s := fmt.Sprintf("%s%s", prefix, strings.Title(c.Type.String()))
	if c.Msg != "" {
		s += ": " + c.Msg
	}

	return s
}

type EventType int

const (
	// Sent when the connection to the gateway was established
	EventConnected EventType = iota

	// Sent when the connection is lost
	EventDisconnected

	// Sent when the connection was sucessfully resumed
	EventResumed

	// Sent on ready
	EventReady

	// Sent when a shard starts connecting
	EventOpen

	// Sent when a shard is stopped
	EventClose

	// Sent when an error occurs
	EventError
)

var (
	eventStrings = map[EventType]string{
		EventOpen:         "opened",
		EventClose:        "closed",
		EventConnected:    "connected",
		EventDisconnected: "disconnected",
		EventResumed:      "resumed",
		EventReady:        "ready",
		EventError:        "error",
	}

	eventColors = map[EventType]int{
		EventOpen:         0xec58fc,
		EventClose:        0xff7621,
		EventConnected:    0x54d646,
		EventDisconnected: 0xcc2424,
		EventResumed:      0x5985ff,
		EventReady:        0x00ffbf,
		EventError:        0x7a1bad,
	}
)

func (c EventType) String() string {
	return eventStrings[c]
}

type embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	Color       int    `json:"color"`
}

type messageSend struct {
	Embeds []*embed `json:"embeds"`
}

func (m *Manager) logEventToDiscord(evt *Event) {
	if evt.Type == EventError {
		return
	}

	prefix := ""
	if m.Name != "" {
		prefix = m.Name + ": "
	}

	e := &embed{
		Description: prefix + evt.String(),
		Timestamp:   evt.Time.Format(time.RFC3339),
		Color:       eventColors[evt.Type],
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	_, _, err := m.REST.Execute(ctx, "POST", discordgo.RouteChannelMessages,
		[]string{strconv.FormatInt(m.LogChannel, 10)}, &messageSend{Embeds: []*embed{e}})
	if err != nil {
		// not through handleEvent, a failing channel would feed itself
		m.LogConnectionEventStd(&Event{Type: EventError, Shard: evt.Shard, NumShards: evt.NumShards, Msg: "Failed sending event to discord: " + err.Error(), Time: time.Now()})
	}
}

func (m *Manager) startStatusRoutine() {
	m.Lock()
	defer m.Unlock()

	if m.StatusMessageChannel == 0 || m.statusUpdaterStarted {
		return
	}

	m.statusUpdaterStarted = true
	m.stopStatus = make(chan struct{})
	m.nextStatusUpdate = time.Now()
	go m.statusRoutine(m.stopStatus)
}

func (m *Manager) statusRoutine(stop chan struct{}) {
	var mID string

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		m.RLock()
		after := time.Now().After(m.nextStatusUpdate)
		m.RUnlock()
		if !after {
			continue
		}

		m.Lock()
		m.nextStatusUpdate = time.Now().Add(time.Minute)
		m.Unlock()

		nID, err := m.updateStatusMessage(mID)
		if !m.handleError(err, -1, "Failed updating status message") {
			mID = nID
		}
	}
}

func (m *Manager) updateStatusMessage(mID string) (string, error) {
	content := ""

	status := m.GetFullStatus()
	for _, shard := range status.Shards {
		gwStatus := ""
		switch shard.Status {
		case discordgo.GatewayStatusConnecting, discordgo.GatewayStatusAwaitingHello:
			gwStatus = "**Connecting...**"
		case discordgo.GatewayStatusDisconnected:
			gwStatus = "**Disconnected**"
		case discordgo.GatewayStatusReconnecting:
			gwStatus = "**Reconnecting**"
		case discordgo.GatewayStatusIdentifying:
			gwStatus = "**Identifying**"
		case discordgo.GatewayStatusResuming:
			gwStatus = "**Resuming**"
		case discordgo.GatewayStatusConnected:
			gwStatus = "👌"
		default:
			gwStatus = "?"
		}

		content += fmt.Sprintf("[%d/%d]: %s (%d,%d)\n", shard.Shard, status.TotalShards, gwStatus, shard.NumGuilds, status.NumGuilds)
	}

	nameStr := ""
	if m.Name != "" {
		nameStr = " for " + m.Name
	}
	e := &embed{
		Title:       "Sharding status" + nameStr,
		Description: content,
		Color:       0x4286f4,
		Timestamp:   time.Now().Format(time.RFC3339),
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	channel := strconv.FormatInt(m.StatusMessageChannel, 10)
	body := &messageSend{Embeds: []*embed{e}}

	if mID == "" {
		var msg struct {
			ID string `json:"id"`
		}
		err := m.REST.ExecuteJSON(ctx, "POST", discordgo.RouteChannelMessages, []string{channel}, body, &msg)
		return msg.ID, err
	}

	_, _, err := m.REST.Execute(ctx, "PATCH", discordgo.RouteChannelMessage, []string{channel, mID}, body)
	return mID, err
}

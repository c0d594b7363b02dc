package dshardmanager

import (
	"github.com/botlabs-gg/shardkit/lib/discordgo"
)

// OnDispatch forwards dispatches to the user handler
func (m *Manager) OnDispatch(shardID int, eventType string, data []byte) {
	if m.Handler != nil {
		m.Handler.OnDispatch(shardID, eventType, data)
	}
}

// OnShardStatus turns status changes into connection events, then forwards them to the user handler
func (m *Manager) OnShardStatus(shardID int, status discordgo.GatewayStatus) {
	m.statusMu.Lock()
	prev := m.lastStatus[shardID]
	m.lastStatus[shardID] = status
	m.statusMu.Unlock()

	switch status {
	case discordgo.GatewayStatusAwaitingHello:
		m.handleEvent(EventConnected, shardID, "")
	case discordgo.GatewayStatusConnected:
		if prev == discordgo.GatewayStatusResuming {
			m.handleEvent(EventResumed, shardID, "")
		} else {
			m.handleEvent(EventReady, shardID, "")
		}
	case discordgo.GatewayStatusReconnecting, discordgo.GatewayStatusDisconnected:
		if prev != discordgo.GatewayStatusReconnecting && prev != discordgo.GatewayStatusDisconnected {
			m.handleEvent(EventDisconnected, shardID, "")
		}
	}

	if m.Handler != nil {
		m.Handler.OnShardStatus(shardID, status)
	}
}

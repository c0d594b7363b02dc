package discordgo

import (
	"bytes"

	"github.com/buger/jsonparser"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is a single frame received from the gateway
type Event struct {
	Operation GatewayOP           `json:"op"`
	Sequence  int64               `json:"s"`
	Type      string              `json:"t"`
	RawData   jsoniter.RawMessage `json:"d"`
}

// Dispatch event names the connection itself cares about, everything else is passed along untouched
const (
	EventReady       = "READY"
	EventResumed     = "RESUMED"
	EventGuildCreate = "GUILD_CREATE"
	EventGuildDelete = "GUILD_DELETE"
)

type outgoingEvent struct {
	Operation GatewayOP   `json:"op"`
	Data      interface{} `json:"d"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Properties     identifyProperties `json:"properties"`
	LargeThreshold int                `json:"large_threshold"`
	Shard          *[2]int            `json:"shard,omitempty"`
	Intents        int                `json:"intents"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// readyInfo is the part of READY the connection keeps, the rest goes to the caller untouched
type readyInfo struct {
	SessionID        string
	ResumeGatewayURL string
	GuildIDs         []string
}

func parseReady(data []byte) (*readyInfo, error) {
	sessionID, err := jsonparser.GetString(data, "session_id")
	if err != nil {
		return nil, err
	}

	info := &readyInfo{SessionID: sessionID}
	info.ResumeGatewayURL, _ = jsonparser.GetString(data, "resume_gateway_url")

	_, err = jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, offset int, err error) {
		if id, err := jsonparser.GetString(value, "id"); err == nil {
			info.GuildIDs = append(info.GuildIDs, id)
		}
	}, "guilds")
	if err != nil && err != jsonparser.KeyPathNotFoundError {
		return nil, err
	}

	return info, nil
}

// invalidSessionResumable returns the d field of an OP9 frame
func invalidSessionResumable(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("true"))
}

package orchestrator

import (
	"context"

	"github.com/botlabs-gg/shardkit/lib/discordgo"
)

// StdShardCountProvider is a standard implementation of ShardCountProvider, asking discord for the recommended count
type StdShardCountProvider struct {
	REST *discordgo.RESTExecutor
}

func (sc *StdShardCountProvider) GetTotalShardCount(ctx context.Context) (int, error) {
	gwBot, err := sc.REST.GatewayBot(ctx)
	if err != nil {
		return 0, err
	}

	return gwBot.Shards, nil
}

// FixedShardCountProvider always returns the same count
type FixedShardCountProvider int

func (f FixedShardCountProvider) GetTotalShardCount(ctx context.Context) (int, error) {
	return int(f), nil
}

package discordgo

import (
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
)

// ShardIdentity is the (shard, total) pair a gateway connection identifies with
type ShardIdentity struct {
	ShardID     int
	TotalShards int
}

// NewShardIdentity validates and returns a shard identity
func NewShardIdentity(shardID, totalShards int) (ShardIdentity, error) {
	if totalShards < 1 {
		return ShardIdentity{}, errors.Wrapf(ErrInvalidShard, "total shards %d", totalShards)
	}

	if shardID < 0 || shardID >= totalShards {
		return ShardIdentity{}, errors.Wrapf(ErrInvalidShard, "shard %d of %d", shardID, totalShards)
	}

	return ShardIdentity{ShardID: shardID, TotalShards: totalShards}, nil
}

// Owns returns true if the guild is routed to this shard
func (s ShardIdentity) Owns(guildID int64) bool {
	return ShardIDForGuild(guildID, s.TotalShards) == s.ShardID
}

func (s ShardIdentity) String() string {
	return "[" + strconv.Itoa(s.ShardID) + "/" + strconv.Itoa(s.TotalShards) + "]"
}

// ShardIDForGuild returns the shard a guild lives on: (guildID >> 22) % totalShards
func ShardIDForGuild(guildID int64, totalShards int) int {
	if totalShards < 1 {
		return 0
	}

	// the timestamp part of a snowflake is never negative for real ids, but don't trust the caller
	return int(uint64(guildID>>22) % uint64(totalShards))
}

// ShardIDForGuildString parses a snowflake and returns its shard
func ShardIDForGuildString(guildID string, totalShards int) (int, error) {
	parsed, err := snowflake.ParseString(guildID)
	if err != nil {
		return 0, errors.WithMessage(err, "parse guild id")
	}

	return ShardIDForGuild(parsed.Int64(), totalShards), nil
}

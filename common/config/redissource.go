package config

import (
	"strings"

	"github.com/mediocregopher/radix/v3"
	"github.com/sirupsen/logrus"
)

// RedisConfigKey is the hash holding the options, the "shardkit." prefix is stripped from the field names
const RedisConfigKey = "shardkit_config"

// RedisConfigStore lets a fleet of workers share their configuration
type RedisConfigStore struct {
	Pool radix.Client
}

// NewRedisConfigStore connects to the redis server at addr
func NewRedisConfigStore(addr string) (*RedisConfigStore, error) {
	pool, err := radix.NewPool("tcp", addr, 2)
	if err != nil {
		return nil, err
	}

	return &RedisConfigStore{Pool: pool}, nil
}

func (rs *RedisConfigStore) GetValue(key string) interface{} {
	prefixStripped := strings.TrimPrefix(key, "shardkit.")

	var v string
	err := rs.Pool.Do(radix.Cmd(&v, "HGET", RedisConfigKey, prefixStripped))
	if err != nil {
		logrus.WithError(err).Error("[redis_config_source] failed retrieving value")
		return nil
	}

	if v == "" {
		return nil
	}

	return v
}

func (rs *RedisConfigStore) SaveValue(key, value string) error {
	prefixStripped := strings.TrimPrefix(key, "shardkit.")
	return rs.Pool.Do(radix.Cmd(nil, "HSET", RedisConfigKey, prefixStripped, value))
}

func (rs *RedisConfigStore) Close() error {
	return rs.Pool.Close()
}

func (rs *RedisConfigStore) Name() string {
	return "redis"
}

package config

import (
	"os"

	"github.com/sirupsen/logrus"
)

var Singleton = NewConfigManager()

var confRedis = RegisterOption("shardkit.redis", "Redis address of the shared config hash, only read from the environment", "")

func AddSource(source ConfigSource) {
	Singleton.AddSource(source)
}

func RegisterOption(name, desc string, defaultValue interface{}) *ConfigOption {
	return Singleton.RegisterOption(name, desc, defaultValue)
}

func Load() {
	Singleton.Load()
}

// InitSources adds the redis config hash if SHARDKIT_REDIS is set and the environment on top of it, then loads
// all options
func InitSources() error {
	if addr := os.Getenv(EnvKey(confRedis.Name)); addr != "" {
		store, err := NewRedisConfigStore(addr)
		if err != nil {
			return err
		}

		logrus.Infof("reading config from redis at %s", addr)
		AddSource(store)
	}

	AddSource(&EnvSource{})
	Load()
	return nil
}

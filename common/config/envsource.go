package config

import (
	"os"
	"strings"
)

// EnvSource reads options from the environment, "shardkit.worker_id" is looked up as SHARDKIT_WORKER_ID
type EnvSource struct{}

func EnvKey(key string) string {
	properKey := strings.ToUpper(key)
	return strings.Replace(properKey, ".", "_", -1)
}

func (e *EnvSource) GetValue(key string) interface{} {
	v := os.Getenv(EnvKey(key))
	if v == "" {
		return nil
	}
	return v
}

func (e *EnvSource) Name() string {
	return "env"
}

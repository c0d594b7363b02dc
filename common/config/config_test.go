package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mapSource map[string]string

func (m mapSource) GetValue(key string) interface{} {
	if v, ok := m[key]; ok {
		return v
	}
	return nil
}

func (m mapSource) Name() string {
	return "map"
}

func TestLoadParsesIntoDefaultType(t *testing.T) {
	m := NewConfigManager()
	m.AddSource(mapSource{
		"shardkit.capacity":  "12",
		"shardkit.handoff":   "yes",
		"shardkit.cpu":       "87.5",
		"shardkit.interval":  "2s",
		"shardkit.timeout":   "1500",
		"shardkit.worker_id": "w-1",
	})

	capacity := m.RegisterOption("shardkit.capacity", "", 0)
	handoff := m.RegisterOption("shardkit.handoff", "", false)
	cpu := m.RegisterOption("shardkit.cpu", "", 90.0)
	interval := m.RegisterOption("shardkit.interval", "", time.Second*5)
	timeout := m.RegisterOption("shardkit.timeout", "", time.Second)
	workerID := m.RegisterOption("shardkit.worker_id", "", "")
	unset := m.RegisterOption("shardkit.unset", "", 7)
	m.Load()

	assert.Equal(t, 12, capacity.GetInt())
	assert.True(t, handoff.GetBool())
	assert.Equal(t, 87.5, cpu.GetFloat())
	assert.Equal(t, time.Second*2, interval.GetDuration())
	assert.Equal(t, time.Millisecond*1500, timeout.GetDuration())
	assert.Equal(t, "w-1", workerID.GetString())
	assert.Equal(t, "map", workerID.SourceName())

	assert.Equal(t, 7, unset.GetInt())
	assert.Equal(t, "7", unset.GetString())
	assert.Equal(t, "default", unset.SourceName())
}

func TestLaterSourcesWin(t *testing.T) {
	m := NewConfigManager()
	m.AddSource(mapSource{"shardkit.capacity": "1"})
	m.AddSource(mapSource{"shardkit.capacity": "2"})

	opt := m.RegisterOption("shardkit.capacity", "", 0)
	m.Load()

	assert.Equal(t, 2, opt.GetInt())
}

func TestEnvSource(t *testing.T) {
	os.Setenv("SHARDKIT_TEST_LISTEN_ADDR", ":7447")
	defer os.Unsetenv("SHARDKIT_TEST_LISTEN_ADDR")

	m := NewConfigManager()
	m.AddSource(&EnvSource{})
	opt := m.RegisterOption("shardkit.test_listen_addr", "", "")
	m.Load()

	assert.Equal(t, ":7447", opt.GetString())
	assert.Equal(t, "env", opt.SourceName())
}

func TestSorted(t *testing.T) {
	m := NewConfigManager()
	m.RegisterOption("b", "", "")
	m.RegisterOption("a", "", "")
	m.RegisterOption("c", "", "")

	sorted := m.Sorted()
	assert.Equal(t, "a", sorted[0].Name)
	assert.Equal(t, "c", sorted[2].Name)
}

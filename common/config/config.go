package config

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// ConfigSource looks up raw option values, nil means the source doesn't have it
type ConfigSource interface {
	GetValue(key string) interface{}
	Name() string
}

type ConfigOption struct {
	Name         string
	Description  string
	DefaultValue interface{}
	LoadedValue  interface{}
	Manager      *ConfigManager

	// The source the value came from, nil if it's the default
	ConfigSource ConfigSource
}

// LoadValue picks the value from the last added source that has it, and parses it into the type of the default
func (opt *ConfigOption) LoadValue() {
	newVal := opt.DefaultValue
	opt.ConfigSource = nil

	for i := len(opt.Manager.sources) - 1; i >= 0; i-- {
		source := opt.Manager.sources[i]

		v := source.GetValue(opt.Name)
		if v != nil {
			newVal = v
			opt.ConfigSource = source
			break
		}
	}

	// parse ahead of time
	switch opt.DefaultValue.(type) {
	case int:
		newVal = intVal(newVal)
	case bool:
		newVal = boolVal(newVal)
	case float64:
		newVal = floatVal(newVal)
	case time.Duration:
		newVal = durationVal(newVal)
	}

	opt.LoadedValue = newVal
}

func (opt *ConfigOption) GetString() string {
	return strVal(opt.LoadedValue)
}

func (opt *ConfigOption) GetInt() int {
	return intVal(opt.LoadedValue)
}

func (opt *ConfigOption) GetBool() bool {
	return boolVal(opt.LoadedValue)
}

func (opt *ConfigOption) GetFloat() float64 {
	return floatVal(opt.LoadedValue)
}

func (opt *ConfigOption) GetDuration() time.Duration {
	return durationVal(opt.LoadedValue)
}

// SourceName returns where the value came from
func (opt *ConfigOption) SourceName() string {
	if opt.ConfigSource == nil {
		return "default"
	}

	return opt.ConfigSource.Name()
}

type ConfigManager struct {
	sources []ConfigSource
	Options map[string]*ConfigOption
}

func NewConfigManager() *ConfigManager {
	return &ConfigManager{
		Options: make(map[string]*ConfigOption),
	}
}

// AddSource adds a source, sources added later take precedence
func (c *ConfigManager) AddSource(source ConfigSource) {
	c.sources = append(c.sources, source)
}

func (c *ConfigManager) RegisterOption(name, desc string, defaultValue interface{}) *ConfigOption {
	opt := &ConfigOption{
		Name:         name,
		Description:  desc,
		DefaultValue: defaultValue,
		Manager:      c,
	}

	c.Options[name] = opt
	return opt
}

func (c *ConfigManager) Load() {
	for _, v := range c.Options {
		v.LoadValue()
	}
}

// Sorted returns the options sorted by name
func (c *ConfigManager) Sorted() []*ConfigOption {
	result := make([]*ConfigOption, 0, len(c.Options))
	for _, v := range c.Options {
		result = append(result, v)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})

	return result
}

func strVal(i interface{}) string {
	switch t := i.(type) {
	case string:
		return t
	case int:
		return strconv.FormatInt(int64(t), 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case Stringer:
		return t.String()
	}

	return ""
}

type Stringer interface {
	String() string
}

func intVal(i interface{}) int {
	switch t := i.(type) {
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return int(n)
	case int:
		return t
	case float64:
		return int(t)
	}

	return 0
}

func floatVal(i interface{}) float64 {
	switch t := i.(type) {
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	case int:
		return float64(t)
	case float64:
		return t
	}

	return 0
}

// durationVal accepts go durations ("5s") and plain numbers as milliseconds
func durationVal(i interface{}) time.Duration {
	switch t := i.(type) {
	case string:
		t = strings.TrimSpace(t)
		if d, err := time.ParseDuration(t); err == nil {
			return d
		}

		n, _ := strconv.ParseInt(t, 10, 64)
		return time.Duration(n) * time.Millisecond
	case time.Duration:
		return t
	case int:
		return time.Duration(t) * time.Millisecond
	}

	return 0
}

func boolVal(i interface{}) bool {
	switch t := i.(type) {
	case string:
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "true" || lower == "yes" || lower == "on" || lower == "enabled" || lower == "1" {
			return true
		}

		return false
	case int:
		return t > 0
	case bool:
		return t
	}

	return false
}

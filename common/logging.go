package common

import (
	"io"
	stdlog "log"
	"os"
	"sort"
	"strings"

	"github.com/botlabs-gg/shardkit/common/config"
	"github.com/botlabs-gg/shardkit/common/sentryhook"
	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

var (
	confLogLevel      = config.RegisterOption("shardkit.log_level", "Log level (debug, info, warn, error)", "info")
	confLogTimestamps = config.RegisterOption("shardkit.log_timestamps", "Include timestamps in the log", true)
	confLogFile       = config.RegisterOption("shardkit.log_file", "Also write the log to this file, rotated at 100MB", "")
	confSentryDSN     = config.RegisterOption("shardkit.sentry_dsn", "Sentry credentials for sentry logging hook", "")
)

// InitLogging sets up logrus from the config, the tags are added to sentry events
func InitLogging(tags map[string]string) {
	logrus.AddHook(ContextHook{})

	logrus.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: !confLogTimestamps.GetBool(),
		FullTimestamp:    true,
		SortingFunc:      logrusSortingFunc,
	})

	if level, err := logrus.ParseLevel(confLogLevel.GetString()); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.WithError(err).Warn("invalid log level, using info")
	}

	if path := confLogFile.GetString(); path != "" {
		logrus.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     14,
			Compress:   true,
		}))
	}

	stdlog.SetFlags(0)
	stdlog.SetOutput(&STDLogProxy{})

	if dsn := confSentryDSN.GetString(); dsn != "" {
		addSentryHook(dsn, tags)
	}
}

func addSentryHook(dsn string, tags map[string]string) {
	err := sentryhook.Init(dsn, tags)
	if err != nil {
		logrus.WithError(err).Error("Failed adding sentry hook")
		return
	}

	logrus.AddHook(&sentryhook.Hook{})
	logrus.Info("Added Sentry Hook")
}

var logSortPriority = []string{
	"time",
	"level",
	"worker",
	"shard",
	"msg",
	"stck",
}

func logrusSortingFunc(fields []string) {
	sort.Slice(fields, func(i, j int) bool {
		iPriority := findStringIndex(logSortPriority, fields[i])
		jPriority := findStringIndex(logSortPriority, fields[j])

		if iPriority != -1 && jPriority == -1 {
			return true
		} else if jPriority != -1 && iPriority == -1 {
			return false
		} else if iPriority == -1 && jPriority == -1 {
			return strings.Compare(fields[i], fields[j]) < 0
		}

		// both has priority
		return iPriority < jPriority
	})
}

func findStringIndex(slice []string, s string) int {
	for i, v := range slice {
		if v == s {
			return i
		}
	}

	return -1
}

package sentryhook

import (
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// Hook sends error level log entries to sentry, shard and worker fields become tags
type Hook struct{}

func (hook Hook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.ErrorLevel,
		logrus.FatalLevel,
		logrus.PanicLevel,
	}
}

func (hook Hook) Fire(entry *logrus.Entry) error {
	hub := sentry.CurrentHub().Clone()
	if hub == nil {
		return nil
	}

	hub.WithScope(func(s *sentry.Scope) {
		for k, v := range entry.Data {
			strV := fmt.Sprint(v)
			switch k {
			case "shard", "worker", "coordinator":
				s.SetTag(k, strV)
			case "stck", "error":
			default:
				s.SetExtra(k, strV)
			}
		}

		if err, ok := entry.Data["error"].(error); ok {
			s.SetExtra("message", entry.Message)
			hub.CaptureException(err)
		} else {
			hub.CaptureMessage(entry.Message)
		}
	})

	return nil
}

// Init sets up the sentry client, tags are added to every event
func Init(dsn string, tags map[string]string) error {
	err := sentry.Init(sentry.ClientOptions{
		Dsn: dsn,
	})
	if err != nil {
		return err
	}

	sentry.ConfigureScope(func(s *sentry.Scope) {
		for k, v := range tags {
			s.SetTag(k, v)
		}
	})

	return nil
}

package common

import (
	"math"
	"net/http"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// ContextHook adds the caller as the stck field
type ContextHook struct{}

func (hook ContextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook ContextHook) Fire(entry *logrus.Entry) error {
	// Skip if already provided
	if _, ok := entry.Data["stck"]; ok {
		return nil
	}

	pc := make([]uintptr, 3)
	cnt := runtime.Callers(6, pc)

	for i := 0; i < cnt; i++ {
		fu := runtime.FuncForPC(pc[i] - 1)
		name := fu.Name()
		if !strings.Contains(name, "github.com/sirupsen/logrus") {
			file, line := fu.FileLine(pc[i] - 1)

			entry.Data["stck"] = filepath.Base(name) + ":" + filepath.Base(file) + ":" + strconv.Itoa(line)
			break
		}
	}
	return nil
}

// STDLogProxy sends the output of the standard log package through logrus
type STDLogProxy struct{}

func (p *STDLogProxy) Write(b []byte) (n int, err error) {
	n = len(b)

	pc := make([]uintptr, 3)
	runtime.Callers(4, pc)

	data := make(logrus.Fields)

	fu := runtime.FuncForPC(pc[0] - 1)
	if fu != nil {
		file, line := fu.FileLine(pc[0] - 1)
		data["stck"] = filepath.Base(fu.Name()) + ":" + filepath.Base(file) + ":" + strconv.Itoa(line)
	}

	logrus.WithFields(data).Info(strings.TrimSuffix(string(b), "\n"))
	return
}

var metricsDiscordResponses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shardkit_discord_http_responses_total",
	Help: "Responses from the discord api by status class and method",
}, []string{"class", "method"})

// MetricsTransport counts discord api responses by status class
type MetricsTransport struct {
	Inner http.RoundTripper
}

func (t *MetricsTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	inner := t.Inner
	if inner == nil {
		inner = http.DefaultTransport
	}

	code := 0
	resp, err := inner.RoundTrip(request)
	if resp != nil {
		code = resp.StatusCode
	}

	floored := int(math.Floor(float64(code) / 100))
	metricsDiscordResponses.With(prometheus.Labels{"class": strconv.Itoa(floored) + "xx", "method": request.Method}).Inc()

	return resp, err
}

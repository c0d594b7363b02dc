package prom

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/botlabs-gg/shardkit/common/config"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	ConfPromListenAddr      = config.RegisterOption("shardkit.metrics_listen_addr", "Prometheus listen address", "")
	ConfPromListenPortRange = config.RegisterOption("shardkit.metrics_port_range", "Prometheus listen port range, several workers on one host each take the next free port", "")
)

// Start serves /metrics on the first free port of the configured range until ctx is done
func Start(ctx context.Context) error {
	ports, err := parseRange(ConfPromListenPortRange.GetString())
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		logrus.Info("No prom ports defined, not launching prom server")
		return nil
	}

	logrus.Infof("Using port range %v", ports)
	go startHTTPServer(ctx, ConfPromListenAddr.GetString(), ports)
	return nil
}

func startHTTPServer(ctx context.Context, host string, ports []int) {
	for {
		for _, p := range ports {
			listenAddr := fmt.Sprintf("%s:%d", host, p)
			logrus.Infof("Attempting to start prom server on %s", listenAddr)

			srv := &http.Server{Addr: listenAddr, Handler: promhttp.Handler()}
			go func() {
				<-ctx.Done()
				srv.Close()
			}()

			err := srv.ListenAndServe()
			if ctx.Err() != nil {
				return
			}

			logrus.WithError(err).Warn("failed starting prom server, trying another port")
			time.Sleep(time.Second)
		}
	}
}

func parseRange(in string) ([]int, error) {
	if in == "" {
		return nil, nil
	}

	if !strings.Contains(in, "-") {
		n, err := strconv.Atoi(in)
		if err != nil {
			return nil, errors.WithStack(err)
		}

		return []int{n}, nil
	}

	split := strings.SplitN(in, "-", 2)
	parsedStart, err := strconv.Atoi(split[0])
	if err != nil {
		return nil, errors.WithStack(err)
	}

	parsedEnd, err := strconv.Atoi(split[1])
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if parsedEnd < parsedStart {
		return nil, errors.Errorf("invalid port range %q", in)
	}

	result := make([]int, 0, parsedEnd-parsedStart+1)
	for i := parsedStart; i <= parsedEnd; i++ {
		result = append(result, i)
	}

	return result, nil
}

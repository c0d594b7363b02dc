package rest

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator/orchestrator"
	"github.com/didip/tollbooth"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// DefaultRequestsPerSecond is the request ceiling per client ip
const DefaultRequestsPerSecond = 50

// RESTAPI serves the coordinator over http, for workers and operators
// IMPORTANT: opening this up to the outer internet is bad because there's no authentication.
type RESTAPI struct {
	coordinator *orchestrator.Coordinator
	listenAddr  string

	RequestsPerSecond float64

	g        *gin.Engine
	srv      *http.Server
	listener net.Listener
}

func NewRESTAPI(coordinator *orchestrator.Coordinator, listenAddr string) *RESTAPI {
	gin.SetMode(gin.ReleaseMode)

	ra := &RESTAPI{
		coordinator:       coordinator,
		listenAddr:        listenAddr,
		RequestsPerSecond: DefaultRequestsPerSecond,
		g:                 gin.New(),
	}

	ra.g.Use(gin.Recovery(), requestLogger)
	ra.setupRoutes()
	return ra
}

// Handler returns the api wrapped with compression and the request limiter
func (ra *RESTAPI) Handler() http.Handler {
	lmt := tollbooth.NewLimiter(ra.RequestsPerSecond, nil)
	return gziphandler.GzipHandler(tollbooth.LimitHandler(lmt, ra.g))
}

// Start starts listening, it returns once the listener is open
func (ra *RESTAPI) Start() error {
	listener, err := net.Listen("tcp", ra.listenAddr)
	if err != nil {
		return errors.WithMessage(err, "net.Listen")
	}

	ra.listener = listener
	ra.srv = &http.Server{
		Handler:      ra.Handler(),
		ReadTimeout:  time.Second * 10,
		WriteTimeout: time.Second * 10,
	}

	logrus.Infof("coordinator api listening on %s", listener.Addr())
	go func() {
		err := ra.srv.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("coordinator api stopped")
		}
	}()

	return nil
}

// Addr returns the address the api is listening on, empty before Start
func (ra *RESTAPI) Addr() string {
	if ra.listener == nil {
		return ""
	}

	return ra.listener.Addr().String()
}

// Stop shuts the http server down
func (ra *RESTAPI) Stop(ctx context.Context) error {
	if ra.srv == nil {
		return nil
	}

	return ra.srv.Shutdown(ctx)
}

func (ra *RESTAPI) setupRoutes() {
	ra.g.POST("/workers/register", ra.handlePOSTRegister)
	ra.g.POST("/workers/:id/heartbeat", ra.handlePOSTHeartbeat)
	ra.g.POST("/workers/:id/deregister", ra.handlePOSTDeregister)

	ra.g.GET("/cluster/state", ra.handleGETState)
	ra.g.POST("/cluster/migrateshard", ra.handlePOSTMigrateShard)
	ra.g.POST("/cluster/resize", ra.handlePOSTResize)

	ra.g.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func requestLogger(c *gin.Context) {
	started := time.Now()
	c.Next()

	entry := logrus.WithFields(logrus.Fields{
		"method": c.Request.Method,
		"path":   c.FullPath(),
		"status": c.Writer.Status(),
		"took":   time.Since(started),
	})

	if c.Writer.Status() >= 500 {
		entry.Error("coordinator api request failed")
	} else {
		entry.Debug("coordinator api request")
	}
}

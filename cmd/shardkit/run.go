package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/botlabs-gg/shardkit/bot"
	"github.com/botlabs-gg/shardkit/common"
	"github.com/botlabs-gg/shardkit/common/config"
	"github.com/botlabs-gg/shardkit/common/prom"
	"github.com/botlabs-gg/shardkit/lib/discordgo"
	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator/node"
	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator/orchestrator"
	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator/orchestrator/rest"
	"github.com/sirupsen/logrus"
)

var (
	confTotalShards       = config.RegisterOption("shardkit.total_shards", "Total number of shards, 0 asks discord for the recommended count", 0)
	confCoordinatorAddr   = config.RegisterOption("shardkit.coordinator_addr", "Address of the coordinator api", "127.0.0.1:7448")
	confCoordinatorListen = config.RegisterOption("shardkit.coordinator_listen", "Address the coordinator api listens on", "127.0.0.1:7448")
	confCoordinatorID     = config.RegisterOption("shardkit.coordinator_id", "Id of the coordinator in the cluster state", "original")
	confHeartbeat         = config.RegisterOption("shardkit.heartbeat_interval", "Interval workers heartbeat the coordinator at", time.Second*5)
	confCPUThreshold      = config.RegisterOption("shardkit.cpu_threshold", "Cpu usage percentage above which a worker gets shards moved off it", 90.0)
	confLatencyThreshold  = config.RegisterOption("shardkit.latency_threshold", "Shard latency above which the shard gets moved to a less loaded worker", time.Second*2)

	confWorkerID       = config.RegisterOption("shardkit.worker_id", "Id of this worker, random if not set", "")
	confWorkerAddr     = config.RegisterOption("shardkit.worker_address", "Address other workers reach this one on if it gets promoted to coordinator, empty disables promotion", "")
	confWorkerListen   = config.RegisterOption("shardkit.worker_listen", "Address the promoted coordinator api listens on, defaults to the worker address", "")
	confWorkerCapacity = config.RegisterOption("shardkit.worker_capacity", "Max shards on this worker, 0 is unlimited", 0)
)

// initService loads the config and sets up logging and the metrics server, the returned context is done on
// SIGINT or SIGTERM
func initService(tags map[string]string) (context.Context, context.CancelFunc, error) {
	if err := config.InitSources(); err != nil {
		return nil, nil, err
	}

	common.InitLogging(tags)

	ctx, cancel := context.WithCancel(context.Background())
	go listenSignal(cancel)

	if err := prom.Start(ctx); err != nil {
		cancel()
		return nil, nil, err
	}

	return ctx, cancel, nil
}

func listenSignal(cancel context.CancelFunc) {
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)

	sign := <-sc
	logrus.Info("Got ", sign.String(), ", shutting down")
	cancel()

	// a second one kills it
	<-sc
	os.Exit(1)
}

type StandaloneCmd struct{}

func (s *StandaloneCmd) Help() string {
	return s.Synopsis() + "\n\nConfigured through the environment, see SHARDKIT_TOKEN and SHARDKIT_TOTAL_SHARDS."
}

func (s *StandaloneCmd) Synopsis() string {
	return "runs every shard in this process"
}

func (s *StandaloneCmd) Run(args []string) int {
	ctx, cancel, err := initService(map[string]string{"mode": "standalone"})
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}
	defer cancel()

	b, err := bot.NewFromConfig(nil)
	if err != nil {
		logrus.WithError(err).Error("failed setting up bot")
		return 1
	}

	if err := b.RunStandalone(ctx, confTotalShards.GetInt()); err != nil {
		logrus.WithError(err).Error("bot stopped")
		return 1
	}

	return 0
}

type CoordinatorCmd struct{}

func (s *CoordinatorCmd) Help() string {
	return s.Synopsis() + "\n\nIf SHARDKIT_TOTAL_SHARDS isn't set the count is taken from discord, which needs SHARDKIT_TOKEN."
}

func (s *CoordinatorCmd) Synopsis() string {
	return "runs the original coordinator"
}

func (s *CoordinatorCmd) Run(args []string) int {
	ctx, cancel, err := initService(map[string]string{"mode": "coordinator"})
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}
	defer cancel()

	c := orchestrator.NewCoordinator(confCoordinatorID.GetString(), shardCountProvider())
	c.FixedTotalShardCount = confTotalShards.GetInt()
	configureCoordinator(c)
	c.Start()
	defer c.Stop()

	api := rest.NewRESTAPI(c, confCoordinatorListen.GetString())
	if err := api.Start(); err != nil {
		logrus.WithError(err).Error("failed starting coordinator api")
		return 1
	}

	logrus.Infof("Coordinator listening on %s", api.Addr())
	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second*5)
	defer stopCancel()
	if err := api.Stop(stopCtx); err != nil {
		logrus.WithError(err).Warn("failed stopping coordinator api")
	}

	return 0
}

type WorkerCmd struct{}

func (s *WorkerCmd) Help() string {
	return s.Synopsis() + "\n\nSet SHARDKIT_WORKER_ADDRESS to let this worker take over as coordinator if the original goes down."
}

func (s *WorkerCmd) Synopsis() string {
	return "runs the shards a coordinator assigns to it"
}

func (s *WorkerCmd) Run(args []string) int {
	ctx, cancel, err := initService(map[string]string{"mode": "worker"})
	if err != nil {
		fmt.Println("Error: ", err)
		return 1
	}
	defer cancel()

	b, err := bot.NewFromConfig(nil)
	if err != nil {
		logrus.WithError(err).Error("failed setting up bot")
		return 1
	}

	w := node.NewWorker(confCoordinatorAddr.GetString(), b.Manager)
	if id := confWorkerID.GetString(); id != "" {
		w.ID = id
	}
	w.Address = confWorkerAddr.GetString()
	w.ListenAddr = confWorkerListen.GetString()
	w.Capacity = confWorkerCapacity.GetInt()
	w.HeartbeatInterval = confHeartbeat.GetDuration()
	w.ShardCountProvider = &orchestrator.StdShardCountProvider{REST: b.REST}
	w.ConfigureCoordinator = configureCoordinator

	if err := b.RunWorker(ctx, w); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Error("worker stopped")
		return 1
	}

	return 0
}

func configureCoordinator(c *orchestrator.Coordinator) {
	interval := confHeartbeat.GetDuration()
	c.HeartbeatInterval = interval
	c.UnhealthyAfter = interval + interval/2
	c.RemoveAfter = interval * 3
	c.SettleWindow = interval
	c.CPUThreshold = confCPUThreshold.GetFloat()
	c.LatencyThreshold = confLatencyThreshold.GetDuration()
}

func shardCountProvider() orchestrator.ShardCountProvider {
	if n := confTotalShards.GetInt(); n > 0 {
		return orchestrator.FixedShardCountProvider(n)
	}

	token := bot.ConfToken()
	if token == "" {
		return nil
	}

	return &orchestrator.StdShardCountProvider{REST: discordgo.NewRESTExecutor(token)}
}

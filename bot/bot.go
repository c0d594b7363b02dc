package bot

import (
	"context"
	"strconv"
	"time"

	"github.com/botlabs-gg/shardkit/bot/eventsystem"
	"github.com/botlabs-gg/shardkit/common"
	"github.com/botlabs-gg/shardkit/common/config"
	"github.com/botlabs-gg/shardkit/lib/discordgo"
	"github.com/botlabs-gg/shardkit/lib/dshardmanager"
	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator/node"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	confToken         = config.RegisterOption("shardkit.token", "Bot token", "")
	confIntents       = config.RegisterOption("shardkit.intents", "Gateway intents bitmask", int(discordgo.GatewayIntentGuilds|discordgo.GatewayIntentGuildMessages))
	confGatewayURL    = config.RegisterOption("shardkit.gateway_url", "Gateway url to connect to if no resume url is known", discordgo.DefaultGatewayURL)
	confName          = config.RegisterOption("shardkit.name", "Name of the bot in logs and status messages", "shardkit")
	confLogChannel    = config.RegisterOption("shardkit.connevt_channel", "Channel to post shard connection events to", "")
	confStatusChannel = config.RegisterOption("shardkit.connstatus_channel", "Channel to keep an updated shard status message in", "")
	confMemMonitor    = config.RegisterOption("shardkit.mem_monitor", "Free memory back to the os when the system runs low", false)
)

// ErrNoToken is returned by NewFromConfig when no token is configured
var ErrNoToken = errors.New("no bot token configured (SHARDKIT_TOKEN)")

// Bot wires the shard manager, the discord rest client and the event handlers together
type Bot struct {
	Manager *dshardmanager.Manager
	REST    *discordgo.RESTExecutor
	Events  *eventsystem.System

	// When the bot was started
	Started time.Time

	// Only frees memory when set
	MemMonitor bool

	sharedIdentify *RedisIdentifyRatelimiter
}

// New creates a bot for the token, events go to the given event system, or the default one if nil
func New(token string, events *eventsystem.System) *Bot {
	if events == nil {
		events = eventsystem.Default
	}

	rest := discordgo.NewRESTExecutor(token)
	rest.Client.Transport = &common.MetricsTransport{Inner: rest.Client.Transport}
	rest.Ratelimiter.OnEvent = onRatelimitEvent

	b := &Bot{
		REST:    rest,
		Events:  events,
		Started: time.Now(),
	}

	b.Manager = dshardmanager.New(token)
	b.Manager.REST = rest
	b.Manager.Handler = b
	b.Manager.OnEvent = b.onConnectionEvent

	return b
}

// NewFromConfig creates a bot from the loaded config options
func NewFromConfig(events *eventsystem.System) (*Bot, error) {
	token := confToken.GetString()
	if token == "" {
		return nil, ErrNoToken
	}

	b := New(token, events)
	b.Manager.Name = confName.GetString()
	b.Manager.Intents = IntentsFromMask(confIntents.GetInt())
	b.Manager.GatewayURL = confGatewayURL.GetString()
	b.Manager.LogChannel, _ = strconv.ParseInt(confLogChannel.GetString(), 10, 64)
	b.Manager.StatusMessageChannel, _ = strconv.ParseInt(confStatusChannel.GetString(), 10, 64)
	b.MemMonitor = confMemMonitor.GetBool()

	if err := b.setupIdentifyRatelimiter(confIdentifyConcurrency.GetInt()); err != nil {
		return nil, errors.WithMessage(err, "identify ratelimiter")
	}

	return b, nil
}

// ConfToken returns the configured bot token
func ConfToken() string {
	return confToken.GetString()
}

// IntentsFromMask splits a bitmask into its intents
func IntentsFromMask(mask int) []discordgo.GatewayIntent {
	var result []discordgo.GatewayIntent
	for bit := 0; bit < 31; bit++ {
		if mask&(1<<uint(bit)) != 0 {
			result = append(result, discordgo.GatewayIntent(1<<uint(bit)))
		}
	}

	return result
}

// OnDispatch implements discordgo.GatewayEventHandler, events are queued on the event system
func (b *Bot) OnDispatch(shardID int, eventType string, data []byte) {
	b.Events.OnDispatch(shardID, eventType, data)
}

// OnShardStatus implements discordgo.GatewayEventHandler
func (b *Bot) OnShardStatus(shardID int, status discordgo.GatewayStatus) {
	metricsShardStatusChanges.WithLabelValues(status.String()).Inc()
}

func (b *Bot) onConnectionEvent(e *dshardmanager.Event) {
	metricsConnectionEvents.WithLabelValues(e.Type.String()).Inc()
	b.Manager.LogConnectionEventStd(e)
}

// RunStandalone runs every shard in this process until ctx is done, a totalShards below 1 asks discord for the
// recommended count
func (b *Bot) RunStandalone(ctx context.Context, totalShards int) error {
	if totalShards < 1 {
		var err error
		totalShards, err = b.Manager.GetRecommendedCount(ctx)
		if err != nil {
			return errors.WithMessage(err, "GetRecommendedCount")
		}

		// the shared limiter takes priority over the per process one set up from the gateway info
		if b.sharedIdentify != nil {
			b.Manager.IdentifyRatelimiter = b.sharedIdentify
		}
	}

	shards := make([]int, totalShards)
	for i := range shards {
		shards[i] = i
	}

	logrus.Infof("Running standalone with %d shards", totalShards)
	b.startBackground(ctx)

	err := b.Manager.Start(ctx, shards, totalShards)
	if err != nil {
		b.Stop()
		return err
	}

	<-ctx.Done()
	b.Stop()
	return nil
}

// RunWorker runs the shards the coordinator assigns to the worker until ctx is done
func (b *Bot) RunWorker(ctx context.Context, w *node.Worker) error {
	b.Manager.HandoffSessions = true
	w.Runner = b.Manager

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// a fatal shard error (bad token, disallowed intents) won't fix itself, so stop working for the coordinator
	fatal := make(chan error, 1)
	b.Manager.OnShardFatal = func(shardID int, err error) {
		select {
		case fatal <- errors.WithMessagef(err, "shard %d", shardID):
		default:
		}
		cancel()
	}

	logrus.WithField("worker", w.ID).Infof("Running as worker of the coordinator at %s", w.CoordinatorAddress)
	b.startBackground(ctx)

	err := w.Run(ctx)
	b.Stop()

	select {
	case fatalErr := <-fatal:
		return fatalErr
	default:
	}

	return err
}

func (b *Bot) startBackground(ctx context.Context) {
	go b.runUpdateMetrics(ctx)

	if b.MemMonitor {
		watcher := &MemWatcher{}
		go watcher.Run(ctx)
	}
}

// Stop disconnects every shard and waits for the queued events to be handled
func (b *Bot) Stop() {
	logrus.Info("Stopping shards")
	if err := b.Manager.StopAll(); err != nil {
		logrus.WithError(err).Warn("error stopping shards")
	}

	b.Events.Close()
}

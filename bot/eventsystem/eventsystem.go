package eventsystem

import (
	"context"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// EventAll can be passed to AddHandler to receive every event
const EventAll = "*"

// A few common dispatch types, any type discord sends can be registered
const (
	EventGuildCreate   = "GUILD_CREATE"
	EventGuildUpdate   = "GUILD_UPDATE"
	EventGuildDelete   = "GUILD_DELETE"
	EventMessageCreate = "MESSAGE_CREATE"
	EventMessageUpdate = "MESSAGE_UPDATE"
	EventMessageDelete = "MESSAGE_DELETE"
	EventMemberAdd     = "GUILD_MEMBER_ADD"
	EventMemberRemove  = "GUILD_MEMBER_REMOVE"
	EventInteraction   = "INTERACTION_CREATE"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricsEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardkit_events_total",
		Help: "Dispatched gateway events by type",
	}, []string{"type"})

	metricsHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardkit_event_handler_errors_total",
		Help: "Errors and recovered panics in event handlers",
	}, []string{"handler", "kind"})
)

type HandlerFunc func(evt *EventData) (retry bool, err error)

type Handler struct {
	// Who registered it, shows up in logs and metrics
	Name string
	F    HandlerFunc
}

type EventData struct {
	ShardID int
	Type    string
	Raw     []byte

	ctx       context.Context
	cancelled *int32
}

func NewEventData(shardID int, t string, raw []byte) *EventData {
	return &EventData{
		ShardID:   shardID,
		Type:      t,
		Raw:       raw,
		cancelled: new(int32),
	}
}

// Cancel stops the remaining handlers from running
func (e *EventData) Cancel() {
	atomic.StoreInt32(e.cancelled, 1)
}

func (e *EventData) Cancelled() bool {
	return atomic.LoadInt32(e.cancelled) != 0
}

func (e *EventData) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}

	return e.ctx
}

func (e *EventData) WithContext(ctx context.Context) *EventData {
	cop := new(EventData)
	*cop = *e
	cop.ctx = ctx
	return cop
}

// GuildID returns the guild the event belongs to, or 0
func (e *EventData) GuildID() int64 {
	key := "guild_id"
	if e.Type == EventGuildCreate || e.Type == EventGuildUpdate || e.Type == EventGuildDelete {
		key = "id"
	}

	str, err := jsonparser.GetString(e.Raw, key)
	if err != nil {
		return 0
	}

	id, _ := strconv.ParseInt(str, 10, 64)
	return id
}

// Unmarshal decodes the event payload into v
func (e *EventData) Unmarshal(v interface{}) error {
	return json.Unmarshal(e.Raw, v)
}

type Order int

const (
	// Ran first, synchronously on the shards event worker
	OrderSyncFirst Order = 0
	// Ran second, synchronously on the shards event worker
	OrderSyncSecond Order = 1
	// Ran last in its own goroutine, most handlers should use this unless they need ordering
	OrderAsyncLast Order = 2
)

// System routes gateway events to the handlers registered for their type. Every shard gets its own worker
// so events of a shard are handled in order without holding up its connection.
type System struct {
	// Size of the per shard queue
	QueueSize int

	// A handler asking for a retry is retried this many times, with the delay doubling each time
	MaxRetries int
	RetryDelay time.Duration

	mu       sync.RWMutex
	handlers map[string][][]*Handler

	workersMu sync.RWMutex
	workers   map[int]chan *EventData
	closed    bool

	workersWG sync.WaitGroup
	asyncWG   sync.WaitGroup
}

func New() *System {
	return &System{
		QueueSize:  5000,
		MaxRetries: 5,
		RetryDelay: time.Millisecond * 500,
		handlers:   make(map[string][][]*Handler),
		workers:    make(map[int]chan *EventData),
	}
}

// Default is the registration table handlers add themselves to at startup
var Default = New()

// AddHandler adds a event handler to the default system
func AddHandler(name string, handler HandlerFunc, order Order, evts ...string) *Handler {
	return Default.AddHandler(name, handler, order, evts...)
}

// AddHandlerAsyncLast adds a handler to the default system using the OrderAsyncLast order
func AddHandlerAsyncLast(name string, handler HandlerFunc, evts ...string) *Handler {
	return Default.AddHandler(name, handler, OrderAsyncLast, evts...)
}

func (s *System) AddHandler(name string, handler HandlerFunc, order Order, evts ...string) *Handler {
	h := &Handler{
		Name: name,
		F:    handler,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, evt := range evts {
		orders, ok := s.handlers[evt]
		if !ok {
			orders = make([][]*Handler, 3)
			s.handlers[evt] = orders
		}

		orders[order] = append(orders[order], h)
	}

	return h
}

func (s *System) handlersFor(evt string, order Order) []*Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Handler
	if orders, ok := s.handlers[EventAll]; ok {
		result = append(result, orders[order]...)
	}

	if orders, ok := s.handlers[evt]; ok {
		result = append(result, orders[order]...)
	}

	return result
}

// OnDispatch queues the event on the shards worker, it's meant to be called from the gateway connections
func (s *System) OnDispatch(shardID int, eventType string, data []byte) {
	s.QueueEvent(NewEventData(shardID, eventType, data))
}

func (s *System) QueueEvent(evt *EventData) {
	ch := s.worker(evt.ShardID)

	s.workersMu.RLock()
	defer s.workersMu.RUnlock()
	if s.closed {
		return
	}

	select {
	case ch <- evt:
	default:
		logrus.WithField("shard", evt.ShardID).Errorf("Max events in queue: %d", len(ch))
		ch <- evt // attempt to send it anyways for now
	}
}

// worker returns the queue of the shard, starting its worker if needed
func (s *System) worker(shardID int) chan *EventData {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	ch, ok := s.workers[shardID]
	if !ok && !s.closed {
		ch = make(chan *EventData, s.QueueSize)
		s.workers[shardID] = ch
		s.workersWG.Add(1)
		go s.eventWorker(ch)
	}

	return ch
}

func (s *System) eventWorker(ch chan *EventData) {
	defer s.workersWG.Done()
	for evt := range ch {
		s.HandleEvent(evt)
	}
}

// HandleEvent runs the handlers for the event, the synchronous ones before it returns
func (s *System) HandleEvent(evt *EventData) {
	metricsEvents.With(prometheus.Labels{"type": evt.Type}).Inc()

	s.runHandlers(s.handlersFor(evt.Type, OrderSyncFirst), evt)
	s.runHandlers(s.handlersFor(evt.Type, OrderSyncSecond), evt)

	async := s.handlersFor(evt.Type, OrderAsyncLast)
	if len(async) < 1 {
		return
	}

	s.asyncWG.Add(1)
	go func() {
		defer s.asyncWG.Done()
		s.runHandlers(async, evt)
	}()
}

func (s *System) runHandlers(h []*Handler, evt *EventData) {
	for _, v := range h {
		sleepTime := s.RetryDelay
		for attempt := 0; ; attempt++ {
			if evt.Cancelled() {
				return
			}

			// Sleep a bit between retries
			if attempt > 0 {
				time.Sleep(sleepTime)
				sleepTime *= 2
			}

			retry, err := s.runHandler(v, evt)
			if err != nil {
				metricsHandlerErrors.With(prometheus.Labels{"handler": v.Name, "kind": "error"}).Inc()
				logrus.WithField("shard", evt.ShardID).WithField("evt", evt.Type).WithField("guild", evt.GuildID()).Errorf("%s: An error occured in a discord event handler: %+v", v.Name, err)
			}

			if !retry || attempt >= s.MaxRetries {
				break
			}

			logrus.WithField("shard", evt.ShardID).WithField("evt", evt.Type).Warnf("%s: Retrying event handler... %dc", v.Name, attempt+1)
		}
	}
}

func (s *System) runHandler(h *Handler, evt *EventData) (retry bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			metricsHandlerErrors.With(prometheus.Labels{"handler": h.Name, "kind": "panic"}).Inc()
			logrus.WithField(logrus.ErrorKey, r).WithField("evt", evt.Type).WithField("shard", evt.ShardID).Error("Recovered from panic in event handler\n" + stack)
			retry = false
			err = nil
		}
	}()

	return h.F(evt)
}

// Close stops the shard workers after they handled what's queued, and waits for the async handlers
func (s *System) Close() {
	s.workersMu.Lock()
	if s.closed {
		s.workersMu.Unlock()
		return
	}

	s.closed = true
	for _, ch := range s.workers {
		close(ch)
	}
	s.workersMu.Unlock()

	s.workersWG.Wait()
	s.asyncWG.Wait()
}

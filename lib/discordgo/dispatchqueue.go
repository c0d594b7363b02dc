package discordgo

import (
	"sync"

	"github.com/sirupsen/logrus"
)

type queuedEvent struct {
	isStatus  bool
	status    GatewayStatus
	eventType string
	data      []byte
}

// dispatchQueue hands a shard's events to its handler in order, without making the reader wait on the handler
type dispatchQueue struct {
	mu      sync.Mutex
	items   []queuedEvent
	closing bool
	closed  bool
	signal  chan struct{}
	done    chan struct{}

	shardID int
	handler GatewayEventHandler
}

func newDispatchQueue(shardID int, handler GatewayEventHandler) *dispatchQueue {
	return &dispatchQueue{
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		shardID: shardID,
		handler: handler,
	}
}

func (q *dispatchQueue) pushDispatch(eventType string, data []byte) {
	q.push(queuedEvent{eventType: eventType, data: data})
}

func (q *dispatchQueue) pushStatus(status GatewayStatus) {
	q.push(queuedEvent{isStatus: true, status: status})
}

func (q *dispatchQueue) push(evt queuedEvent) {
	if q.handler == nil {
		return
	}

	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, evt)
	q.mu.Unlock()

	q.notify()
}

func (q *dispatchQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *dispatchQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closing
}

// closeAndDrain stops accepting events, the ones already queued are still delivered
func (q *dispatchQueue) closeAndDrain() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()
	q.notify()
}

func (q *dispatchQueue) run() {
	defer close(q.done)

	for range q.signal {
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				closing := q.closing
				if closing {
					q.closed = true
				}
				q.mu.Unlock()

				if closing {
					return
				}
				break
			}

			evt := q.items[0]
			q.items[0] = queuedEvent{}
			q.items = q.items[1:]
			q.mu.Unlock()

			q.deliver(evt)
		}
	}
}

func (q *dispatchQueue) deliver(evt queuedEvent) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("shard", q.shardID).Errorf("recovered from panic in gateway event handler: %v", r)
		}
	}()

	if evt.isStatus {
		q.handler.OnShardStatus(q.shardID, evt.status)
	} else {
		q.handler.OnDispatch(q.shardID, evt.eventType, evt.data)
	}
}

package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/questrewards/internal/quests"
	"github.com/MarcoPoloResearchLab/questrewards/internal/stark"
	"github.com/gin-gonic/gin"
)

const (
	EventQuestCompleted  = "quest-completed"
	eventHeartbeat       = "heartbeat"
	eventSourceBackend   = "questrewards-backend"
	defaultEventBuffer   = 16
	defaultHeartbeatTick = 25 * time.Second
)

// CompletionEvent is delivered to subscribers of an address when a quest award commits.
type CompletionEvent struct {
	Address    stark.Address
	QuestID    uint64
	Experience int64
	AwardedAt  time.Time
}

// EventDispatcher fans completion events out to per-address subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[stark.Address]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan CompletionEvent
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[stark.Address]map[int64]*eventSubscriber),
		bufferSize:  defaultEventBuffer,
	}
}

// Subscribe registers a stream for address until ctx ends or the returned cleanup runs.
func (d *EventDispatcher) Subscribe(ctx context.Context, address stark.Address) (<-chan CompletionEvent, func()) {
	if address == "" {
		ch := make(chan CompletionEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan CompletionEvent, d.bufferSize),
	}
	d.registerSubscriber(address, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(address, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *EventDispatcher) Publish(event CompletionEvent) {
	if event.Address == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.Address]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*eventSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// PublishQuestCompletion adapts the dispatcher to quests.CompletionListener.
func (d *EventDispatcher) PublishQuestCompletion(completion quests.QuestCompletion) {
	d.Publish(CompletionEvent{
		Address:    completion.Address,
		QuestID:    completion.QuestID.Uint64(),
		Experience: completion.Experience,
		AwardedAt:  completion.AwardedAt,
	})
}

func (d *EventDispatcher) subscriberCount(address stark.Address) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[address])
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) registerSubscriber(address stark.Address, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[address]; !ok {
		d.subscribers[address] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[address][subscriber.id] = subscriber
}

func (d *EventDispatcher) unregisterSubscriber(address stark.Address, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[address]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, address)
		}
	}
	d.mu.Unlock()
}

type completionEventPayload struct {
	Address    string `json:"address"`
	QuestID    uint64 `json:"quest_id"`
	Experience int64  `json:"experience"`
	AwardedAt  int64  `json:"awarded_at_ms"`
}

type heartbeatPayload struct {
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp_ms"`
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	address, err := stark.NewAddress(c.Query("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, address)
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(eventHeartbeat, heartbeatPayload{Source: eventSourceBackend, Timestamp: time.Now().UnixMilli()})
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(EventQuestCompleted, completionEventPayload{
				Address:    event.Address.String(),
				QuestID:    event.QuestID,
				Experience: event.Experience,
				AwardedAt:  event.AwardedAt.UnixMilli(),
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(eventHeartbeat, heartbeatPayload{Source: eventSourceBackend, Timestamp: tick.UnixMilli()})
			return true
		}
	})
}

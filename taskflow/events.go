package taskflow

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// EventHandler receives live events in delivery order.
type EventHandler func(TaskEvent)

// Subscription is the handle returned by Subscribe. Close releases it and
// is safe to call more than once.
type Subscription interface {
	Close() error
}

// EventChannel delivers server-pushed task events while a subscription is
// active. Missed events are not replayed; the next fetch recovers them.
type EventChannel interface {
	Subscribe(ctx context.Context, handler EventHandler) (Subscription, error)
}

// Hub fans events out to its subscribers in arrival order. Transports such
// as WSChannel publish into a Hub.
type Hub struct {
	log      logrus.FieldLogger
	mu       sync.RWMutex
	handlers map[uint64]EventHandler
	nextID   uint64
}

func NewHub(logger logrus.FieldLogger) *Hub {
	return &Hub{
		log:      componentLogger(logger, "events"),
		handlers: make(map[uint64]EventHandler),
	}
}

func (h *Hub) Subscribe(_ context.Context, handler EventHandler) (Subscription, error) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.handlers[id] = handler
	h.mu.Unlock()
	return &hubSubscription{hub: h, id: id}, nil
}

// Publish delivers ev to every current subscriber. A panicking handler does
// not stop delivery to the others.
func (h *Hub) Publish(ev TaskEvent) {
	h.mu.RLock()
	handlers := make([]EventHandler, 0, len(h.handlers))
	for _, fn := range h.handlers {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()
	for _, fn := range handlers {
		h.deliver(fn, ev)
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}

func (h *Hub) deliver(fn EventHandler, ev TaskEvent) {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithFields(logrus.Fields{"type": ev.Type, "task_id": ev.TaskID, "panic": r}).Error("event handler panicked")
		}
	}()
	fn(ev)
}

type hubSubscription struct {
	hub  *Hub
	id   uint64
	once sync.Once
}

func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.handlers, s.id)
		s.hub.mu.Unlock()
	})
	return nil
}

// ApplyEvent folds one live event into tasks and returns the new list:
//   - created: prepended unless the id is already present
//   - updated (and assigned, when it carries the task): replaces the match
//   - deleted: removes the match
//
// Anything else, or an event missing the data it needs, leaves the list as is.
func ApplyEvent(tasks []Task, ev TaskEvent) ([]Task, bool) {
	switch ev.Type {
	case EventCreated:
		if ev.Task == nil || indexOf(tasks, ev.Task.ID) >= 0 {
			return tasks, false
		}
		out := make([]Task, 0, len(tasks)+1)
		out = append(out, *ev.Task)
		return append(out, tasks...), true
	case EventUpdated, EventAssigned:
		if ev.Task == nil {
			return tasks, false
		}
		i := indexOf(tasks, ev.TaskID)
		if i < 0 {
			return tasks, false
		}
		out := make([]Task, len(tasks))
		copy(out, tasks)
		out[i] = *ev.Task
		return out, true
	case EventDeleted:
		if indexOf(tasks, ev.TaskID) < 0 {
			return tasks, false
		}
		return removeByID(tasks, ev.TaskID), true
	}
	return tasks, false
}

func indexOf(tasks []Task, id string) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

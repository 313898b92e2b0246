// Package event delivers plugin lifecycle notifications to interested host
// components.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/enclave-dev/enclave/logging/logger"
)

// Well known plugin lifecycle events.
const (
	PluginLoaded     = "plugin.loaded"
	PluginStopped    = "plugin.stopped"
	PluginCrashed    = "plugin.crashed"
	PluginRestarted  = "plugin.restarted"
	PluginTerminated = "plugin.terminated"
	PluginViolation  = "plugin.violation"
	PluginReloaded   = "plugin.reloaded"
)

// Data is the envelope delivered to subscribers.
type Data struct {
	Time      time.Time
	Source    string
	EventType string
	Payload   any
}

// Dispatcher handles event publishing and subscription.
type Dispatcher struct {
	subscribers map[string][]func(Data)
	mu          sync.RWMutex
	metrics     struct {
		published      atomic.Int64
		delivered      atomic.Int64
		failed         atomic.Int64
		activeHandlers atomic.Int32
		lastEventTime  atomic.Value // time.Time
		startTime      time.Time
	}
}

// NewDispatcher creates a new event dispatcher.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		subscribers: make(map[string][]func(Data)),
	}
	d.metrics.lastEventTime.Store(time.Time{})
	d.metrics.startTime = time.Now()
	return d
}

// Subscribe adds a handler for a specific event.
func (d *Dispatcher) Subscribe(eventName string, handler func(Data)) {
	if handler == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[eventName] = append(d.subscribers[eventName], d.wrapHandler(handler))
}

// Publish sends the event to all subscribers. Handlers run concurrently and
// must not block on the dispatcher.
func (d *Dispatcher) Publish(eventName, source string, payload any) {
	d.mu.RLock()
	handlers := d.subscribers[eventName]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	now := time.Now()
	d.metrics.published.Add(int64(len(handlers)))
	d.metrics.lastEventTime.Store(now)

	data := Data{
		Time:      now,
		Source:    source,
		EventType: eventName,
		Payload:   payload,
	}
	for _, handler := range handlers {
		go handler(data)
	}
}

// wrapHandler wraps a handler with metrics and panic recovery.
func (d *Dispatcher) wrapHandler(handler func(Data)) func(Data) {
	return func(data Data) {
		d.metrics.activeHandlers.Add(1)
		defer d.metrics.activeHandlers.Add(-1)

		defer func() {
			if r := recover(); r != nil {
				d.metrics.failed.Add(1)
				logger.Errorf(nil, "event handler panic on %s: %v", data.EventType, r)
				return
			}
			d.metrics.delivered.Add(1)
		}()

		handler(data)
	}
}

// Metrics returns dispatcher counters.
func (d *Dispatcher) Metrics() map[string]any {
	published := d.metrics.published.Load()
	delivered := d.metrics.delivered.Load()

	var successRate float64
	if published > 0 {
		successRate = float64(delivered) / float64(published) * 100.0
	}

	return map[string]any{
		"published":       published,
		"delivered":       delivered,
		"failed":          d.metrics.failed.Load(),
		"success_rate":    successRate,
		"active_handlers": d.metrics.activeHandlers.Load(),
		"last_event_time": d.metrics.lastEventTime.Load().(time.Time),
		"uptime_seconds":  time.Since(d.metrics.startTime).Seconds(),
	}
}

package event

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDelivers(t *testing.T) {
	d := NewDispatcher()
	var mu sync.Mutex
	var got []Data
	done := make(chan struct{}, 1)

	d.Subscribe(PluginLoaded, func(data Data) {
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
		done <- struct{}{}
	})

	d.Publish(PluginLoaded, "manager", "analytics")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].EventType != PluginLoaded || got[0].Payload != "analytics" {
		t.Errorf("delivered = %+v", got)
	}
}

func TestPublishNoSubscribersIsNoop(t *testing.T) {
	d := NewDispatcher()
	d.Publish(PluginCrashed, "manager", nil)
	if d.Metrics()["published"].(int64) != 0 {
		t.Error("publish without subscribers should not count")
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	d := NewDispatcher()
	okRan := make(chan struct{}, 1)
	d.Subscribe(PluginCrashed, func(Data) {
		panic("handler bug")
	})
	d.Subscribe(PluginCrashed, func(Data) {
		okRan <- struct{}{}
	})

	d.Publish(PluginCrashed, "manager", nil)

	select {
	case <-okRan:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler should run despite the first panicking")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.Metrics()["failed"].(int64) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("panicking handler should be counted as failed")
}

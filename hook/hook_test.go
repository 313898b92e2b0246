package hook

import (
	"context"
	"errors"
	"testing"

	"github.com/enclave-dev/enclave/plugin"
)

func TestTriggerPriorityOrder(t *testing.T) {
	h := New[int]("transform")
	// Registered out of order on purpose; execution must follow priority.
	h.RegisterFunc(PriorityLow, func(_ context.Context, n int, _ *plugin.Context) (int, error) {
		return n - 5, nil
	}, "minus")
	h.RegisterFunc(PriorityHigh, func(_ context.Context, n int, _ *plugin.Context) (int, error) {
		return n + 10, nil
	}, "plus")
	h.RegisterFunc(PriorityNormal, func(_ context.Context, n int, _ *plugin.Context) (int, error) {
		return n * 2, nil
	}, "times")

	got, err := h.Trigger(context.Background(), 5, plugin.NewContext())
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if got != 25 {
		t.Errorf("Trigger(5) = %d, want 25", got)
	}
}

func TestTriggerErrorShortCircuits(t *testing.T) {
	h := New[int]("transform")
	ran := false
	h.RegisterFunc(PriorityHigh, func(_ context.Context, n int, _ *plugin.Context) (int, error) {
		return n + 10, nil
	}, "plus")
	h.RegisterFunc(PriorityNormal, func(_ context.Context, n int, _ *plugin.Context) (int, error) {
		return 0, errors.New("handler exploded")
	}, "boom")
	h.RegisterFunc(PriorityLow, func(_ context.Context, n int, _ *plugin.Context) (int, error) {
		ran = true
		return n - 5, nil
	}, "minus")

	_, err := h.Trigger(context.Background(), 5, plugin.NewContext())
	if err == nil {
		t.Fatal("trigger should propagate the handler error")
	}
	if !plugin.IsKind(err, plugin.KindHook) {
		t.Errorf("error kind = %v, want hook error", err)
	}
	if ran {
		t.Error("lower priority handler ran after the chain aborted")
	}
}

func TestEqualPriorityFIFO(t *testing.T) {
	h := New[[]string]("order")
	for _, name := range []string{"first", "second", "third"} {
		name := name
		h.RegisterFunc(PriorityNormal, func(_ context.Context, seen []string, _ *plugin.Context) ([]string, error) {
			return append(seen, name), nil
		}, name)
	}
	got, err := h.Trigger(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

func TestUnregister(t *testing.T) {
	h := New[int]("transform")
	id := h.RegisterFunc(PriorityNormal, func(_ context.Context, n int, _ *plugin.Context) (int, error) {
		return n * 2, nil
	}, "times")
	if h.Len() != 1 {
		t.Fatalf("Len = %d", h.Len())
	}
	if !h.Unregister(id) {
		t.Error("unregister should report success")
	}
	if h.Unregister(id) {
		t.Error("second unregister should report failure")
	}
	got, err := h.Trigger(context.Background(), 7, nil)
	if err != nil || got != 7 {
		t.Errorf("empty chain Trigger(7) = %d, %v", got, err)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	h := New[string]("greet")
	if err := Add(r, h); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := Add(r, New[string]("greet")); err == nil {
		t.Error("duplicate chain name should be rejected")
	}

	got, err := In[string](r, "greet")
	if err != nil || got != h {
		t.Errorf("In = %v, %v", got, err)
	}
	if _, err := In[string](r, "missing"); !plugin.IsKind(err, plugin.KindHookNotFound) {
		t.Errorf("missing chain error = %v, want hook not found", err)
	}
	if _, err := In[int](r, "greet"); err == nil {
		t.Error("type mismatch should be rejected")
	}
}

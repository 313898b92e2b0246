package ipc

import (
	"context"
	"errors"
	"testing"
	"time"
)

// loopbackSender answers every context request synchronously, like a host
// whose reader loop serves from an in-memory store.
type loopbackSender struct {
	proxy  *ContextProxy
	values map[string][]byte
	fail   string
}

func (s *loopbackSender) Send(msg Message) error {
	switch msg.Kind {
	case KindContextGet:
		var req ContextGet
		if err := msg.Decode(&req); err != nil {
			return err
		}
		resp := ContextGetResponse{RequestID: req.RequestID}
		if s.fail != "" {
			resp.Error = s.fail
		} else if data, ok := s.values[req.Key]; ok {
			resp.Found = true
			resp.Data = data
		}
		go s.deliver(KindContextGetResponse, resp)
	case KindContextSet:
		var req ContextSet
		if err := msg.Decode(&req); err != nil {
			return err
		}
		resp := ContextSetResponse{RequestID: req.RequestID, Success: s.fail == "", Error: s.fail}
		if s.fail == "" {
			s.values[req.Key] = req.Data
		}
		go s.deliver(KindContextSetResponse, resp)
	case KindContextHas:
		var req ContextHas
		if err := msg.Decode(&req); err != nil {
			return err
		}
		_, ok := s.values[req.Key]
		go s.deliver(KindContextHasResponse, ContextHasResponse{RequestID: req.RequestID, Exists: ok})
	}
	return nil
}

func (s *loopbackSender) deliver(kind Kind, payload any) {
	msg, err := NewMessage(kind, payload)
	if err == nil {
		s.proxy.HandleResponse(msg)
	}
}

func newLoopbackProxy() (*ContextProxy, *loopbackSender) {
	s := &loopbackSender{values: make(map[string][]byte)}
	p := NewContextProxy(s)
	s.proxy = p
	return p, s
}

func TestProxySetGetHas(t *testing.T) {
	p, _ := newLoopbackProxy()
	ctx := context.Background()

	if err := p.Set(ctx, "greeting", []byte("hi")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	data, found, err := p.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(data) != "hi" {
		t.Errorf("Get = (%q, %v)", data, found)
	}
	exists, err := p.Has(ctx, "greeting")
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !exists {
		t.Error("Has = false for stored key")
	}
}

func TestProxyMissingKey(t *testing.T) {
	p, _ := newLoopbackProxy()
	data, found, err := p.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found || data != nil {
		t.Errorf("Get = (%q, %v), want not found", data, found)
	}
}

func TestProxyHostError(t *testing.T) {
	p, s := newLoopbackProxy()
	s.fail = "permission denied"

	if err := p.Set(context.Background(), "secret", []byte("x")); err == nil {
		t.Fatal("expected host-side error")
	}
	_, _, err := p.Get(context.Background(), "secret")
	if err == nil || err.Error() != "permission denied" {
		t.Errorf("Get error = %v", err)
	}
}

type silentSender struct{}

func (silentSender) Send(Message) error { return nil }

func TestProxyContextCancellation(t *testing.T) {
	p := NewContextProxy(silentSender{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := p.Get(ctx, "never")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestProxyAbortFailsPending(t *testing.T) {
	p := NewContextProxy(silentSender{})

	done := make(chan error, 1)
	go func() {
		_, _, err := p.Get(context.Background(), "orphan")
		done <- err
	}()

	// Let the request register before aborting.
	time.Sleep(20 * time.Millisecond)
	p.Abort()

	select {
	case err := <-done:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("want ErrChannelClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not aborted")
	}
}

func TestProxyIgnoresUnknownResponse(t *testing.T) {
	p := NewContextProxy(silentSender{})
	msg, err := NewMessage(KindContextGetResponse, ContextGetResponse{RequestID: 999})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if p.HandleResponse(msg) {
		t.Error("HandleResponse claimed a waiter for an unknown id")
	}
	pong, _ := NewMessage(KindPong, nil)
	if p.HandleResponse(pong) {
		t.Error("HandleResponse accepted a non-context message")
	}
}

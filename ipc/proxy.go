package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Sender is the outbound half of a channel, implemented by *Channel and by
// test doubles.
type Sender interface {
	Send(Message) error
}

// ContextProxy gives worker-side plugin code access to the host's shared
// context. Requests carry a per-connection id; the channel reader loop feeds
// responses back through HandleResponse, which wakes the awaiting caller.
type ContextProxy struct {
	sender Sender
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Message
}

// NewContextProxy creates a proxy that sends requests through sender.
func NewContextProxy(sender Sender) *ContextProxy {
	return &ContextProxy{
		sender:  sender,
		pending: make(map[uint64]chan Message),
	}
}

// HandleResponse routes a context response to the caller awaiting its
// request id. It reports whether anyone was waiting.
func (p *ContextProxy) HandleResponse(msg Message) bool {
	var id uint64
	switch msg.Kind {
	case KindContextGetResponse:
		var resp ContextGetResponse
		if msg.Decode(&resp) != nil {
			return false
		}
		id = resp.RequestID
	case KindContextSetResponse:
		var resp ContextSetResponse
		if msg.Decode(&resp) != nil {
			return false
		}
		id = resp.RequestID
	case KindContextHasResponse:
		var resp ContextHasResponse
		if msg.Decode(&resp) != nil {
			return false
		}
		id = resp.RequestID
	default:
		return false
	}

	p.mu.Lock()
	ch, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// Abort fails every pending request, used when the connection drops.
func (p *ContextProxy) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}

func (p *ContextProxy) roundTrip(ctx context.Context, kind Kind, payload any, id uint64) (Message, error) {
	ch := make(chan Message, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()

	msg, err := NewMessage(kind, payload)
	if err == nil {
		err = p.sender.Send(msg)
	}
	if err != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return Message{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Message{}, ErrChannelClosed
		}
		return resp, nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return Message{}, ctx.Err()
	}
}

// Get fetches the shared context value stored under key.
func (p *ContextProxy) Get(ctx context.Context, key string) ([]byte, bool, error) {
	id := p.nextID.Add(1)
	msg, err := p.roundTrip(ctx, KindContextGet, ContextGet{RequestID: id, Key: key}, id)
	if err != nil {
		return nil, false, err
	}
	var resp ContextGetResponse
	if err := msg.Decode(&resp); err != nil {
		return nil, false, err
	}
	if resp.Error != "" {
		return nil, false, errors.New(resp.Error)
	}
	return resp.Data, resp.Found, nil
}

// Set stores value under key in the shared context.
func (p *ContextProxy) Set(ctx context.Context, key string, value []byte) error {
	id := p.nextID.Add(1)
	msg, err := p.roundTrip(ctx, KindContextSet, ContextSet{RequestID: id, Key: key, Data: value}, id)
	if err != nil {
		return err
	}
	var resp ContextSetResponse
	if err := msg.Decode(&resp); err != nil {
		return err
	}
	if !resp.Success {
		if resp.Error == "" {
			return fmt.Errorf("context set %q rejected", key)
		}
		return errors.New(resp.Error)
	}
	return nil
}

// Has reports whether key exists in the shared context.
func (p *ContextProxy) Has(ctx context.Context, key string) (bool, error) {
	id := p.nextID.Add(1)
	msg, err := p.roundTrip(ctx, KindContextHas, ContextHas{RequestID: id, Key: key}, id)
	if err != nil {
		return false, err
	}
	var resp ContextHasResponse
	if err := msg.Decode(&resp); err != nil {
		return false, err
	}
	if resp.Error != "" {
		return false, errors.New(resp.Error)
	}
	return resp.Exists, nil
}

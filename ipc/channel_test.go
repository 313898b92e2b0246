package ipc

import (
	"errors"
	"net"
	"testing"
	"time"
)

func pipeChannels(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b := net.Pipe()
	ca := NewChannel(a, 0, 0)
	cb := NewChannel(b, 0, 0)
	t.Cleanup(func() {
		_ = ca.Close()
		_ = cb.Close()
	})
	return ca, cb
}

func TestChannelSendRecv(t *testing.T) {
	host, worker := pipeChannels(t)

	go func() {
		msg, _ := NewMessage(KindLogMessage, LogMessage{Level: "info", Message: "hello"})
		_ = worker.Send(msg)
	}()

	got, err := host.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.Kind != KindLogMessage {
		t.Fatalf("kind = %s", got.Kind)
	}
	var lm LogMessage
	if err := got.Decode(&lm); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if lm.Message != "hello" {
		t.Errorf("message = %q", lm.Message)
	}
}

func TestChannelClosedErrors(t *testing.T) {
	host, worker := pipeChannels(t)
	if err := host.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !host.Closed() {
		t.Error("Closed() = false after Close")
	}

	msg, _ := NewMessage(KindPing, nil)
	if err := host.Send(msg); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Send on closed channel: %v", err)
	}
	if _, err := host.Recv(); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Recv on closed channel: %v", err)
	}
	// The peer sees a plain transport error, not a hang.
	if _, err := worker.Recv(); err == nil {
		t.Error("peer Recv must fail once the other end is closed")
	}
}

func TestChannelRecvTimeout(t *testing.T) {
	host, _ := pipeChannels(t)
	start := time.Now()
	_, err := host.RecvTimeout(50 * time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("RecvTimeout took %v", elapsed)
	}
}

func TestChannelConcurrentSends(t *testing.T) {
	host, worker := pipeChannels(t)

	const n = 20
	for i := 0; i < n; i++ {
		go func() {
			msg, _ := NewMessage(KindPing, nil)
			_ = worker.Send(msg)
		}()
	}

	// The send mutex must keep frames intact under concurrency.
	for i := 0; i < n; i++ {
		msg, err := host.Recv()
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if msg.Kind != KindPing {
			t.Fatalf("frame %d corrupted: kind %s", i, msg.Kind)
		}
	}
}

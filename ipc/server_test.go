package ipc

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestServerAcceptDial(t *testing.T) {
	srv, err := NewServer(t.TempDir(), "demo")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	if !strings.Contains(srv.Path(), "enclave-demo-") {
		t.Errorf("socket path %q missing plugin name", srv.Path())
	}

	type dialResult struct {
		ch  *Channel
		err error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		ch, err := Dial(srv.Path(), 0, 0)
		dialed <- dialResult{ch, err}
	}()

	hostCh, err := srv.Accept(2*time.Second, 0, 0)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer hostCh.Close()

	res := <-dialed
	if res.err != nil {
		t.Fatalf("Dial: %v", res.err)
	}
	defer res.ch.Close()

	msg, _ := NewMessage(KindInitialize, Initialize{PluginName: "demo"})
	if err := res.ch.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := hostCh.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	var init Initialize
	if err := got.Decode(&init); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if init.PluginName != "demo" {
		t.Errorf("plugin name = %q", init.PluginName)
	}
}

func TestServerAcceptTimeout(t *testing.T) {
	srv, err := NewServer(t.TempDir(), "lonely")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	if _, err := srv.Accept(100*time.Millisecond, 0, 0); err == nil {
		t.Fatal("expected accept timeout")
	}
}

func TestServerCloseRemovesSocket(t *testing.T) {
	srv, err := NewServer(t.TempDir(), "tidy")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	path := srv.Path()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("socket missing before close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket still present after close: %v", err)
	}
}

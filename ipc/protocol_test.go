package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	msg, err := NewMessage(KindExecuteHook, ExecuteHook{
		HookName:  "on_event",
		Data:      []byte(`{"id":42}`),
		TimeoutMS: 5000,
	})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Kind != KindExecuteHook {
		t.Fatalf("kind = %s, want %s", got.Kind, KindExecuteHook)
	}
	var payload ExecuteHook
	if err := got.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if payload.HookName != "on_event" || payload.TimeoutMS != 5000 {
		t.Errorf("payload = %+v", payload)
	}
	if string(payload.Data) != `{"id":42}` {
		t.Errorf("data = %q", payload.Data)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	msg, err := NewMessage(KindPing, nil)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Kind != KindPing {
		t.Errorf("kind = %s, want %s", got.Kind, KindPing)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxMessageSize+1)
	buf.Write(hdr[:])

	_, err := ReadFrame(&buf)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("want ErrMessageTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsForeignVersion(t *testing.T) {
	msg, err := NewMessage(KindPing, nil)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	msg.Version = ProtocolVersion + 1

	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	_, err = ReadFrame(&buf)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("want ErrVersionMismatch, got %v", err)
	}
}

func TestKindStrings(t *testing.T) {
	for _, k := range []Kind{
		KindInitialize, KindInitializeResponse, KindExecuteHook, KindHookResponse,
		KindPing, KindPong, KindShutdown, KindShutdownAck, KindLogMessage,
		KindRegisterHooks, KindContextGet, KindContextGetResponse, KindContextSet,
		KindContextSetResponse, KindContextHas, KindContextHasResponse,
		KindTerminationWarning,
	} {
		if s := k.String(); s == "" || strings.HasPrefix(s, "unknown") {
			t.Errorf("Kind(%d) has no name", k)
		}
	}
}

// Package ipc implements the length-framed message protocol spoken between
// the host and sandboxed plugin worker processes over unix domain sockets.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// ProtocolVersion is bumped whenever the wire format changes incompatibly.
const ProtocolVersion uint16 = 1

// MaxMessageSize caps a single frame. Larger frames are rejected before
// allocation so a misbehaving peer cannot balloon host memory.
const MaxMessageSize = 16 << 20

var (
	// ErrMessageTooLarge is returned for frames above MaxMessageSize.
	ErrMessageTooLarge = errors.New("ipc: message exceeds maximum size")
	// ErrVersionMismatch is returned when the peer speaks another version.
	ErrVersionMismatch = errors.New("ipc: protocol version mismatch")
	// ErrChannelClosed is returned on operations against a closed channel.
	ErrChannelClosed = errors.New("ipc: channel closed")
)

// Kind identifies the payload carried by a Message.
type Kind uint8

const (
	KindInitialize Kind = iota + 1
	KindInitializeResponse
	KindExecuteHook
	KindHookResponse
	KindPing
	KindPong
	KindShutdown
	KindShutdownAck
	KindLogMessage
	KindRegisterHooks
	KindContextGet
	KindContextGetResponse
	KindContextSet
	KindContextSetResponse
	KindContextHas
	KindContextHasResponse
	KindTerminationWarning
)

func (k Kind) String() string {
	switch k {
	case KindInitialize:
		return "initialize"
	case KindInitializeResponse:
		return "initialize_response"
	case KindExecuteHook:
		return "execute_hook"
	case KindHookResponse:
		return "hook_response"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindShutdown:
		return "shutdown"
	case KindShutdownAck:
		return "shutdown_ack"
	case KindLogMessage:
		return "log_message"
	case KindRegisterHooks:
		return "register_hooks"
	case KindContextGet:
		return "context_get"
	case KindContextGetResponse:
		return "context_get_response"
	case KindContextSet:
		return "context_set"
	case KindContextSetResponse:
		return "context_set_response"
	case KindContextHas:
		return "context_has"
	case KindContextHasResponse:
		return "context_has_response"
	case KindTerminationWarning:
		return "termination_warning"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Message is the wire envelope. The payload is a msgpack encoded struct
// matching the Kind.
type Message struct {
	Version uint16             `msgpack:"v"`
	Kind    Kind               `msgpack:"k"`
	Payload msgpack.RawMessage `msgpack:"p"`
}

// NewMessage builds an envelope around the msgpack encoding of payload.
// A nil payload produces an empty body, used by Ping, Pong and ShutdownAck.
func NewMessage(kind Kind, payload any) (Message, error) {
	msg := Message{Version: ProtocolVersion, Kind: kind}
	if payload != nil {
		raw, err := msgpack.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("ipc: encode %s payload: %v", kind, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode unmarshals the message payload into out.
func (m Message) Decode(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("ipc: %s message has no payload", m.Kind)
	}
	if err := msgpack.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("ipc: decode %s payload: %v", m.Kind, err)
	}
	return nil
}

// Initialize is sent by the host once the worker connects.
type Initialize struct {
	PluginName  string `msgpack:"plugin_name"`
	ContextData []byte `msgpack:"context_data"`
}

// InitializeResponse reports the outcome of plugin initialization.
type InitializeResponse struct {
	Success bool   `msgpack:"success"`
	Error   string `msgpack:"error"`
}

// ExecuteHook asks the worker to run a named hook.
type ExecuteHook struct {
	HookName  string `msgpack:"hook_name"`
	Data      []byte `msgpack:"data"`
	TimeoutMS uint64 `msgpack:"timeout_ms"`
}

// HookResponse carries a hook result or error back to the host.
type HookResponse struct {
	Result []byte `msgpack:"result"`
	Error  string `msgpack:"error"`
}

// Shutdown asks the worker to stop within the grace period.
type Shutdown struct {
	GracePeriodMS uint64 `msgpack:"grace_period_ms"`
}

// LogMessage forwards a worker log line to the host logger.
type LogMessage struct {
	Level      string `msgpack:"level"`
	Message    string `msgpack:"message"`
	PluginName string `msgpack:"plugin_name"`
}

// HookRegistration describes one hook a plugin wants to handle.
type HookRegistration struct {
	Name     string `msgpack:"name"`
	Priority uint8  `msgpack:"priority"`
}

// RegisterHooks announces the hooks a plugin handles after initialization.
type RegisterHooks struct {
	Hooks []HookRegistration `msgpack:"hooks"`
}

// ContextGet asks the host for a shared context value.
type ContextGet struct {
	RequestID uint64 `msgpack:"request_id"`
	Key       string `msgpack:"key"`
}

// ContextGetResponse answers a ContextGet.
type ContextGetResponse struct {
	RequestID uint64 `msgpack:"request_id"`
	Found     bool   `msgpack:"found"`
	Data      []byte `msgpack:"data"`
	Error     string `msgpack:"error"`
}

// ContextSet asks the host to store a shared context value.
type ContextSet struct {
	RequestID uint64 `msgpack:"request_id"`
	Key       string `msgpack:"key"`
	Data      []byte `msgpack:"data"`
}

// ContextSetResponse answers a ContextSet.
type ContextSetResponse struct {
	RequestID uint64 `msgpack:"request_id"`
	Success   bool   `msgpack:"success"`
	Error     string `msgpack:"error"`
}

// ContextHas asks the host whether a shared context key exists.
type ContextHas struct {
	RequestID uint64 `msgpack:"request_id"`
	Key       string `msgpack:"key"`
}

// ContextHasResponse answers a ContextHas.
type ContextHasResponse struct {
	RequestID uint64 `msgpack:"request_id"`
	Exists    bool   `msgpack:"exists"`
	Error     string `msgpack:"error"`
}

// TerminationWarning tells the worker it is about to be unmounted.
type TerminationWarning struct {
	Reason        string `msgpack:"reason"`
	GracePeriodMS uint64 `msgpack:"grace_period_ms"`
}

// WriteFrame writes msg to w as a 4 byte big-endian length prefix followed
// by the msgpack encoded envelope.
func WriteFrame(w io.Writer, msg Message) error {
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipc: encode envelope: %v", err)
	}
	if len(body) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed envelope from r.
func ReadFrame(r io.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return Message{}, ErrMessageTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := msgpack.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("ipc: decode envelope: %v", err)
	}
	if msg.Version != ProtocolVersion {
		return Message{}, ErrVersionMismatch
	}
	return msg, nil
}

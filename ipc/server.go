package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Server listens on a per-plugin unix domain socket and accepts the single
// connection made by that plugin's worker process.
type Server struct {
	path     string
	listener *net.UnixListener
}

// NewServer creates a unix socket under dir for the named plugin. The socket
// gets a random suffix so a crashed predecessor's stale socket never collides
// with a fresh spawn.
func NewServer(dir, plugin string) (*Server, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ipc: create socket dir: %v", err)
	}
	suffix, err := nanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 10)
	if err != nil {
		return nil, fmt.Errorf("ipc: generate socket suffix: %v", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("enclave-%s-%s.sock", plugin, suffix))

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: resolve socket addr: %v", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on %s: %v", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("ipc: chmod socket: %v", err)
	}
	return &Server{path: path, listener: ln}, nil
}

// Path returns the socket path handed to the worker on its command line.
func (s *Server) Path() string {
	return s.path
}

// Accept waits up to timeout for the worker to connect and returns a framed
// channel over the accepted connection.
func (s *Server) Accept(timeout, readTimeout, writeTimeout time.Duration) (*Channel, error) {
	if err := s.listener.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("ipc: set accept deadline: %v", err)
	}
	conn, err := s.listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("ipc: accept on %s: %v", s.path, err)
	}
	return NewChannel(conn, readTimeout, writeTimeout), nil
}

// Close stops listening and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// Dial connects a worker to the host socket at path.
func Dial(path string, readTimeout, writeTimeout time.Duration) (*Channel, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %v", path, err)
	}
	return NewChannel(conn, readTimeout, writeTimeout), nil
}

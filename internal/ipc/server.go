// Package ipc is the unix-socket control channel between the CLI and a
// running daemon. Each connection carries one JSON request line and one
// JSON response line.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Timeouts per connection. Flushing may wait on send spacing for every
// pending group, so it gets longer.
const (
	requestTimeout = 5 * time.Second
	flushTimeout   = 2 * time.Minute
)

// Daemon is what the server needs from the running daemon.
type Daemon interface {
	Status() StatusData
	Flush(ctx context.Context) FlushData
	Stop()
}

// Server is a Unix domain socket server for CLI-to-daemon communication.
type Server struct {
	daemon Daemon
	log    zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
	wg       sync.WaitGroup
}

// NewServer creates a new IPC server.
func NewServer(daemon Daemon, log zerolog.Logger) *Server {
	return &Server{daemon: daemon, log: log}
}

// Listen accepts connections on socketPath until ctx is cancelled or Stop
// is called.
func (s *Server) Listen(ctx context.Context, socketPath string) error {
	// A socket left by a crashed daemon blocks net.Listen.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Debug().Str("socket", socketPath).Msg("ipc listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Stop stops accepting connections and waits up to five seconds for
// in-flight requests.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("drain timeout: connections still open after 5s")
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(requestTimeout))

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		writeError(conn, "empty request")
		return
	}

	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		writeError(conn, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	s.log.Debug().Str("command", req.Command).Msg("ipc request")

	switch req.Command {
	case CmdPing:
		writeResponse(conn, Response{OK: true, Data: "pong"})

	case CmdStatus:
		writeResponse(conn, Response{OK: true, Data: s.daemon.Status()})

	case CmdFlush:
		_ = conn.SetDeadline(time.Now().Add(flushTimeout))
		fctx, cancel := context.WithTimeout(ctx, flushTimeout)
		defer cancel()
		writeResponse(conn, Response{OK: true, Data: s.daemon.Flush(fctx)})

	case CmdStop:
		writeResponse(conn, Response{OK: true, Data: "shutting down"})
		s.daemon.Stop()

	default:
		writeError(conn, fmt.Sprintf("unknown command: %q", req.Command))
	}
}

func writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

func writeError(conn net.Conn, msg string) {
	writeResponse(conn, Response{OK: false, Error: msg})
}

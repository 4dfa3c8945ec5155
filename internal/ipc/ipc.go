// Package ipc accepts shells that hook themselves into the agent over a
// local Unix socket. Each connection opens with one JSON registration line;
// after that, lines that parse as a rename message update the display name
// and everything else is terminal output.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"termrelay/internal/shell"
)

const (
	DefaultSocketPath = "/tmp/termrelay.sock"

	readBufferSize = 32 * 1024
	addedBuffer    = 16
)

// Registration is the first line a shell hook sends. PID and Shell are only
// used for display and logs.
type Registration struct {
	Name  string `json:"name"`
	Shell string `json:"shell"`
	PID   int    `json:"pid"`
}

type message struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

const typeRename = "rename"

// Listen binds a Unix socket at path, removing a stale socket file first.
func Listen(path string) (net.Listener, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("ipc: %s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("ipc: remove stale socket: %w", err)
		}
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

type Server struct {
	Logger *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	subs     map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan shell.Hooked
	done chan struct{}
	once sync.Once
}

func NewServer(logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		Logger:   logger,
		sessions: make(map[string]*Session),
		subs:     make(map[*subscriber]struct{}),
	}
}

// Serve accepts hook connections until ctx is done or l fails. Live
// sessions are closed on return.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-stop:
		}
	}()
	defer s.closeAll()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) Subscribe() ([]shell.Hooked, <-chan shell.Hooked, func()) {
	sub := &subscriber{ch: make(chan shell.Hooked, addedBuffer), done: make(chan struct{})}
	s.mu.Lock()
	current := make([]shell.Hooked, 0, len(s.sessions))
	for _, sess := range s.sessions {
		current = append(current, sess)
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
			close(sub.done)
		})
	}
	return current, sub.ch, cancel
}

func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handle(conn net.Conn) {
	r := bufio.NewReaderSize(conn, readBufferSize)
	line, err := r.ReadBytes('\n')
	if err != nil {
		_ = conn.Close()
		return
	}
	var reg Registration
	if err := json.Unmarshal(line, &reg); err != nil {
		s.Logger.Printf("invalid shell registration: %v", err)
		_ = conn.Close()
		return
	}
	sess := newSession(uuid.NewString()[:8], reg, conn)
	s.Logger.Printf("shell registered id=%s name=%q shell=%s pid=%d", sess.id, sess.Name(), reg.Shell, reg.PID)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- sess:
		case <-sub.done:
		}
	}

	sess.readLoop(r)

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.Logger.Printf("shell disconnected id=%s", sess.id)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()
	for _, sess := range all {
		_ = sess.Close()
	}
}

// Session is one hooked shell. It satisfies shell.Hooked.
type Session struct {
	id   string
	reg  Registration
	conn net.Conn

	mu   sync.Mutex
	name string

	writeMu sync.Mutex
	output  chan []byte
	renames chan string
	done    chan struct{}
	close   sync.Once
}

func newSession(id string, reg Registration, conn net.Conn) *Session {
	name := reg.Name
	if name == "" {
		name = id
	}
	return &Session{
		id:      id,
		reg:     reg,
		conn:    conn,
		name:    name,
		output:  make(chan []byte, 32),
		renames: make(chan string, 4),
		done:    make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) Registration() Registration { return s.reg }

func (s *Session) Write(p []byte) error {
	select {
	case <-s.done:
		return shell.ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(p)
	return err
}

// Resize is a no-op: a hooked shell owns its terminal window.
func (s *Session) Resize(cols, rows int) error { return nil }

func (s *Session) Output() <-chan []byte { return s.output }

func (s *Session) Renames() <-chan string { return s.renames }

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Close() error {
	s.close.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
	return nil
}

func (s *Session) readLoop(r *bufio.Reader) {
	defer close(s.output)
	defer s.Close()
	for {
		chunk, err := r.ReadSlice('\n')
		if len(chunk) > 0 {
			if !s.dispatch(chunk) {
				return
			}
		}
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

// dispatch handles one line, or one buffer of a longer line. It reports
// false once the session is closed.
func (s *Session) dispatch(chunk []byte) bool {
	var msg message
	if chunk[len(chunk)-1] == '\n' && json.Unmarshal(chunk, &msg) == nil && msg.Type == typeRename && msg.Name != "" {
		s.mu.Lock()
		s.name = msg.Name
		s.mu.Unlock()
		select {
		case s.renames <- msg.Name:
		case <-s.done:
			return false
		}
		return true
	}
	data := make([]byte, len(chunk))
	copy(data, chunk)
	select {
	case s.output <- data:
		return true
	case <-s.done:
		return false
	}
}

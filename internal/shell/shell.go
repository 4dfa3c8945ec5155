// Package shell runs the agent's local terminal sub-sessions under a PTY.
package shell

import (
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
)

var execCommand = exec.Command
var ptyStart = pty.Start

var (
	ErrClosed      = errors.New("shell: session closed")
	ErrInvalidName = errors.New("shell: invalid session name")
)

type Session interface {
	Write(p []byte) error
	Resize(cols, rows int) error
	// Output yields terminal output and is closed when the PTY reaches EOF.
	Output() <-chan []byte
	// Done is closed once the process has exited or Close was called.
	Done() <-chan struct{}
	Close() error
}

type Manager interface {
	Spawn(id, name string) (Session, error)
}

// Lister is implemented by managers that can report sessions surviving from
// an earlier run, such as detached tmux sessions.
type Lister interface {
	ListSessions() ([]string, error)
}

// Hooked is a shell that registered itself with the agent instead of being
// spawned by it. Closing it detaches the shell, it does not kill it.
type Hooked interface {
	Session
	ID() string
	Name() string
	// Renames yields the new display name each time the shell reports one.
	Renames() <-chan string
}

// HookSource hands out hooked shells. Subscribe returns the shells alive now
// and a channel of later arrivals; cancel stops delivery.
type HookSource interface {
	Subscribe() (current []Hooked, added <-chan Hooked, cancel func())
}

type LocalManager struct {
	// Shell is the login shell for plain sub-sessions. Under tmux the
	// server's default-shell applies instead.
	Shell string
	// Tmux, when set, is the tmux binary each sub-session is attached through.
	Tmux string
	// KillOnClose terminates the tmux session when the PTY is closed.
	KillOnClose bool
}

func (m *LocalManager) shell() string {
	if m.Shell == "" {
		return "bash"
	}
	return m.Shell
}

func (m *LocalManager) Spawn(id, name string) (Session, error) {
	if name == "" {
		name = id
	}
	var cmd *exec.Cmd
	if m.Tmux != "" {
		if !ValidName(name) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
		cmd = execCommand(m.Tmux, "new-session", "-A", "-s", name)
	} else {
		cmd = execCommand(m.shell(), "-l")
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := ptyStart(cmd)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	s := &PTYSession{
		cmd:    cmd,
		pty:    ptmx,
		output: make(chan []byte, 32),
		done:   make(chan struct{}),
		name:   name,
	}
	if m.Tmux != "" && m.KillOnClose {
		s.tmux = m.Tmux
	}
	go s.readLoop()
	go s.wait()
	return s, nil
}

// ListSessions reports existing tmux sessions. Without tmux, or when tmux
// has no server running, the list is empty.
func (m *LocalManager) ListSessions() ([]string, error) {
	if m.Tmux == "" {
		return []string{}, nil
	}
	out, err := execCommand(m.Tmux, "list-sessions", "-F", "#S").Output()
	if err != nil {
		return []string{}, nil
	}
	names := []string{}
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// ValidName reports whether name can be used as a tmux session name. tmux
// reserves ':' and '.' for target syntax.
func ValidName(name string) bool {
	if name == "" || len(name) > 64 || strings.HasPrefix(name, "-") {
		return false
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || r == ':' || r == '.' {
			return false
		}
	}
	return true
}

type PTYSession struct {
	cmd    *exec.Cmd
	pty    *os.File
	output chan []byte
	done   chan struct{}
	name   string
	// tmux is set only when closing should also kill the tmux session.
	tmux  string
	close sync.Once
}

func (s *PTYSession) Write(p []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	_, err := s.pty.Write(p)
	return err
}

func (s *PTYSession) Resize(cols, rows int) error {
	return pty.Setsize(s.pty, &pty.Winsize{Cols: clampDim(cols), Rows: clampDim(rows)})
}

func clampDim(n int) uint16 {
	switch {
	case n < 1:
		return 1
	case n > math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(n)
	}
}

func (s *PTYSession) Output() <-chan []byte {
	return s.output
}

func (s *PTYSession) Done() <-chan struct{} {
	return s.done
}

func (s *PTYSession) Close() error {
	s.close.Do(func() {
		close(s.done)
		_ = s.pty.Close()
		if s.tmux != "" && s.name != "" {
			_ = execCommand(s.tmux, "kill-session", "-t", s.name).Run()
		}
	})
	return nil
}

func (s *PTYSession) readLoop() {
	defer close(s.output)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.output <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *PTYSession) wait() {
	if s.cmd != nil {
		_ = s.cmd.Wait()
	}
	_ = s.Close()
}

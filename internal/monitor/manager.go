package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.bug.st/serial"

	"github.com/shaunagostinho/espfleet/internal/board"
)

const (
	// DefaultBaud is used when a start request omits the baud rate.
	DefaultBaud = 115200

	// idleTimeout is how long a session survives without keep-alives.
	idleTimeout = 2 * time.Minute

	sweepInterval = 30 * time.Second
)

// ErrSessionNotFound distinguishes unknown session IDs from other
// monitor failures.
var ErrSessionNotFound = errors.New("session not found")

// BoardStore is the slice of server state the manager needs.
type BoardStore interface {
	PortFor(boardID string) (string, bool)
	SetStatus(boardID string, status board.Status, reason string)
	TryLockBoard(boardID string) bool
	UnlockBoard(boardID string)
}

// PortOpener opens a serial stream. Injectable so tests feed canned
// output instead of hardware.
type PortOpener func(name string, baud int) (io.ReadCloser, error)

// Archive receives every published log line for persistence.
type Archive interface {
	Record(timestamp, sessionID, boardID, level, content string)
}

func openSerial(name string, baud int) (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(name, mode)
}

// Manager owns all live monitoring sessions.
type Manager struct {
	boards  BoardStore
	open    PortOpener
	archive Archive

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a Manager reading from real serial ports.
func NewManager(boards BoardStore) *Manager {
	return &Manager{
		boards:   boards,
		open:     openSerial,
		sessions: make(map[string]*Session),
	}
}

// SetArchive routes every published line to a persistence sink.
func (m *Manager) SetArchive(a Archive) {
	m.archive = a
}

// SetPortOpener replaces the serial opener. Tests use this to feed
// canned output through the full session pipeline.
func (m *Manager) SetPortOpener(open PortOpener) {
	m.open = open
}

// Start opens a monitoring session on the board's port and spawns the
// read loop. The board is locked and marked monitoring until the
// session ends. A positive timeout caps the session's total lifetime;
// zero means only the idle sweep ends it.
func (m *Manager) Start(ctx context.Context, boardID string, baud int, filters []string, timeout time.Duration) (*Session, error) {
	port, ok := m.boards.PortFor(boardID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", board.ErrNotFound, boardID)
	}
	if baud <= 0 {
		baud = DefaultBaud
	}

	compiled := make([]*regexp.Regexp, 0, len(filters))
	for _, f := range filters {
		re, err := regexp.Compile(f)
		if err != nil {
			return nil, fmt.Errorf("bad filter %q: %w", f, err)
		}
		compiled = append(compiled, re)
	}

	if !m.boards.TryLockBoard(boardID) {
		return nil, fmt.Errorf("%w: %s", board.ErrBusy, boardID)
	}

	stream, err := m.open(port, baud)
	if err != nil {
		m.boards.UnlockBoard(boardID)
		return nil, fmt.Errorf("open %s: %w", port, err)
	}

	var sctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		sctx, cancel = context.WithCancel(ctx)
	}
	s := &Session{
		ID:           uuid.New().String(),
		BoardID:      boardID,
		Port:         port,
		Baud:         baud,
		TimeoutSecs:  int(timeout / time.Second),
		Started:      time.Now(),
		filters:      compiled,
		cancel:       cancel,
		lastActivity: time.Now(),
		subscribers:  make(map[chan LogMessage]struct{}),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.boards.SetStatus(boardID, board.StatusMonitoring, "")

	go m.readLoop(sctx, s, stream)
	log.Printf("[monitor] session %s started on %s (%d baud)", s.ID, port, baud)
	return s, nil
}

// readLoop streams lines from the serial port until the session is
// cancelled or the port errors out. A panic here must not take the
// server down; the session just ends.
func (m *Manager) readLoop(ctx context.Context, s *Session, stream io.ReadCloser) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[monitor] session %s: read loop panic: %v", s.ID, r)
			m.finish(s, board.StatusError, fmt.Sprintf("monitor crashed: %v", r))
		}
	}()

	// Close the stream when the context goes so the blocking read
	// below returns.
	go func() {
		<-ctx.Done()
		stream.Close()
	}()

	sc := bufio.NewScanner(stream)
	sc.Buffer(make([]byte, 4096), 256*1024)
	for sc.Scan() {
		line := sc.Text()
		if !s.accept(line) {
			continue
		}
		msg := LogMessage{
			SessionID: s.ID,
			BoardID:   s.BoardID,
			Content:   line,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Level:     classifyLevel(line),
		}
		s.publish(msg)
		if m.archive != nil {
			m.archive.Record(msg.Timestamp, msg.SessionID, msg.BoardID, msg.Level, msg.Content)
		}
	}

	if err := sc.Err(); err != nil && ctx.Err() == nil {
		log.Printf("[monitor] session %s: serial read: %v", s.ID, err)
		m.finish(s, board.StatusError, err.Error())
		return
	}
	m.finish(s, board.StatusAvailable, "")
}

// finish tears a session down exactly once: removes it, cancels the
// read loop, drops subscribers, and releases the board. Stop and the
// sweep may race here; only the first caller transitions the board.
func (m *Manager) finish(s *Session, status board.Status, reason string) {
	m.mu.Lock()
	s.mu.Lock()
	already := s.finished
	s.finished = true
	if !already {
		for ch := range s.subscribers {
			close(ch)
		}
		s.subscribers = make(map[chan LogMessage]struct{})
	}
	s.mu.Unlock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	if already {
		return
	}
	s.cancel()
	m.boards.SetStatus(s.BoardID, status, reason)
	m.boards.UnlockBoard(s.BoardID)
	log.Printf("[monitor] session %s ended (%s)", s.ID, status)
}

// Stop ends a session explicitly.
func (m *Manager) Stop(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.finish(s, board.StatusAvailable, "")
	return nil
}

// KeepAlive refreshes a session's activity clock.
func (m *Manager) KeepAlive(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.Touch()
	return nil
}

// Get looks a session up by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of all live sessions, ordered by ID.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sweep expires sessions idle past the cutoff and returns how many it
// removed.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		if now.Sub(s.LastActivity()) >= idleTimeout {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		log.Printf("[monitor] session %s idle for %v, sweeping", s.ID, now.Sub(s.LastActivity()).Round(time.Second))
		m.finish(s, board.StatusAvailable, "")
	}
	return len(stale)
}

// Run sweeps idle sessions until the context is cancelled, then stops
// every remaining session.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, s := range m.Sessions() {
				m.finish(s, board.StatusAvailable, "")
			}
			return
		case t := <-ticker.C:
			m.Sweep(t)
		}
	}
}

package server

import (
	"sort"
	"sync"
	"time"

	"github.com/shaunagostinho/espfleet/internal/board"
)

// State is the shared aggregate of board records behind the whole API.
// Reads return snapshots; the lock is never held across I/O. Busy
// tracking doubles as the per-board exclusive lock: a board can be
// flashed or monitored, never both at once.
type State struct {
	mu       sync.RWMutex
	boards   map[string]board.Board
	busy     map[string]bool // board ID -> exclusively held
	lastScan time.Time
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		boards: make(map[string]board.Board),
		busy:   make(map[string]bool),
	}
}

// Boards returns a snapshot of all board records, ordered by ID.
func (s *State) Boards() []board.Board {
	s.mu.RLock()
	out := make([]board.Board, 0, len(s.boards))
	for _, b := range s.boards {
		out = append(out, b)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Board looks up one record by ID.
func (s *State) Board(id string) (board.Board, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.boards[id]
	return b, ok
}

// PortFor resolves a board's serial port.
func (s *State) PortFor(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.boards[id]
	if !ok {
		return "", false
	}
	return b.Port, true
}

// SetStatus applies a status transition to a board. Unknown IDs are
// ignored (the board may have vanished in a sweep).
func (s *State) SetStatus(id string, status board.Status, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boards[id]
	if !ok {
		return
	}
	if status == board.StatusError {
		b.SetError(reason)
	} else {
		b.SetStatus(status)
	}
	s.boards[id] = b
}

// SetLogicalName renames a board's user-facing label in place. Returns
// false for unknown IDs.
func (s *State) SetLogicalName(id, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boards[id]
	if !ok {
		return false
	}
	b.LogicalName = name
	s.boards[id] = b
	return true
}

// TryLockBoard takes the board's exclusive lock without blocking.
// Returns false if some other job holds it.
func (s *State) TryLockBoard(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[id] {
		return false
	}
	s.busy[id] = true
	return true
}

// UnlockBoard releases the board's exclusive lock.
func (s *State) UnlockBoard(id string) {
	s.mu.Lock()
	delete(s.busy, id)
	s.mu.Unlock()
}

// BusyPorts returns the serial ports of boards whose lock is held, so
// a discovery sweep can leave them alone.
func (s *State) BusyPorts() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ports := make(map[string]bool)
	for id, b := range s.boards {
		if s.busy[id] {
			ports[b.Port] = true
		}
	}
	return ports
}

// ReplaceBoards installs a sweep's results atomically. Records of
// boards with a held lock carry over unchanged; their ports were not
// probed.
func (s *State) ReplaceBoards(boards []board.Board) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make(map[string]board.Board, len(boards))
	for _, b := range boards {
		fresh[b.ID] = b
	}
	for id := range s.busy {
		if old, ok := s.boards[id]; ok {
			fresh[id] = old
		}
	}
	s.boards = fresh
	s.lastScan = time.Now().UTC()
}

// LastScan returns when the board map was last replaced.
func (s *State) LastScan() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastScan
}

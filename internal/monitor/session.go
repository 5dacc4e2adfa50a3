package monitor

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"
)

// subscriberBacklog bounds each subscriber's buffer. A subscriber that
// falls this far behind starts losing messages instead of stalling the
// serial read loop.
const subscriberBacklog = 1000

// LogMessage is one classified line of serial output.
type LogMessage struct {
	SessionID string `json:"session_id"`
	BoardID   string `json:"board_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Level     string `json:"level,omitempty"`
}

// Session is one live serial-to-subscribers monitoring relationship.
type Session struct {
	ID          string    `json:"session_id"`
	BoardID     string    `json:"board_id"`
	Port        string    `json:"port"`
	Baud        int       `json:"baud_rate"`
	TimeoutSecs int       `json:"timeout_secs,omitempty"`
	Started     time.Time `json:"started_at"`

	filters []*regexp.Regexp
	cancel  context.CancelFunc

	mu           sync.Mutex
	lastActivity time.Time
	subscribers  map[chan LogMessage]struct{}
	finished     bool
}

// Subscribe attaches a new consumer. It receives every message
// published after this call; there is no replay. The returned func
// detaches and must be called exactly once. Subscribing to a session
// that already ended yields a closed channel, never a hang.
func (s *Session) Subscribe() (<-chan LogMessage, func()) {
	ch := make(chan LogMessage, subscriberBacklog)
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}
}

// publish fans a message out to all subscribers, dropping it for any
// whose buffer is full.
func (s *Session) publish(m LogMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- m:
		default:
		}
	}
}

// Touch refreshes the keep-alive clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns when the session was last touched.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// accept applies the session's filters. With no filters configured
// every line passes; otherwise a line must match at least one.
func (s *Session) accept(line string) bool {
	if len(s.filters) == 0 {
		return true
	}
	for _, f := range s.filters {
		if f.MatchString(line) {
			return true
		}
	}
	return false
}

// classifyLevel tags a line by the ESP-IDF log markers or plain level
// words it contains. Unrecognized lines carry no level.
func classifyLevel(line string) string {
	u := strings.ToUpper(line)
	switch {
	case strings.Contains(u, "ERROR") || strings.Contains(u, "E ("):
		return "ERROR"
	case strings.Contains(u, "WARN") || strings.Contains(u, "W ("):
		return "WARNING"
	case strings.Contains(u, "INFO") || strings.Contains(u, "I ("):
		return "INFO"
	case strings.Contains(u, "DEBUG") || strings.Contains(u, "D ("):
		return "DEBUG"
	default:
		return ""
	}
}

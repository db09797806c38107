package progress

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var spinnerParts = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type Spinner struct {
	message      atomic.Value
	messageWidth int

	parts []string
	value atomic.Int32

	mu      sync.Mutex
	ticker  *time.Ticker
	started time.Time
	stopped time.Time
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{
		parts:   spinnerParts,
		ticker:  time.NewTicker(100 * time.Millisecond),
		started: time.Now(),
	}
	s.message.Store(message)
	go s.start(s.ticker)
	return s
}

func (s *Spinner) SetMessage(message string) {
	s.message.Store(message)
}

func (s *Spinner) String() string {
	var sb strings.Builder
	if message, _ := s.message.Load().(string); len(message) > 0 {
		message = strings.TrimSpace(message)
		if s.messageWidth > 0 && len(message) > s.messageWidth {
			message = message[:s.messageWidth]
		}

		fmt.Fprintf(&sb, "%s", message)
		if padding := s.messageWidth - sb.Len(); padding > 0 {
			sb.WriteString(strings.Repeat(" ", padding))
		}

		sb.WriteString(" ")
	}

	if !s.isStopped() {
		sb.WriteString(s.parts[s.value.Load()])
		sb.WriteString(" ")
	}

	return sb.String()
}

func (s *Spinner) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped.IsZero()
}

func (s *Spinner) start(ticker *time.Ticker) {
	for range ticker.C {
		if s.isStopped() {
			return
		}
		s.value.Store((s.value.Load() + 1) % int32(len(s.parts)))
	}
}

// Stop freezes the spinner; later calls keep the first stop time.
func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.IsZero() {
		s.stopped = time.Now()
		s.ticker.Stop()
	}
}

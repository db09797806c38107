package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// stepBarWidth caps the bar so large plans stay on one line.
const stepBarWidth = 30

// StepBar counts finished compile units out of a planned total.
type StepBar struct {
	message string
	current atomic.Int64
	total   int
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total}
}

func (s *StepBar) Set(current int) {
	s.current.Store(int64(current))
}

// Increment records one more finished unit.
func (s *StepBar) Increment() {
	s.current.Add(1)
}

func (s *StepBar) String() string {
	current := min(int(s.current.Load()), s.total)
	if s.total <= 0 {
		return fmt.Sprintf("%s %d/%d", s.message, current, s.total)
	}

	percent := float64(current) / float64(s.total) * 100
	width := min(s.total, stepBarWidth)
	filled := current * width / s.total

	// "Compiling  50% ▕███   ▏ 6/12"
	return fmt.Sprintf("%s %3.0f%% ▕%s%s▏ %d/%d",
		s.message, percent,
		strings.Repeat("█", filled), strings.Repeat(" ", width-filled),
		current, s.total)
}

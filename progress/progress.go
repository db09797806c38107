// Package progress renders live status lines for long-running compile and
// build steps.
package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const defaultTermHeight = 24

type State interface {
	String() string
}

// Progress redraws its states in place every tick. States are keyed; adding
// a state under an existing key replaces it on the same line.
type Progress struct {
	mu sync.Mutex
	// buffer output to minimize flickering on all terminals
	w *bufio.Writer

	pos int

	ticker *time.Ticker
	done   chan struct{}
	keys   []string
	states map[string]State
}

func NewProgress(w io.Writer) *Progress {
	p := &Progress{
		w:      bufio.NewWriter(w),
		ticker: time.NewTicker(100 * time.Millisecond),
		done:   make(chan struct{}),
		states: make(map[string]State),
	}

	// hide cursor
	fmt.Fprint(p.w, "\033[?25l")
	go p.start(p.ticker, p.done)
	return p
}

func (p *Progress) stop() bool {
	p.mu.Lock()
	for _, state := range p.states {
		if spinner, ok := state.(*Spinner); ok {
			spinner.Stop()
		}
	}

	if p.ticker == nil {
		p.mu.Unlock()
		return false
	}
	p.ticker.Stop()
	p.ticker = nil
	close(p.done)
	p.mu.Unlock()

	p.render()
	return true
}

// Stop renders the final states and leaves them on screen.
func (p *Progress) Stop() bool {
	stopped := p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if stopped {
		fmt.Fprintln(p.w)
	}

	// show cursor
	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
	return stopped
}

// StopAndClear erases every progress line.
func (p *Progress) StopAndClear() bool {
	stopped := p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if stopped {
		for range p.pos - 1 {
			fmt.Fprint(p.w, "\033[A")
		}
		fmt.Fprint(p.w, "\033[2K", "\033[1G")
	}

	// show cursor
	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
	return stopped
}

func (p *Progress) Add(key string, state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.states[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.states[key] = state
}

func (p *Progress) render() {
	_, termHeight, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termHeight = defaultTermHeight
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.w, "\033[?2026h")
	defer fmt.Fprint(p.w, "\033[?2026l")

	for range p.pos - 1 {
		fmt.Fprint(p.w, "\033[A")
	}
	fmt.Fprint(p.w, "\033[1G")

	// only the most recent lines that fit on screen
	maxHeight := min(len(p.keys), termHeight)
	for i := len(p.keys) - maxHeight; i < len(p.keys); i++ {
		fmt.Fprint(p.w, p.states[p.keys[i]].String(), "\033[K")
		if i < len(p.keys)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	p.pos = maxHeight
	p.w.Flush()
}

func (p *Progress) start(ticker *time.Ticker, done <-chan struct{}) {
	for {
		select {
		case <-ticker.C:
			p.render()
		case <-done:
			return
		}
	}
}

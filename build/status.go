package build

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// StatusWriter tees compiler output to out while keeping the complete
// diagnostic and the last recognizable error line.
type StatusWriter struct {
	LastErrMsg string

	mu  sync.Mutex
	buf bytes.Buffer
	out io.Writer
}

func NewStatusWriter(out io.Writer) *StatusWriter {
	if out == nil {
		out = io.Discard
	}
	return &StatusWriter{out: out}
}

var errorPrefixes = []string{
	"fatal error:",
	"collect2: error:",
	"error:",
	"undefined reference to",
	"ld:",
	"nvcc fatal",
}

func (w *StatusWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(b)
	for _, line := range bytes.Split(b, []byte("\n")) {
		for _, prefix := range errorPrefixes {
			if _, after, ok := bytes.Cut(line, []byte(prefix)); ok {
				w.LastErrMsg = strings.TrimSpace(prefix + " " + string(bytes.TrimSpace(after)))
				break
			}
		}
	}

	return w.out.Write(b)
}

// Diagnostic returns everything written so far.
func (w *StatusWriter) Diagnostic() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

package build

import "fmt"

type State int

const (
	Unconfigured State = iota
	Validated
	HeadersPatched
	BindingSynthesized
	Built
	Success
	BuildFailed
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Validated:
		return "validated"
	case HeadersPatched:
		return "headers patched"
	case BindingSynthesized:
		return "binding synthesized"
	case Built:
		return "built"
	case Success:
		return "success"
	case BuildFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	return s == Success || s == BuildFailed
}

func isAllowedTransition(from, to State) bool {
	if to == BuildFailed {
		return !from.IsTerminal()
	}

	switch from {
	case Unconfigured:
		return to == Validated
	case Validated:
		return to == HeadersPatched
	case HeadersPatched:
		return to == BindingSynthesized
	case BindingSynthesized:
		return to == Built
	case Built:
		return to == Success
	default:
		return false
	}
}

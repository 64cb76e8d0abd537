package classifier

// Kind is the lifecycle category of a Signal
type Kind int

const (
	KindWorking Kind = iota
	KindNeedsInput
	KindCompleted
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindWorking:
		return "working"
	case KindNeedsInput:
		return "input-required"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether a signal of this kind ends a stream
func (k Kind) IsTerminal() bool {
	return k != KindWorking
}

// MarshalText encodes the kind by name
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Signal is one progress report emitted to the caller
type Signal struct {
	Kind    Kind   `json:"kind"`
	Content string `json:"content"`
}

// Working reports progress; the stream continues after it.
func Working(content string) Signal { return Signal{Kind: KindWorking, Content: content} }

// NeedsInput ends the stream until the caller sends another query.
func NeedsInput(content string) Signal { return Signal{Kind: KindNeedsInput, Content: content} }

// Completed ends the stream with the final answer.
func Completed(content string) Signal { return Signal{Kind: KindCompleted, Content: content} }

// Failed ends the stream for a session that can no longer run.
func Failed(content string) Signal { return Signal{Kind: KindFailed, Content: content} }

// IsTerminal reports whether the signal ends a stream
func (s Signal) IsTerminal() bool {
	return s.Kind.IsTerminal()
}

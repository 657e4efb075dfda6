// Package events defines the anomaly events the engine reports while running
// and the reporters that consume them: structured logging, counters for the
// stats API, a subscription hub for live feeds and fan-out to several of them.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity is the class of an event.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	default:
		return "error"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Kind identifies what happened.
type Kind int

const (
	// KindNullTimestamp is a sample whose system time was zero or missing.
	KindNullTimestamp Kind = iota
	// KindFetchFailed is a recoverable error returned by a phase source.
	KindFetchFailed
	// KindTimingSkew is a sample stamped before the group in progress.
	KindTimingSkew
	// KindIncompleteSequence is a group dropped before every slot was filled.
	KindIncompleteSequence
	// KindPushFailed is an output pin rejecting a sequence.
	KindPushFailed

	numKinds
)

// Kinds lists every event kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, numKinds)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

func (k Kind) String() string {
	switch k {
	case KindNullTimestamp:
		return "null-timestamp"
	case KindFetchFailed:
		return "fetch-failed"
	case KindTimingSkew:
		return "timing-skew"
	case KindIncompleteSequence:
		return "incomplete-sequence"
	case KindPushFailed:
		return "push-failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind returns the kind named s.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("events: unknown kind %q", s)
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Severity returns the default severity class for the kind.
func (k Kind) Severity() Severity {
	switch k {
	case KindNullTimestamp, KindTimingSkew:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// Event is one reported anomaly. Phase is -1 when the event is not tied to a
// single phase; TP is the relevant system-time timestamp, if any.
type Event struct {
	ID       uuid.UUID `json:"id"`
	Time     time.Time `json:"time"`
	Kind     Kind      `json:"kind"`
	Severity Severity  `json:"severity"`
	Phase    int       `json:"phase"`
	TP       int64     `json:"tp,omitempty"`
	Message  string    `json:"message"`
	Err      error     `json:"-"`
}

// New builds an event with a fresh id, the current time and the kind's
// default severity.
func New(kind Kind, phase int, tp int64, msg string) Event {
	return Event{
		ID:       uuid.New(),
		Time:     time.Now(),
		Kind:     kind,
		Severity: kind.Severity(),
		Phase:    phase,
		TP:       tp,
		Message:  msg,
	}
}

// WithErr attaches the underlying error.
func (e Event) WithErr(err error) Event {
	e.Err = err
	return e
}

// ErrorText returns the attached error's message, or "".
func (e Event) ErrorText() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Reporter consumes events. Implementations must be safe for concurrent use:
// feeders and the consumer report from their own goroutines.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(Event)

// Report calls f(e).
func (f ReporterFunc) Report(e Event) { f(e) }

// Multi fans each event out to every non-nil reporter in order.
func Multi(reporters ...Reporter) Reporter {
	var rs []Reporter
	for _, r := range reporters {
		if r != nil {
			rs = append(rs, r)
		}
	}
	return multi(rs)
}

type multi []Reporter

func (m multi) Report(e Event) {
	for _, r := range m {
		r.Report(e)
	}
}

// Discard drops every event.
var Discard Reporter = ReporterFunc(func(Event) {})

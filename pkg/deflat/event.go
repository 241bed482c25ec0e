package deflat

import (
	"fmt"
	"strings"

	"github.com/l3aro/go-deflat/pkg/pathfind"
)

// EventKind classifies a pipeline diagnostic.
type EventKind uint8

const (
	// EventClassificationFailed: a marked address holds no dispatcher.
	EventClassificationFailed EventKind = iota
	// EventIncompleteExploration: static exploration gave up on a slot and
	// emulation was tried.
	EventIncompleteExploration
	// EventEmptyFlowResult: no strategy found a destination for a slot.
	EventEmptyFlowResult
	// EventPatchRejected: a source had flows but could not be rewritten.
	EventPatchRejected
	// EventUnresolved: a source still enters a dispatcher after patching.
	EventUnresolved
)

var eventNames = [...]string{
	EventClassificationFailed:  "classification_failed",
	EventIncompleteExploration: "incomplete_exploration",
	EventEmptyFlowResult:       "empty_flow_result",
	EventPatchRejected:         "patch_rejected",
	EventUnresolved:            "unresolved",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// MarshalText renders the kind by name in JSON reports.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (k *EventKind) UnmarshalText(text []byte) error {
	for i, name := range eventNames {
		if name == string(text) {
			*k = EventKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", text)
}

// Event is a non-fatal diagnostic. Serial is -1 when the event is not about
// a block.
type Event struct {
	Kind    EventKind `json:"kind"`
	Serial  int       `json:"serial"`
	Addr    uint64    `json:"addr"`
	Message string    `json:"message,omitempty"`
	// Dests holds the attempted destination addresses of a rejected patch.
	Dests []uint64 `json:"dests,omitempty"`
}

func (e Event) String() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Serial >= 0 {
		fmt.Fprintf(&sb, " blk%d", e.Serial)
	}
	fmt.Fprintf(&sb, " at 0x%x", e.Addr)
	if len(e.Dests) > 0 {
		sb.WriteString(" ->")
		for _, d := range e.Dests {
			fmt.Fprintf(&sb, " 0x%x", d)
		}
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

// Observer receives every event as it happens.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

func fromFinder(e pathfind.Event) Event {
	out := Event{Serial: e.Source, Addr: e.SourceEA}
	switch e.Kind {
	case pathfind.EventIncomplete:
		out.Kind = EventIncompleteExploration
		out.Message = fmt.Sprintf("slot %d: static exploration incomplete, emulating", e.Slot)
	default:
		out.Kind = EventEmptyFlowResult
		out.Message = fmt.Sprintf("slot %d: no destination found", e.Slot)
	}
	return out
}

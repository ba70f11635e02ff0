package steamcmd

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// EventKind tags an Event.
type EventKind int

const (
	EventSelfUpdateStatus EventKind = iota
	EventProgress
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventSelfUpdateStatus:
		return "steam_self_update"
	case EventProgress:
		return "update_state"
	case EventCompleted:
		return "success"
	case EventFailed:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one structured update notification. Only the fields belonging to
// Kind are meaningful.
type Event struct {
	Kind EventKind

	// EventSelfUpdateStatus
	Status string

	// EventProgress
	StateID   uint32
	StateName string
	Progress  string
	Current   uint64
	Total     uint64

	// EventFailed
	Reason string
}

// Failed builds an EventFailed.
func Failed(reason string) Event {
	return Event{Kind: EventFailed, Reason: reason}
}

// MarshalJSON encodes the event in the shape the web frontend expects,
// discriminated by a "type" field.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case EventSelfUpdateStatus:
		return json.Marshal(struct {
			Type   string `json:"type"`
			Status string `json:"status"`
		}{e.Kind.String(), e.Status})
	case EventProgress:
		return json.Marshal(struct {
			Type      string `json:"type"`
			StateID   uint32 `json:"state_id"`
			StateName string `json:"state_name"`
			Progress  string `json:"progress"`
			Current   uint64 `json:"current"`
			Total     uint64 `json:"total"`
		}{e.Kind.String(), e.StateID, e.StateName, e.Progress, e.Current, e.Total})
	case EventFailed:
		return json.Marshal(struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		}{e.Kind.String(), e.Reason})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{e.Kind.String()})
	}
}

// Parser recognises updater output lines.
type Parser struct {
	selfUpdate  *regexp.Regexp
	failure     *regexp.Regexp
	updateState *regexp.Regexp
}

// NewParser compiles the line patterns.
func NewParser() *Parser {
	return &Parser{
		selfUpdate:  regexp.MustCompile(`^\[....\] (.+)$`),
		failure:     regexp.MustCompile(`^ERROR!.+\((.+)\)$`),
		updateState: regexp.MustCompile(`^ Update state \(0x([0-9a-fA-F]+)\) ([\w ]+), progress: (\d*\.\d*) \((\d+) / (\d+)\)$`),
	}
}

// Parse maps one line, without its terminator, to an event. The rules are
// tried in order and the first match wins; unrecognised lines yield false.
func (p *Parser) Parse(line string) (Event, bool) {
	if strings.HasPrefix(line, "Success!") {
		return Event{Kind: EventCompleted}, true
	}

	if m := p.selfUpdate.FindStringSubmatch(line); m != nil {
		return Event{Kind: EventSelfUpdateStatus, Status: m[1]}, true
	}

	if m := p.failure.FindStringSubmatch(line); m != nil {
		return Failed(m[1]), true
	}

	if m := p.updateState.FindStringSubmatch(line); m != nil {
		stateID, err := strconv.ParseUint(m[1], 16, 32)
		if err != nil {
			return Event{}, false
		}
		current, err := strconv.ParseUint(m[4], 10, 64)
		if err != nil {
			return Event{}, false
		}
		total, err := strconv.ParseUint(m[5], 10, 64)
		if err != nil {
			return Event{}, false
		}
		return Event{
			Kind:      EventProgress,
			StateID:   uint32(stateID),
			StateName: strings.TrimSpace(m[2]),
			Progress:  m[3],
			Current:   current,
			Total:     total,
		}, true
	}

	return Event{}, false
}

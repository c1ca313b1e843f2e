package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PipelineState names a stage of the resolve → play → recover loop.
type PipelineState string

// Pipeline states. Unsupported is terminal; Stopped is reached only on shutdown.
const (
	StateIdle        PipelineState = "idle"        // waiting for the start gesture
	StateResolving   PipelineState = "resolving"   // fetching a stream URL (cache or network)
	StatePlaying     PipelineState = "playing"     // a playback session is attached
	StateRecovering  PipelineState = "recovering"  // waiting out the retry delay
	StateUnsupported PipelineState = "unsupported" // neither engine nor native playback available
	StateStopped     PipelineState = "stopped"     // daemon shutting down
)

// AllStates lists every pipeline state, in display order.
var AllStates = []PipelineState{StateIdle, StateResolving, StatePlaying, StateRecovering, StateUnsupported, StateStopped}

// StateNames returns AllStates as plain strings for metric labels.
func StateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = string(s)
	}
	return names
}

// CachedStream is the persisted result of a successful resolution. The JSON
// shape matches the backend response so both decode through the same type.
type CachedStream struct {
	URL       string     `json:"stream_url"`
	ExpiresAt ExpiryTime `json:"expires_at"`
}

// Valid reports whether the entry may still be served at now.
func (c CachedStream) Valid(now time.Time) bool {
	return c.URL != "" && !c.ExpiresAt.IsZero() && now.Before(c.ExpiresAt.Time)
}

// ExpiryTime accepts RFC 3339 strings as well as unix epochs in seconds or
// milliseconds, and always marshals back to RFC 3339. Any other value decodes
// to the zero time and is kept in Unparsed.
type ExpiryTime struct {
	time.Time
	Unparsed string
}

// epochMillisThreshold separates second-based from millisecond-based epochs.
const epochMillisThreshold = 1_000_000_000_000

func (e ExpiryTime) MarshalJSON() ([]byte, error) {
	if e.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(e.UTC().Format(time.RFC3339Nano))
}

func (e *ExpiryTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	e.Unparsed = ""
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		e.Time = time.Time{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			e.Time = time.Time{}
			return nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			e.Time = t
			return nil
		}
		// some backends quote their epochs
		e.setEpoch(s)
		return nil
	}

	e.setEpoch(string(data))
	return nil
}

func (e *ExpiryTime) setEpoch(raw string) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.Time = time.Time{}
		e.Unparsed = raw
		return
	}
	n := int64(f)
	if n >= epochMillisThreshold {
		e.Time = time.UnixMilli(n)
	} else {
		e.Time = time.Unix(n, 0)
	}
}

// EventKind identifies a playback signal raised by the engine or the media element.
type EventKind int

const (
	EventManifestParsed EventKind = iota // engine: manifest fetched and decoded
	EventMetadataLoaded                  // element: stream metadata known
	EventCanPlay                         // element: enough data to start
	EventPlaying                         // element: playback running
	EventPaused                          // element: playback paused
	EventEnded                           // engine or element: stream finished
	EventError                           // engine or element: failure, see Fatal
)

func (k EventKind) String() string {
	switch k {
	case EventManifestParsed:
		return "manifest_parsed"
	case EventMetadataLoaded:
		return "metadata_loaded"
	case EventCanPlay:
		return "can_play"
	case EventPlaying:
		return "playing"
	case EventPaused:
		return "paused"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event sources.
const (
	SourceEngine  = "engine"
	SourceElement = "element"
)

// Event is one playback signal. Session is stamped by the playback controller
// so late events from a torn-down session can be told apart.
type Event struct {
	Kind    EventKind
	Source  string
	Fatal   bool
	Err     error
	Details string
	Session uint64
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s fatal=%v: %v", e.Source, e.Kind, e.Fatal, e.Err)
	}
	return fmt.Sprintf("%s/%s", e.Source, e.Kind)
}

// Listener receives playback events. Implementations must not block.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }

package input

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"emeltv-player/work/logger"
	"emeltv-player/work/metrics"
)

// Remote-control key codes.
const (
	KeyEnter = 13
	KeyPause = 19
	KeySpace = 32
	KeyGreen = 404
	KeyPlay  = 415
	KeyBack  = 461
)

// Action is what a key press asks the player to do.
type Action string

const (
	ActionRefresh      Action = "refresh"
	ActionToggle       Action = "toggle"
	ActionConfirm      Action = "confirm"
	ActionBack         Action = "back"
	ActionShowControls Action = "show_controls"
	ActionStart        Action = "start"
	ActionIgnore       Action = "ignore"
)

var knownActions = map[Action]bool{
	ActionRefresh:      true,
	ActionToggle:       true,
	ActionConfirm:      true,
	ActionBack:         true,
	ActionShowControls: true,
	ActionStart:        true,
	ActionIgnore:       true,
}

// Handler carries out routed actions.
type Handler interface {
	Refresh()
	TogglePlayPause()
	Confirm()
	Back()
	ShowControls()
	Start()
}

// DefaultBindings is the fixed remote layout.
func DefaultBindings() map[int]Action {
	return map[int]Action{
		KeyPlay:  ActionRefresh,
		KeyPause: ActionRefresh,
		KeyGreen: ActionRefresh,
		KeySpace: ActionToggle,
		KeyEnter: ActionConfirm,
		KeyBack:  ActionBack,
	}
}

// Router maps key codes to actions.
type Router struct {
	bindings map[int]Action
}

// NewRouter builds a router from the default layout plus extra bindings
// (key code string to action name). Extra bindings override defaults.
func NewRouter(extra map[string]string) (*Router, error) {
	bindings := DefaultBindings()
	for code, name := range extra {
		n, err := strconv.Atoi(strings.TrimSpace(code))
		if err != nil {
			return nil, fmt.Errorf("key binding %q: not a key code", code)
		}
		action := Action(strings.ToLower(strings.TrimSpace(name)))
		if !knownActions[action] {
			return nil, fmt.Errorf("key binding %d: unknown action %q", n, name)
		}
		bindings[n] = action
	}
	return &Router{bindings: bindings}, nil
}

// Lookup returns the action bound to code.
func (r *Router) Lookup(code int) (Action, bool) {
	a, ok := r.bindings[code]
	return a, ok
}

// Dispatch routes code to h. Unknown codes are ignored and report false.
func (r *Router) Dispatch(code int, h Handler) (Action, bool) {
	action, ok := r.bindings[code]
	if !ok {
		logger.Debug("{input - Dispatch} Key pressed: %d (unbound)", code)
		metrics.KeyPresses.WithLabelValues("unbound").Inc()
		return "", false
	}

	logger.Info("{input - Dispatch} Key pressed: %d -> %s", code, action)
	metrics.KeyPresses.WithLabelValues(string(action)).Inc()

	switch action {
	case ActionRefresh:
		h.Refresh()
	case ActionToggle:
		h.TogglePlayPause()
	case ActionConfirm:
		h.Confirm()
	case ActionBack:
		h.Back()
	case ActionShowControls:
		h.ShowControls()
	case ActionStart:
		h.Start()
	case ActionIgnore:
	}
	return action, true
}

// Bindings lists the active bindings sorted by key code.
func (r *Router) Bindings() []Binding {
	out := make([]Binding, 0, len(r.bindings))
	for code, action := range r.bindings {
		out = append(out, Binding{Code: code, Action: action})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Binding pairs a key code with its action.
type Binding struct {
	Code   int    `json:"code"`
	Action Action `json:"action"`
}

package controls

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Button labels shown on the play/pause control.
const (
	PauseLabel = "|| Pause"
	PlayLabel  = "▶ Play"
)

// Snapshot is the visible state of the on-screen controls.
type Snapshot struct {
	Visible bool   `json:"visible"`
	Label   string `json:"label"`
}

// Controls tracks the on-screen control bar. Showing it arms an auto-hide
// timer; showing it again restarts that timer.
type Controls struct {
	clock   clock.Clock
	timeout time.Duration

	mu      sync.Mutex
	visible bool
	label   string
	timer   *clock.Timer
	gen     uint64
}

// New creates hidden controls that auto-hide timeout after being shown.
func New(clk clock.Clock, timeout time.Duration) *Controls {
	if clk == nil {
		clk = clock.New()
	}
	return &Controls{clock: clk, timeout: timeout, label: PauseLabel}
}

// ShowTemporarily shows the controls with the label matching paused.
func (c *Controls) ShowTemporarily(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.visible = true
	c.label = labelFor(paused)
	c.stopLocked()

	gen := c.gen
	c.timer = c.clock.AfterFunc(c.timeout, func() { c.hide(gen) })
}

// Reset hides the controls at once and sets the label for paused.
func (c *Controls) Reset(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	c.visible = false
	c.label = labelFor(paused)
}

// Visible reports whether the controls are on screen.
func (c *Controls) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// Label returns the current play/pause button text.
func (c *Controls) Label() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.label
}

// Snapshot returns visibility and label together.
func (c *Controls) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Visible: c.visible, Label: c.label}
}

// Stop cancels a pending auto-hide.
func (c *Controls) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controls) hide(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.visible = false
	c.timer = nil
}

func (c *Controls) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
}

func labelFor(paused bool) string {
	if paused {
		return PlayLabel
	}
	return PauseLabel
}

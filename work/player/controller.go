package player

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"emeltv-player/work/config"
	"emeltv-player/work/engine"
	"emeltv-player/work/logger"
	"emeltv-player/work/media"
	"emeltv-player/work/metrics"
	"emeltv-player/work/types"
	"emeltv-player/work/utils"
)

// ErrUnsupported means neither the engine nor native playback can handle the stream.
var ErrUnsupported = errors.New("HLS is not supported on this device")

// FatalError wraps the playback failure that ended a session.
type FatalError struct {
	Source string
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal %s error: %v", e.Source, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Engine is the streaming engine surface the controller drives.
type Engine interface {
	LoadSource(url string) error
	AttachMedia(t engine.Target) error
	Subscribe(l types.Listener) func()
	Destroy()
}

// EngineFactory creates a fresh engine for each session.
type EngineFactory func() Engine

// Mode says which playback path a session uses.
type Mode string

const (
	ModeNone   Mode = ""
	ModeEngine Mode = "engine"
	ModeNative Mode = "native"
)

// Outcome tells the caller what an event meant for the session.
type Outcome int

const (
	OutcomeNone    Outcome = iota // nothing for the caller to do
	OutcomeStarted                // playback began; reset the controls
	OutcomeFatal                  // session is dead; restart the pipeline
	OutcomeEnded                  // stream finished
)

// Controller binds resolved URLs to the media element, either through a
// streaming engine or natively. At most one session is live at a time.
//
// Play, Teardown, Handle and TogglePlayPause are meant to be called from a
// single goroutine. Events from the engine and element are stamped with the
// session id and forwarded to the listener given to New, which decides when
// to hand them back through Handle.
type Controller struct {
	config    *config.Config
	element   media.Element
	newEngine EngineFactory
	forward   types.Listener

	mu       sync.Mutex
	session  uint64
	mode     Mode
	engine   Engine
	unsubs   []func()
	awaiting bool
	started  bool
	paused   bool
}

// New creates a controller. forward receives every session event and must not block for long.
func New(cfg *config.Config, element media.Element, newEngine EngineFactory, forward types.Listener) *Controller {
	return &Controller{
		config:    cfg,
		element:   element,
		newEngine: newEngine,
		forward:   forward,
		paused:    true,
	}
}

// Session returns the id of the live session, or 0.
func (c *Controller) Session() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeNone {
		return 0
	}
	return c.session
}

// Mode returns the playback path of the live session.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// HasSource reports whether anything is attached to the element.
func (c *Controller) HasSource() bool {
	c.mu.Lock()
	hasEngine := c.engine != nil
	c.mu.Unlock()
	return hasEngine || c.element.Source() != ""
}

// Paused reports the last requested or observed pause state.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Play tears down any previous session and starts a new one for url. It
// returns the new session id, or ErrUnsupported when no playback path fits.
func (c *Controller) Play(url string) (uint64, error) {
	c.Teardown()

	c.mu.Lock()
	c.session++
	session := c.session
	c.mu.Unlock()

	mode := c.config.EngineMode
	switch {
	case mode != config.EngineModeNative && c.newEngine != nil && engine.IsSupported(c.element):
		err := c.playEngine(session, url)
		if err != nil && mode != config.EngineModeEngine && c.element.CanPlayType(media.MimeHLS) {
			logger.Warn("{player - Play} Engine setup failed, falling back to native playback: %v", err)
			return session, c.playNative(session, url)
		}
		return session, err
	case mode != config.EngineModeEngine && c.element.CanPlayType(media.MimeHLS):
		return session, c.playNative(session, url)
	default:
		logger.Error("{player - Play} HLS is not supported on this device (engineMode=%s)", mode)
		return 0, ErrUnsupported
	}
}

func (c *Controller) playEngine(session uint64, url string) error {
	logger.Info("{player - playEngine} Using streaming engine for %s", utils.LogURL(c.config, url))

	eng := c.newEngine()
	unsubEngine := eng.Subscribe(c.stamp(session))
	unsubElement := c.element.Subscribe(c.stamp(session))

	c.mu.Lock()
	c.mode = ModeEngine
	c.engine = eng
	c.unsubs = []func(){unsubEngine, unsubElement}
	c.awaiting = false
	c.started = false
	c.paused = true
	c.mu.Unlock()

	if err := eng.LoadSource(url); err != nil {
		c.Teardown()
		return fmt.Errorf("load source: %w", err)
	}
	if err := eng.AttachMedia(c.element); err != nil {
		c.Teardown()
		return fmt.Errorf("attach media: %w", err)
	}
	return nil
}

func (c *Controller) playNative(session uint64, url string) error {
	logger.Info("{player - playNative} Using native playback for %s", utils.LogURL(c.config, url))

	unsub := c.element.Subscribe(c.stamp(session))

	c.mu.Lock()
	c.mode = ModeNative
	c.unsubs = []func(){unsub}
	c.awaiting = false
	c.started = false
	c.paused = true
	c.mu.Unlock()

	if err := c.element.SetSource(url); err != nil {
		c.Teardown()
		return fmt.Errorf("set source: %w", err)
	}
	return nil
}

// stamp tags events with session before forwarding them.
func (c *Controller) stamp(session uint64) types.Listener {
	return types.ListenerFunc(func(e types.Event) {
		e.Session = session
		if c.forward != nil {
			c.forward.OnEvent(e)
		}
	})
}

// Teardown destroys the engine, stops the element and clears its source.
func (c *Controller) Teardown() {
	c.mu.Lock()
	eng := c.engine
	unsubs := c.unsubs
	hadSession := c.mode != ModeNone
	c.engine = nil
	c.unsubs = nil
	c.mode = ModeNone
	c.awaiting = false
	c.started = false
	c.paused = true
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if eng != nil {
		eng.Destroy()
	}
	if hadSession || c.element.Source() != "" {
		if err := c.element.Pause(); err != nil && !errors.Is(err, media.ErrNoSource) {
			logger.Debug("{player - Teardown} Pause before reset failed: %v", err)
		}
		if err := c.element.Reset(); err != nil {
			logger.Warn("{player - Teardown} Element reset failed: %v", err)
		}
	}
}

// Handle applies an event of the live session. Events of other sessions are ignored.
func (c *Controller) Handle(e types.Event) (Outcome, error) {
	c.mu.Lock()
	if e.Session != c.session || c.mode == ModeNone {
		c.mu.Unlock()
		logger.Debug("{player - Handle} Dropping stale event %v (session %d, live %d)", e, e.Session, c.session)
		return OutcomeNone, nil
	}
	mode := c.mode
	c.mu.Unlock()

	switch e.Kind {
	case types.EventManifestParsed:
		if mode == ModeEngine {
			logger.Info("{player - Handle} Manifest parsed")
			c.prepare()
		}
	case types.EventMetadataLoaded:
		if mode == ModeNative {
			logger.Info("{player - Handle} Metadata loaded")
			c.prepare()
		}
	case types.EventCanPlay:
		if c.takeAwaiting() {
			return c.autoplay(), nil
		}
	case types.EventPlaying:
		c.setPaused(false)
	case types.EventPaused:
		c.setPaused(true)
	case types.EventEnded:
		logger.Info("{player - Handle} Stream ended (%s)", e.Source)
		return OutcomeEnded, nil
	case types.EventError:
		fatal := e.Fatal || e.Source == types.SourceElement
		metrics.PlaybackErrors.WithLabelValues(e.Source, strconv.FormatBool(fatal)).Inc()
		if !fatal {
			logger.Warn("{player - Handle} Non-fatal %s error: %v", e.Source, e.Err)
			return OutcomeNone, nil
		}
		logger.Error("{player - Handle} Fatal %s error: %v", e.Source, e.Err)
		return OutcomeFatal, &FatalError{Source: e.Source, Err: e.Err}
	}
	return OutcomeNone, nil
}

// prepare unmutes and arms autoplay for the next can-play signal.
func (c *Controller) prepare() {
	if err := c.element.SetMuted(false); err != nil {
		logger.Warn("{player - prepare} Unmute failed: %v", err)
	}
	c.mu.Lock()
	c.awaiting = true
	c.mu.Unlock()
}

func (c *Controller) takeAwaiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.awaiting {
		return false
	}
	c.awaiting = false
	return true
}

func (c *Controller) autoplay() Outcome {
	if err := c.element.Play(); err != nil {
		// autoplay refusals are not worth a restart
		logger.Warn("{player - autoplay} Autoplay error: %v", err)
		return OutcomeNone
	}
	c.mu.Lock()
	c.started = true
	c.paused = false
	c.mu.Unlock()
	logger.Info("{player - autoplay} Playback started")
	return OutcomeStarted
}

func (c *Controller) setPaused(p bool) {
	c.mu.Lock()
	c.paused = p
	c.mu.Unlock()
}

// TogglePlayPause flips the element between playing and paused. It is a no-op
// returning false when nothing is attached.
func (c *Controller) TogglePlayPause() (toggled bool, paused bool) {
	if !c.HasSource() {
		logger.Debug("{player - TogglePlayPause} No source attached, ignoring")
		return false, true
	}

	wasPaused := c.Paused()
	logger.Debug("{player - TogglePlayPause} Video is playing: %v", !wasPaused)

	var err error
	if wasPaused {
		err = c.element.Play()
	} else {
		err = c.element.Pause()
	}
	if err != nil {
		logger.Warn("{player - TogglePlayPause} Toggle failed: %v", err)
		return false, wasPaused
	}

	c.setPaused(!wasPaused)
	if wasPaused {
		logger.Info("{player - TogglePlayPause} Playing via remote")
	} else {
		logger.Info("{player - TogglePlayPause} Paused via remote")
	}
	return true, !wasPaused
}

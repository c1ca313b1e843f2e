package player

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emeltv-player/work/config"
	"emeltv-player/work/engine"
	"emeltv-player/work/events"
	"emeltv-player/work/media"
	"emeltv-player/work/types"
)

type fakeElement struct {
	mu        sync.Mutex
	hub       *events.Hub
	source    string
	paused    bool
	muted     bool
	streams   bool
	native    bool
	playErr   error
	attachErr error
	resets    int
	plays     int
	attaches  int
}

func newFakeElement() *fakeElement {
	return &fakeElement{hub: events.NewHub(), paused: true, muted: true, streams: true, native: true}
}

func (f *fakeElement) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.source == "" {
		return media.ErrNoSource
	}
	f.plays++
	if f.playErr != nil {
		return f.playErr
	}
	f.paused = false
	return nil
}

func (f *fakeElement) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.source == "" {
		return media.ErrNoSource
	}
	f.paused = true
	return nil
}

func (f *fakeElement) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeElement) SetMuted(m bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = m
	return nil
}

func (f *fakeElement) SetSource(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.source = url
	return nil
}

func (f *fakeElement) Source() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.source
}

func (f *fakeElement) AttachStream() (io.WriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attaches++
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	f.source = "pipe:engine"
	return nopWriteCloser{}, nil
}

func (f *fakeElement) SupportsStreams() bool { return f.streams }

func (f *fakeElement) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.source = ""
	f.paused = true
	return nil
}

func (f *fakeElement) CanPlayType(mime string) bool { return f.native && media.IsHLSMime(mime) }

func (f *fakeElement) Subscribe(l types.Listener) func() { return f.hub.Subscribe(l) }

func (f *fakeElement) emit(e types.Event) {
	e.Source = types.SourceElement
	f.hub.Emit(e)
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

type fakeEngine struct {
	hub       *events.Hub
	source    string
	target    engine.Target
	destroyed bool
}

func (f *fakeEngine) LoadSource(url string) error { f.source = url; return nil }

func (f *fakeEngine) AttachMedia(t engine.Target) error {
	f.target = t
	_, err := t.AttachStream()
	return err
}

func (f *fakeEngine) Subscribe(l types.Listener) func() { return f.hub.Subscribe(l) }

func (f *fakeEngine) Destroy() { f.destroyed = true }

func (f *fakeEngine) emit(e types.Event) {
	e.Source = types.SourceEngine
	f.hub.Emit(e)
}

type harness struct {
	ctrl    *Controller
	element *fakeElement
	engines []*fakeEngine
	events  []types.Event
}

func newHarness(t *testing.T, mode string) *harness {
	t.Helper()
	h := &harness{element: newFakeElement()}
	factory := func() Engine {
		e := &fakeEngine{hub: events.NewHub()}
		h.engines = append(h.engines, e)
		return e
	}
	forward := types.ListenerFunc(func(e types.Event) { h.events = append(h.events, e) })
	h.ctrl = New(&config.Config{EngineMode: mode}, h.element, factory, forward)
	return h
}

func (h *harness) liveEngines() int {
	n := 0
	for _, e := range h.engines {
		if !e.destroyed {
			n++
		}
	}
	return n
}

func (h *harness) handleAll(t *testing.T) []Outcome {
	t.Helper()
	var out []Outcome
	for _, e := range h.events {
		o, _ := h.ctrl.Handle(e)
		out = append(out, o)
	}
	h.events = nil
	return out
}

func TestEnginePlaybackStartsAfterManifestAndCanPlay(t *testing.T) {
	h := newHarness(t, config.EngineModeAuto)

	session, err := h.ctrl.Play("https://cdn/live.m3u8")
	require.NoError(t, err)
	assert.Equal(t, ModeEngine, h.ctrl.Mode())
	assert.Equal(t, session, h.ctrl.Session())
	require.Len(t, h.engines, 1)
	assert.Equal(t, "https://cdn/live.m3u8", h.engines[0].source)

	// can-play before the manifest is parsed does not start playback
	h.element.emit(types.Event{Kind: types.EventCanPlay})
	h.engines[0].emit(types.Event{Kind: types.EventManifestParsed})
	h.element.emit(types.Event{Kind: types.EventCanPlay})

	outcomes := h.handleAll(t)
	assert.Equal(t, []Outcome{OutcomeNone, OutcomeNone, OutcomeStarted}, outcomes)
	assert.False(t, h.element.muted)
	assert.Equal(t, 1, h.element.plays)
	assert.False(t, h.ctrl.Paused())
}

func TestNativeFallback(t *testing.T) {
	h := newHarness(t, config.EngineModeAuto)
	h.element.streams = false

	_, err := h.ctrl.Play("https://cdn/live.m3u8")
	require.NoError(t, err)
	assert.Equal(t, ModeNative, h.ctrl.Mode())
	assert.Empty(t, h.engines)
	assert.Equal(t, "https://cdn/live.m3u8", h.element.Source())

	h.element.emit(types.Event{Kind: types.EventMetadataLoaded})
	h.element.emit(types.Event{Kind: types.EventCanPlay})
	assert.Equal(t, []Outcome{OutcomeNone, OutcomeStarted}, h.handleAll(t))
}

func TestEngineModeNativeSkipsEngine(t *testing.T) {
	h := newHarness(t, config.EngineModeNative)
	_, err := h.ctrl.Play("u")
	require.NoError(t, err)
	assert.Equal(t, ModeNative, h.ctrl.Mode())
	assert.Empty(t, h.engines)
}

func TestEngineSetupFailureFallsBackToNative(t *testing.T) {
	h := newHarness(t, config.EngineModeAuto)
	h.element.attachErr = errors.New("stdin closed")

	_, err := h.ctrl.Play("https://cdn/live.m3u8")
	require.NoError(t, err)
	assert.Equal(t, ModeNative, h.ctrl.Mode())
	assert.Zero(t, h.liveEngines())
	assert.Equal(t, "https://cdn/live.m3u8", h.element.Source())

	// engine-only mode reports the failure instead
	h2 := newHarness(t, config.EngineModeEngine)
	h2.element.attachErr = errors.New("stdin closed")
	_, err = h2.ctrl.Play("u")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, ModeNone, h2.ctrl.Mode())
}

func TestUnsupported(t *testing.T) {
	h := newHarness(t, config.EngineModeAuto)
	h.element.streams = false
	h.element.native = false

	_, err := h.ctrl.Play("u")
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Zero(t, h.ctrl.Session())

	h2 := newHarness(t, config.EngineModeEngine)
	h2.element.streams = false
	_, err = h2.ctrl.Play("u")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestPlayTwiceLeavesOneLiveSession(t *testing.T) {
	h := newHarness(t, config.EngineModeAuto)

	first, err := h.ctrl.Play("https://cdn/a.m3u8")
	require.NoError(t, err)
	second, err := h.ctrl.Play("https://cdn/b.m3u8")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, h.liveEngines())
	assert.True(t, h.engines[0].destroyed)
	assert.GreaterOrEqual(t, h.element.resets, 1)

	// a late signal from the first engine reaches nobody
	h.engines[0].emit(types.Event{Kind: types.EventError, Fatal: true, Err: errors.New("late")})
	assert.Empty(t, h.events)

	// and a forwarded event stamped with the old session is ignored
	o, err := h.ctrl.Handle(types.Event{Kind: types.EventError, Fatal: true, Session: first, Source: types.SourceEngine})
	assert.NoError(t, err)
	assert.Equal(t, OutcomeNone, o)
}

func TestFatalErrors(t *testing.T) {
	h := newHarness(t, config.EngineModeAuto)
	session, err := h.ctrl.Play("u")
	require.NoError(t, err)

	o, err := h.ctrl.Handle(types.Event{Kind: types.EventError, Source: types.SourceEngine, Session: session, Err: errors.New("segment 404")})
	assert.Equal(t, OutcomeNone, o)
	assert.NoError(t, err)

	o, err = h.ctrl.Handle(types.Event{Kind: types.EventError, Source: types.SourceEngine, Fatal: true, Session: session, Err: errors.New("manifest")})
	assert.Equal(t, OutcomeFatal, o)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, types.SourceEngine, fe.Source)

	// element errors always end the session
	o, _ = h.ctrl.Handle(types.Event{Kind: types.EventError, Source: types.SourceElement, Session: session, Err: errors.New("decode")})
	assert.Equal(t, OutcomeFatal, o)
}

func TestAutoplayFailureIsOnlyLogged(t *testing.T) {
	h := newHarness(t, config.EngineModeNative)
	h.element.playErr = errors.New("autoplay blocked")
	_, err := h.ctrl.Play("u")
	require.NoError(t, err)

	h.element.emit(types.Event{Kind: types.EventMetadataLoaded})
	h.element.emit(types.Event{Kind: types.EventCanPlay})
	assert.Equal(t, []Outcome{OutcomeNone, OutcomeNone}, h.handleAll(t))
}

func TestToggleWithoutSourceIsNoop(t *testing.T) {
	h := newHarness(t, config.EngineModeAuto)

	toggled, paused := h.ctrl.TogglePlayPause()
	assert.False(t, toggled)
	assert.True(t, paused)
	assert.Zero(t, h.element.plays)
}

func TestToggleFlipsState(t *testing.T) {
	h := newHarness(t, config.EngineModeNative)
	_, err := h.ctrl.Play("u")
	require.NoError(t, err)

	toggled, paused := h.ctrl.TogglePlayPause()
	assert.True(t, toggled)
	assert.False(t, paused)
	assert.False(t, h.element.Paused())

	toggled, paused = h.ctrl.TogglePlayPause()
	assert.True(t, toggled)
	assert.True(t, paused)
	assert.True(t, h.element.Paused())
}

func TestTeardownClearsEverything(t *testing.T) {
	h := newHarness(t, config.EngineModeAuto)
	_, err := h.ctrl.Play("u")
	require.NoError(t, err)

	h.ctrl.Teardown()
	assert.Zero(t, h.ctrl.Session())
	assert.False(t, h.ctrl.HasSource())
	assert.True(t, h.engines[0].destroyed)
	assert.Empty(t, h.element.Source())
	assert.Zero(t, h.element.hub.Len())
}

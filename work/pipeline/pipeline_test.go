package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emeltv-player/work/config"
	"emeltv-player/work/controls"
	"emeltv-player/work/player"
	"emeltv-player/work/resolver"
	"emeltv-player/work/types"
)

type resolveStep struct {
	url   string
	err   error
	block bool
}

type fakeResolver struct {
	mu            sync.Mutex
	steps         []resolveStep
	calls         int
	invalidations int
}

func (f *fakeResolver) Resolve(ctx context.Context) (string, error) {
	f.mu.Lock()
	step := f.steps[len(f.steps)-1]
	if f.calls < len(f.steps) {
		step = f.steps[f.calls]
	}
	f.calls++
	f.mu.Unlock()

	if step.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return step.url, step.err
}

func (f *fakeResolver) Invalidate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations++
	return nil
}

func (f *fakeResolver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeResolver) Invalidations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidations
}

type fakePlayer struct {
	mu        sync.Mutex
	session   uint64
	live      bool
	plays     []string
	playErr   error
	teardowns int
	paused    bool
	forward   types.Listener
}

func (f *fakePlayer) Play(url string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session++
	f.plays = append(f.plays, url)
	if f.playErr != nil {
		f.live = false
		return 0, f.playErr
	}
	f.live = true
	f.paused = true
	return f.session, nil
}

func (f *fakePlayer) Handle(e types.Event) (player.Outcome, error) {
	switch {
	case e.Kind == types.EventCanPlay:
		f.mu.Lock()
		f.paused = false
		f.mu.Unlock()
		return player.OutcomeStarted, nil
	case e.Kind == types.EventEnded:
		return player.OutcomeEnded, nil
	case e.Kind == types.EventError && e.Fatal:
		return player.OutcomeFatal, &player.FatalError{Source: e.Source, Err: e.Err}
	}
	return player.OutcomeNone, nil
}

func (f *fakePlayer) TogglePlayPause() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live {
		return false, true
	}
	f.paused = !f.paused
	return true, f.paused
}

func (f *fakePlayer) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakePlayer) Teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
	f.live = false
	f.paused = true
}

func (f *fakePlayer) Session() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live {
		return 0
	}
	return f.session
}

func (f *fakePlayer) Plays() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.plays...)
}

type harness struct {
	p        *Pipeline
	resolver *fakeResolver
	player   *fakePlayer
	clock    *clock.Mock
	cancel   context.CancelFunc
	stopped  chan struct{}
}

func newHarness(t *testing.T, steps []resolveStep, cfgMod func(*config.Config)) *harness {
	t.Helper()
	cfg := &config.Config{RetryDelay: 3 * time.Second, ControlsTimeout: 3 * time.Second}
	if cfgMod != nil {
		cfgMod(cfg)
	}

	h := &harness{
		resolver: &fakeResolver{steps: steps},
		player:   &fakePlayer{paused: true},
		clock:    clock.NewMock(),
		stopped:  make(chan struct{}),
	}
	h.p = New(cfg, h.resolver, func(fwd types.Listener) Player {
		h.player.forward = fwd
		return h.player
	}, WithClock(h.clock))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.p.Run(ctx)
		close(h.stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.stopped
	})
	return h
}

func (h *harness) waitState(t *testing.T, s types.PipelineState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.p.Status().State == s }, 2*time.Second, 5*time.Millisecond,
		"state is %s, want %s", h.p.Status().State, s)
}

func (h *harness) emit(e types.Event) {
	e.Session = h.player.Session()
	h.p.OnEvent(e)
}

func TestStartResolvesAndPlays(t *testing.T) {
	h := newHarness(t, []resolveStep{{url: "https://cdn/live.m3u8"}}, nil)

	assert.Equal(t, types.StateIdle, h.p.Status().State)
	h.p.Start()
	h.waitState(t, types.StatePlaying)

	assert.Equal(t, []string{"https://cdn/live.m3u8"}, h.player.Plays())
	st := h.p.Status()
	assert.True(t, st.Started)
	assert.Equal(t, "https://cdn/live.m3u8", st.URL)
	assert.EqualValues(t, 1, st.Session)

	// a second start gesture is ignored
	h.p.Start()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.resolver.Calls())
}

func TestAutoStart(t *testing.T) {
	h := newHarness(t, []resolveStep{{url: "u"}}, func(c *config.Config) { c.AutoStart = true })
	h.waitState(t, types.StatePlaying)
}

func TestBackendFailureSchedulesExactlyOneRetry(t *testing.T) {
	h := newHarness(t, []resolveStep{
		{err: &resolver.ResolutionError{Endpoint: "stream-url", Status: 503, Body: "down"}},
		{url: "https://cdn/live.m3u8"},
	}, nil)

	h.p.Start()
	h.waitState(t, types.StateRecovering)
	assert.EqualValues(t, 1, h.p.Retries())
	assert.Contains(t, h.p.Status().LastError, "503")
	assert.Empty(t, h.player.Plays())

	h.clock.Add(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.resolver.Calls())

	h.clock.Add(time.Second)
	h.waitState(t, types.StatePlaying)
	assert.Equal(t, 2, h.resolver.Calls())
	assert.EqualValues(t, 1, h.p.Retries())
}

func TestFatalPlaybackRestartsAfterDelay(t *testing.T) {
	h := newHarness(t, []resolveStep{{url: "https://cdn/a.m3u8"}, {url: "https://cdn/b.m3u8"}}, nil)
	h.p.Start()
	h.waitState(t, types.StatePlaying)

	h.emit(types.Event{Kind: types.EventError, Source: types.SourceEngine, Fatal: true, Err: errors.New("levelLoadError")})
	h.waitState(t, types.StateRecovering)
	assert.Equal(t, 1, h.player.teardownsSafe())
	assert.Equal(t, 1, h.resolver.Invalidations())
	assert.Equal(t, 1, h.resolver.Calls())

	h.clock.Add(3 * time.Second)
	h.waitState(t, types.StatePlaying)
	assert.Equal(t, 2, h.resolver.Calls())
	assert.Equal(t, []string{"https://cdn/a.m3u8", "https://cdn/b.m3u8"}, h.player.Plays())
}

func TestNonFatalAndStaleEventsAreIgnored(t *testing.T) {
	h := newHarness(t, []resolveStep{{url: "u"}}, nil)
	h.p.Start()
	h.waitState(t, types.StatePlaying)

	h.emit(types.Event{Kind: types.EventError, Source: types.SourceEngine, Err: errors.New("fragLoadError")})
	h.p.OnEvent(types.Event{Kind: types.EventError, Fatal: true, Session: 999})
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, types.StatePlaying, h.p.Status().State)
	assert.Zero(t, h.p.Retries())
}

func TestStreamEndRecovers(t *testing.T) {
	h := newHarness(t, []resolveStep{{url: "u"}}, nil)
	h.p.Start()
	h.waitState(t, types.StatePlaying)

	h.emit(types.Event{Kind: types.EventEnded, Source: types.SourceEngine})
	h.waitState(t, types.StateRecovering)
	assert.Zero(t, h.resolver.Invalidations())
}

func TestRefreshDropsInFlightResolution(t *testing.T) {
	h := newHarness(t, []resolveStep{{block: true}, {url: "https://cdn/fresh.m3u8"}}, nil)
	h.p.Start()
	h.waitState(t, types.StateResolving)
	require.Eventually(t, func() bool { return h.resolver.Calls() == 1 }, time.Second, 5*time.Millisecond)

	h.p.Refresh()
	h.waitState(t, types.StatePlaying)

	assert.Equal(t, []string{"https://cdn/fresh.m3u8"}, h.player.Plays())
	assert.Equal(t, 1, h.resolver.Invalidations())
	assert.Zero(t, h.p.Retries())
}

func TestRefreshCancelsPendingRetryAndRestartsNow(t *testing.T) {
	h := newHarness(t, []resolveStep{{err: errors.New("offline")}, {url: "u"}}, nil)
	h.p.Start()
	h.waitState(t, types.StateRecovering)

	h.p.Refresh()
	h.waitState(t, types.StatePlaying)
	assert.Equal(t, 2, h.resolver.Calls())

	// the cancelled timer must not trigger another resolution
	h.clock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, h.resolver.Calls())
}

func TestUnsupportedIsTerminal(t *testing.T) {
	h := newHarness(t, []resolveStep{{url: "u"}}, nil)
	h.player.playErr = player.ErrUnsupported

	h.p.Start()
	h.waitState(t, types.StateUnsupported)
	assert.Zero(t, h.p.Retries())

	h.p.Refresh()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, types.StateUnsupported, h.p.Status().State)
	assert.Equal(t, 1, h.resolver.Calls())
}

func TestPlaybackStartResetsControls(t *testing.T) {
	h := newHarness(t, []resolveStep{{url: "u"}}, nil)
	h.p.Start()
	h.waitState(t, types.StatePlaying)

	h.p.ShowControls()
	require.Eventually(t, func() bool { return h.p.Status().Controls.Visible }, time.Second, 5*time.Millisecond)

	h.emit(types.Event{Kind: types.EventCanPlay, Source: types.SourceElement})
	require.Eventually(t, func() bool { return !h.p.Status().Controls.Visible }, time.Second, 5*time.Millisecond)
	assert.Equal(t, controls.PauseLabel, h.p.Status().Controls.Label)
}

func TestConfirmFlow(t *testing.T) {
	h := newHarness(t, []resolveStep{{url: "u"}}, nil)

	// not started yet: confirm starts
	h.p.Confirm()
	h.waitState(t, types.StatePlaying)

	// controls hidden: confirm shows them without toggling
	h.p.Confirm()
	require.Eventually(t, func() bool { return h.p.Status().Controls.Visible }, time.Second, 5*time.Millisecond)
	assert.True(t, h.player.Paused())
	assert.Equal(t, controls.PlayLabel, h.p.Status().Controls.Label)

	// controls visible: confirm toggles
	h.p.Confirm()
	require.Eventually(t, func() bool { return !h.player.Paused() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.p.Status().Controls.Label == controls.PauseLabel }, time.Second, 5*time.Millisecond)

	// and they hide on their own
	h.clock.Add(3 * time.Second)
	require.Eventually(t, func() bool { return !h.p.Status().Controls.Visible }, time.Second, 5*time.Millisecond)
}

func TestToggleWithoutSourceIsNoop(t *testing.T) {
	h := newHarness(t, []resolveStep{{url: "u"}}, nil)

	h.p.TogglePlayPause()
	h.p.Back()
	time.Sleep(20 * time.Millisecond)

	st := h.p.Status()
	assert.False(t, st.Controls.Visible)
	assert.Equal(t, types.StateIdle, st.State)
}

func TestShutdownTearsDown(t *testing.T) {
	h := newHarness(t, []resolveStep{{url: "u"}}, nil)
	h.p.Start()
	h.waitState(t, types.StatePlaying)

	h.cancel()
	<-h.stopped
	assert.Equal(t, types.StateStopped, h.p.Status().State)
	assert.GreaterOrEqual(t, h.player.teardownsSafe(), 1)

	// commands after shutdown do not block
	h.p.Start()
	h.p.OnEvent(types.Event{})
}

func (f *fakePlayer) teardownsSafe() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teardowns
}

func TestRetryFiredDuringRefreshDoesNotSkipDelay(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, []resolveStep{{err: errors.New("offline")}}, nil)
		h.p.Start()
		h.waitState(t, types.StateRecovering)
		require.Equal(t, 1, h.resolver.Calls())

		// hold the loop so the timer's signal queues up behind a refresh
		entered, release := make(chan struct{}), make(chan struct{})
		h.p.submit(func() {
			close(entered)
			<-release
			h.p.refresh()
		})
		<-entered

		h.clock.Add(3 * time.Second)
		require.Eventually(t, func() bool { return len(h.p.retries) == 1 }, time.Second, time.Millisecond)
		close(release)

		// the refreshed attempt fails and arms a fresh timer
		require.Eventually(t, func() bool { return h.p.Retries() == 2 }, time.Second, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 2, h.resolver.Calls(), "iteration %d", i)
		assert.Equal(t, types.StateRecovering, h.p.Status().State)

		h.clock.Add(2 * time.Second)
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, 2, h.resolver.Calls(), "iteration %d", i)

		h.clock.Add(time.Second)
		require.Eventually(t, func() bool { return h.resolver.Calls() == 3 }, time.Second, time.Millisecond)

		h.cancel()
		<-h.stopped
	}
}

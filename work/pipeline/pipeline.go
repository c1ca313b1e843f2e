package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"emeltv-player/work/config"
	"emeltv-player/work/controls"
	"emeltv-player/work/logger"
	"emeltv-player/work/metrics"
	"emeltv-player/work/player"
	"emeltv-player/work/recovery"
	"emeltv-player/work/resolver"
	"emeltv-player/work/types"
	"emeltv-player/work/utils"
)

// Resolver obtains stream URLs.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) error
}

// Player is the playback surface the pipeline drives.
type Player interface {
	Play(url string) (uint64, error)
	Handle(e types.Event) (player.Outcome, error)
	TogglePlayPause() (toggled bool, paused bool)
	Paused() bool
	Teardown()
	Session() uint64
}

// PlayerFactory builds the player, handing it the listener its events must go to.
type PlayerFactory func(forward types.Listener) Player

// Status is a point-in-time view of the pipeline.
type Status struct {
	State     types.PipelineState `json:"state"`
	Started   bool                `json:"started"`
	URL       string              `json:"url,omitempty"`
	Session   uint64              `json:"session"`
	Paused    bool                `json:"paused"`
	Controls  controls.Snapshot   `json:"controls"`
	Retries   uint64              `json:"retries"`
	Attempts  uint64              `json:"attempts"`
	LastError string              `json:"last_error,omitempty"`
	Since     time.Time           `json:"since"`
}

type resolveResult struct {
	generation uint64
	url        string
	err        error
}

// Pipeline owns the resolve, play and recover loop. Every state change
// happens on the goroutine running Run; the exported methods only enqueue work.
type Pipeline struct {
	config    *config.Config
	resolver  Resolver
	player    Player
	scheduler *recovery.Scheduler
	controls  *controls.Controls
	clock     clock.Clock

	cmds    chan func()
	events  chan types.Event
	results chan resolveResult
	retries chan uint64
	done    chan struct{}
	running atomic.Bool

	// owned by the loop goroutine
	ctx           context.Context
	state         types.PipelineState
	since         time.Time
	started       bool
	generation    uint64
	cancelResolve context.CancelFunc
	url           string
	lastErr       error
	attempts      uint64

	statusMu sync.RWMutex
	status   Status
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithClock replaces the clock used by the retry timer and controls.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// New wires a pipeline around res and the player built by newPlayer.
func New(cfg *config.Config, res Resolver, newPlayer PlayerFactory, opts ...Option) *Pipeline {
	p := &Pipeline{
		config:   cfg,
		resolver: res,
		clock:    clock.New(),
		cmds:     make(chan func(), 32),
		events:   make(chan types.Event, 256),
		results:  make(chan resolveResult, 4),
		retries:  make(chan uint64, 1),
		done:     make(chan struct{}),
		state:    types.StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.since = p.clock.Now()
	p.controls = controls.New(p.clock, cfg.ControlsTimeout)
	p.scheduler = recovery.New(p.clock, func(gen uint64) {
		select {
		case p.retries <- gen:
		case <-p.done:
		}
	})
	p.player = newPlayer(p)
	p.publish()
	return p
}

// Controls exposes the on-screen controls state.
func (p *Pipeline) Controls() *controls.Controls {
	return p.controls
}

// Run drives the loop until ctx is cancelled, then tears playback down.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pipeline already running")
	}
	defer close(p.done)

	p.ctx = ctx
	metrics.SetPipelineState(string(p.state), types.StateNames())
	logger.Info("{pipeline - Run} Pipeline loop started (autoStart=%v)", p.config.AutoStart)

	if p.config.AutoStart {
		p.start()
		p.publish()
	}

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil
		case fn := <-p.cmds:
			fn()
		case e := <-p.events:
			p.onEvent(e)
		case r := <-p.results:
			p.onResolved(r)
		case gen := <-p.retries:
			p.onRetry(gen)
		}
		p.publish()
	}
}

// OnEvent queues a playback event for the loop.
func (p *Pipeline) OnEvent(e types.Event) {
	select {
	case p.events <- e:
	case <-p.done:
	}
}

func (p *Pipeline) submit(fn func()) {
	select {
	case p.cmds <- fn:
	case <-p.done:
	}
}

// Start leaves the start overlay and begins resolution. Repeated calls are ignored.
func (p *Pipeline) Start() { p.submit(p.start) }

// Refresh tears playback down and resolves again immediately.
func (p *Pipeline) Refresh() { p.submit(p.refresh) }

// TogglePlayPause flips playback and flashes the controls.
func (p *Pipeline) TogglePlayPause() { p.submit(p.toggle) }

// ShowControls shows the controls with the current label.
func (p *Pipeline) ShowControls() { p.submit(p.showControls) }

// Confirm starts playback, or toggles it when the controls are up, or shows them.
func (p *Pipeline) Confirm() { p.submit(p.confirm) }

// Back is reserved.
func (p *Pipeline) Back() {
	p.submit(func() { logger.Debug("{pipeline - Back} Back pressed, nothing to do") })
}

// Status returns the latest published status with live controls state.
func (p *Pipeline) Status() Status {
	p.statusMu.RLock()
	s := p.status
	p.statusMu.RUnlock()
	s.Controls = p.controls.Snapshot()
	return s
}

// Retries returns how many delayed restarts have been scheduled.
func (p *Pipeline) Retries() uint64 {
	return p.scheduler.Scheduled()
}

func (p *Pipeline) start() {
	if p.started {
		logger.Debug("{pipeline - start} Already started")
		return
	}
	if p.state == types.StateUnsupported {
		return
	}
	p.started = true
	logger.Info("{pipeline - start} Starting stream")
	p.beginResolve()
}

func (p *Pipeline) refresh() {
	if p.state == types.StateUnsupported || p.state == types.StateStopped {
		logger.Debug("{pipeline - refresh} Ignoring refresh in state %s", p.state)
		return
	}
	logger.Info("{pipeline - refresh} Refreshing stream...")
	p.started = true
	p.scheduler.Cancel()
	p.player.Teardown()
	p.invalidate()
	p.beginResolve()
}

func (p *Pipeline) toggle() {
	toggled, paused := p.player.TogglePlayPause()
	if !toggled {
		return
	}
	p.controls.ShowTemporarily(paused)
}

func (p *Pipeline) showControls() {
	p.controls.ShowTemporarily(p.player.Paused())
}

func (p *Pipeline) confirm() {
	switch {
	case !p.started:
		p.start()
	case p.controls.Visible():
		p.toggle()
	default:
		p.showControls()
	}
}

func (p *Pipeline) beginResolve() {
	if p.cancelResolve != nil {
		p.cancelResolve()
	}

	p.generation++
	gen := p.generation
	p.attempts++
	ctx, cancel := context.WithCancel(p.ctx)
	p.cancelResolve = cancel
	p.setState(types.StateResolving)

	go func() {
		u, err := p.resolver.Resolve(ctx)
		select {
		case p.results <- resolveResult{generation: gen, url: u, err: err}:
		case <-p.done:
		}
	}()
}

func (p *Pipeline) onResolved(r resolveResult) {
	if r.generation != p.generation || p.state != types.StateResolving {
		logger.Debug("{pipeline - onResolved} Dropping stale resolve result (generation %d, current %d)", r.generation, p.generation)
		return
	}
	p.cancelResolve()
	p.cancelResolve = nil

	if r.err != nil {
		logger.Error("{pipeline - onResolved} Error during stream start (%s): %v", resolver.Kind(r.err), r.err)
		p.recover(r.err)
		return
	}

	p.url = r.url
	logger.Info("{pipeline - onResolved} Received stream URL: %s", utils.LogURL(p.config, r.url))

	if _, err := p.player.Play(r.url); err != nil {
		if errors.Is(err, player.ErrUnsupported) {
			p.lastErr = err
			p.setState(types.StateUnsupported)
			return
		}
		logger.Error("{pipeline - onResolved} Playback setup failed: %v", err)
		p.recover(err)
		return
	}
	p.lastErr = nil
	p.setState(types.StatePlaying)
}

func (p *Pipeline) onEvent(e types.Event) {
	if p.state != types.StatePlaying || e.Session != p.player.Session() {
		logger.Debug("{pipeline - onEvent} Ignoring %v in state %s", e, p.state)
		return
	}

	outcome, err := p.player.Handle(e)
	switch outcome {
	case player.OutcomeStarted:
		p.controls.Reset(false)
	case player.OutcomeFatal:
		p.player.Teardown()
		p.invalidate()
		p.recover(err)
	case player.OutcomeEnded:
		p.player.Teardown()
		p.recover(errors.New("stream ended"))
	}
}

func (p *Pipeline) onRetry(gen uint64) {
	if !p.scheduler.Current(gen) {
		logger.Debug("{pipeline - onRetry} Dropping superseded retry %d", gen)
		return
	}
	if p.state != types.StateRecovering {
		logger.Debug("{pipeline - onRetry} Retry fired in state %s, ignoring", p.state)
		return
	}
	p.beginResolve()
}

// recover waits out the fixed delay before resolving again.
func (p *Pipeline) recover(err error) {
	p.lastErr = err
	p.setState(types.StateRecovering)
	p.scheduler.ScheduleRetry(p.config.RetryDelay)
}

func (p *Pipeline) invalidate() {
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	if err := p.resolver.Invalidate(ctx); err != nil {
		logger.Warn("{pipeline - invalidate} Failed to clear cached stream: %v", err)
	}
}

func (p *Pipeline) shutdown() {
	logger.Info("{pipeline - shutdown} Stopping playback")
	if p.cancelResolve != nil {
		p.cancelResolve()
		p.cancelResolve = nil
	}
	p.scheduler.Cancel()
	p.controls.Stop()
	p.player.Teardown()
	p.setState(types.StateStopped)
	p.publish()
}

func (p *Pipeline) setState(s types.PipelineState) {
	if s == p.state {
		return
	}
	logger.Debug("{pipeline - setState} %s -> %s", p.state, s)
	p.state = s
	p.since = p.clock.Now()
	metrics.SetPipelineState(string(s), types.StateNames())
}

func (p *Pipeline) publish() {
	s := Status{
		State:    p.state,
		Started:  p.started,
		Session:  p.player.Session(),
		Paused:   p.player.Paused(),
		Retries:  p.scheduler.Scheduled(),
		Attempts: p.attempts,
		Since:    p.since,
	}
	if p.url != "" {
		s.URL = utils.LogURL(p.config, p.url)
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}

	p.statusMu.Lock()
	p.status = s
	p.statusMu.Unlock()
}

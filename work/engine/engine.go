package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	regexp "github.com/grafana/regexp"
	"github.com/grafov/m3u8"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/ratelimit"

	"emeltv-player/work/client"
	"emeltv-player/work/config"
	"emeltv-player/work/events"
	"emeltv-player/work/logger"
	"emeltv-player/work/metrics"
	"emeltv-player/work/types"
	"emeltv-player/work/utils"
)

const (
	maxSegmentErrors = 5
	trackerSize      = 256
	liveEdgeSegments = 3
	maxSegmentBytes  = 64 << 20
	minPollInterval  = 500 * time.Millisecond
)

var (
	ErrStalled        = errors.New("stream stalled")
	ErrSegmentErrors  = errors.New("too many consecutive segment errors")
	ErrNotMedia       = errors.New("variant is not a media playlist")
	ErrNoVariants     = errors.New("master playlist has no variants")
	ErrAlreadyStarted = errors.New("engine already started")
	ErrDestroyed      = errors.New("engine destroyed")
)

// redirectParam finds tracking wrappers that carry the real segment URL.
var redirectParam = regexp.MustCompile(`[?&]redirect_url=([^&#]+)`)

// Target is what the engine feeds media into.
type Target interface {
	AttachStream() (io.WriteCloser, error)
	SupportsStreams() bool
}

// Engine pulls an HLS stream segment by segment and writes it, in order,
// into an attached Target. Playback starts once both a source is loaded and
// a target is attached.
type Engine struct {
	config       *config.Config
	client       *client.HeaderSettingClient
	hub          *events.Hub
	limiter      ratelimit.Limiter
	clock        clock.Clock
	pollInterval time.Duration

	mu        sync.Mutex
	source    string
	target    Target
	cancel    context.CancelFunc
	done      chan struct{}
	destroyed bool
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces the clock used for polling and stall detection.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithPollInterval fixes the playlist reload interval instead of using the target duration.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// New creates an idle engine.
func New(cfg *config.Config, hc *client.HeaderSettingClient, opts ...Option) *Engine {
	limiter := ratelimit.NewUnlimited()
	if cfg.SegmentRequestsPerSecond > 0 {
		limiter = ratelimit.New(cfg.SegmentRequestsPerSecond)
	}

	e := &Engine{
		config:  cfg,
		client:  hc,
		hub:     events.NewHub(),
		limiter: limiter,
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsSupported reports whether t can be fed by an engine.
func IsSupported(t Target) bool {
	return t != nil && t.SupportsStreams()
}

// Subscribe registers a listener for engine events.
func (e *Engine) Subscribe(l types.Listener) func() {
	return e.hub.Subscribe(l)
}

// LoadSource sets the playlist URL to play.
func (e *Engine) LoadSource(src string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return ErrDestroyed
	}
	if e.done != nil {
		return ErrAlreadyStarted
	}
	e.source = src
	e.startLocked()
	return nil
}

// AttachMedia binds the engine to t.
func (e *Engine) AttachMedia(t Target) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return ErrDestroyed
	}
	if e.done != nil {
		return ErrAlreadyStarted
	}
	e.target = t
	e.startLocked()
	return nil
}

func (e *Engine) startLocked() {
	if e.source == "" || e.target == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx, e.source, e.target, e.done)
}

// Destroy stops fetching, closes the target stream and drops all listeners.
// No event is delivered after Destroy returns.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	e.hub.Clear()
	logger.Debug("{engine - Destroy} Engine destroyed")
}

type segmentResult struct {
	data []byte
	err  error
}

func (e *Engine) run(ctx context.Context, source string, target Target, done chan struct{}) {
	defer close(done)

	workers := e.config.WorkerThreads
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		e.fatal(ctx, fmt.Errorf("worker pool: %w", err))
		return
	}
	defer pool.Release()

	playlistURL, media, err := e.loadManifest(ctx, source)
	if err != nil {
		e.fatal(ctx, fmt.Errorf("manifest load: %w", err))
		return
	}
	e.emit(ctx, types.Event{Kind: types.EventManifestParsed, Details: playlistURL})

	w, err := target.AttachStream()
	if err != nil {
		e.fatal(ctx, fmt.Errorf("attach media: %w", err))
		return
	}
	// closing the writer unblocks a write stuck on a paused player
	stop := context.AfterFunc(ctx, func() { w.Close() })
	defer stop()
	defer w.Close()

	tracker := NewSegmentTracker(trackerSize)
	defer tracker.Clear()

	if !media.Closed {
		skipToLiveEdge(tracker, playlistURL, media)
	}

	consecutiveErrors := 0
	lastSuccess := e.clock.Now()

	for {
		pending := newSegments(tracker, playlistURL, media)

		// at most one window of segments is held in memory at a time
		for len(pending) > 0 {
			window := pending[:min(workers, len(pending))]
			pending = pending[len(window):]

			for i, res := range e.prefetch(ctx, pool, window) {
				if ctx.Err() != nil {
					return
				}
				if res.err != nil {
					consecutiveErrors++
					metrics.EngineSegments.WithLabelValues("error").Inc()
					logger.Warn("{engine - run} Segment failed: %v (errors: %d/%d)", res.err, consecutiveErrors, maxSegmentErrors)
					if consecutiveErrors > maxSegmentErrors {
						e.fatal(ctx, fmt.Errorf("%w: %v", ErrSegmentErrors, res.err))
						return
					}
					e.emit(ctx, types.Event{Kind: types.EventError, Err: res.err, Details: "segment"})
					// a failed segment is skipped, never replayed out of order
					tracker.MarkProcessed(window[i])
					continue
				}

				n, err := w.Write(res.data)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					e.fatal(ctx, fmt.Errorf("write to media: %w", err))
					return
				}

				tracker.MarkProcessed(window[i])
				consecutiveErrors = 0
				lastSuccess = e.clock.Now()
				metrics.EngineSegments.WithLabelValues("ok").Inc()
				metrics.EngineBytes.Add(float64(n))
			}
		}

		if media.Closed {
			logger.Info("{engine - run} Playlist ended")
			e.emit(ctx, types.Event{Kind: types.EventEnded})
			return
		}

		if stalled := e.clock.Since(lastSuccess); e.config.StallTimeout > 0 && stalled > e.config.StallTimeout {
			e.fatal(ctx, fmt.Errorf("%w: no new segment for %s", ErrStalled, stalled.Round(time.Second)))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(e.interval(media)):
		}

		next, err := e.fetchMedia(ctx, playlistURL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("{engine - run} Playlist reload failed: %v", err)
			e.emit(ctx, types.Event{Kind: types.EventError, Err: err, Details: "playlist"})
			continue
		}
		media = next
	}
}

// loadManifest fetches source and, for a master playlist, follows its first variant.
func (e *Engine) loadManifest(ctx context.Context, source string) (string, *m3u8.MediaPlaylist, error) {
	playlist, listType, err := e.fetchPlaylist(ctx, source)
	if err != nil {
		return "", nil, err
	}

	if listType == m3u8.MEDIA {
		return source, playlist.(*m3u8.MediaPlaylist), nil
	}

	master := playlist.(*m3u8.MasterPlaylist)
	var variantURI string
	for _, v := range master.Variants {
		if v != nil && v.URI != "" {
			variantURI = v.URI
			logger.Debug("{engine - loadManifest} Using variant bandwidth=%d resolution=%s", v.Bandwidth, v.Resolution)
			break
		}
	}
	if variantURI == "" {
		return "", nil, ErrNoVariants
	}

	variantURL, err := resolveReference(source, variantURI)
	if err != nil {
		return "", nil, err
	}
	media, err := e.fetchMedia(ctx, variantURL)
	if err != nil {
		return "", nil, err
	}
	return variantURL, media, nil
}

func (e *Engine) fetchMedia(ctx context.Context, playlistURL string) (*m3u8.MediaPlaylist, error) {
	playlist, listType, err := e.fetchPlaylist(ctx, playlistURL)
	if err != nil {
		return nil, err
	}
	if listType != m3u8.MEDIA {
		return nil, ErrNotMedia
	}
	return playlist.(*m3u8.MediaPlaylist), nil
}

func (e *Engine) fetchPlaylist(ctx context.Context, playlistURL string) (m3u8.Playlist, m3u8.ListType, error) {
	logger.Debug("{engine - fetchPlaylist} Fetching playlist: %s", utils.LogURL(e.config, playlistURL))
	e.limiter.Take()

	resp, err := e.get(ctx, playlistURL, "")
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(resp.Body), false)
	if err != nil {
		return nil, 0, fmt.Errorf("decode playlist: %w", err)
	}
	return playlist, listType, nil
}

// prefetch downloads urls concurrently and returns the results in input order.
func (e *Engine) prefetch(ctx context.Context, pool *ants.Pool, urls []string) []segmentResult {
	results := make([]segmentResult, len(urls))
	var wg sync.WaitGroup

	for i, u := range urls {
		i, u := i, u
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			data, err := e.fetchSegment(ctx, u)
			results[i] = segmentResult{data: data, err: err}
		})
		if err != nil {
			wg.Done()
			results[i] = segmentResult{err: fmt.Errorf("submit: %w", err)}
		}
	}

	wg.Wait()
	return results
}

func (e *Engine) fetchSegment(ctx context.Context, segmentURL string) ([]byte, error) {
	e.limiter.Take()

	referer := ""
	target := segmentURL
	if unwrapped := unwrapRedirect(segmentURL); unwrapped != "" {
		logger.Debug("{engine - fetchSegment} Resolved tracking URL %s -> %s",
			utils.LogURL(e.config, segmentURL), utils.LogURL(e.config, unwrapped))
		referer = segmentURL
		target = unwrapped
	}

	resp, err := e.get(ctx, target, referer)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSegmentBytes))
	if err != nil {
		return nil, fmt.Errorf("read segment: %w", err)
	}
	return data, nil
}

func (e *Engine) get(ctx context.Context, target, referer string) (*http.Response, error) {
	timeout := e.config.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	var headers http.Header
	if referer != "" {
		headers = http.Header{"Referer": {referer}}
	}
	resp, err := e.client.Get(reqCtx, target, headers)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("GET %s: HTTP %d", utils.LogURL(e.config, target), resp.StatusCode)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the request context together with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (e *Engine) interval(media *m3u8.MediaPlaylist) time.Duration {
	if e.pollInterval > 0 {
		return e.pollInterval
	}
	d := time.Duration(media.TargetDuration * float64(time.Second))
	if d < minPollInterval {
		d = minPollInterval
	}
	return d
}

func (e *Engine) emit(ctx context.Context, ev types.Event) {
	if ctx.Err() != nil {
		return
	}
	ev.Source = types.SourceEngine
	e.hub.Emit(ev)
}

func (e *Engine) fatal(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	logger.Error("{engine - fatal} %v", err)
	e.emit(ctx, types.Event{Kind: types.EventError, Fatal: true, Err: err})
}

// newSegments lists absolute segment URLs not yet written, in playlist order.
func newSegments(tracker *SegmentTracker, playlistURL string, media *m3u8.MediaPlaylist) []string {
	var out []string
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		u, err := resolveReference(playlistURL, seg.URI)
		if err != nil {
			logger.Warn("{engine - newSegments} Skipping bad segment URI %q: %v", seg.URI, err)
			continue
		}
		if !tracker.HasProcessed(u) {
			out = append(out, u)
		}
	}
	return out
}

// skipToLiveEdge marks all but the last few segments as done so a live
// stream starts close to its edge.
func skipToLiveEdge(tracker *SegmentTracker, playlistURL string, media *m3u8.MediaPlaylist) {
	all := newSegments(tracker, playlistURL, media)
	if len(all) <= liveEdgeSegments {
		return
	}
	for _, u := range all[:len(all)-liveEdgeSegments] {
		tracker.MarkProcessed(u)
	}
}

func resolveReference(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// unwrapRedirect returns the decoded redirect_url target of a tracking URL, or "".
func unwrapRedirect(segmentURL string) string {
	m := redirectParam.FindStringSubmatch(segmentURL)
	if m == nil {
		return ""
	}
	decoded, err := url.QueryUnescape(m[1])
	if err != nil {
		logger.Warn("{engine - unwrapRedirect} Failed to unescape redirect URL: %v", err)
		return ""
	}
	return decoded
}

package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"emeltv-player/work/config"
	"emeltv-player/work/events"
	"emeltv-player/work/logger"
	"emeltv-player/work/types"
	"emeltv-player/work/utils"
)

const (
	ipcDialTimeout    = 5 * time.Second
	ipcCommandTimeout = 5 * time.Second
	pauseObserverID   = 1
)

// MPVElement drives an external mpv process. One process is started per
// attached source and killed, with its whole process group, on Reset.
type MPVElement struct {
	config *config.Config
	hub    *events.Hub

	mu     sync.Mutex
	proc   *mpvProcess
	source string
	muted  bool

	paused   atomic.Bool
	sockets  atomic.Uint64
	lookOnce sync.Once
	binary   string
}

type mpvProcess struct {
	cmd     *exec.Cmd
	ipc     *ipcConn
	stdin   io.WriteCloser
	socket  string
	done    chan struct{}
	closing atomic.Bool
}

// NewMPVElement creates an element that starts cfg.PlayerCommand on demand.
func NewMPVElement(cfg *config.Config) *MPVElement {
	e := &MPVElement{
		config: cfg,
		hub:    events.NewHub(),
		muted:  true,
	}
	e.paused.Store(true)
	return e
}

// Subscribe registers a listener for element events.
func (e *MPVElement) Subscribe(l types.Listener) func() {
	return e.hub.Subscribe(l)
}

// SetSource starts the player on url. Any previous process is stopped first.
func (e *MPVElement) SetSource(url string) error {
	if err := e.Reset(); err != nil {
		logger.Warn("{media/mpv - SetSource} Reset before load failed: %v", err)
	}
	logger.Debug("{media/mpv - SetSource} Loading %s", utils.LogURL(e.config, url))

	proc, err := e.start(false)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.proc = proc
	e.source = url
	e.mu.Unlock()

	return e.load(proc, url)
}

// AttachStream starts the player reading MPEG-TS from its stdin and returns that pipe.
func (e *MPVElement) AttachStream() (io.WriteCloser, error) {
	if err := e.Reset(); err != nil {
		logger.Warn("{media/mpv - AttachStream} Reset before attach failed: %v", err)
	}

	proc, err := e.start(true)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.proc = proc
	e.source = engineSource
	e.mu.Unlock()

	if err := e.load(proc, "-"); err != nil {
		return nil, err
	}
	return proc.stdin, nil
}

// load asks the running player to open target. The player is started idle so
// no file-loaded event can fire before the IPC connection is listening.
func (e *MPVElement) load(proc *mpvProcess, target string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ipcCommandTimeout)
	defer cancel()
	if _, err := proc.ipc.command(ctx, "loadfile", target, "replace"); err != nil {
		e.Reset()
		return fmt.Errorf("loadfile: %w", err)
	}
	return nil
}

// Source returns the attached URL, a pipe marker in engine mode, or "".
func (e *MPVElement) Source() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.source
}

func (e *MPVElement) Play() error {
	return e.setProperty("pause", false)
}

func (e *MPVElement) Pause() error {
	return e.setProperty("pause", true)
}

// Paused reflects the last pause state reported by the player.
func (e *MPVElement) Paused() bool {
	return e.paused.Load()
}

// SetMuted applies now when a process is running and is remembered for the next one.
func (e *MPVElement) SetMuted(muted bool) error {
	e.mu.Lock()
	e.muted = muted
	running := e.proc != nil
	e.mu.Unlock()

	if !running {
		return nil
	}
	return e.setProperty("mute", muted)
}

// Reset stops the player process and clears the source.
func (e *MPVElement) Reset() error {
	e.mu.Lock()
	proc := e.proc
	e.proc = nil
	e.source = ""
	e.mu.Unlock()

	e.paused.Store(true)
	if proc == nil {
		return nil
	}
	return proc.stop()
}

// CanPlayType reports native support for HLS and MPEG-TS when the player binary exists.
func (e *MPVElement) CanPlayType(mime string) bool {
	if !IsHLSMime(mime) && !strings.EqualFold(strings.TrimSpace(mime), MimeMPEGTS) {
		return false
	}
	return e.available()
}

// SupportsStreams reports whether the engine may feed the element directly.
func (e *MPVElement) SupportsStreams() bool {
	return e.available()
}

func (e *MPVElement) available() bool {
	e.lookOnce.Do(func() {
		path, err := exec.LookPath(e.config.PlayerCommand)
		if err != nil {
			logger.Warn("{media/mpv - available} Player %q not found: %v", e.config.PlayerCommand, err)
			return
		}
		e.binary = path
	})
	return e.binary != ""
}

func (e *MPVElement) setProperty(name string, value any) error {
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	if proc == nil {
		return ErrNoSource
	}

	ctx, cancel := context.WithTimeout(context.Background(), ipcCommandTimeout)
	defer cancel()
	_, err := proc.ipc.command(ctx, "set_property", name, value)
	return err
}

func (e *MPVElement) start(useStdin bool) (*mpvProcess, error) {
	if !e.available() {
		return nil, fmt.Errorf("player %q is not available", e.config.PlayerCommand)
	}

	socket := filepath.Join(e.config.IPCSocketDir, fmt.Sprintf("emeltv-mpv-%d-%d.sock", os.Getpid(), e.sockets.Add(1)))
	os.Remove(socket)

	e.mu.Lock()
	muted := e.muted
	e.mu.Unlock()

	args := append([]string{}, e.config.PlayerArgs...)
	args = append(args,
		"--no-terminal",
		"--idle=yes",
		"--pause",
		"--input-ipc-server="+socket,
		fmt.Sprintf("--mute=%s", yesNo(muted)),
	)
	if useStdin {
		args = append(args, "--demuxer-lavf-format=mpegts")
	}

	logger.Debug("{media/mpv - start} Command: %s %s", e.binary, strings.Join(redactArgs(e.config, args), " "))

	cmd := exec.Command(e.binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	proc := &mpvProcess{cmd: cmd, socket: socket, done: make(chan struct{})}
	if useStdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
		proc.stdin = stdin
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start player: %w", err)
	}
	e.paused.Store(true)

	go func() {
		err := cmd.Wait()
		close(proc.done)
		if proc.closing.Load() {
			return
		}
		logger.Warn("{media/mpv - start} Player exited unexpectedly: %v", err)
		e.emitFor(proc, types.Event{Kind: types.EventError, Fatal: true, Err: fmt.Errorf("player exited: %v", err)})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), ipcDialTimeout)
	defer cancel()

	ipc, err := dialIPC(ctx, socket, func(msg ipcMessage) { e.handleIPC(proc, msg) })
	if err != nil {
		proc.stop()
		return nil, fmt.Errorf("player ipc: %w", err)
	}
	proc.ipc = ipc

	if _, err := ipc.command(ctx, "observe_property", pauseObserverID, "pause"); err != nil {
		proc.stop()
		return nil, fmt.Errorf("observe pause: %w", err)
	}

	logger.Debug("{media/mpv - start} Player started with pid %d", cmd.Process.Pid)
	return proc, nil
}

// handleIPC turns player events into element events.
func (e *MPVElement) handleIPC(proc *mpvProcess, msg ipcMessage) {
	switch msg.Event {
	case "file-loaded":
		e.emitFor(proc, types.Event{Kind: types.EventMetadataLoaded})
	case "playback-restart":
		e.emitFor(proc, types.Event{Kind: types.EventCanPlay})
	case "property-change":
		if msg.Name != "pause" {
			return
		}
		var paused bool
		if err := json.Unmarshal(msg.Data, &paused); err != nil {
			return
		}
		if !e.isCurrent(proc) {
			return
		}
		e.paused.Store(paused)
		if paused {
			e.emitFor(proc, types.Event{Kind: types.EventPaused})
		} else {
			e.emitFor(proc, types.Event{Kind: types.EventPlaying})
		}
	case "end-file":
		switch msg.Reason {
		case "error":
			detail := msg.FileError
			if detail == "" {
				detail = "unknown"
			}
			e.emitFor(proc, types.Event{Kind: types.EventError, Fatal: true, Err: errors.New("media error: " + detail), Details: detail})
		case "eof":
			e.emitFor(proc, types.Event{Kind: types.EventEnded})
		}
	}
}

func (e *MPVElement) isCurrent(proc *mpvProcess) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proc == proc
}

// emitFor drops events from processes that are no longer attached.
func (e *MPVElement) emitFor(proc *mpvProcess, ev types.Event) {
	if proc.closing.Load() || !e.isCurrent(proc) {
		return
	}
	ev.Source = types.SourceElement
	e.hub.Emit(ev)
}

// stop kills the process group and waits for the process to be reaped.
func (p *mpvProcess) stop() error {
	if !p.closing.CompareAndSwap(false, true) {
		return nil
	}
	if p.ipc != nil {
		p.ipc.Close()
	}
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.cmd.Process != nil {
		syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	}

	var err error
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		err = errors.New("player did not exit after kill")
	}
	os.Remove(p.socket)
	return err
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func redactArgs(cfg *config.Config, args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.Contains(a, "://") {
			out[i] = utils.LogURL(cfg, a)
			continue
		}
		out[i] = a
	}
	return out
}

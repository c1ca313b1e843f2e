package media

import (
	"errors"
	"io"
	"strings"

	"emeltv-player/work/types"
)

// MIME types the element may be asked about.
const (
	MimeHLS      = "application/vnd.apple.mpegurl"
	MimeHLSAlt   = "application/x-mpegurl"
	MimeMPEGTS   = "video/mp2t"
	engineSource = "pipe:engine"
)

// ErrNoSource is returned by playback commands when nothing is attached.
var ErrNoSource = errors.New("no source attached")

// Element is the media surface playback is bound to. Signals are delivered
// through Subscribe as types.Event values with Source set to types.SourceElement.
type Element interface {
	Play() error
	Pause() error
	Paused() bool
	SetMuted(muted bool) error

	// SetSource opens url natively.
	SetSource(url string) error
	Source() string

	// AttachStream prepares the element to be fed raw media by a streaming
	// engine and returns the writer to feed it through.
	AttachStream() (io.WriteCloser, error)
	SupportsStreams() bool

	// Reset stops playback and clears the source.
	Reset() error

	CanPlayType(mime string) bool
	Subscribe(l types.Listener) func()
}

// IsHLSMime reports whether mime names an HLS playlist type.
func IsHLSMime(mime string) bool {
	m := strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	return m == MimeHLS || m == MimeHLSAlt
}

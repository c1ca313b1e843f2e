package media

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"emeltv-player/work/logger"
)

var errIPCClosed = errors.New("player ipc closed")

// ipcMessage is any line the player writes on its IPC socket: either a reply
// carrying request_id, or an asynchronous event.
type ipcMessage struct {
	Event     string          `json:"event,omitempty"`
	ID        int64           `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	FileError string          `json:"file_error,omitempty"`
	RequestID *int64          `json:"request_id,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type ipcRequest struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id"`
}

// ipcConn speaks the mpv JSON IPC protocol: one JSON document per line in
// both directions.
type ipcConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64
	pending *xsync.MapOf[int64, chan ipcMessage]
	onEvent func(ipcMessage)
	closed  chan struct{}
	once    sync.Once
}

// dialIPC connects to the socket at path, retrying until ctx expires since
// the player creates the socket some time after it starts.
func dialIPC(ctx context.Context, path string, onEvent func(ipcMessage)) (*ipcConn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			c := &ipcConn{
				conn:    conn,
				pending: xsync.NewMapOf[int64, chan ipcMessage](),
				onEvent: onEvent,
				closed:  make(chan struct{}),
			}
			go c.readLoop()
			return c, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", path, err)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// command sends args and waits for the matching reply.
func (c *ipcConn) command(ctx context.Context, args ...any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	reply := make(chan ipcMessage, 1)
	c.pending.Store(id, reply)
	defer c.pending.Delete(id)

	line, err := json.Marshal(ipcRequest{Command: args, RequestID: id})
	if err != nil {
		return nil, err
	}
	line = append(line, '\n')

	c.writeMu.Lock()
	_, err = c.conn.Write(line)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case msg := <-reply:
		if msg.Error != "" && msg.Error != "success" {
			return nil, fmt.Errorf("%v: %s", args[0], msg.Error)
		}
		return msg.Data, nil
	case <-c.closed:
		return nil, errIPCClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ipcConn) readLoop() {
	defer c.close()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg ipcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			logger.Debug("{media/ipc - readLoop} Skipping unparsable line: %v", err)
			continue
		}

		if msg.Event == "" && msg.RequestID != nil {
			if ch, ok := c.pending.Load(*msg.RequestID); ok {
				ch <- msg
			}
			continue
		}
		if msg.Event != "" && c.onEvent != nil {
			c.onEvent(msg)
		}
	}
}

func (c *ipcConn) close() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Close shuts the connection; pending commands fail with errIPCClosed.
func (c *ipcConn) Close() error {
	c.close()
	return nil
}

// Done is closed once the connection is gone.
func (c *ipcConn) Done() <-chan struct{} {
	return c.closed
}

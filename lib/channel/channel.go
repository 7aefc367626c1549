// Package channel implements the one-shot local rendezvous used to hand a
// helper's result back to the process that launched it.
//
// One side listens on a named unix domain socket and accepts a single
// connection; the other side connects, writes one message and closes.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// MaxMessageSize bounds the single message read by AcceptOnce.
	MaxMessageSize = 10 * 1024 * 1024

	// DefaultReadTimeout bounds reading the message once a peer connected.
	DefaultReadTimeout = 5 * time.Second

	// DefaultDialTimeout bounds Dial when no timeout is given.
	DefaultDialTimeout = 5 * time.Second

	dialRetryInterval = 50 * time.Millisecond
)

var (
	ErrTimedOut       = errors.New("channel: timed out waiting for peer")
	ErrConnectFailed  = errors.New("channel: connect failed")
	ErrNameInUse      = errors.New("channel: name already in use")
	ErrMessageTooLong = errors.New("channel: message too long")
	ErrClosed         = errors.New("channel: closed")
)

// Path maps a channel name to its socket file. Absolute names are used as is;
// other names live in the OS temporary directory.
func Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(os.TempDir(), name)
}

// Listener is the accepting side of a channel.
type Listener struct {
	name        string
	path        string
	ln          *net.UnixListener
	ReadTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// listening holds the socket paths bound by this process.
var listening sync.Map

// Listen binds name. A socket file left behind by a dead listener is removed;
// a live listener on the same name yields ErrNameInUse.
func Listen(name string) (*Listener, error) {
	if name == "" {
		return nil, fmt.Errorf("channel: empty name")
	}
	path := Path(name)

	if _, loaded := listening.LoadOrStore(path, struct{}{}); loaded {
		return nil, fmt.Errorf("%w: %s", ErrNameInUse, name)
	}

	l, err := listen(name, path)
	if err != nil {
		listening.Delete(path)
		return nil, err
	}
	return l, nil
}

func listen(name, path string) (*Listener, error) {
	// A live owner in another process sees the probe as an empty connection,
	// which AcceptOnce skips.
	if _, err := os.Stat(path); err == nil {
		if conn, err := net.DialTimeout("unix", path, 100*time.Millisecond); err == nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrNameInUse, name)
		}
		os.Remove(path)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to create unix socket listener: %w", err)
	}
	// Close removes the file itself.
	ln.SetUnlinkOnClose(true)

	return &Listener{
		name:        name,
		path:        path,
		ln:          ln,
		ReadTimeout: DefaultReadTimeout,
	}, nil
}

func (l *Listener) Name() string { return l.name }

func (l *Listener) Path() string { return l.path }

// Expire makes a pending or future AcceptOnce give up after d.
func (l *Listener) Expire(d time.Duration) error {
	return l.ln.SetDeadline(time.Now().Add(d))
}

// AcceptOnce waits for one peer, reads its whole message and closes both the
// connection and the listener. A timeout of zero waits until ctx is done or
// Expire fires. A peer that closes without writing anything carries no
// message; it is dropped and AcceptOnce keeps waiting.
func (l *Listener) AcceptOnce(ctx context.Context, timeout time.Duration) ([]byte, error) {
	defer l.Close()

	if timeout > 0 {
		if err := l.ln.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("failed to set accept deadline: %w", err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		l.ln.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		conn, err := l.ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, ErrTimedOut
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("failed to accept connection: %w", err)
		}

		data, err := l.read(conn)
		if err == nil && len(data) == 0 {
			continue
		}
		return data, err
	}
}

func (l *Listener) read(conn *net.UnixConn) ([]byte, error) {
	defer conn.Close()

	if l.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(l.ReadTimeout))
	}

	data, err := io.ReadAll(io.LimitReader(conn, MaxMessageSize+1))
	if err != nil {
		return data, fmt.Errorf("failed to read message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, ErrMessageTooLong
	}
	return data, nil
}

// Close releases the listener and its socket file. It is safe to call more
// than once.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
		listening.Delete(l.path)
	})
	return l.closeErr
}

// Conn is the connecting side of a channel.
type Conn struct {
	conn net.Conn
}

// Dial connects to name, retrying until the listener shows up, the timeout
// passes or ctx is done. A zero timeout uses DefaultDialTimeout.
func Dial(ctx context.Context, name string, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := Path(name)
	var dialer net.Dialer
	var lastErr error
	for {
		conn, err := dialer.DialContext(ctx, "unix", path)
		if err == nil {
			return &Conn{conn: conn}, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, name, lastErr)
		case <-time.After(dialRetryInterval):
		}
	}
}

// SendOnce writes msg and closes the connection.
func (c *Conn) SendOnce(msg []byte) error {
	defer c.conn.Close()

	if _, err := c.conn.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close closes the connection without sending anything.
func (c *Conn) Close() error {
	return c.conn.Close()
}

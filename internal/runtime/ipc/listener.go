package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/drblury/workerpool/internal/runtime/ids"
)

// ChannelNamePrefix prefixes every generated channel name.
const ChannelNamePrefix = "pipeDataStream_"

// Listener is the owning side of the rendezvous. It binds a uniquely named
// unix socket and accepts exactly one child connection.
type Listener struct {
	name string
	path string
	ln   *net.UnixListener

	closeOnce sync.Once
	closeErr  error
}

// Listen binds a fresh socket under dir (os.TempDir when empty).
func Listen(dir string) (*Listener, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	name := ChannelNamePrefix + ids.CreateULID()
	path := filepath.Join(dir, name+".sock")

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on %s: %w", path, err)
	}
	ln.SetUnlinkOnClose(true)

	return &Listener{name: name, path: path, ln: ln}, nil
}

// Name is the generated channel name.
func (l *Listener) Name() string { return l.name }

// Address is what the child must dial; it is written to the child's stdin.
func (l *Listener) Address() string { return l.path }

// Accept waits for the child to connect. The listener is closed afterwards
// regardless of the outcome, so a second child can never attach.
func (l *Listener) Accept(ctx context.Context, opts ...ChannelOption) (*Channel, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		done <- result{conn: conn, err: err}
	}()

	select {
	case res := <-done:
		_ = l.Close()
		if res.err != nil {
			return nil, fmt.Errorf("ipc: accept on %s: %w", l.path, res.err)
		}
		return NewChannel(res.conn, opts...), nil
	case <-ctx.Done():
		_ = l.Close()
		if res := <-done; res.conn != nil {
			_ = res.conn.Close()
		}
		return nil, fmt.Errorf("ipc: waiting for child on %s: %w", l.path, ctx.Err())
	}
}

// Close releases the socket and removes its file.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
		if errors.Is(l.closeErr, net.ErrClosed) {
			l.closeErr = nil
		}
	})
	return l.closeErr
}

// Dial connects a child to the socket address it received on stdin.
func Dial(ctx context.Context, address string, opts ...ChannelOption) (*Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", address)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", address, err)
	}
	return NewChannel(conn, opts...), nil
}

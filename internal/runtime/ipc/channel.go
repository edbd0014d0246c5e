// Package ipc implements the private channel between a worker and its child
// process: a length-prefixed MessagePack framing over a duplex stream, the
// unix-socket rendezvous used to establish it, and a client for Go children.
package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/atomic"
)

const (
	headerSize = 4

	// DefaultMaxFrameSize bounds a single payload in either direction.
	DefaultMaxFrameSize = 64 << 20
)

var (
	ErrShortFrame    = errors.New("ipc: short frame")
	ErrEmptyFrame    = errors.New("ipc: zero-length frame")
	ErrFrameTooLarge = errors.New("ipc: frame exceeds maximum size")
	ErrDisconnected  = errors.New("ipc: channel disconnected")
)

// DecodeError is returned by Read when a complete frame arrived but its
// payload could not be deserialized. The channel stays usable.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ipc: decode %d byte payload: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ChannelOption customises a Channel.
type ChannelOption func(*Channel)

// WithMaxFrameSize overrides DefaultMaxFrameSize.
func WithMaxFrameSize(n uint32) ChannelOption {
	return func(c *Channel) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

// Channel exchanges envelopes as [4-byte big-endian length][payload] frames.
// Writes are serialised internally; reads must come from a single goroutine.
type Channel struct {
	conn io.ReadWriteCloser
	r    *bufio.Reader
	w    *bufio.Writer

	writeMu  sync.Mutex
	maxFrame uint32

	disconnected *atomic.Bool
	closeOnce    sync.Once
	closeErr     error
}

// NewChannel wraps an established duplex stream.
func NewChannel(conn io.ReadWriteCloser, opts ...ChannelOption) *Channel {
	c := &Channel{
		conn:         conn,
		r:            bufio.NewReader(conn),
		w:            bufio.NewWriter(conn),
		maxFrame:     DefaultMaxFrameSize,
		disconnected: atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Write serialises v and sends it as one frame.
func (c *Channel) Write(v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: encode payload: %w", err)
	}
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if uint64(len(payload)) > uint64(c.maxFrame) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), c.maxFrame)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.disconnected.Load() {
		return ErrDisconnected
	}

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := c.w.Write(header[:]); err != nil {
		return c.writeFailed(err)
	}
	if _, err := c.w.Write(payload); err != nil {
		return c.writeFailed(err)
	}
	if err := c.w.Flush(); err != nil {
		return c.writeFailed(err)
	}
	return nil
}

func (c *Channel) writeFailed(err error) error {
	if isClosedErr(err) {
		c.disconnected.Store(true)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return fmt.Errorf("ipc: write frame: %w", err)
}

// Read receives one frame and decodes it into T. A clean end of stream before
// any header byte marks the channel disconnected and returns ok == false with
// a nil error; every later call does the same.
func Read[T any](c *Channel) (T, bool, error) {
	var zero T
	if c.disconnected.Load() {
		return zero, false, nil
	}

	var header [headerSize]byte
	n, err := io.ReadFull(c.r, header[:])
	switch {
	case n == 0 && err != nil && (errors.Is(err, io.EOF) || isClosedErr(err)):
		c.disconnected.Store(true)
		return zero, false, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return zero, false, fmt.Errorf("%w: got %d of %d header bytes", ErrShortFrame, n, headerSize)
	case err != nil:
		return zero, false, fmt.Errorf("ipc: read header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return zero, false, ErrEmptyFrame
	}
	if size > c.maxFrame {
		return zero, false, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, c.maxFrame)
	}

	payload := make([]byte, size)
	if n, err := io.ReadFull(c.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return zero, false, fmt.Errorf("%w: got %d of %d payload bytes", ErrShortFrame, n, size)
		}
		return zero, false, fmt.Errorf("ipc: read payload: %w", err)
	}

	var v T
	if err := msgpack.Unmarshal(payload, &v); err != nil {
		return zero, false, &DecodeError{Size: int(size), Err: err}
	}
	return v, true, nil
}

// Connected reports whether the peer is still considered attached.
func (c *Channel) Connected() bool {
	return !c.disconnected.Load()
}

// Close marks the channel disconnected and closes the underlying stream.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.disconnected.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF)
}

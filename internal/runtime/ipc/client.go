package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// QuitSignal is the stdin line that tells a child to stop reading tasks.
const QuitSignal = "quit"

// ProgressFunc sends a non-terminal OutputTask ahead of the final answer.
type ProgressFunc func(OutputTask) error

// Handler processes one task and returns its terminal OutputTask.
type Handler func(ctx context.Context, task InputTask, progress ProgressFunc) OutputTask

// Client is the child-process side of the protocol for Go executables.
type Client struct {
	stdin io.Reader
	opts  []ChannelOption
}

// NewClient reads the handshake and control lines from stdin.
func NewClient(stdin io.Reader, opts ...ChannelOption) *Client {
	return &Client{stdin: stdin, opts: opts}
}

// Run performs the handshake and serves tasks until the parent sends
// QuitSignal, closes stdin or the channel, or ctx is cancelled.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	lines := bufio.NewScanner(c.stdin)
	if !lines.Scan() {
		if err := lines.Err(); err != nil {
			return fmt.Errorf("ipc: read channel name: %w", err)
		}
		return errors.New("ipc: stdin closed before channel name")
	}
	address := strings.TrimSpace(lines.Text())

	ch, err := Dial(ctx, address, c.opts...)
	if err != nil {
		return err
	}
	defer ch.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		for lines.Scan() {
			if strings.TrimSpace(lines.Text()) == QuitSignal {
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		_ = ch.Close()
	}()

	progress := func(out OutputTask) error {
		if !out.Status.IsProgress() {
			return fmt.Errorf("ipc: status %d is not a progress status", out.Status)
		}
		return ch.Write(out)
	}

	for {
		task, ok, err := Read[InputTask](ch)
		if err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				if werr := ch.Write(OutputTask{Status: StatusUnknownError, Message: decodeErr.Error()}); werr != nil {
					return werr
				}
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ok {
			return nil
		}

		out := handler(ctx, task, progress)
		if err := ch.Write(out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

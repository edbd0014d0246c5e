package broker

import (
	"context"
	"fmt"
	"sync"

	rterrors "github.com/drblury/workerpool/internal/runtime/errors"
	"github.com/drblury/workerpool/internal/runtime/logging"
	"github.com/drblury/workerpool/internal/runtime/metadata"
)

// SharedSource gives competing-consumer semantics to transports where every
// subscription receives its own copy of each message.
//
// It opens a single subscription per queue and hands each delivery to
// whichever subscriber asks first. The underlying message is acked once a
// subscriber takes it, so the transport can deliver the next one; a
// nack-requeue republishes the body and headers to the queue.
type SharedSource struct {
	Adapter
	logger logging.ServiceLogger

	ctx    context.Context
	cancel context.CancelFunc
	pumps  sync.WaitGroup

	mu     sync.Mutex
	queues map[string]chan *Delivery
	closed bool
}

// NewSharedSource wraps inner, which keeps serving Publish and Capabilities.
func NewSharedSource(inner Adapter, logger logging.ServiceLogger) *SharedSource {
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SharedSource{
		Adapter: inner,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]chan *Delivery),
	}
}

// Subscribe returns the queue's shared stream. ctx only scopes the caller's
// interest; the underlying subscription lives until Close.
func (s *SharedSource) Subscribe(ctx context.Context, queue string) (<-chan *Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, rterrors.ErrAdapterClosed
	}
	if out, ok := s.queues[queue]; ok {
		return out, nil
	}

	in, err := s.Adapter.Subscribe(s.ctx, queue)
	if err != nil {
		return nil, err
	}
	out := make(chan *Delivery)
	s.queues[queue] = out

	s.pumps.Add(1)
	go s.pump(queue, in, out)
	return out, nil
}

func (s *SharedSource) pump(queue string, in <-chan *Delivery, out chan<- *Delivery) {
	defer s.pumps.Done()
	defer close(out)
	for {
		select {
		case <-s.ctx.Done():
			return
		case d, ok := <-in:
			if !ok {
				return
			}
			shared := d.rebind(func() error { return nil }, func() error { return s.requeue(d) })
			if err := s.Adapter.Ack(d); err != nil {
				s.logger.Error("Could not release shared delivery", err, logging.LogFields{"queue": queue})
			}
			select {
			case out <- shared:
			case <-s.ctx.Done():
				_ = shared.NackRequeue()
				return
			}
		}
	}
}

func (s *SharedSource) requeue(d *Delivery) error {
	headers := d.Headers.Clone()
	if d.CorrelationID != "" {
		if _, ok := headers.Lookup(metadata.HeaderCorrelationID); !ok {
			headers[metadata.HeaderCorrelationID] = d.CorrelationID
		}
	}
	if d.ReplyTo != "" {
		if _, ok := headers.Lookup(metadata.HeaderReplyTo); !ok {
			headers[metadata.HeaderReplyTo] = d.ReplyTo
		}
	}
	if err := s.Adapter.Publish(context.Background(), d.Queue, d.Body, headers); err != nil {
		return fmt.Errorf("broker: requeue to %s: %w", d.Queue, err)
	}
	return nil
}

// Ack implements Adapter for shared deliveries.
func (s *SharedSource) Ack(d *Delivery) error { return d.Ack() }

// NackRequeue implements Adapter for shared deliveries.
func (s *SharedSource) NackRequeue(d *Delivery) error { return d.NackRequeue() }

// Close stops the shared subscriptions, requeueing any delivery not yet
// taken, then closes the wrapped adapter.
func (s *SharedSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.pumps.Wait()
	return s.Adapter.Close()
}

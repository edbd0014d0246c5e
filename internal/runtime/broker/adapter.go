package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/atomic"

	rterrors "github.com/drblury/workerpool/internal/runtime/errors"
	"github.com/drblury/workerpool/internal/runtime/logging"
	"github.com/drblury/workerpool/internal/runtime/metadata"
	"github.com/drblury/workerpool/transport"
)

// Adapter is what a worker needs from a broker.
type Adapter interface {
	// Subscribe streams deliveries from queue until ctx ends. A new delivery
	// is only produced once the previous one on the same stream was settled.
	Subscribe(ctx context.Context, queue string) (<-chan *Delivery, error)
	Ack(d *Delivery) error
	NackRequeue(d *Delivery) error
	Publish(ctx context.Context, queue string, body []byte, headers metadata.Metadata) error
	Capabilities() transport.Capabilities
	Close() error
}

// WatermillAdapter implements Adapter on top of a watermill publisher and
// subscriber pair.
type WatermillAdapter struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	caps       transport.Capabilities
	logger     logging.ServiceLogger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewWatermillAdapter wraps tr.
func NewWatermillAdapter(tr transport.Transport, caps transport.Capabilities, logger logging.ServiceLogger) *WatermillAdapter {
	if logger == nil {
		logger = logging.Nop()
	}
	return &WatermillAdapter{
		publisher:  tr.Publisher,
		subscriber: tr.Subscriber,
		caps:       caps,
		logger:     logger.With(logging.LogFields{"transport": caps.Name}),
	}
}

// Subscribe implements Adapter.
func (a *WatermillAdapter) Subscribe(ctx context.Context, queue string) (<-chan *Delivery, error) {
	if a.closed.Load() {
		return nil, rterrors.ErrAdapterClosed
	}
	messages, err := a.subscriber.Subscribe(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("broker: subscribe %s: %w", queue, err)
	}

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				d := NewDelivery(msg, queue)
				select {
				case out <- d:
				case <-ctx.Done():
					_ = d.NackRequeue()
					return
				}
			}
		}
	}()
	return out, nil
}

// Ack implements Adapter.
func (a *WatermillAdapter) Ack(d *Delivery) error {
	if err := d.Ack(); err != nil {
		return err
	}
	a.logger.Trace("Delivery acked", logging.LogFields{"queue": d.Queue, "token": d.Token()})
	return nil
}

// NackRequeue implements Adapter.
func (a *WatermillAdapter) NackRequeue(d *Delivery) error {
	if err := d.NackRequeue(); err != nil {
		return err
	}
	a.logger.Trace("Delivery nacked", logging.LogFields{"queue": d.Queue, "token": d.Token()})
	return nil
}

// Publish implements Adapter.
func (a *WatermillAdapter) Publish(ctx context.Context, queue string, body []byte, headers metadata.Metadata) error {
	if a.closed.Load() {
		return rterrors.ErrAdapterClosed
	}
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata = metadata.ToWatermill(headers)
	msg.SetContext(ctx)
	if err := a.publisher.Publish(queue, msg); err != nil {
		return fmt.Errorf("broker: publish to %s: %w", queue, err)
	}
	return nil
}

// Capabilities implements Adapter.
func (a *WatermillAdapter) Capabilities() transport.Capabilities { return a.caps }

// Close closes the subscriber, then the publisher.
func (a *WatermillAdapter) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		var errs []error
		if a.subscriber != nil {
			errs = append(errs, a.subscriber.Close())
		}
		if a.publisher != nil {
			errs = append(errs, a.publisher.Close())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// Package broker turns transport messages into Deliveries and exposes the
// small contract a worker needs: subscribe, ack, nack-requeue and publish.
package broker

import (
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/atomic"

	rterrors "github.com/drblury/workerpool/internal/runtime/errors"
	"github.com/drblury/workerpool/internal/runtime/metadata"
	"github.com/drblury/workerpool/transport"
)

// Delivery is one in-flight broker message. It is settled exactly once, by an
// ack or a nack-requeue; later attempts fail with ErrDeliverySettled.
type Delivery struct {
	// Queue is the queue or topic the delivery was consumed from.
	Queue string
	Body  []byte
	// CorrelationID comes from the broker property or the CorrelationId header.
	CorrelationID string
	// ReplyTo comes from the broker property or the ReplyTo header.
	ReplyTo string
	// Headers holds the message headers without transport bookkeeping.
	Headers metadata.Metadata

	// Acknowledgment token: a delivery tag (AMQP) or topic, partition and
	// offset (Kafka). Unused fields stay zero.
	Tag       uint64
	Topic     string
	Partition int32
	Offset    int64

	ReceivedAt time.Time
	MessageID  string

	ack     func() error
	nack    func() error
	settled atomic.Bool
}

// NewDelivery wraps a watermill message received from queue. Acking and
// nacking the delivery acks and nacks the message.
func NewDelivery(msg *message.Message, queue string) *Delivery {
	md := msg.Metadata
	headers := metadata.FromWatermill(md, transport.MetadataPrefix)

	d := &Delivery{
		Queue:      queue,
		Body:       []byte(msg.Payload),
		Headers:    headers,
		Topic:      md.Get(transport.MetadataTopic),
		ReceivedAt: time.Now(),
		MessageID:  msg.UUID,
	}

	d.CorrelationID = md.Get(transport.MetadataCorrelationID)
	if d.CorrelationID == "" {
		d.CorrelationID = headers.Get(metadata.HeaderCorrelationID)
	}
	d.ReplyTo = md.Get(transport.MetadataReplyTo)
	if d.ReplyTo == "" {
		d.ReplyTo = headers.Get(metadata.HeaderReplyTo)
	}
	if tag, err := strconv.ParseUint(md.Get(transport.MetadataDeliveryTag), 10, 64); err == nil {
		d.Tag = tag
	}
	if partition, err := strconv.ParseInt(md.Get(transport.MetadataPartition), 10, 32); err == nil {
		d.Partition = int32(partition)
	}
	if offset, err := strconv.ParseInt(md.Get(transport.MetadataOffset), 10, 64); err == nil {
		d.Offset = offset
	}

	d.ack = func() error {
		msg.Ack()
		return nil
	}
	d.nack = func() error {
		msg.Nack()
		return nil
	}
	return d
}

// rebind returns an unsettled copy of d whose settlement runs ack and nack.
func (d *Delivery) rebind(ack, nack func() error) *Delivery {
	return &Delivery{
		Queue:         d.Queue,
		Body:          d.Body,
		CorrelationID: d.CorrelationID,
		ReplyTo:       d.ReplyTo,
		Headers:       d.Headers,
		Tag:           d.Tag,
		Topic:         d.Topic,
		Partition:     d.Partition,
		Offset:        d.Offset,
		ReceivedAt:    d.ReceivedAt,
		MessageID:     d.MessageID,
		ack:           ack,
		nack:          nack,
	}
}

// Ack settles the delivery positively.
func (d *Delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return rterrors.ErrDeliverySettled
	}
	return d.ack()
}

// NackRequeue settles the delivery negatively so the broker redelivers it.
func (d *Delivery) NackRequeue() error {
	if !d.settled.CompareAndSwap(false, true) {
		return rterrors.ErrDeliverySettled
	}
	return d.nack()
}

// Settled reports whether Ack or NackRequeue already ran.
func (d *Delivery) Settled() bool { return d.settled.Load() }

// Token renders the acknowledgment token for logs.
func (d *Delivery) Token() string {
	if d.Topic != "" {
		return d.Topic + "/" + strconv.FormatInt(int64(d.Partition), 10) + "@" + strconv.FormatInt(d.Offset, 10)
	}
	return strconv.FormatUint(d.Tag, 10)
}

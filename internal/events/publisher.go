// Package events publishes message status changes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/Cypherspark/message-scheduler/internal/core"
	"github.com/Cypherspark/message-scheduler/internal/metrics"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

const DefaultStatusTopic = "message-status"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultStatusTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// KafkaPublisher writes one record per status change, keyed by message id so
// that all changes of a message land on the same partition in order.
type KafkaPublisher struct {
	w       messageWriter
	timeout time.Duration
}

func NewKafkaPublisher(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w, timeout: 2 * time.Second}
}

func Encode(ev core.StatusEvent) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "encode status event")
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.MessageID, 10)),
		Value: b,
		Time:  ev.At,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev core.StatusEvent) error {
	msg, err := Encode(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.w.WriteMessages(wctx, msg); err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		return errors.Wrap(err, "write status event")
	}
	metrics.EventsPublished.WithLabelValues("ok").Inc()
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// LogPublisher only logs status changes. Used when no broker is configured.
type LogPublisher struct {
	Logger log.FieldLogger
}

func (p LogPublisher) Publish(_ context.Context, ev core.StatusEvent) error {
	p.Logger.WithFields(log.Fields{
		"message_id": ev.MessageID,
		"user_id":    ev.UserID,
		"status":     ev.Status.String(),
	}).Debug("status changed")
	return nil
}

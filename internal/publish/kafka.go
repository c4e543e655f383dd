package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/kjstillabower/tank-level-service/internal/models"
	"github.com/kjstillabower/tank-level-service/internal/observability"
	"github.com/kjstillabower/tank-level-service/internal/widget"
)

// KafkaOptions configures the reading topic.
type KafkaOptions struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReadingEvent is the message value written per successful reading.
type ReadingEvent struct {
	Reading       models.Reading `json:"reading"`
	Band          models.Band    `json:"band"`
	Alert         bool           `json:"alert"`
	SensorMissing bool           `json:"sensorMissing"`
}

// KafkaPublisher writes one message per successful reading, keyed by tank
// so a tank's readings stay ordered within a partition.
type KafkaPublisher struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewKafkaPublisher builds a synchronous writer for o.Topic.
func NewKafkaPublisher(o KafkaOptions, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(o.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if o.Topic == "" {
		return nil, errors.New("kafka: topic required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(o.Brokers...),
		Topic:                  o.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: false,
	}
	return newKafkaPublisher(w, o, logger), nil
}

func newKafkaPublisher(w messageWriter, o KafkaOptions, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := o.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaPublisher{writer: w, topic: o.Topic, timeout: timeout, logger: logger}
}

// Publish implements widget.Sink. Display ticks are ignored.
func (p *KafkaPublisher) Publish(ctx context.Context, u widget.Update) error {
	if u.Reading == nil {
		return nil
	}
	value, err := json.Marshal(ReadingEvent{
		Reading:       *u.Reading,
		Band:          u.State.Band,
		Alert:         u.State.Alert,
		SensorMissing: u.State.SensorMissing,
	})
	if err != nil {
		return fmt.Errorf("kafka: encode reading: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:     []byte(u.State.Tank),
		Value:   value,
		Time:    u.Reading.FetchedAt,
		Headers: []kafka.Header{{Key: "content-type", Value: []byte("application/json")}},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		observability.PublishErrorsTotal.WithLabelValues("kafka").Inc()
		return fmt.Errorf("kafka: write %s: %w", p.topic, err)
	}
	p.logger.Debug("kafka reading written", zap.String("topic", p.topic), zap.String("tank", u.State.Tank))
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

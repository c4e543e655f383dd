package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/kjstillabower/tank-level-service/internal/models"
	"github.com/kjstillabower/tank-level-service/internal/observability"
	"github.com/kjstillabower/tank-level-service/internal/widget"
)

// ErrPublishTimeout is returned when the broker does not acknowledge in time.
var ErrPublishTimeout = errors.New("mqtt: publish timed out")

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	TopicPrefix    string
	Username       string
	Password       string
	QoS            byte
	Retained       bool
	ConnectTimeout time.Duration
}

// mqttClient is the subset of mqtt.Client used here.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type published struct {
	level float64
	band  models.Band
}

// MQTTPublisher publishes a tank's RenderState to {prefix}/{tank}/state
// whenever its level or band changes. Display ticks that only move the
// elapsed-time text are not published.
type MQTTPublisher struct {
	client   mqttClient
	prefix   string
	qos      byte
	retained bool
	timeout  time.Duration
	logger   *zap.Logger

	mu   sync.Mutex
	last map[string]published
}

// NewMQTTPublisher connects to the broker. Auto-reconnect is on; publishes
// made while disconnected fail and are retried on the next change.
func NewMQTTPublisher(o MQTTOptions, logger *zap.Logger) (*MQTTPublisher, error) {
	if o.Broker == "" {
		return nil, errors.New("mqtt: broker required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
	}
	if o.Password != "" {
		opts.SetPassword(o.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(o.ConnectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", o.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.String("broker", o.Broker), zap.Error(err))
	})

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(o.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", o.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", o.Broker, err)
	}
	return newMQTTPublisher(c, o, logger), nil
}

func newMQTTPublisher(c mqttClient, o MQTTOptions, logger *zap.Logger) *MQTTPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	prefix := o.TopicPrefix
	if prefix == "" {
		prefix = "tanks"
	}
	return &MQTTPublisher{
		client:   c,
		prefix:   prefix,
		qos:      o.QoS,
		retained: o.Retained,
		timeout:  timeout,
		logger:   logger,
		last:     make(map[string]published),
	}
}

// Topic returns the state topic for tank.
func (p *MQTTPublisher) Topic(tank string) string {
	return p.prefix + "/" + tank + "/state"
}

// Publish implements widget.Sink.
func (p *MQTTPublisher) Publish(ctx context.Context, u widget.Update) error {
	st := u.State
	if !st.HasData {
		return nil
	}
	cur := published{level: st.Level, band: st.Band}
	p.mu.Lock()
	prev, seen := p.last[st.Tank]
	p.mu.Unlock()
	if seen && samePublished(prev, cur) {
		return nil
	}

	st.Wave = nil
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("mqtt: encode state: %w", err)
	}
	topic := p.Topic(st.Tank)
	token := p.client.Publish(topic, p.qos, p.retained, payload)
	if !token.WaitTimeout(p.timeout) {
		observability.PublishErrorsTotal.WithLabelValues("mqtt").Inc()
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
	if err := token.Error(); err != nil {
		observability.PublishErrorsTotal.WithLabelValues("mqtt").Inc()
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}

	p.mu.Lock()
	p.last[st.Tank] = cur
	p.mu.Unlock()
	p.logger.Debug("mqtt state published", zap.String("topic", topic), zap.String("band", string(st.Band)))
	return nil
}

// Close disconnects from the broker, allowing 250ms for pending work.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

func samePublished(a, b published) bool {
	if a.band != b.band {
		return false
	}
	if math.IsNaN(a.level) && math.IsNaN(b.level) {
		return true
	}
	return a.level == b.level
}

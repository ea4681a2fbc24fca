package emitter

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tutortoise/people-counter-service/config"
	"github.com/Tutortoise/people-counter-service/logger"
	"github.com/Tutortoise/people-counter-service/occupancy"
)

var ErrNotConnected = errors.New("mqtt not connected")

// MQTTEmitter publishes occupancy events: counts on the count topic and dwell
// durations on the duration topic.
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	Client mqtt.Client
	log    *zap.SugaredLogger

	// newClient is replaced in tests.
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

func NewMQTTEmitter(cfg config.MQTTConfig) *MQTTEmitter {
	if cfg.ClientID == "" {
		cfg.ClientID = "people-counter-" + uuid.NewString()
	}
	return &MQTTEmitter{
		cfg:       cfg,
		log:       logger.Named("mqtt"),
		newClient: mqtt.NewClient,
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection. Failing to connect within the
// configured timeout is an error; later drops reconnect automatically.
func (e *MQTTEmitter) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + e.cfg.Broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetKeepAlive(e.cfg.KeepAlive)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.log.Infow("mqtt connection established", "broker", e.cfg.Broker, "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.log.Warnw("mqtt connection lost, will auto-reconnect", "broker", e.cfg.Broker, "error", err)
	}

	e.Client = e.newClient(opts)
	e.log.Infow("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(e.cfg.ConnectTimeout) {
		return errors.WithHint(
			errors.Newf("mqtt connection to %s timed out", e.cfg.Broker),
			"check that the broker is running and mqtt.broker points at it",
		)
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "mqtt connection to %s", e.cfg.Broker)
	}

	e.setConnected(true)
	return nil
}

// Publish sends each event to its topic, in order. It stops at the first
// failure.
func (e *MQTTEmitter) Publish(events ...occupancy.Event) error {
	for _, ev := range events {
		if err := e.publish(ev); err != nil {
			return err
		}
	}
	return nil
}

func (e *MQTTEmitter) publish(ev occupancy.Event) error {
	topic, err := e.topic(ev)
	if err != nil {
		e.countError()
		return err
	}
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return errors.Wrap(err, "marshal event")
	}

	token := e.Client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(e.cfg.PublishTimeout) {
		e.countError()
		return errors.Newf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return errors.Wrapf(err, "publish to %s", topic)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.log.Debugw("event published", "topic", topic, "payload", string(payload))
	return nil
}

func (e *MQTTEmitter) topic(ev occupancy.Event) (string, error) {
	switch ev.(type) {
	case occupancy.CountChanged:
		return e.cfg.Topics.Count, nil
	case occupancy.DurationReported:
		return e.cfg.Topics.Duration, nil
	}
	return "", errors.Newf("unknown event type %T", ev)
}

// Disconnect closes the MQTT connection. It also stops a client that is
// still auto-reconnecting.
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil {
		e.Client.Disconnect(250)
		e.log.Infow("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

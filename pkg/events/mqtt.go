package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connTimeout    = 10
	reconnTimeout  = 1
	disconnTimeout = 250
)

var (
	errPublishTimeout = errors.New("failed to publish due to timeout reached")
	errEmptyTopic     = errors.New("empty topic")
	errEmptyID        = errors.New("empty client ID")
)

type MQTTConfig struct {
	URL      string
	ClientID string
	Topic    string
	QoS      byte
	Encoding Encoding
	Timeout  time.Duration
}

// publisher is the subset of mqtt.Client the emitter needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

type mqttEmitter struct {
	client   publisher
	topic    string
	qos      byte
	encoding Encoding
	timeout  time.Duration
	logger   *slog.Logger
}

// NewMQTT connects to the broker and returns an Emitter publishing to
// <topic>/<run_id>/<kind>.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) (Emitter, error) {
	if cfg.ClientID == "" {
		return nil, errEmptyID
	}
	if cfg.Topic == "" {
		return nil, errEmptyTopic
	}
	if _, err := Encode(cfg.Encoding, Event{}); err != nil {
		return nil, err
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	return newMQTTEmitter(client, cfg, logger), nil
}

func newMQTTEmitter(client publisher, cfg MQTTConfig, logger *slog.Logger) *mqttEmitter {
	return &mqttEmitter{
		client:   client,
		topic:    cfg.Topic,
		qos:      cfg.QoS,
		encoding: cfg.Encoding,
		timeout:  cfg.Timeout,
		logger:   logger,
	}
}

func (e *mqttEmitter) Emit(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := Encode(e.encoding, ev)
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("%s/%s/%s", e.topic, ev.RunID, ev.Kind)
	token := e.client.Publish(topic, e.qos, false, data)
	if token.Error() != nil {
		return token.Error()
	}

	if ok := token.WaitTimeout(e.timeout); !ok {
		return errPublishTimeout
	}

	return token.Error()
}

func (e *mqttEmitter) Close(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.client.Disconnect(disconnTimeout)

		return nil
	}
}

func newClient(cfg MQTTConfig, logger *slog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connTimeout * time.Second).
		SetMaxReconnectInterval(reconnTimeout * time.Minute)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("MQTT connection established", slog.String("broker", cfg.URL))
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", slog.Any("error", err))
	})

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if token.Error() != nil {
		return nil, errors.Join(errors.New("failed to connect to MQTT broker"), token.Error())
	}

	if ok := token.WaitTimeout(cfg.Timeout); !ok {
		return nil, errors.New("timeout reached while connecting to MQTT broker")
	}
	if token.Error() != nil {
		return nil, errors.Join(errors.New("failed to connect to MQTT broker"), token.Error())
	}

	return client, nil
}

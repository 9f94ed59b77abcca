package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTPublisher wraps a Paho MQTT client.
type MQTTPublisher struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
}

// MQTTOptions configures the MQTT publisher.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	// PublishTimeout bounds each publish when ctx has no deadline.
	PublishTimeout time.Duration
	// ConnectTimeout bounds the initial connect. Reconnects after that run
	// in the background.
	ConnectTimeout time.Duration
}

var (
	ErrPublishTimeout = errors.New("publisher: publish timed out")
	ErrConnectTimeout = errors.New("publisher: connect timed out")
)

// NewMQTTPublisher creates and connects an MQTT publisher. It gives up when
// ctx ends or ConnectTimeout passes without a broker session.
func NewMQTTPublisher(ctx context.Context, opts MQTTOptions) (*MQTTPublisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("publisher: broker is required")
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username).SetPassword(opts.Password)
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()

	timer := time.NewTimer(opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, ctx.Err())
	case <-timer.C:
		// Stops the connect retry loop.
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, ErrConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}

	return &MQTTPublisher{
		client:  client,
		qos:     opts.QoS,
		timeout: opts.PublishTimeout,
	}, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)

	timeout := p.timeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return ErrPublishTimeout
	}
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}

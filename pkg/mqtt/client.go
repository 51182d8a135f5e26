// Package mqtt delivers tracking samples and status updates over MQTT.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("not connected to MQTT broker")

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker" yaml:"broker"`
	Port        int    `json:"port" yaml:"port"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	DeviceID    string `json:"device_id" yaml:"device_id"`
	QoS         int    `json:"qos" yaml:"qos"`
	Retain      bool   `json:"retain" yaml:"retain"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "fieldtrack",
		TopicPrefix: "fleet",
		QoS:         1,
	}
}

// Client publishes samples to the fleet broker. It satisfies the session
// contract (IsActive/SubmitSample) and the notifier contract (Update).
type Client struct {
	client    MQTT.Client
	logger    *logx.Logger
	config    *Config
	connected atomic.Bool
}

// NewClient creates a client; call Connect before use.
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{config: config, logger: logger}
}

// Connect establishes the broker connection. The paho client keeps retrying
// in the background, so a failed first attempt is not final.
func (c *Client) Connect() error {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		c.logger.Warn("MQTT connect still pending, retrying in background", "broker", c.config.Broker)
		return nil
	}

	c.logger.Info("MQTT client connected", map[string]interface{}{
		"broker": c.config.Broker,
		"port":   c.config.Port,
	})
	return nil
}

// Disconnect disconnects from MQTT broker
func (c *Client) Disconnect() {
	if c.client != nil {
		c.client.Disconnect(250)
		c.connected.Store(false)
		c.logger.Info("MQTT client disconnected")
	}
}

func (c *Client) onConnect(client MQTT.Client) {
	c.connected.Store(true)
	c.logger.Info("MQTT connection established")
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected.Store(false)
	c.logger.Warn("MQTT connection lost", "error", err)
}

// IsActive reports whether the broker connection is up.
func (c *Client) IsActive() bool {
	return c.client != nil && c.connected.Load() && c.client.IsConnected()
}

// LocationTopic is where samples are published.
func (c *Client) LocationTopic() string {
	return fmt.Sprintf("%s/%s/location", c.config.TopicPrefix, c.config.DeviceID)
}

// StatusTopic is where operator status updates are published.
func (c *Client) StatusTopic() string {
	return fmt.Sprintf("%s/%s/status", c.config.TopicPrefix, c.config.DeviceID)
}

// SubmitSample publishes the sample payload and waits for the broker ack or
// ctx expiry.
func (c *Client) SubmitSample(ctx context.Context, sample pkg.TrackingSample) error {
	if !c.IsActive() {
		return ErrNotConnected
	}
	return c.publishJSON(ctx, c.LocationTopic(), sample.Payload())
}

type statusMessage struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Tag       string    `json:"tag"`
	Timestamp time.Time `json:"timestamp"`
}

// Update publishes an operator status line. Failures are only logged.
func (c *Client) Update(title, body, statusTag string) {
	if !c.IsActive() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := statusMessage{Title: title, Body: body, Tag: statusTag, Timestamp: time.Now()}
	if err := c.publishJSON(ctx, c.StatusTopic(), msg); err != nil {
		c.logger.Debug("MQTT status publish failed", "error", err)
	}
}

func (c *Client) publishJSON(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	c.logger.Debug("MQTT message published", "topic", topic, "size", len(data))
	return nil
}

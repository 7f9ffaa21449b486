// Package mqttbus carries the core's notifications and inbound requests
// over an MQTT broker. Notifications are published as JSON to
// <prefix>/notify/<kind>; requests are read from <prefix>/request.
package mqttbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/bus"
	"github.com/srg/btcore/internal/groutine"
)

const (
	DefaultPrefix   = "btcore"
	DefaultClientID = "btcore"

	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	defaultAckBacklog        = 64
	maxQoS                   = 2
)

var (
	ErrConnectionFailed = errors.New("mqtt connection failed")
	ErrNotConnected     = errors.New("mqtt not connected")
	ErrPublishFailed    = errors.New("mqtt publish failed")
	ErrSubscribeFailed  = errors.New("mqtt subscribe failed")
	ErrInvalidQoS       = errors.New("mqtt qos must be 0, 1 or 2")
)

// newPahoClient is replaced in tests.
var newPahoClient = pahomqtt.NewClient

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Options configures a Client.
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
	QoS      byte
	Logger   *logrus.Logger
}

// RequestHandler receives decoded requests on a paho goroutine.
type RequestHandler func(bus.Request)

// Client is a bus.Sender backed by MQTT.
type Client struct {
	client pahomqtt.Client
	opts   Options
	logger *logrus.Logger

	onRequest RequestHandler

	mu        sync.RWMutex
	connected bool

	// acks feeds publish tokens to the goroutine that waits for the
	// broker, so Send never blocks its caller.
	acks      chan pahomqtt.Token
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ bus.Sender = (*Client)(nil)

func buildClientOptions(o Options) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	return opts
}

// Connect dials the broker and subscribes to the request topic. onRequest
// may be nil for a send-only client.
func Connect(o Options, onRequest RequestHandler) (*Client, error) {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.ClientID == "" {
		o.ClientID = DefaultClientID
	}
	if o.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	if o.Logger == nil {
		o.Logger = noopLogger
	}

	c := &Client{
		opts:      o,
		logger:    o.Logger,
		onRequest: onRequest,
		acks:      make(chan pahomqtt.Token, defaultAckBacklog),
		done:      make(chan struct{}),
	}
	popts := buildClientOptions(o)
	popts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	popts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })

	c.client = newPahoClient(popts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.setConnected(true)

	if onRequest != nil {
		if err := c.subscribe(); err != nil {
			c.client.Disconnect(defaultDisconnectQuiesce)
			return nil, err
		}
	}
	groutine.GoTracked(context.Background(), &c.wg, "mqtt-acks", c.watchAcks)
	c.logger.WithFields(logrus.Fields{"broker": o.Broker, "prefix": o.Prefix}).Info("MQTT bus connected")
	return c, nil
}

// RequestTopic is where the client reads requests.
func (c *Client) RequestTopic() string { return c.opts.Prefix + "/request" }

// NotifyTopic is where notifications of the given kind are published.
func (c *Client) NotifyTopic(kind string) string { return c.opts.Prefix + "/notify/" + kind }

func (c *Client) subscribe() error {
	token := c.client.Subscribe(c.RequestTopic(), c.opts.QoS, c.handleMessage)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

func (c *Client) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{"topic": msg.Topic(), "panic": r}).Error("MQTT request handler panic recovered")
		}
	}()

	req, err := bus.DecodeRequest(msg.Payload())
	if err != nil {
		c.logger.WithError(err).WithField("topic", msg.Topic()).Warn("Dropping malformed request")
		return
	}
	c.onRequest(req)
}

func (c *Client) handleConnect() {
	c.setConnected(true)
	if c.onRequest != nil {
		// Subscriptions do not survive a clean-session reconnect.
		if err := c.subscribe(); err != nil {
			c.logger.WithError(err).Warn("MQTT resubscribe failed")
		}
	}
}

func (c *Client) handleDisconnect(err error) {
	c.setConnected(false)
	c.logger.WithError(err).Warn("MQTT connection lost")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// Send publishes n without waiting for the broker. A publish that has
// already failed is reported; later failures are logged by the ack
// watcher.
func (c *Client) Send(n bus.Notification) error {
	payload, err := bus.Encode(n)
	if err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(c.NotifyTopic(bus.Kind(n)), c.opts.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: %w", ErrPublishFailed, err)
		}
		return nil
	default:
	}
	select {
	case c.acks <- token:
	default:
		c.logger.WithField("kind", bus.Kind(n)).Warn("MQTT ack backlog full, publish not tracked")
	}
	return nil
}

func (c *Client) watchAcks(context.Context) {
	for {
		select {
		case <-c.done:
			return
		case token := <-c.acks:
			c.awaitAck(token)
		}
	}
}

func (c *Client) awaitAck(token pahomqtt.Token) {
	timeout := time.NewTimer(defaultPublishTimeout)
	defer timeout.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			c.logger.WithError(err).Warn("MQTT publish failed")
		}
	case <-timeout.C:
		c.logger.WithField("timeout", defaultPublishTimeout).Warn("MQTT publish not acknowledged")
	case <-c.done:
	}
}

// Close disconnects from the broker and stops the ack watcher.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setConnected(false)
	return nil
}

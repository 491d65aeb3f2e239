// Package mqttsource streams telemetry events from an MQTT broker.
//
// Devices publish to a topic carrying their id, for example
// "devices/serra01/telemetry". The Source subscribes to a filter such as
// "devices/+/telemetry" and takes the device id from the level matched by the
// first single-level wildcard. Payloads are decoded by a twinsync.Decoder,
// which may still name another device in the payload itself.
package mqttsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danielorbach/go-component"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/go-digitaltwin/twinsync"
)

var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
	ErrInvalidTopic     = errors.New("mqtt: invalid topic filter")
	ErrInvalidQoS       = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
)

const (
	connectTimeout    = 10 * time.Second
	subscribeTimeout  = 5 * time.Second
	keepAlive         = 60 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// Config selects the broker and topic filter to consume.
type Config struct {
	// Broker is the broker URL, e.g. "tcp://localhost:1883" or
	// "ssl://broker:8883".
	Broker   string
	ClientID string
	Username string
	Password string
	// Topic is the subscription filter. When it holds a '+' wildcard, the
	// matching topic level names the device.
	Topic string
	QoS   byte
}

// Validate reports whether the configuration can be used to subscribe.
func (c Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("%w: no broker", ErrConnectionFailed)
	}
	if c.Topic == "" {
		return ErrInvalidTopic
	}
	levels := strings.Split(c.Topic, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: %q: '#' must be the last level", ErrInvalidTopic, c.Topic)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("%w: %q: '+' must occupy a whole level", ErrInvalidTopic, c.Topic)
		}
	}
	if c.QoS > 2 {
		return ErrInvalidQoS
	}
	return nil
}

// DeviceFromTopic returns the topic level matched by the first '+' wildcard of
// filter. It reports false when the filter has no such wildcard or the topic
// is too short to match it.
func DeviceFromTopic(filter, topic string) (string, bool) {
	at := -1
	for i, level := range strings.Split(filter, "/") {
		if level == "+" {
			at = i
			break
		}
	}
	if at < 0 {
		return "", false
	}
	levels := strings.Split(topic, "/")
	if at >= len(levels) || levels[at] == "" {
		return "", false
	}
	return levels[at], true
}

// Source consumes telemetry events from one MQTT topic filter.
type Source struct {
	Config  Config
	Decoder twinsync.Decoder
}

// Run connects to the broker and hands every decoded message to h until ctx is
// done. Subscriptions are restored when the client reconnects. Messages that
// cannot be decoded are logged and dropped; handler errors are logged by the
// handler itself.
func (s Source) Run(ctx context.Context, h twinsync.EventHandler) error {
	if err := s.Config.Validate(); err != nil {
		return err
	}
	logger := component.Logger(ctx).With(slog.String("mqtt.topic", s.Config.Topic))
	ctx = component.InjectLogger(ctx, logger)

	handler := s.wrapHandler(ctx, h)
	var subscribed atomic.Bool
	opts := s.clientOptions()
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		if !subscribed.Load() {
			return
		}
		logger.Info("Reconnected to MQTT broker, restoring subscription")
		c.Subscribe(s.Config.Topic, s.Config.QoS, handler)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("Lost connection to MQTT broker", slog.Any("error", err))
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer client.Disconnect(disconnectQuiesce)

	token = client.Subscribe(s.Config.Topic, s.Config.QoS, handler)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, subscribeTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	subscribed.Store(true)
	logger.Info("Subscribed to MQTT telemetry", slog.String("mqtt.broker", s.Config.Broker), slog.Int("mqtt.qos", int(s.Config.QoS)))

	<-ctx.Done()
	client.Unsubscribe(s.Config.Topic).WaitTimeout(subscribeTimeout)
	return nil
}

// Stream returns a component.Proc running s until the component stops.
func (s Source) Stream(h twinsync.EventHandler) component.Proc {
	return func(l *component.L) {
		if err := s.Run(l.Context(), h); err != nil {
			l.Fatal(err)
		}
	}
}

func (s Source) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(s.Config.Broker)
	clientID := s.Config.ClientID
	if clientID == "" {
		clientID = "twinsync-" + uuid.NewString()[:8]
	}
	opts.SetClientID(clientID)
	if s.Config.Username != "" {
		opts.SetUsername(s.Config.Username)
		opts.SetPassword(s.Config.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	// Each message is processed in its own goroutine.
	opts.SetOrderMatters(false)
	return opts
}

// wrapHandler adapts h to a paho message handler which decodes the payload
// and recovers from panics.
func (s Source) wrapHandler(ctx context.Context, h twinsync.EventHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		logger := component.Logger(ctx).With(slog.String("topic", msg.Topic()))
		defer func() {
			if r := recover(); r != nil {
				logger.Error("MQTT handler panic recovered", slog.Any("panic", r))
			}
		}()

		metadata := map[string]string{twinsync.MetadataEventID: uuid.NewString()}
		if device, ok := DeviceFromTopic(s.Config.Topic, msg.Topic()); ok {
			metadata[twinsync.MetadataDeviceID] = device
		}
		event, err := s.Decoder(msg.Payload(), metadata)
		if err != nil {
			logger.Warn("Dropping undecodable MQTT message", slog.Any("error", err))
			return
		}
		if err := h(ctx, event); err != nil {
			logger.Debug("MQTT message handler failed", slog.String("event.id", event.ID), slog.Any("error", err))
		}
	}
}

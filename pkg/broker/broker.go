package broker

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fieldcam/agent/pkg/auth"
	"github.com/fieldcam/agent/pkg/config"
	"github.com/fieldcam/agent/pkg/dispatch"
	"github.com/fieldcam/agent/pkg/state"
	"github.com/fieldcam/agent/pkg/tlsutil"
)

// reconnectInterval paces reconnect attempts so a flapping link does not
// turn into a reconnect storm.
const reconnectInterval = 15 * time.Second

// inboundDepth bounds commands buffered between the paho callback and the
// main loop.
const inboundDepth = 8

// Adapter maintains the mutually authenticated broker session and routes
// inbound commands through the shared dispatcher. Inbound messages are
// queued from the network callback and drained by the main loop's Handle,
// mirroring the short-range adapter's deferred-processing model.
type Adapter struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	state      *state.SystemState
	logger     *logrus.Logger

	client  mqtt.Client
	inbound chan []byte

	commandTopic  string
	responseTopic string
	statusTopic   string

	mu        sync.Mutex
	connected bool
	paused    bool
	retry     backoff.BackOff
	nextRetry time.Time
}

// NewAdapter creates the broker adapter. Connect (or the first Handle tick)
// establishes the session.
func NewAdapter(cfg *config.Config, dispatcher *dispatch.Dispatcher, st *state.SystemState, logger *logrus.Logger) *Adapter {
	prefix := fmt.Sprintf("fieldcam/%s/%s", cfg.Device.ProductKey, cfg.Device.DeviceName)
	return &Adapter{
		cfg:           cfg,
		dispatcher:    dispatcher,
		state:         st,
		logger:        logger,
		inbound:       make(chan []byte, inboundDepth),
		commandTopic:  prefix + "/commands",
		responseTopic: prefix + "/responses",
		statusTopic:   prefix + "/status",
		retry:         backoff.NewConstantBackOff(reconnectInterval),
	}
}

// Connect establishes the broker session and subscribes to the per-device
// command topic.
func (a *Adapter) Connect() error {
	credentials := auth.GenerateMQTTCredentials(
		a.cfg.Device.ProductKey,
		a.cfg.Device.DeviceName,
		a.cfg.Device.DeviceSecret,
	)

	opts := mqtt.NewClientOptions()

	broker := fmt.Sprintf("tcp://%s:%d", a.cfg.MQTT.Host, a.cfg.MQTT.Port)
	if a.cfg.MQTT.UseTLS {
		broker = fmt.Sprintf("ssl://%s:%d", a.cfg.MQTT.Host, a.cfg.MQTT.Port)

		tlsConfig := &tls.Config{
			InsecureSkipVerify: a.cfg.TLS.SkipVerify,
			ServerName:         a.cfg.TLS.ServerName,
		}

		certPool, err := tlsutil.LoadCACert(a.cfg.TLS.CACert)
		if err != nil {
			return fmt.Errorf("failed to load CA certificate: %w", err)
		}
		tlsConfig.RootCAs = certPool

		clientCert, err := tlsutil.LoadClientCert(a.cfg.TLS.ClientCert, a.cfg.TLS.ClientKey)
		if err != nil {
			return err
		}
		if clientCert != nil {
			tlsConfig.Certificates = []tls.Certificate{*clientCert}
		}

		opts.SetTLSConfig(tlsConfig)
	}

	opts.AddBroker(broker)
	opts.SetClientID(credentials.ClientID)
	opts.SetUsername(credentials.Username)
	opts.SetPassword(credentials.Password)
	opts.SetKeepAlive(a.cfg.MQTT.KeepAlive)
	opts.SetCleanSession(a.cfg.MQTT.CleanSession)
	// Reconnects are paced by Handle, not by the library.
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(a.connectionLost)

	a.client = mqtt.NewClient(opts)

	token := a.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect: %w", token.Error())
	}

	token = a.client.Subscribe(a.commandTopic, 1, a.onCommand)
	if token.Wait() && token.Error() != nil {
		a.client.Disconnect(250)
		return fmt.Errorf("failed to subscribe to command topic: %w", token.Error())
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()

	a.logger.WithField("broker", broker).Info("connected to message broker")
	return nil
}

// onCommand runs on a network goroutine; it only queues the payload. A full
// queue drops the message rather than blocking the network loop.
func (a *Adapter) onCommand(client mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	select {
	case a.inbound <- payload:
	default:
		a.logger.Warn("inbound command queue full, dropping message")
	}
}

func (a *Adapter) connectionLost(client mqtt.Client, err error) {
	a.mu.Lock()
	a.connected = false
	a.nextRetry = time.Now().Add(a.retry.NextBackOff())
	a.mu.Unlock()
	a.logger.WithError(err).Warn("broker connection lost")
}

// Handle services the adapter from the main loop: drains queued commands and
// performs at most one rate-limited reconnect attempt.
func (a *Adapter) Handle() {
	a.mu.Lock()
	connected, paused, nextRetry := a.connected, a.paused, a.nextRetry
	a.mu.Unlock()

	a.state.BrokerConnected = connected

	if !connected && !paused && time.Now().After(nextRetry) {
		if err := a.Connect(); err != nil {
			a.logger.WithError(err).Warn("broker reconnect failed")
			a.mu.Lock()
			a.nextRetry = time.Now().Add(a.retry.NextBackOff())
			a.mu.Unlock()
		}
		return
	}

	for {
		select {
		case raw := <-a.inbound:
			a.dispatcher.ProcessCommand(raw, a.Sink())
		default:
			return
		}
	}
}

// Pause tears the session down to release its TLS buffers ahead of a
// firmware download. Reconnect attempts stop until Resume.
func (a *Adapter) Pause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()

	if a.client != nil && a.client.IsConnected() {
		a.client.Disconnect(250)
	}

	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()

	a.logger.Info("broker session paused")
}

// Resume re-establishes the session after a paused download was cancelled.
func (a *Adapter) Resume() error {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
	return a.Connect()
}

// IsConnected reports the session state.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected && a.client != nil && a.client.IsConnected()
}

// PublishStatus publishes a status snapshot to the periodic status topic.
func (a *Adapter) PublishStatus(snapshot map[string]interface{}) error {
	if !a.IsConnected() {
		return fmt.Errorf("broker is not connected")
	}

	payload := map[string]interface{}{
		"id":        uuid.NewString(),
		"timestamp": time.Now().UnixMilli(),
		"status":    snapshot,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	token := a.client.Publish(a.statusTopic, 0, false, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish status: %w", token.Error())
	}
	return nil
}

// Sink returns the response sink for commands received over the broker. The
// transport cannot split oversized payloads, so it reports chunking as
// unsupported and the dispatcher rejects large-payload commands up front.
func (a *Adapter) Sink() dispatch.ResponseSink {
	return &sink{adapter: a}
}

type sink struct {
	adapter *Adapter
}

func (s *sink) Send(payload string) error {
	a := s.adapter
	if !a.IsConnected() {
		return fmt.Errorf("broker is not connected")
	}
	token := a.client.Publish(a.responseTopic, 1, false, []byte(payload))
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish response: %w", token.Error())
	}
	return nil
}

func (s *sink) SupportsChunking() bool { return false }

func (s *sink) Name() string { return "mqtt" }

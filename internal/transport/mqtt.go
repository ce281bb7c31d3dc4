// Package transport owns the MQTT connection: backoff connect, ingress
// subscriptions, and the capped outbound publisher.
package transport

import (
	"context"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fabkury/makapix-sub009/internal/protocol"
)

// MessageHandler receives every raw ingress message. Implementations must not
// block: the dispatcher spawns its own goroutine per message.
type MessageHandler func(topic string, payload []byte)

// BuildClient constructs the paho client subscribed to the gateway's ingress
// filters. Subscriptions are re-established on every (re)connect.
func BuildClient(brokerURL, clientID, username, password, topicRoot string, qos byte, logger *log.Logger, h MessageHandler) mqtt.Client {
	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	if username != "" {
		opts.SetUsername(username)
	}
	if password != "" {
		opts.SetPassword(password)
	}

	opts.OnConnect = func(c mqtt.Client) {
		logger.Printf("connected to broker: %s", brokerURL)
		for _, filter := range protocol.IngressFilters(topicRoot) {
			if token := c.Subscribe(filter, qos, onMessage); token.Wait() && token.Error() != nil {
				logger.Printf("mqtt subscribe error: filter=%s err=%v", filter, token.Error())
			} else {
				logger.Printf("subscribed: %s (QoS %d)", filter, qos)
			}
		}
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Printf("mqtt connection lost: %v", err)
	}

	return mqtt.NewClient(opts)
}

// ConnectWithBackoff blocks until the client connects or ctx is cancelled,
// doubling the retry interval up to max.
func ConnectWithBackoff(ctx context.Context, logger *log.Logger, client mqtt.Client, start, max time.Duration) {
	backoff := start
	for {
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			logger.Printf("mqtt connect error: %v; retrying in %s", token.Error(), backoff)
			select {
			case <-time.After(backoff):
				if backoff < max {
					backoff *= 2
				}
			case <-ctx.Done():
				logger.Println("context cancelled before mqtt connect")
				return
			}
			continue
		}
		break
	}
}

// Publisher sends gateway-originated messages with a bounded publish wait and
// an outbound payload cap. The cap is a last line of defense: response
// encoding already truncates to fit.
type Publisher struct {
	client   mqtt.Client
	qos      byte
	maxBytes int
	timeout  time.Duration
}

func NewPublisher(client mqtt.Client, qos byte, maxBytes int, timeout time.Duration) *Publisher {
	return &Publisher{client: client, qos: qos, maxBytes: maxBytes, timeout: timeout}
}

func (p *Publisher) Publish(topic string, payload []byte) error {
	if p.maxBytes > 0 && len(payload) > p.maxBytes {
		return fmt.Errorf("publish to %s: payload %d bytes exceeds cap %d", topic, len(payload), p.maxBytes)
	}
	token := p.client.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s: timed out after %s", topic, p.timeout)
	}
	return token.Error()
}

// Truncate returns a printable sample of payload for log lines.
func Truncate(payload []byte, max int) string {
	if len(payload) <= max {
		return string(payload)
	}
	return string(payload[:max]) + "...(truncated)"
}

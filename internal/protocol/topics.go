// Package protocol defines the MQTT topic namespace and the JSON envelopes
// exchanged with players.
package protocol

import (
	"fmt"
	"strings"
)

// ingressPrefix is the namespace the broker's auth plugin republishes device
// traffic under. The first level after the prefix is the authenticated client
// identity the broker asserted for the publishing connection; the remainder
// is the device's original topic. The gateway never sees unauthenticated
// traffic directly.
const ingressPrefix = "gw"

// Channel is the device-facing topic channel.
type Channel string

// Channels the gateway consumes or publishes on.
const (
	ChannelRequest  Channel = "request"
	ChannelView     Channel = "view"
	ChannelViewAck  Channel = "view/ack"
	ChannelStatus   Channel = "status"
	ChannelResponse Channel = "response"
	ChannelCommand  Channel = "command"
	// ChannelViewResult carries outcomes for acknowledged view events.
	ChannelViewResult Channel = "view/result"
)

// Inbound is a parsed ingress topic.
type Inbound struct {
	// AuthID is the broker-asserted identity of the publishing connection.
	AuthID    string
	DeviceKey string
	Channel   Channel
	// RequestID is set for request channel messages only.
	RequestID string
}

// IngressFilters returns the subscription filters the gateway needs under
// the given topic root.
func IngressFilters(root string) []string {
	base := ingressPrefix + "/+/" + root + "/player/+/"
	return []string{
		base + "request/+",
		base + "view",
		base + "view/ack",
		base + "status",
	}
}

// ParseIngress decodes an ingress topic of the form
// gw/{auth_id}/{root}/player/{device_key}/{channel}[/{suffix}].
func ParseIngress(root, topic string) (*Inbound, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 6 || parts[0] != ingressPrefix || parts[2] != root || parts[3] != "player" {
		return nil, fmt.Errorf("unrecognized ingress topic %q", topic)
	}
	in := &Inbound{AuthID: parts[1], DeviceKey: parts[4]}
	switch {
	case len(parts) == 7 && parts[5] == "request":
		in.Channel = ChannelRequest
		in.RequestID = parts[6]
	case len(parts) == 6 && parts[5] == "view":
		in.Channel = ChannelView
	case len(parts) == 7 && parts[5] == "view" && parts[6] == "ack":
		in.Channel = ChannelViewAck
	case len(parts) == 6 && parts[5] == "status":
		in.Channel = ChannelStatus
	default:
		return nil, fmt.Errorf("unrecognized ingress channel in topic %q", topic)
	}
	if in.AuthID == "" || in.DeviceKey == "" {
		return nil, fmt.Errorf("empty identity segment in topic %q", topic)
	}
	if in.Channel == ChannelRequest && in.RequestID == "" {
		return nil, fmt.Errorf("empty request id in topic %q", topic)
	}
	return in, nil
}

// ResponseTopic is the device's response topic for a correlation id. The
// correlation lives entirely in the topic name; the gateway holds no exchange
// state.
func ResponseTopic(root, deviceKey, requestID string) string {
	return fmt.Sprintf("%s/player/%s/response/%s", root, deviceKey, requestID)
}

// CommandTopic is the device's server-to-device control topic.
func CommandTopic(root, deviceKey string) string {
	return fmt.Sprintf("%s/player/%s/command", root, deviceKey)
}

// ViewResultTopic carries acknowledgments for view events submitted on the
// ack channel.
func ViewResultTopic(root, deviceKey string) string {
	return fmt.Sprintf("%s/player/%s/view/result", root, deviceKey)
}

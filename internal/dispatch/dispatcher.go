// Package dispatch terminates inbound device messages: authentication,
// routing to the request handlers and the telemetry pipeline, and the
// exactly-one-response guarantee per correlation id.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fabkury/makapix-sub009/internal/gwerr"
	"github.com/fabkury/makapix-sub009/internal/model"
	"github.com/fabkury/makapix-sub009/internal/protocol"
	"github.com/fabkury/makapix-sub009/internal/registry"
	"github.com/fabkury/makapix-sub009/internal/telemetry"
	"github.com/fabkury/makapix-sub009/internal/transport"
)

// Publisher sends response envelopes back to devices.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Handler serves one request type. The device identity is already
// authenticated when a handler runs.
type Handler func(ctx context.Context, dev *model.DeviceIdentity, req *protocol.Request) (*protocol.Result, error)

// Dispatcher routes ingress messages. Every message gets its own goroutine;
// no state is shared across requests.
type Dispatcher struct {
	root      string
	reg       registry.Registry
	pub       Publisher
	handlers  map[string]Handler
	telemetry *telemetry.Pipeline
	logger    *log.Logger

	timeout     time.Duration
	maxInbound  int
	maxOutbound int
}

// Options configures a Dispatcher.
type Options struct {
	TopicRoot   string
	Registry    registry.Registry
	Publisher   Publisher
	Handlers    map[string]Handler
	Telemetry   *telemetry.Pipeline
	Logger      *log.Logger
	Timeout     time.Duration
	MaxInbound  int
	MaxOutbound int
}

func New(o Options) *Dispatcher {
	return &Dispatcher{
		root:        o.TopicRoot,
		reg:         o.Registry,
		pub:         o.Publisher,
		handlers:    o.Handlers,
		telemetry:   o.Telemetry,
		logger:      o.Logger,
		timeout:     o.Timeout,
		maxInbound:  o.MaxInbound,
		maxOutbound: o.MaxOutbound,
	}
}

// HandleMessage is the transport callback. It parses the ingress topic and
// hands the message to an independent goroutine.
func (d *Dispatcher) HandleMessage(topic string, payload []byte) {
	in, err := protocol.ParseIngress(d.root, topic)
	if err != nil {
		d.logger.Printf("[warn] dropping message: %v", err)
		return
	}

	// The broker asserted AuthID for the publishing connection. A device
	// claiming another device's topic gets no response at all.
	if in.AuthID != in.DeviceKey {
		d.logger.Printf("[warn] identity mismatch, discarding: auth=%s topic_device=%s channel=%s", in.AuthID, in.DeviceKey, in.Channel)
		return
	}

	switch in.Channel {
	case protocol.ChannelRequest:
		go d.serveRequest(in, payload)
	case protocol.ChannelView:
		go d.serveTelemetry(in, payload, false)
	case protocol.ChannelViewAck:
		go d.serveTelemetry(in, payload, true)
	case protocol.ChannelStatus:
		go d.serveStatus(in, payload)
	}
}

func (d *Dispatcher) serveTelemetry(in *protocol.Inbound, payload []byte, acked bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	d.telemetry.HandleView(ctx, in, payload, acked)
}

func (d *Dispatcher) serveStatus(in *protocol.Inbound, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	d.telemetry.HandleStatus(ctx, in, payload)
}

// serveRequest runs the full request lifecycle and publishes exactly one
// response envelope for the correlation id.
func (d *Dispatcher) serveRequest(in *protocol.Inbound, payload []byte) {
	d.logger.Printf("request rx: device=%s request_id=%s bytes=%d payload=%s",
		in.DeviceKey, in.RequestID, len(payload), transport.Truncate(payload, 256))

	if d.maxInbound > 0 && len(payload) > d.maxInbound {
		d.respondError(in, gwerr.Validationf("request payload %d bytes exceeds cap %d", len(payload), d.maxInbound))
		return
	}

	req, err := protocol.ParseRequest(payload)
	if err != nil {
		d.respondError(in, gwerr.Classify(err))
		return
	}
	if req.RequestID != in.RequestID {
		d.respondError(in, gwerr.Validationf("body request_id %q does not match topic correlation id", req.RequestID))
		return
	}
	if req.DeviceKey != in.DeviceKey {
		// Authenticated connection, but the body claims another device.
		// Same silent-discard policy as a spoofed topic.
		d.logger.Printf("[warn] body device_key mismatch, discarding: topic=%s body=%s", in.DeviceKey, req.DeviceKey)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	dev, err := d.reg.Lookup(ctx, in.DeviceKey)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownDevice) {
			d.respondError(in, gwerr.Auth("device is not registered"))
		} else {
			d.logger.Printf("[error] registry lookup failed (device=%s): %v", in.DeviceKey, err)
			d.respondError(in, gwerr.Internal(err))
		}
		return
	}
	if !dev.Registered {
		d.respondError(in, gwerr.Auth("device registration is not active"))
		return
	}

	handler, ok := d.handlers[req.RequestType]
	if !ok {
		d.respondError(in, gwerr.Validationf("unknown request_type %q", req.RequestType))
		return
	}

	res, err := d.runBounded(ctx, handler, dev, req)
	if err != nil {
		ge := gwerr.Classify(err)
		if ge.Code == gwerr.CodeInternal {
			d.logger.Printf("[error] %s failed (device=%s request_id=%s): %v", req.RequestType, in.DeviceKey, in.RequestID, err)
		}
		d.respondError(in, ge)
		return
	}
	d.respond(in, res)
}

// runBounded executes the handler under the per-request timeout. A handler
// that cannot finish in time must not leave the correlation unanswered.
func (d *Dispatcher) runBounded(ctx context.Context, h Handler, dev *model.DeviceIdentity, req *protocol.Request) (*protocol.Result, error) {
	type outcome struct {
		res *protocol.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h(ctx, dev, req)
		done <- outcome{res, err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, gwerr.Internal(fmt.Errorf("handler %s timed out after %s", req.RequestType, d.timeout))
	}
}

func (d *Dispatcher) respond(in *protocol.Inbound, res *protocol.Result) {
	buf, err := protocol.EncodeResponse(in.RequestID, res, d.maxOutbound)
	if err != nil {
		d.logger.Printf("[error] response encoding failed (device=%s request_id=%s): %v", in.DeviceKey, in.RequestID, err)
		d.respondError(in, gwerr.Internal(err))
		return
	}
	d.publish(in, buf)
}

func (d *Dispatcher) respondError(in *protocol.Inbound, ge *gwerr.Error) {
	d.publish(in, protocol.EncodeError(in.RequestID, ge))
}

func (d *Dispatcher) publish(in *protocol.Inbound, buf []byte) {
	topic := protocol.ResponseTopic(d.root, in.DeviceKey, in.RequestID)
	if err := d.pub.Publish(topic, buf); err != nil {
		d.logger.Printf("[error] response publish failed (topic=%s): %v", topic, err)
	}
}

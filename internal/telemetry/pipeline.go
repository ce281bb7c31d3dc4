package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/fabkury/makapix-sub009/internal/gwerr"
	"github.com/fabkury/makapix-sub009/internal/limiter"
	"github.com/fabkury/makapix-sub009/internal/model"
	"github.com/fabkury/makapix-sub009/internal/protocol"
)

// ViewSink receives validated view events plus the rejects that go to the
// dead-letter topic.
type ViewSink interface {
	SendView(ctx context.Context, key, value []byte) error
	SendDLQ(ctx context.Context, cause error, topic string, original []byte) error
}

// StatusSink receives validated heartbeats.
type StatusSink interface {
	WriteStatus(ctx context.Context, evt *model.StatusEvent) error
}

// Publisher sends acks back to devices.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Pipeline validates, rate-limits, deduplicates and sinks device telemetry.
type Pipeline struct {
	root    string
	limiter *limiter.Limiter
	quota   limiter.Quota
	dedup   *limiter.Deduper
	views   ViewSink
	status  StatusSink
	pub     Publisher
	logger  *log.Logger
}

func NewPipeline(root string, lim *limiter.Limiter, quota limiter.Quota, dedup *limiter.Deduper, views ViewSink, status StatusSink, pub Publisher, logger *log.Logger) *Pipeline {
	return &Pipeline{
		root:    root,
		limiter: lim,
		quota:   quota,
		dedup:   dedup,
		views:   views,
		status:  status,
		pub:     pub,
		logger:  logger,
	}
}

// viewBody is the wire shape of a view event; the device key comes from the
// topic, never the body.
type viewBody struct {
	ContentID  int64  `json:"content_id"`
	Timestamp  string `json:"timestamp"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

func ParseView(deviceKey string, payload []byte) (*model.ViewEvent, error) {
	var body viewBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, gwerr.Validationf("view event is not valid JSON")
	}
	if body.ContentID <= 0 {
		return nil, gwerr.Validationf("view event requires content_id")
	}
	if body.Timestamp == "" {
		return nil, gwerr.Validationf("view event requires timestamp")
	}
	ts, err := time.Parse(time.RFC3339, body.Timestamp)
	if err != nil {
		return nil, gwerr.Validationf("view event timestamp is not RFC3339: %q", body.Timestamp)
	}
	if body.DurationMS < 0 {
		return nil, gwerr.Validationf("view event duration_ms must not be negative")
	}
	return &model.ViewEvent{
		DeviceKey:  deviceKey,
		ContentID:  body.ContentID,
		Timestamp:  ts.UTC(),
		DurationMS: body.DurationMS,
	}, nil
}

// Ingest runs one validated view event through quota, dedup and the sink,
// returning the outcome the device would be acked with. Duplicates are
// idempotent successes carrying the originally recorded outcome.
func (p *Pipeline) Ingest(ctx context.Context, ev *model.ViewEvent) protocol.ViewAck {
	tsWire := ev.Timestamp.UTC().Format(time.RFC3339)

	decision := p.limiter.Allow(ctx, p.quota, ev.DeviceKey)
	if !decision.Allowed {
		return protocol.ViewAck{
			ContentID:  ev.ContentID,
			Timestamp:  tsWire,
			Success:    false,
			Error:      "rate limit exceeded",
			ErrorCode:  string(gwerr.CodeRateLimited),
			RetryAfter: decision.RetryAfter.Seconds(),
		}
	}

	ack := protocol.ViewAck{ContentID: ev.ContentID, Timestamp: tsWire, Success: true}
	outcome := protocol.EncodeViewAck(ack)

	key := limiter.DedupKey{DeviceKey: ev.DeviceKey, ContentID: ev.ContentID, Timestamp: ev.Timestamp}
	first, prior := p.dedup.Claim(ctx, key, outcome)
	if !first {
		replay := protocol.ViewAck{ContentID: ev.ContentID, Timestamp: tsWire, Success: true, Duplicate: true}
		if len(prior) > 0 {
			if err := json.Unmarshal(prior, &replay); err == nil {
				replay.Duplicate = true
			}
		}
		return replay
	}

	buf, _ := json.Marshal(ev)
	if err := p.views.SendView(ctx, []byte(ev.DeviceKey), buf); err != nil {
		// The marker is already recorded; a retransmission replays success.
		// The event itself is preserved on the DLQ for recovery.
		p.logger.Printf("[error] view sink write failed (device=%s content=%d): %v", ev.DeviceKey, ev.ContentID, err)
		if dlqErr := p.views.SendDLQ(ctx, fmt.Errorf("view sink write: %w", err), "", buf); dlqErr != nil {
			p.logger.Printf("[error] view DLQ write failed: %v", dlqErr)
		}
	}
	return ack
}

// HandleView processes one message from a view channel. acked selects the
// acknowledged flow: every outcome, including rejections, is published to the
// device's view/result topic. The fire-and-forget flow publishes nothing.
func (p *Pipeline) HandleView(ctx context.Context, in *protocol.Inbound, payload []byte, acked bool) {
	respond := func(ack protocol.ViewAck) {
		if !acked {
			return
		}
		topic := protocol.ViewResultTopic(p.root, in.DeviceKey)
		if err := p.pub.Publish(topic, protocol.EncodeViewAck(ack)); err != nil {
			p.logger.Printf("[error] view ack publish failed (device=%s): %v", in.DeviceKey, err)
		}
	}

	ev, err := ParseView(in.DeviceKey, payload)
	if err != nil {
		p.logger.Printf("[warn] invalid view event from %s — sending to DLQ: %v", in.DeviceKey, err)
		if dlqErr := p.views.SendDLQ(ctx, err, topicFor(p.root, in), payload); dlqErr != nil {
			p.logger.Printf("[error] view DLQ write failed: %v", dlqErr)
		}
		ge := gwerr.Classify(err)
		respond(protocol.ViewAck{Success: false, Error: ge.Msg, ErrorCode: string(ge.Code)})
		return
	}

	ack := p.Ingest(ctx, ev)
	if !ack.Success && !acked {
		p.logger.Printf("[info] view event dropped (device=%s content=%d code=%s)", ev.DeviceKey, ev.ContentID, ack.ErrorCode)
	}
	respond(ack)
}

// statusBody is the wire shape of a heartbeat. Everything beyond the
// timestamp is firmware-defined and flattened into time-series fields.
type statusBody struct {
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// HandleStatus processes one heartbeat message. Heartbeats are always
// fire-and-forget.
func (p *Pipeline) HandleStatus(ctx context.Context, in *protocol.Inbound, payload []byte) {
	var body statusBody
	if err := json.Unmarshal(payload, &body); err != nil {
		p.logger.Printf("[warn] invalid status event from %s — sending to DLQ: %v", in.DeviceKey, err)
		if dlqErr := p.views.SendDLQ(ctx, fmt.Errorf("status event is not valid JSON: %w", err), topicFor(p.root, in), payload); dlqErr != nil {
			p.logger.Printf("[error] status DLQ write failed: %v", dlqErr)
		}
		return
	}
	ts := time.Now().UTC()
	if body.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, body.Timestamp); err == nil {
			ts = parsed.UTC()
		}
	}
	evt := &model.StatusEvent{DeviceKey: in.DeviceKey, Timestamp: ts, Payload: body.Payload}
	if err := p.status.WriteStatus(ctx, evt); err != nil {
		p.logger.Printf("[error] status write failed (device=%s): %v", in.DeviceKey, err)
	}
}

func topicFor(root string, in *protocol.Inbound) string {
	return fmt.Sprintf("%s/player/%s/%s", root, in.DeviceKey, in.Channel)
}

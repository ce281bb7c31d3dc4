package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fabkury/makapix-sub009/internal/gwerr"
	"github.com/fabkury/makapix-sub009/internal/kvstore"
	"github.com/fabkury/makapix-sub009/internal/limiter"
	"github.com/fabkury/makapix-sub009/internal/model"
	"github.com/fabkury/makapix-sub009/internal/protocol"
)

type memorySink struct {
	mu    sync.Mutex
	views [][]byte
	dlq   []string
}

func (s *memorySink) SendView(_ context.Context, _, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views = append(s.views, value)
	return nil
}

func (s *memorySink) SendDLQ(_ context.Context, cause error, _ string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq = append(s.dlq, cause.Error())
	return nil
}

type memoryStatus struct {
	events []*model.StatusEvent
}

func (s *memoryStatus) WriteStatus(_ context.Context, evt *model.StatusEvent) error {
	s.events = append(s.events, evt)
	return nil
}

type ackRecorder struct {
	mu     sync.Mutex
	topics []string
	acks   []protocol.ViewAck
}

func (r *ackRecorder) Publish(topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ack protocol.ViewAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		return err
	}
	r.topics = append(r.topics, topic)
	r.acks = append(r.acks, ack)
	return nil
}

func newTestPipeline(t *testing.T, limit int64) (*Pipeline, *memorySink, *memoryStatus, *ackRecorder) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	store := kvstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	sink := &memorySink{}
	status := &memoryStatus{}
	rec := &ackRecorder{}
	quota := limiter.Quota{Name: "telemetry", Limit: limit, Window: 5 * time.Second, FailOpen: true}
	p := NewPipeline("makapix", limiter.New(store, logger), quota,
		limiter.NewDeduper(store, time.Minute, logger), sink, status, rec, logger)
	return p, sink, status, rec
}

func TestParseViewValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		ok      bool
	}{
		{"valid", `{"content_id":7,"timestamp":"2026-08-26T12:00:00Z","duration_ms":1500}`, true},
		{"not json", `view!`, false},
		{"missing content_id", `{"timestamp":"2026-08-26T12:00:00Z"}`, false},
		{"missing timestamp", `{"content_id":7}`, false},
		{"bad timestamp", `{"content_id":7,"timestamp":"yesterday"}`, false},
		{"negative duration", `{"content_id":7,"timestamp":"2026-08-26T12:00:00Z","duration_ms":-1}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseView("D1", []byte(tt.payload))
			if !tt.ok {
				require.Equal(t, gwerr.CodeValidation, gwerr.Classify(err).Code)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "D1", ev.DeviceKey)
			require.Equal(t, int64(7), ev.ContentID)
			require.Equal(t, int64(1500), ev.DurationMS)
		})
	}
}

func TestIngestThirdEventInWindowIsRejected(t *testing.T) {
	p, sink, _, _ := newTestPipeline(t, 2)
	ctx := context.Background()

	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		ack := p.Ingest(ctx, &model.ViewEvent{DeviceKey: "D1", ContentID: 7, Timestamp: base.Add(time.Duration(i) * time.Second)})
		require.True(t, ack.Success)
	}

	third := p.Ingest(ctx, &model.ViewEvent{DeviceKey: "D1", ContentID: 7, Timestamp: base.Add(2 * time.Second)})
	require.False(t, third.Success)
	require.Equal(t, string(gwerr.CodeRateLimited), third.ErrorCode)
	require.Greater(t, third.RetryAfter, 0.0)
	require.Len(t, sink.views, 2, "the rejected event must not reach the sink")
}

func TestIngestReplaysOriginalOutcomeForDuplicates(t *testing.T) {
	p, sink, _, _ := newTestPipeline(t, 10)
	ctx := context.Background()

	ev := &model.ViewEvent{DeviceKey: "D1", ContentID: 7, Timestamp: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	first := p.Ingest(ctx, ev)
	require.True(t, first.Success)
	require.False(t, first.Duplicate)

	second := p.Ingest(ctx, ev)
	require.True(t, second.Success, "a duplicate is an idempotent success, not an error")
	require.True(t, second.Duplicate)
	require.Equal(t, first.ContentID, second.ContentID)
	require.Len(t, sink.views, 1)
}

func TestHandleViewInvalidPayloadGoesToDLQ(t *testing.T) {
	p, sink, _, rec := newTestPipeline(t, 10)
	in := &protocol.Inbound{AuthID: "D1", DeviceKey: "D1", Channel: protocol.ChannelViewAck}

	p.HandleView(context.Background(), in, []byte(`{"content_id":0}`), true)

	require.Len(t, sink.dlq, 1)
	require.Len(t, rec.acks, 1, "acked flow reports the rejection")
	require.False(t, rec.acks[0].Success)
	require.Equal(t, string(gwerr.CodeValidation), rec.acks[0].ErrorCode)
	require.Equal(t, protocol.ViewResultTopic("makapix", "D1"), rec.topics[0])
}

func TestHandleViewFireAndForgetNeverPublishes(t *testing.T) {
	p, _, _, rec := newTestPipeline(t, 10)
	in := &protocol.Inbound{AuthID: "D1", DeviceKey: "D1", Channel: protocol.ChannelView}

	p.HandleView(context.Background(), in, []byte(`{"content_id":7,"timestamp":"2026-08-26T12:00:00Z"}`), false)
	p.HandleView(context.Background(), in, []byte(`nonsense`), false)

	require.Empty(t, rec.acks)
}

func TestHandleStatusDefaultsTimestamp(t *testing.T) {
	p, _, status, _ := newTestPipeline(t, 10)
	in := &protocol.Inbound{AuthID: "D1", DeviceKey: "D1", Channel: protocol.ChannelStatus}

	before := time.Now().UTC()
	p.HandleStatus(context.Background(), in, []byte(`{"payload":{"fw":"1.4.2"}}`))

	require.Len(t, status.events, 1)
	require.Equal(t, "D1", status.events[0].DeviceKey)
	require.False(t, status.events[0].Timestamp.Before(before))
}

func TestBuildStatusPointFlattensPayload(t *testing.T) {
	evt := &model.StatusEvent{
		DeviceKey: "D1",
		Timestamp: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		Payload: map[string]any{
			"fw": "1.4.2",
			"net": map[string]any{
				"rssi": -61.0,
				"ssid": "studio wifi!",
			},
			"errors": []any{"e1", "e2"},
			"extra":  map[string]any{"nested": map[string]any{"deep": 3.0}},
		},
	}

	point := buildStatusPoint(evt)
	fields := make(map[string]any)
	for _, f := range point.FieldList() {
		fields[f.Key] = f.Value
	}

	require.Equal(t, "1.4.2", fields["fw"])
	require.Equal(t, -61.0, fields["net_rssi"])
	require.Equal(t, "studio wifi!", fields["net_ssid"])
	require.Equal(t, "e1,e2", fields["errors"])
	require.Equal(t, 3.0, fields["extra_nested_deep"])
}

func TestSanitizeFieldKey(t *testing.T) {
	require.Equal(t, "free_mem_kb", sanitizeFieldKey("free mem (kb)"))
	require.Equal(t, "field", sanitizeFieldKey("!!!"))
}

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fabkury/makapix-sub009/internal/catalog"
	"github.com/fabkury/makapix-sub009/internal/gwerr"
	"github.com/fabkury/makapix-sub009/internal/kvstore"
	"github.com/fabkury/makapix-sub009/internal/limiter"
	"github.com/fabkury/makapix-sub009/internal/model"
	"github.com/fabkury/makapix-sub009/internal/protocol"
	"github.com/fabkury/makapix-sub009/internal/registry"
	"github.com/fabkury/makapix-sub009/internal/resolver"
	"github.com/fabkury/makapix-sub009/internal/telemetry"
)

const testRoot = "makapix"

type fakePublisher struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{sent: make(map[string][][]byte)}
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent[topic] = append(p.sent[topic], payload)
	return nil
}

func (p *fakePublisher) take(topic string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.sent[topic]...)
}

func (p *fakePublisher) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, msgs := range p.sent {
		n += len(msgs)
	}
	return n
}

type fakeRegistry struct {
	devices map[string]*model.DeviceIdentity
}

func (r *fakeRegistry) Lookup(_ context.Context, deviceKey string) (*model.DeviceIdentity, error) {
	dev, ok := r.devices[deviceKey]
	if !ok {
		return nil, fmt.Errorf("lookup %s: %w", deviceKey, registry.ErrUnknownDevice)
	}
	return dev, nil
}

type fakeSigner struct{}

func (fakeSigner) SignURL(_ context.Context, objectKey string) (string, error) {
	return "https://cdn.test/" + objectKey, nil
}

type fakeViewSink struct {
	mu    sync.Mutex
	views [][]byte
	dlq   [][]byte
}

func (s *fakeViewSink) SendView(_ context.Context, _, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views = append(s.views, value)
	return nil
}

func (s *fakeViewSink) SendDLQ(_ context.Context, _ error, _ string, original []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq = append(s.dlq, original)
	return nil
}

func (s *fakeViewSink) viewCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.views)
}

type fakeStatusSink struct {
	mu     sync.Mutex
	events []*model.StatusEvent
}

func (s *fakeStatusSink) WriteStatus(_ context.Context, evt *model.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

type harness struct {
	dispatcher *Dispatcher
	handlers   *Handlers
	pub        *fakePublisher
	repo       *catalog.SQLite
	views      *fakeViewSink
	status     *fakeStatusSink
	quota      limiter.Quota
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	repo, err := catalog.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	store := kvstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	pub := newFakePublisher()
	views := &fakeViewSink{}
	status := &fakeStatusSink{}
	quota := limiter.Quota{Name: "telemetry", Limit: 2, Window: 5 * time.Second, FailOpen: true}
	lim := limiter.New(store, logger)

	pipeline := telemetry.NewPipeline(testRoot,
		lim, quota,
		limiter.NewDeduper(store, time.Minute, logger),
		views, status, pub, logger)

	handlers := &Handlers{
		Resolver:     resolver.New(repo, 50, 1000),
		Repo:         repo,
		Signer:       fakeSigner{},
		Telemetry:    pipeline,
		Limiter:      lim,
		RequestQuota: limiter.Quota{Name: "request", Limit: 100, Window: time.Minute},
		Logger:       logger,
	}

	reg := &fakeRegistry{devices: map[string]*model.DeviceIdentity{
		"D1": {DeviceKey: "D1", OwnerAccountID: 10, Registered: true},
		"D3": {DeviceKey: "D3", Registered: false},
	}}

	d := New(Options{
		TopicRoot:   testRoot,
		Registry:    reg,
		Publisher:   pub,
		Handlers:    handlers.Table(),
		Telemetry:   pipeline,
		Logger:      logger,
		Timeout:     2 * time.Second,
		MaxInbound:  16 << 10,
		MaxOutbound: 8 << 10,
	})
	return &harness{dispatcher: d, handlers: handlers, pub: pub, repo: repo, views: views, status: status, quota: quota}
}

func requestTopic(device, requestID string) string {
	return fmt.Sprintf("gw/%s/%s/player/%s/request/%s", device, testRoot, device, requestID)
}

func (h *harness) sendRequest(t *testing.T, device, requestID string, body map[string]any) map[string]any {
	t.Helper()
	body["request_id"] = requestID
	body["device_key"] = device
	buf, err := json.Marshal(body)
	require.NoError(t, err)

	h.dispatcher.HandleMessage(requestTopic(device, requestID), buf)

	topic := protocol.ResponseTopic(testRoot, device, requestID)
	var responses [][]byte
	require.Eventually(t, func() bool {
		responses = h.pub.take(topic)
		return len(responses) > 0
	}, 2*time.Second, 5*time.Millisecond, "no response on %s", topic)
	require.Len(t, responses, 1, "exactly one response per correlation id")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(responses[0], &decoded))
	require.Equal(t, requestID, decoded["request_id"])
	return decoded
}

func seedPosts(t *testing.T, repo *catalog.SQLite, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		a := model.Artwork{
			Title:            fmt.Sprintf("piece %02d", i),
			AuthorAccountID:  10,
			ObjectKey:        fmt.Sprintf("art/%02d.gif", i),
			Width:            64,
			Height:           64,
			FrameCount:       1,
			ColorCount:       16,
			Format:           "gif",
			AvailableFormats: []string{"gif", "png"},
		}
		require.NoError(t, repo.CreateArtwork(context.Background(), &a))
		ids = append(ids, a.ID)
	}
	return ids
}

func TestQueryPostsRoundTrip(t *testing.T) {
	h := newHarness(t)
	seedPosts(t, h.repo, 3)

	resp := h.sendRequest(t, "D1", "r1", map[string]any{
		"request_type": "query_posts",
		"channel":      map[string]any{"kind": "all", "sort": "insertion"},
	})

	require.Equal(t, true, resp["success"])
	posts := resp["posts"].([]any)
	require.Len(t, posts, 3)
	first := posts[0].(map[string]any)
	require.Equal(t, "piece 02", first["title"], "newest insertion first")
	require.Equal(t, "https://cdn.test/art/02.gif", first["url"])
	require.Equal(t, false, resp["has_more"])
}

func TestQueryPostsIsNullOnNonNullableField(t *testing.T) {
	h := newHarness(t)
	seedPosts(t, h.repo, 1)

	resp := h.sendRequest(t, "D1", "r2", map[string]any{
		"request_type": "query_posts",
		"channel":      map[string]any{"kind": "all", "sort": "insertion"},
		"criteria":     []map[string]any{{"field": "width", "op": "is_null"}},
	})

	require.Equal(t, false, resp["success"])
	require.Equal(t, string(gwerr.CodeValidation), resp["error_code"])
}

func TestIdentityMismatchIsSilentlyDiscarded(t *testing.T) {
	h := newHarness(t)

	body, _ := json.Marshal(map[string]any{
		"request_id": "r3", "request_type": "get_post", "device_key": "D1", "post_id": 1,
	})
	// Broker authenticated D2, topic claims D1.
	h.dispatcher.HandleMessage(fmt.Sprintf("gw/D2/%s/player/D1/request/r3", testRoot), body)

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, h.pub.total(), "spoofed topics must get no response at all")
}

func TestBodyDeviceKeyMismatchIsSilentlyDiscarded(t *testing.T) {
	h := newHarness(t)

	body, _ := json.Marshal(map[string]any{
		"request_id": "r4", "request_type": "get_post", "device_key": "D9", "post_id": 1,
	})
	h.dispatcher.HandleMessage(requestTopic("D1", "r4"), body)

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, h.pub.total())
}

func TestUnregisteredDevice(t *testing.T) {
	h := newHarness(t)

	resp := h.sendRequest(t, "D3", "r5", map[string]any{
		"request_type": "get_post",
		"post_id":      1,
	})
	require.Equal(t, false, resp["success"])
	require.Equal(t, string(gwerr.CodeAuth), resp["error_code"])
}

func TestUnknownRequestType(t *testing.T) {
	h := newHarness(t)

	resp := h.sendRequest(t, "D1", "r6", map[string]any{"request_type": "reboot_fleet"})
	require.Equal(t, false, resp["success"])
	require.Equal(t, string(gwerr.CodeValidation), resp["error_code"])
}

func TestGetPostNotFound(t *testing.T) {
	h := newHarness(t)

	resp := h.sendRequest(t, "D1", "r7", map[string]any{
		"request_type": "get_post",
		"post_id":      404,
	})
	require.Equal(t, false, resp["success"])
	require.Equal(t, string(gwerr.CodeNotFound), resp["error_code"])
}

func TestSubmitViewDuplicateIsIdempotentSuccess(t *testing.T) {
	h := newHarness(t)
	ids := seedPosts(t, h.repo, 1)

	body := map[string]any{
		"request_type": "submit_view",
		"content_id":   ids[0],
		"timestamp":    "2026-08-26T12:00:00Z",
	}
	first := h.sendRequest(t, "D1", "v1", body)
	require.Equal(t, true, first["success"])
	require.Equal(t, false, first["duplicate"])

	retransmission := h.sendRequest(t, "D1", "v2", body)
	require.Equal(t, true, retransmission["success"])
	require.Equal(t, true, retransmission["duplicate"])

	require.Equal(t, 1, h.views.viewCount(), "duplicate must not reach the sink")
}

func TestSubmitViewRateLimited(t *testing.T) {
	h := newHarness(t)
	seedPosts(t, h.repo, 1)

	for i := 0; i < 2; i++ {
		resp := h.sendRequest(t, "D1", fmt.Sprintf("q%d", i), map[string]any{
			"request_type": "submit_view",
			"content_id":   int64(1),
			"timestamp":    fmt.Sprintf("2026-08-26T12:00:%02dZ", i),
		})
		require.Equal(t, true, resp["success"])
	}

	third := h.sendRequest(t, "D1", "q2", map[string]any{
		"request_type": "submit_view",
		"content_id":   int64(1),
		"timestamp":    "2026-08-26T12:00:02Z",
	})
	require.Equal(t, false, third["success"])
	require.Equal(t, string(gwerr.CodeRateLimited), third["error_code"])
	require.Greater(t, third["retry_after"].(float64), 0.0)
}

func TestFireAndForgetViewDropsDuplicatesSilently(t *testing.T) {
	h := newHarness(t)

	payload, _ := json.Marshal(map[string]any{
		"content_id": 7, "timestamp": "2026-08-26T12:00:00Z",
	})
	topic := fmt.Sprintf("gw/D1/%s/player/D1/view", testRoot)

	h.dispatcher.HandleMessage(topic, payload)
	require.Eventually(t, func() bool { return h.views.viewCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.dispatcher.HandleMessage(topic, payload)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, h.views.viewCount(), "retransmission must have no effect")
	require.Zero(t, h.pub.total(), "fire-and-forget never publishes")
}

func TestAckedViewPublishesResult(t *testing.T) {
	h := newHarness(t)

	payload, _ := json.Marshal(map[string]any{
		"content_id": 7, "timestamp": "2026-08-26T12:00:00Z",
	})
	h.dispatcher.HandleMessage(fmt.Sprintf("gw/D1/%s/player/D1/view/ack", testRoot), payload)

	resultTopic := protocol.ViewResultTopic(testRoot, "D1")
	var acks [][]byte
	require.Eventually(t, func() bool {
		acks = h.pub.take(resultTopic)
		return len(acks) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var ack protocol.ViewAck
	require.NoError(t, json.Unmarshal(acks[0], &ack))
	require.True(t, ack.Success)
	require.Equal(t, int64(7), ack.ContentID)
}

func TestStatusHeartbeatReachesTimeSeriesSink(t *testing.T) {
	h := newHarness(t)

	payload, _ := json.Marshal(map[string]any{
		"timestamp": "2026-08-26T12:00:00Z",
		"payload":   map[string]any{"fw": "1.4.2", "uptime_s": 7200},
	})
	h.dispatcher.HandleMessage(fmt.Sprintf("gw/D1/%s/player/D1/status", testRoot), payload)

	require.Eventually(t, func() bool {
		h.status.mu.Lock()
		defer h.status.mu.Unlock()
		return len(h.status.events) == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.status.mu.Lock()
	defer h.status.mu.Unlock()
	require.Equal(t, "D1", h.status.events[0].DeviceKey)
	require.Equal(t, "1.4.2", h.status.events[0].Payload["fw"])
}

func TestOutboundCapTruncatesResultList(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.maxOutbound = 1024
	seedPosts(t, h.repo, 30)

	resp := h.sendRequest(t, "D1", "r8", map[string]any{
		"request_type": "query_posts",
		"channel":      map[string]any{"kind": "all", "sort": "insertion"},
		"page_size":    30,
	})

	require.Equal(t, true, resp["success"])
	posts := resp["posts"].([]any)
	require.NotEmpty(t, posts)
	require.Less(t, len(posts), 30)
	require.Equal(t, true, resp["has_more"])
	require.NotEmpty(t, resp["cursor"])

	// The cursor resumes after the truncated page without skips or repeats.
	next := h.sendRequest(t, "D1", "r9", map[string]any{
		"request_type": "query_posts",
		"channel":      map[string]any{"kind": "all", "sort": "insertion"},
		"page_size":    30,
		"cursor":       resp["cursor"],
	})
	require.Equal(t, true, next["success"])
	nextPosts := next["posts"].([]any)
	require.NotEmpty(t, nextPosts)
	firstNext := nextPosts[0].(map[string]any)
	lastPrev := posts[len(posts)-1].(map[string]any)
	require.NotEqual(t, lastPrev["post_id"], firstNext["post_id"])
}

func TestHandlerTimeoutAnswersInternalError(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.timeout = 50 * time.Millisecond
	h.dispatcher.handlers["stall"] = func(ctx context.Context, _ *model.DeviceIdentity, _ *protocol.Request) (*protocol.Result, error) {
		<-ctx.Done()
		time.Sleep(time.Second)
		return &protocol.Result{}, nil
	}

	resp := h.sendRequest(t, "D1", "r10", map[string]any{"request_type": "stall"})
	require.Equal(t, false, resp["success"])
	require.Equal(t, string(gwerr.CodeInternal), resp["error_code"])
}

func TestRequestQuotaLimitsHandlers(t *testing.T) {
	h := newHarness(t)
	h.handlers.RequestQuota = limiter.Quota{Name: "request", Limit: 2, Window: 5 * time.Second}
	ids := seedPosts(t, h.repo, 1)

	for i := 0; i < 2; i++ {
		resp := h.sendRequest(t, "D1", fmt.Sprintf("p%d", i), map[string]any{
			"request_type": "get_post",
			"post_id":      ids[0],
		})
		require.Equal(t, true, resp["success"])
	}

	// The quota spans request types for the device.
	third := h.sendRequest(t, "D1", "p2", map[string]any{
		"request_type": "submit_reaction",
		"post_id":      ids[0],
		"reaction":     "like",
	})
	require.Equal(t, false, third["success"])
	require.Equal(t, string(gwerr.CodeRateLimited), third["error_code"])
	require.Greater(t, third["retry_after"].(float64), 0.0)
}

func TestReactionRoundTrip(t *testing.T) {
	h := newHarness(t)
	ids := seedPosts(t, h.repo, 1)

	resp := h.sendRequest(t, "D1", "r11", map[string]any{
		"request_type": "submit_reaction",
		"post_id":      ids[0],
		"reaction":     "like",
	})
	require.Equal(t, true, resp["success"])

	revoked := h.sendRequest(t, "D1", "r12", map[string]any{
		"request_type": "revoke_reaction",
		"post_id":      ids[0],
	})
	require.Equal(t, true, revoked["success"])

	// Revoking again is an idempotent success.
	again := h.sendRequest(t, "D1", "r13", map[string]any{
		"request_type": "revoke_reaction",
		"post_id":      ids[0],
	})
	require.Equal(t, true, again["success"])
}

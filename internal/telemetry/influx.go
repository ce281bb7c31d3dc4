package telemetry

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/fabkury/makapix-sub009/internal/model"
)

// StatusWriter persists device heartbeats as time-series points.
type StatusWriter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewStatusWriter(url, token, org, bucket string) *StatusWriter {
	client := influxdb2.NewClient(url, token)
	return &StatusWriter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}
}

func (w *StatusWriter) Close() {
	if w != nil && w.client != nil {
		w.client.Close()
	}
}

// WriteStatus flattens the heartbeat payload into fields on one point per
// event, tagged by device.
func (w *StatusWriter) WriteStatus(ctx context.Context, evt *model.StatusEvent) error {
	return w.writeAPI.WritePoint(ctx, buildStatusPoint(evt))
}

func buildStatusPoint(evt *model.StatusEvent) *write.Point {
	tags := map[string]string{
		"deviceKey": evt.DeviceKey,
	}

	flat := make(map[string]any)
	flatten("", evt.Payload, flat)

	fields := make(map[string]any)
	for k, v := range flat {
		if fv, ok := normalizeFieldValue(v); ok {
			fields[sanitizeFieldKey(k)] = fv
		}
	}
	if len(fields) == 0 {
		fields["alive"] = true
	}

	return write.NewPoint("player_status", tags, fields, evt.Timestamp)
}

// flatten turns nested objects into "_"-joined keys; arrays become a single
// comma-joined string field.
func flatten(prefix string, v any, out map[string]any) {
	key := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "_" + k
	}
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			flatten(key(k), val, out)
		}
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, toScalarString(item))
		}
		out[prefix] = strings.Join(parts, ",")
	default:
		out[prefix] = t
	}
}

func toScalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case map[string]any:
		tmp := make(map[string]any)
		flatten("", x, tmp)
		parts := make([]string, 0, len(tmp))
		for k, v := range tmp {
			parts = append(parts, k+":"+fmt.Sprintf("%v", v))
		}
		return strings.Join(parts, "|")
	default:
		return fmt.Sprintf("%v", x)
	}
}

func normalizeFieldValue(v any) (any, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case bool:
		return x, true
	case string:
		return x, true
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), true
	default:
		return nil, false
	}
}

var fieldKeyRe = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

func sanitizeFieldKey(k string) string {
	k = strings.TrimSpace(k)
	k = fieldKeyRe.ReplaceAllString(k, "_")
	k = strings.Trim(k, "_")
	if k == "" {
		return "field"
	}
	return k
}

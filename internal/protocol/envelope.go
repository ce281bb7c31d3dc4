package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fabkury/makapix-sub009/internal/gwerr"
)

// Request is the common part of every request envelope. Type-specific fields
// stay in Raw for the handler to decode.
type Request struct {
	RequestID   string `json:"request_id"`
	RequestType string `json:"request_type"`
	DeviceKey   string `json:"device_key"`

	Raw json.RawMessage `json:"-"`
}

// ParseRequest decodes and validates the envelope-level fields of a request
// body.
func ParseRequest(payload []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, gwerr.Validationf("request body is not valid JSON")
	}
	if strings.TrimSpace(r.RequestID) == "" {
		return nil, gwerr.Validationf("missing field: request_id")
	}
	if strings.TrimSpace(r.RequestType) == "" {
		return nil, gwerr.Validationf("missing field: request_type")
	}
	if strings.TrimSpace(r.DeviceKey) == "" {
		return nil, gwerr.Validationf("missing field: device_key")
	}
	r.Raw = json.RawMessage(payload)
	return &r, nil
}

// Item is one element of a truncatable response list. Cursor resumes the
// listing strictly after this item, so the dispatcher can cut the tail to fit
// the outbound payload cap without breaking pagination.
type Item struct {
	Body   any
	Cursor string
}

// Result is a handler's successful outcome. Fields carries scalar response
// fields; Items, when ItemsKey is set, carries the response's list, which is
// the only thing payload-cap enforcement may shrink.
type Result struct {
	Fields   map[string]any
	ItemsKey string
	Items    []Item
	HasMore  bool
	// NextCursor resumes after the last item of the full (untruncated) page.
	NextCursor string
}

// EncodeResponse renders a response envelope, truncating the result list as
// needed to fit maxBytes. Individual records are never cut; has_more and the
// cursor signal the shortened page. It fails only when even an empty list
// cannot fit, which indicates a misconfigured cap.
func EncodeResponse(requestID string, res *Result, maxBytes int) ([]byte, error) {
	items := res.Items
	hasMore := res.HasMore
	cursor := res.NextCursor
	for {
		body := map[string]any{
			"request_id": requestID,
			"success":    true,
		}
		for k, v := range res.Fields {
			body[k] = v
		}
		if res.ItemsKey != "" {
			list := make([]any, len(items))
			for i := range items {
				list[i] = items[i].Body
			}
			body[res.ItemsKey] = list
			body["has_more"] = hasMore
			if cursor != "" {
				body["cursor"] = cursor
			}
		}
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal response: %w", err)
		}
		if maxBytes <= 0 || len(buf) <= maxBytes || res.ItemsKey == "" || len(items) == 0 {
			if maxBytes > 0 && len(buf) > maxBytes {
				return nil, fmt.Errorf("response exceeds payload cap even without items (%d > %d)", len(buf), maxBytes)
			}
			return buf, nil
		}
		// Drop the last record and resume after the new tail.
		items = items[:len(items)-1]
		hasMore = true
		cursor = ""
		if len(items) > 0 {
			cursor = items[len(items)-1].Cursor
		}
	}
}

// EncodeError renders a failure envelope for the given taxonomy error.
// Internal causes never reach the wire.
func EncodeError(requestID string, ge *gwerr.Error) []byte {
	body := map[string]any{
		"request_id": requestID,
		"success":    false,
		"error":      ge.Msg,
		"error_code": string(ge.Code),
	}
	if ge.Code == gwerr.CodeRateLimited {
		body["retry_after"] = ge.RetryAfter.Seconds()
	}
	buf, _ := json.Marshal(body)
	return buf
}

// ViewAck is the outcome envelope for acknowledged view events.
type ViewAck struct {
	ContentID  int64   `json:"content_id"`
	Timestamp  string  `json:"timestamp"`
	Success    bool    `json:"success"`
	Duplicate  bool    `json:"duplicate,omitempty"`
	Error      string  `json:"error,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

// EncodeViewAck renders a view acknowledgment.
func EncodeViewAck(a ViewAck) []byte {
	buf, _ := json.Marshal(a)
	return buf
}

// CommandEnvelope is the server-to-device control message body.
type CommandEnvelope struct {
	CommandID   string          `json:"command_id"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

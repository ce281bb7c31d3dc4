package resolver

import (
	"encoding/base64"
	"encoding/json"

	"github.com/fabkury/makapix-sub009/internal/gwerr"
	"github.com/fabkury/makapix-sub009/internal/model"
)

// cursor is the decoded form of the opaque pagination token. Devices must
// treat the encoded string as opaque; its layout may change between gateway
// versions, which is why it carries a version tag.
type cursor struct {
	V      int            `json:"v"`
	Sort   model.SortMode `json:"sort"`
	LastID int64          `json:"last_id,omitempty"`
	LastTS int64          `json:"last_ts,omitempty"` // unix milliseconds
	Seed   int64          `json:"seed,omitempty"`
	Offset int            `json:"offset,omitempty"`
}

const cursorVersion = 1

func encodeCursor(c cursor) string {
	c.V = cursorVersion
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// decodeCursor rejects corrupt tokens and tokens minted under a different
// sort mode; resuming an insertion cursor on a random query would otherwise
// silently skip or repeat records.
func decodeCursor(s string, sort model.SortMode) (*cursor, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, gwerr.Validationf("malformed cursor")
	}
	var c cursor
	if err := json.Unmarshal(b, &c); err != nil || c.V != cursorVersion {
		return nil, gwerr.Validationf("malformed cursor")
	}
	if c.Sort != sort {
		return nil, gwerr.Validationf("cursor was issued for sort %q, request uses %q", c.Sort, sort)
	}
	return &c, nil
}

// Package model defines the domain types shared across the gateway.
package model

import "time"

// DeviceIdentity is the registry's view of a provisioned player. The gateway
// only reads it; provisioning happens elsewhere.
type DeviceIdentity struct {
	DeviceKey      string `json:"device_key"`
	OwnerAccountID int64  `json:"owner_account_id,omitempty"`
	Registered     bool   `json:"registered"`
}

// Artwork is a content record as stored by the platform, including the
// metadata the filter engine evaluates.
type Artwork struct {
	ID               int64
	Title            string
	AuthorAccountID  int64
	ObjectKey        string // pixel data location in the blob store
	Width            int
	Height           int
	FrameCount       int
	ColorCount       int
	DurationMS       *int64 // nil for static art
	Animated         bool
	Format           string   // originally submitted format
	AvailableFormats []string // every converted representation, original included
	Palette          *string  // nil when the art is not palette-bound
	Promoted         bool
	Hashtags         []string
	CreatedAt        time.Time
}

// Comment is a platform comment attached to an artwork.
type Comment struct {
	ID              int64
	ArtworkID       int64
	AuthorAccountID int64
	AuthorName      string
	Body            string
	CreatedAt       time.Time
}

// SortMode orders a resolved channel.
type SortMode string

// Supported sort modes.
const (
	SortInsertion SortMode = "insertion"
	SortCreation  SortMode = "creation_time"
	SortRandom    SortMode = "random"
)

// ChannelKind selects the base population of a channel.
type ChannelKind string

// Supported channel kinds.
const (
	ChannelAll      ChannelKind = "all"
	ChannelPromoted ChannelKind = "promoted"
	ChannelOwner    ChannelKind = "owner"
	ChannelUser     ChannelKind = "user"
	ChannelHashtag  ChannelKind = "hashtag"
)

// ChannelDescriptor is an abstract content selector plus its ordering.
type ChannelDescriptor struct {
	Kind    ChannelKind `json:"kind"`
	UserID  int64       `json:"user_id,omitempty"`  // user-scoped channels
	Hashtag string      `json:"hashtag,omitempty"`  // hashtag-scoped channels
	Sort    SortMode    `json:"sort"`
	Seed    int64       `json:"seed,omitempty"` // random sort; 0 means caller omitted it
}

// ExposureMode distributes playset turns across member channels.
type ExposureMode string

// PickMode orders content taken from a member channel.
type PickMode string

// Supported playset policies.
const (
	ExposureEqual        ExposureMode = "equal"
	ExposureManual       ExposureMode = "manual"
	ExposureProportional ExposureMode = "proportional"

	PickRecency PickMode = "recency"
	PickRandom  PickMode = "random"
)

// ChannelEntry is one member of a playset.
type ChannelEntry struct {
	Descriptor ChannelDescriptor
	Label      string
	Weight     int
}

// Playset is a named, ordered, weighted collection of channels. The gateway
// resolves it per request and never mutates it.
type Playset struct {
	ID       int64
	Name     string
	Entries  []ChannelEntry
	Exposure ExposureMode
	Pick     PickMode
}

// ViewEvent is device-originated telemetry for a displayed artwork.
type ViewEvent struct {
	DeviceKey  string    `json:"device_key"`
	ContentID  int64     `json:"content_id"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// StatusEvent is a device heartbeat. Payload fields vary by firmware and are
// flattened into time-series fields on ingestion.
type StatusEvent struct {
	DeviceKey string         `json:"device_key"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Supported command types.
const (
	CommandAdvance       = "advance"
	CommandPrevious      = "previous"
	CommandShow          = "show"
	CommandSwitchChannel = "switch_channel"
	CommandLoadPlayset   = "load_playset"
)

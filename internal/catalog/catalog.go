// Package catalog defines the content repository interface the gateway
// queries, and its SQLite implementation. Visibility rules (hidden, deleted,
// unapproved content) are enforced here, not in callers.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/fabkury/makapix-sub009/internal/filter"
	"github.com/fabkury/makapix-sub009/internal/model"
)

// ErrNotFound reports absent referenced content.
var ErrNotFound = errors.New("not found")

// Scope is the base population of a channel query.
type Scope struct {
	Kind      model.ChannelKind
	AccountID int64  // owner- and user-scoped channels
	Hashtag   string // hashtag-scoped channels
}

// Order is a deterministic listing order, newest first.
type Order string

// Supported orders.
const (
	OrderInsertion Order = "insertion"
	OrderCreation  Order = "creation"
)

// Position is a seek cursor into an ordered listing; listings resume strictly
// after it. CreatedAt only participates under OrderCreation.
type Position struct {
	CreatedAt time.Time
	ID        int64
}

// Repository is the narrow query surface the gateway uses. Implementations
// exclude invisible content from every method.
type Repository interface {
	// ListAfter returns up to limit artworks in scope matching pred, in the
	// given order, strictly after pos (nil starts from the top).
	ListAfter(ctx context.Context, scope Scope, pred *filter.Predicate, order Order, pos *Position, limit int) ([]model.Artwork, error)

	// VisibleIDs returns up to max artwork ids in scope matching pred,
	// ascending by id. Feeds seeded-random ordering.
	VisibleIDs(ctx context.Context, scope Scope, pred *filter.Predicate, max int) ([]int64, error)

	// CountVisible returns the live content count of scope under pred.
	CountVisible(ctx context.Context, scope Scope, pred *filter.Predicate) (int64, error)

	GetArtwork(ctx context.Context, id int64) (*model.Artwork, error)

	// GetArtworksByID hydrates ids, preserving their order and skipping any
	// that became invisible since the ids were sampled.
	GetArtworksByID(ctx context.Context, ids []int64) ([]model.Artwork, error)

	// ListComments returns comments on an artwork, newest first, strictly
	// after afterID (0 starts from the top).
	ListComments(ctx context.Context, artworkID, afterID int64, limit int) ([]model.Comment, error)

	// SetReaction records accountID's reaction on an artwork, replacing any
	// previous one. RevokeReaction removes it; revoking a reaction that does
	// not exist is not an error.
	SetReaction(ctx context.Context, accountID, artworkID int64, kind string) error
	RevokeReaction(ctx context.Context, accountID, artworkID int64) error

	GetPlayset(ctx context.Context, id int64) (*model.Playset, error)

	Close() error
}

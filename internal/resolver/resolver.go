// Package resolver turns channel descriptors and playset definitions into concrete,
// deterministically ordered pages of content.
package resolver

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/fabkury/makapix-sub009/internal/catalog"
	"github.com/fabkury/makapix-sub009/internal/filter"
	"github.com/fabkury/makapix-sub009/internal/gwerr"
	"github.com/fabkury/makapix-sub009/internal/model"
)

// DefaultPageSize is used when a request omits page_size.
const DefaultPageSize = 20

// Resolver resolves descriptors against the content repository.
type Resolver struct {
	repo        catalog.Repository
	maxPageSize int
	// randomPool caps the candidate set a seeded-random ordering draws from.
	randomPool int
}

// New builds a Resolver.
func New(repo catalog.Repository, maxPageSize, randomPool int) *Resolver {
	return &Resolver{repo: repo, maxPageSize: maxPageSize, randomPool: randomPool}
}

// Page is one resolved slice of a channel.
type Page struct {
	Items []model.Artwork
	// Cursors[i] resumes strictly after Items[i]; the dispatcher uses them
	// when it truncates the list to fit the outbound payload cap.
	Cursors []string
	// NextCursor is empty on the terminal page.
	NextCursor string
	// Seed is the effective random-sort seed (echoed so devices can resume).
	Seed int64
}

// scopeFor validates descriptor-specific required fields and maps the
// descriptor onto a repository scope. Missing identifiers are validation
// errors, never empty results.
func scopeFor(desc model.ChannelDescriptor, deviceOwner int64) (catalog.Scope, error) {
	switch desc.Kind {
	case model.ChannelAll:
		return catalog.Scope{Kind: model.ChannelAll}, nil
	case model.ChannelPromoted:
		return catalog.Scope{Kind: model.ChannelPromoted}, nil
	case model.ChannelOwner:
		if deviceOwner <= 0 {
			return catalog.Scope{}, gwerr.Validationf("owner channel requires a device with an owner account")
		}
		return catalog.Scope{Kind: model.ChannelOwner, AccountID: deviceOwner}, nil
	case model.ChannelUser:
		if desc.UserID <= 0 {
			return catalog.Scope{}, gwerr.Validationf("user channel requires user_id")
		}
		return catalog.Scope{Kind: model.ChannelUser, AccountID: desc.UserID}, nil
	case model.ChannelHashtag:
		if desc.Hashtag == "" {
			return catalog.Scope{}, gwerr.Validationf("hashtag channel requires hashtag")
		}
		return catalog.Scope{Kind: model.ChannelHashtag, Hashtag: desc.Hashtag}, nil
	default:
		return catalog.Scope{}, gwerr.Validationf("unknown channel kind %q", desc.Kind)
	}
}

// ResolveChannel resolves one page of a channel. cursorStr resumes a previous
// resolution; pageSize 0 selects the default and larger requests are clamped
// to the configured maximum.
func (r *Resolver) ResolveChannel(ctx context.Context, desc model.ChannelDescriptor, deviceOwner int64, criteria []filter.Criterion, cursorStr string, pageSize int) (*Page, error) {
	scope, err := scopeFor(desc, deviceOwner)
	if err != nil {
		return nil, err
	}
	pred, err := filter.Compile(criteria)
	if err != nil {
		return nil, err
	}
	if pageSize < 0 {
		return nil, gwerr.Validationf("page_size must not be negative")
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > r.maxPageSize {
		pageSize = r.maxPageSize
	}

	switch desc.Sort {
	case model.SortInsertion, model.SortCreation:
		return r.monotonicPage(ctx, scope, pred, desc.Sort, cursorStr, pageSize)
	case model.SortRandom:
		return r.randomPage(ctx, scope, pred, desc.Seed, cursorStr, pageSize)
	default:
		return nil, gwerr.Validationf("unknown sort mode %q", desc.Sort)
	}
}

// monotonicPage serves insertion and creation_time orders. Both are stable,
// strictly monotonic, tie-broken by id, so consecutive pages never skip or
// repeat a record even under concurrent inserts.
func (r *Resolver) monotonicPage(ctx context.Context, scope catalog.Scope, pred *filter.Predicate, sort model.SortMode, cursorStr string, pageSize int) (*Page, error) {
	cur, err := decodeCursor(cursorStr, sort)
	if err != nil {
		return nil, err
	}
	var pos *catalog.Position
	if cur != nil {
		pos = &catalog.Position{ID: cur.LastID, CreatedAt: time.UnixMilli(cur.LastTS).UTC()}
	}
	order := catalog.OrderInsertion
	if sort == model.SortCreation {
		order = catalog.OrderCreation
	}

	// One extra record decides whether a next page exists.
	items, err := r.repo.ListAfter(ctx, scope, pred, order, pos, pageSize+1)
	if err != nil {
		return nil, gwerr.Internal(fmt.Errorf("list artworks: %w", err))
	}
	hasMore := len(items) > pageSize
	if hasMore {
		items = items[:pageSize]
	}

	page := &Page{Items: items, Cursors: make([]string, len(items))}
	for i := range items {
		page.Cursors[i] = encodeCursor(cursor{
			Sort:   sort,
			LastID: items[i].ID,
			LastTS: items[i].CreatedAt.UnixMilli(),
		})
	}
	if hasMore {
		page.NextCursor = page.Cursors[len(items)-1]
	}
	return page, nil
}

// randomPage serves the seeded-random order: the candidate id set is drawn in
// a stable order, shuffled with the seed, and paged by offset, so repeated
// calls with the same seed return the same sequence.
func (r *Resolver) randomPage(ctx context.Context, scope catalog.Scope, pred *filter.Predicate, seed int64, cursorStr string, pageSize int) (*Page, error) {
	cur, err := decodeCursor(cursorStr, model.SortRandom)
	if err != nil {
		return nil, err
	}
	offset := 0
	if cur != nil {
		if seed != 0 && cur.Seed != seed {
			return nil, gwerr.Validationf("cursor was issued for a different seed")
		}
		seed = cur.Seed
		offset = cur.Offset
	}
	if seed == 0 {
		seed = deriveSeed()
	}

	ids, err := r.repo.VisibleIDs(ctx, scope, pred, r.randomPool)
	if err != nil {
		return nil, gwerr.Internal(fmt.Errorf("list artwork ids: %w", err))
	}
	shuffleIDs(ids, seed)

	if offset > len(ids) {
		offset = len(ids)
	}
	end := offset + pageSize
	if end > len(ids) {
		end = len(ids)
	}
	items, err := r.repo.GetArtworksByID(ctx, ids[offset:end])
	if err != nil {
		return nil, gwerr.Internal(fmt.Errorf("hydrate artworks: %w", err))
	}

	page := &Page{Items: items, Cursors: make([]string, len(items)), Seed: seed}
	for i := range items {
		page.Cursors[i] = encodeCursor(cursor{Sort: model.SortRandom, Seed: seed, Offset: offset + i + 1})
	}
	if end < len(ids) {
		page.NextCursor = encodeCursor(cursor{Sort: model.SortRandom, Seed: seed, Offset: end})
	}
	return page, nil
}

func shuffleIDs(ids []int64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
}

// deriveSeed produces a non-zero seed when the caller omitted one.
func deriveSeed() int64 {
	id := uuid.New()
	var seed int64
	for i := 0; i < 8; i++ {
		seed = seed<<8 | int64(id[i])
	}
	if seed == 0 {
		seed = 1
	}
	if seed < 0 {
		seed = -seed
	}
	return seed
}

package resolver

import (
	"context"
	"fmt"

	"github.com/fabkury/makapix-sub009/internal/catalog"
	"github.com/fabkury/makapix-sub009/internal/filter"
	"github.com/fabkury/makapix-sub009/internal/gwerr"
	"github.com/fabkury/makapix-sub009/internal/model"
)

// PlaysetItem is one selected artwork with the member channel it came from.
type PlaysetItem struct {
	Label   string
	Artwork model.Artwork
}

// ResolvePlayset distributes count turns across the playset's member
// channels per its exposure mode, pulls each channel's share per its pick
// mode, and interleaves the results in entry order. A member channel that is
// currently empty contributes no selections; it never fails the resolution.
// The effective seed is returned so devices can resume a random pick.
func (r *Resolver) ResolvePlayset(ctx context.Context, ps *model.Playset, deviceOwner int64, criteria []filter.Criterion, count int, seed int64) ([]PlaysetItem, int64, error) {
	pred, err := filter.Compile(criteria)
	if err != nil {
		return nil, 0, err
	}
	if count < 0 {
		return nil, 0, gwerr.Validationf("count must not be negative")
	}
	if count == 0 {
		count = DefaultPageSize
	}
	if count > r.maxPageSize {
		count = r.maxPageSize
	}
	if seed == 0 {
		seed = deriveSeed()
	}

	scopes := make([]*catalog.Scope, len(ps.Entries))
	for i, e := range ps.Entries {
		scope, err := scopeFor(e.Descriptor, deviceOwner)
		if err != nil {
			// A misconfigured member channel behaves like an empty one.
			continue
		}
		s := scope
		scopes[i] = &s
	}

	weights, err := r.entryWeights(ctx, ps, scopes, pred)
	if err != nil {
		return nil, 0, err
	}
	turns := allocateTurns(count, weights)

	queues := make([][]model.Artwork, len(ps.Entries))
	for i := range ps.Entries {
		if turns[i] == 0 || scopes[i] == nil {
			continue
		}
		arts, err := r.pickFromChannel(ctx, *scopes[i], pred, ps.Pick, turns[i], seed+int64(i))
		if err != nil {
			return nil, 0, err
		}
		queues[i] = arts
	}

	// Interleave one item per entry per round, in entry order.
	items := make([]PlaysetItem, 0, count)
	for {
		advanced := false
		for i, e := range ps.Entries {
			if len(queues[i]) == 0 {
				continue
			}
			items = append(items, PlaysetItem{Label: e.Label, Artwork: queues[i][0]})
			queues[i] = queues[i][1:]
			advanced = true
		}
		if !advanced {
			break
		}
	}
	return items, seed, nil
}

// entryWeights computes per-entry selection weights for the exposure mode.
// Proportional weights use live content counts, recomputed on every
// resolution.
func (r *Resolver) entryWeights(ctx context.Context, ps *model.Playset, scopes []*catalog.Scope, pred *filter.Predicate) ([]int64, error) {
	weights := make([]int64, len(ps.Entries))
	for i, e := range ps.Entries {
		if scopes[i] == nil {
			continue
		}
		switch ps.Exposure {
		case model.ExposureEqual:
			weights[i] = 1
		case model.ExposureManual:
			if e.Weight > 0 {
				weights[i] = int64(e.Weight)
			}
		case model.ExposureProportional:
			n, err := r.repo.CountVisible(ctx, *scopes[i], pred)
			if err != nil {
				return nil, gwerr.Internal(fmt.Errorf("count channel %q: %w", e.Label, err))
			}
			weights[i] = n
		default:
			return nil, gwerr.Validationf("unknown exposure mode %q", ps.Exposure)
		}
	}
	return weights, nil
}

// allocateTurns splits count turns proportionally to weights using largest
// remainders, so the split is deterministic and off-by-one fair.
func allocateTurns(count int, weights []int64) []int {
	turns := make([]int, len(weights))
	var total int64
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return turns
	}
	allocated := 0
	remainders := make([]int64, len(weights))
	for i, w := range weights {
		turns[i] = int(int64(count) * w / total)
		remainders[i] = (int64(count) * w) % total
		allocated += turns[i]
	}
	for allocated < count {
		best := -1
		for i := range remainders {
			if weights[i] == 0 {
				continue
			}
			if best == -1 || remainders[i] > remainders[best] {
				best = i
			}
		}
		if best == -1 {
			break
		}
		turns[best]++
		remainders[best] = -1
		allocated++
	}
	return turns
}

// pickFromChannel takes n items from one member channel. Recency picks the
// newest items; random picks a seed-reproducible sample.
func (r *Resolver) pickFromChannel(ctx context.Context, scope catalog.Scope, pred *filter.Predicate, pick model.PickMode, n int, seed int64) ([]model.Artwork, error) {
	switch pick {
	case model.PickRecency:
		arts, err := r.repo.ListAfter(ctx, scope, pred, catalog.OrderCreation, nil, n)
		if err != nil {
			return nil, gwerr.Internal(fmt.Errorf("list channel: %w", err))
		}
		return arts, nil
	case model.PickRandom:
		ids, err := r.repo.VisibleIDs(ctx, scope, pred, r.randomPool)
		if err != nil {
			return nil, gwerr.Internal(fmt.Errorf("list channel ids: %w", err))
		}
		shuffleIDs(ids, seed)
		if n > len(ids) {
			n = len(ids)
		}
		arts, err := r.repo.GetArtworksByID(ctx, ids[:n])
		if err != nil {
			return nil, gwerr.Internal(fmt.Errorf("hydrate channel: %w", err))
		}
		return arts, nil
	default:
		return nil, gwerr.Validationf("unknown pick mode %q", pick)
	}
}

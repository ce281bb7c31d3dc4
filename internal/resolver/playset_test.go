package resolver

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fabkury/makapix-sub009/internal/catalog"
	"github.com/fabkury/makapix-sub009/internal/model"
)

func TestAllocateTurns(t *testing.T) {
	tests := []struct {
		name    string
		count   int
		weights []int64
		want    []int
	}{
		{"equal weights divide evenly", 6, []int64{1, 1, 1}, []int{2, 2, 2}},
		{"largest remainder gets the extra turn", 7, []int64{1, 1, 1}, []int{3, 2, 2}},
		{"manual weights", 8, []int64{3, 1}, []int{6, 2}},
		{"zero-weight channel gets nothing", 5, []int64{2, 0, 3}, []int{2, 0, 3}},
		{"all empty", 5, []int64{0, 0}, []int{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, allocateTurns(tt.count, tt.weights)); diff != "" {
				t.Errorf("allocateTurns(%d, %v) mismatch (-want +got):\n%s", tt.count, tt.weights, diff)
			}
		})
	}
}

func playsetFixture(t *testing.T) (*Resolver, *catalog.SQLite) {
	t.Helper()
	repo := testRepo(t)
	// 6 promoted artworks, 2 tagged ones.
	seed(t, repo, 6, func(i int, a *model.Artwork) { a.Promoted = true })
	seed(t, repo, 2, func(i int, a *model.Artwork) { a.Hashtags = []string{"dither"} })
	return New(repo, 50, 1000), repo
}

func TestResolvePlaysetManualWeights(t *testing.T) {
	r, _ := playsetFixture(t)
	ps := &model.Playset{
		Exposure: model.ExposureManual,
		Pick:     model.PickRecency,
		Entries: []model.ChannelEntry{
			{Label: "featured", Weight: 3, Descriptor: model.ChannelDescriptor{Kind: model.ChannelPromoted}},
			{Label: "dither", Weight: 1, Descriptor: model.ChannelDescriptor{Kind: model.ChannelHashtag, Hashtag: "dither"}},
		},
	}

	items, _, err := r.ResolvePlayset(context.Background(), ps, 1, nil, 8, 99)
	if err != nil {
		t.Fatal(err)
	}

	counts := map[string]int{}
	for _, it := range items {
		counts[it.Label]++
	}
	want := map[string]int{"featured": 6, "dither": 2}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("per-channel selection counts (-want +got):\n%s", diff)
	}
	// Interleaved in entry order, one per round.
	if items[0].Label != "featured" || items[1].Label != "dither" {
		t.Errorf("first round = %s, %s; want featured, dither", items[0].Label, items[1].Label)
	}
}

func TestResolvePlaysetProportional(t *testing.T) {
	r, _ := playsetFixture(t)
	ps := &model.Playset{
		Exposure: model.ExposureProportional,
		Pick:     model.PickRecency,
		Entries: []model.ChannelEntry{
			{Label: "featured", Descriptor: model.ChannelDescriptor{Kind: model.ChannelPromoted}},
			{Label: "dither", Descriptor: model.ChannelDescriptor{Kind: model.ChannelHashtag, Hashtag: "dither"}},
		},
	}

	// 6:2 live counts over 4 turns → 3:1.
	items, _, err := r.ResolvePlayset(context.Background(), ps, 1, nil, 4, 99)
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]int{}
	for _, it := range items {
		counts[it.Label]++
	}
	want := map[string]int{"featured": 3, "dither": 1}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("proportional selection counts (-want +got):\n%s", diff)
	}
}

func TestResolvePlaysetToleratesEmptyChannel(t *testing.T) {
	r, _ := playsetFixture(t)
	ps := &model.Playset{
		Exposure: model.ExposureEqual,
		Pick:     model.PickRecency,
		Entries: []model.ChannelEntry{
			{Label: "featured", Descriptor: model.ChannelDescriptor{Kind: model.ChannelPromoted}},
			{Label: "ghost town", Descriptor: model.ChannelDescriptor{Kind: model.ChannelHashtag, Hashtag: "nobody-posts-here"}},
		},
	}

	items, _, err := r.ResolvePlayset(context.Background(), ps, 1, nil, 6, 42)
	if err != nil {
		t.Fatalf("empty member channel failed the resolution: %v", err)
	}
	for _, it := range items {
		if it.Label != "featured" {
			t.Errorf("selection from empty channel %q", it.Label)
		}
	}
	if len(items) == 0 {
		t.Error("non-empty channel contributed nothing")
	}
}

func TestResolvePlaysetRandomPickReproducible(t *testing.T) {
	r, _ := playsetFixture(t)
	ps := &model.Playset{
		Exposure: model.ExposureEqual,
		Pick:     model.PickRandom,
		Entries: []model.ChannelEntry{
			{Label: "featured", Descriptor: model.ChannelDescriptor{Kind: model.ChannelPromoted}},
		},
	}

	first, seed1, err := r.ResolvePlayset(context.Background(), ps, 1, nil, 4, 77)
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := r.ResolvePlayset(context.Background(), ps, 1, nil, 4, 77)
	if err != nil {
		t.Fatal(err)
	}
	if seed1 != 77 {
		t.Errorf("seed = %d, want caller seed 77", seed1)
	}
	var a, b []int64
	for i := range first {
		a = append(a, first[i].Artwork.ID)
	}
	for i := range second {
		b = append(b, second[i].Artwork.ID)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("same seed produced different samples (-first +second):\n%s", diff)
	}
}

package filter

import (
	"errors"
	"testing"

	"github.com/fabkury/makapix-sub009/internal/gwerr"
	"github.com/fabkury/makapix-sub009/internal/model"
)

func ptrInt64(v int64) *int64    { return &v }
func ptrString(v string) *string { return &v }

func sample() *model.Artwork {
	return &model.Artwork{
		ID:               42,
		Width:            64,
		Height:           32,
		FrameCount:       12,
		ColorCount:       16,
		DurationMS:       ptrInt64(2400),
		Animated:         true,
		Format:           "gif",
		AvailableFormats: []string{"gif", "webp", "png"},
		Palette:          ptrString("pico8"),
	}
}

func TestCompileRejectsIllegalCriteria(t *testing.T) {
	tests := []struct {
		name     string
		criteria []Criterion
	}{
		{
			name:     "unknown field",
			criteria: []Criterion{{Field: "artist_mood", Op: OpEq, Value: "happy"}},
		},
		{
			name:     "is_null on non-nullable numeric",
			criteria: []Criterion{{Field: "width", Op: OpIsNull}},
		},
		{
			name:     "is_not_null on non-nullable enum",
			criteria: []Criterion{{Field: "format", Op: OpIsNotNull}},
		},
		{
			name:     "ordering operator on boolean",
			criteria: []Criterion{{Field: "animated", Op: OpLt, Value: true}},
		},
		{
			name:     "in on boolean",
			criteria: []Criterion{{Field: "animated", Op: OpIn, Value: []any{true}}},
		},
		{
			name:     "string value on numeric field",
			criteria: []Criterion{{Field: "width", Op: OpEq, Value: "64"}},
		},
		{
			name:     "numeric value on enum field",
			criteria: []Criterion{{Field: "format", Op: OpEq, Value: 3.0}},
		},
		{
			name:     "empty in list",
			criteria: []Criterion{{Field: "width", Op: OpIn, Value: []any{}}},
		},
		{
			name:     "value supplied with is_null",
			criteria: []Criterion{{Field: "duration_ms", Op: OpIsNull, Value: 1.0}},
		},
		{
			name: "valid criterion before invalid one still rejects",
			criteria: []Criterion{
				{Field: "width", Op: OpEq, Value: 64.0},
				{Field: "height", Op: OpIsNull},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.criteria)
			if err == nil {
				t.Fatalf("Compile(%v) = nil error, want validation error", tt.criteria)
			}
			var ge *gwerr.Error
			if !errors.As(err, &ge) || ge.Code != gwerr.CodeValidation {
				t.Fatalf("Compile(%v) error = %v, want code %s", tt.criteria, err, gwerr.CodeValidation)
			}
		})
	}
}

func TestPredicateMatch(t *testing.T) {
	tests := []struct {
		name     string
		criteria []Criterion
		want     bool
	}{
		{
			name: "empty criteria passes",
			want: true,
		},
		{
			name:     "numeric eq",
			criteria: []Criterion{{Field: "width", Op: OpEq, Value: 64.0}},
			want:     true,
		},
		{
			name:     "numeric range",
			criteria: []Criterion{{Field: "height", Op: OpGte, Value: 32.0}, {Field: "height", Op: OpLt, Value: 64.0}},
			want:     true,
		},
		{
			name:     "numeric in",
			criteria: []Criterion{{Field: "color_count", Op: OpIn, Value: []any{8.0, 16.0, 32.0}}},
			want:     true,
		},
		{
			name:     "numeric not_in excludes",
			criteria: []Criterion{{Field: "frame_count", Op: OpNotIn, Value: []any{12.0}}},
			want:     false,
		},
		{
			name:     "nullable numeric is_not_null",
			criteria: []Criterion{{Field: "duration_ms", Op: OpIsNotNull}},
			want:     true,
		},
		{
			name:     "boolean neq",
			criteria: []Criterion{{Field: "animated", Op: OpNeq, Value: false}},
			want:     true,
		},
		{
			name:     "original format only",
			criteria: []Criterion{{Field: "format", Op: OpEq, Value: "webp"}},
			want:     false,
		},
		{
			name:     "any available representation",
			criteria: []Criterion{{Field: "available_format", Op: OpEq, Value: "webp"}},
			want:     true,
		},
		{
			name: "both format fields compose under AND",
			criteria: []Criterion{
				{Field: "format", Op: OpEq, Value: "gif"},
				{Field: "available_format", Op: OpIn, Value: []any{"png", "bmp"}},
			},
			want: true,
		},
		{
			name:     "available_format not_in rejects when any representation matches",
			criteria: []Criterion{{Field: "available_format", Op: OpNotIn, Value: []any{"png"}}},
			want:     false,
		},
		{
			name:     "nullable enum eq",
			criteria: []Criterion{{Field: "palette", Op: OpEq, Value: "pico8"}},
			want:     true,
		},
		{
			name: "short-circuit still yields AND semantics",
			criteria: []Criterion{
				{Field: "width", Op: OpEq, Value: 9999.0},
				{Field: "height", Op: OpEq, Value: 32.0},
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(tt.criteria)
			if err != nil {
				t.Fatalf("Compile(%v) error: %v", tt.criteria, err)
			}
			if got := p.Match(sample()); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchNullComparisons(t *testing.T) {
	a := sample()
	a.DurationMS = nil
	a.Palette = nil

	tests := []struct {
		name      string
		criterion Criterion
		want      bool
	}{
		{"null numeric fails comparison", Criterion{Field: "duration_ms", Op: OpGt, Value: 0.0}, false},
		{"null numeric is_null", Criterion{Field: "duration_ms", Op: OpIsNull}, true},
		{"null enum eq fails", Criterion{Field: "palette", Op: OpEq, Value: "pico8"}, false},
		{"null enum is_not_null", Criterion{Field: "palette", Op: OpIsNotNull}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile([]Criterion{tt.criterion})
			if err != nil {
				t.Fatalf("Compile error: %v", err)
			}
			if got := p.Match(a); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Package filter implements the artwork metadata matching engine.
//
// A request carries a list of criteria over declared fields. Criteria combine
// with AND only; OR and NOT are not supported and are rejected up front, not
// approximated. Each field has a declared kind that constrains which
// operators are legal, and legality is enforced before any evaluation runs.
package filter

import (
	"fmt"

	"github.com/fabkury/makapix-sub009/internal/gwerr"
	"github.com/fabkury/makapix-sub009/internal/model"
)

// Op is a comparison operator as it appears on the wire.
type Op string

// Supported operators.
const (
	OpEq        Op = "eq"
	OpNeq       Op = "neq"
	OpLt        Op = "lt"
	OpGt        Op = "gt"
	OpLte       Op = "lte"
	OpGte       Op = "gte"
	OpIn        Op = "in"
	OpNotIn     Op = "not_in"
	OpIsNull    Op = "is_null"
	OpIsNotNull Op = "is_not_null"
)

// Kind is the declared type of a filterable field.
type Kind string

// Field kinds.
const (
	KindNumeric Kind = "numeric"
	KindBoolean Kind = "boolean"
	KindEnum    Kind = "enum"
)

// Criterion is one wire-shape filter entry: {field, op, value}.
type Criterion struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value,omitempty"`
}

// Field declares a filterable artwork attribute. Get returns the current
// value and whether it is null; multi-valued fields (available_format)
// return the full set and match when any element satisfies the operator.
type Field struct {
	Name     string
	Kind     Kind
	Nullable bool
	get      func(a *model.Artwork) (value any, null bool)
}

// fields is the closed registry of filterable artwork metadata. The original
// submission format and the set of converted representations are two distinct
// fields so that combining both in one request stays a plain AND of two
// independent predicates.
var fields = map[string]Field{
	"width":       {Name: "width", Kind: KindNumeric, get: func(a *model.Artwork) (any, bool) { return float64(a.Width), false }},
	"height":      {Name: "height", Kind: KindNumeric, get: func(a *model.Artwork) (any, bool) { return float64(a.Height), false }},
	"frame_count": {Name: "frame_count", Kind: KindNumeric, get: func(a *model.Artwork) (any, bool) { return float64(a.FrameCount), false }},
	"color_count": {Name: "color_count", Kind: KindNumeric, get: func(a *model.Artwork) (any, bool) { return float64(a.ColorCount), false }},
	"duration_ms": {Name: "duration_ms", Kind: KindNumeric, Nullable: true, get: func(a *model.Artwork) (any, bool) {
		if a.DurationMS == nil {
			return nil, true
		}
		return float64(*a.DurationMS), false
	}},
	"animated": {Name: "animated", Kind: KindBoolean, get: func(a *model.Artwork) (any, bool) { return a.Animated, false }},
	"format":   {Name: "format", Kind: KindEnum, get: func(a *model.Artwork) (any, bool) { return a.Format, false }},
	"available_format": {Name: "available_format", Kind: KindEnum, get: func(a *model.Artwork) (any, bool) {
		return a.AvailableFormats, false
	}},
	"palette": {Name: "palette", Kind: KindEnum, Nullable: true, get: func(a *model.Artwork) (any, bool) {
		if a.Palette == nil {
			return nil, true
		}
		return *a.Palette, false
	}},
}

var legalOps = map[Kind][]Op{
	KindNumeric: {OpEq, OpNeq, OpLt, OpGt, OpLte, OpGte, OpIn, OpNotIn, OpIsNull, OpIsNotNull},
	KindBoolean: {OpEq, OpNeq},
	KindEnum:    {OpEq, OpNeq, OpIn, OpNotIn, OpIsNull, OpIsNotNull},
}

// compiled is one validated criterion ready for evaluation.
type compiled struct {
	field  Field
	op     Op
	num    float64
	nums   []float64
	str    string
	strs   []string
	truthy bool
}

// Predicate is a validated, AND-combined criteria list.
type Predicate struct {
	crits []compiled
}

// Compile validates criteria and returns an evaluable predicate. Any
// illegality (unknown field, operator outside the field kind's legal set,
// null operators on non-nullable fields, mistyped values) is a validation
// error, never a silent false.
func Compile(criteria []Criterion) (*Predicate, error) {
	p := &Predicate{crits: make([]compiled, 0, len(criteria))}
	for i, c := range criteria {
		f, ok := fields[c.Field]
		if !ok {
			return nil, gwerr.Validationf("criteria[%d]: unknown field %q", i, c.Field)
		}
		if !opLegal(f.Kind, c.Op) {
			return nil, gwerr.Validationf("criteria[%d]: operator %q not allowed on %s field %q", i, c.Op, f.Kind, c.Field)
		}
		if (c.Op == OpIsNull || c.Op == OpIsNotNull) && !f.Nullable {
			return nil, gwerr.Validationf("criteria[%d]: field %q is not nullable", i, c.Field)
		}
		cc, err := compileValue(f, c)
		if err != nil {
			return nil, gwerr.Validationf("criteria[%d]: %v", i, err)
		}
		p.crits = append(p.crits, cc)
	}
	return p, nil
}

func opLegal(k Kind, op Op) bool {
	for _, o := range legalOps[k] {
		if o == op {
			return true
		}
	}
	return false
}

func compileValue(f Field, c Criterion) (compiled, error) {
	cc := compiled{field: f, op: c.Op}
	switch c.Op {
	case OpIsNull, OpIsNotNull:
		if c.Value != nil {
			return cc, fmt.Errorf("operator %q takes no value", c.Op)
		}
		return cc, nil
	case OpIn, OpNotIn:
		list, ok := c.Value.([]any)
		if !ok || len(list) == 0 {
			return cc, fmt.Errorf("operator %q requires a non-empty array value", c.Op)
		}
		for _, v := range list {
			switch f.Kind {
			case KindNumeric:
				n, ok := asNumber(v)
				if !ok {
					return cc, fmt.Errorf("field %q requires numeric values, got %T", f.Name, v)
				}
				cc.nums = append(cc.nums, n)
			case KindEnum:
				s, ok := v.(string)
				if !ok {
					return cc, fmt.Errorf("field %q requires string values, got %T", f.Name, v)
				}
				cc.strs = append(cc.strs, s)
			}
		}
		return cc, nil
	}
	// Scalar comparison operators.
	switch f.Kind {
	case KindNumeric:
		n, ok := asNumber(c.Value)
		if !ok {
			return cc, fmt.Errorf("field %q requires a numeric value, got %T", f.Name, c.Value)
		}
		cc.num = n
	case KindBoolean:
		b, ok := c.Value.(bool)
		if !ok {
			return cc, fmt.Errorf("field %q requires a boolean value, got %T", f.Name, c.Value)
		}
		cc.truthy = b
	case KindEnum:
		s, ok := c.Value.(string)
		if !ok {
			return cc, fmt.Errorf("field %q requires a string value, got %T", f.Name, c.Value)
		}
		if c.Op != OpEq && c.Op != OpNeq {
			return cc, fmt.Errorf("field %q does not support operator %q", f.Name, c.Op)
		}
		cc.str = s
	}
	return cc, nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Match reports whether a passes every criterion. Evaluation short-circuits
// on the first failing criterion; the result is identical to evaluating all
// of them.
func (p *Predicate) Match(a *model.Artwork) bool {
	if p == nil {
		return true
	}
	for i := range p.crits {
		if !p.crits[i].match(a) {
			return false
		}
	}
	return true
}

// Empty reports whether the predicate has no criteria.
func (p *Predicate) Empty() bool { return p == nil || len(p.crits) == 0 }

func (c *compiled) match(a *model.Artwork) bool {
	val, null := c.field.get(a)
	switch c.op {
	case OpIsNull:
		return null
	case OpIsNotNull:
		return !null
	}
	if null {
		// A null value satisfies no comparison.
		return false
	}
	switch c.field.Kind {
	case KindNumeric:
		return matchNumeric(val.(float64), c)
	case KindBoolean:
		b := val.(bool)
		if c.op == OpEq {
			return b == c.truthy
		}
		return b != c.truthy
	case KindEnum:
		if set, ok := val.([]string); ok {
			return matchEnumSet(set, c)
		}
		return matchEnum(val.(string), c)
	}
	return false
}

func matchNumeric(v float64, c *compiled) bool {
	switch c.op {
	case OpEq:
		return v == c.num
	case OpNeq:
		return v != c.num
	case OpLt:
		return v < c.num
	case OpGt:
		return v > c.num
	case OpLte:
		return v <= c.num
	case OpGte:
		return v >= c.num
	case OpIn:
		for _, n := range c.nums {
			if v == n {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, n := range c.nums {
			if v == n {
				return false
			}
		}
		return true
	}
	return false
}

func matchEnum(v string, c *compiled) bool {
	switch c.op {
	case OpEq:
		return v == c.str
	case OpNeq:
		return v != c.str
	case OpIn:
		for _, s := range c.strs {
			if v == s {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, s := range c.strs {
			if v == s {
				return false
			}
		}
		return true
	}
	return false
}

// matchEnumSet evaluates a multi-valued enum field: eq/in match when any
// element does, neq/not_in when no element does.
func matchEnumSet(set []string, c *compiled) bool {
	switch c.op {
	case OpEq:
		for _, v := range set {
			if v == c.str {
				return true
			}
		}
		return false
	case OpIn:
		for _, v := range set {
			for _, s := range c.strs {
				if v == s {
					return true
				}
			}
		}
		return false
	case OpNeq:
		for _, v := range set {
			if v == c.str {
				return false
			}
		}
		return true
	case OpNotIn:
		for _, v := range set {
			for _, s := range c.strs {
				if v == s {
					return false
				}
			}
		}
		return true
	}
	return false
}

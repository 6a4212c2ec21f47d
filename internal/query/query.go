// Package query holds the predicate model, the access-path planner, and
// residual predicate evaluation. The planner only decides which index (if
// any) serves a query; actually driving the chosen scan is the engine's
// job, since that needs page access.
package query

import (
	"strings"

	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/record"
)

// Op is a predicate operator.
type Op int

const (
	Equals Op = iota
	StartsWith
	LessThan
	LessThanOrEqual
	GreaterThan
	GreaterThanOrEqual
	Between
)

func (o Op) String() string {
	switch o {
	case Equals:
		return "Equals"
	case StartsWith:
		return "StartsWith"
	case LessThan:
		return "LessThan"
	case LessThanOrEqual:
		return "LessThanOrEqual"
	case GreaterThan:
		return "GreaterThan"
	case GreaterThanOrEqual:
		return "GreaterThanOrEqual"
	case Between:
		return "Between"
	default:
		return "?"
	}
}

// isRange reports whether o constrains an ordered interval of an index.
func (o Op) isRange() bool {
	switch o {
	case LessThan, LessThanOrEqual, GreaterThan, GreaterThanOrEqual, Between:
		return true
	}
	return false
}

// Predicate is one (field, op, value) condition. High is the upper bound
// of a Between.
type Predicate struct {
	Field string
	Op    Op
	Value record.Value
	High  record.Value
}

// ScanType names the access path a plan chose.
type ScanType int

const (
	FullScan ScanType = iota
	PrimaryIndex
	SecondaryIndex
)

func (s ScanType) String() string {
	switch s {
	case PrimaryIndex:
		return "PrimaryIndex"
	case SecondaryIndex:
		return "SecondaryIndex"
	default:
		return "FullScan"
	}
}

// Plan is the planner's decision: the access path, which predicate
// positions the index absorbs, and which remain as a post-filter.
type Plan struct {
	Scan         ScanType
	IndexedField string
	IndexUsed    []int
	Residual     []int
}

// Explain is the caller-visible summary of a plan.
type Explain struct {
	ScanType            string
	IndexedField        string
	FiltersUsedByIndex  int
	ResidualFilterCount int
	EstimatedRows       int
}

// Build plans a predicate list against a collection's schema. indexed
// must report which fields carry a secondary index.
//
// Priority: an Equals on an indexed field wins, then any range operator
// on an indexed field, then StartsWith on an indexed string field, then a
// full collection scan. Once an index is chosen, every predicate on that
// field rides the index; the rest become the residual post-filter.
func Build(meta *record.Metadata, indexed func(field string) bool, preds []Predicate) Plan {
	usable := func(field string) (ScanType, bool) {
		if field == meta.IDField {
			return PrimaryIndex, true
		}
		if indexed(field) {
			return SecondaryIndex, true
		}
		return FullScan, false
	}

	choose := func(match func(p Predicate) bool) (Plan, bool) {
		for _, p := range preds {
			if !match(p) {
				continue
			}
			scan, ok := usable(p.Field)
			if !ok {
				continue
			}
			plan := Plan{Scan: scan, IndexedField: p.Field}
			for i, q := range preds {
				if q.Field == p.Field {
					plan.IndexUsed = append(plan.IndexUsed, i)
				} else {
					plan.Residual = append(plan.Residual, i)
				}
			}
			return plan, true
		}
		return Plan{}, false
	}

	if plan, ok := choose(func(p Predicate) bool { return p.Op == Equals }); ok {
		return plan
	}
	if plan, ok := choose(func(p Predicate) bool { return p.Op.isRange() }); ok {
		return plan
	}
	if plan, ok := choose(func(p Predicate) bool {
		return p.Op == StartsWith && p.Value.Kind == record.KindString
	}); ok {
		return plan
	}

	plan := Plan{Scan: FullScan}
	for i := range preds {
		plan.Residual = append(plan.Residual, i)
	}
	return plan
}

// Explain summarizes a plan; estimatedRows is supplied by the executor.
func (p Plan) Explain(estimatedRows int) Explain {
	return Explain{
		ScanType:            p.Scan.String(),
		IndexedField:        p.IndexedField,
		FiltersUsedByIndex:  len(p.IndexUsed),
		ResidualFilterCount: len(p.Residual),
		EstimatedRows:       estimatedRows,
	}
}

// Evaluate applies one predicate to a document. A null field value
// satisfies no comparison except an Equals against null, so range
// predicates naturally exclude null-valued documents.
func Evaluate(p Predicate, doc *record.Document) (bool, error) {
	v, ok := doc.Get(p.Field)
	if !ok {
		return false, nil
	}
	if v.Null || p.Value.Null {
		return p.Op == Equals && v.Null == p.Value.Null, nil
	}
	if p.Op == StartsWith {
		if v.Kind != record.KindString {
			return false, galdrerr.InvalidArgument("StartsWith on non-string field %q", p.Field)
		}
		return strings.HasPrefix(v.AsString(), p.Value.AsString()), nil
	}
	c, err := record.Compare(v, p.Value)
	if err != nil {
		return false, err
	}
	switch p.Op {
	case Equals:
		return c == 0, nil
	case LessThan:
		return c < 0, nil
	case LessThanOrEqual:
		return c <= 0, nil
	case GreaterThan:
		return c > 0, nil
	case GreaterThanOrEqual:
		return c >= 0, nil
	case Between:
		if c < 0 {
			return false, nil
		}
		ch, err := record.Compare(v, p.High)
		if err != nil {
			return false, err
		}
		return ch <= 0, nil
	}
	return false, galdrerr.InvalidArgument("unknown operator %d", p.Op)
}

// PrefixUpperBound returns the smallest string strictly greater than
// every string starting with prefix (the exclusive upper bound of a
// StartsWith range scan), and false when no such bound exists (a prefix
// of all 0xFF bytes).
func PrefixUpperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

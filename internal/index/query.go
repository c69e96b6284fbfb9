package index

import (
	"iter"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"go.docstore/internal/bson"
	"go.docstore/internal/storage"
)

// Operator selects which keys of an index a scan visits.
type Operator int

const (
	OpAll Operator = iota
	OpEQ
	OpLT
	OpLTE
	OpGT
	OpGTE
	OpBetween
	OpStartsWith
	OpIn
)

var ErrBadOperands = errors.New("wrong number of operands")

var operatorNames = map[Operator]string{
	OpAll:        "all",
	OpEQ:         "=",
	OpLT:         "<",
	OpLTE:        "<=",
	OpGT:         ">",
	OpGTE:        ">=",
	OpBetween:    "between",
	OpStartsWith: "startswith",
	OpIn:         "in",
}

func (o Operator) String() string {
	if s, ok := operatorNames[o]; ok {
		return s
	}
	return "unknown"
}

// ParseOperator accepts the symbols of String plus the words eq, lt, lte,
// gt and gte.
func ParseOperator(s string) (Operator, error) {
	s = strings.ToLower(s)
	for op, name := range operatorNames {
		if name == s {
			return op, nil
		}
	}
	switch s {
	case "eq", "==":
		return OpEQ, nil
	case "lt":
		return OpLT, nil
	case "lte":
		return OpLTE, nil
	case "gt":
		return OpGT, nil
	case "gte":
		return OpGTE, nil
	}
	return 0, errors.Errorf("unknown operator %q", s)
}

func (o Operator) operands() (min, max int) {
	switch o {
	case OpAll:
		return 0, 0
	case OpBetween:
		return 2, 2
	case OpIn:
		return 1, -1
	}
	return 1, 1
}

// Scan yields the nodes of idx whose key satisfies op over values. Range
// operators only match keys of the operand's kind; numbers of any width
// count as one kind. A multi-key index may yield several nodes of the same
// document.
func (s *IndexService) Scan(idx *storage.CollectionIndex, op Operator, values []bson.Value, order int) iter.Seq2[*storage.IndexNode, error] {
	if lo, hi := op.operands(); len(values) < lo || (hi >= 0 && len(values) > hi) {
		return func(yield func(*storage.IndexNode, error) bool) {
			yield(nil, errors.Wrapf(ErrBadOperands, "%s takes %d, got %d", op, lo, len(values)))
		}
	}
	if order != Descending {
		order = Ascending
	}

	switch op {
	case OpAll:
		return s.FindAll(idx, order)
	case OpEQ:
		return s.rangeScan(idx, &bound{values[0], true}, &bound{values[0], true}, order)
	case OpLT:
		return s.rangeScan(idx, nil, &bound{values[0], false}, order)
	case OpLTE:
		return s.rangeScan(idx, nil, &bound{values[0], true}, order)
	case OpGT:
		return s.rangeScan(idx, &bound{values[0], false}, nil, order)
	case OpGTE:
		return s.rangeScan(idx, &bound{values[0], true}, nil, order)
	case OpBetween:
		lo, hi := values[0], values[1]
		if s.collation.Compare(lo, hi) > 0 {
			lo, hi = hi, lo
		}
		return s.rangeScan(idx, &bound{lo, true}, &bound{hi, true}, order)
	case OpStartsWith:
		return s.startsWith(idx, values[0], order)
	case OpIn:
		return s.in(idx, values, order)
	}
	return func(yield func(*storage.IndexNode, error) bool) {
		yield(nil, errors.Errorf("unsupported operator %d", op))
	}
}

type bound struct {
	value     bson.Value
	inclusive bool
}

func sameKind(a, b bson.Value) bool {
	return a.Kind() == b.Kind() || (a.IsNumber() && b.IsNumber())
}

// rangeScan walks from the bound nearest the scan start towards the other
// one. Keys of other kinds inside the range are skipped.
func (s *IndexService) rangeScan(idx *storage.CollectionIndex, lo, hi *bound, order int) iter.Seq2[*storage.IndexNode, error] {
	asc := order == Ascending
	from, to := lo, hi
	if !asc {
		from, to = hi, lo
	}
	var operand bson.Value
	if lo != nil {
		operand = lo.value
	} else {
		operand = hi.value
	}

	return func(yield func(*storage.IndexNode, error) bool) {
		var (
			node *storage.IndexNode
			err  error
		)
		if from != nil {
			node, err = s.Find(idx, from.value, true, order)
		} else if asc {
			node, err = s.Min(idx)
		} else {
			node, err = s.Max(idx)
		}
		if err != nil {
			yield(nil, err)
			return
		}

		for node != nil {
			key := node.Key()
			if from != nil && !from.inclusive && s.collation.Equals(key, from.value) {
				node, err = s.step(node, asc)
				if err != nil {
					yield(nil, err)
					return
				}
				continue
			}
			if to != nil {
				c := s.collation.Compare(key, to.value) * order
				if c > 0 || (c == 0 && !to.inclusive) {
					return
				}
			}
			if sameKind(key, operand) {
				if !yield(node, nil) {
					return
				}
			}
			node, err = s.step(node, asc)
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// step returns the neighbour of node on level 0, nil at a sentinel.
func (s *IndexService) step(node *storage.IndexNode, asc bool) (*storage.IndexNode, error) {
	addr := node.NextPrev(0, asc)
	if addr.IsEmpty() {
		return nil, nil
	}
	next, err := s.GetNode(addr)
	if err != nil {
		return nil, err
	}
	if next.Key().IsMinValue() || next.Key().IsMaxValue() {
		return nil, nil
	}
	return next, nil
}

func (s *IndexService) startsWith(idx *storage.CollectionIndex, prefix bson.Value, order int) iter.Seq2[*storage.IndexNode, error] {
	return func(yield func(*storage.IndexNode, error) bool) {
		if prefix.Kind() != bson.StringKind {
			yield(nil, errors.New("startswith needs a string operand"))
			return
		}
		p := prefix.AsString()
		if s.collation.IgnoreCase {
			p = strings.ToLower(p)
		}
		var matched []*storage.IndexNode
		node, err := s.Find(idx, prefix, true, Ascending)
		for ; err == nil && node != nil; node, err = s.step(node, true) {
			key := node.Key()
			if key.Kind() != bson.StringKind {
				break
			}
			k := key.AsString()
			if s.collation.IgnoreCase {
				k = strings.ToLower(k)
			}
			if !strings.HasPrefix(k, p) {
				break
			}
			if order == Ascending {
				if !yield(node, nil) {
					return
				}
				continue
			}
			matched = append(matched, node)
		}
		if err != nil {
			yield(nil, err)
			return
		}
		for i := len(matched) - 1; i >= 0; i-- {
			if !yield(matched[i], nil) {
				return
			}
		}
	}
}

func (s *IndexService) in(idx *storage.CollectionIndex, values []bson.Value, order int) iter.Seq2[*storage.IndexNode, error] {
	distinct := make([]bson.Value, 0, len(values))
	for _, v := range values {
		dup := false
		for _, d := range distinct {
			if s.collation.Equals(v, d) {
				dup = true
				break
			}
		}
		if !dup {
			distinct = append(distinct, v)
		}
	}
	sort.SliceStable(distinct, func(a, b int) bool {
		return s.collation.Compare(distinct[a], distinct[b])*order < 0
	})

	return func(yield func(*storage.IndexNode, error) bool) {
		for _, v := range distinct {
			for node, err := range s.rangeScan(idx, &bound{v, true}, &bound{v, true}, order) {
				if !yield(node, err) || err != nil {
					return
				}
			}
		}
	}
}

package tenancy

import (
	"fmt"
)

// Op is a comparison operator
type Op string

const (
	OpEq  Op = "="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpIn  Op = "IN"
)

func (o Op) valid() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpIn:
		return true
	}
	return false
}

// Predicate compares one column. OpIn uses Values, every other op uses Value.
type Predicate struct {
	Column string
	Op     Op
	Value  any
	Values []any
}

// Filter is a conjunction of predicates
type Filter []Predicate

// Eq is column = value
func Eq(column string, value any) Predicate {
	return Predicate{Column: column, Op: OpEq, Value: value}
}

// In is column IN (values...)
func In(column string, values ...any) Predicate {
	return Predicate{Column: column, Op: OpIn, Values: values}
}

// Cmp builds a predicate with an arbitrary comparison op
func Cmp(column string, op Op, value any) Predicate {
	return Predicate{Column: column, Op: op, Value: value}
}

// And returns a new filter with extra predicates appended
func (f Filter) And(preds ...Predicate) Filter {
	out := make(Filter, 0, len(f)+len(preds))
	out = append(out, f...)
	return append(out, preds...)
}

func (f Filter) validate() error {
	for _, p := range f {
		if !ValidIdentifier(p.Column) {
			return fmt.Errorf("%w: invalid column %q", ErrInvalidQuery, p.Column)
		}
		if !p.Op.valid() {
			return fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, p.Op)
		}
		if p.Op == OpIn && len(p.Values) == 0 {
			return fmt.Errorf("%w: IN on %s needs at least one value", ErrInvalidQuery, p.Column)
		}
	}
	return nil
}

// tenantValues returns the tenant ids a filter pins through = or IN
// predicates on the tenant column, whatever its spelling.
func (f Filter) tenantValues(column string) []string {
	var out []string
	for _, p := range f {
		if !SameColumn(p.Column, column) {
			continue
		}
		switch p.Op {
		case OpEq:
			out = append(out, fmt.Sprint(p.Value))
		case OpIn:
			for _, v := range p.Values {
				out = append(out, fmt.Sprint(v))
			}
		}
	}
	return out
}

// Order is one ORDER BY term
type Order struct {
	Column string
	Desc   bool
}

// Query is a caller's read request before scoping
type Query struct {
	Class   string
	Filter  Filter
	OrderBy []Order
	Limit   int
	Offset  int
	// CrossTenant asks for every authorized tenant instead of only the
	// active one. For GLOBAL callers it also needs tenant:cross_read and is
	// audited.
	CrossTenant bool
}

// Record is a row keyed by column name
type Record map[string]any

// Clone returns a shallow copy
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

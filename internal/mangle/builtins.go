package mangle

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"nerdkernel/internal/types"
)

// ErrBuiltinType is returned when a builtin receives an operand of the wrong kind.
var ErrBuiltinType = errors.New("builtin operand type error")

// Function computes a value from bound arguments.
type Function func(args []types.Value) (types.Value, error)

// Predicate tests bound arguments.
type Predicate func(args []types.Value) (bool, error)

// Aggregator reduces the values of one group. For fn:count the values are
// the grouped rows and only their number matters.
type Aggregator func(vals []types.Value) (types.Value, error)

type builtin[T any] struct {
	impl  T
	arity int // -1 accepts one or more
}

// The registry is fixed at compile time. Literals carry the resolved
// implementation so evaluation never looks a name up.
var (
	functions = map[string]builtin[Function]{
		"fn:plus":  {arith(addInt), -1},
		"fn:minus": {arith(subInt), 2},
		"fn:mult":  {arith(mulInt), -1},
		"fn:div": {arith(func(a, b int64) (int64, error) {
			if b == 0 {
				return 0, fmt.Errorf("%w: division by zero", ErrBuiltinType)
			}
			if a == math.MinInt64 && b == -1 {
				return 0, overflow("div", a, b)
			}
			return a / b, nil
		}), 2},
		"fn:max": {arith(func(a, b int64) (int64, error) { return max(a, b), nil }), -1},
		"fn:min": {arith(func(a, b int64) (int64, error) { return min(a, b), nil }), -1},
		"fn:abs": {func(args []types.Value) (types.Value, error) {
			n, err := intArg(args[0])
			if err != nil {
				return types.Value{}, err
			}
			if n == math.MinInt64 {
				return types.Value{}, fmt.Errorf("%w: abs(%d) overflows int64", ErrBuiltinType, n)
			}
			if n < 0 {
				n = -n
			}
			return types.Int(n), nil
		}, 1},
		"fn:string:concat": {func(args []types.Value) (types.Value, error) {
			var sb strings.Builder
			for _, a := range args {
				switch a.Kind() {
				case types.KindString, types.KindName:
					sb.WriteString(a.Text())
				default:
					sb.WriteString(a.String())
				}
			}
			return types.String(sb.String()), nil
		}, -1},
	}

	predicates = map[string]builtin[Predicate]{
		":lt":                 {compare(func(c int) bool { return c < 0 }), 2},
		":le":                 {compare(func(c int) bool { return c <= 0 }), 2},
		":gt":                 {compare(func(c int) bool { return c > 0 }), 2},
		":ge":                 {compare(func(c int) bool { return c >= 0 }), 2},
		":string:contains":    {stringTest(strings.Contains), 2},
		":string:starts_with": {stringTest(strings.HasPrefix), 2},
		":string:ends_with":   {stringTest(strings.HasSuffix), 2},
	}

	aggregators = map[string]builtin[Aggregator]{
		"fn:count": {func(vals []types.Value) (types.Value, error) {
			return types.Int(int64(len(vals))), nil
		}, 0},
		"fn:sum": {foldInts(addInt), 1},
		"fn:max": {foldInts(func(acc, n int64) (int64, error) { return max(acc, n), nil }), 1},
		"fn:min": {foldInts(func(acc, n int64) (int64, error) { return min(acc, n), nil }), 1},
	}
)

// LookupFunction resolves an fn: function.
func LookupFunction(name string, arity int) (Function, error) {
	b, ok := functions[name]
	if !ok {
		return nil, fmt.Errorf("%w: function %s", ErrUnknownBuiltin, name)
	}
	if err := checkArity(name, b.arity, arity); err != nil {
		return nil, err
	}
	return b.impl, nil
}

// LookupPredicate resolves a builtin predicate.
func LookupPredicate(name string, arity int) (Predicate, error) {
	b, ok := predicates[name]
	if !ok {
		return nil, fmt.Errorf("%w: predicate %s", ErrUnknownBuiltin, name)
	}
	if err := checkArity(name, b.arity, arity); err != nil {
		return nil, err
	}
	return b.impl, nil
}

// LookupAggregator resolves an aggregation function.
func LookupAggregator(name string, arity int) (Aggregator, error) {
	b, ok := aggregators[name]
	if !ok {
		return nil, fmt.Errorf("%w: aggregate %s", ErrUnknownBuiltin, name)
	}
	if err := checkArity(name, b.arity, arity); err != nil {
		return nil, err
	}
	return b.impl, nil
}

// Builtins lists the registered names, for `nerd check -v`.
func Builtins() []string {
	var out []string
	for n := range functions {
		out = append(out, n)
	}
	for n := range predicates {
		out = append(out, n)
	}
	for n := range aggregators {
		if _, dup := functions[n]; !dup {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func checkArity(name string, want, got int) error {
	if want < 0 {
		if got < 1 {
			return fmt.Errorf("%w: %s needs at least one argument", ErrUnknownBuiltin, name)
		}
		return nil
	}
	if want != got {
		return fmt.Errorf("%w: %s takes %d arguments, got %d", ErrUnknownBuiltin, name, want, got)
	}
	return nil
}

func intArg(v types.Value) (int64, error) {
	n, ok := v.IntValue()
	if !ok {
		return 0, fmt.Errorf("%w: want int, got %s %s", ErrBuiltinType, v.Kind(), v)
	}
	return n, nil
}

func overflow(op string, a, b int64) error {
	return fmt.Errorf("%w: %s(%d, %d) overflows int64", ErrBuiltinType, op, a, b)
}

func addInt(a, b int64) (int64, error) {
	c := a + b
	if (b > 0 && c < a) || (b < 0 && c > a) {
		return 0, overflow("plus", a, b)
	}
	return c, nil
}

func subInt(a, b int64) (int64, error) {
	c := a - b
	if (b > 0 && c > a) || (b < 0 && c < a) {
		return 0, overflow("minus", a, b)
	}
	return c, nil
}

func mulInt(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	c := a * b
	if c/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, overflow("mult", a, b)
	}
	return c, nil
}

func arith(op func(a, b int64) (int64, error)) Function {
	return func(args []types.Value) (types.Value, error) {
		acc, err := intArg(args[0])
		if err != nil {
			return types.Value{}, err
		}
		for _, a := range args[1:] {
			n, err := intArg(a)
			if err != nil {
				return types.Value{}, err
			}
			if acc, err = op(acc, n); err != nil {
				return types.Value{}, err
			}
		}
		return types.Int(acc), nil
	}
}

// compare orders same-kind values. Integers compare numerically, names
// and strings lexically. Mixed kinds are a type error.
func compare(test func(int) bool) Predicate {
	return func(args []types.Value) (bool, error) {
		a, b := args[0], args[1]
		if a.Kind() != b.Kind() {
			return false, fmt.Errorf("%w: cannot compare %s with %s", ErrBuiltinType, a.Kind(), b.Kind())
		}
		return test(a.Compare(b)), nil
	}
}

func stringTest(test func(s, sub string) bool) Predicate {
	return func(args []types.Value) (bool, error) {
		a, b := args[0], args[1]
		if a.Kind() != types.KindString && a.Kind() != types.KindName {
			return false, fmt.Errorf("%w: want string, got %s", ErrBuiltinType, a.Kind())
		}
		return test(a.Text(), b.Text()), nil
	}
}

func foldInts(op func(acc, n int64) (int64, error)) Aggregator {
	return func(vals []types.Value) (types.Value, error) {
		if len(vals) == 0 {
			return types.Value{}, fmt.Errorf("%w: empty group", ErrBuiltinType)
		}
		acc, err := intArg(vals[0])
		if err != nil {
			return types.Value{}, err
		}
		for _, v := range vals[1:] {
			n, err := intArg(v)
			if err != nil {
				return types.Value{}, err
			}
			if acc, err = op(acc, n); err != nil {
				return types.Value{}, err
			}
		}
		return types.Int(acc), nil
	}
}

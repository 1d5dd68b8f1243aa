// Package types provides the value model shared by every kernel package:
// typed atoms, facts and activation scores.
// Types in this package are foundational data structures with no complex dependencies.
package types

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/mangle/ast"
	"github.com/google/uuid"
)

// =============================================================================
// VALUES
// =============================================================================

// Kind is the runtime type of a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindName         // /symbol
	KindString       // "text"
	KindInt          // 42
	KindBool         // /true, /false
)

func (k Kind) String() string {
	switch k {
	case KindName:
		return "name"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

var (
	// ErrFloatValue is returned when a float reaches the fact model.
	// Confidence and activation are 0-100 integers.
	ErrFloatValue = errors.New("floating point values are not supported")
	// ErrUnsupportedValue is returned for Go values with no atom representation.
	ErrUnsupportedValue = errors.New("unsupported value type")
	// ErrNegativeScore is returned when a score would fall below zero.
	ErrNegativeScore = errors.New("score must not be negative")
)

// Value is an immutable atom. The zero Value is invalid.
// Value is comparable and may be used as a map key.
type Value struct {
	kind Kind
	str  string
	num  int64
}

// Name returns a name constant. A missing leading slash is added.
// The names /true and /false normalize to booleans.
func Name(s string) Value {
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	switch s {
	case "/true":
		return Bool(true)
	case "/false":
		return Bool(false)
	}
	return Value{kind: KindName, str: s}
}

// String returns a string constant.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int returns an integer constant.
func Int(n int64) Value { return Value{kind: KindInt, num: n} }

// Bool returns a boolean constant.
func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, num: 1}
	}
	return Value{kind: KindBool}
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Text returns the payload of a name or string value.
func (v Value) Text() string { return v.str }

// IntValue returns the payload of an integer value.
func (v Value) IntValue() (int64, bool) {
	return v.num, v.kind == KindInt
}

// BoolValue returns the payload of a boolean value.
func (v Value) BoolValue() (bool, bool) {
	return v.num == 1, v.kind == KindBool
}

// Compare orders values by kind, then by payload.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		if v.kind < o.kind {
			return -1
		}
		return 1
	}
	switch v.kind {
	case KindInt, KindBool:
		switch {
		case v.num < o.num:
			return -1
		case v.num > o.num:
			return 1
		}
		return 0
	default:
		return strings.Compare(v.str, o.str)
	}
}

// String returns the Datalog text form of the value.
func (v Value) String() string {
	switch v.kind {
	case KindName:
		return v.str
	case KindString:
		return strconv.Quote(v.str)
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindBool:
		if v.num == 1 {
			return "/true"
		}
		return "/false"
	default:
		return "<invalid>"
	}
}

// FromGo converts a plain Go value into a Value.
// Strings that look like Mangle name constants become names; file paths stay strings.
func FromGo(x interface{}) (Value, error) {
	switch t := x.(type) {
	case Value:
		return t, nil
	case Score:
		return Int(int64(t)), nil
	case string:
		if isNameConstant(t) {
			return Name(t), nil
		}
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint32:
		return Int(int64(t)), nil
	case float32, float64:
		return Value{}, fmt.Errorf("%w: %v", ErrFloatValue, t)
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, x)
	}
}

func isNameConstant(v string) bool {
	if !strings.HasPrefix(v, "/") || len(v) < 2 {
		return false
	}
	if strings.ContainsAny(v, " \t\n\r\"") {
		return false
	}
	// More than two segments or a file extension means a path.
	if strings.Count(v, "/") > 2 || strings.Contains(v[1:], ".") {
		return false
	}
	_, err := ast.Name(v)
	return err == nil
}

// =============================================================================
// SCORES
// =============================================================================

// Score is an integer relevance or confidence weight. 0-100 is the nominal
// range; derived activation may exceed 100.
type Score int64

const (
	MinScore Score = 0
	MaxScore Score = 100
)

// NewScore validates n as a score.
func NewScore(n int64) (Score, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeScore, n)
	}
	return Score(n), nil
}

// ScoreOf reads a score from an integer value.
func ScoreOf(v Value) (Score, bool) {
	n, ok := v.IntValue()
	if !ok || n < 0 {
		return 0, false
	}
	return Score(n), true
}

// Clamp limits the score to the nominal 0-100 range.
func (s Score) Clamp() Score {
	if s < MinScore {
		return MinScore
	}
	if s > MaxScore {
		return MaxScore
	}
	return s
}

func (s Score) Value() Value { return Int(int64(s)) }

// =============================================================================
// FACTS
// =============================================================================

// factNamespace seeds the deterministic fact ids.
var factNamespace = uuid.MustParse("6f1d3b7e-2c4a-5e8f-9a0b-1c2d3e4f5a6b")

// Fact represents a single logical fact (atom) in the EDB or IDB.
type Fact struct {
	Predicate string
	Args      []Value
}

// NewFact builds a fact from typed values.
func NewFact(pred string, args ...Value) Fact {
	return Fact{Predicate: pred, Args: args}
}

// MakeFact builds a fact from plain Go values.
func MakeFact(pred string, args ...interface{}) (Fact, error) {
	vals := make([]Value, len(args))
	for i, a := range args {
		v, err := FromGo(a)
		if err != nil {
			return Fact{}, fmt.Errorf("%s arg %d: %w", pred, i, err)
		}
		vals[i] = v
	}
	return Fact{Predicate: pred, Args: vals}, nil
}

// MustFact is MakeFact for static data; it panics on conversion errors.
func MustFact(pred string, args ...interface{}) Fact {
	f, err := MakeFact(pred, args...)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Fact) Arity() int { return len(f.Args) }

// String returns the Datalog string representation of the fact.
func (f Fact) String() string {
	var sb strings.Builder
	sb.WriteString(f.Predicate)
	sb.WriteByte('(')
	for i, a := range f.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

// Key is the canonical identity of the fact.
func (f Fact) Key() string { return f.String() }

// ID is a stable identifier derived from the canonical form.
func (f Fact) ID() string {
	return uuid.NewSHA1(factNamespace, []byte(f.Key())).String()
}

// Equal reports whether two facts are identical.
func (f Fact) Equal(o Fact) bool {
	if f.Predicate != o.Predicate || len(f.Args) != len(o.Args) {
		return false
	}
	for i := range f.Args {
		if f.Args[i] != o.Args[i] {
			return false
		}
	}
	return true
}

// Compare orders facts by predicate, then argument-wise.
func (f Fact) Compare(o Fact) int {
	if c := strings.Compare(f.Predicate, o.Predicate); c != 0 {
		return c
	}
	for i := 0; i < len(f.Args) && i < len(o.Args); i++ {
		if c := f.Args[i].Compare(o.Args[i]); c != 0 {
			return c
		}
	}
	return len(f.Args) - len(o.Args)
}

// SortFacts sorts facts into their canonical order in place.
func SortFacts(facts []Fact) {
	sort.Slice(facts, func(i, j int) bool { return facts[i].Compare(facts[j]) < 0 })
}

// ToAtom converts the fact to a Mangle AST atom.
func (f Fact) ToAtom() (ast.Atom, error) {
	terms := make([]ast.BaseTerm, len(f.Args))
	for i, v := range f.Args {
		c, err := v.toConstant()
		if err != nil {
			return ast.Atom{}, fmt.Errorf("%s arg %d: %w", f.Predicate, i, err)
		}
		terms[i] = c
	}
	return ast.NewAtom(f.Predicate, terms...), nil
}

func (v Value) toConstant() (ast.Constant, error) {
	switch v.kind {
	case KindName:
		return ast.Name(v.str)
	case KindString:
		return ast.String(v.str), nil
	case KindInt:
		return ast.Number(v.num), nil
	case KindBool:
		if v.num == 1 {
			return ast.TrueConstant, nil
		}
		return ast.FalseConstant, nil
	default:
		return ast.Constant{}, ErrUnsupportedValue
	}
}

// ValueFromConstant converts a Mangle constant into a Value.
func ValueFromConstant(c ast.Constant) (Value, error) {
	switch c.Type {
	case ast.NameType:
		return Name(c.Symbol), nil
	case ast.StringType:
		return String(c.Symbol), nil
	case ast.NumberType:
		return Int(c.NumValue), nil
	case ast.Float64Type:
		return Value{}, fmt.Errorf("%w: %s", ErrFloatValue, c.String())
	default:
		return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedValue, c.String())
	}
}

// FactFromAtom converts a ground Mangle atom into a Fact.
func FactFromAtom(a ast.Atom) (Fact, error) {
	args := make([]Value, len(a.Args))
	for i, t := range a.Args {
		c, ok := t.(ast.Constant)
		if !ok {
			return Fact{}, fmt.Errorf("%s arg %d is not ground: %v", a.Predicate.Symbol, i, t)
		}
		v, err := ValueFromConstant(c)
		if err != nil {
			return Fact{}, fmt.Errorf("%s arg %d: %w", a.Predicate.Symbol, i, err)
		}
		args[i] = v
	}
	return Fact{Predicate: a.Predicate.Symbol, Args: args}, nil
}

package mangle

import (
	"fmt"
	"strings"

	"nerdkernel/internal/types"
)

// Term is a variable, a constant or a function application.
type Term struct {
	Var   string      // set for variables; "_" is the wildcard
	Const types.Value // set for constants
	Call  *Call       // set for fn: applications
}

// Call is a resolved function application.
type Call struct {
	Name string
	Fn   Function
	Args []Term
}

func Var(name string) Term { return Term{Var: name} }
func Const(v types.Value) Term { return Term{Const: v} }
func (t Term) IsVar() bool { return t.Var != "" }
func (t Term) IsWildcard() bool { return t.Var == "_" }
func (t Term) IsConst() bool { return t.Const.IsValid() }
func (t Term) IsCall() bool { return t.Call != nil }

func (t Term) String() string {
	switch {
	case t.IsVar():
		return t.Var
	case t.IsCall():
		args := make([]string, len(t.Call.Args))
		for i, a := range t.Call.Args {
			args[i] = a.String()
		}
		return fmt.Sprintf("%s(%s)", t.Call.Name, strings.Join(args, ", "))
	default:
		return t.Const.String()
	}
}

// vars appends every variable (wildcards excluded) of t to out.
func (t Term) vars(out []string) []string {
	switch {
	case t.IsVar() && !t.IsWildcard():
		return append(out, t.Var)
	case t.IsCall():
		for _, a := range t.Call.Args {
			out = a.vars(out)
		}
	}
	return out
}

// Atom is a predicate applied to terms.
type Atom struct {
	Pred string
	Args []Term
}

func (a Atom) String() string {
	args := make([]string, len(a.Args))
	for i, t := range a.Args {
		args[i] = t.String()
	}
	return fmt.Sprintf("%s(%s)", a.Pred, strings.Join(args, ", "))
}

// LiteralKind classifies body literals.
type LiteralKind uint8

const (
	LitPositive LiteralKind = iota
	LitNegated
	LitBuiltin // :lt, :string:contains, ...
	LitEqual   // X = Y with both sides bound
	LitNotEqual
	LitAssign // X = expr with X unbound
)

func (k LiteralKind) String() string {
	switch k {
	case LitPositive:
		return "positive"
	case LitNegated:
		return "negated"
	case LitBuiltin:
		return "builtin"
	case LitEqual:
		return "equal"
	case LitNotEqual:
		return "not_equal"
	default:
		return "assign"
	}
}

// Literal is one body element. For LitEqual, LitNotEqual and LitAssign the
// two operands are Atom.Args[0] and Atom.Args[1]; an assignment binds the
// variable in Args[0].
type Literal struct {
	Kind    LiteralKind
	Atom    Atom
	Builtin Predicate
}

func (l Literal) String() string {
	switch l.Kind {
	case LitNegated:
		return "!" + l.Atom.String()
	case LitEqual, LitAssign:
		return fmt.Sprintf("%s = %s", l.Atom.Args[0], l.Atom.Args[1])
	case LitNotEqual:
		return fmt.Sprintf("%s != %s", l.Atom.Args[0], l.Atom.Args[1])
	default:
		return l.Atom.String()
	}
}

// Relational reports whether the literal reads a relation.
func (l Literal) Relational() bool { return l.Kind == LitPositive || l.Kind == LitNegated }

// AggLet is one "let V = fn:agg(X)" of a transform.
type AggLet struct {
	Var string
	Agg Aggregator
	Fn  string
	Arg string // empty for fn:count()
}

// Aggregate is the "|> do fn:group_by(...), let ..." transform of a rule.
type Aggregate struct {
	GroupBy []string
	Lets    []AggLet
}

// Rule is a compiled clause.
type Rule struct {
	Name     string
	Priority int
	Head     Atom
	Body     []Literal
	Agg      *Aggregate
	Pos      Pos
	Learned  bool
}

func (r *Rule) String() string {
	var sb strings.Builder
	sb.WriteString(r.Head.String())
	if len(r.Body) > 0 {
		sb.WriteString(" :- ")
		for i, l := range r.Body {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(l.String())
		}
	}
	if r.Agg != nil {
		sb.WriteString(" |> do fn:group_by(")
		sb.WriteString(strings.Join(r.Agg.GroupBy, ", "))
		sb.WriteString(")")
		for _, l := range r.Agg.Lets {
			fmt.Fprintf(&sb, ", let %s = %s(%s)", l.Var, l.Fn, l.Arg)
		}
	}
	sb.WriteString(".")
	return sb.String()
}

// BodyPredicates returns the relational predicates read by the rule.
func (r *Rule) BodyPredicates() []string {
	var out []string
	for _, l := range r.Body {
		if l.Relational() {
			out = append(out, l.Atom.Pred)
		}
	}
	return out
}

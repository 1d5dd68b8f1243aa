package mangle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/mangle/ast"

	"nerdkernel/internal/types"
)

// lowerClause converts a parsed clause into the rule IR. Equalities are
// lowered as LitEqual; checkSafety later decides which of them assign.
func lowerClause(c ast.Clause) (*Rule, error) {
	head, err := lowerAtom(c.Head, false)
	if err != nil {
		return nil, err
	}
	r := &Rule{Head: head}
	for _, p := range c.Premises {
		lit, err := lowerPremise(p)
		if err != nil {
			return nil, err
		}
		r.Body = append(r.Body, lit)
	}
	if c.Transform != nil {
		agg, err := lowerTransform(*c.Transform)
		if err != nil {
			return nil, err
		}
		r.Agg = agg
	}
	return r, nil
}

func lowerPremise(p ast.Term) (Literal, error) {
	switch t := p.(type) {
	case ast.Atom:
		if strings.HasPrefix(t.Predicate.Symbol, ":") {
			a, err := lowerAtom(t, true)
			if err != nil {
				return Literal{}, err
			}
			impl, err := LookupPredicate(a.Pred, len(a.Args))
			if err != nil {
				return Literal{}, err
			}
			return Literal{Kind: LitBuiltin, Atom: a, Builtin: impl}, nil
		}
		a, err := lowerAtom(t, false)
		if err != nil {
			return Literal{}, err
		}
		return Literal{Kind: LitPositive, Atom: a}, nil
	case ast.NegAtom:
		if strings.HasPrefix(t.Atom.Predicate.Symbol, ":") {
			return Literal{}, fmt.Errorf("%w: negated builtin %s", ErrUnsupportedTerm, t.Atom.Predicate.Symbol)
		}
		a, err := lowerAtom(t.Atom, false)
		if err != nil {
			return Literal{}, err
		}
		return Literal{Kind: LitNegated, Atom: a}, nil
	case ast.Eq:
		return lowerBinary(LitEqual, t.Left, t.Right)
	case ast.Ineq:
		return lowerBinary(LitNotEqual, t.Left, t.Right)
	default:
		return Literal{}, fmt.Errorf("%w: premise %v", ErrUnsupportedTerm, p)
	}
}

func lowerBinary(kind LiteralKind, left, right ast.BaseTerm) (Literal, error) {
	l, err := lowerTerm(left, true)
	if err != nil {
		return Literal{}, err
	}
	r, err := lowerTerm(right, true)
	if err != nil {
		return Literal{}, err
	}
	return Literal{Kind: kind, Atom: Atom{Args: []Term{l, r}}}, nil
}

// lowerAtom lowers a relational or builtin atom. Function applications are
// only allowed as builtin operands.
func lowerAtom(a ast.Atom, allowCalls bool) (Atom, error) {
	out := Atom{Pred: a.Predicate.Symbol, Args: make([]Term, len(a.Args))}
	for i, arg := range a.Args {
		t, err := lowerTerm(arg, allowCalls)
		if err != nil {
			return Atom{}, fmt.Errorf("%s arg %d: %w", out.Pred, i, err)
		}
		out.Args[i] = t
	}
	return out, nil
}

func lowerTerm(bt ast.BaseTerm, allowCalls bool) (Term, error) {
	switch t := bt.(type) {
	case ast.Variable:
		return Var(t.Symbol), nil
	case ast.Constant:
		v, err := types.ValueFromConstant(t)
		if err != nil {
			if errors.Is(err, types.ErrFloatValue) {
				return Term{}, fmt.Errorf("%w: float %s, use integer scores", ErrUnsupportedTerm, t)
			}
			return Term{}, fmt.Errorf("%w: %s", ErrUnsupportedTerm, t)
		}
		return Const(v), nil
	case ast.ApplyFn:
		if !allowCalls {
			return Term{}, fmt.Errorf("%w: function %s outside an assignment or comparison", ErrUnsupportedTerm, t.Function.Symbol)
		}
		fn, err := LookupFunction(t.Function.Symbol, len(t.Args))
		if err != nil {
			return Term{}, err
		}
		call := &Call{Name: t.Function.Symbol, Fn: fn, Args: make([]Term, len(t.Args))}
		for i, a := range t.Args {
			arg, err := lowerTerm(a, true)
			if err != nil {
				return Term{}, err
			}
			call.Args[i] = arg
		}
		return Term{Call: call}, nil
	default:
		return Term{}, fmt.Errorf("%w: %v", ErrUnsupportedTerm, bt)
	}
}

func lowerTransform(tr ast.Transform) (*Aggregate, error) {
	agg := &Aggregate{}
	for i, st := range tr.Statements {
		name := st.Fn.Function.Symbol
		if st.Var == nil {
			if i != 0 || name != "fn:group_by" {
				return nil, fmt.Errorf("%w: transform must start with do fn:group_by, got %s", ErrUnsupportedTerm, name)
			}
			for _, a := range st.Fn.Args {
				v, ok := a.(ast.Variable)
				if !ok {
					return nil, fmt.Errorf("%w: group_by over non-variable %v", ErrUnsupportedTerm, a)
				}
				agg.GroupBy = append(agg.GroupBy, v.Symbol)
			}
			continue
		}
		if i == 0 {
			return nil, fmt.Errorf("%w: transform must start with do fn:group_by", ErrUnsupportedTerm)
		}
		impl, err := LookupAggregator(name, len(st.Fn.Args))
		if err != nil {
			return nil, err
		}
		let := AggLet{Var: st.Var.Symbol, Agg: impl, Fn: name}
		if len(st.Fn.Args) == 1 {
			v, ok := st.Fn.Args[0].(ast.Variable)
			if !ok {
				return nil, fmt.Errorf("%w: %s over non-variable %v", ErrUnsupportedTerm, name, st.Fn.Args[0])
			}
			let.Arg = v.Symbol
		}
		agg.Lets = append(agg.Lets, let)
	}
	if len(agg.Lets) == 0 {
		return nil, fmt.Errorf("%w: transform without let", ErrUnsupportedTerm)
	}
	return agg, nil
}

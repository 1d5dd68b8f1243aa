package mangle

import (
	"fmt"
	"strings"

	"github.com/google/mangle/parse"

	"nerdkernel/internal/types"
)

// ParseFact parses one ground atom such as `user_intent(/i1, /mutation, /fix, "auth.go", /q1)`.
// A trailing '.' is accepted.
func ParseFact(s string) (types.Fact, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), ".")
	atom, err := parse.Atom(s)
	if err != nil {
		return types.Fact{}, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return types.FactFromAtom(atom)
}

// ParseFacts parses a file of ground facts. Rules are rejected.
func ParseFacts(name, text string) ([]types.Fact, error) {
	stmts, err := splitStatements(text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", name, ErrSyntax, err)
	}
	var (
		out   []types.Fact
		diags diagnostics
	)
	for _, st := range stmts {
		pos := Pos{File: name, Line: st.Line}
		unit, err := parse.Unit(strings.NewReader(st.Text))
		if err != nil {
			diags.add(pos, "", fmt.Errorf("%w: %v", ErrSyntax, err))
			continue
		}
		for _, c := range unit.Clauses {
			if len(c.Premises) > 0 || c.Transform != nil {
				diags.add(pos, "", fmt.Errorf("%w: rule in fact file", ErrSyntax))
				continue
			}
			f, err := types.FactFromAtom(c.Head)
			if err != nil {
				diags.add(pos, "", fmt.Errorf("%w: %v", ErrUnsupportedTerm, err))
				continue
			}
			out = append(out, f)
		}
	}
	if err := diags.err(); err != nil {
		return nil, err
	}
	return out, nil
}

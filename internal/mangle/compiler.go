// Package mangle compiles Mangle-syntax rule sets into stratified programs
// for the kernel's fixpoint evaluator. Parsing is delegated to
// github.com/google/mangle/parse; safety, builtin resolution and
// stratification happen here so that every problem is reported with a
// file and line before any cycle runs.
package mangle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/mangle/ast"
	"github.com/google/mangle/parse"

	"nerdkernel/internal/logging"
	"nerdkernel/internal/types"
)

// ProtectedPredicates may only be defined by trusted (non-learned) sources.
var ProtectedPredicates = map[string]bool{
	"permitted":         true,
	"final_action":      true,
	"permission_denied": true,
	"safe_action":       true,
	"dangerous_action":  true,
	"override_active":   true,
	"admin_override":    true,
	"signed_approval":   true,
}

// Stratum is one evaluation layer.
type Stratum struct {
	Index      int
	Predicates []string
	Rules      []*Rule
}

// Program is a compiled, stratified rule set.
type Program struct {
	Rules []*Rule
	// Facts are the ground clauses found in rule files.
	Facts []types.Fact

	strata  []Stratum
	stratum map[string]int
	arity   map[string]int
	derived map[string]bool
	byName  map[string]*Rule
	graph   *depGraph
}

// Strata returns the layers in evaluation order.
func (p *Program) Strata() []Stratum { return p.strata }

// StratumOf returns the stratum of pred.
func (p *Program) StratumOf(pred string) (int, bool) {
	s, ok := p.stratum[pred]
	return s, ok
}

// Arity returns the arity of pred as used by the program.
func (p *Program) Arity(pred string) (int, bool) {
	n, ok := p.arity[pred]
	return n, ok
}

// IsDerived reports whether some rule defines pred.
func (p *Program) IsDerived(pred string) bool { return p.derived[pred] }

// Rule looks a rule up by name.
func (p *Program) Rule(name string) *Rule { return p.byName[name] }

// Predicates lists every predicate the program mentions.
func (p *Program) Predicates() []string {
	out := make([]string, 0, len(p.arity))
	for pred := range p.arity {
		out = append(out, pred)
	}
	sort.Strings(out)
	return out
}

// Dependents returns the derived predicates whose extension can change
// when any of preds changes, transitively.
func (p *Program) Dependents(preds ...string) map[string]bool {
	out := make(map[string]bool)
	for pred := range p.graph.reachable(preds) {
		if p.derived[pred] {
			out[pred] = true
		}
	}
	return out
}

// Compile parses, checks and stratifies the given sources as one program.
// Any diagnostic rejects the whole set; the error is a *LoadError.
func Compile(sources ...Source) (*Program, error) {
	timer := logging.StartTimer(logging.CategoryMangle, "Compile")
	defer timer.Stop()

	c := &compiler{
		arity:    make(map[string]int),
		arityPos: make(map[string]Pos),
		names:    make(map[string]Pos),
		prog: &Program{
			derived: make(map[string]bool),
			byName:  make(map[string]*Rule),
		},
	}
	for _, src := range sources {
		c.compileSource(src)
	}
	if err := c.diags.err(); err != nil {
		logging.Get(logging.CategoryMangle).Warn("Rule set rejected: %d diagnostics", len(c.diags))
		return nil, err
	}

	prog := c.prog
	prog.arity = c.arity
	prog.graph = buildGraph(prog.Rules, c.arity)
	levels, err := prog.graph.stratify()
	if err != nil {
		return nil, err
	}
	prog.stratum = levels
	prog.buildStrata()

	logging.Mangle("Compiled %d rules, %d facts into %d strata from %d sources",
		len(prog.Rules), len(prog.Facts), len(prog.strata), len(sources))
	return prog, nil
}

// CompileText compiles a single in-memory source.
func CompileText(name, text string) (*Program, error) {
	return Compile(Source{Name: name, Text: text})
}

func (p *Program) buildStrata() {
	top := 0
	for _, s := range p.stratum {
		top = max(top, s)
	}
	p.strata = make([]Stratum, top+1)
	for i := range p.strata {
		p.strata[i].Index = i
	}
	for _, pred := range p.Predicates() {
		s := p.stratum[pred]
		p.strata[s].Predicates = append(p.strata[s].Predicates, pred)
	}
	for _, r := range p.Rules {
		s := p.stratum[r.Head.Pred]
		p.strata[s].Rules = append(p.strata[s].Rules, r)
	}
}

type compiler struct {
	prog     *Program
	diags    diagnostics
	arity    map[string]int
	arityPos map[string]Pos
	names    map[string]Pos
}

func (c *compiler) compileSource(src Source) {
	stmts, err := splitStatements(src.Text)
	if err != nil {
		c.diags.add(Pos{File: src.Name}, "", fmt.Errorf("%w: %v", ErrSyntax, err))
		return
	}
	for _, st := range stmts {
		pos := Pos{File: src.Name, Line: st.Line}
		unit, err := parse.Unit(strings.NewReader(st.Text))
		if err != nil {
			c.diags.add(pos, st.Name, fmt.Errorf("%w: %v", ErrSyntax, err))
			continue
		}
		for _, d := range unit.Decls {
			c.declare(d, pos)
		}
		for i, clause := range unit.Clauses {
			name := st.Name
			if name == "" {
				name = pos.String()
			}
			if i > 0 {
				name = fmt.Sprintf("%s#%d", name, i)
			}
			c.compileClause(clause, src, pos, name, st.Priority)
		}
	}
}

func (c *compiler) declare(d ast.Decl, pos Pos) {
	sym := d.DeclaredAtom.Predicate.Symbol
	if sym == "" || sym == "Package" || sym == "Use" {
		return
	}
	c.noteArity(sym, len(d.DeclaredAtom.Args), pos, "")
}

func (c *compiler) compileClause(clause ast.Clause, src Source, pos Pos, name string, prio int) {
	r, err := lowerClause(clause)
	if err != nil {
		c.diags.add(pos, name, err)
		return
	}
	r.Name, r.Priority, r.Pos, r.Learned = name, prio, pos, src.Learned

	if src.Learned && ProtectedPredicates[r.Head.Pred] {
		c.diags.add(pos, name, fmt.Errorf("%w: %s", ErrProtectedPredicate, r.Head.Pred))
		return
	}
	if err := checkSafety(r); err != nil {
		c.diags.add(pos, name, err)
		return
	}

	c.noteArity(r.Head.Pred, len(r.Head.Args), pos, name)
	for _, l := range r.Body {
		if l.Relational() {
			c.noteArity(l.Atom.Pred, len(l.Atom.Args), pos, name)
		}
	}

	if len(r.Body) == 0 && r.Agg == nil {
		args := make([]types.Value, len(r.Head.Args))
		for i, t := range r.Head.Args {
			args[i] = t.Const
		}
		c.prog.Facts = append(c.prog.Facts, types.NewFact(r.Head.Pred, args...))
		return
	}

	if prev, dup := c.names[name]; dup {
		c.diags.add(pos, name, fmt.Errorf("%w: %s already defined at %s", ErrDuplicateRule, name, prev))
		return
	}
	c.names[name] = pos
	c.prog.Rules = append(c.prog.Rules, r)
	c.prog.byName[name] = r
	c.prog.derived[r.Head.Pred] = true
	logging.MangleDebug("Rule %s: %s", name, r)
}

func (c *compiler) noteArity(pred string, n int, pos Pos, rule string) {
	if prev, ok := c.arity[pred]; ok {
		if prev != n {
			c.diags.add(pos, rule, fmt.Errorf("%w: %s/%d already used as %s/%d at %s",
				ErrArityMismatch, pred, n, pred, prev, c.arityPos[pred]))
		}
		return
	}
	c.arity[pred] = n
	c.arityPos[pred] = pos
}

package mangle

import (
	"errors"
	"fmt"
	"strings"
)

// Load-time sentinels. Any of them rejects the whole rule set.
var (
	ErrSyntax             = errors.New("syntax error")
	ErrUnstratifiable     = errors.New("unstratifiable negation cycle")
	ErrUnsafeRule         = errors.New("unsafe rule")
	ErrUnknownBuiltin     = errors.New("unknown builtin")
	ErrDuplicateRule      = errors.New("duplicate rule name")
	ErrUnsupportedTerm    = errors.New("unsupported term")
	ErrProtectedPredicate = errors.New("learned rule defines protected predicate")
	ErrArityMismatch      = errors.New("predicate arity mismatch")
)

// Pos is a location in a rule source.
type Pos struct {
	File string
	Line int
}

func (p Pos) String() string {
	if p.Line == 0 {
		return p.File
	}
	return fmt.Sprintf("%s:%d", p.File, p.Line)
}

// Diagnostic is one load-time problem.
type Diagnostic struct {
	Pos
	Rule string
	Err  error
}

func (d Diagnostic) Error() string {
	if d.Rule != "" && d.Rule != d.Pos.String() {
		return fmt.Sprintf("%s: rule %s: %v", d.Pos, d.Rule, d.Err)
	}
	return fmt.Sprintf("%s: %v", d.Pos, d.Err)
}

func (d Diagnostic) Unwrap() error { return d.Err }

// LoadError collects every diagnostic of a rejected rule set.
type LoadError struct {
	Diagnostics []Diagnostic
}

func (e *LoadError) Error() string {
	if len(e.Diagnostics) == 1 {
		return e.Diagnostics[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d rule errors:", len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		sb.WriteString("\n  ")
		sb.WriteString(d.Error())
	}
	return sb.String()
}

// Unwrap exposes the diagnostics to errors.Is and errors.As.
func (e *LoadError) Unwrap() []error {
	errs := make([]error, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		errs[i] = d
	}
	return errs
}

type diagnostics []Diagnostic

func (ds *diagnostics) add(pos Pos, rule string, err error) {
	*ds = append(*ds, Diagnostic{Pos: pos, Rule: rule, Err: err})
}

func (ds diagnostics) err() error {
	if len(ds) == 0 {
		return nil
	}
	return &LoadError{Diagnostics: ds}
}

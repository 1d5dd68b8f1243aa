package mangle

import (
	"fmt"
	"sort"
	"strings"
)

// edge is a body-to-head dependency. Negation and aggregation make it
// negative: the body predicate must be complete before the head is derived.
type edge struct {
	to       string
	negative bool
	rule     *Rule
}

type depGraph struct {
	nodes []string
	out   map[string][]edge
}

func buildGraph(rules []*Rule, preds map[string]int) *depGraph {
	g := &depGraph{out: make(map[string][]edge)}
	for p := range preds {
		g.nodes = append(g.nodes, p)
	}
	sort.Strings(g.nodes)
	for _, r := range rules {
		for _, l := range r.Body {
			if !l.Relational() {
				continue
			}
			neg := l.Kind == LitNegated || r.Agg != nil
			g.out[l.Atom.Pred] = append(g.out[l.Atom.Pred], edge{to: r.Head.Pred, negative: neg, rule: r})
		}
	}
	return g
}

// sccs returns the strongly connected components in topological order
// (dependencies first), using Tarjan's algorithm.
func (g *depGraph) sccs() [][]string {
	var (
		index   = make(map[string]int)
		low     = make(map[string]int)
		onStack = make(map[string]bool)
		stack   []string
		next    int
		out     [][]string
	)
	var visit func(v string)
	visit = func(v string) {
		index[v], low[v] = next, next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, e := range g.out[v] {
			if _, seen := index[e.to]; !seen {
				visit(e.to)
				low[v] = min(low[v], low[e.to])
			} else if onStack[e.to] {
				low[v] = min(low[v], index[e.to])
			}
		}
		if low[v] == index[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sort.Strings(comp)
			out = append(out, comp)
		}
	}
	for _, v := range g.nodes {
		if _, seen := index[v]; !seen {
			visit(v)
		}
	}
	// Tarjan emits a component after everything it reaches.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// stratify assigns each predicate the longest negative-edge path leading
// to it. A negative edge inside one component is a cycle through negation.
func (g *depGraph) stratify() (map[string]int, error) {
	comps := g.sccs()
	compOf := make(map[string]int, len(g.nodes))
	for i, c := range comps {
		for _, p := range c {
			compOf[p] = i
		}
	}
	var diags diagnostics
	level := make([]int, len(comps))
	for i, c := range comps {
		for _, p := range c {
			for _, e := range g.out[p] {
				j := compOf[e.to]
				if j == i {
					if e.negative {
						diags.add(e.rule.Pos, e.rule.Name, fmt.Errorf("%w: %s", ErrUnstratifiable, describeCycle(c, p, e)))
					}
					continue
				}
				step := 0
				if e.negative {
					step = 1
				}
				level[j] = max(level[j], level[i]+step)
			}
		}
	}
	if err := diags.err(); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(g.nodes))
	for p, i := range compOf {
		out[p] = level[i]
	}
	return out, nil
}

func describeCycle(comp []string, from string, e edge) string {
	kind := "negates"
	if e.rule.Agg != nil {
		kind = "aggregates"
	}
	return fmt.Sprintf("%s %s %s inside cycle {%s}", e.to, kind, from, strings.Join(comp, ", "))
}

// reachable returns every predicate reachable from seeds, seeds included.
func (g *depGraph) reachable(seeds []string) map[string]bool {
	seen := make(map[string]bool, len(seeds))
	queue := append([]string(nil), seeds...)
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if seen[p] {
			continue
		}
		seen[p] = true
		for _, e := range g.out[p] {
			if !seen[e.to] {
				queue = append(queue, e.to)
			}
		}
	}
	return seen
}

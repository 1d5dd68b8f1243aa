package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"nerdkernel/internal/types"
)

// ErrNoDerivation is returned by Explain for facts that do not hold or
// whose derivation was not recorded.
var ErrNoDerivation = errors.New("no derivation recorded")

// Derivation is the first way a derived fact was produced.
type Derivation struct {
	Rule     string
	Premises []types.Fact
}

// DerivationSource indicates whether a fact came from EDB or IDB.
type DerivationSource string

const (
	SourceEDB DerivationSource = "EDB" // Extensional - base facts
	SourceIDB DerivationSource = "IDB" // Intensional - derived by rules
)

// DerivationNode represents a node in the proof tree.
type DerivationNode struct {
	Fact     types.Fact
	RuleName string
	Source   DerivationSource
	Children []*DerivationNode
	Depth    int
}

// ProofTree is the derivation of one fact down to base facts.
type ProofTree struct {
	Root  *DerivationNode
	Nodes int
}

const maxProofDepth = 32

// Explain builds the proof tree of f. Evaluation must have run with
// explanation enabled.
func (db *Database) Explain(f types.Fact) (*ProofTree, error) {
	if !db.Contains(f) {
		return nil, fmt.Errorf("%w: %s does not hold", ErrNoDerivation, f)
	}
	if _, derived := db.idb[f.Predicate]; derived && db.proofs == nil {
		return nil, fmt.Errorf("%w: evaluation ran without explain", ErrNoDerivation)
	}
	t := &ProofTree{}
	t.Root = db.explainNode(f, 0, make(map[string]bool), t)
	return t, nil
}

func (db *Database) explainNode(f types.Fact, depth int, onPath map[string]bool, t *ProofTree) *DerivationNode {
	t.Nodes++
	n := &DerivationNode{Fact: f, Source: SourceEDB, Depth: depth}
	d, ok := db.proofs[f.Predicate][f.Key()]
	if !ok {
		return n
	}
	n.Source, n.RuleName = SourceIDB, d.Rule
	if depth >= maxProofDepth || onPath[f.Key()] {
		return n
	}
	onPath[f.Key()] = true
	for _, p := range d.Premises {
		n.Children = append(n.Children, db.explainNode(p, depth+1, onPath, t))
	}
	delete(onPath, f.Key())
	return n
}

// RenderASCII renders a proof tree as ASCII art.
func (t *ProofTree) RenderASCII() string {
	var sb strings.Builder
	renderNodeASCII(&sb, t.Root, "", true)
	return sb.String()
}

func renderNodeASCII(sb *strings.Builder, node *DerivationNode, prefix string, isLast bool) {
	connector := "├── "
	if isLast {
		connector = "└── "
	}
	fmt.Fprintf(sb, "%s%s%s %s\n", prefix, connector, node.Fact, sourceTag(node))

	childPrefix := prefix
	if isLast {
		childPrefix += "    "
	} else {
		childPrefix += "│   "
	}
	for i, child := range node.Children {
		renderNodeASCII(sb, child, childPrefix, i == len(node.Children)-1)
	}
}

func sourceTag(n *DerivationNode) string {
	if n.Source == SourceIDB {
		return fmt.Sprintf("[IDB:%s]", n.RuleName)
	}
	return "[EDB]"
}

// RenderMarkdown renders the tree as a nested markdown list for glamour.
func (t *ProofTree) RenderMarkdown() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Why `%s`\n\n", t.Root.Fact)
	var walk func(n *DerivationNode)
	walk = func(n *DerivationNode) {
		indent := strings.Repeat("  ", n.Depth)
		if n.Source == SourceIDB {
			fmt.Fprintf(&sb, "%s- `%s` by rule **%s**\n", indent, n.Fact, n.RuleName)
		} else {
			fmt.Fprintf(&sb, "%s- `%s` *(base fact)*\n", indent, n.Fact)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(t.Root)
	return sb.String()
}

// RenderJSON renders the proof tree as JSON.
func (t *ProofTree) RenderJSON() ([]byte, error) {
	type jsonNode struct {
		Fact     string      `json:"fact"`
		Source   string      `json:"source"`
		Rule     string      `json:"rule,omitempty"`
		Children []*jsonNode `json:"children,omitempty"`
	}
	var convert func(*DerivationNode) *jsonNode
	convert = func(n *DerivationNode) *jsonNode {
		jn := &jsonNode{Fact: n.Fact.String(), Source: string(n.Source), Rule: n.RuleName}
		for _, c := range n.Children {
			jn.Children = append(jn.Children, convert(c))
		}
		return jn
	}
	return json.MarshalIndent(convert(t.Root), "", "  ")
}

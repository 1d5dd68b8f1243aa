package types

import (
	"errors"
	"testing"

	"github.com/google/mangle/ast"
)

func TestFromGo(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want Value
	}{
		{"name constant", "/coder", Name("/coder")},
		{"file path stays string", "/home/user/auth.go", String("/home/user/auth.go")},
		{"plain string", "auth.go", String("auth.go")},
		{"int", 42, Int(42)},
		{"int64", int64(-3), Int(-3)},
		{"bool", true, Bool(true)},
		{"score", Score(80), Int(80)},
		{"true name normalizes", "/true", Bool(true)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromGo(tt.in)
			if err != nil {
				t.Fatalf("FromGo(%v) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("FromGo(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromGoRejectsFloats(t *testing.T) {
	if _, err := FromGo(0.5); !errors.Is(err, ErrFloatValue) {
		t.Fatalf("expected ErrFloatValue, got %v", err)
	}
	if _, err := MakeFact("activation", "x", 0.9); !errors.Is(err, ErrFloatValue) {
		t.Fatalf("expected ErrFloatValue from MakeFact, got %v", err)
	}
}

func TestFactString(t *testing.T) {
	f := MustFact("user_intent", "/i1", "/mutation", "/fix", "auth.go", 90)
	want := `user_intent(/i1, /mutation, /fix, "auth.go", 90)`
	if got := f.String(); got != want {
		t.Errorf("String() = %s, want %s", got, want)
	}
}

func TestFactIDIsStable(t *testing.T) {
	a := MustFact("file_topology", "auth.go", "/go")
	b := MustFact("file_topology", "auth.go", "/go")
	c := MustFact("file_topology", "main.go", "/go")
	if a.ID() != b.ID() {
		t.Error("equal facts must share an id")
	}
	if a.ID() == c.ID() {
		t.Error("different facts must not share an id")
	}
}

func TestFactAtomRoundTrip(t *testing.T) {
	f := MustFact("task_priority", "/t1", "/critical")
	atom, err := f.ToAtom()
	if err != nil {
		t.Fatalf("ToAtom() error = %v", err)
	}
	if atom.Predicate.Symbol != "task_priority" || atom.Predicate.Arity != 2 {
		t.Fatalf("unexpected predicate %v", atom.Predicate)
	}
	back, err := FactFromAtom(atom)
	if err != nil {
		t.Fatalf("FactFromAtom() error = %v", err)
	}
	if !back.Equal(f) {
		t.Errorf("round trip = %v, want %v", back, f)
	}
}

func TestFactFromAtomRejectsFloat(t *testing.T) {
	atom := ast.NewAtom("confidence", ast.Float64(0.7))
	if _, err := FactFromAtom(atom); !errors.Is(err, ErrFloatValue) {
		t.Fatalf("expected ErrFloatValue, got %v", err)
	}
}

func TestScore(t *testing.T) {
	if _, err := NewScore(-1); !errors.Is(err, ErrNegativeScore) {
		t.Fatalf("expected ErrNegativeScore, got %v", err)
	}
	s, err := NewScore(130)
	if err != nil {
		t.Fatal(err)
	}
	if s.Clamp() != MaxScore {
		t.Errorf("Clamp() = %d, want %d", s.Clamp(), MaxScore)
	}
	if got, ok := ScoreOf(Int(55)); !ok || got != 55 {
		t.Errorf("ScoreOf(55) = %d, %v", got, ok)
	}
	if _, ok := ScoreOf(String("55")); ok {
		t.Error("ScoreOf must reject strings")
	}
}

func TestSortFacts(t *testing.T) {
	facts := []Fact{
		MustFact("b", 2),
		MustFact("a", "/z"),
		MustFact("b", 1),
	}
	SortFacts(facts)
	want := []string{"a(/z)", "b(1)", "b(2)"}
	for i, f := range facts {
		if f.String() != want[i] {
			t.Errorf("facts[%d] = %s, want %s", i, f, want[i])
		}
	}
}

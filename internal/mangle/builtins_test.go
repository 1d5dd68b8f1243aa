package mangle

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nerdkernel/internal/types"
)

func TestFunctions(t *testing.T) {
	tests := []struct {
		name string
		args []types.Value
		want int64
	}{
		{"fn:plus", []types.Value{types.Int(2), types.Int(3), types.Int(4)}, 9},
		{"fn:minus", []types.Value{types.Int(10), types.Int(4)}, 6},
		{"fn:mult", []types.Value{types.Int(6), types.Int(7)}, 42},
		{"fn:div", []types.Value{types.Int(7), types.Int(2)}, 3},
		{"fn:max", []types.Value{types.Int(3), types.Int(9), types.Int(1)}, 9},
		{"fn:min", []types.Value{types.Int(3), types.Int(9)}, 3},
		{"fn:abs", []types.Value{types.Int(-5)}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := LookupFunction(tt.name, len(tt.args))
			require.NoError(t, err)
			got, err := fn(tt.args)
			require.NoError(t, err)
			assert.Equal(t, types.Int(tt.want), got)
		})
	}
}

func TestFunctionErrors(t *testing.T) {
	div, err := LookupFunction("fn:div", 2)
	require.NoError(t, err)
	_, err = div([]types.Value{types.Int(1), types.Int(0)})
	assert.ErrorIs(t, err, ErrBuiltinType)

	plus, _ := LookupFunction("fn:plus", 2)
	_, err = plus([]types.Value{types.Int(1), types.String("x")})
	assert.ErrorIs(t, err, ErrBuiltinType)

	_, err = LookupFunction("fn:minus", 3)
	assert.ErrorIs(t, err, ErrUnknownBuiltin)
}

func TestArithmeticOverflow(t *testing.T) {
	tests := []struct {
		name string
		args []types.Value
	}{
		{"fn:plus", []types.Value{types.Int(math.MaxInt64), types.Int(1)}},
		{"fn:plus", []types.Value{types.Int(math.MinInt64), types.Int(-1)}},
		{"fn:minus", []types.Value{types.Int(math.MinInt64), types.Int(1)}},
		{"fn:mult", []types.Value{types.Int(math.MaxInt64 / 2), types.Int(3)}},
		{"fn:mult", []types.Value{types.Int(math.MinInt64), types.Int(-1)}},
		{"fn:div", []types.Value{types.Int(math.MinInt64), types.Int(-1)}},
		{"fn:abs", []types.Value{types.Int(math.MinInt64)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := LookupFunction(tt.name, len(tt.args))
			require.NoError(t, err)
			_, err = fn(tt.args)
			assert.ErrorIs(t, err, ErrBuiltinType)
		})
	}

	plus, _ := LookupFunction("fn:plus", 2)
	got, err := plus([]types.Value{types.Int(math.MaxInt64), types.Int(-1)})
	require.NoError(t, err)
	assert.Equal(t, types.Int(math.MaxInt64-1), got)

	sum, err := LookupAggregator("fn:sum", 1)
	require.NoError(t, err)
	_, err = sum([]types.Value{types.Int(math.MaxInt64), types.Int(1)})
	assert.ErrorIs(t, err, ErrBuiltinType)
}

func TestPredicates(t *testing.T) {
	lt, err := LookupPredicate(":lt", 2)
	require.NoError(t, err)
	ok, err := lt([]types.Value{types.Int(1), types.Int(2)})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = lt([]types.Value{types.Int(1), types.String("2")})
	assert.ErrorIs(t, err, ErrBuiltinType)

	contains, err := LookupPredicate(":string:contains", 2)
	require.NoError(t, err)
	ok, _ = contains([]types.Value{types.String("internal/auth.go"), types.String("auth")})
	assert.True(t, ok)
}

func TestAggregators(t *testing.T) {
	vals := []types.Value{types.Int(40), types.Int(90), types.Int(10)}
	for name, want := range map[string]int64{"fn:sum": 140, "fn:max": 90, "fn:min": 10} {
		agg, err := LookupAggregator(name, 1)
		require.NoError(t, err)
		got, err := agg(vals)
		require.NoError(t, err)
		assert.Equal(t, types.Int(want), got, name)
	}
	count, err := LookupAggregator("fn:count", 0)
	require.NoError(t, err)
	got, _ := count(vals)
	assert.Equal(t, types.Int(3), got)
}

func TestStringConcat(t *testing.T) {
	concat, err := LookupFunction("fn:string:concat", 3)
	require.NoError(t, err)
	got, err := concat([]types.Value{types.Name("/fix"), types.String(" auth.go #"), types.Int(2)})
	require.NoError(t, err)
	assert.Equal(t, types.String("/fix auth.go #2"), got)
}

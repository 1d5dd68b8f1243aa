package context

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"nerdkernel/internal/types"
)

func TestSerializer_TruncatesByRune(t *testing.T) {
	fs := NewFactSerializer()
	long := strings.Repeat("é", 60)
	got := fs.line(types.NewFact("file_summary", types.Name("/f1"), types.String(long)))

	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, `file_summary(/f1, "`+strings.Repeat("é", 45)+`...").`, got)
}

func TestSerializer_TruncatedNameIsNotQuoted(t *testing.T) {
	fs := NewFactSerializer()
	name := "/" + strings.Repeat("a", 130)
	got := fs.line(types.NewFact("shard_profile", types.Name(name), types.Int(3)))

	assert.Equal(t, "shard_profile(/"+strings.Repeat("a", 46)+"..., 3).", got)
	assert.NotContains(t, got, `"`)
}

func TestSerializer_ShortFactsUntouched(t *testing.T) {
	fs := NewFactSerializer()
	f := types.NewFact("file_topology", types.String("auth.go"), types.Name("/go"))
	assert.Equal(t, `file_topology("auth.go", /go).`, fs.line(f))
}

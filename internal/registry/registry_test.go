package registry

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowbroker/internal/broker"
)

func conn(id uint64) *broker.Connection {
	return &broker.Connection{ID: id}
}

func TestCanDoRegistersCandidate(t *testing.T) {
	r := New()
	c := conn(1)
	r.CanDo(c, "reverse_string")

	cands := r.Candidates("reverse_string")
	require.Len(t, cands, 1)
	assert.Equal(t, uint64(1), cands[0].ID)
	assert.True(t, r.HasWorker("reverse_string"))
}

func TestCantDoRemovesOnlyThatFunction(t *testing.T) {
	r := New()
	c := conn(1)
	r.CanDo(c, "fn_a")
	r.CanDo(c, "fn_b")

	r.CantDo(c, "fn_a")

	assert.False(t, r.HasWorker("fn_a"))
	assert.True(t, r.HasWorker("fn_b"))
}

func TestReleaseConnectionClearsAllFunctions(t *testing.T) {
	r := New()
	c := conn(1)
	r.CanDo(c, "fn_a")
	r.CanDo(c, "fn_b")

	r.ReleaseConnection(c)

	assert.False(t, r.HasWorker("fn_a"))
	assert.False(t, r.HasWorker("fn_b"))
	assert.Empty(t, r.Functions())
}

func TestFunctionsListsOnlyNonEmptySets(t *testing.T) {
	r := New()
	c1, c2 := conn(1), conn(2)
	r.CanDo(c1, "fn_a")
	r.CanDo(c2, "fn_b")
	r.ReleaseConnection(c2)

	fns := r.Functions()
	sort.Strings(fns)
	assert.Equal(t, []string{"fn_a"}, fns)
}

func TestCandidatesUnknownFunctionIsEmpty(t *testing.T) {
	r := New()
	assert.Empty(t, r.Candidates("nope"))
	assert.False(t, r.HasWorker("nope"))
}

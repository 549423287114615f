package stitch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnionFind_SingletonsStayApart(t *testing.T) {
	uf := newUnionFind()
	uf.add("a")
	uf.add("b")

	assert.NotEqual(t, uf.find("a"), uf.find("b"))
}

func TestUnionFind_UnionIsTransitive(t *testing.T) {
	uf := newUnionFind()
	uf.union("a", "b")
	uf.union("b", "c")
	uf.union("x", "y")

	assert.Equal(t, uf.find("a"), uf.find("c"))
	assert.Equal(t, uf.find("x"), uf.find("y"))
	assert.NotEqual(t, uf.find("a"), uf.find("x"))
}

func TestUnionFind_UnionIdempotent(t *testing.T) {
	uf := newUnionFind()
	uf.union("a", "b")
	root := uf.find("a")
	uf.union("a", "b")
	uf.union("b", "a")

	assert.Equal(t, root, uf.find("a"))
	assert.Equal(t, root, uf.find("b"))
}

func TestUnionFind_FindAddsUnknownNodes(t *testing.T) {
	uf := newUnionFind()
	assert.Equal(t, "ghost", uf.find("ghost"))
}

func TestUnionFind_LongChain(t *testing.T) {
	uf := newUnionFind()
	for i := 0; i < 1000; i++ {
		uf.union(node(i), node(i+1))
	}
	root := uf.find(node(0))
	for i := 0; i <= 1000; i++ {
		assert.Equal(t, root, uf.find(node(i)))
	}
}

func TestNodeNamespacesDoNotCollide(t *testing.T) {
	uf := newUnionFind()
	uf.add(eventNode("42"))
	uf.add(keyNode("42"))
	uf.add(journeyNode("42"))

	assert.NotEqual(t, uf.find(eventNode("42")), uf.find(keyNode("42")))
	assert.NotEqual(t, uf.find(keyNode("42")), uf.find(journeyNode("42")))
}

func node(i int) string { return fmt.Sprintf("n%04d", i) }

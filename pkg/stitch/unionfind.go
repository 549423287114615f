package stitch

// unionFind is a disjoint-set forest over opaque string nodes, with path
// compression and union by rank. It is rebuilt per batch; there is no
// cross-batch in-memory state.
type unionFind struct {
	parent map[string]string
	rank   map[string]int
}

func newUnionFind() *unionFind {
	return &unionFind{
		parent: make(map[string]string),
		rank:   make(map[string]int),
	}
}

// add ensures x exists as its own singleton set.
func (u *unionFind) add(x string) {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
	}
}

// find returns the root of x's set, compressing the path walked.
func (u *unionFind) find(x string) string {
	u.add(x)
	root := x
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[x] != root {
		u.parent[x], x = root, u.parent[x]
	}
	return root
}

// union joins the sets containing a and b.
func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}

// Node namespaces keep event ids, correlation keys, and journey ids from
// colliding inside one forest.
func eventNode(id string) string   { return "e:" + id }
func keyNode(key string) string    { return "k:" + key }
func journeyNode(id string) string { return "j:" + id }

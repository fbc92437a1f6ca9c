package resource

// export_test.go exposes unexported types for testing via the resource_test package.

// --- typeRegistry ---

func NewTypeRegistryForTest(defaultFactory string) *typeRegistry[string] {
	return newTypeRegistry[string](defaultFactory)
}

type TypeRegistryForTest = typeRegistry[string]

// --- cache entries ---

// CacheStateForTest is a snapshot of a cache entry.
type CacheStateForTest struct {
	Direct     int
	Indirect   int
	Subscribed int
	Stale      bool
	TimerArmed bool
	Loaded     bool
}

// CacheStateOf returns a snapshot of the entry for rid.
func CacheStateOf(c *Client, rid string) (CacheStateForTest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ci := c.cache[rid]
	if ci == nil {
		return CacheStateForTest{}, false
	}
	_, stale := c.stale[rid]
	return CacheStateForTest{
		Direct:     ci.direct,
		Indirect:   ci.indirect,
		Subscribed: ci.subscribed,
		Stale:      stale,
		TimerArmed: ci.unsub != nil,
		Loaded:     ci.item != nil,
	}, true
}

// CachedRIDsForTest returns the IDs of all cache entries, sorted.
func CachedRIDsForTest(c *Client) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.cache)
}

// --- reference state ---

// GraphNodeForTest describes a cached collection by the resources it holds
// and how it is held.
type GraphNodeForTest struct {
	Refs       []string
	Direct     int
	Subscribed int
}

// RefStatesForTest builds a cache from graph and returns what eviction
// would do to root and the resources reachable from it.
func RefStatesForTest(graph map[string]GraphNodeForTest, root string) map[string]string {
	c := NewClient(nil)
	for rid, n := range graph {
		ci := newCacheItem(rid)
		ci.item = NewCollection(c, rid)
		ci.direct = n.Direct
		ci.subscribed = n.Subscribed
		c.cache[rid] = ci
	}
	for rid, n := range graph {
		col := c.cache[rid].item.(*Collection)
		for _, ref := range n.Refs {
			target := c.cache[ref]
			col.list = append(col.list, target.item)
			target.indirect++
		}
	}

	out := make(map[string]string)
	for rid, r := range c.refStates(c.cache[root]) {
		out[rid] = r.st.String()
	}
	return out
}

// --- diff ---

// DiffOpForTest is one operation produced by patchDiff.
type DiffOpForTest struct {
	Add   bool
	Value any
	Index int
}

// PatchDiffForTest returns the operations that turn a into b, in the order
// they are emitted.
func PatchDiffForTest(a, b []any) []DiffOpForTest {
	var ops []DiffOpForTest
	patchDiff(a, b,
		func(bi, idx int) { ops = append(ops, DiffOpForTest{Add: true, Value: b[bi], Index: idx}) },
		func(idx int) { ops = append(ops, DiffOpForTest{Index: idx}) },
	)
	return ops
}

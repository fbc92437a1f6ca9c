package resource

// patchDiff computes the add and remove operations that turn a into b.
//
// onRemove is called first, once per removed value, with descending indexes
// into the list as it stands at that point. onAdd is called afterwards,
// with ascending indexes, where value bi of b is inserted at idx.
// The common prefix and suffix are trimmed before the LCS table is built.
func patchDiff(a, b []any, onAdd func(bi, idx int), onRemove func(idx int)) {
	m, n := len(a), len(b)

	s := 0
	for s < m && s < n && Equal(a[s], b[s]) {
		s++
	}
	if s == m && s == n {
		return
	}
	for s < m && s < n && Equal(a[m-1], b[n-1]) {
		m--
		n--
	}

	aa, bb := a[s:m], b[s:n]
	m, n = len(aa), len(bb)

	// lcs[i][j] is the LCS length of aa[:i] and bb[:j].
	lcs := make([][]int, m+1)
	for i := range lcs {
		lcs[i] = make([]int, n+1)
	}
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			if Equal(aa[i], bb[j]) {
				lcs[i+1][j+1] = lcs[i][j] + 1
			} else {
				lcs[i+1][j+1] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	type add struct{ bi, idx, removed int }
	var adds []add

	idx := m + s
	i, j := m, n
	removed := 0
	for {
		pi, pj := i-1, j-1
		switch {
		case i > 0 && j > 0 && Equal(aa[pi], bb[pj]):
			idx--
			i--
			j--
		case j > 0 && (i == 0 || lcs[i][pj] >= lcs[pi][j]):
			adds = append(adds, add{bi: pj + s, idx: idx, removed: removed})
			j--
		case i > 0 && (j == 0 || lcs[i][pj] < lcs[pi][j]):
			idx--
			onRemove(idx)
			removed++
			i--
		default:
			last := len(adds) - 1
			for k := last; k >= 0; k-- {
				op := adds[k]
				onAdd(op.bi, op.idx-removed+op.removed+last-k)
			}
			return
		}
	}
}

package cholesky

import (
	"fmt"
	"slices"
	"strings"
)

// Ordering selects the fill-reducing permutation used by Analyze.
type Ordering int

const (
	// OrderingAMD eliminates column groups by approximate minimum degree.
	OrderingAMD Ordering = iota
	// OrderingNatural keeps the input column order.
	OrderingNatural
)

func (o Ordering) String() string {
	switch o {
	case OrderingAMD:
		return "amd"
	case OrderingNatural:
		return "natural"
	default:
		return fmt.Sprintf("Ordering(%d)", int(o))
	}
}

// ParseOrdering resolves an ordering name.
func ParseOrdering(s string) (Ordering, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "amd", "":
		return OrderingAMD, nil
	case "natural":
		return OrderingNatural, nil
	}
	return 0, fmt.Errorf("unknown ordering %q", s)
}

// groupStarts validates group sizes against n and returns the first column of
// each group. A nil groups slice means one group per column.
func groupStarts(groups []int, n int) ([]int, []int, error) {
	if groups == nil {
		groups = make([]int, n)
		for i := range groups {
			groups[i] = 1
		}
	}
	starts := make([]int, len(groups))
	total := 0
	for g, w := range groups {
		if w <= 0 {
			return nil, nil, fmt.Errorf("group %d has non-positive size %d", g, w)
		}
		starts[g] = total
		total += w
	}
	if total != n {
		return nil, nil, fmt.Errorf("groups cover %d columns, matrix has %d", total, n)
	}
	return groups, starts, nil
}

// minimumDegree orders the quotient graph whose nodes are the column groups of
// a. Each step eliminates the group with the smallest external degree
// (sum of neighbouring group sizes), ties going to the lowest index, and joins
// its neighbours into a clique. Columns of a group stay contiguous and in
// their original order. The result maps new position to original column.
func minimumDegree(a *Sparse, groups, starts []int) []int {
	ng := len(groups)
	owner := make([]int, a.N)
	for g, s := range starts {
		for k := 0; k < groups[g]; k++ {
			owner[s+k] = g
		}
	}

	adj := make([]map[int]struct{}, ng)
	for g := range adj {
		adj[g] = make(map[int]struct{})
	}
	for j := 0; j < a.N; j++ {
		gj := owner[j]
		for p := a.ColPtr[j]; p < a.ColPtr[j+1]; p++ {
			gi := owner[a.RowInd[p]]
			if gi == gj {
				continue
			}
			adj[gi][gj] = struct{}{}
			adj[gj][gi] = struct{}{}
		}
	}

	degree := make([]int, ng)
	updateDegree := func(g int) {
		d := 0
		for h := range adj[g] {
			d += groups[h]
		}
		degree[g] = d
	}
	for g := range adj {
		updateDegree(g)
	}

	eliminated := make([]bool, ng)
	perm := make([]int, 0, a.N)
	for step := 0; step < ng; step++ {
		best := -1
		for g := 0; g < ng; g++ {
			if eliminated[g] {
				continue
			}
			if best < 0 || degree[g] < degree[best] {
				best = g
			}
		}
		eliminated[best] = true
		for k := 0; k < groups[best]; k++ {
			perm = append(perm, starts[best]+k)
		}

		nbrs := make([]int, 0, len(adj[best]))
		for h := range adj[best] {
			nbrs = append(nbrs, h)
		}
		slices.Sort(nbrs)
		for _, u := range nbrs {
			delete(adj[u], best)
		}
		for i, u := range nbrs {
			for _, v := range nbrs[i+1:] {
				adj[u][v] = struct{}{}
				adj[v][u] = struct{}{}
			}
		}
		for _, u := range nbrs {
			updateDegree(u)
		}
		adj[best] = nil
	}
	return perm
}

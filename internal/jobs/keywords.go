package jobs

import (
	"slices"
	"strings"
)

const (
	keywordSetSize = 3
	recentWindow   = 5  // sets skipped when more than this many combinations exist
	usedHistory    = 20 // sets remembered on the schedule
)

// Combinations returns every size-element combination of pool in
// lexicographic index order. A pool smaller than size yields the whole pool
// as a single set; an empty pool yields nothing.
func Combinations(pool []string, size int) [][]string {
	pool = compact(pool)
	if len(pool) == 0 || size <= 0 {
		return nil
	}
	if len(pool) <= size {
		return [][]string{pool}
	}

	var out [][]string
	idx := make([]int, size)
	for i := range idx {
		idx[i] = i
	}
	for {
		set := make([]string, size)
		for i, j := range idx {
			set[i] = pool[j]
		}
		out = append(out, set)

		i := size - 1
		for i >= 0 && idx[i] == len(pool)-size+i {
			i--
		}
		if i < 0 {
			return out
		}
		idx[i]++
		for j := i + 1; j < size; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

// NextKeywordSet picks the set at index (round-robin over the combinations)
// and returns it with the index to store for the next pick. When more than
// five combinations exist, sets among the last five used are skipped.
func NextKeywordSet(pool []string, index int, used [][]string) ([]string, int) {
	combos := Combinations(pool, keywordSetSize)
	if len(combos) == 0 {
		return nil, index
	}
	n := len(combos)
	start := ((index % n) + n) % n

	recent := used
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}
	for i := 0; i < n; i++ {
		pos := (start + i) % n
		if n > recentWindow && containsSet(recent, combos[pos]) {
			continue
		}
		return combos[pos], index + i + 1
	}
	return combos[start], index + 1
}

// RecordKeywordSet appends set to the usage history, keeping the last twenty.
func RecordKeywordSet(used [][]string, set []string) [][]string {
	if len(set) == 0 {
		return used
	}
	used = append(used, slices.Clone(set))
	if len(used) > usedHistory {
		used = used[len(used)-usedHistory:]
	}
	return used
}

func containsSet(sets [][]string, set []string) bool {
	key := setKey(set)
	for _, s := range sets {
		if setKey(s) == key {
			return true
		}
	}
	return false
}

func setKey(set []string) string {
	sorted := make([]string, len(set))
	for i, s := range set {
		sorted[i] = strings.ToLower(strings.TrimSpace(s))
	}
	slices.Sort(sorted)
	return strings.Join(sorted, "\x00")
}

// compact trims keywords and drops blanks and case-insensitive repeats.
func compact(pool []string) []string {
	seen := make(map[string]bool, len(pool))
	out := make([]string, 0, len(pool))
	for _, k := range pool {
		k = strings.TrimSpace(k)
		key := strings.ToLower(k)
		if k == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, k)
	}
	return out
}

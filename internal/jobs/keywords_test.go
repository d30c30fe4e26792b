package jobs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombinations(t *testing.T) {
	tests := []struct {
		name string
		pool []string
		want [][]string
	}{
		{name: "empty", pool: nil, want: nil},
		{name: "blank only", pool: []string{" ", ""}, want: nil},
		{name: "smaller than set", pool: []string{"bread", "flour"}, want: [][]string{{"bread", "flour"}}},
		{name: "exact", pool: []string{"a", "b", "c"}, want: [][]string{{"a", "b", "c"}}},
		{
			name: "four",
			pool: []string{"a", "b", "c", "d"},
			want: [][]string{{"a", "b", "c"}, {"a", "b", "d"}, {"a", "c", "d"}, {"b", "c", "d"}},
		},
		{name: "repeats dropped", pool: []string{"a", "A ", "b", "c"}, want: [][]string{{"a", "b", "c"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Combinations(tt.pool, 3))
		})
	}
}

func TestCombinationsCount(t *testing.T) {
	pool := make([]string, 6)
	for i := range pool {
		pool[i] = fmt.Sprintf("k%d", i)
	}
	assert.Len(t, Combinations(pool, 3), 20)
}

func TestNextKeywordSetRoundRobin(t *testing.T) {
	pool := []string{"a", "b", "c", "d"}

	set, next := NextKeywordSet(pool, 0, nil)
	assert.Equal(t, []string{"a", "b", "c"}, set)
	assert.Equal(t, 1, next)

	set, next = NextKeywordSet(pool, 5, nil)
	assert.Equal(t, []string{"a", "b", "d"}, set)
	assert.Equal(t, 6, next)

	// four combinations: recent use never blocks a set
	used := [][]string{{"a", "b", "c"}}
	set, _ = NextKeywordSet(pool, 0, used)
	assert.Equal(t, []string{"a", "b", "c"}, set)
}

func TestNextKeywordSetSkipsRecentlyUsed(t *testing.T) {
	pool := []string{"a", "b", "c", "d", "e"} // ten combinations
	combos := Combinations(pool, 3)
	require.Len(t, combos, 10)

	used := [][]string{{"c", "b", "a"}, combos[1], combos[2]}
	set, next := NextKeywordSet(pool, 0, used)
	assert.Equal(t, combos[3], set)
	assert.Equal(t, 4, next)

	// only the last five uses count
	old := [][]string{combos[0], combos[5], combos[6], combos[7], combos[8], combos[9]}
	set, _ = NextKeywordSet(pool, 0, old)
	assert.Equal(t, combos[0], set)
}

func TestNextKeywordSetEmptyPool(t *testing.T) {
	set, next := NextKeywordSet(nil, 4, nil)
	assert.Nil(t, set)
	assert.Equal(t, 4, next)
}

func TestRecordKeywordSetKeepsLastTwenty(t *testing.T) {
	var used [][]string
	for i := 0; i < 25; i++ {
		used = RecordKeywordSet(used, []string{fmt.Sprintf("k%d", i)})
	}
	require.Len(t, used, 20)
	assert.Equal(t, []string{"k5"}, used[0])
	assert.Equal(t, []string{"k24"}, used[19])

	assert.Len(t, RecordKeywordSet(used, nil), 20)
}

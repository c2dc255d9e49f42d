package memory

import (
	"sort"
	"strconv"
	"strings"
)

// CompareIDs orders platform ids. Plain integers compare numerically. Composite
// ids such as "<chat>-<message>" with the same prefix compare by their numeric
// suffix. Everything else falls back to length-then-lexical order.
func CompareIDs(a, b string) int {
	if a == b {
		return 0
	}
	if x, errA := strconv.ParseUint(a, 10, 64); errA == nil {
		if y, errB := strconv.ParseUint(b, 10, 64); errB == nil {
			return cmpUint(x, y)
		}
	}
	if pa, sa, ok := splitSuffix(a); ok {
		if pb, sb, ok := splitSuffix(b); ok && pa == pb {
			return cmpUint(sa, sb)
		}
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// MaxID returns the greatest id in ids under CompareIDs, or "" when empty.
func MaxID(ids []string) string {
	var max string
	for _, id := range ids {
		if max == "" || CompareIDs(id, max) > 0 {
			max = id
		}
	}
	return max
}

// SortIDsDesc sorts ids newest first.
func SortIDsDesc(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return CompareIDs(ids[i], ids[j]) > 0
	})
}

func splitSuffix(id string) (string, uint64, bool) {
	i := strings.LastIndexByte(id, '-')
	if i < 0 || i == len(id)-1 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return id[:i], n, true
}

func cmpUint(x, y uint64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

package docstore

import (
	"sort"
	"strings"
	"time"
)

func sortDocuments(docs []Document, orderField string) {
	sort.SliceStable(docs, func(i, j int) bool {
		if c := compareValues(docs[i].Fields[orderField], docs[j].Fields[orderField]); c != 0 {
			return c < 0
		}
		return docs[i].ID < docs[j].ID
	})
}

// compareValues orders missing values first, then by type, then by value.
func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	switch av := a.(type) {
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case time.Time:
		return av.Compare(b.(time.Time))
	case string:
		return strings.Compare(av, b.(string))
	}
	if ra == rankNumber {
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
	}
	return 0
}

const (
	rankMissing = iota
	rankBool
	rankNumber
	rankTime
	rankString
)

func typeRank(v any) int {
	switch v.(type) {
	case bool:
		return rankBool
	case int, int64, float64:
		return rankNumber
	case time.Time:
		return rankTime
	case string:
		return rankString
	default:
		return rankMissing
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

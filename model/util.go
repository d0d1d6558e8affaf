package model

import (
	"sort"
	"strconv"
	"strings"
)

func lower(s string) string { return strings.ToLower(s) }

func upper(s string) string { return strings.ToUpper(s) }

func itoa(i int) string { return strconv.Itoa(i) }

// values returns the map values sorted, for stable output declarations.
func values(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

package repository

import "strings"

// OrderByDependencies sorts tables so every table follows the tables it
// references. Ties keep the input order; cycles and self references are
// appended in input order.
func OrderByDependencies(tables []string, deps map[string][]string) []string {
	known := make(map[string]bool, len(tables))
	for _, t := range tables {
		known[t] = true
	}

	pending := make(map[string]int, len(tables))
	dependents := map[string][]string{}
	for _, t := range tables {
		seen := map[string]bool{}
		for _, ref := range deps[t] {
			if ref == t || !known[ref] || seen[ref] {
				continue
			}
			seen[ref] = true
			pending[t]++
			dependents[ref] = append(dependents[ref], t)
		}
	}

	ordered := make([]string, 0, len(tables))
	placed := make(map[string]bool, len(tables))
	for len(ordered) < len(tables) {
		progressed := false
		for _, t := range tables {
			if placed[t] || pending[t] > 0 {
				continue
			}
			placed[t] = true
			ordered = append(ordered, t)
			for _, d := range dependents[t] {
				pending[d]--
			}
			progressed = true
		}
		if !progressed {
			for _, t := range tables {
				if !placed[t] {
					placed[t] = true
					ordered = append(ordered, t)
				}
			}
		}
	}
	return ordered
}

func columnIndex(cols []string, name string) int {
	for i, c := range cols {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

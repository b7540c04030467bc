package archive

import (
	"regexp"
	"sort"
	"strconv"
)

// AssignGenerations sets Generation on every live person: people without
// known parents are generation 0, everyone else sits one below their
// deepest parent. Parent links pointing outside the slice are ignored.
func AssignGenerations(people []Person) {
	index := make(map[string]int, len(people))
	for i, p := range people {
		if !p.Deleted {
			index[p.ID] = i
		}
	}

	memo := make(map[string]int, len(people))
	visiting := make(map[string]bool)
	var depth func(id string) int
	depth = func(id string) int {
		if g, ok := memo[id]; ok {
			return g
		}
		if visiting[id] {
			// Stored data should be acyclic; treat a loop as a root.
			return 0
		}
		visiting[id] = true
		generation := 0
		for _, parentID := range people[index[id]].ParentIDs {
			if _, ok := index[parentID]; !ok {
				continue
			}
			if g := depth(parentID) + 1; g > generation {
				generation = g
			}
		}
		visiting[id] = false
		memo[id] = generation
		return generation
	}

	for id, i := range index {
		people[i].Generation = depth(id)
	}
}

// CreatesCycle reports whether giving personID the parents in parentIDs would
// make personID its own ancestor.
func CreatesCycle(people []Person, personID string, parentIDs []string) bool {
	parents := make(map[string][]string, len(people))
	for _, p := range people {
		if !p.Deleted {
			parents[p.ID] = p.ParentIDs
		}
	}

	seen := make(map[string]bool)
	stack := append([]string(nil), parentIDs...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == personID {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, parents[id]...)
	}
	return false
}

// SortPeople orders people by generation, then name, then id.
func SortPeople(people []Person) {
	sort.SliceStable(people, func(i, j int) bool {
		if people[i].Generation != people[j].Generation {
			return people[i].Generation < people[j].Generation
		}
		if people[i].Name != people[j].Name {
			return people[i].Name < people[j].Name
		}
		return people[i].ID < people[j].ID
	})
}

var yearPattern = regexp.MustCompile(`(?:^|\D)(1[0-9]{3}|20[0-9]{2})(?:\D|$)`)

// YearOf extracts a four-digit year from a free-form date such as
// "1954", "June 1954" or "1954-06-12". Zero means undated.
func YearOf(date string) int {
	match := yearPattern.FindStringSubmatch(date)
	if match == nil {
		return 0
	}
	year, _ := strconv.Atoi(match[1])
	return year
}

// GalleryGroup is one year bucket of the gallery view.
type GalleryGroup struct {
	Label    string   `json:"label"`
	Year     int      `json:"year"`
	Memories []Memory `json:"memories"`
}

// GroupByYear buckets memories by year, newest first, with undated memories
// last under "Undated". Order inside a bucket follows the input.
func GroupByYear(memories []Memory) []GalleryGroup {
	byYear := make(map[int][]Memory)
	for _, m := range memories {
		if m.Deleted {
			continue
		}
		year := YearOf(m.Date)
		byYear[year] = append(byYear[year], m)
	}

	years := make([]int, 0, len(byYear))
	for year := range byYear {
		if year != 0 {
			years = append(years, year)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(years)))

	groups := make([]GalleryGroup, 0, len(byYear))
	for _, year := range years {
		groups = append(groups, GalleryGroup{Label: strconv.Itoa(year), Year: year, Memories: byYear[year]})
	}
	if undated, ok := byYear[0]; ok {
		groups = append(groups, GalleryGroup{Label: "Undated", Memories: undated})
	}
	return groups
}

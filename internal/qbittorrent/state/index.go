// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package state

import (
	"maps"
	"slices"
)

// Dimension is one of the four partitions torrents are indexed by.
type Dimension string

const (
	DimensionStatus   Dimension = "status"
	DimensionCategory Dimension = "category"
	DimensionTag      Dimension = "tag"
	DimensionTracker  Dimension = "tracker"
)

var Dimensions = []Dimension{DimensionStatus, DimensionCategory, DimensionTag, DimensionTracker}

// Virtual keys exist regardless of which categories, tags or trackers the daemon reports.
// A user created category, tag or tracker with the same name is shadowed by them.
const (
	KeyAll           = "all"
	KeyUncategorized = "uncategorized"
	KeyUntagged      = "untagged"
	KeyTrackerless   = "trackerless"
)

func virtualKeys(dim Dimension) []string {
	switch dim {
	case DimensionCategory:
		return []string{KeyAll, KeyUncategorized}
	case DimensionTag:
		return []string{KeyAll, KeyUntagged}
	case DimensionTracker:
		return []string{KeyAll, KeyTrackerless}
	default:
		return []string{KeyAll}
	}
}

// IsVirtualKey reports whether key is always present for dim.
func IsVirtualKey(dim Dimension, key string) bool {
	if dim == DimensionStatus {
		return slices.Contains(StatusKeys, key)
	}
	return slices.Contains(virtualKeys(dim), key)
}

type HashSet map[string]struct{}

func (s HashSet) Has(hash string) bool {
	_, ok := s[hash]
	return ok
}

// Sorted returns the members in lexical order.
func (s HashSet) Sorted() []string {
	return slices.Sorted(maps.Keys(s))
}

// Index maps every (dimension, key) to the hashes whose torrent matches it.
type Index struct {
	sets map[Dimension]map[string]HashSet
}

func newIndex() *Index {
	ix := &Index{sets: make(map[Dimension]map[string]HashSet, len(Dimensions))}
	for _, dim := range Dimensions {
		ix.sets[dim] = make(map[string]HashSet)
	}
	for _, key := range StatusKeys {
		ix.sets[DimensionStatus][key] = make(HashSet)
	}
	for _, dim := range []Dimension{DimensionCategory, DimensionTag, DimensionTracker} {
		for _, key := range virtualKeys(dim) {
			ix.sets[dim][key] = make(HashSet)
		}
	}
	return ix
}

// Lookup returns the live member set for a key, nil when the key is unknown.
// Callers must not modify it.
func (ix *Index) Lookup(dim Dimension, key string) HashSet {
	return ix.sets[dim][key]
}

// Count returns the number of torrents matching a key.
func (ix *Index) Count(dim Dimension, key string) int {
	return len(ix.sets[dim][key])
}

// Has reports whether the key exists in the dimension.
func (ix *Index) Has(dim Dimension, key string) bool {
	_, ok := ix.sets[dim][key]
	return ok
}

// Keys returns every key of a dimension in lexical order.
func (ix *Index) Keys(dim Dimension) []string {
	return slices.Sorted(maps.Keys(ix.sets[dim]))
}

// Counts returns key -> member count for a dimension.
func (ix *Index) Counts(dim Dimension) map[string]int {
	counts := make(map[string]int, len(ix.sets[dim]))
	for key, set := range ix.sets[dim] {
		counts[key] = len(set)
	}
	return counts
}

func (ix *Index) ensureKey(dim Dimension, key string) (HashSet, bool) {
	if set, ok := ix.sets[dim][key]; ok {
		return set, false
	}
	set := make(HashSet)
	ix.sets[dim][key] = set
	return set, true
}

func (ix *Index) dropKey(dim Dimension, key string) {
	if IsVirtualKey(dim, key) {
		return
	}
	delete(ix.sets[dim], key)
}

func (ix *Index) discard(hash string) {
	for _, keys := range ix.sets {
		for _, set := range keys {
			delete(set, hash)
		}
	}
}

func (ix *Index) discardFrom(dim Dimension, hash string) {
	for _, set := range ix.sets[dim] {
		delete(set, hash)
	}
}

func (ix *Index) set(dim Dimension, key, hash string, member bool) {
	set, ok := ix.sets[dim][key]
	if !ok {
		return
	}
	if member {
		set[hash] = struct{}{}
	} else {
		delete(set, hash)
	}
}

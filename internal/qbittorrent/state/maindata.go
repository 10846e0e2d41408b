// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package state

import (
	"slices"
	"strings"

	"github.com/autobrr/qsync/internal/overlay"
)

// Options tune how torrents are partitioned.
type Options struct {
	// Subcategories makes category "a" also match torrents in "a/b".
	Subcategories bool
}

// MainData is the authoritative model of one daemon's torrents, categories,
// tags, trackers and server state, together with its materialized index.
type MainData struct {
	Rid         int64
	Torrents    map[string]*Torrent
	Categories  map[string]*Category
	Tags        []string
	Trackers    map[string][]string
	ServerState ServerState

	trackersByHash map[string]map[string]struct{}
	index          *Index
	opts           Options
}

func emptyMainData(opts Options) *MainData {
	return &MainData{
		Torrents:       make(map[string]*Torrent),
		Categories:     make(map[string]*Category),
		Tags:           []string{},
		Trackers:       make(map[string][]string),
		trackersByHash: make(map[string]map[string]struct{}),
		index:          newIndex(),
		opts:           opts,
	}
}

// NewMainData builds the model and every index from a full snapshot.
// Missing collections are treated as empty.
func NewMainData(snapshot *MainDataPayload, opts Options) *MainData {
	md := emptyMainData(opts)
	if snapshot == nil {
		return md
	}

	md.Rid = snapshot.Rid

	for name, patch := range snapshot.Categories {
		md.Categories[name] = newCategory(name, patch)
	}
	for _, tag := range snapshot.Tags {
		if !slices.Contains(md.Tags, tag) {
			md.Tags = append(md.Tags, tag)
		}
	}
	for url, hashes := range snapshot.Trackers {
		md.Trackers[url] = slices.Clone(hashes)
		for _, hash := range hashes {
			md.linkTracker(hash, url)
		}
	}
	for hash, patch := range snapshot.Torrents {
		if patch == nil {
			continue
		}
		md.Torrents[hash] = newTorrent(hash, patch)
	}
	if snapshot.ServerState != nil {
		overlay.Apply(&md.ServerState, snapshot.ServerState)
	}

	md.index = md.rebuildIndex()
	return md
}

// Index exposes the materialized partitions. It is only consistent between Apply calls.
func (md *MainData) Index() *Index {
	return md.index
}

func (md *MainData) Options() Options {
	return md.opts
}

// SetOptions changes the partitioning rules and rebuilds the index.
func (md *MainData) SetOptions(opts Options) {
	if md.opts == opts {
		return
	}
	md.opts = opts
	md.index = md.rebuildIndex()
}

// TrackersFor returns the tracker URLs a torrent announces to, sorted.
func (md *MainData) TrackersFor(hash string) []string {
	urls := make([]string, 0, len(md.trackersByHash[hash]))
	for url := range md.trackersByHash[hash] {
		urls = append(urls, url)
	}
	slices.Sort(urls)
	return urls
}

// Apply merges a diff into the model. Removals run before upserts so a
// torrent that moves between partitions in one diff is never counted twice.
// A full update reconciles: anything the snapshot does not mention is removed.
func (md *MainData) Apply(diff *MainDataPayload) {
	if diff == nil {
		return
	}
	if diff.FullUpdate {
		diff = md.reconcile(diff)
	}

	// 1. categories, tags and trackers that disappeared
	for _, name := range diff.CategoriesRemoved {
		delete(md.Categories, name)
		md.index.dropKey(DimensionCategory, name)
	}
	for _, tag := range diff.TagsRemoved {
		md.Tags = slices.DeleteFunc(md.Tags, func(existing string) bool { return existing == tag })
		md.index.dropKey(DimensionTag, tag)
	}
	for _, url := range diff.TrackersRemoved {
		md.removeTracker(url)
	}

	// 2. torrents that disappeared, looked up before deletion
	for _, hash := range diff.TorrentsRemoved {
		if _, ok := md.Torrents[hash]; !ok {
			continue
		}
		md.index.discard(hash)
		delete(md.Torrents, hash)
	}

	// 3. categories, tags and trackers that appeared or changed
	for name, patch := range diff.Categories {
		if existing, ok := md.Categories[name]; ok {
			overlay.Apply(existing, patch)
			continue
		}
		md.Categories[name] = newCategory(name, patch)
		md.populate(DimensionCategory, name)
	}
	for _, tag := range diff.Tags {
		if slices.Contains(md.Tags, tag) {
			continue
		}
		md.Tags = append(md.Tags, tag)
		md.populate(DimensionTag, tag)
	}
	for url, hashes := range diff.Trackers {
		md.replaceTracker(url, hashes)
	}

	// 4. torrents that appeared or changed
	for hash, patch := range diff.Torrents {
		if patch == nil {
			continue
		}
		t, ok := md.Torrents[hash]
		if !ok {
			t = newTorrent(hash, patch)
			md.Torrents[hash] = t
			md.indexTorrent(t)
			continue
		}

		md.index.discard(hash)
		applyTorrentPatch(t, patch)
		md.indexTorrent(t)
	}

	// 5. server state
	if diff.ServerState != nil {
		overlay.Apply(&md.ServerState, diff.ServerState)
	}

	md.Rid = diff.Rid
}

func (md *MainData) reconcile(snapshot *MainDataPayload) *MainDataPayload {
	diff := *snapshot
	diff.FullUpdate = false
	diff.TorrentsRemoved = missingKeys(md.Torrents, snapshot.Torrents)
	diff.CategoriesRemoved = missingKeys(md.Categories, snapshot.Categories)
	diff.TrackersRemoved = missingKeys(md.Trackers, snapshot.Trackers)
	diff.TagsRemoved = nil
	for _, tag := range md.Tags {
		if !slices.Contains(snapshot.Tags, tag) {
			diff.TagsRemoved = append(diff.TagsRemoved, tag)
		}
	}
	return &diff
}

func missingKeys[A, B any](current map[string]A, next map[string]B) []string {
	var missing []string
	for key := range current {
		if _, ok := next[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// Matches evaluates the partition predicate for one torrent.
func (md *MainData) Matches(dim Dimension, key string, t *Torrent) bool {
	switch dim {
	case DimensionStatus:
		return MatchStatus(t, key)
	case DimensionCategory:
		switch key {
		case KeyAll:
			return true
		case KeyUncategorized:
			return t.Category == ""
		}
		if t.Category == key {
			return true
		}
		return md.opts.Subcategories && strings.HasPrefix(t.Category, key+"/")
	case DimensionTag:
		switch key {
		case KeyAll:
			return true
		case KeyUntagged:
			return len(t.Tags) == 0
		}
		return slices.Contains(t.Tags, key)
	case DimensionTracker:
		switch key {
		case KeyAll:
			return true
		case KeyTrackerless:
			return len(md.trackersByHash[t.Hash]) == 0
		}
		_, ok := md.trackersByHash[t.Hash][key]
		return ok
	}
	return false
}

func (md *MainData) indexTorrent(t *Torrent) {
	for dim, keys := range md.index.sets {
		for key, set := range keys {
			if md.Matches(dim, key, t) {
				set[t.Hash] = struct{}{}
			}
		}
	}
}

// populate registers a new key and fills it from the current torrents.
func (md *MainData) populate(dim Dimension, key string) {
	set, created := md.index.ensureKey(dim, key)
	if !created {
		return
	}
	for hash, t := range md.Torrents {
		if md.Matches(dim, key, t) {
			set[hash] = struct{}{}
		}
	}
}

func (md *MainData) rebuildIndex() *Index {
	ix := newIndex()
	for name := range md.Categories {
		ix.ensureKey(DimensionCategory, name)
	}
	for _, tag := range md.Tags {
		ix.ensureKey(DimensionTag, tag)
	}
	for url := range md.Trackers {
		ix.ensureKey(DimensionTracker, url)
	}

	prev := md.index
	md.index = ix
	for _, t := range md.Torrents {
		md.indexTorrent(t)
	}
	md.index = prev
	return ix
}

func (md *MainData) linkTracker(hash, url string) {
	urls, ok := md.trackersByHash[hash]
	if !ok {
		urls = make(map[string]struct{})
		md.trackersByHash[hash] = urls
	}
	urls[url] = struct{}{}
}

func (md *MainData) unlinkTracker(hash, url string) {
	urls, ok := md.trackersByHash[hash]
	if !ok {
		return
	}
	delete(urls, url)
	if len(urls) == 0 {
		delete(md.trackersByHash, hash)
	}
}

func (md *MainData) removeTracker(url string) {
	hashes, ok := md.Trackers[url]
	if !ok {
		return
	}
	delete(md.Trackers, url)
	for _, hash := range hashes {
		md.unlinkTracker(hash, url)
	}
	md.index.dropKey(DimensionTracker, url)

	for _, hash := range hashes {
		if t, ok := md.Torrents[hash]; ok {
			md.index.set(DimensionTracker, KeyTrackerless, hash, md.Matches(DimensionTracker, KeyTrackerless, t))
		}
	}
}

// replaceTracker swaps a tracker's hash list wholesale and re-evaluates the
// tracker partitions of every hash that entered or left it.
func (md *MainData) replaceTracker(url string, hashes []string) {
	affected := make(map[string]struct{}, len(hashes))
	for _, hash := range md.Trackers[url] {
		affected[hash] = struct{}{}
		md.unlinkTracker(hash, url)
	}

	md.Trackers[url] = slices.Clone(hashes)
	for _, hash := range hashes {
		affected[hash] = struct{}{}
		md.linkTracker(hash, url)
	}

	md.index.ensureKey(DimensionTracker, url)
	for hash := range affected {
		t, ok := md.Torrents[hash]
		if !ok {
			continue
		}
		md.index.set(DimensionTracker, url, hash, md.Matches(DimensionTracker, url, t))
		md.index.set(DimensionTracker, KeyTrackerless, hash, md.Matches(DimensionTracker, KeyTrackerless, t))
	}
}

func newTorrent(hash string, patch *TorrentPatch) *Torrent {
	t := &Torrent{Tags: []string{}}
	applyTorrentPatch(t, patch)
	t.Hash = hash
	return t
}

// applyTorrentPatch overlays present fields; tags arrive as the complete set.
func applyTorrentPatch(t *Torrent, patch *TorrentPatch) {
	overlay.Apply(t, patch)
	if patch.Tags != nil {
		t.Tags = ParseTags(*patch.Tags)
	}
}

func newCategory(name string, patch *CategoryPatch) *Category {
	c := &Category{}
	overlay.Apply(c, patch)
	c.Name = name
	return c
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package state

import (
	"cmp"
	"math"
	"slices"
	"strings"

	qbt "github.com/autobrr/go-qbittorrent"
)

type FilePriority int

const (
	PriorityMixed         FilePriority = -1
	PriorityDoNotDownload FilePriority = 0
	PriorityNormal        FilePriority = 1
	PriorityHigh          FilePriority = 6
	PriorityMaximum       FilePriority = 7
)

func (p FilePriority) String() string {
	switch p {
	case PriorityMixed:
		return "mixed"
	case PriorityDoNotDownload:
		return "do_not_download"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityMaximum:
		return "maximum"
	default:
		return "unknown"
	}
}

// TorrentFile is one entry of the daemon's flat file listing.
type TorrentFile struct {
	Index        int          `json:"index"`
	Name         string       `json:"name"`
	Size         int64        `json:"size"`
	Progress     float64      `json:"progress"`
	Priority     FilePriority `json:"priority"`
	Availability float64      `json:"availability"`
}

// FilesFromQbt converts a torrents/files response.
func FilesFromQbt(files qbt.TorrentFiles) []TorrentFile {
	out := make([]TorrentFile, 0, len(files))
	for _, f := range files {
		out = append(out, TorrentFile{
			Index:        f.Index,
			Name:         f.Name,
			Size:         f.Size,
			Progress:     float64(f.Progress),
			Priority:     FilePriority(f.Priority),
			Availability: float64(f.Availability),
		})
	}
	return out
}

// ContentItem is a file or synthesized folder node, keyed by its full path.
// Folder numbers are rollups of their direct children.
type ContentItem struct {
	Name         string       `json:"name"`
	Path         string       `json:"path"`
	IsFolder     bool         `json:"isFolder"`
	Level        int          `json:"level"`
	Index        int          `json:"index"`
	Size         int64        `json:"size"`
	Downloaded   int64        `json:"downloaded"`
	Progress     float64      `json:"progress"`
	Availability float64      `json:"availability"`
	Priority     FilePriority `json:"priority"`
}

// ContentTree is an insertion ordered path -> item map. Parenthood is
// implied by path prefix; items hold no pointers to each other.
type ContentTree struct {
	order     []string
	items     map[string]*ContentItem
	nextIndex int
}

func newContentTree(capacity int) *ContentTree {
	return &ContentTree{
		order: make([]string, 0, capacity),
		items: make(map[string]*ContentItem, capacity),
	}
}

func (ct *ContentTree) insert(item *ContentItem) {
	ct.order = append(ct.order, item.Path)
	ct.items[item.Path] = item
}

func (ct *ContentTree) Get(path string) (*ContentItem, bool) {
	item, ok := ct.items[path]
	return item, ok
}

func (ct *ContentTree) Len() int {
	return len(ct.order)
}

// Values returns the items in insertion order.
func (ct *ContentTree) Values() []*ContentItem {
	values := make([]*ContentItem, 0, len(ct.order))
	for _, path := range ct.order {
		values = append(values, ct.items[path])
	}
	return values
}

func parentPath(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

// BuildTree synthesizes the folders implied by the file paths and rolls
// their aggregates up from the deepest level.
func BuildTree(files []TorrentFile) *ContentTree {
	ct := newContentTree(len(files) * 2)
	if len(files) == 0 {
		ct.nextIndex = -1
		return ct
	}

	minIndex := files[0].Index
	for _, f := range files[1:] {
		minIndex = min(minIndex, f.Index)
	}
	ct.nextIndex = minIndex - 1

	children := make(map[string][]string)
	var folders []*ContentItem

	for _, f := range files {
		if _, exists := ct.items[f.Name]; exists {
			continue
		}
		segments := strings.Split(f.Name, "/")

		for depth := 1; depth < len(segments); depth++ {
			path := strings.Join(segments[:depth], "/")
			if _, ok := ct.items[path]; ok {
				continue
			}
			folder := &ContentItem{
				Name:     segments[depth-1],
				Path:     path,
				IsFolder: true,
				Level:    depth - 1,
				Index:    ct.nextIndex,
			}
			ct.nextIndex--
			ct.insert(folder)
			folders = append(folders, folder)
			if depth > 1 {
				parent := parentPath(path)
				children[parent] = append(children[parent], path)
			}
		}

		ct.insert(&ContentItem{
			Name:         segments[len(segments)-1],
			Path:         f.Name,
			Level:        len(segments) - 1,
			Index:        f.Index,
			Size:         f.Size,
			Downloaded:   int64(math.Round(float64(f.Size) * f.Progress)),
			Progress:     f.Progress,
			Availability: f.Availability,
			Priority:     f.Priority,
		})
		if len(segments) > 1 {
			parent := parentPath(f.Name)
			children[parent] = append(children[parent], f.Name)
		}
	}

	slices.SortStableFunc(folders, func(a, b *ContentItem) int {
		return cmp.Compare(b.Level, a.Level)
	})
	for _, folder := range folders {
		ct.rollup(folder, children[folder.Path])
	}

	return ct
}

func (ct *ContentTree) rollup(folder *ContentItem, children []string) {
	var (
		size, downloaded int64
		availability     float64
		counted          int
	)
	priority := PriorityDoNotDownload

	for i, path := range children {
		child := ct.items[path]
		if i == 0 {
			priority = child.Priority
		} else if child.Priority != priority {
			priority = PriorityMixed
		}

		if child.Priority == PriorityDoNotDownload {
			continue
		}
		size += child.Size
		downloaded += child.Downloaded
		availability += child.Availability
		counted++
	}

	folder.Size = size
	folder.Downloaded = downloaded
	folder.Priority = priority
	folder.Progress = 0
	if size > 0 {
		folder.Progress = float64(downloaded) / float64(size)
	}
	folder.Availability = 0
	if counted > 0 {
		folder.Availability = availability / float64(counted)
	}
}

// MergeTree refreshes an existing tree from a new file listing. Nodes that
// survive keep their identity, level and index; only their numbers change.
// New paths are appended and paths no longer listed are pruned.
func MergeTree(files []TorrentFile, existing *ContentTree) *ContentTree {
	fresh := BuildTree(files)
	if existing == nil {
		return fresh
	}

	existing.nextIndex = min(existing.nextIndex, fresh.nextIndex)
	for _, path := range fresh.order {
		node := fresh.items[path]
		current, ok := existing.items[path]
		if ok && current.IsFolder != node.IsFolder {
			// a file turned into a folder or back: the entry is replaced in place
			if node.IsFolder {
				node.Index = existing.nextIndex
				existing.nextIndex--
			}
			existing.items[path] = node
			continue
		}
		if ok {
			current.Availability = node.Availability
			current.Priority = node.Priority
			current.Progress = node.Progress
			current.Size = node.Size
			current.Downloaded = node.Downloaded
			continue
		}
		if node.IsFolder {
			node.Index = existing.nextIndex
			existing.nextIndex--
		}
		existing.insert(node)
	}

	if len(existing.order) != len(fresh.order) {
		existing.order = slices.DeleteFunc(existing.order, func(path string) bool {
			if _, ok := fresh.items[path]; ok {
				return false
			}
			delete(existing.items, path)
			return true
		})
	}

	return existing
}

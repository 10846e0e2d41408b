// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"cmp"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/autobrr/qsync/internal/qbittorrent/state"
)

// FilterOptions selects torrents by index membership. Keys inside one
// dimension are alternatives; dimensions are combined with AND.
type FilterOptions struct {
	Status            []string `json:"status"`
	ExcludeStatus     []string `json:"excludeStatus"`
	Categories        []string `json:"categories"`
	ExcludeCategories []string `json:"excludeCategories"`
	Tags              []string `json:"tags"`
	ExcludeTags       []string `json:"excludeTags"`
	Trackers          []string `json:"trackers"`
	ExcludeTrackers   []string `json:"excludeTrackers"`
	Hashes            []string `json:"hashes"`
	Expr              string   `json:"expr"`
}

// TorrentQuery is a full torrent list request.
type TorrentQuery struct {
	Filters FilterOptions
	Search  string
	Sort    string
	Order   string
	Limit   int
	Offset  int
}

// TorrentCounts holds the member count of every index key.
type TorrentCounts struct {
	Status         map[string]int `json:"status"`
	Categories     map[string]int `json:"categories"`
	Tags           map[string]int `json:"tags"`
	Trackers       map[string]int `json:"trackers"`
	TrackerDomains map[string]int `json:"trackerDomains"`
	Total          int            `json:"total"`
}

// infinityETA is what the daemon reports for torrents without progress.
const infinityETA int64 = 8640000

const exprCacheTTL = 5 * time.Minute

// Tracker URLs map to a handful of domains, resolving them is cached
var urlCache = ttlcache.New(ttlcache.Options[string, string]{}.SetDefaultTTL(5 * time.Minute))

// ErrInvalidExpression wraps compile errors of FilterOptions.Expr.
var ErrInvalidExpression = errors.New("invalid filter expression")

func newExprCache() *ttlcache.Cache[string, *vm.Program] {
	return ttlcache.New(ttlcache.Options[string, *vm.Program]{}.SetDefaultTTL(exprCacheTTL))
}

func compileExpr(cache *ttlcache.Cache[string, *vm.Program], source string) (*vm.Program, error) {
	if program, ok := cache.Get(source); ok {
		return program, nil
	}

	program, err := expr.Compile(source, expr.Env(state.Torrent{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	cache.Set(source, program, ttlcache.DefaultTTL)
	return program, nil
}

// selectHashes resolves the index part of the filters. Caller holds the
// model's read lock.
func selectHashes(md *state.MainData, filters FilterOptions) map[string]struct{} {
	ix := md.Index()

	var selected map[string]struct{}
	intersect := func(set map[string]struct{}) {
		if selected == nil {
			selected = set
			return
		}
		for hash := range selected {
			if _, ok := set[hash]; !ok {
				delete(selected, hash)
			}
		}
	}

	include := []struct {
		dim  state.Dimension
		keys []string
	}{
		{state.DimensionStatus, filters.Status},
		{state.DimensionCategory, filters.Categories},
		{state.DimensionTag, filters.Tags},
		{state.DimensionTracker, filters.Trackers},
	}
	for _, f := range include {
		if len(f.keys) == 0 {
			continue
		}
		intersect(unionKeys(md, f.dim, f.keys))
	}

	if len(filters.Hashes) > 0 {
		set := make(map[string]struct{}, len(filters.Hashes))
		for _, hash := range filters.Hashes {
			if _, ok := md.Torrents[hash]; ok {
				set[hash] = struct{}{}
			}
		}
		intersect(set)
	}

	if selected == nil {
		selected = make(map[string]struct{}, len(md.Torrents))
		for hash := range ix.Lookup(state.DimensionStatus, state.KeyAll) {
			selected[hash] = struct{}{}
		}
	}

	exclude := []struct {
		dim  state.Dimension
		keys []string
	}{
		{state.DimensionStatus, filters.ExcludeStatus},
		{state.DimensionCategory, filters.ExcludeCategories},
		{state.DimensionTag, filters.ExcludeTags},
		{state.DimensionTracker, filters.ExcludeTrackers},
	}
	for _, f := range exclude {
		if len(f.keys) == 0 {
			continue
		}
		for hash := range unionKeys(md, f.dim, f.keys) {
			delete(selected, hash)
		}
	}

	return selected
}

// unionKeys collects the members of several keys. Tracker keys that are not
// announce URLs are treated as domains.
func unionKeys(md *state.MainData, dim state.Dimension, keys []string) map[string]struct{} {
	ix := md.Index()
	out := make(map[string]struct{})

	add := func(set state.HashSet) {
		for hash := range set {
			out[hash] = struct{}{}
		}
	}

	for _, key := range keys {
		if ix.Has(dim, key) {
			add(ix.Lookup(dim, key))
			continue
		}
		if dim != state.DimensionTracker {
			continue
		}
		domain := strings.ToLower(key)
		for trackerURL := range md.Trackers {
			if ExtractDomainFromURL(trackerURL) == domain {
				add(ix.Lookup(dim, trackerURL))
			}
		}
	}

	return out
}

// collectTorrents copies the selected torrents out of the model so they can
// be used after the read lock is released.
func collectTorrents(md *state.MainData, hashes map[string]struct{}) []state.Torrent {
	out := make([]state.Torrent, 0, len(hashes))
	for hash := range hashes {
		if t, ok := md.Torrents[hash]; ok {
			out = append(out, *t)
		}
	}
	return out
}

func filterTorrentsByExpr(torrents []state.Torrent, program *vm.Program) []state.Torrent {
	filtered := torrents[:0]
	for _, torrent := range torrents {
		result, err := expr.Run(program, torrent)
		if err != nil {
			log.Debug().Err(err).Str("hash", torrent.Hash).Msg("Filter expression failed for torrent")
			continue
		}
		if match, ok := result.(bool); ok && match {
			filtered = append(filtered, torrent)
		}
	}
	return filtered
}

// foldAccents strips combining marks. Chained transformers keep state, so
// one is built per call.
func foldAccents(text string) string {
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, text)
	if err != nil {
		return text
	}
	return folded
}

func normalizeForSearch(text string) string {
	// Replace common torrent separators with spaces
	replacers := []string{".", "_", "-", "[", "]", "(", ")", "{", "}"}
	normalized := strings.ToLower(foldAccents(text))
	for _, r := range replacers {
		normalized = strings.ReplaceAll(normalized, r, " ")
	}
	return strings.Join(strings.Fields(normalized), " ")
}

// filterTorrentsBySearch ranks matches: exact substring, then normalized,
// then all words present, then a tight fuzzy match on the name.
func filterTorrentsBySearch(torrents []state.Torrent, search string) []state.Torrent {
	if search == "" {
		return torrents
	}

	if strings.ContainsAny(search, "*?[") {
		return filterTorrentsByGlob(torrents, search)
	}

	type torrentMatch struct {
		torrent state.Torrent
		score   int
	}

	var matches []torrentMatch
	searchLower := strings.ToLower(search)
	searchNormalized := normalizeForSearch(search)
	searchWords := strings.Fields(searchNormalized)

	for _, torrent := range torrents {
		tags := strings.Join(torrent.Tags, ", ")

		if strings.Contains(strings.ToLower(torrent.Name), searchLower) ||
			strings.Contains(strings.ToLower(torrent.Category), searchLower) ||
			strings.Contains(strings.ToLower(tags), searchLower) ||
			strings.Contains(strings.ToLower(torrent.Hash), searchLower) ||
			strings.Contains(strings.ToLower(torrent.InfohashV1), searchLower) ||
			strings.Contains(strings.ToLower(torrent.InfohashV2), searchLower) {
			matches = append(matches, torrentMatch{torrent: torrent, score: 0})
			continue
		}

		nameNormalized := normalizeForSearch(torrent.Name)
		categoryNormalized := normalizeForSearch(torrent.Category)
		tagsNormalized := normalizeForSearch(tags)

		if strings.Contains(nameNormalized, searchNormalized) ||
			strings.Contains(categoryNormalized, searchNormalized) ||
			strings.Contains(tagsNormalized, searchNormalized) {
			matches = append(matches, torrentMatch{torrent: torrent, score: 1})
			continue
		}

		if len(searchWords) > 1 {
			allFields := nameNormalized + " " + categoryNormalized + " " + tagsNormalized
			allWordsFound := true
			for _, word := range searchWords {
				if !strings.Contains(allFields, word) {
					allWordsFound = false
					break
				}
			}
			if allWordsFound {
				matches = append(matches, torrentMatch{torrent: torrent, score: 2})
				continue
			}
		}

		// fuzzy only against the name, across all fields it matches noise
		if fuzzy.MatchNormalizedFold(searchNormalized, nameNormalized) {
			if score := fuzzy.RankMatchNormalizedFold(searchNormalized, nameNormalized); score < 10 {
				matches = append(matches, torrentMatch{torrent: torrent, score: 3 + score})
			}
		}
	}

	slices.SortStableFunc(matches, func(a, b torrentMatch) int {
		return cmp.Compare(a.score, b.score)
	})

	filtered := make([]state.Torrent, len(matches))
	for i, match := range matches {
		filtered[i] = match.torrent
	}

	log.Debug().
		Str("search", search).
		Int("totalTorrents", len(torrents)).
		Int("matchedTorrents", len(filtered)).
		Msg("Search completed")

	return filtered
}

// filterTorrentsByGlob matches a case-insensitive glob against name,
// category and each tag.
func filterTorrentsByGlob(torrents []state.Torrent, pattern string) []state.Torrent {
	var filtered []state.Torrent
	patternLower := strings.ToLower(pattern)

	if _, err := filepath.Match(patternLower, ""); err != nil {
		log.Debug().Str("pattern", pattern).Err(err).Msg("Invalid glob pattern")
		return filtered
	}

	for _, torrent := range torrents {
		if matched, _ := filepath.Match(patternLower, strings.ToLower(torrent.Name)); matched {
			filtered = append(filtered, torrent)
			continue
		}

		if torrent.Category != "" {
			if matched, _ := filepath.Match(patternLower, strings.ToLower(torrent.Category)); matched {
				filtered = append(filtered, torrent)
				continue
			}
		}

		for _, tag := range torrent.Tags {
			if matched, _ := filepath.Match(patternLower, strings.ToLower(tag)); matched {
				filtered = append(filtered, torrent)
				break
			}
		}
	}

	return filtered
}

// fieldComparator returns the ascending order of a sortable field, nil when
// the field is unknown.
func fieldComparator(field string) func(a, b *state.Torrent) int {
	switch field {
	case "name":
		return func(a, b *state.Torrent) int {
			if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
				return c
			}
			return strings.Compare(a.Name, b.Name)
		}
	case "size":
		return func(a, b *state.Torrent) int { return cmp.Compare(a.Size, b.Size) }
	case "total_size":
		return func(a, b *state.Torrent) int { return cmp.Compare(a.TotalSize, b.TotalSize) }
	case "progress":
		return func(a, b *state.Torrent) int { return cmp.Compare(a.Progress, b.Progress) }
	case "ratio":
		return func(a, b *state.Torrent) int { return cmp.Compare(a.Ratio, b.Ratio) }
	case "added_on":
		return func(a, b *state.Torrent) int { return cmp.Compare(a.AddedOn, b.AddedOn) }
	case "completion_on":
		return func(a, b *state.Torrent) int { return cmp.Compare(a.CompletionOn, b.CompletionOn) }
	case "last_activity":
		return func(a, b *state.Torrent) int { return cmp.Compare(a.LastActivity, b.LastActivity) }
	case "dlspeed":
		return func(a, b *state.Torrent) int { return cmp.Compare(a.DlSpeed, b.DlSpeed) }
	case "upspeed":
		return func(a, b *state.Torrent) int { return cmp.Compare(a.UpSpeed, b.UpSpeed) }
	case "num_seeds":
		return func(a, b *state.Torrent) int { return cmp.Compare(a.NumSeeds, b.NumSeeds) }
	case "num_leechs":
		return func(a, b *state.Torrent) int { return cmp.Compare(a.NumLeechs, b.NumLeechs) }
	case "uploaded":
		return func(a, b *state.Torrent) int { return cmp.Compare(a.Uploaded, b.Uploaded) }
	case "downloaded":
		return func(a, b *state.Torrent) int { return cmp.Compare(a.Downloaded, b.Downloaded) }
	case "category":
		return func(a, b *state.Torrent) int { return strings.Compare(a.Category, b.Category) }
	case "tracker":
		return func(a, b *state.Torrent) int { return strings.Compare(a.Tracker, b.Tracker) }
	case "state":
		return func(a, b *state.Torrent) int { return strings.Compare(string(a.State), string(b.State)) }
	}
	return nil
}

// sortTorrents orders in place. Unknown fields fall back to added_on. ETA
// infinity and unqueued priority always sort last whatever the order.
func sortTorrents(torrents []state.Torrent, field, order string) {
	desc := strings.EqualFold(order, "desc")

	var compare func(a, b *state.Torrent) int
	switch field {
	case "eta":
		compare = func(a, b *state.Torrent) int {
			aInf, bInf := a.ETA == infinityETA, b.ETA == infinityETA
			switch {
			case aInf && bInf:
				return 0
			case aInf:
				return 1
			case bInf:
				return -1
			}
			return directional(cmp.Compare(a.ETA, b.ETA), desc)
		}
	case "priority":
		// 0 means not queued
		compare = func(a, b *state.Torrent) int {
			switch {
			case a.Priority == 0 && b.Priority == 0:
				return 0
			case a.Priority == 0:
				return 1
			case b.Priority == 0:
				return -1
			}
			return directional(cmp.Compare(a.Priority, b.Priority), desc)
		}
	default:
		byField := fieldComparator(field)
		if byField == nil {
			byField = fieldComparator("added_on")
		}
		compare = func(a, b *state.Torrent) int {
			return directional(byField(a, b), desc)
		}
	}

	slices.SortStableFunc(torrents, func(a, b state.Torrent) int {
		if c := compare(&a, &b); c != 0 {
			return c
		}
		return strings.Compare(a.Hash, b.Hash)
	})
}

func directional(c int, desc bool) int {
	if desc {
		return -c
	}
	return c
}

// paginate applies offset and limit. A limit of zero or less returns the rest.
func paginate(torrents []state.Torrent, limit, offset int) ([]state.Torrent, bool) {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(torrents) {
		return []state.Torrent{}, false
	}
	torrents = torrents[offset:]
	if limit <= 0 || limit >= len(torrents) {
		return torrents, false
	}
	return torrents[:limit], true
}

// countsFromIndex reads every dimension's key counts. Caller holds the
// model's read lock.
func countsFromIndex(md *state.MainData) *TorrentCounts {
	ix := md.Index()

	counts := &TorrentCounts{
		Status:         ix.Counts(state.DimensionStatus),
		Categories:     ix.Counts(state.DimensionCategory),
		Tags:           ix.Counts(state.DimensionTag),
		Trackers:       ix.Counts(state.DimensionTracker),
		TrackerDomains: make(map[string]int),
		Total:          ix.Count(state.DimensionStatus, state.KeyAll),
	}

	domains := make(map[string]map[string]struct{})
	for trackerURL, hashes := range md.Trackers {
		domain := ExtractDomainFromURL(trackerURL)
		set, ok := domains[domain]
		if !ok {
			set = make(map[string]struct{})
			domains[domain] = set
		}
		for _, hash := range hashes {
			if _, known := md.Torrents[hash]; known {
				set[hash] = struct{}{}
			}
		}
	}
	for domain, set := range domains {
		counts.TrackerDomains[domain] = len(set)
	}

	return counts
}

// ExtractDomainFromURL returns the lowercase host of a tracker URL, with or
// without scheme. Unparseable input yields "Unknown".
func ExtractDomainFromURL(urlStr string) string {
	urlStr = strings.TrimSpace(urlStr)
	if urlStr == "" {
		return ""
	}

	if cachedDomain, found := urlCache.Get(urlStr); found {
		return cachedDomain
	}

	const unknown = "Unknown"
	domain := unknown

	if u, err := url.Parse(urlStr); err == nil {
		if hostname := u.Hostname(); hostname != "" {
			domain = hostname
		}
	}

	if domain == unknown && !strings.Contains(urlStr, "://") {
		if u, err := url.Parse("//" + urlStr); err == nil {
			if hostname := u.Hostname(); hostname != "" {
				domain = hostname
			}
		}
	}

	if domain == unknown {
		candidate := urlStr
		if idx := strings.IndexAny(candidate, "/?#"); idx != -1 {
			candidate = candidate[:idx]
		}
		candidate = strings.TrimSpace(strings.TrimPrefix(candidate, "//"))

		if candidate != "" {
			if host, _, err := net.SplitHostPort(candidate); err == nil {
				domain = host
			} else if ip := net.ParseIP(candidate); ip != nil && strings.Contains(candidate, ":") {
				domain = candidate
			} else {
				if idx := strings.Index(candidate, ":"); idx != -1 {
					candidate = candidate[:idx]
				}
				if candidate != "" {
					domain = candidate
				}
			}
		}
	}

	if domain != unknown {
		domain = strings.ToLower(strings.Trim(domain, "[]"))
	}

	urlCache.Set(urlStr, domain, ttlcache.DefaultTTL)
	return domain
}

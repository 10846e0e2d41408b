// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/qsync/internal/api/openapi"
	"github.com/autobrr/qsync/internal/config"
	"github.com/autobrr/qsync/internal/database"
	"github.com/autobrr/qsync/internal/domain"
	"github.com/autobrr/qsync/internal/models"
	"github.com/autobrr/qsync/internal/qbittorrent"
)

type routeKey struct {
	Method string
	Path   string
}

func TestAllEndpointsDocumented(t *testing.T) {
	server := NewServer(&Dependencies{
		Config: &config.AppConfig{
			Config: &domain.Config{
				BaseURL: "/",
			},
		},
		Version:       "test",
		InstanceStore: &models.InstanceStore{},
		ClientPool:    &qbittorrent.ClientPool{},
		SyncManager:   &qbittorrent.SyncManager{},
	})
	router := server.Handler()

	actualRoutes := collectRouterRoutes(t, router)
	documentedRoutes := loadDocumentedRoutes(t)

	undocumented := diffRoutes(actualRoutes, documentedRoutes)
	if len(undocumented) > 0 {
		t.Fatalf("found %d undocumented API endpoints:\n%s", len(undocumented), formatRoutes(undocumented))
	}

	missingHandlers := diffRoutes(documentedRoutes, actualRoutes)
	if len(missingHandlers) > 0 {
		t.Fatalf("found %d documented endpoints without handlers:\n%s", len(missingHandlers), formatRoutes(missingHandlers))
	}

	t.Logf("checked %d API routes registered in chi", len(actualRoutes))
}

func collectRouterRoutes(t *testing.T, r chi.Routes) map[routeKey]struct{} {
	t.Helper()

	routes := make(map[routeKey]struct{})
	err := chi.Walk(r, func(method string, path string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		method = strings.ToUpper(method)
		if !isComparableMethod(method) {
			return nil
		}

		normalizedPath, ok := normalizeRoutePath(path)
		if !ok {
			return nil
		}

		routes[routeKey{Method: method, Path: normalizedPath}] = struct{}{}
		return nil
	})
	require.NoError(t, err)

	return routes
}

func loadDocumentedRoutes(t *testing.T) map[routeKey]struct{} {
	t.Helper()

	specBytes, err := openapi.GetOpenAPISpec()
	require.NoError(t, err)
	require.NotEmpty(t, specBytes, "OpenAPI spec should be embedded")

	var spec map[string]any
	require.NoError(t, yaml.Unmarshal(specBytes, &spec))

	pathsNode, ok := spec["paths"].(map[string]any)
	require.True(t, ok, "OpenAPI spec missing paths section")

	routes := make(map[routeKey]struct{})
	for path, pathItem := range pathsNode {
		normalizedPath, ok := normalizeRoutePath(path)
		if !ok {
			continue
		}

		methods, ok := pathItem.(map[string]any)
		if !ok {
			continue
		}

		for method := range methods {
			upperMethod := strings.ToUpper(method)
			if !isComparableMethod(upperMethod) {
				continue
			}
			routes[routeKey{Method: upperMethod, Path: normalizedPath}] = struct{}{}
		}
	}

	return routes
}

func normalizeRoutePath(path string) (string, bool) {
	if path == "" || strings.Contains(path, "/*") {
		return "", false
	}

	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}

	if !strings.HasPrefix(path, "/api") && !strings.HasPrefix(path, "/health") {
		return "", false
	}

	return strings.ReplaceAll(path, "{instanceID}", "{instanceId}"), true
}

func isComparableMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func diffRoutes(left, right map[routeKey]struct{}) []routeKey {
	diff := make([]routeKey, 0)
	for route := range left {
		if _, exists := right[route]; !exists {
			diff = append(diff, route)
		}
	}

	sort.Slice(diff, func(i, j int) bool {
		if diff[i].Path == diff[j].Path {
			return diff[i].Method < diff[j].Method
		}
		return diff[i].Path < diff[j].Path
	})

	return diff
}

func formatRoutes(routes []routeKey) string {
	lines := make([]string, len(routes))
	for i, route := range routes {
		lines[i] = fmt.Sprintf("%s %s", route.Method, route.Path)
	}
	return strings.Join(lines, "\n")
}

const testSID = "api-test-sid"

// fakeDaemon answers the handful of WebAPI endpoints the sync layer uses.
type fakeDaemon struct {
	server *httptest.Server

	mu       sync.Mutex
	setPrefs []string
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()

	d := &fakeDaemon{}
	responses := map[string]string{
		"app/webapiVersion": "2.11.2",
		"sync/maindata": `{
			"rid": 1,
			"full_update": true,
			"torrents": {
				"h1": {"name": "Debian.12.iso", "category": "linux", "state": "uploading", "progress": 1, "size": 4000, "added_on": 10},
				"h2": {"name": "Arch.Linux.iso", "category": "linux", "state": "downloading", "progress": 0.5, "size": 1000, "added_on": 20},
				"h3": {"name": "Show.S01E01", "category": "tv", "state": "pausedUP", "progress": 1, "size": 2000, "added_on": 30}
			},
			"categories": {"linux": {"name": "linux", "savePath": "/data/linux"}, "tv": {"name": "tv", "savePath": ""}},
			"tags": ["iso"],
			"trackers": {"https://tracker.example.org/announce": ["h1", "h2"]},
			"server_state": {"connection_status": "connected"}
		}`,
		"sync/torrentPeers": `{"rid": 1, "full_update": true, "show_flags": true, "peers": {
			"10.0.0.2:51413": {"client": "Deluge", "progress": 0.25, "dl_speed": 10},
			"10.0.0.3:6881": {"client": "qBittorrent", "progress": 1}
		}}`,
		"torrents/files": `[
			{"index": 0, "name": "Debian/disc1.iso", "size": 3000, "progress": 1, "priority": 1},
			{"index": 1, "name": "Debian/disc2.iso", "size": 1000, "progress": 1, "priority": 1}
		]`,
		"app/preferences": `{"use_subcategories": false, "save_path": "/data"}`,
	}

	d.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/v2/")
		switch path {
		case "auth/login":
			http.SetCookie(w, &http.Cookie{Name: "SID", Value: testSID, Path: "/"})
			_, _ = io.WriteString(w, "Ok.")
			return
		case "app/setPreferences":
			_ = r.ParseForm()
			d.mu.Lock()
			d.setPrefs = append(d.setPrefs, r.PostForm.Get("json"))
			d.mu.Unlock()
			return
		}

		body, ok := responses[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(d.server.Close)
	return d
}

type apiHarness struct {
	baseURL    string
	daemon     *fakeDaemon
	instanceID int
}

func startAPIServer(t *testing.T) *apiHarness {
	t.Helper()

	daemon := newFakeDaemon(t)

	db, err := database.New(filepath.Join(t.TempDir(), "qsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := models.NewInstanceStore(db, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	instance, err := store.Create(context.Background(), models.InstanceInput{
		Name:     "primary",
		Host:     daemon.server.URL,
		Username: "admin",
		Password: "adminadmin",
	})
	require.NoError(t, err)

	pool, err := qbittorrent.NewClientPool(store, models.NewInstanceErrorStore(db), qbittorrent.SyncConfig{
		RefreshInterval:   20 * time.Millisecond,
		StreamIdleTimeout: time.Minute,
		Subcategories:     true,
	}, nil)
	require.NoError(t, err)
	manager := qbittorrent.NewSyncManager(pool)

	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	server := NewServer(&Dependencies{
		Config: &config.AppConfig{
			Config: &domain.Config{Host: "127.0.0.1", Port: port, BaseURL: "/"},
		},
		Version:       "test",
		InstanceStore: store,
		ClientPool:    pool,
		SyncManager:   manager,
	})

	ready := make(chan struct{}, 1)
	go func() {
		_ = server.ListenAndServeReady(ready)
	}()

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("API server did not start")
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		manager.Close()
		_ = pool.Close()
	})

	return &apiHarness{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", port),
		daemon:     daemon,
		instanceID: instance.ID,
	}
}

func (h *apiHarness) instancePath(suffix string) string {
	return fmt.Sprintf("/api/instances/%d%s", h.instanceID, suffix)
}

func (h *apiHarness) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.baseURL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	// keep the transport from negotiating gzip so ETags are compared verbatim
	req.Header.Set("Accept-Encoding", "identity")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestServerHealthAndSpec(t *testing.T) {
	h := startAPIServer(t)

	resp, body := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","version":"test"}`, string(body))

	resp, body = h.do(t, http.MethodGet, "/api/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "openapi: 3.0.3")
}

func TestServerListTorrents(t *testing.T) {
	h := startAPIServer(t)

	filters := url.QueryEscape(`{"categories":["linux"]}`)
	expr := url.QueryEscape(`{"expr":"Size +"}`)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantHashes []string
		wantTotal  int
	}{
		{name: "all by size ascending", path: h.instancePath("/torrents?sort=size&order=asc"), wantStatus: http.StatusOK, wantHashes: []string{"h2", "h3", "h1"}, wantTotal: 3},
		{name: "default newest first", path: h.instancePath("/torrents"), wantStatus: http.StatusOK, wantHashes: []string{"h3", "h2", "h1"}, wantTotal: 3},
		{name: "category filter", path: h.instancePath("/torrents?sort=name&order=asc&filters=" + filters), wantStatus: http.StatusOK, wantHashes: []string{"h2", "h1"}, wantTotal: 2},
		{name: "paged", path: h.instancePath("/torrents?sort=size&order=asc&limit=1&page=1"), wantStatus: http.StatusOK, wantHashes: []string{"h3"}, wantTotal: 3},
		{name: "search", path: h.instancePath("/torrents?search=debian"), wantStatus: http.StatusOK, wantHashes: []string{"h1"}, wantTotal: 1},
		{name: "malformed filters", path: h.instancePath("/torrents?filters=%7Bnope"), wantStatus: http.StatusBadRequest},
		{name: "invalid expression", path: h.instancePath("/torrents?filters=" + expr), wantStatus: http.StatusBadRequest},
		{name: "invalid instance id", path: "/api/instances/abc/torrents", wantStatus: http.StatusBadRequest},
		{name: "unknown instance", path: "/api/instances/999/torrents", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			resp, body := h.do(t, http.MethodGet, tt.path, "", nil)
			require.Equal(t, tt.wantStatus, resp.StatusCode, string(body))

			if tt.wantStatus != http.StatusOK {
				var errResp map[string]string
				require.NoError(t, json.Unmarshal(body, &errResp))
				assert.NotEmpty(t, errResp["error"])
				return
			}

			var payload qbittorrent.TorrentResponse
			require.NoError(t, json.Unmarshal(body, &payload))

			hashes := make([]string, len(payload.Torrents))
			for i, torrent := range payload.Torrents {
				hashes[i] = torrent.Hash
			}
			assert.Equal(t, tt.wantHashes, hashes)
			assert.Equal(t, tt.wantTotal, payload.Total)
			assert.Equal(t, 2, payload.Counts.Categories["linux"])
		})
	}
}

func TestServerETag(t *testing.T) {
	h := startAPIServer(t)
	path := h.instancePath("/counts")

	resp, body := h.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.True(t, strings.HasPrefix(etag, `W/"`), etag)

	var counts qbittorrent.TorrentCounts
	require.NoError(t, json.Unmarshal(body, &counts))
	assert.Equal(t, 3, counts.Total)

	resp, body = h.do(t, http.MethodGet, path, "", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Empty(t, body)

	resp, _ = h.do(t, http.MethodGet, path, "", map[string]string{"If-None-Match": `W/"stale"`})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerSidebarReads(t *testing.T) {
	h := startAPIServer(t)

	resp, body := h.do(t, http.MethodGet, h.instancePath("/categories"), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"linux"`)

	resp, body = h.do(t, http.MethodGet, h.instancePath("/tags"), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `["iso"]`, string(body))

	resp, body = h.do(t, http.MethodGet, h.instancePath("/trackers"), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"https://tracker.example.org/announce":["h1","h2"]}`, string(body))

	resp, body = h.do(t, http.MethodGet, h.instancePath("/server-state"), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"connection_status":"connected"`)

	resp, body = h.do(t, http.MethodGet, h.instancePath("/capabilities"), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"webAPIVersion":"2.11.2"`)
	assert.Contains(t, string(body), `"supportsSubcategories":true`)
}

func TestServerTorrentDetails(t *testing.T) {
	h := startAPIServer(t)

	resp, body := h.do(t, http.MethodGet, h.instancePath("/torrents/H1/peers"), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var peers struct {
		ShowFlags   bool `json:"showFlags"`
		SortedPeers []struct {
			Key string `json:"key"`
		} `json:"sorted_peers"`
	}
	require.NoError(t, json.Unmarshal(body, &peers))
	assert.True(t, peers.ShowFlags)
	require.Len(t, peers.SortedPeers, 2)
	assert.Equal(t, "10.0.0.3:6881", peers.SortedPeers[0].Key, "seeders first")

	resp, body = h.do(t, http.MethodGet, h.instancePath("/torrents/h1/files"), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var items []struct {
		Path     string `json:"path"`
		IsFolder bool   `json:"isFolder"`
		Size     int64  `json:"size"`
	}
	require.NoError(t, json.Unmarshal(body, &items))
	require.Len(t, items, 3)
	assert.Equal(t, "Debian", items[0].Path)
	assert.True(t, items[0].IsFolder)
	assert.Equal(t, int64(4000), items[0].Size)

	resp, _ = h.do(t, http.MethodGet, h.instancePath("/torrents/missing/files"), "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerPreferences(t *testing.T) {
	h := startAPIServer(t)

	resp, body := h.do(t, http.MethodGet, h.instancePath("/preferences"), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"save_path":"/data"`)

	resp, _ = h.do(t, http.MethodPatch, h.instancePath("/preferences"), `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = h.do(t, http.MethodPatch, h.instancePath("/preferences"), `{"dl_limit": 1024}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	h.daemon.mu.Lock()
	defer h.daemon.mu.Unlock()
	require.Len(t, h.daemon.setPrefs, 1)
	assert.JSONEq(t, `{"dl_limit": 1024}`, h.daemon.setPrefs[0])
}

func TestServerInstanceLifecycle(t *testing.T) {
	h := startAPIServer(t)

	resp, body := h.do(t, http.MethodGet, "/api/instances", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "adminadmin")

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{name: "create", method: http.MethodPost, path: "/api/instances", body: `{"name":"second","host":"localhost:9091","username":"admin","password":"pw","isActive":false}`, wantStatus: http.StatusCreated},
		{name: "duplicate name", method: http.MethodPost, path: "/api/instances", body: `{"name":"second","host":"localhost:9092"}`, wantStatus: http.StatusConflict},
		{name: "bad scheme", method: http.MethodPost, path: "/api/instances", body: `{"name":"third","host":"ftp://localhost"}`, wantStatus: http.StatusBadRequest},
		{name: "missing name", method: http.MethodPost, path: "/api/instances", body: `{"host":"localhost"}`, wantStatus: http.StatusBadRequest},
		{name: "malformed body", method: http.MethodPost, path: "/api/instances", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "update unknown", method: http.MethodPut, path: "/api/instances/999", body: `{"name":"x","host":"localhost"}`, wantStatus: http.StatusNotFound},
		{name: "errors", method: http.MethodGet, path: h.instancePath("/errors"), wantStatus: http.StatusOK},
		{name: "delete unknown", method: http.MethodDelete, path: "/api/instances/999", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			resp, body := h.do(t, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode, string(body))
		})
	}

	resp, body = h.do(t, http.MethodPut, h.instancePath(""), `{"name":"renamed","host":"`+h.daemon.server.URL+`","username":"admin","password":"<redacted>"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"name":"renamed"`)

	// the stored password survived the redacted round trip
	require.Eventually(t, func() bool {
		resp, _ := h.do(t, http.MethodGet, h.instancePath("/tags"), "", nil)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	resp, _ = h.do(t, http.MethodDelete, h.instancePath(""), "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, h.instancePath("/tags"), "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/avast/retry-go"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/autobrr/qsync/internal/buildinfo"
	"github.com/autobrr/qsync/internal/qbittorrent/state"
)

var (
	torrentPeersMinVersion  = semver.MustParse("2.1.0")
	filePriorityMinVersion  = semver.MustParse("2.2.0")
	fileIndexMinVersion     = semver.MustParse("2.8.2")
	subcategoriesMinVersion = semver.MustParse("2.9.0")
)

const (
	defaultClientTimeout = 60 * time.Second
	loginAttempts        = 3
	loginRetryDelay      = 500 * time.Millisecond
)

// json keeps absent keys absent when decoding into pointer fields, which is
// what the diff payloads rely on.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Capabilities describes what the connected WebAPI supports.
type Capabilities struct {
	WebAPIVersion         string `json:"webAPIVersion"`
	SupportsTorrentPeers  bool   `json:"supportsTorrentPeers"`
	SupportsFilePriority  bool   `json:"supportsFilePriority"`
	SupportsFileIndex     bool   `json:"supportsFileIndex"`
	SupportsSubcategories bool   `json:"supportsSubcategories"`
}

// Client talks to one qBittorrent daemon. The embedded go-qbittorrent client
// covers the plain endpoints; the sync endpoints go through a separate
// session so diffs can be decoded without losing field presence.
type Client struct {
	*qbt.Client
	instanceID int
	baseURL    *url.URL
	http       *http.Client
	username   string
	password   string
	basicUser  string
	basicPass  string
	loginMu    sync.Mutex

	capabilities    Capabilities
	lastHealthCheck time.Time
	isHealthy       bool
	mu              sync.RWMutex
	healthMu        sync.RWMutex
}

func NewClient(ctx context.Context, instanceID int, instanceHost, username, password string, basicUsername, basicPassword *string, tlsSkipVerify bool) (*Client, error) {
	return NewClientWithTimeout(ctx, instanceID, instanceHost, username, password, basicUsername, basicPassword, tlsSkipVerify, defaultClientTimeout)
}

func NewClientWithTimeout(ctx context.Context, instanceID int, instanceHost, username, password string, basicUsername, basicPassword *string, tlsSkipVerify bool, timeout time.Duration) (*Client, error) {
	baseURL, err := url.Parse(instanceHost)
	if err != nil {
		return nil, errors.Wrap(err, "invalid instance host")
	}

	cfg := qbt.Config{
		Host:          instanceHost,
		Username:      username,
		Password:      password,
		Timeout:       int(timeout.Seconds()),
		TLSSkipVerify: tlsSkipVerify,
	}

	client := &Client{
		instanceID: instanceID,
		baseURL:    baseURL,
		username:   username,
		password:   password,
	}

	if basicUsername != nil && *basicUsername != "" {
		cfg.BasicUser = *basicUsername
		client.basicUser = *basicUsername
		if basicPassword != nil {
			cfg.BasicPass = *basicPassword
			client.basicPass = *basicPassword
		}
	}

	client.Client = qbt.NewClient(cfg)

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, errors.Wrap(err, "could not create cookie jar")
	}

	client.http = &http.Client{
		Timeout: timeout,
		Jar:     jar,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: tlsSkipVerify}, //nolint:gosec
		},
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Login(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to qBittorrent instance: %w", err)
	}

	if err := client.RefreshCapabilities(ctx); err != nil {
		log.Warn().
			Err(err).
			Int("instanceID", instanceID).
			Str("host", instanceHost).
			Msg("Failed to refresh qBittorrent capabilities during client creation")
		client.updateHealthStatus(false)
	} else {
		client.updateHealthStatus(true)
	}

	caps := client.Capabilities()
	log.Debug().
		Int("instanceID", instanceID).
		Str("host", instanceHost).
		Str("webAPIVersion", caps.WebAPIVersion).
		Bool("supportsTorrentPeers", caps.SupportsTorrentPeers).
		Bool("supportsSubcategories", caps.SupportsSubcategories).
		Bool("supportsFileIndex", caps.SupportsFileIndex).
		Bool("tlsSkipVerify", tlsSkipVerify).
		Msg("qBittorrent client created successfully")

	return client, nil
}

// Login authenticates both sessions. Bad credentials and bans are not
// retried: every failed attempt counts towards the daemon's ban threshold.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	var lastErr error
	err := retry.Do(
		func() error {
			lastErr = c.loginSync(ctx)
			if errors.Is(lastErr, ErrLoginFailed) || errors.Is(lastErr, ErrIPBanned) {
				return retry.Unrecoverable(lastErr)
			}
			return lastErr
		},
		retry.Context(ctx),
		retry.Attempts(loginAttempts),
		retry.Delay(loginRetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Int("instanceID", c.instanceID).Uint("attempt", n+1).Msg("Retrying qBittorrent login")
		}),
	)
	if err != nil {
		// report the daemon's answer, not the retry wrapper
		if lastErr != nil {
			return lastErr
		}
		return err
	}

	return c.Client.LoginCtx(ctx)
}

func (c *Client) loginSync(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("auth/login"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.baseURL.String())
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "login request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return ErrIPBanned
	default:
		return &StatusError{StatusCode: resp.StatusCode, Endpoint: "auth/login"}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return errors.Wrap(err, "could not read login response")
	}
	if strings.TrimSpace(string(body)) == "Fails." {
		return ErrLoginFailed
	}

	return nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.JoinPath("api/v2", path).String()
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	if c.basicUser != "" {
		req.SetBasicAuth(c.basicUser, c.basicPass)
	}
}

// getJSON fetches an endpoint of the sync session. A 403 is answered with a
// single re-login since the daemon expires idle sessions. Per torrent
// endpoints use doGetJSON: a 403 there is terminal for the stream.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	err := c.doGetJSON(ctx, path, query, out)
	if statusCode(err) != http.StatusForbidden {
		return err
	}

	log.Debug().Int("instanceID", c.instanceID).Str("endpoint", path).Msg("Session rejected, logging in again")
	if loginErr := c.Login(ctx); loginErr != nil {
		return errors.Wrap(loginErr, "re-login failed")
	}

	return c.doGetJSON(ctx, path, query, out)
}

func (c *Client) doGetJSON(ctx context.Context, path string, query url.Values, out any) error {
	target := c.endpoint(path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return err
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request to %s failed", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Endpoint: path}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "could not decode %s", path)
	}

	return nil
}

// SyncMainData returns the snapshot (rid 0) or the diff since rid.
func (c *Client) SyncMainData(ctx context.Context, rid int64) (*state.MainDataPayload, error) {
	var payload state.MainDataPayload
	query := url.Values{"rid": {strconv.FormatInt(rid, 10)}}
	if err := c.getJSON(ctx, "sync/maindata", query, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// SyncPeers returns the swarm snapshot or diff of one torrent.
func (c *Client) SyncPeers(ctx context.Context, hash string, rid int64) (*state.PeersPayload, error) {
	var payload state.PeersPayload
	query := url.Values{
		"hash": {hash},
		"rid":  {strconv.FormatInt(rid, 10)},
	}
	if err := c.doGetJSON(ctx, "sync/torrentPeers", query, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// GetTorrentFiles returns the flat file list of a torrent. Daemons without
// the index field get positional indices.
func (c *Client) GetTorrentFiles(ctx context.Context, hash string) ([]state.TorrentFile, error) {
	var files qbt.TorrentFiles
	if err := c.doGetJSON(ctx, "torrents/files", url.Values{"hash": {hash}}, &files); err != nil {
		return nil, err
	}

	out := state.FilesFromQbt(files)
	if !c.Capabilities().SupportsFileIndex {
		for i := range out {
			out[i].Index = i
		}
	}
	return out, nil
}

// GetPreferences returns the preferences as a patch so fields the daemon
// does not know about stay unset.
func (c *Client) GetPreferences(ctx context.Context) (*state.PreferencesPatch, error) {
	var patch state.PreferencesPatch
	if err := c.getJSON(ctx, "app/preferences", nil, &patch); err != nil {
		return nil, err
	}
	return &patch, nil
}

func (c *Client) GetInstanceID() int {
	return c.instanceID
}

func (c *Client) GetLastHealthCheck() time.Time {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.lastHealthCheck
}

func (c *Client) updateHealthStatus(healthy bool) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.isHealthy = healthy
	c.lastHealthCheck = time.Now()
}

func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.isHealthy
}

// RefreshCapabilities fetches the WebAPI version and recalculates feature flags.
func (c *Client) RefreshCapabilities(ctx context.Context) error {
	version, err := c.Client.GetWebAPIVersionCtx(ctx)
	if err != nil {
		return err
	}

	version = strings.TrimSpace(version)
	if version == "" {
		return fmt.Errorf("web API version is empty")
	}

	c.mu.Lock()
	previousVersion := c.capabilities.WebAPIVersion
	c.applyCapabilitiesLocked(version)
	c.mu.Unlock()

	if previousVersion != version {
		log.Trace().
			Int("instanceID", c.instanceID).
			Str("previousWebAPIVersion", previousVersion).
			Str("webAPIVersion", version).
			Msg("Refreshed qBittorrent capabilities")
	}

	return nil
}

func (c *Client) applyCapabilitiesLocked(version string) {
	c.capabilities.WebAPIVersion = version

	v, err := semver.NewVersion(version)
	if err != nil {
		log.Warn().
			Int("instanceID", c.instanceID).
			Str("webAPIVersion", version).
			Err(err).
			Msg("Failed to parse qBittorrent WebAPI version; leaving capability flags unchanged")
		return
	}

	c.capabilities.SupportsTorrentPeers = !v.LessThan(torrentPeersMinVersion)
	c.capabilities.SupportsFilePriority = !v.LessThan(filePriorityMinVersion)
	c.capabilities.SupportsFileIndex = !v.LessThan(fileIndexMinVersion)
	c.capabilities.SupportsSubcategories = !v.LessThan(subcategoriesMinVersion)
}

func (c *Client) Capabilities() Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

func (c *Client) SupportsSubcategories() bool {
	return c.Capabilities().SupportsSubcategories
}

func (c *Client) HealthCheck(ctx context.Context) error {
	if c.IsHealthy() && time.Now().Add(-minHealthCheckInterval).Before(c.GetLastHealthCheck()) {
		return nil
	}

	if err := c.RefreshCapabilities(ctx); err != nil {
		c.updateHealthStatus(false)
		return errors.Wrap(err, "health check failed")
	}

	c.updateHealthStatus(true)
	return nil
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrResourceGone is matched by terminal status errors. A stream that
	// sees it stops for good.
	ErrResourceGone = errors.New("qBittorrent resource is gone")

	ErrLoginFailed = errors.New("qBittorrent login failed: check username and password")
	ErrIPBanned    = errors.New("qBittorrent login failed: IP is banned for too many failed login attempts")
)

// StatusError is returned for any non 2xx response of the daemon.
type StatusError struct {
	StatusCode int
	Endpoint   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s from %s", e.StatusCode, http.StatusText(e.StatusCode), e.Endpoint)
}

// IsTerminal reports whether retrying the endpoint is pointless: the torrent
// is gone (404) or access is denied (403).
func (e *StatusError) IsTerminal() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusForbidden
}

func (e *StatusError) Is(target error) bool {
	return target == ErrResourceGone && e.IsTerminal()
}

// IsTerminal reports whether err ends a stream.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrResourceGone)
}

func statusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

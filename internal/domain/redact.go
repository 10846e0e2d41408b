// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

const RedactedValue = "<redacted>"

// RedactString hides a secret while keeping whether it was set visible.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return RedactedValue
}

func IsRedactedString(s string) bool {
	return s == RedactedValue
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/autobrr/qsync/internal/dbinterface"
)

const (
	ErrorTypeConnection     = "connection"
	ErrorTypeAuthentication = "authentication"
	ErrorTypeBan            = "ban"
	ErrorTypeAPI            = "api"
)

// duplicateWindow suppresses identical errors recorded in quick succession.
const duplicateWindow = "-1 minute"

type InstanceError struct {
	ID           int       `json:"id"`
	InstanceID   int       `json:"instanceId"`
	ErrorType    string    `json:"errorType"`
	ErrorMessage string    `json:"errorMessage"`
	OccurredAt   time.Time `json:"occurredAt"`
}

type InstanceErrorStore struct {
	db dbinterface.Querier
}

func NewInstanceErrorStore(db dbinterface.Querier) *InstanceErrorStore {
	return &InstanceErrorStore{db: db}
}

// RecordError stores a failure for an instance. Cancellations are not
// failures and are ignored.
func (s *InstanceErrorStore) RecordError(ctx context.Context, instanceID int, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	errorType := CategorizeError(err)
	message := err.Error()

	var count int
	if scanErr := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM instance_errors
		WHERE instance_id = ? AND error_type = ? AND error_message = ?
		AND occurred_at > datetime('now', ?)`,
		instanceID, errorType, message, duplicateWindow,
	).Scan(&count); scanErr == nil && count > 0 {
		return nil
	}

	// the cleanup trigger caps the history per instance
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instance_errors (instance_id, error_type, error_message) VALUES (?, ?, ?)`,
		instanceID, errorType, message)
	return err
}

func (s *InstanceErrorStore) GetRecentErrors(ctx context.Context, instanceID int, limit int) ([]InstanceError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, error_type, error_message, occurred_at
		FROM instance_errors
		WHERE instance_id = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?`, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]InstanceError, 0, limit)
	for rows.Next() {
		var e InstanceError
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.ErrorType, &e.ErrorMessage, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClearErrors is called once an instance connects successfully.
func (s *InstanceErrorStore) ClearErrors(ctx context.Context, instanceID int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM instance_errors WHERE instance_id = ?`, instanceID)
	return err
}

var errorPatterns = []struct {
	errorType string
	needles   []string
}{
	{ErrorTypeBan, []string{"ip is banned", "too many failed login attempts", "banned", "rate limit", "403", "forbidden"}},
	{ErrorTypeAuthentication, []string{"unauthorized", "401", "login", "authentication", "credential"}},
	{ErrorTypeConnection, []string{"connection refused", "no such host", "network", "dial", "connect"}},
}

// CategorizeError buckets an error by its message. Anything unrecognised is
// reported as an API error.
func CategorizeError(err error) string {
	if err == nil {
		return ErrorTypeAPI
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range errorPatterns {
		for _, needle := range pattern.needles {
			if strings.Contains(msg, needle) {
				return pattern.errorType
			}
		}
	}

	return ErrorTypeAPI
}

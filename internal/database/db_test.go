// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestMigrationNumbering(t *testing.T) {
	files := listMigrationFiles(t)

	seen := make(map[string]struct{})
	prev := -1

	for _, name := range files {
		parts := strings.SplitN(name, "_", 2)
		require.Lenf(t, parts, 2, "migration file %s must follow <number>_<description>.sql", name)

		number := parts[0]
		require.NotContainsf(t, seen, number, "Duplicate migration number found: %s", number)
		seen[number] = struct{}{}

		n, err := strconv.Atoi(number)
		require.NoErrorf(t, err, "migration prefix %s must be numeric", number)
		require.Greaterf(t, n, prev, "migration numbers must be strictly increasing (saw %d then %d)", prev, n)
		prev = n
	}
}

func TestMigrationIdempotency(t *testing.T) {
	log.Logger = log.Output(io.Discard)
	ctx := t.Context()
	dbPath := filepath.Join(t.TempDir(), "nested", "qsync.db")

	db1, err := New(dbPath)
	require.NoError(t, err)
	var count1 int
	require.NoError(t, db1.Conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM migrations").Scan(&count1))
	require.NoError(t, db1.Close())

	db2, err := New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db2.Close())
	})

	var count2 int
	require.NoError(t, db2.Conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM migrations").Scan(&count2))
	require.Equal(t, count1, count2)
	require.Equal(t, len(listMigrationFiles(t)), count2)
}

func TestSchema(t *testing.T) {
	log.Logger = log.Output(io.Discard)
	db := openTestDatabase(t)
	conn := db.Conn()

	t.Run("pragma settings", func(t *testing.T) {
		verifyPragmas(t, t.Context(), conn)
	})

	t.Run("columns", func(t *testing.T) {
		for table, expected := range expectedSchema {
			rows, err := conn.QueryContext(t.Context(), fmt.Sprintf("PRAGMA table_info(%q)", table))
			require.NoError(t, err)

			var columns []string
			for rows.Next() {
				var (
					cid     int
					name    string
					typ     string
					notNull int
					dflt    sql.NullString
					pk      int
				)
				require.NoError(t, rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk))
				columns = append(columns, name)
			}
			require.NoError(t, rows.Err())
			require.NoError(t, rows.Close())
			require.ElementsMatchf(t, expected, columns, "columns of %s", table)
		}
	})

	t.Run("triggers", func(t *testing.T) {
		for _, trigger := range []string{"update_instances_updated_at", "cleanup_old_instance_errors"} {
			var name string
			require.NoError(t, conn.QueryRowContext(t.Context(), "SELECT name FROM sqlite_master WHERE type='trigger' AND name = ?", trigger).Scan(&name))
		}
	})
}

func TestInstanceErrorsCascadeOnDelete(t *testing.T) {
	log.Logger = log.Output(io.Discard)
	ctx := t.Context()
	db := openTestDatabase(t)

	res, err := db.ExecContext(ctx, "INSERT INTO instances (name, host, password_encrypted) VALUES ('a', 'http://a', 'x')")
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		_, err := db.ExecContext(ctx, "INSERT INTO instance_errors (instance_id, error_type, error_message) VALUES (?, 'api', ?)", id, fmt.Sprintf("boom %d", i))
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM instance_errors WHERE instance_id = ?", id).Scan(&count))
	require.Equal(t, 5, count)

	_, err = db.ExecContext(ctx, "DELETE FROM instances WHERE id = ?", id)
	require.NoError(t, err)
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM instance_errors").Scan(&count))
	require.Zero(t, count)
}

var expectedSchema = map[string][]string{
	"migrations": {"id", "filename", "applied_at"},
	"instances": {
		"id", "name", "host", "username", "password_encrypted", "basic_username",
		"basic_password_encrypted", "tls_skip_verify", "is_active", "sort_order", "created_at", "updated_at",
	},
	"instance_errors": {"id", "instance_id", "error_type", "error_message", "occurred_at"},
}

func listMigrationFiles(t *testing.T) []string {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err, "Failed to read migrations directory")

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		files = append(files, entry.Name())
	}

	sort.Strings(files)
	return files
}

func openTestDatabase(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func verifyPragmas(t *testing.T, ctx context.Context, conn *sql.DB) {
	t.Helper()

	var journalMode string
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode))
	require.Equal(t, "wal", strings.ToLower(journalMode))

	var foreignKeys int
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)

	var busyTimeout int
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
	require.Equal(t, defaultBusyTimeoutMillis, busyTimeout)
}

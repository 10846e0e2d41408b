// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/autobrr/qsync/internal/dbinterface"
	"github.com/autobrr/qsync/internal/domain"
)

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrInstanceExists   = errors.New("instance name already in use")
	ErrInvalidInstance  = errors.New("invalid instance")
)

// Instance is a registered qBittorrent daemon. Secrets are stored encrypted
// and never leave the process in clear text.
type Instance struct {
	ID                     int     `json:"id"`
	Name                   string  `json:"name"`
	Host                   string  `json:"host"`
	Username               string  `json:"username"`
	PasswordEncrypted      string  `json:"-"`
	BasicUsername          *string `json:"basicUsername,omitempty"`
	BasicPasswordEncrypted *string `json:"-"`
	TLSSkipVerify          bool    `json:"tlsSkipVerify"`
	SortOrder              int     `json:"sortOrder"`
	IsActive               bool    `json:"isActive"`
}

func (i Instance) MarshalJSON() ([]byte, error) {
	basicPassword := ""
	if i.BasicPasswordEncrypted != nil {
		basicPassword = domain.RedactString(*i.BasicPasswordEncrypted)
	}

	return json.Marshal(&struct {
		ID            int     `json:"id"`
		Name          string  `json:"name"`
		Host          string  `json:"host"`
		Username      string  `json:"username"`
		Password      string  `json:"password,omitempty"`
		BasicUsername *string `json:"basicUsername,omitempty"`
		BasicPassword string  `json:"basicPassword,omitempty"`
		TLSSkipVerify bool    `json:"tlsSkipVerify"`
		SortOrder     int     `json:"sortOrder"`
		IsActive      bool    `json:"isActive"`
	}{
		ID:            i.ID,
		Name:          i.Name,
		Host:          i.Host,
		Username:      i.Username,
		Password:      domain.RedactString(i.PasswordEncrypted),
		BasicUsername: i.BasicUsername,
		BasicPassword: basicPassword,
		TLSSkipVerify: i.TLSSkipVerify,
		SortOrder:     i.SortOrder,
		IsActive:      i.IsActive,
	})
}

// InstanceInput carries the writable fields of an instance. For updates an
// empty Password keeps the stored one, nil pointers keep the stored value and
// empty basic auth strings clear it.
type InstanceInput struct {
	Name          string  `json:"name"`
	Host          string  `json:"host"`
	Username      string  `json:"username"`
	Password      string  `json:"password"`
	BasicUsername *string `json:"basicUsername,omitempty"`
	BasicPassword *string `json:"basicPassword,omitempty"`
	TLSSkipVerify *bool   `json:"tlsSkipVerify,omitempty"`
	IsActive      *bool   `json:"isActive,omitempty"`
}

// stripRedacted drops secrets that are just the redaction marker echoed back
// by a client.
func (in *InstanceInput) stripRedacted() {
	if domain.IsRedactedString(in.Password) {
		in.Password = ""
	}
	if in.BasicPassword != nil && domain.IsRedactedString(*in.BasicPassword) {
		in.BasicPassword = nil
	}
}

type InstanceStore struct {
	db            dbinterface.Querier
	encryptionKey []byte
}

func NewInstanceStore(db dbinterface.Querier, encryptionKey []byte) (*InstanceStore, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}

	return &InstanceStore{
		db:            db,
		encryptionKey: encryptionKey,
	}, nil
}

// encrypt encrypts a string using AES-GCM
func (s *InstanceStore) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func (s *InstanceStore) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("malformed ciphertext")
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// validateAndNormalizeHost validates and normalizes a qBittorrent instance host URL
func validateAndNormalizeHost(rawHost string) (string, error) {
	rawHost = strings.TrimSpace(rawHost)
	if rawHost == "" {
		return "", fmt.Errorf("%w: host cannot be empty", ErrInvalidInstance)
	}

	if !strings.Contains(rawHost, "://") {
		rawHost = "http://" + rawHost
	}

	u, err := url.Parse(rawHost)
	if err != nil {
		return "", fmt.Errorf("%w: invalid URL format: %v", ErrInvalidInstance, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q: must be http or https", ErrInvalidInstance, u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("%w: URL must include a host", ErrInvalidInstance)
	}

	return u.String(), nil
}

func (s *InstanceStore) encryptOptional(value *string) (*string, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	encrypted, err := s.encrypt(*value)
	if err != nil {
		return nil, err
	}
	return &encrypted, nil
}

func nullIfEmpty(value *string) *string {
	if value == nil || *value == "" {
		return nil
	}
	return value
}

const instanceColumns = `id, name, host, username, password_encrypted, basic_username, basic_password_encrypted, tls_skip_verify, sort_order, is_active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		instance               Instance
		basicUsername          sql.NullString
		basicPasswordEncrypted sql.NullString
	)

	err := row.Scan(
		&instance.ID,
		&instance.Name,
		&instance.Host,
		&instance.Username,
		&instance.PasswordEncrypted,
		&basicUsername,
		&basicPasswordEncrypted,
		&instance.TLSSkipVerify,
		&instance.SortOrder,
		&instance.IsActive,
	)
	if err != nil {
		return nil, err
	}

	if basicUsername.Valid {
		instance.BasicUsername = &basicUsername.String
	}
	if basicPasswordEncrypted.Valid {
		instance.BasicPasswordEncrypted = &basicPasswordEncrypted.String
	}

	return &instance, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *InstanceStore) Create(ctx context.Context, in InstanceInput) (*Instance, error) {
	in.stripRedacted()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidInstance)
	}

	host, err := validateAndNormalizeHost(in.Host)
	if err != nil {
		return nil, err
	}

	encryptedPassword, err := s.encrypt(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt password: %w", err)
	}

	encryptedBasicPassword, err := s.encryptOptional(in.BasicPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt basic auth password: %w", err)
	}

	tlsSkipVerify := in.TLSSkipVerify != nil && *in.TLSSkipVerify
	isActive := in.IsActive == nil || *in.IsActive

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO instances (name, host, username, password_encrypted, basic_username, basic_password_encrypted, tls_skip_verify, is_active, sort_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(sort_order), -1) + 1 FROM instances))
		RETURNING `+instanceColumns,
		name, host, in.Username, encryptedPassword, nullIfEmpty(in.BasicUsername), encryptedBasicPassword, tlsSkipVerify, isActive,
	)

	instance, err := scanInstance(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrInstanceExists
		}
		return nil, err
	}

	return instance, nil
}

func (s *InstanceStore) Get(ctx context.Context, id int) (*Instance, error) {
	instance, err := scanInstance(s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return instance, err
}

func (s *InstanceStore) GetByName(ctx context.Context, name string) (*Instance, error) {
	instance, err := scanInstance(s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return instance, err
}

func (s *InstanceStore) List(ctx context.Context) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances ORDER BY sort_order ASC, name COLLATE NOCASE ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}

	return instances, rows.Err()
}

func (s *InstanceStore) Update(ctx context.Context, id int, in InstanceInput) (*Instance, error) {
	in.stripRedacted()

	host, err := validateAndNormalizeHost(in.Host)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidInstance)
	}

	query := "UPDATE instances SET name = ?, host = ?, username = ?"
	args := []any{name, host, in.Username}

	if in.Password != "" {
		encrypted, err := s.encrypt(in.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt password: %w", err)
		}
		query += ", password_encrypted = ?"
		args = append(args, encrypted)
	}

	if in.BasicUsername != nil {
		query += ", basic_username = ?"
		args = append(args, nullIfEmpty(in.BasicUsername))
	}

	if in.BasicPassword != nil {
		encrypted, err := s.encryptOptional(in.BasicPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt basic auth password: %w", err)
		}
		query += ", basic_password_encrypted = ?"
		args = append(args, encrypted)
	}

	if in.TLSSkipVerify != nil {
		query += ", tls_skip_verify = ?"
		args = append(args, *in.TLSSkipVerify)
	}

	if in.IsActive != nil {
		query += ", is_active = ?"
		args = append(args, *in.IsActive)
	}

	query += " WHERE id = ?"
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrInstanceExists
		}
		return nil, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrInstanceNotFound
	}

	return s.Get(ctx, id)
}

// Upsert creates the instance or updates the one with the same name.
func (s *InstanceStore) Upsert(ctx context.Context, in InstanceInput) (*Instance, bool, error) {
	existing, err := s.GetByName(ctx, strings.TrimSpace(in.Name))
	switch {
	case errors.Is(err, ErrInstanceNotFound):
		instance, err := s.Create(ctx, in)
		return instance, true, err
	case err != nil:
		return nil, false, err
	}

	instance, err := s.Update(ctx, existing.ID, in)
	return instance, false, err
}

func (s *InstanceStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}

	return nil
}

// GetDecryptedPassword returns the decrypted password for an instance
func (s *InstanceStore) GetDecryptedPassword(instance *Instance) (string, error) {
	return s.decrypt(instance.PasswordEncrypted)
}

// GetDecryptedBasicPassword returns the decrypted basic auth password for an instance
func (s *InstanceStore) GetDecryptedBasicPassword(instance *Instance) (*string, error) {
	if instance.BasicPasswordEncrypted == nil {
		return nil, nil
	}
	decrypted, err := s.decrypt(*instance.BasicPasswordEncrypted)
	if err != nil {
		return nil, err
	}
	return &decrypted, nil
}

// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

// This file contains the PostgreSQL implementation of the ledger store.
package db

import (
	"time"

	"github.com/ccunniff/ssh-key-enforcer-stash/internal/model"
	"github.com/uptrace/bun"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
)

// PostgresStore is the PostgreSQL implementation of the Store interface.
type PostgresStore struct {
	bun *bun.DB
}

// SaveExternalKey records an externally created key accepted under bypass policy.
func (s *PostgresStore) SaveExternalKey(key model.NativeKey, userID int, keyType model.KeyType) (*model.TrackedKey, error) {
	return SaveExternalKeyBun(s.bun, key, userID, keyType)
}

// CreateOrUpdateUserKey records freshly generated USER key material.
func (s *PostgresStore) CreateOrUpdateUserKey(userID int, publicKey, comment string) (*model.TrackedKey, error) {
	return CreateOrUpdateUserKeyBun(s.bun, userID, publicKey, comment)
}

// UpdateKeyID stores the native key id assigned by Bitbucket.
func (s *PostgresStore) UpdateKeyID(recordID, keyID int) error {
	return UpdateKeyIDBun(s.bun, recordID, keyID)
}

// UpdateKey persists all mutable fields of a tracked key record.
func (s *PostgresStore) UpdateKey(record *model.TrackedKey) error {
	return UpdateKeyBun(s.bun, record)
}

// KeysForUser returns all tracked keys owned by the given user.
func (s *PostgresStore) KeysForUser(userID int) ([]model.TrackedKey, error) {
	return KeysForUserBun(s.bun, userID)
}

// ExpiredKeys returns records of the given type created before cutoff.
func (s *PostgresStore) ExpiredKeys(cutoff time.Time, keyType model.KeyType) ([]model.TrackedKey, error) {
	return ExpiredKeysBun(s.bun, cutoff, keyType)
}

// FindKeyByText looks a record up by exact public key text.
func (s *PostgresStore) FindKeyByText(publicKey string) (*model.TrackedKey, error) {
	return FindKeyByTextBun(s.bun, publicKey)
}

// RemoveKey deletes a ledger record by row id.
func (s *PostgresStore) RemoveKey(recordID int) error {
	return RemoveKeyBun(s.bun, recordID)
}

// ForgetKeyMatching deletes the record holding the given native key id.
func (s *PostgresStore) ForgetKeyMatching(keyID int) error {
	return ForgetKeyMatchingBun(s.bun, keyID)
}

// OrphanedKeys returns records without a native key id older than the given time.
func (s *PostgresStore) OrphanedKeys(olderThan time.Time) ([]model.TrackedKey, error) {
	return OrphanedKeysBun(s.bun, olderThan)
}

// GetAllAuditLogEntries returns the audit trail, most recent first.
func (s *PostgresStore) GetAllAuditLogEntries() ([]model.AuditLogEntry, error) {
	return GetAllAuditLogEntriesBun(s.bun)
}

// LogEvent appends a structured audit event.
func (s *PostgresStore) LogEvent(entry model.AuditLogEntry) error {
	return LogEventBun(s.bun, entry)
}

// ExportDataForBackup retrieves all ledger data within one transaction.
func (s *PostgresStore) ExportDataForBackup() (*model.BackupData, error) {
	return ExportDataForBackupBun(s.bun)
}

// ImportDataFromBackup restores the ledger with a full wipe-and-replace.
func (s *PostgresStore) ImportDataFromBackup(backup *model.BackupData) error {
	return ImportDataFromBackupBun(s.bun, backup)
}

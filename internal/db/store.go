// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"time"

	"github.com/ccunniff/ssh-key-enforcer-stash/internal/model"
)

// Store defines the ledger interface consumed by the governance engine.
// This allows for multiple database backends to be implemented.
type Store interface {
	// Tracked key methods
	SaveExternalKey(key model.NativeKey, userID int, keyType model.KeyType) (*model.TrackedKey, error)
	CreateOrUpdateUserKey(userID int, publicKey, comment string) (*model.TrackedKey, error)
	UpdateKeyID(recordID, keyID int) error
	UpdateKey(record *model.TrackedKey) error
	KeysForUser(userID int) ([]model.TrackedKey, error)
	ExpiredKeys(cutoff time.Time, keyType model.KeyType) ([]model.TrackedKey, error)
	FindKeyByText(publicKey string) (*model.TrackedKey, error)
	RemoveKey(recordID int) error
	ForgetKeyMatching(keyID int) error
	OrphanedKeys(olderThan time.Time) ([]model.TrackedKey, error)

	// Audit log methods
	GetAllAuditLogEntries() ([]model.AuditLogEntry, error)
	LogEvent(entry model.AuditLogEntry) error

	// Backup helpers
	ExportDataForBackup() (*model.BackupData, error)
	ImportDataFromBackup(backup *model.BackupData) error
}
